package scene

import (
	"fmt"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// MagickReader reads image files (FITS, TIFF, PNG...) as intensity values in
// [0, 1] through ImageMagick.
type MagickReader struct{}

// ReadPixels implements PixelReader.
func (MagickReader) ReadPixels(path string) (int, int, []float64, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return 0, 0, nil, fmt.Errorf("failed to read image %s: %w", path, err)
	}
	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	raw, err := mw.ExportImagePixels(0, 0, w, h, "I", imagick.PIXEL_DOUBLE)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("failed to export pixels of %s: %w", path, err)
	}
	data, ok := raw.([]float64)
	if !ok {
		return 0, 0, nil, fmt.Errorf("unexpected pixel buffer %T for %s", raw, path)
	}
	return int(w), int(h), data, nil
}
