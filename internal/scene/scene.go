// Package scene loads sky matching inputs from YAML manifests.
//
// A manifest lists the images of one run: their size, TAN WCS, optional
// group, masked rectangles and the source of their pixel values (an image
// file read through ImageMagick, or a synthetic background description).
//
//	name: m31-mosaic
//	method: match
//	images:
//	  - name: a
//	    group: visit1
//	    width: 100
//	    height: 100
//	    wcs: {crpix: [49.5, 49.5], crval: [10.0, 41.0], scale: 0.001}
//	    synthetic: {level: 100, noise: 2, seed: 1}
//	    invalid: [[0, 0, 10, 100]]
//	  - name: b
//	    file: b.tif
//	    scale: 65535
//	    wcs: {crpix: [49.5, 49.5], crval: [10.08, 41.0], cd: [-0.001, 0, 0, 0.001]}
package scene

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"skymatch/internal/fsutil"
	"skymatch/internal/skymatch"
	"skymatch/internal/wcs"
)

// Manifest is the YAML document describing a run.
type Manifest struct {
	Name    string      `yaml:"name"`
	Method  string      `yaml:"method,omitempty"`
	SkyList string      `yaml:"skylist,omitempty"`
	Images  []ImageSpec `yaml:"images"`
}

// ImageSpec describes one image of a manifest.
type ImageSpec struct {
	Name      string     `yaml:"name"`
	Group     string     `yaml:"group,omitempty"`
	Width     int        `yaml:"width,omitempty"`
	Height    int        `yaml:"height,omitempty"`
	WCS       *WCSSpec   `yaml:"wcs,omitempty"`
	File      string     `yaml:"file,omitempty"`
	Scale     float64    `yaml:"scale,omitempty"`
	Synthetic *Synthetic `yaml:"synthetic,omitempty"`
	Invalid   []Rect     `yaml:"invalid,omitempty"`
}

// WCSSpec holds TAN parameters. Either CD or Scale must be set.
type WCSSpec struct {
	CRPix [2]float64 `yaml:"crpix"`
	CRVal [2]float64 `yaml:"crval"`
	CD    []float64  `yaml:"cd,omitempty"`
	Scale float64    `yaml:"scale,omitempty"`
}

// Rect is a half-open pixel rectangle [x0, y0, x1, y1) marked unusable.
type Rect [4]int

// Scene is a loaded manifest ready for the matcher.
type Scene struct {
	Name    string
	Path    string
	Method  string
	UserSky []skymatch.UserSky
	Images  []*skymatch.Image
}

// PixelReader reads a single-channel image file as row-major values.
type PixelReader interface {
	ReadPixels(path string) (width, height int, data []float64, err error)
}

// Loader turns manifests into scenes.
type Loader struct {
	Pixels PixelReader
}

// NewLoader returns a loader reading image files through ImageMagick.
func NewLoader() *Loader {
	return &Loader{Pixels: MagickReader{}}
}

// Load reads a manifest with the default loader.
func Load(path string) (*Scene, error) {
	return NewLoader().Load(path)
}

// Load reads the manifest at path. Relative file and skylist paths resolve
// against the manifest directory.
func (l *Loader) Load(path string) (*Scene, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	sc, err := l.Parse(b, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	sc.Path = path
	if sc.Name == "" {
		sc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return sc, nil
}

// Parse decodes a manifest body. dir anchors relative paths.
func (l *Loader) Parse(data []byte, dir string) (*Scene, error) {
	var m Manifest
	if err := yaml.UnmarshalStrict(data, &m); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if len(m.Images) == 0 {
		return nil, errors.New("no images")
	}

	sc := &Scene{Name: m.Name, Method: m.Method}
	for i, spec := range m.Images {
		im, err := l.image(i, spec, dir)
		if err != nil {
			return nil, err
		}
		sc.Images = append(sc.Images, im)
	}
	if m.SkyList != "" {
		sky, err := LoadSkyList(resolve(dir, m.SkyList))
		if err != nil {
			return nil, err
		}
		sc.UserSky = sky
	}
	return sc, nil
}

func (l *Loader) image(index int, spec ImageSpec, dir string) (*skymatch.Image, error) {
	name := spec.Name
	if name == "" && spec.File != "" {
		name = strings.TrimSuffix(filepath.Base(spec.File), filepath.Ext(spec.File))
	}
	if name == "" {
		return nil, fmt.Errorf("image %d: no name", index)
	}
	fail := func(format string, args ...any) error {
		return fmt.Errorf("image %s: %s", name, fmt.Sprintf(format, args...))
	}

	im := &skymatch.Image{Name: name, Index: index, Group: spec.Group, Width: spec.Width, Height: spec.Height}
	switch {
	case spec.File != "" && spec.Synthetic != nil:
		return nil, fail("file and synthetic are exclusive")
	case spec.File != "":
		if !fsutil.IsPixelFile(spec.File) {
			return nil, fail("unsupported pixel format %q", filepath.Ext(spec.File))
		}
		if l.Pixels == nil {
			return nil, fail("no pixel reader for %s", spec.File)
		}
		w, h, data, err := l.Pixels.ReadPixels(resolve(dir, spec.File))
		if err != nil {
			return nil, fail("%v", err)
		}
		if (spec.Width != 0 && spec.Width != w) || (spec.Height != 0 && spec.Height != h) {
			return nil, fail("file is %dx%d, manifest says %dx%d", w, h, spec.Width, spec.Height)
		}
		if len(data) != w*h {
			return nil, fail("file returned %d values for %dx%d pixels", len(data), w, h)
		}
		im.Width, im.Height, im.Data = w, h, data
	case spec.Synthetic != nil:
		if spec.Width <= 0 || spec.Height <= 0 {
			return nil, fail("synthetic image needs width and height")
		}
		im.Data = spec.Synthetic.Render(spec.Width, spec.Height)
	default:
		return nil, fail("no pixel source")
	}

	if spec.Scale != 0 {
		for i := range im.Data {
			im.Data[i] *= spec.Scale
		}
	}
	if len(spec.Invalid) > 0 {
		im.Mask = maskRects(im.Width, im.Height, spec.Invalid)
	}
	if spec.WCS != nil {
		t, err := spec.WCS.build()
		if err != nil {
			return nil, fail("%v", err)
		}
		im.WCS = t
	}
	return im, nil
}

func (s *WCSSpec) build() (*wcs.TAN, error) {
	switch {
	case len(s.CD) == 4:
		return wcs.NewTAN(s.CRPix, s.CRVal, [4]float64{s.CD[0], s.CD[1], s.CD[2], s.CD[3]})
	case len(s.CD) != 0:
		return nil, fmt.Errorf("wcs: cd needs 4 values, got %d", len(s.CD))
	case s.Scale > 0:
		return wcs.Scaled(s.CRPix, s.CRVal, s.Scale)
	default:
		return nil, errors.New("wcs: either cd or a positive scale is required")
	}
}

func maskRects(w, h int, rects []Rect) []bool {
	mask := make([]bool, w*h)
	for i := range mask {
		mask[i] = true
	}
	for _, r := range rects {
		x0, y0 := max(r[0], 0), max(r[1], 0)
		x1, y1 := min(r[2], w), min(r[3], h)
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				mask[y*w+x] = false
			}
		}
	}
	return mask
}

func resolve(dir, p string) string {
	if filepath.IsAbs(p) || dir == "" {
		return p
	}
	return filepath.Join(dir, p)
}
