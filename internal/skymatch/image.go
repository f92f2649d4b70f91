// Package skymatch equalizes background levels across overlapping images.
//
// Images are partitioned into groups that share one sky value. Depending on
// the method, each group gets its own robust background level, the lowest
// level of all groups, or an offset derived from the background differences
// measured where the group footprints overlap on the sky.
package skymatch

import (
	"errors"
	"fmt"
	"math"

	"skymatch/internal/skystats"
)

// WCS maps zero-based pixel centres to sky coordinates in degrees.
type WCS interface {
	PixelToSky(x, y float64) (ra, dec float64)
	SkyToPixel(ra, dec float64) (x, y float64, ok bool)
}

// Image is one input exposure. The engine never writes to it.
type Image struct {
	Name   string
	Index  int
	Width  int
	Height int
	Data   []float64 // row-major, Width*Height values
	Mask   []bool    // true marks a usable pixel; nil means all usable
	WCS    WCS
	Group  string // empty for an ungrouped image
}

func (im *Image) check(needWCS bool) error {
	switch {
	case im == nil:
		return errors.New("nil image")
	case im.Name == "":
		return fmt.Errorf("image %d has no name", im.Index)
	case im.Width <= 0 || im.Height <= 0:
		return fmt.Errorf("%s: size %dx%d", im.Name, im.Width, im.Height)
	case len(im.Data) != im.Width*im.Height:
		return fmt.Errorf("%s: %d values for %dx%d pixels", im.Name, len(im.Data), im.Width, im.Height)
	case im.Mask != nil && len(im.Mask) != len(im.Data):
		return fmt.Errorf("%s: mask has %d entries for %d pixels", im.Name, len(im.Mask), len(im.Data))
	case needWCS && im.WCS == nil:
		return fmt.Errorf("%s: no WCS", im.Name)
	}
	return nil
}

// usableMask returns a private mask combining the image mask with the
// finiteness and [lower, upper] tests, and the number of usable pixels.
func (im *Image) usableMask(p skystats.Params) ([]bool, int) {
	out := make([]bool, len(im.Data))
	n := 0
	for i, v := range im.Data {
		if im.Mask != nil && !im.Mask[i] {
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if p.Lower != nil && v < *p.Lower {
			continue
		}
		if p.Upper != nil && v > *p.Upper {
			continue
		}
		out[i] = true
		n++
	}
	return out, n
}

// ImageSky is the outcome for one image.
type ImageSky struct {
	Name      string  `json:"name"`
	Index     int     `json:"index"`
	Group     string  `json:"group"`
	Sky       float64 `json:"sky"`
	Method    Method  `json:"method"`
	Subtract  bool    `json:"subtract"`
	Component int     `json:"component"`
	Err       error   `json:"-"`
}

// GroupSky is the outcome for one group.
type GroupSky struct {
	Key       string   `json:"key"`
	Index     int      `json:"index"`
	Images    []string `json:"images"`
	Sky       float64  `json:"sky"`
	Level     float64  `json:"level"`
	LevelOK   bool     `json:"level_ok"`
	Pixels    int      `json:"pixels"`
	Component int      `json:"component"`
	Err       error    `json:"-"`
}

// Component is a set of groups solved with a common gauge. Offsets of groups
// in different components are not comparable.
type Component struct {
	ID     int      `json:"id"`
	Gauge  string   `json:"gauge"`
	Groups []string `json:"groups"`
}

// Result is the outcome of one run. Images keep their input order and
// Groups follow group discovery order.
type Result struct {
	Method       Method        `json:"method"`
	Images       []ImageSky    `json:"images"`
	Groups       []GroupSky    `json:"groups"`
	Observations []Observation `json:"observations,omitempty"`
	Components   []Component   `json:"components,omitempty"`
}

// Err joins the per-group failures of the run, or returns nil.
func (r *Result) Err() error {
	var errs []error
	for _, g := range r.Groups {
		if g.Err != nil {
			errs = append(errs, g.Err)
		}
	}
	return errors.Join(errs...)
}

// Sky returns the sky value of the named image.
func (r *Result) Sky(name string) (float64, bool) {
	for _, im := range r.Images {
		if im.Name == name {
			return im.Sky, im.Err == nil
		}
	}
	return 0, false
}
