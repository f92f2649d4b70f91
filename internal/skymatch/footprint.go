package skymatch

import (
	"errors"
	"math"
	"sort"

	"github.com/paulmach/orb"

	"skymatch/internal/sphere"
)

// DefaultStepSize is the footprint edge sampling interval in pixels.
const DefaultStepSize = 10

// Footprint returns the sky polygon covering the usable pixels of im.
func Footprint(im *Image, stepSize float64) (sphere.Polygon, error) {
	if err := im.check(true); err != nil {
		return sphere.Polygon{}, &GeometryError{Image: im.Name, Err: err}
	}
	return footprint(im, im.Mask, stepSize)
}

// footprint hulls the usable pixel rows in pixel space, samples the hull
// edges every stepSize pixels and maps the samples to the sky.
func footprint(im *Image, mask []bool, stepSize float64) (sphere.Polygon, error) {
	var pts []orb.Point
	for y := 0; y < im.Height; y++ {
		lo, hi := -1, -1
		row := y * im.Width
		for x := 0; x < im.Width; x++ {
			if mask != nil && !mask[row+x] {
				continue
			}
			if lo < 0 {
				lo = x
			}
			hi = x
		}
		if lo < 0 {
			continue
		}
		fy := float64(y)
		pts = append(pts,
			orb.Point{float64(lo) - 0.5, fy - 0.5},
			orb.Point{float64(lo) - 0.5, fy + 0.5},
			orb.Point{float64(hi) + 0.5, fy - 0.5},
			orb.Point{float64(hi) + 0.5, fy + 0.5},
		)
	}
	if len(pts) == 0 {
		return sphere.Polygon{}, &GeometryError{Image: im.Name, Err: errors.New("no usable pixels")}
	}

	ring := densify(convexHull(pts), stepSize)
	radec := make([][2]float64, len(ring))
	for i, p := range ring {
		ra, dec := im.WCS.PixelToSky(p[0], p[1])
		radec[i] = [2]float64{ra, dec}
	}
	poly, err := sphere.FromRADec(radec)
	if err != nil {
		return sphere.Polygon{}, &GeometryError{Image: im.Name, Err: err}
	}
	return poly, nil
}

// convexHull returns the hull of pts counter-clockwise without collinear
// points (Andrew's monotone chain).
func convexHull(pts []orb.Point) []orb.Point {
	ps := make([]orb.Point, len(pts))
	copy(ps, pts)
	sort.Slice(ps, func(i, j int) bool {
		if ps[i][0] != ps[j][0] {
			return ps[i][0] < ps[j][0]
		}
		return ps[i][1] < ps[j][1]
	})
	if len(ps) < 3 {
		return ps
	}

	hull := make([]orb.Point, 0, 2*len(ps))
	for _, p := range ps {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(ps) - 2; i >= 0; i-- {
		p := ps[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return hull[:len(hull)-1]
}

func cross(o, a, b orb.Point) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}

// densify inserts points along every edge of the closed ring so that no two
// consecutive points are more than step apart.
func densify(ring []orb.Point, step float64) []orb.Point {
	if !(step > 0) {
		return ring
	}
	out := make([]orb.Point, 0, len(ring))
	for i, a := range ring {
		b := ring[(i+1)%len(ring)]
		out = append(out, a)
		n := int(math.Ceil(math.Hypot(b[0]-a[0], b[1]-a[1]) / step))
		for k := 1; k < n; k++ {
			t := float64(k) / float64(n)
			out = append(out, orb.Point{a[0] + t*(b[0]-a[0]), a[1] + t*(b[1]-a[1])})
		}
	}
	return out
}
