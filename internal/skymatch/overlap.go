package skymatch

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"skymatch/internal/skystats"
	"skymatch/internal/sphere"
)

// Observation is the background difference measured between two groups over
// the sky region they share.
type Observation struct {
	A       int     `json:"a"`
	B       int     `json:"b"`
	Delta   float64 `json:"delta"` // center(B) - center(A)
	Weight  float64 `json:"weight"`
	PixelsA int     `json:"pixels_a"`
	PixelsB int     `json:"pixels_b"`
}

// member is an image together with its private usable-pixel mask.
type member struct {
	im   *Image
	mask []bool
}

// observe measures the overlap of groups a and b. A nil observation with a
// nil error means the groups do not overlap.
func observe(ga, gb string, ra, rb sphere.Region, ma, mb []member, p skystats.Params) (*Observation, error) {
	if ra.Empty() || rb.Empty() {
		return nil, nil
	}
	ov, err := ra.Intersect(rb)
	if err != nil {
		return nil, &GeometryError{Pair: [2]string{ga, gb}, Err: err}
	}
	if ov.Empty() {
		return nil, nil
	}

	ca, na, err := overlapCenter(ga, ma, ov, p)
	if err != nil {
		return nil, pairErr(ga, gb, err)
	}
	cb, nb, err := overlapCenter(gb, mb, ov, p)
	if err != nil {
		return nil, pairErr(ga, gb, err)
	}
	return &Observation{
		Delta:   cb - ca,
		Weight:  float64(na + nb),
		PixelsA: na,
		PixelsB: nb,
	}, nil
}

func pairErr(ga, gb string, err error) error {
	var ge *GeometryError
	if errors.As(err, &ge) {
		ge.Pair = [2]string{ga, gb}
		return ge
	}
	return err
}

// overlapCenter is the robust center of the group's usable pixels that fall
// inside region.
func overlapCenter(group string, members []member, region sphere.Region, p skystats.Params) (float64, int, error) {
	var values []float64
	for _, m := range members {
		v, err := gather(m, region)
		if err != nil {
			return 0, 0, err
		}
		values = append(values, v...)
	}
	c, n, err := skystats.Center(values, nil, p)
	if err != nil {
		return 0, 0, classify(group, "overlap statistics", err)
	}
	return c, n, nil
}

// gather returns the usable pixel values of one image whose centres lie in
// any piece of region. Each pixel is taken at most once.
func gather(m member, region sphere.Region) ([]float64, error) {
	im := m.im
	var seen []bool
	var out []float64
	for _, piece := range region.Pieces() {
		ring, err := pixelRing(im, piece)
		if err != nil {
			return nil, err
		}
		b := ring.Bound()
		x0 := int(math.Max(0, math.Ceil(b.Min[0])))
		y0 := int(math.Max(0, math.Ceil(b.Min[1])))
		x1 := int(math.Min(float64(im.Width-1), math.Floor(b.Max[0])))
		y1 := int(math.Min(float64(im.Height-1), math.Floor(b.Max[1])))
		if x0 > x1 || y0 > y1 {
			continue
		}
		if seen == nil {
			seen = make([]bool, len(im.Data))
		}
		for y := y0; y <= y1; y++ {
			row := y * im.Width
			for x := x0; x <= x1; x++ {
				i := row + x
				if !m.mask[i] || seen[i] {
					continue
				}
				if planar.RingContains(ring, orb.Point{float64(x), float64(y)}) {
					seen[i] = true
					out = append(out, im.Data[i])
				}
			}
		}
	}
	return out, nil
}

// pixelRing maps a sky polygon into the pixel plane of im as a closed ring.
func pixelRing(im *Image, p sphere.Polygon) (orb.Ring, error) {
	radec := p.RADec()
	ring := make(orb.Ring, 0, len(radec)+1)
	for _, v := range radec {
		x, y, ok := im.WCS.SkyToPixel(v[0], v[1])
		if !ok || math.IsNaN(x) || math.IsNaN(y) {
			return nil, &GeometryError{Image: im.Name, Err: fmt.Errorf("overlap vertex (%.6f, %.6f) does not project", v[0], v[1])}
		}
		ring = append(ring, orb.Point{x, y})
	}
	ring = append(ring, ring[0])
	return ring, nil
}
