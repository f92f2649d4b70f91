// Package wcs provides the gnomonic (TAN) pixel to sky mapping used by scene
// manifests and tests. Pixel coordinates are zero-based pixel centres; sky
// coordinates are (ra, dec) in degrees.
package wcs

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/image/math/f64"
)

const deg = math.Pi / 180

// TAN is a gnomonic projection with a linear CD matrix.
type TAN struct {
	crval [2]float64
	crpix [2]float64
	cd    [4]float64

	fwd f64.Aff3 // pixel -> intermediate world coordinates (degrees)
	inv f64.Aff3 // intermediate world coordinates -> pixel
}

// NewTAN builds a TAN mapping. crpix is the zero-based reference pixel,
// crval the reference sky position in degrees and cd the row-major CD matrix
// in degrees per pixel.
func NewTAN(crpix, crval [2]float64, cd [4]float64) (*TAN, error) {
	for _, v := range []float64{crpix[0], crpix[1], crval[0], crval[1], cd[0], cd[1], cd[2], cd[3]} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.New("wcs: non-finite parameter")
		}
	}
	if math.Abs(crval[1]) >= 90 {
		return nil, fmt.Errorf("wcs: reference declination %v out of range", crval[1])
	}
	det := cd[0]*cd[3] - cd[1]*cd[2]
	if det == 0 {
		return nil, errors.New("wcs: singular CD matrix")
	}

	t := &TAN{crval: crval, crpix: crpix, cd: cd}
	t.fwd = f64.Aff3{
		cd[0], cd[1], -cd[0]*crpix[0] - cd[1]*crpix[1],
		cd[2], cd[3], -cd[2]*crpix[0] - cd[3]*crpix[1],
	}
	// Inverse of the 2x2 part, then undo the translation.
	i0, i1 := cd[3]/det, -cd[1]/det
	i3, i4 := -cd[2]/det, cd[0]/det
	t.inv = f64.Aff3{
		i0, i1, crpix[0],
		i3, i4, crpix[1],
	}
	return t, nil
}

// Scaled returns a north-up, east-left TAN mapping with square pixels of
// scale degrees.
func Scaled(crpix, crval [2]float64, scale float64) (*TAN, error) {
	return NewTAN(crpix, crval, [4]float64{-scale, 0, 0, scale})
}

// CRPix returns the reference pixel.
func (t *TAN) CRPix() [2]float64 { return t.crpix }

// CRVal returns the reference sky position.
func (t *TAN) CRVal() [2]float64 { return t.crval }

// CD returns the CD matrix.
func (t *TAN) CD() [4]float64 { return t.cd }

// PixelToSky maps a pixel centre to (ra, dec) in degrees, ra in [0, 360).
func (t *TAN) PixelToSky(x, y float64) (ra, dec float64) {
	xi := (t.fwd[0]*x + t.fwd[1]*y + t.fwd[2]) * deg
	eta := (t.fwd[3]*x + t.fwd[4]*y + t.fwd[5]) * deg

	a0, d0 := t.crval[0]*deg, t.crval[1]*deg
	sd0, cd0 := math.Sincos(d0)
	denom := cd0 - eta*sd0
	a := a0 + math.Atan2(xi, denom)
	d := math.Atan2(sd0+eta*cd0, math.Hypot(xi, denom))

	ra = math.Mod(a/deg, 360)
	if ra < 0 {
		ra += 360
	}
	return ra, d / deg
}

// SkyToPixel maps (ra, dec) in degrees to a pixel position. ok is false when
// the point lies on or behind the tangent plane's horizon.
func (t *TAN) SkyToPixel(ra, dec float64) (x, y float64, ok bool) {
	a0, d0 := t.crval[0]*deg, t.crval[1]*deg
	sd0, cd0 := math.Sincos(d0)
	sd, cd := math.Sincos(dec * deg)
	sda, cda := math.Sincos(ra*deg - a0)

	cosc := sd*sd0 + cd*cd0*cda
	if cosc <= 0 {
		return 0, 0, false
	}
	xi := cd * sda / cosc / deg
	eta := (sd*cd0 - cd*sd0*cda) / cosc / deg

	x = t.inv[0]*xi + t.inv[1]*eta + t.inv[2]
	y = t.inv[3]*xi + t.inv[4]*eta + t.inv[5]
	return x, y, true
}
