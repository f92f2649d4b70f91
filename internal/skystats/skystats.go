// Package skystats computes robust background levels from pixel samples with
// iterative sigma clipping.
package skystats

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/montanaflynn/stats"
)

// Stat selects the central-tendency estimator.
type Stat string

const (
	Mean   Stat = "mean"
	Median Stat = "median"
	Mode   Stat = "mode"
	Midpt  Stat = "midpt"
)

const (
	// MinClipCount is the smallest sample that is still sigma clipped.
	MinClipCount = 2
	// DefaultBinWidth is the histogram bin width in units of the sample
	// standard deviation.
	DefaultBinWidth = 0.1
	// maxBins bounds the histogram for pathological bin widths.
	maxBins = 1 << 20
)

// Params configures Center.
type Params struct {
	Stat      Stat
	Lower     *float64
	Upper     *float64
	NClip     int
	LowSigma  float64
	HighSigma float64
	BinWidth  float64
}

// DefaultParams returns the clipped-mode defaults.
func DefaultParams() Params {
	return Params{
		Stat:      Mode,
		NClip:     5,
		LowSigma:  4,
		HighSigma: 4,
		BinWidth:  DefaultBinWidth,
	}
}

// ParseStat maps a name to a Stat.
func ParseStat(s string) (Stat, error) {
	switch st := Stat(strings.ToLower(strings.TrimSpace(s))); st {
	case Mean, Median, Mode, Midpt:
		return st, nil
	default:
		return "", fmt.Errorf("unknown sky statistic %q", s)
	}
}

// Validate reports the first inconsistent parameter.
func (p Params) Validate() error {
	if _, err := ParseStat(string(p.Stat)); err != nil {
		return err
	}
	if p.NClip < 0 {
		return fmt.Errorf("nclip must not be negative, got %d", p.NClip)
	}
	if !(p.LowSigma > 0) || !(p.HighSigma > 0) {
		return fmt.Errorf("clipping sigmas must be positive, got %v/%v", p.LowSigma, p.HighSigma)
	}
	if p.Lower != nil && p.Upper != nil && *p.Lower > *p.Upper {
		return fmt.Errorf("lower bound %v above upper bound %v", *p.Lower, *p.Upper)
	}
	if (p.Stat == Mode || p.Stat == Midpt) && !(p.BinWidth > 0) {
		return fmt.Errorf("binwidth must be positive, got %v", p.BinWidth)
	}
	return nil
}

// InsufficientDataError reports a sample that was empty or clipped away.
type InsufficientDataError struct {
	Total    int
	Retained int
	Stage    string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: %d of %d values left after %s", e.Retained, e.Total, e.Stage)
}

// Center returns the clipped central value of the usable values and how
// many values it was computed from. A nil mask marks every value usable;
// otherwise values with a false mask entry are ignored, as are non-finite
// values and values outside [Lower, Upper].
func Center(values []float64, mask []bool, p Params) (float64, int, error) {
	if mask != nil && len(mask) != len(values) {
		return 0, 0, fmt.Errorf("mask has %d entries for %d values", len(mask), len(values))
	}
	if err := p.Validate(); err != nil {
		return 0, 0, err
	}

	data := make([]float64, 0, len(values))
	for i, v := range values {
		if mask != nil && !mask[i] {
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
		data = append(data, v)
	}
	if len(data) == 0 {
		return 0, 0, &InsufficientDataError{Total: len(values), Stage: "masking"}
	}

	for iter := 0; iter < p.NClip && len(data) >= MinClipCount; iter++ {
		c, sigma, err := estimate(data, p)
		if err != nil {
			return 0, 0, err
		}
		if sigma == 0 {
			break
		}
		lo, hi := c-p.LowSigma*sigma, c+p.HighSigma*sigma
		kept := data[:0:0]
		for _, v := range data {
			if v >= lo && v <= hi {
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 {
			return 0, 0, &InsufficientDataError{Total: len(values), Stage: fmt.Sprintf("clipping pass %d", iter+1)}
		}
		if len(kept) == len(data) {
			break
		}
		data = kept
	}

	c, _, err := estimate(data, p)
	if err != nil {
		return 0, 0, err
	}
	return c, len(data), nil
}

// estimate returns the selected center and the population standard
// deviation of data, which must not be empty.
func estimate(data []float64, p Params) (float64, float64, error) {
	fd := stats.Float64Data(data)
	sigma, err := stats.StandardDeviationPopulation(fd)
	if err != nil {
		return 0, 0, err
	}
	var c float64
	switch p.Stat {
	case Mean:
		c, err = stats.Mean(fd)
	case Median:
		c, err = stats.Median(fd)
	case Mode:
		c, err = histogramMode(data, sigma*p.BinWidth)
	case Midpt:
		c, err = histogramMidpt(data, sigma*p.BinWidth)
	default:
		err = fmt.Errorf("unknown sky statistic %q", p.Stat)
	}
	if err != nil {
		return 0, 0, err
	}
	return c, sigma, nil
}

type histogram struct {
	min    float64
	width  float64
	counts []int
}

// newHistogram bins data with the given width. ok is false when the data
// has no spread and cannot be binned.
func newHistogram(data []float64, width float64) (histogram, bool) {
	lo, _ := stats.Min(data)
	hi, _ := stats.Max(data)
	if !(width > 0) || hi == lo {
		return histogram{}, false
	}
	n := int(math.Floor((hi-lo)/width)) + 1
	if n > maxBins {
		n = maxBins
		width = (hi - lo) / float64(n-1)
	}
	h := histogram{min: lo, width: width, counts: make([]int, n)}
	for _, v := range data {
		k := int((v - lo) / width)
		if k >= n {
			k = n - 1
		}
		h.counts[k]++
	}
	return h, true
}

// histogramMode returns the centre of the most populated bin refined by a
// parabola through it and its neighbours. Ties go to the lowest bin.
func histogramMode(data []float64, width float64) (float64, error) {
	h, ok := newHistogram(data, width)
	if !ok {
		return stats.Mean(data)
	}
	peak := 0
	for k, c := range h.counts {
		if c > h.counts[peak] {
			peak = k
		}
	}
	offset := 0.0
	if peak > 0 && peak < len(h.counts)-1 {
		l, c, r := float64(h.counts[peak-1]), float64(h.counts[peak]), float64(h.counts[peak+1])
		if d := l - 2*c + r; d != 0 {
			offset = 0.5 * (l - r) / d
		}
	}
	return h.min + (float64(peak)+0.5+offset)*h.width, nil
}

// histogramMidpt returns the histogram median, interpolated within the bin
// holding the middle of the sample.
func histogramMidpt(data []float64, width float64) (float64, error) {
	h, ok := newHistogram(data, width)
	if !ok {
		return stats.Mean(data)
	}
	half := float64(len(data)) / 2
	cum := 0
	for k, c := range h.counts {
		if c > 0 && float64(cum+c) >= half {
			frac := (half - float64(cum)) / float64(c)
			return h.min + (float64(k)+frac)*h.width, nil
		}
		cum += c
	}
	return 0, errors.New("histogram median not found")
}
