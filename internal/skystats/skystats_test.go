package skystats

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func ptr(v float64) *float64 { return &v }

func noisy(n int, level, sigma float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	for i := range out {
		out[i] = level + sigma*rng.NormFloat64()
	}
	return out
}

func TestCenterConstantSample(t *testing.T) {
	values := []float64{105, 105, 105, 105}
	for _, st := range []Stat{Mean, Median, Mode, Midpt} {
		t.Run(string(st), func(t *testing.T) {
			p := DefaultParams()
			p.Stat = st
			c, n, err := Center(values, nil, p)
			if err != nil {
				t.Fatalf("Center: %v", err)
			}
			if c != 105 || n != 4 {
				t.Fatalf("got (%v, %d), want (105, 4)", c, n)
			}
		})
	}
}

func TestCenterRejectsOutliers(t *testing.T) {
	values := noisy(50000, 100, 2, 1)
	for i := 0; i < 500; i++ {
		values[i*97] = 5000 // hot pixels
	}
	cases := []struct {
		stat Stat
		tol  float64
	}{
		{Mean, 0.1},
		{Median, 0.1},
		{Midpt, 0.2},
		{Mode, 1},
	}
	for _, tc := range cases {
		t.Run(string(tc.stat), func(t *testing.T) {
			p := DefaultParams()
			p.Stat = tc.stat
			p.BinWidth = 0.3
			p.LowSigma, p.HighSigma = 3, 3
			c, n, err := Center(values, nil, p)
			if err != nil {
				t.Fatalf("Center: %v", err)
			}
			if math.Abs(c-100) > tc.tol {
				t.Fatalf("center %v too far from 100", c)
			}
			if n > len(values)-500 {
				t.Fatalf("expected outliers to be clipped, kept %d", n)
			}
		})
	}
}

func TestCenterMaskAndBounds(t *testing.T) {
	values := []float64{1, 2, 3, 100, math.NaN(), math.Inf(1), 4}
	mask := []bool{true, true, true, true, true, true, false}
	p := DefaultParams()
	p.Stat = Mean
	p.NClip = 0
	p.Upper = ptr(50)
	c, n, err := Center(values, mask, p)
	if err != nil {
		t.Fatalf("Center: %v", err)
	}
	if c != 2 || n != 3 {
		t.Fatalf("got (%v, %d), want (2, 3)", c, n)
	}

	p.Lower = ptr(2.5)
	c, n, err = Center(values, mask, p)
	if err != nil || c != 3 || n != 1 {
		t.Fatalf("got (%v, %d, %v), want (3, 1, nil)", c, n, err)
	}
}

func TestCenterInsufficientData(t *testing.T) {
	p := DefaultParams()
	cases := map[string]struct {
		values []float64
		mask   []bool
		p      Params
	}{
		"empty":      {nil, nil, p},
		"all masked": {[]float64{1, 2}, []bool{false, false}, p},
		"non-finite": {[]float64{math.NaN()}, nil, p},
		"bounds":     {[]float64{1, 2, 3}, nil, Params{Stat: Mean, Lower: ptr(10), LowSigma: 3, HighSigma: 3}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Center(tc.values, tc.mask, tc.p)
			var ie *InsufficientDataError
			if !errors.As(err, &ie) {
				t.Fatalf("expected InsufficientDataError, got %v", err)
			}
		})
	}
}

func TestCenterAsymmetricSigma(t *testing.T) {
	values := []float64{10, 10, 10, 10, 10, 10, 10, 10, 12, 30}
	p := Params{Stat: Mean, NClip: 10, LowSigma: 100, HighSigma: 1}
	c, n, err := Center(values, nil, p)
	if err != nil {
		t.Fatalf("Center: %v", err)
	}
	if c != 10 || n != 8 {
		t.Fatalf("got (%v, %d), want (10, 8)", c, n)
	}
}

func TestCenterSingleValueIsNotClipped(t *testing.T) {
	c, n, err := Center([]float64{7}, nil, Params{Stat: Median, NClip: 3, LowSigma: 0.1, HighSigma: 0.1})
	if err != nil || c != 7 || n != 1 {
		t.Fatalf("got (%v, %d, %v)", c, n, err)
	}
}

func TestCenterDeterministic(t *testing.T) {
	values := noisy(2000, 42, 3, 7)
	p := DefaultParams()
	a, na, err := Center(values, nil, p)
	if err != nil {
		t.Fatalf("Center: %v", err)
	}
	for i := 0; i < 3; i++ {
		b, nb, err := Center(values, nil, p)
		if err != nil || a != b || na != nb {
			t.Fatalf("run %d differs: (%v, %d) vs (%v, %d), err %v", i, a, na, b, nb, err)
		}
	}
}

func TestHistogramModeTiesGoToLowestBin(t *testing.T) {
	data := []float64{0, 0, 10, 10}
	m, err := histogramMode(data, 1)
	if err != nil {
		t.Fatalf("histogramMode: %v", err)
	}
	if m >= 1 {
		t.Fatalf("expected the lowest peak, got %v", m)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		p    Params
	}{
		{"stat", Params{Stat: "average", LowSigma: 1, HighSigma: 1}},
		{"nclip", Params{Stat: Mean, NClip: -1, LowSigma: 1, HighSigma: 1}},
		{"sigma", Params{Stat: Mean, LowSigma: 0, HighSigma: 1}},
		{"bounds", Params{Stat: Mean, LowSigma: 1, HighSigma: 1, Lower: ptr(2), Upper: ptr(1)}},
		{"binwidth", Params{Stat: Mode, LowSigma: 1, HighSigma: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.p.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestParseStat(t *testing.T) {
	st, err := ParseStat(" Median ")
	if err != nil || st != Median {
		t.Fatalf("got %q, %v", st, err)
	}
	if _, err := ParseStat("average"); err == nil {
		t.Fatalf("expected error")
	}
}
