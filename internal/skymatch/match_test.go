package skymatch

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"skymatch/internal/config"
	"skymatch/internal/skystats"
	"skymatch/internal/wcs"
)

const (
	tileSize  = 100
	tileScale = 0.001 // degrees per pixel
	tileStep  = 0.08  // degrees between tile centres
)

func tile(t *testing.T, name string, index int, ra, dec, level float64) *Image {
	t.Helper()
	w, err := wcs.Scaled([2]float64{49.5, 49.5}, [2]float64{ra, dec}, tileScale)
	if err != nil {
		t.Fatalf("wcs for %s: %v", name, err)
	}
	data := make([]float64, tileSize*tileSize)
	for i := range data {
		data[i] = level
	}
	return &Image{
		Name:   name,
		Index:  index,
		Width:  tileSize,
		Height: tileSize,
		Data:   data,
		WCS:    w,
	}
}

// mosaic lays out levels row by row starting at (ra, dec).
func mosaic(t *testing.T, prefix string, first int, ra, dec float64, cols int, levels []float64) []*Image {
	t.Helper()
	var out []*Image
	for k, lv := range levels {
		r, c := k/cols, k%cols
		name := prefix + string(rune('a'+k))
		out = append(out, tile(t, name, first+k, ra+float64(c)*tileStep, dec+float64(r)*tileStep, lv))
	}
	return out
}

func run(t *testing.T, method Method, images []*Image, mutate ...func(*Config)) *Result {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Method = method
	cfg.Workers = 3
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := m.Run(context.Background(), images)
	if err != nil {
		t.Fatalf("Run(%s): %v", method, err)
	}
	return res
}

func skies(res *Result) []float64 {
	out := make([]float64, len(res.Images))
	for i, im := range res.Images {
		out[i] = im.Sky
	}
	return out
}

func assertSkies(t *testing.T, got, want []float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d values, want %d", len(got), len(want))
	}
	for i := range want {
		if !near(got[i], want[i]) {
			t.Fatalf("sky[%d] = %v, want %v (all %v)", i, got[i], want[i], got)
		}
	}
}

var sixLevels = []float64{100, 120, 105, 110, 105, 115}

func TestSixImageMosaic(t *testing.T) {
	images := mosaic(t, "m", 0, 10, 0, 3, sixLevels)

	t.Run("local", func(t *testing.T) {
		assertSkies(t, skies(run(t, Local, images)), sixLevels)
	})
	t.Run("global", func(t *testing.T) {
		assertSkies(t, skies(run(t, Global, images)), []float64{100, 100, 100, 100, 100, 100})
	})
	t.Run("match", func(t *testing.T) {
		res := run(t, Match, images)
		assertSkies(t, skies(res), []float64{0, 20, 5, 10, 5, 15})
		if len(res.Components) != 1 {
			t.Fatalf("expected one component, got %d", len(res.Components))
		}
		if res.Components[0].Gauge != "#0:ma" {
			t.Fatalf("expected the 100 level tile as gauge, got %s", res.Components[0].Gauge)
		}
		// Side, top and diagonal neighbours overlap; tiles two apart do not.
		if len(res.Observations) != 11 {
			t.Fatalf("expected 11 overlaps, got %d", len(res.Observations))
		}
		for _, o := range res.Observations {
			if o.A >= o.B || o.Weight <= 0 || o.PixelsA == 0 || o.PixelsB == 0 {
				t.Fatalf("bad observation %+v", o)
			}
		}
	})
	t.Run("global+match", func(t *testing.T) {
		assertSkies(t, skies(run(t, GlobalMatch, images)), sixLevels)
	})
	t.Run("match up", func(t *testing.T) {
		res := run(t, Match, images, func(c *Config) { c.MatchDown = false })
		assertSkies(t, skies(res), []float64{-20, 0, -15, -10, -15, -5})
	})
}

func TestMatchGaugeInvariance(t *testing.T) {
	images := mosaic(t, "m", 0, 10, 0, 3, sixLevels)
	base := skies(run(t, Match, images))

	shifted := mosaic(t, "m", 0, 10, 0, 3, sixLevels)
	for _, im := range shifted {
		for i := range im.Data {
			im.Data[i] += 1234.5
		}
	}
	assertSkies(t, skies(run(t, Match, shifted)), base)
}

func TestDeterminism(t *testing.T) {
	images := mosaic(t, "m", 0, 10, 0, 3, sixLevels)
	// Add structure so the statistics are not trivial.
	for k, im := range images {
		for i := range im.Data {
			im.Data[i] += float64((i*7+k*13)%11) * 0.1
		}
	}
	for _, method := range []Method{Local, Global, Match, GlobalMatch} {
		a := run(t, method, images)
		b := run(t, method, images, func(c *Config) { c.Workers = 1 })
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("%s: results differ between runs", method)
		}
	}
}

func TestGlobalNotAboveLocal(t *testing.T) {
	images := mosaic(t, "m", 0, 10, 0, 3, sixLevels)
	local := skies(run(t, Local, images))
	global := skies(run(t, Global, images))
	min := local[0]
	for _, v := range local {
		if v < min {
			min = v
		}
	}
	for i := range local {
		if global[i] > local[i] {
			t.Fatalf("global %v above local %v for image %d", global[i], local[i], i)
		}
		if (global[i] == local[i]) != (local[i] == min) {
			t.Fatalf("equality must hold only at the minimum: image %d local %v global %v", i, local[i], global[i])
		}
	}
}

func TestLocalIdempotent(t *testing.T) {
	images := mosaic(t, "m", 0, 10, 0, 3, sixLevels)
	masks := make([][]bool, len(images))
	for k, im := range images {
		im.Mask = make([]bool, len(im.Data))
		for i := range im.Mask {
			im.Mask[i] = i%3 != 0
		}
		masks[k] = append([]bool(nil), im.Mask...)
	}
	a := skies(run(t, Local, images, func(c *Config) { c.Stats.Upper = ptr(1000) }))
	b := skies(run(t, Local, images, func(c *Config) { c.Stats.Upper = ptr(1000) }))
	assertSkies(t, b, a)
	for k, im := range images {
		if !reflect.DeepEqual(im.Mask, masks[k]) {
			t.Fatalf("mask of %s was modified", im.Name)
		}
	}
}

func TestSevenImagesTwoMosaics(t *testing.T) {
	left := mosaic(t, "l", 0, 10, 0, 2, []float64{50, 60, 55, 52})
	right := mosaic(t, "r", 4, 50, 0, 3, []float64{200, 190, 210})
	images := append(left, right...)

	res := run(t, Match, images)
	if len(res.Components) != 2 {
		t.Fatalf("expected two components, got %+v", res.Components)
	}
	for i, im := range res.Images {
		want := 0
		if i >= 4 {
			want = 1
		}
		if im.Component != want {
			t.Fatalf("%s in component %d, want %d", im.Name, im.Component, want)
		}
	}
	// Only relative values inside each component are meaningful.
	assertSkies(t, skies(res)[:4], []float64{0, 10, 5, 2})
	assertSkies(t, skies(res)[4:], []float64{10, 0, 20})
	for _, o := range res.Observations {
		if (o.A < 4) != (o.B < 4) {
			t.Fatalf("observation links the two mosaics: %+v", o)
		}
	}
}

func TestIsolatedGroupGetsZeroOffset(t *testing.T) {
	images := mosaic(t, "m", 0, 10, 0, 3, sixLevels)
	images = append(images, tile(t, "far", 6, 100, 30, 42))
	res := run(t, Match, images)
	im := res.Images[6]
	if im.Sky != 0 || im.Err != nil {
		t.Fatalf("isolated image got %v, %v", im.Sky, im.Err)
	}
	if im.Component == res.Images[0].Component {
		t.Fatalf("isolated image shares a component with the mosaic")
	}
	assertSkies(t, skies(res)[:6], []float64{0, 20, 5, 10, 5, 15})
}

func TestGroupsShareOneSky(t *testing.T) {
	images := mosaic(t, "m", 0, 10, 0, 3, sixLevels)
	// Column pairs form groups; the middle column stays ungrouped.
	images[0].Group, images[3].Group = "west", "west"
	images[2].Group, images[5].Group = "east", "east"

	res := run(t, Match, images, func(c *Config) { c.Stats.Stat = skystats.Mean })
	if len(res.Groups) != 4 {
		t.Fatalf("expected 4 groups, got %d", len(res.Groups))
	}
	byName := map[string]ImageSky{}
	for _, im := range res.Images {
		byName[im.Name] = im
	}
	if byName["ma"].Sky != byName["md"].Sky || byName["mc"].Sky != byName["mf"].Sky {
		t.Fatalf("group members disagree: %+v", res.Images)
	}
	if byName["ma"].Group != "west" || byName["mb"].Group != "#1:mb" {
		t.Fatalf("unexpected group keys %q %q", byName["ma"].Group, byName["mb"].Group)
	}
}

func TestUserMode(t *testing.T) {
	images := []*Image{
		{Name: "a", Index: 0, Width: 1, Height: 1, Data: []float64{1}},
		{Name: "b", Index: 1, Width: 1, Height: 1, Data: []float64{2}},
	}
	cfg := func(vals ...UserSky) func(*Config) {
		return func(c *Config) { c.UserSky = vals; c.Subtract = true }
	}

	res := run(t, User, images, cfg(UserSky{"b", 7}, UserSky{"a", 3}))
	assertSkies(t, skies(res), []float64{3, 7})
	if !res.Images[0].Subtract || res.Images[0].Method != User {
		t.Fatalf("unexpected image result %+v", res.Images[0])
	}

	bad := map[string][]UserSky{
		"missing":   {{"a", 1}},
		"duplicate": {{"a", 1}, {"a", 2}, {"b", 3}},
		"unknown":   {{"a", 1}, {"b", 2}, {"c", 3}},
	}
	for name, vals := range bad {
		t.Run(name, func(t *testing.T) {
			c := DefaultConfig()
			c.Method = User
			c.UserSky = vals
			m, err := New(c, nil)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = m.Run(context.Background(), images)
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestConfigurationErrors(t *testing.T) {
	cases := map[string]func(*Config){
		"method":   func(c *Config) { c.Method = "average" },
		"nclip":    func(c *Config) { c.Stats.NClip = -1 },
		"sigma":    func(c *Config) { c.Stats.LowSigma = 0 },
		"bounds":   func(c *Config) { c.Stats.Lower, c.Stats.Upper = ptr(5), ptr(1) },
		"stepsize": func(c *Config) { c.StepSize = -1 },
		"skylist":  func(c *Config) { c.UserSky = []UserSky{{"a", 1}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := DefaultConfig()
			mutate(&c)
			_, err := New(c, nil)
			var ce *ConfigurationError
			if !errors.As(err, &ce) || !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
		})
	}

	m, err := New(DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	inputs := map[string][]*Image{
		"empty":     nil,
		"no wcs":    {{Name: "a", Width: 1, Height: 1, Data: []float64{1}}},
		"size":      {{Name: "a", Width: 2, Height: 1, Data: []float64{1}}},
		"duplicate": {tile(t, "a", 0, 10, 0, 1), tile(t, "a", 1, 10, 0, 1)},
	}
	for name, images := range inputs {
		t.Run(name, func(t *testing.T) {
			if _, err := m.Run(context.Background(), images); !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestInsufficientDataIsPerGroup(t *testing.T) {
	images := mosaic(t, "m", 0, 10, 0, 3, sixLevels)
	images[4].Mask = make([]bool, len(images[4].Data)) // nothing usable

	res := run(t, Local, images)
	if !errors.Is(res.Images[4].Err, ErrInsufficientData) {
		t.Fatalf("expected insufficient data for image 4, got %v", res.Images[4].Err)
	}
	if res.Images[4].Subtract {
		t.Fatalf("failed image must not be flagged for subtraction")
	}
	for i, im := range res.Images {
		if i != 4 && (im.Err != nil || im.Sky != sixLevels[i]) {
			t.Fatalf("image %d affected by unrelated failure: %+v", i, im)
		}
	}
	if !errors.Is(res.Err(), ErrInsufficientData) {
		t.Fatalf("Result.Err should report the failure, got %v", res.Err())
	}

	// Without pixels the image has no footprint and drops out of the fit,
	// but the failure still reaches the caller.
	for _, method := range []Method{Match, GlobalMatch} {
		res := run(t, method, images)
		im := res.Images[4]
		if !errors.Is(im.Err, ErrInsufficientData) || im.Sky != 0 || im.Subtract {
			t.Fatalf("%s: expected insufficient data for the empty image, got %+v", method, im)
		}
		if res.Groups[4].LevelOK {
			t.Fatalf("%s: empty group reports a level", method)
		}
		if !errors.Is(res.Err(), ErrInsufficientData) {
			t.Fatalf("%s: Result.Err should report the failure, got %v", method, res.Err())
		}
		for i, im := range res.Images {
			if i != 4 && im.Err != nil {
				t.Fatalf("%s: image %d affected by unrelated failure: %v", method, i, im.Err)
			}
		}
	}
	match := run(t, Match, images)
	assertSkies(t, []float64{match.Images[1].Sky, match.Images[5].Sky}, []float64{20, 15})
	gm := run(t, GlobalMatch, images)
	assertSkies(t, []float64{gm.Images[0].Sky, gm.Images[1].Sky, gm.Images[5].Sky}, []float64{100, 120, 115})

	for _, method := range []Method{Local, Match} {
		cfg := DefaultConfig()
		cfg.Method = method
		cfg.Strict = true
		m, err := New(cfg, nil)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if _, err := m.Run(context.Background(), images); !errors.Is(err, ErrInsufficientData) {
			t.Fatalf("%s: strict run should fail, got %v", method, err)
		}
	}
}

// collapsedWCS maps every pixel to one sky position.
type collapsedWCS struct{ ra, dec float64 }

func (w collapsedWCS) PixelToSky(x, y float64) (float64, float64) { return w.ra, w.dec }

func (w collapsedWCS) SkyToPixel(ra, dec float64) (float64, float64, bool) { return 0, 0, false }

func TestDegenerateFootprintIsSkipped(t *testing.T) {
	images := mosaic(t, "m", 0, 10, 0, 3, sixLevels)
	flat := tile(t, "flat", 6, 10, 0, 177)
	flat.WCS = collapsedWCS{ra: 10.04, dec: 0.04}
	images = append(images, flat)

	for _, method := range []Method{Match, GlobalMatch} {
		res := run(t, method, images)
		im := res.Images[6]
		if im.Err != nil {
			t.Fatalf("%s: degenerate footprint must not fail the image: %v", method, im.Err)
		}
		for i := 0; i < 6; i++ {
			if res.Images[i].Component == im.Component {
				t.Fatalf("%s: degenerate image shares component %d with %s", method, im.Component, res.Images[i].Name)
			}
		}
		if len(res.Components) != 2 {
			t.Fatalf("%s: expected two components, got %+v", method, res.Components)
		}
		if len(res.Observations) != 11 {
			t.Fatalf("%s: expected the 11 mosaic overlaps only, got %d", method, len(res.Observations))
		}
		for _, o := range res.Observations {
			if o.A == 6 || o.B == 6 {
				t.Fatalf("%s: observation involves the degenerate image: %+v", method, o)
			}
		}
		if res.Err() != nil {
			t.Fatalf("%s: unexpected run failure %v", method, res.Err())
		}
	}
	assertSkies(t, skies(run(t, Match, images)), []float64{0, 20, 5, 10, 5, 15, 0})
	assertSkies(t, skies(run(t, GlobalMatch, images))[:6], sixLevels)
}

func TestGroupsFollowInputOrder(t *testing.T) {
	pair := mosaic(t, "p", 0, 10, 0, 2, []float64{100, 100})
	images := []*Image{pair[1], pair[0]}

	res := run(t, Match, images)
	if res.Groups[0].Key != "#1:pb" || res.Groups[1].Key != "#0:pa" {
		t.Fatalf("groups not in input order: %s, %s", res.Groups[0].Key, res.Groups[1].Key)
	}
	if res.Images[0].Name != "pb" || res.Images[1].Name != "pa" {
		t.Fatalf("images not in input order: %s, %s", res.Images[0].Name, res.Images[1].Name)
	}
	// Equal levels tie to the first group seen.
	if len(res.Components) != 1 || res.Components[0].Gauge != "#1:pb" {
		t.Fatalf("expected the first input image as gauge, got %+v", res.Components)
	}
}

func TestRunCancelled(t *testing.T) {
	images := mosaic(t, "m", 0, 10, 0, 3, sixLevels)
	m, err := New(DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := m.Run(ctx, images)
	if !errors.Is(err, context.Canceled) || res != nil {
		t.Fatalf("expected cancellation, got %v, %v", res, err)
	}
}

func ptr(v float64) *float64 { return &v }

func TestConfigFrom(t *testing.T) {
	s := config.Default().Sky
	s.Method = "match"
	s.Stat = "midpt"
	s.Upper = ptr(10)
	cfg, err := ConfigFrom(s)
	if err != nil {
		t.Fatalf("ConfigFrom: %v", err)
	}
	if cfg.Method != Match || cfg.Stats.Stat != skystats.Midpt || *cfg.Stats.Upper != 10 {
		t.Fatalf("unexpected config %+v", cfg)
	}

	s.Stat = "average"
	if _, err := ConfigFrom(s); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	s.Stat, s.LSigma = "mean", -1
	if _, err := ConfigFrom(s); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
