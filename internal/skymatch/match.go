package skymatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"strings"
	"time"

	"skymatch/internal/logging"
	"skymatch/internal/skystats"
	"skymatch/internal/sphere"
)

// Method selects how sky values are derived.
type Method string

const (
	Local       Method = "local"
	Global      Method = "global"
	Match       Method = "match"
	GlobalMatch Method = "global+match"
	User        Method = "user"
)

// ParseMethod maps a name to a Method.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case Local, Global, Match, GlobalMatch, User:
		return m, nil
	default:
		return "", configErr("skymethod", "unknown method %q", s)
	}
}

func (m Method) needsOverlaps() bool { return m == Match || m == GlobalMatch }

// UserSky is one externally supplied sky value.
type UserSky struct {
	Name string
	Sky  float64
}

// Config configures a Matcher.
type Config struct {
	Method    Method
	Stats     skystats.Params
	MatchDown bool
	Subtract  bool
	StepSize  float64 // footprint edge sampling in pixels
	Workers   int
	Strict    bool // fail the run on any group failure
	UserSky   []UserSky
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Method:    GlobalMatch,
		Stats:     skystats.DefaultParams(),
		MatchDown: true,
		StepSize:  DefaultStepSize,
		Workers:   runtime.NumCPU(),
	}
}

// Validate checks the configuration. Every failure is a *ConfigurationError.
func (c Config) Validate() error {
	if _, err := ParseMethod(string(c.Method)); err != nil {
		return err
	}
	if c.Method != User {
		if err := c.Stats.Validate(); err != nil {
			return configErr("sky statistics", "%v", err)
		}
	}
	if c.StepSize < 0 || math.IsNaN(c.StepSize) {
		return configErr("stepsize", "must not be negative, got %v", c.StepSize)
	}
	if c.Method != User && len(c.UserSky) > 0 {
		return configErr("skylist", "user sky values given for method %q", c.Method)
	}
	return nil
}

// Matcher runs sky matching with a fixed configuration. It is safe for
// concurrent use.
type Matcher struct {
	cfg Config
	log *slog.Logger
}

// New returns a Matcher. A nil logger discards output.
func New(cfg Config, log *slog.Logger) (*Matcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Workers < 1 {
		cfg.Workers = runtime.NumCPU()
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Matcher{cfg: cfg, log: log}, nil
}

// Config returns the matcher configuration.
func (m *Matcher) Config() Config { return m.cfg }

// groupState is everything computed for one group during a run.
type groupState struct {
	members []member
	level   float64
	pixels  int
	err     error
	region  sphere.Region
}

// Run computes sky values for images. Configuration and input problems are
// returned as *ConfigurationError before any computation. Failures confined
// to a group or a component are recorded in the result unless the matcher is
// strict, in which case they fail the run.
func (m *Matcher) Run(ctx context.Context, images []*Image) (*Result, error) {
	start := time.Now()
	imgs, err := m.checkImages(images)
	if err != nil {
		return nil, err
	}
	if m.cfg.Method == User {
		return m.runUser(imgs)
	}

	part := ResolveGroups(imgs)
	groups := make([]groupState, len(part.Groups))
	for gi, g := range part.Groups {
		for _, im := range g.Images {
			mask, _ := im.usableMask(m.cfg.Stats)
			groups[gi].members = append(groups[gi].members, member{im: im, mask: mask})
		}
	}
	m.log.Debug("groups resolved", "method", m.cfg.Method, "images", len(imgs), "groups", len(groups))

	if err := forEach(ctx, len(groups), m.cfg.Workers, func(gi int) {
		m.levelOf(part.Groups[gi].Key, &groups[gi])
	}); err != nil {
		return nil, err
	}

	res := &Result{Method: m.cfg.Method}
	sky := make([]float64, len(groups))
	skyErr := make([]error, len(groups))
	comp := make([]int, len(groups))

	switch m.cfg.Method {
	case Local:
		for gi, g := range groups {
			sky[gi], skyErr[gi] = g.level, g.err
		}
	case Global:
		floor, err := minLevel(groups)
		for gi, g := range groups {
			switch {
			case g.err != nil:
				skyErr[gi] = g.err
			case err != nil:
				skyErr[gi] = err
			default:
				sky[gi] = floor
			}
		}
	case Match, GlobalMatch:
		sol, obs, err := m.match(ctx, part, groups)
		if err != nil {
			return nil, err
		}
		res.Observations = obs
		for c, ids := range sol.Members {
			cc := Component{ID: c, Gauge: part.Groups[sol.Gauge[c]].Key}
			for _, gi := range ids {
				cc.Groups = append(cc.Groups, part.Groups[gi].Key)
			}
			res.Components = append(res.Components, cc)
		}
		copy(comp, sol.Component)
		copy(skyErr, sol.Err)
		copy(sky, sol.Offsets)
		for gi, g := range groups {
			if g.err != nil && skyErr[gi] == nil {
				skyErr[gi] = g.err
			}
		}
		if m.cfg.Method == GlobalMatch {
			floor, err := minLevel(groups)
			for gi := range sky {
				if err != nil && skyErr[gi] == nil {
					skyErr[gi] = err
				}
				sky[gi] += floor
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for gi, g := range part.Groups {
		gs := GroupSky{
			Key:       g.Key,
			Index:     gi,
			Sky:       sky[gi],
			Level:     groups[gi].level,
			LevelOK:   groups[gi].err == nil,
			Pixels:    groups[gi].pixels,
			Component: comp[gi],
			Err:       skyErr[gi],
		}
		if gs.Err != nil {
			gs.Sky = 0
			logGroupFailure(m.log, g.Key, gs.Err)
		}
		for _, im := range g.Images {
			gs.Images = append(gs.Images, im.Name)
		}
		res.Groups = append(res.Groups, gs)
	}
	res.Images = m.imageResults(imgs, part, res.Groups)

	if err := res.Err(); err != nil && m.cfg.Strict {
		return nil, fmt.Errorf("sky matching failed: %w", err)
	}
	m.log.Info("sky matching finished",
		"method", m.cfg.Method,
		"images", len(imgs),
		"groups", len(groups),
		"observations", len(res.Observations),
		"components", len(res.Components),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// checkImages validates the input and returns a copy in input order.
func (m *Matcher) checkImages(images []*Image) ([]*Image, error) {
	if len(images) == 0 {
		return nil, configErr("images", "no images given")
	}
	needWCS := m.cfg.Method.needsOverlaps()
	seen := make(map[string]bool, len(images))
	for i, im := range images {
		if err := im.check(needWCS); err != nil {
			return nil, configErr(fmt.Sprintf("images[%d]", i), "%v", err)
		}
		if seen[im.Name] {
			return nil, configErr(fmt.Sprintf("images[%d]", i), "duplicate image name %q", im.Name)
		}
		seen[im.Name] = true
	}
	out := make([]*Image, len(images))
	copy(out, images)
	return out, nil
}

// levelOf computes the robust level of a group over all usable member pixels.
func (m *Matcher) levelOf(key string, g *groupState) {
	var values []float64
	for _, mb := range g.members {
		for i, ok := range mb.mask {
			if ok {
				values = append(values, mb.im.Data[i])
			}
		}
	}
	c, n, err := skystats.Center(values, nil, m.cfg.Stats)
	if err != nil {
		g.err = classify(key, "sky level", err)
		return
	}
	g.level, g.pixels = c, n
}

func minLevel(groups []groupState) (float64, error) {
	floor, found := 0.0, false
	for _, g := range groups {
		if g.err != nil {
			continue
		}
		if !found || g.level < floor {
			floor, found = g.level, true
		}
	}
	if !found {
		return 0, &InsufficientDataError{Group: "all", Stage: "global floor"}
	}
	return floor, nil
}

// match measures every group pair and solves for the offsets.
func (m *Matcher) match(ctx context.Context, part Partition, groups []groupState) (Solution, []Observation, error) {
	// Footprints per image, then one region per group.
	var all []member
	var owner []int
	for gi, g := range groups {
		for _, mb := range g.members {
			all = append(all, mb)
			owner = append(owner, gi)
		}
	}
	polys := make([]sphere.Polygon, len(all))
	polyErr := make([]error, len(all))
	if err := forEach(ctx, len(all), m.cfg.Workers, func(i int) {
		polys[i], polyErr[i] = footprint(all[i].im, all[i].mask, m.cfg.StepSize)
	}); err != nil {
		return Solution{}, nil, err
	}
	for i := range all {
		if polyErr[i] != nil {
			m.log.Warn("footprint dropped", "image", all[i].im.Name, "error", polyErr[i])
			continue
		}
		groups[owner[i]].region = groups[owner[i]].region.Union(polys[i])
	}

	type pair struct{ a, b int }
	var pairs []pair
	for a := 0; a < len(groups); a++ {
		for b := a + 1; b < len(groups); b++ {
			pairs = append(pairs, pair{a, b})
		}
	}
	found := make([]*Observation, len(pairs))
	pairErrs := make([]error, len(pairs))
	if err := forEach(ctx, len(pairs), m.cfg.Workers, func(k int) {
		a, b := pairs[k].a, pairs[k].b
		found[k], pairErrs[k] = observe(
			part.Groups[a].Key, part.Groups[b].Key,
			groups[a].region, groups[b].region,
			groups[a].members, groups[b].members,
			m.cfg.Stats,
		)
	}); err != nil {
		return Solution{}, nil, err
	}

	var obs []Observation
	for k, p := range pairs {
		if pairErrs[k] != nil {
			m.log.Warn("overlap dropped",
				"a", part.Groups[p.a].Key,
				"b", part.Groups[p.b].Key,
				"error", pairErrs[k],
			)
			continue
		}
		if found[k] == nil {
			continue
		}
		o := *found[k]
		o.A, o.B = p.a, p.b
		obs = append(obs, o)
	}
	if err := ctx.Err(); err != nil {
		return Solution{}, nil, err
	}

	levels := make([]float64, len(groups))
	ok := make([]bool, len(groups))
	for gi, g := range groups {
		levels[gi], ok[gi] = g.level, g.err == nil
	}
	sol, err := Solve(len(groups), obs, levels, ok, m.cfg.MatchDown)
	if err != nil {
		return Solution{}, nil, err
	}
	for c, ids := range sol.Members {
		m.log.Debug("component solved",
			"component", c,
			"groups", len(ids),
			"gauge", part.Groups[sol.Gauge[c]].Key,
		)
	}
	return sol, obs, nil
}

func (m *Matcher) imageResults(imgs []*Image, part Partition, groups []GroupSky) []ImageSky {
	out := make([]ImageSky, 0, len(imgs))
	for _, im := range imgs {
		g := groups[part.GroupIndex[im.Name]]
		out = append(out, ImageSky{
			Name:      im.Name,
			Index:     im.Index,
			Group:     g.Key,
			Sky:       g.Sky,
			Method:    m.cfg.Method,
			Subtract:  m.cfg.Subtract && g.Err == nil,
			Component: g.Component,
			Err:       g.Err,
		})
	}
	return out
}

func logGroupFailure(log *slog.Logger, key string, err error) {
	kind := "error"
	switch {
	case errors.Is(err, ErrInsufficientData):
		kind = "insufficient_data"
	case errors.Is(err, ErrSingularSystem):
		kind = "singular_system"
	}
	logging.LogGroupFailure(log, key, kind, err)
}
