package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"skymatch/internal/config"
	"skymatch/internal/fsutil"
	"skymatch/internal/logging"
	"skymatch/internal/scene"
	"skymatch/internal/skymatch"
	"skymatch/internal/storage"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log        *slog.Logger
	store      runStore
	sky        config.Sky
	loader     sceneLoader
	newMatcher matcherFactory
	now        func() time.Time
}

type sceneLoader interface {
	Load(path string) (*scene.Scene, error)
}

type runStore interface {
	RecordRun(run storage.RunRecord, values []storage.SkyValue) error
}

type skyMatcher interface {
	Run(ctx context.Context, images []*skymatch.Image) (*skymatch.Result, error)
}

type matcherFactory func(cfg skymatch.Config, log *slog.Logger) (skyMatcher, error)

func newRouter(logger *slog.Logger, store *storage.Store, sky config.Sky) *router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &router{
		log:    logger,
		sky:    sky,
		loader: scene.NewLoader(),
		newMatcher: func(cfg skymatch.Config, log *slog.Logger) (skyMatcher, error) {
			return skymatch.New(cfg, log)
		},
		now: time.Now,
	}
	// A nil *storage.Store inside the interface would not compare equal to nil.
	if store != nil {
		r.store = store
	}
	return r
}

// RunJob processes one job synchronously, outside any worker pool. The CLI
// and the directory watcher use it for one-shot runs.
func RunJob(ctx context.Context, logger *slog.Logger, store *storage.Store, sky config.Sky, job Job) Result {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Type == "" {
		job.Type = JobMatch
	}
	return newRouter(logger, store, sky).Process(ctx, job)
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobMatch:
		return r.handleMatch(ctx, job)
	case JobFootprint:
		return r.handleFootprint(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// matchConfig layers the job options and the manifest over the configured
// sky settings: an explicit option wins over the manifest, which wins over
// the configuration file.
func (r *router) matchConfig(job Job, sc *scene.Scene) (skymatch.Config, error) {
	sky := r.sky
	if sc.Method != "" {
		sky.Method = sc.Method
	}
	if m, ok := job.Options["method"].(string); ok && m != "" {
		sky.Method = m
	}
	if s, ok := job.Options["stat"].(string); ok && s != "" {
		sky.Stat = s
	}
	if strict, ok := job.Options["strict"].(bool); ok {
		sky.Strict = strict
	}
	if sub, ok := job.Options["subtract"].(bool); ok {
		sky.Subtract = sub
	}

	userSky := sc.UserSky
	if path, ok := job.Options["skylist"].(string); ok && path != "" {
		list, err := scene.LoadSkyList(path)
		if err != nil {
			return skymatch.Config{}, fmt.Errorf("skylist: %w", err)
		}
		userSky = list
	}

	cfg, err := skymatch.ConfigFrom(sky)
	if err != nil {
		return skymatch.Config{}, err
	}
	if cfg.Method == skymatch.User {
		cfg.UserSky = userSky
	}
	return cfg, nil
}

func (r *router) handleMatch(ctx context.Context, job Job) Result {
	start := r.now()
	res := Result{Job: job, Meta: map[string]any{"manifest": job.InputPath}}

	sc, err := r.loader.Load(job.InputPath)
	if err != nil {
		res.Error = err
		return res
	}
	cfg, err := r.matchConfig(job, sc)
	if err != nil {
		res.Error = err
		return res
	}
	m, err := r.newMatcher(cfg, r.log.With("job", job.ID, "scene", sc.Name))
	if err != nil {
		res.Error = err
		return res
	}

	logging.LogProcessingStep(r.log, job.ID, "match", "started", map[string]any{
		"scene":  sc.Name,
		"images": len(sc.Images),
		"method": cfg.Method,
	})
	out, runErr := m.Run(ctx, sc.Images)
	duration := r.now().Sub(start)

	res.RunID = uuid.NewString()
	res.Sky = out
	res.Meta["run_id"] = res.RunID
	res.Meta["method"] = string(cfg.Method)
	res.Meta["images"] = len(sc.Images)

	run := storage.RunRecord{
		ID:         res.RunID,
		JobID:      job.ID,
		Manifest:   job.InputPath,
		Method:     string(cfg.Method),
		Images:     len(sc.Images),
		DurationMS: duration.Milliseconds(),
		Error:      errString(runErr),
	}
	var values []storage.SkyValue
	failed := 0
	if out != nil {
		failed = failedGroups(out)
		run.Groups = len(out.Groups)
		run.FailedGroups = failed
		if b, err := json.Marshal(out); err == nil {
			run.ResultJSON = string(b)
		}
		values = skyValues(res.RunID, out)
		res.Meta["groups"] = len(out.Groups)
		res.Meta["failed_groups"] = failed
		res.Meta["sky"] = skyMap(out)
	}
	if r.store != nil {
		if err := r.store.RecordRun(run, values); err != nil {
			r.log.Warn("failed to persist run", "run_id", res.RunID, "error", err)
		}
	}
	logging.LogRunSummary(r.log, res.RunID, string(cfg.Method), len(sc.Images), run.Groups, failed, duration)

	if runErr != nil {
		res.Error = runErr
		return res
	}
	if job.Output != "" {
		if err := writeJSON(job.Output, out); err != nil {
			res.Error = fmt.Errorf("write %s: %w", job.Output, err)
			return res
		}
		res.Meta["output"] = job.Output
	}
	return res
}

// FootprintInfo summarizes the sky footprint of one image.
type FootprintInfo struct {
	Image    string       `json:"image"`
	AreaDeg2 float64      `json:"area_deg2"`
	Vertices [][2]float64 `json:"vertices,omitempty"`
	Error    string       `json:"error,omitempty"`
}

func (r *router) handleFootprint(ctx context.Context, job Job) Result {
	res := Result{Job: job, Meta: map[string]any{"manifest": job.InputPath}}
	sc, err := r.loader.Load(job.InputPath)
	if err != nil {
		res.Error = err
		return res
	}
	step := r.sky.StepSize
	if step <= 0 {
		step = skymatch.DefaultStepSize
	}
	const sr2deg2 = (180 / math.Pi) * (180 / math.Pi)
	infos := make([]FootprintInfo, 0, len(sc.Images))
	for _, im := range sc.Images {
		if err := ctx.Err(); err != nil {
			res.Error = err
			return res
		}
		info := FootprintInfo{Image: im.Name}
		if im.WCS == nil {
			info.Error = "no WCS"
		} else if fp, err := skymatch.Footprint(im, step); err != nil {
			info.Error = err.Error()
		} else {
			info.AreaDeg2 = fp.Area() * sr2deg2
			info.Vertices = fp.RADec()
		}
		infos = append(infos, info)
	}
	res.Meta["footprints"] = infos
	return res
}

func failedGroups(out *skymatch.Result) int {
	n := 0
	for _, g := range out.Groups {
		if g.Err != nil {
			n++
		}
	}
	return n
}

func skyValues(runID string, out *skymatch.Result) []storage.SkyValue {
	values := make([]storage.SkyValue, 0, len(out.Images))
	for _, im := range out.Images {
		values = append(values, storage.SkyValue{
			RunID:     runID,
			Image:     im.Name,
			Index:     im.Index,
			Group:     im.Group,
			Sky:       im.Sky,
			Method:    string(im.Method),
			Subtract:  im.Subtract,
			Component: im.Component,
			Error:     errString(im.Err),
		})
	}
	return values
}

func skyMap(out *skymatch.Result) map[string]float64 {
	m := make(map[string]float64, len(out.Images))
	for _, im := range out.Images {
		m[im.Name] = im.Sky
	}
	return m
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, append(b, '\n'), 0o644)
}
