package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"skymatch/internal/config"
	"skymatch/internal/grpcserver"
	"skymatch/internal/pipeline"
	"skymatch/internal/server"
	"skymatch/internal/skymatch"
	"skymatch/internal/storage"
	"skymatch/internal/watch"
)

// Version is stamped at build time with -ldflags "-X skymatch/internal/cli.Version=...".
var Version = "0.1.0-dev"

type pipelineClient interface {
	Submit(job pipeline.Job) (string, error)
	Subscribe() (<-chan pipeline.Result, func())
}

type historyStore interface {
	RecentJobs(limit int) ([]storage.JobRecord, error)
	JobMeta(id string) (map[string]any, error)
	RecentRuns(limit int) ([]storage.RunRecord, error)
	Run(id string) (storage.RunRecord, []storage.SkyValue, error)
}

type runFunc func(ctx context.Context, sky config.Sky, job pipeline.Job) pipeline.Result

type serverFunc func(ctx context.Context, addr string, store historyStore, pipe pipelineClient, log *slog.Logger) error

type grpcFunc func(ctx context.Context, addr string, run grpcserver.RunFunc, store historyStore, log *slog.Logger) error

type watchFunc func(ctx context.Context, dirs []string, scanExisting bool, submit watch.SubmitFunc, log *slog.Logger) error

// Root carries the shared collaborators of all commands.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    historyStore
	out      io.Writer
	runFn    runFunc
	serveFn  serverFunc
	grpcFn   grpcFunc
	watchFn  watchFunc
}

// NewRoot wires the default collaborators.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	r := &Root{
		cfg:     cfg,
		log:     logger,
		out:     os.Stdout,
		serveFn: defaultServe,
		grpcFn:  defaultGRPC,
		watchFn: defaultWatch,
		runFn: func(ctx context.Context, sky config.Sky, job pipeline.Job) pipeline.Result {
			return pipeline.RunJob(ctx, logger, store, sky, job)
		},
	}
	// Keep typed nils out of the interfaces.
	if pl != nil {
		r.pipeline = pl
	}
	if store != nil {
		r.store = store
	}
	return r
}

func defaultServe(ctx context.Context, addr string, store historyStore, pipe pipelineClient, log *slog.Logger) error {
	var st server.Store
	if store != nil {
		st = store
	}
	var q server.Queue
	if pipe != nil {
		q = pipe
	}
	return server.Serve(ctx, addr, st, q, log)
}

func defaultGRPC(ctx context.Context, addr string, run grpcserver.RunFunc, store historyStore, log *slog.Logger) error {
	var st grpcserver.RunLister
	if store != nil {
		st = store
	}
	return grpcserver.New(run, st, log).Serve(ctx, addr)
}

func defaultWatch(ctx context.Context, dirs []string, scanExisting bool, submit watch.SubmitFunc, log *slog.Logger) error {
	w, err := watch.New(dirs, submit, log)
	if err != nil {
		return err
	}
	w.ScanExisting = scanExisting
	return w.Run(ctx)
}

func (r *Root) submitManifest(path string) error {
	if r.pipeline == nil {
		return fmt.Errorf("pipeline not available")
	}
	_, err := r.pipeline.Submit(pipeline.Job{Type: pipeline.JobMatch, InputPath: path})
	return err
}

func (r *Root) printJSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (r *Root) printResult(res pipeline.Result) {
	out := res.Sky
	fmt.Fprintf(r.out, "Run %s: method %s, %s images, %s groups\n",
		res.RunID, out.Method, humanize.Comma(int64(len(out.Images))), humanize.Comma(int64(len(out.Groups))))

	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IMAGE\tGROUP\tSKY\tSUBTRACT\tCOMPONENT\tSTATUS")
	for _, im := range out.Images {
		fmt.Fprintf(tw, "%s\t%s\t%.6g\t%t\t%d\t%s\n", im.Name, im.Group, im.Sky, im.Subtract, im.Component, statusOf(im.Err))
	}
	tw.Flush()

	if len(out.Components) > 1 {
		fmt.Fprintf(r.out, "%d disconnected components; offsets are relative to each component's gauge:\n", len(out.Components))
		for _, c := range out.Components {
			fmt.Fprintf(r.out, "  component %d: gauge %s, %d groups\n", c.ID, c.Gauge, len(c.Groups))
		}
	}
	failed := 0
	for _, g := range out.Groups {
		if g.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		fmt.Fprintf(r.out, "%d of %d groups failed; their sky is 0 and they are not subtracted\n", failed, len(out.Groups))
	}
}

func (r *Root) printGroups(out *skymatch.Result) {
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tIMAGES\tLEVEL\tPIXELS\tSKY")
	for _, g := range out.Groups {
		level := "-"
		if g.LevelOK {
			level = fmt.Sprintf("%.6g", g.Level)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%.6g\n", g.Key, len(g.Images), level, humanize.Comma(int64(g.Pixels)), g.Sky)
	}
	tw.Flush()
}

func (r *Root) printRuns(runs []storage.RunRecord) {
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tCREATED\tMETHOD\tIMAGES\tGROUPS\tFAILED\tDURATION\tMANIFEST")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			run.ID, humanize.Time(run.CreatedAt), run.Method, run.Images, run.Groups, run.FailedGroups,
			(time.Duration(run.DurationMS) * time.Millisecond).String(), run.Manifest)
	}
	tw.Flush()
}

func (r *Root) printValues(run storage.RunRecord, values []storage.SkyValue) {
	fmt.Fprintf(r.out, "Run %s (%s) %s\n", run.ID, run.Method, run.Manifest)
	if run.Error != "" {
		fmt.Fprintf(r.out, "error: %s\n", run.Error)
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IMAGE\tGROUP\tSKY\tSUBTRACT\tCOMPONENT\tSTATUS")
	for _, v := range values {
		status := "ok"
		if v.Error != "" {
			status = v.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%.6g\t%t\t%d\t%s\n", v.Image, v.Group, v.Sky, v.Subtract, v.Component, status)
	}
	tw.Flush()
}

func statusOf(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}
