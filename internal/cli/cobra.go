package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"skymatch/internal/config"
	"skymatch/internal/pipeline"
	"skymatch/internal/storage"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return NewRoot(pipe, cfg, log, store).Command()
}

// Command builds the command tree around r.
func (r *Root) Command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "skymatch",
		Short: "skymatch equalizes sky backgrounds across overlapping astronomical images",
		Long: `skymatch computes one background (sky) value per image group so that
overlapping exposures agree where they cover the same part of the sky.
Methods: local, global, match, global+match and user.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(r.out)

	rootCmd.AddCommand(newMatchCmd(r))
	rootCmd.AddCommand(newFootprintCmd(r))
	rootCmd.AddCommand(newHistoryCmd(r))
	rootCmd.AddCommand(newShowCmd(r))
	rootCmd.AddCommand(newServeCmd(r))
	rootCmd.AddCommand(newGRPCCmd(r))
	rootCmd.AddCommand(newWatchCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))
	return rootCmd
}

// skyFlags override the sky section of the configuration for one run.
type skyFlags struct {
	method    string
	stat      string
	lower     float64
	upper     float64
	nclip     int
	lsigma    float64
	usigma    float64
	binwidth  float64
	stepsize  float64
	workers   int
	matchDown bool
	subtract  bool
	strict    bool
	skylist   string
}

func (f *skyFlags) register(fs *pflag.FlagSet, sky config.Sky) {
	fs.StringVarP(&f.method, "method", "m", "", "sky method (local|global|match|global+match|user), overrides manifest and config")
	fs.StringVar(&f.stat, "stat", "", "sky statistic (mean|median|mode|midpt)")
	fs.Float64Var(&f.lower, "lower", 0, "ignore pixel values below this")
	fs.Float64Var(&f.upper, "upper", 0, "ignore pixel values above this")
	fs.IntVar(&f.nclip, "nclip", sky.NClip, "sigma clipping iterations")
	fs.Float64Var(&f.lsigma, "lsigma", sky.LSigma, "lower clipping limit in sigma")
	fs.Float64Var(&f.usigma, "usigma", sky.USigma, "upper clipping limit in sigma")
	fs.Float64Var(&f.binwidth, "binwidth", sky.BinWidth, "histogram bin width in sigma (mode, midpt)")
	fs.Float64Var(&f.stepsize, "stepsize", sky.StepSize, "footprint edge sampling in pixels")
	fs.IntVar(&f.workers, "workers", sky.Workers, "parallel workers (0 = one per CPU)")
	fs.BoolVar(&f.matchDown, "match-down", sky.MatchDown, "anchor each component at its lowest sky level")
	fs.BoolVar(&f.subtract, "subtract", sky.Subtract, "mark computed sky values for subtraction")
	fs.BoolVar(&f.strict, "strict", sky.Strict, "fail the run when any group fails")
	fs.StringVar(&f.skylist, "skylist", "", "file of \"image value\" lines for the user method")
}

// apply copies flags the user set onto sky and returns job options for the
// settings that must also win over the manifest.
func (f *skyFlags) apply(fs *pflag.FlagSet, sky *config.Sky) map[string]any {
	opts := map[string]any{}
	if fs.Changed("method") {
		opts["method"] = f.method
	}
	if fs.Changed("stat") {
		opts["stat"] = f.stat
	}
	if fs.Changed("skylist") {
		opts["skylist"] = f.skylist
		if !fs.Changed("method") {
			opts["method"] = "user"
		}
	}
	if fs.Changed("lower") {
		v := f.lower
		sky.Lower = &v
	}
	if fs.Changed("upper") {
		v := f.upper
		sky.Upper = &v
	}
	sky.NClip = f.nclip
	sky.LSigma = f.lsigma
	sky.USigma = f.usigma
	sky.BinWidth = f.binwidth
	sky.StepSize = f.stepsize
	sky.Workers = f.workers
	sky.MatchDown = f.matchDown
	sky.Subtract = f.subtract
	sky.Strict = f.strict
	return opts
}

func newMatchCmd(r *Root) *cobra.Command {
	var (
		flags  skyFlags
		output string
		asJSON bool
		groups bool
	)
	cmd := &cobra.Command{
		Use:   "match <manifest>",
		Short: "Compute sky values for the images of a manifest",
		Long: `Load a YAML scene manifest, compute one sky value per image group and
record the run. Flags override the "sky" section of the configuration.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sky := r.cfg.Sky
			opts := flags.apply(cmd.Flags(), &sky)
			job := pipeline.Job{
				Type:      pipeline.JobMatch,
				InputPath: args[0],
				Output:    output,
				Options:   opts,
			}
			res := r.runFn(cmd.Context(), sky, job)
			if res.Error != nil {
				return res.Error
			}
			if asJSON {
				return r.printJSON(res.Sky)
			}
			r.printResult(res)
			if groups {
				r.printGroups(res.Sky)
			}
			return nil
		},
	}
	flags.register(cmd.Flags(), r.cfg.Sky)
	cmd.Flags().StringVarP(&output, "output", "o", "", "also write the result as JSON to this file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	cmd.Flags().BoolVar(&groups, "groups", false, "print per-group levels and pixel counts")
	return cmd
}

func newFootprintCmd(r *Root) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "footprint <manifest>",
		Short: "Show the sky footprint of every image in a manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := r.runFn(cmd.Context(), r.cfg.Sky, pipeline.Job{Type: pipeline.JobFootprint, InputPath: args[0]})
			if res.Error != nil {
				return res.Error
			}
			infos, _ := res.Meta["footprints"].([]pipeline.FootprintInfo)
			if asJSON {
				return r.printJSON(infos)
			}
			tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "IMAGE\tAREA (deg2)\tVERTICES\tSTATUS")
			for _, fp := range infos {
				status := "ok"
				if fp.Error != "" {
					status = fp.Error
				}
				fmt.Fprintf(tw, "%s\t%.6g\t%d\t%s\n", fp.Image, fp.AreaDeg2, len(fp.Vertices), status)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print footprints as JSON")
	return cmd
}

func newHistoryCmd(r *Root) *cobra.Command {
	var (
		limit  int
		asJSON bool
		jobs   bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent sky matching runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if r.store == nil {
				return errors.New("storage not available")
			}
			if jobs {
				recs, err := r.store.RecentJobs(limit)
				if err != nil {
					return err
				}
				return r.printJSON(recs)
			}
			runs, err := r.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			if asJSON {
				return r.printJSON(runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(r.out, "no runs recorded")
				return nil
			}
			r.printRuns(runs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print runs as JSON")
	cmd.Flags().BoolVar(&jobs, "jobs", false, "list queued and finished jobs instead of runs")
	return cmd
}

func newShowCmd(r *Root) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the sky values of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if r.store == nil {
				return errors.New("storage not available")
			}
			run, values, err := r.store.Run(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				if run.ResultJSON != "" {
					_, err := fmt.Fprintln(r.out, run.ResultJSON)
					return err
				}
				return r.printJSON(values)
			}
			r.printValues(run, values)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the stored result as JSON")
	return cmd
}

func newServeCmd(r *Root) *cobra.Command {
	var (
		addr      string
		watchDirs []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and optionally watch manifest directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if len(watchDirs) > 0 {
				go func() {
					if err := r.watchFn(ctx, watchDirs, false, r.submitManifest, r.log); err != nil {
						r.log.Error("directory watcher stopped", "error", err)
					}
				}()
			}
			return r.serveFn(ctx, addr, r.store, r.pipeline, r.log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", r.cfg.Server.HTTPAddr, "listen address")
	cmd.Flags().StringSliceVar(&watchDirs, "watch", r.cfg.Server.WatchDirs, "directories to watch for manifests")
	return cmd
}

func newGRPCCmd(r *Root) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "grpc",
		Short: "Serve the gRPC API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			run := func(ctx context.Context, job pipeline.Job) pipeline.Result {
				return r.runFn(ctx, r.cfg.Sky, job)
			}
			return r.grpcFn(cmd.Context(), addr, run, r.store, r.log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", r.cfg.Server.GRPCAddr, "listen address")
	return cmd
}

func newWatchCmd(r *Root) *cobra.Command {
	var existing bool
	cmd := &cobra.Command{
		Use:   "watch [dir...]",
		Short: "Run sky matching on manifests written to directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				dirs = r.cfg.Server.WatchDirs
			}
			if len(dirs) == 0 {
				return errors.New("no directories given and server.watch_dirs is empty")
			}
			if r.pipeline == nil {
				return errors.New("pipeline not available")
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			resCh, unsubscribe := r.pipeline.Subscribe()
			defer unsubscribe()
			done := make(chan struct{})
			go func() {
				defer close(done)
				for {
					select {
					case <-ctx.Done():
						return
					case res, ok := <-resCh:
						if !ok {
							return
						}
						r.reportResult(res)
					}
				}
			}()

			err := r.watchFn(ctx, dirs, existing, r.submitManifest, r.log)
			cancel()
			<-done
			return err
		},
	}
	cmd.Flags().BoolVar(&existing, "existing", false, "also run manifests already present")
	return cmd
}

func (r *Root) reportResult(res pipeline.Result) {
	if res.Error != nil {
		fmt.Fprintf(r.out, "%s: failed: %v\n", res.Job.InputPath, res.Error)
		return
	}
	if res.Sky == nil {
		fmt.Fprintf(r.out, "%s: done\n", res.Job.InputPath)
		return
	}
	fmt.Fprintf(r.out, "%s:\n", res.Job.InputPath)
	r.printResult(res)
}

// Run executes args against a fresh command tree.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := r.Command()
	cmd.SetArgs(args)
	cmd.SetErr(r.out)
	return cmd.ExecuteContext(ctx)
}
