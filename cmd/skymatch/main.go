package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"skymatch/internal/cli"
	"skymatch/internal/config"
	"skymatch/internal/logging"
	"skymatch/internal/pipeline"
	"skymatch/internal/skymatch"
	"skymatch/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 2
	}
	log, err := logging.Setup(cfg)
	if err != nil {
		log = logging.New(cfg.Logging.Level, cfg.Logging.Format)
		log.Warn("file logging disabled", "error", err)
	}

	store, err := storage.Open(cfg.Storage.Driver, cfg.Paths.DatabasePath)
	if err != nil {
		log.Warn("run history disabled", "database", cfg.Paths.DatabasePath, "error", err)
	} else {
		defer store.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, log, store, cfg.Sky)
	defer pipe.Stop()

	if err := cli.NewRootCmd(cfg, log, store, pipe).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, skymatch.ErrConfiguration) {
			return 2
		}
		return 1
	}
	return 0
}
