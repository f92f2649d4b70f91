package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"skymatch/internal/config"
)

// New returns a stderr logger with the provided level string (info, debug, warn, error).
// format may be "json", "text" or "traditional".
func New(level string, format string) *slog.Logger {
	return NewWriter(os.Stderr, level, format)
}

// NewWriter is New with an explicit destination. format "traditional"
// selects the bracketed line format used for log files.
func NewWriter(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "traditional":
		handler = &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: parseLevel(level)}
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup builds the process logger from cfg and installs it as the slog
// default. Records go to stderr and, with file output enabled, to a dated
// file in the log directory that skymatch-current.log points at. Formats
// other than json use the bracketed line format.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	out := io.Writer(os.Stderr)
	if cfg.Logging.FileOutput {
		f, err := openLogFile(cfg.Logging.LogDir, time.Now())
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(os.Stderr, f)
	}

	format := "traditional"
	if strings.EqualFold(cfg.Logging.Format, "json") {
		format = "json"
	}
	logger := NewWriter(out, cfg.Logging.Level, format)
	slog.SetDefault(logger)

	logger.Debug("logging initialized",
		"level", cfg.Logging.Level,
		"format", format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)
	return logger, nil
}

func openLogFile(dir string, now time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	name := fmt.Sprintf("skymatch-%s.log", now.Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	current := filepath.Join(dir, "skymatch-current.log")
	_ = os.Remove(current)
	_ = os.Symlink(name, current)
	return f, nil
}

// TraditionalHandler implements slog.Handler with traditional log formatting
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []string
	prefix string
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	level := r.Level.String()

	// Build message with attributes
	msg := r.Message
	attrs := append([]string(nil), h.attrs...)

	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.format(a))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	// Use traditional format: [LEVEL] message
	h.logger.Printf("[%s] %s", strings.ToUpper(level), msg)

	return nil
}

func (h *TraditionalHandler) format(a slog.Attr) string {
	return fmt.Sprintf("%s%s=%v", h.prefix, a.Key, a.Value)
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, h.format(a))
	}
	return &next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogJobStart logs a job picked up by a worker.
func LogJobStart(logger *slog.Logger, jobType, jobID, manifest, output string, options map[string]any) {
	attrs := []any{"type", jobType, "job_id", jobID, "manifest", manifest}
	if output != "" {
		attrs = append(attrs, "output", output)
	}
	if len(options) > 0 {
		attrs = append(attrs, "options", options)
	}
	logger.Info("job started", attrs...)
}

// LogJobComplete logs a job that finished without error.
func LogJobComplete(logger *slog.Logger, jobType, jobID string, took time.Duration, meta map[string]any) {
	logger.Info("job completed",
		"type", jobType,
		"job_id", jobID,
		"duration", took.Round(time.Millisecond).String(),
		"meta", meta,
	)
}

// LogJobError logs a failed job.
func LogJobError(logger *slog.Logger, jobType, jobID string, took time.Duration, err error, details map[string]any) {
	logger.Error("job failed",
		"type", jobType,
		"job_id", jobID,
		"duration", took.Round(time.Millisecond).String(),
		"error", err,
		"details", details,
	)
}

// LogProcessingStep logs one stage of a sky matching run.
func LogProcessingStep(logger *slog.Logger, jobID, step, status string, details map[string]any) {
	logger.Debug("step",
		"job_id", jobID,
		"step", step,
		"status", status,
		"details", details,
	)
}

// LogGroupFailure logs a group whose sky value could not be determined.
func LogGroupFailure(logger *slog.Logger, group, kind string, err error) {
	logger.Warn("group failed",
		"group", group,
		"kind", kind,
		"error", err,
	)
}

// LogRunSummary logs the outcome of one sky matching run.
func LogRunSummary(logger *slog.Logger, runID, method string, images, groups, failed int, duration time.Duration) {
	level := slog.LevelInfo
	if failed > 0 {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "sky matching run",
		"run_id", runID,
		"method", method,
		"images", images,
		"groups", groups,
		"failed_groups", failed,
		"duration_ms", duration.Milliseconds(),
	)
}
