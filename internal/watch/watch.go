// Package watch runs sky matching on manifests dropped into directories.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long a manifest must stay unchanged before it runs.
const DefaultSettle = 500 * time.Millisecond

// SubmitFunc hands a manifest path to the job queue.
type SubmitFunc func(path string) error

// Watcher monitors directories for manifest files.
type Watcher struct {
	watcher *fsnotify.Watcher
	dirs    []string
	submit  SubmitFunc
	log     *slog.Logger

	// Settle debounces bursts of writes to the same file.
	Settle time.Duration
	// ScanExisting submits manifests already present when Run starts.
	ScanExisting bool
}

// New creates a watcher for dirs.
func New(dirs []string, submit SubmitFunc, log *slog.Logger) (*Watcher, error) {
	if len(dirs) == 0 {
		return nil, errors.New("no directories to watch")
	}
	if submit == nil {
		return nil, errors.New("nil submit function")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{watcher: fw, dirs: dirs, submit: submit, log: log, Settle: DefaultSettle}, nil
}

// Run watches until ctx is cancelled, then releases the underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Info("watching directory", "dir", dir)
	}
	if w.ScanExisting {
		w.scan()
	}

	ready := make(chan string, 64)
	timers := map[string]*time.Timer{}
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if !IsManifest(event.Name) {
				continue
			}
			path := event.Name
			if t, ok := timers[path]; ok {
				t.Reset(w.Settle)
				continue
			}
			timers[path] = time.AfterFunc(w.Settle, func() {
				select {
				case ready <- path:
				case <-ctx.Done():
				}
			})

		case path := <-ready:
			delete(timers, path)
			w.dispatch(path)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)
		}
	}
}

func (w *Watcher) scan() {
	for _, dir := range w.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			w.log.Warn("failed to scan directory", "dir", dir, "error", err)
			continue
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() && IsManifest(e.Name()) {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			w.dispatch(filepath.Join(dir, name))
		}
	}
}

func (w *Watcher) dispatch(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := w.submit(path); err != nil {
		w.log.Warn("failed to submit manifest", "path", path, "error", err)
		return
	}
	w.log.Info("manifest submitted", "path", path)
}

// IsManifest reports whether path names a YAML manifest.
func IsManifest(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}
