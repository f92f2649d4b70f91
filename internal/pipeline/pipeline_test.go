package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"skymatch/internal/storage"
)

type funcProcessor func(ctx context.Context, job Job) Result

func (f funcProcessor) Process(ctx context.Context, job Job) Result { return f(ctx, job) }

func TestPipelineRunsJobsAndBroadcasts(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	defer store.Close()

	proc := funcProcessor(func(ctx context.Context, job Job) Result {
		if job.InputPath == "bad.yaml" {
			return Result{Job: job, Error: errors.New("boom")}
		}
		return Result{Job: job, Meta: map[string]any{"ok": true}}
	})
	p := newWithProcessor(context.Background(), 2, nil, store, proc)
	defer p.Stop()

	results, unsub := p.Subscribe()
	defer unsub()

	okID, err := p.Submit(Job{InputPath: "good.yaml"})
	if err != nil || okID == "" {
		t.Fatalf("Submit: %q %v", okID, err)
	}
	badID, err := p.Submit(Job{ID: "fixed", InputPath: "bad.yaml"})
	if err != nil || badID != "fixed" {
		t.Fatalf("Submit: %q %v", badID, err)
	}

	seen := map[string]Result{}
	timeout := time.After(5 * time.Second)
	for len(seen) < 2 {
		select {
		case res := <-results:
			seen[res.Job.ID] = res
		case <-timeout:
			t.Fatalf("timed out, got %d results", len(seen))
		}
	}
	if seen[okID].Job.Type != JobMatch || seen[okID].Error != nil {
		t.Fatalf("unexpected ok result %+v", seen[okID])
	}
	if seen[badID].Error == nil {
		t.Fatalf("expected failure for bad job")
	}

	jobs, err := store.RecentJobs(10)
	if err != nil {
		t.Fatalf("RecentJobs: %v", err)
	}
	status := map[string]string{}
	for _, j := range jobs {
		status[j.ID] = j.Status
	}
	if status[okID] != "completed" || status[badID] != "failed" {
		t.Fatalf("unexpected job statuses %v", status)
	}
}

func TestPipelineQueueFull(t *testing.T) {
	block := make(chan struct{})
	proc := funcProcessor(func(ctx context.Context, job Job) Result {
		<-block
		return Result{Job: job}
	})
	p := newWithProcessor(context.Background(), 1, nil, nil, proc)
	defer func() {
		close(block)
		p.Stop()
	}()

	// One job in the worker plus a queue of two; eventually Submit fails.
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		_, err = p.Submit(Job{InputPath: "x.yaml"})
	}
	if err == nil {
		t.Fatalf("expected queue full error")
	}
}
