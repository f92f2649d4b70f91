package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"skymatch/internal/config"
	"skymatch/internal/logging"
	"skymatch/internal/skymatch"
	"skymatch/internal/storage"
)

// JobType selects what a job computes.
type JobType string

const (
	// JobMatch computes sky values for the images of a manifest.
	JobMatch JobType = "match"
	// JobFootprint reports image footprints without matching.
	JobFootprint JobType = "footprint"
)

// Job states recorded in storage.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("job queue is full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("pipeline stopped")
)

// Job is one manifest to process.
type Job struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	InputPath string         `json:"input"`            // manifest path
	Output    string         `json:"output,omitempty"` // optional JSON result file
	Options   map[string]any `json:"options,omitempty"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job              `json:"job"`
	Error error            `json:"-"`
	Meta  map[string]any   `json:"meta,omitempty"`
	RunID string           `json:"run_id,omitempty"`
	Sky   *skymatch.Result `json:"sky,omitempty"`
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline runs queued jobs on a fixed set of workers and fans results out
// to subscribers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	store     *storage.Store
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	queueMu sync.Mutex
	jobs    chan Job
	stopped bool

	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New starts a pipeline with the given number of workers. Jobs run with the
// sky settings in sky, overridden per job by its options.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, sky config.Sky) *Pipeline {
	return newWithProcessor(ctx, concurrency, logger, store, newRouter(logger, store, sky))
}

func newWithProcessor(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		store:     store,
		cancel:    cancel,
		jobs:      make(chan Job, concurrency*2),
		subs:      make(map[int]chan Result),
	}
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// Submit queues a job without blocking and returns its ID. A missing ID is
// generated and a missing type means JobMatch.
func (p *Pipeline) Submit(job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Type == "" {
		job.Type = JobMatch
	}

	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	if p.stopped {
		return "", ErrStopped
	}

	opts, _ := json.Marshal(job.Options)
	if err := p.store.RecordJobQueued(storage.JobRecord{
		ID:          job.ID,
		JobType:     string(job.Type),
		Status:      StatusQueued,
		InputPath:   job.InputPath,
		OutputPath:  job.Output,
		OptionsJSON: string(opts),
	}); err != nil {
		p.log.Warn("failed to record queued job", "job_id", job.ID, "error", err)
	}

	select {
	case p.jobs <- job:
		return job.ID, nil
	default:
		_ = p.store.RecordJobResult(job.ID, StatusFailed, nil, ErrQueueFull.Error())
		return "", ErrQueueFull
	}
}

// Stop cancels running jobs, waits for the workers and closes every
// subscriber channel. It is safe to call more than once.
func (p *Pipeline) Stop() {
	p.queueMu.Lock()
	if p.stopped {
		p.queueMu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.queueMu.Unlock()

	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
	p.mu.Unlock()
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.broadcast(p.run(ctx, id, job))
		}
	}
}

func (p *Pipeline) run(ctx context.Context, worker int, job Job) Result {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)
	_ = p.store.RecordJobStart(job.ID)

	res := p.processor.Process(ctx, job)
	res.Job = job
	took := time.Since(start)

	status := StatusCompleted
	if res.Error != nil {
		status = StatusFailed
		logging.LogJobError(p.log, string(job.Type), job.ID, took, res.Error, map[string]any{
			"input":  job.InputPath,
			"worker": worker,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, took, res.Meta)
	}
	if err := p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error)); err != nil {
		p.log.Warn("failed to record job result", "job_id", job.ID, "error", err)
	}
	return res
}

// Subscribe returns a channel receiving every job result and a function
// that ends the subscription. Slow subscribers miss results rather than
// stall the workers.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
	}
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result dropped for slow subscriber", "subscriber", id, "job_id", res.Job.ID)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
