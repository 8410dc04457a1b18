// Package supervisor runs huddle's fire-and-forget work (state
// persistence, look-ahead checkpoint generation, async specialists) on
// a bounded pool of workers so that response latency never depends on
// it.
//
// Jobs are queued without blocking the submitter. A full queue rejects
// the job and counts the drop. Every job runs under its own timeout;
// errors and panics are logged, counted, and published on the event
// bus rather than lost. Shutdown stops intake and drains what is queued.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/huddle/internal/events"
)

var (
	// ErrQueueFull is returned by Submit when the queue is at capacity.
	ErrQueueFull = errors.New("background queue full")
	// ErrShuttingDown is returned by Submit after Shutdown has begun.
	ErrShuttingDown = errors.New("background supervisor shutting down")
)

// Job is one unit of background work.
type Job struct {
	// Name identifies the kind of work in logs and stats (e.g. "save_state").
	Name string
	// Key is an optional correlation id, usually the conversation id.
	Key string
	// Timeout overrides the supervisor's default job timeout.
	Timeout time.Duration
	// Run does the work. It must honor ctx cancellation.
	Run func(ctx context.Context) error
}

// Config configures a Supervisor.
type Config struct {
	Workers    int           // default 4
	QueueSize  int           // default 256
	JobTimeout time.Duration // default 60s
	Events     *events.Bus
	Logger     *slog.Logger
}

// Stats is a snapshot of supervisor counters.
type Stats struct {
	Workers   int    `json:"workers"`
	Capacity  int    `json:"queue_capacity"`
	Queued    int    `json:"queued"`
	Running   int64  `json:"running"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Panicked  uint64 `json:"panicked"`
	Dropped   uint64 `json:"dropped"`
	Draining  bool   `json:"draining"`
}

// Supervisor owns the worker pool.
type Supervisor struct {
	queue      chan Job
	workers    int
	jobTimeout time.Duration
	events     *events.Bus
	logger     *slog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	running   atomic.Int64
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	panicked  atomic.Uint64
	dropped   atomic.Uint64
}

// New starts a supervisor with cfg.Workers workers.
func New(cfg Config) *Supervisor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		queue:      make(chan Job, cfg.QueueSize),
		workers:    cfg.Workers,
		jobTimeout: cfg.JobTimeout,
		events:     cfg.Events,
		logger:     cfg.Logger.With("component", "supervisor"),
		base:       base,
		cancel:     cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.work()
	}
	return s
}

// Submit queues job without blocking. It returns ErrQueueFull when the
// queue is at capacity and ErrShuttingDown after Shutdown.
func (s *Supervisor) Submit(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %q has no Run func", job.Name)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrShuttingDown
	}

	select {
	case s.queue <- job:
		s.submitted.Add(1)
		return nil
	default:
		s.dropped.Add(1)
		s.logger.Warn("background queue full, dropping job",
			"job", job.Name,
			"key", job.Key,
			"capacity", cap(s.queue),
		)
		s.events.Emit(events.SourceSupervisor, events.KindJobDropped, map[string]any{"job": job.Name, "key": job.Key})
		return ErrQueueFull
	}
}

// Go submits fn as a job with the default timeout.
func (s *Supervisor) Go(name, key string, fn func(ctx context.Context) error) error {
	return s.Submit(Job{Name: name, Key: key, Run: fn})
}

func (s *Supervisor) work() {
	defer s.wg.Done()
	for job := range s.queue {
		s.run(job)
	}
}

func (s *Supervisor) run(job Job) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = s.jobTimeout
	}
	ctx, cancel := context.WithTimeout(s.base, timeout)
	defer cancel()

	s.running.Add(1)
	defer s.running.Add(-1)

	start := time.Now()
	err := s.invoke(ctx, job)
	elapsed := time.Since(start)

	if err == nil {
		s.completed.Add(1)
		s.logger.Debug("background job complete", "job", job.Name, "key", job.Key, "elapsed", elapsed.String())
		return
	}

	s.failed.Add(1)
	s.logger.Warn("background job failed",
		"job", job.Name,
		"key", job.Key,
		"elapsed", elapsed.String(),
		"error", err,
	)
	s.events.Emit(events.SourceSupervisor, events.KindJobFailed, map[string]any{
		"job":   job.Name,
		"key":   job.Key,
		"error": err.Error(),
	})
}

// invoke runs the job, converting a panic into an error.
func (s *Supervisor) invoke(ctx context.Context, job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.panicked.Add(1)
			s.logger.Error("background job panicked",
				"job", job.Name,
				"key", job.Key,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return job.Run(ctx)
}

// Stats returns a snapshot of the counters.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	draining := s.closed
	s.mu.RUnlock()
	return Stats{
		Workers:   s.workers,
		Capacity:  cap(s.queue),
		Queued:    len(s.queue),
		Running:   s.running.Load(),
		Submitted: s.submitted.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Panicked:  s.panicked.Load(),
		Dropped:   s.dropped.Load(),
		Draining:  draining,
	}
}

// Shutdown stops intake and waits for queued and running jobs to
// finish. If ctx ends first, running jobs are cancelled and ctx's error
// is returned once the workers exit. Calling Shutdown twice is safe.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	pending := len(s.queue)
	s.logger.Info("draining background jobs", "queued", pending, "running", s.running.Load())

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info("background jobs drained")
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		s.logger.Warn("background drain interrupted", "error", ctx.Err())
		return ctx.Err()
	}
}
