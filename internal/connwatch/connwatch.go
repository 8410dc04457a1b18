// Package connwatch tracks the reachability of huddle's downstream
// dependencies: the networked cache tier and the conversation memory
// service.
//
// A Watcher probes one dependency in two phases. At startup it retries
// on an exponential schedule (2s, 4s, 8s, ... capped at 60s) so a
// dependency that boots after huddle is picked up quickly. Afterwards it
// polls at a fixed interval and fires OnReady / OnDown only when the
// observed state changes. The cache watcher uses OnReady to re-enable the
// networked tier after an outage; health endpoints read Status.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a dependency is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay is the delay before the first startup retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay caps the startup delay growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each startup retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the number of startup probes before switching to
	// polling (default: 10).
	MaxRetries int

	// PollInterval is the steady-state probe interval (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout bounds each probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the stock schedule: 2s doubling to 60s,
// ten startup probes, then one probe per minute.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero-valued fields from DefaultBackoffConfig.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// next returns the startup delay that follows cur.
func (b BackoffConfig) next(cur time.Duration) time.Duration {
	n := time.Duration(float64(cur) * b.Multiplier)
	if n > b.MaxDelay {
		return b.MaxDelay
	}
	return n
}

// WatcherConfig configures a single dependency watcher.
type WatcherConfig struct {
	// Name identifies the dependency in logs and Status (e.g. "redis").
	Name string

	// Probe checks health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff controls probe timing. Zero fields take defaults.
	Backoff BackoffConfig

	// OnReady runs in its own goroutine on each not-ready to ready
	// transition. Optional.
	OnReady func()

	// OnDown runs in its own goroutine on each ready to not-ready
	// transition. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses the manager's logger if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health of a watched dependency, shaped for the
// health endpoint.
type ServiceStatus struct {
	Name                string    `json:"name"`
	Ready               bool      `json:"ready"`
	LastCheck           time.Time `json:"last_check"`
	Since               time.Time `json:"since,omitzero"`
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`
	Transitions         uint64    `json:"transitions"`
	LastError           string    `json:"last_error,omitempty"`
}

// Watcher monitors one dependency.
type Watcher struct {
	cfg    WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	lastErr     error
	lastCheck   time.Time
	since       time.Time
	failures    int
	transitions uint64
}

// IsReady reports whether the dependency was reachable at the last probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns a snapshot of the watcher's state.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:                w.cfg.Name,
		Ready:               w.ready.Load(),
		LastCheck:           w.lastCheck,
		Since:               w.since,
		ConsecutiveFailures: w.failures,
		Transitions:         w.transitions,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// CheckNow probes immediately, outside the schedule, and applies the
// result exactly as a scheduled probe would.
func (w *Watcher) CheckNow(ctx context.Context) error {
	err := w.probe(ctx)
	w.observe(err)
	return err
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	if !w.startup(ctx) {
		return
	}

	ticker := time.NewTicker(w.cfg.Backoff.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.observe(w.probe(ctx))
		}
	}
}

// startup probes on the backoff schedule until the dependency answers or
// retries run out. It returns false if ctx ended first.
func (w *Watcher) startup(ctx context.Context) bool {
	b := w.cfg.Backoff
	delay := b.InitialDelay
	for attempt := 1; ; attempt++ {
		err := w.probe(ctx)
		w.observe(err)
		if err == nil {
			return true
		}
		if attempt >= b.MaxRetries {
			w.cfg.Logger.Info("dependency unreachable at startup, polling in background",
				"service", w.cfg.Name,
				"attempts", attempt,
				"poll_interval", b.PollInterval.String(),
				"error", err,
			)
			return true
		}
		w.cfg.Logger.Debug("startup probe failed",
			"service", w.cfg.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return false
		}
		delay = b.next(delay)
	}
}

// observe records a probe result and fires callbacks on transitions.
func (w *Watcher) observe(err error) {
	w.mu.Lock()
	now := time.Now()
	w.lastErr = err
	w.lastCheck = now
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}

	// The first observation establishes state; it is not a transition.
	first := w.since.IsZero()
	wasReady := w.ready.Load()
	if flipped := wasReady != (err == nil); flipped || first {
		w.ready.Store(err == nil)
		w.since = now
		if flipped && !first {
			w.transitions++
		}
	}
	w.mu.Unlock()

	switch {
	case err == nil && !wasReady:
		w.cfg.Logger.Info("dependency ready", "service", w.cfg.Name)
		if w.cfg.OnReady != nil {
			go w.cfg.OnReady()
		}
	case err != nil && wasReady:
		w.cfg.Logger.Warn("dependency unreachable", "service", w.cfg.Name, "error", err)
		if w.cfg.OnDown != nil {
			go w.cfg.OnDown(err)
		}
	case err != nil:
		w.cfg.Logger.Debug("dependency still unreachable", "service", w.cfg.Name, "error", err)
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	defer cancel()
	return w.cfg.Probe(probeCtx)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns the set of watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger.With("component", "connwatch"),
	}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. Watching a name twice replaces and stops the earlier watcher.
//
// Panics if Name is empty or Probe is nil; both are wiring mistakes.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	prev := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Lookup returns the watcher registered under name.
func (m *Manager) Lookup(name string) (*Watcher, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.watchers[name]
	return w, ok
}

// Ready reports whether the named dependency is ready. Unknown names
// are not ready.
func (m *Manager) Ready(name string) bool {
	w, ok := m.Lookup(name)
	return ok && w.IsReady()
}

// Status returns the health of all watched dependencies.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Names returns the watched dependency names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.watchers))
	for name := range m.watchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
