// Package cache implements the two-tier cache used for conversation
// state, context windows, and checklist evaluations: a process-local LRU
// in front of a networked Redis tier.
//
// The networked tier is optional at all times. Initialize never fails;
// when the tier cannot be reached it is marked unavailable and every
// operation silently runs local-only until Initialize is called again
// and succeeds. Any networked error during normal operation flips the
// tier to unavailable the same way, unless the caller's own context had
// already ended. Degradation is logged, counted in
// Stats, and published on the event bus, but never surfaced to callers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nugget/huddle/internal/events"
)

// DefaultLocalCapacity is the local tier size when none is configured.
const DefaultLocalCapacity = 1000

// ErrMiss is returned when a key is in neither tier.
var ErrMiss = errors.New("cache miss")

// Config configures a Manager.
type Config struct {
	// LocalCapacity bounds the LRU tier (default 1000).
	LocalCapacity int
	// Remote is the networked tier. Nil runs local-only.
	Remote Remote
	// InitTimeout bounds the Initialize ping (default 2s).
	InitTimeout time.Duration
	// Events receives degraded/recovered events. Optional.
	Events *events.Bus
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	LocalHits       uint64 `json:"local_hits"`
	RemoteHits      uint64 `json:"remote_hits"`
	Misses          uint64 `json:"misses"`
	Writes          uint64 `json:"writes"`
	RemoteErrors    uint64 `json:"remote_errors"`
	Evictions       uint64 `json:"evictions"`
	LocalSize       int    `json:"local_size"`
	LocalCapacity   int    `json:"local_capacity"`
	RemoteEnabled   bool   `json:"remote_enabled"`
	RemoteAvailable bool   `json:"remote_available"`
	Degraded        bool   `json:"degraded"`
	LastError       string `json:"last_error,omitempty"`
}

// HitRatio returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRatio() float64 {
	hits := s.LocalHits + s.RemoteHits
	if hits+s.Misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+s.Misses)
}

// Manager is the two-tier cache. Safe for concurrent use.
type Manager struct {
	// local has no TTL: entries leave only by eviction or Invalidate.
	local       *lru.Cache[string, []byte]
	capacity    int
	remote      Remote
	initTimeout time.Duration
	events      *events.Bus
	logger      *slog.Logger

	available atomic.Bool

	localHits    atomic.Uint64
	remoteHits   atomic.Uint64
	misses       atomic.Uint64
	writes       atomic.Uint64
	remoteErrors atomic.Uint64
	evictions    atomic.Uint64

	mu      sync.Mutex
	lastErr error
}

// New creates a Manager. The networked tier starts unavailable; call
// Initialize to connect.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 2 * time.Second
	}
	if cfg.LocalCapacity <= 0 {
		cfg.LocalCapacity = DefaultLocalCapacity
	}
	// Only a non-positive size makes lru.New fail.
	local, _ := lru.New[string, []byte](cfg.LocalCapacity)
	return &Manager{
		local:       local,
		capacity:    cfg.LocalCapacity,
		remote:      cfg.Remote,
		initTimeout: cfg.InitTimeout,
		events:      cfg.Events,
		logger:      logger.With("component", "cache"),
	}
}

// Initialize pings the networked tier and records whether it is usable.
// It never returns an error and never panics on an unreachable server.
// It reports the resulting availability.
func (m *Manager) Initialize(ctx context.Context) bool {
	if m.remote == nil {
		m.logger.Info("networked cache not configured, running local-only")
		return false
	}

	pingCtx, cancel := context.WithTimeout(ctx, m.initTimeout)
	defer cancel()

	if err := m.remote.Ping(pingCtx); err != nil {
		m.markUnavailable("initialize", err)
		return false
	}

	if !m.available.Swap(true) {
		m.logger.Info("networked cache connected")
		m.events.Emit(events.SourceCache, events.KindRecovered, nil)
	}
	m.setLastErr(nil)
	return true
}

// Probe pings the networked tier without changing availability. It is
// suitable as a connwatch probe; the watcher's OnReady callback should
// call Initialize.
func (m *Manager) Probe(ctx context.Context) error {
	if m.remote == nil {
		return errors.New("networked cache not configured")
	}
	return m.remote.Ping(ctx)
}

// Available reports whether the networked tier is currently in use.
func (m *Manager) Available() bool {
	return m.available.Load()
}

// Reconnect re-runs Initialize and returns the failure cause, making it
// usable directly as a connwatch probe: every successful probe keeps the
// networked tier enabled and a recovered server is picked up on the
// next poll.
func (m *Manager) Reconnect(ctx context.Context) error {
	if m.Initialize(ctx) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastErr == nil {
		return errors.New("networked cache not configured")
	}
	return m.lastErr
}

// Get returns the raw value for key, consulting the local tier first.
// A networked hit is copied into the local tier.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, error) {
	if v, ok := m.local.Get(key); ok {
		m.localHits.Add(1)
		return v, nil
	}

	if m.available.Load() {
		v, err := m.remote.Get(ctx, key)
		switch {
		case err == nil:
			m.remoteHits.Add(1)
			m.storeLocal(key, v)
			return v, nil
		case errors.Is(err, ErrMiss), callerDone(ctx):
		default:
			m.markUnavailable("get", err)
		}
	}

	m.misses.Add(1)
	return nil, ErrMiss
}

// Set writes value to the local tier and, when available, to the
// networked tier with ttl. Networked failures are logged and swallowed.
func (m *Manager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	m.storeLocal(key, value)
	m.writes.Add(1)

	if !m.available.Load() {
		return
	}
	if err := m.remote.Set(ctx, key, value, ttl); err != nil && !callerDone(ctx) {
		m.markUnavailable("set", err)
	}
}

// storeLocal adds to the local tier, counting capacity evictions.
func (m *Manager) storeLocal(key string, value []byte) {
	if m.local.Add(key, value) {
		m.evictions.Add(1)
	}
}

// callerDone reports whether ctx has ended. A networked error seen after
// that belongs to the caller's cancellation or deadline, not to the
// networked tier, and must not degrade it.
func callerDone(ctx context.Context) bool {
	return ctx.Err() != nil
}

// BatchGet returns the values found for keys. Local hits are served
// directly; all local misses are fetched with one networked round trip
// and backfilled into the local tier. Missing keys are absent from the
// result.
func (m *Manager) BatchGet(ctx context.Context, keys []string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	var missing []string

	for _, k := range keys {
		if v, ok := m.local.Get(k); ok {
			m.localHits.Add(1)
			out[k] = v
			continue
		}
		missing = append(missing, k)
	}

	if len(missing) == 0 {
		return out
	}
	if !m.available.Load() {
		m.misses.Add(uint64(len(missing)))
		return out
	}

	vals, err := m.remote.MGet(ctx, missing)
	if err != nil {
		if !callerDone(ctx) {
			m.markUnavailable("batch_get", err)
		}
		m.misses.Add(uint64(len(missing)))
		return out
	}
	for i, k := range missing {
		if i >= len(vals) || vals[i] == nil {
			m.misses.Add(1)
			continue
		}
		m.remoteHits.Add(1)
		m.storeLocal(k, vals[i])
		out[k] = vals[i]
	}
	return out
}

// Invalidate drops key from the local tier. The networked tier keeps it
// until its TTL expires.
func (m *Manager) Invalidate(key string) {
	m.local.Remove(key)
}

// GetJSON decodes the cached value for key into v. It returns ErrMiss on
// a miss; a value that fails to decode is dropped and treated as a miss.
func (m *Manager) GetJSON(ctx context.Context, key string, v any) error {
	raw, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		m.logger.Warn("dropping undecodable cache entry", "key", key, "error", err)
		m.local.Remove(key)
		return ErrMiss
	}
	return nil
}

// SetJSON encodes v and stores it under key.
func (m *Manager) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache value for %s: %w", key, err)
	}
	m.Set(ctx, key, raw, ttl)
	return nil
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		LocalHits:       m.localHits.Load(),
		RemoteHits:      m.remoteHits.Load(),
		Misses:          m.misses.Load(),
		Writes:          m.writes.Load(),
		RemoteErrors:    m.remoteErrors.Load(),
		Evictions:       m.evictions.Load(),
		LocalSize:       m.local.Len(),
		LocalCapacity:   m.capacity,
		RemoteEnabled:   m.remote != nil,
		RemoteAvailable: m.available.Load(),
	}
	s.Degraded = s.RemoteEnabled && !s.RemoteAvailable
	m.mu.Lock()
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	m.mu.Unlock()
	return s
}

// Close releases the networked tier connection.
func (m *Manager) Close() error {
	m.available.Store(false)
	if m.remote == nil {
		return nil
	}
	return m.remote.Close()
}

// markUnavailable flips the networked tier off. Only the transition is
// logged at Warn; repeated failures while already degraded are Debug.
func (m *Manager) markUnavailable(op string, err error) {
	m.remoteErrors.Add(1)
	m.setLastErr(err)
	if m.available.Swap(false) || op == "initialize" {
		m.logger.Warn("networked cache unavailable, continuing local-only",
			"op", op,
			"error", err,
		)
		m.events.Emit(events.SourceCache, events.KindDegraded, map[string]any{"op": op, "error": err.Error()})
		return
	}
	m.logger.Debug("networked cache error while degraded", "op", op, "error", err)
}

func (m *Manager) setLastErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}
