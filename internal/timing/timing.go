// Package timing records named start/end spans for a single orchestrated
// turn. Spans form a flat map keyed by name, not a tree: starting a span
// that already exists restarts it.
package timing

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Span is one named interval.
type Span struct {
	Name     string        `json:"name"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end,omitzero"`
	Duration time.Duration `json:"-"`
}

// Done reports whether the span has been ended.
func (s Span) Done() bool { return !s.End.IsZero() }

// Metrics is a concurrency-safe span recorder. The zero value is not
// usable; call New. All methods are safe on a nil receiver so that
// components can accept an optional *Metrics without guard checks.
type Metrics struct {
	mu    sync.Mutex
	now   func() time.Time
	begin time.Time
	spans map[string]*Span
}

// New starts a recorder whose total duration is measured from now.
func New() *Metrics {
	return newWithClock(time.Now)
}

func newWithClock(now func() time.Time) *Metrics {
	return &Metrics{
		now:   now,
		begin: now(),
		spans: make(map[string]*Span),
	}
}

// Start opens (or restarts) the span called name.
func (m *Metrics) Start(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spans[name] = &Span{Name: name, Start: m.now()}
}

// End closes the span called name. Ending an unknown span records a
// zero-length span so the name still shows up in the output.
func (m *Metrics) End(name string) time.Duration {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	s, ok := m.spans[name]
	if !ok {
		s = &Span{Name: name, Start: now}
		m.spans[name] = s
	}
	s.End = now
	s.Duration = s.End.Sub(s.Start)
	return s.Duration
}

// Track starts name and returns a func that ends it, for use with defer.
func (m *Metrics) Track(name string) func() {
	m.Start(name)
	return func() { m.End(name) }
}

// Total returns the time elapsed since the recorder was created.
func (m *Metrics) Total() time.Duration {
	if m == nil {
		return 0
	}
	return m.now().Sub(m.begin)
}

// Spans returns a copy of every span, sorted by start time.
func (m *Metrics) Spans() []Span {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	out := make([]Span, 0, len(m.spans))
	for _, s := range m.spans {
		out = append(out, *s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].Name < out[j].Name
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

// Durations returns finished span durations in milliseconds keyed by
// span name, plus "total". Open spans are omitted.
func (m *Metrics) Durations() map[string]float64 {
	out := make(map[string]float64)
	for _, s := range m.Spans() {
		if s.Done() {
			out[s.Name] = ms(s.Duration)
		}
	}
	out["total"] = ms(m.Total())
	return out
}

// ServerTiming renders finished spans and the total as a Server-Timing
// header value, e.g. `checklist;dur=12.5, total;dur=80.1`.
func (m *Metrics) ServerTiming() string {
	var parts []string
	for _, s := range m.Spans() {
		if s.Done() {
			parts = append(parts, fmt.Sprintf("%s;dur=%.1f", headerToken(s.Name), ms(s.Duration)))
		}
	}
	parts = append(parts, fmt.Sprintf("total;dur=%.1f", ms(m.Total())))
	return strings.Join(parts, ", ")
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// headerToken replaces characters not allowed in a Server-Timing metric
// name token.
func headerToken(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
