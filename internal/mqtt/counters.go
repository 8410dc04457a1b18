package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/huddle/internal/events"
)

// Counters accumulates daily operational counts from the event bus.
// Totals reset at local midnight. Safe for concurrent use.
type Counters struct {
	mu           sync.Mutex
	turns        int64
	failed       int64
	checkpoints  int64
	degraded     int64
	saveFailures int64
	jobsDropped  int64
	lastTurn     time.Time
	resetDay     int
	loc          *time.Location
	now          func() time.Time
}

// CounterSnapshot is a point-in-time copy of the counters.
type CounterSnapshot struct {
	Turns        int64
	FailedTurns  int64
	Checkpoints  int64
	Degraded     int64
	SaveFailures int64
	JobsDropped  int64
	LastTurn     time.Time
}

// NewCounters creates counters that roll over at midnight in loc
// (time.Local when nil).
func NewCounters(loc *time.Location) *Counters {
	if loc == nil {
		loc = time.Local
	}
	c := &Counters{loc: loc, now: time.Now}
	c.resetDay = c.now().In(loc).YearDay()
	return c
}

// Observe folds one event into the counters. Unrelated events are
// ignored.
func (c *Counters) Observe(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeReset()

	switch e.Kind {
	case events.KindTurnComplete:
		c.turns++
		c.lastTurn = e.Timestamp
	case events.KindTurnFailed:
		c.turns++
		c.failed++
		c.lastTurn = e.Timestamp
	case events.KindCheckpointComplete:
		c.checkpoints++
	case events.KindDegraded:
		c.degraded++
	case events.KindSaveFailed:
		c.saveFailures++
	case events.KindJobDropped:
		c.jobsDropped++
	}
}

// Run consumes events until ctx ends or ch is closed.
func (c *Counters) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(e)
		}
	}
}

// Snapshot returns the current totals after checking for rollover.
func (c *Counters) Snapshot() CounterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeReset()
	return CounterSnapshot{
		Turns:        c.turns,
		FailedTurns:  c.failed,
		Checkpoints:  c.checkpoints,
		Degraded:     c.degraded,
		SaveFailures: c.saveFailures,
		JobsDropped:  c.jobsDropped,
		LastTurn:     c.lastTurn,
	}
}

// maybeReset must be called with c.mu held. lastTurn survives the
// rollover.
func (c *Counters) maybeReset() {
	today := c.now().In(c.loc).YearDay()
	if today == c.resetDay {
		return
	}
	c.turns, c.failed, c.checkpoints = 0, 0, 0
	c.degraded, c.saveFailures, c.jobsDropped = 0, 0, 0
	c.resetDay = today
}
