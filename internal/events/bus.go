// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (orchestrator, cache,
// state persistence, background supervisor) to subscribers (the MQTT
// stats collector). The bus is nil-safe: calling Publish on a nil *Bus
// is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceOrchestrator identifies events from the per-turn control loop.
	SourceOrchestrator = "orchestrator"
	// SourceCache identifies events from the two-tier cache.
	SourceCache = "cache"
	// SourceState identifies events from conversation state persistence.
	SourceState = "state"
	// SourceSupervisor identifies events from the background job supervisor.
	SourceSupervisor = "supervisor"
	// SourceSpecialist identifies events from specialist fan-out.
	SourceSpecialist = "specialist"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals the beginning of an orchestrated turn.
	// Data: request_id, conversation_id, detected_agent, plan.
	KindTurnStart = "turn_start"
	// KindTurnComplete signals a turn whose response was returned.
	// Data: request_id, conversation_id, service, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindTurnFailed signals a turn aborted with a surfaced error.
	// Data: request_id, conversation_id, status, error.
	KindTurnFailed = "turn_failed"
	// KindCheckpointComplete signals that a checkpoint was judged complete.
	// Data: conversation_id, checkpoint.
	KindCheckpointComplete = "checkpoint_complete"

	// KindDegraded signals the networked cache tier became unavailable.
	// Data: error.
	KindDegraded = "degraded"
	// KindRecovered signals the networked cache tier is available again.
	KindRecovered = "recovered"

	// KindSaveFailed signals an unrecoverable state save failure.
	// Data: conversation_id, error.
	KindSaveFailed = "save_failed"

	// KindJobFailed signals a background job returned an error or panicked.
	// Data: job, error.
	KindJobFailed = "job_failed"
	// KindJobDropped signals a job rejected because the queue was full.
	// Data: job.
	KindJobDropped = "job_dropped"

	// KindSpecialistResult signals one specialist finished during fan-out.
	// Data: agent, status, elapsed_ms.
	KindSpecialistResult = "specialist_result"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event rather than block.
		}
	}
}

// Emit publishes an event stamped with the current time. Safe to call
// on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// counters that drain continuously.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
