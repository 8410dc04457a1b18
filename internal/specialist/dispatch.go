// Package specialist fans a turn out to several specialist services at
// once and collects whatever comes back in time.
//
// Each specialist gets its own goroutine and deadline, and the batch as
// a whole has a ceiling. A failed or slow specialist never fails the
// batch; it is represented by an error result so callers always get one
// entry per requested specialist.
package specialist

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/nugget/huddle/internal/caller"
	"github.com/nugget/huddle/internal/events"
	"github.com/nugget/huddle/internal/registry"
	"github.com/nugget/huddle/internal/state"
	"github.com/nugget/huddle/internal/timing"
)

// Default timeouts.
const (
	DefaultPerSpecialist      = 45 * time.Second
	DefaultBatchPerSpecialist = 30 * time.Second
	DefaultBatchCeiling       = 120 * time.Second
)

// Invoker performs one specialist RPC. *caller.Caller satisfies it.
type Invoker interface {
	Call(ctx context.Context, url string, payload any, service string, opts ...caller.CallOption) (json.RawMessage, error)
}

// Request is one specialist to call.
type Request struct {
	Name    string
	URL     string
	Payload any
	// Timeout overrides the per-specialist timeout.
	Timeout time.Duration
}

// Options adjusts one fan-out.
type Options struct {
	// Presupplied results satisfy specialists without a call; they are
	// returned as-is.
	Presupplied map[string]state.AgentResult

	// OnResult is called after each arrival with the specialist's name,
	// its result, and a snapshot of everything collected so far. Calls
	// are serialized.
	OnResult func(name string, result state.AgentResult, collected map[string]state.AgentResult)

	Metrics *timing.Metrics
}

// Config configures a Dispatcher.
type Config struct {
	Invoker            Invoker
	PerSpecialist      time.Duration
	BatchPerSpecialist time.Duration
	BatchCeiling       time.Duration
	Events             *events.Bus
	Logger             *slog.Logger
}

// Dispatcher runs specialist fan-outs.
type Dispatcher struct {
	invoker       Invoker
	perSpecialist time.Duration
	batchPer      time.Duration
	batchCeiling  time.Duration
	events        *events.Bus
	logger        *slog.Logger
	now           func() time.Time
}

// NewDispatcher creates a Dispatcher, filling default timeouts.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.PerSpecialist <= 0 {
		cfg.PerSpecialist = DefaultPerSpecialist
	}
	if cfg.BatchPerSpecialist <= 0 {
		cfg.BatchPerSpecialist = DefaultBatchPerSpecialist
	}
	if cfg.BatchCeiling <= 0 {
		cfg.BatchCeiling = DefaultBatchCeiling
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		invoker:       cfg.Invoker,
		perSpecialist: cfg.PerSpecialist,
		batchPer:      cfg.BatchPerSpecialist,
		batchCeiling:  cfg.BatchCeiling,
		events:        cfg.Events,
		logger:        cfg.Logger.With("component", "specialist"),
		now:           time.Now,
	}
}

// BatchTimeout is the whole-batch deadline for n specialists:
// min(ceiling, per-specialist share × n).
func (d *Dispatcher) BatchTimeout(n int) time.Duration {
	return min(d.batchCeiling, d.batchPer*time.Duration(max(n, 1)))
}

type arrival struct {
	name   string
	result state.AgentResult
	err    error
}

// CallSpecialists calls every request concurrently and returns one
// result per request name. Presupplied results are not dispatched.
// Errors become ResultError entries; specialists still running when the
// batch deadline passes are cancelled and given a timeout result.
func (d *Dispatcher) CallSpecialists(ctx context.Context, reqs []Request, opts Options) map[string]state.AgentResult {
	results := make(map[string]state.AgentResult, len(reqs))
	seen := make(map[string]bool, len(reqs))
	var dispatch []Request
	for _, r := range reqs {
		if seen[r.Name] {
			continue
		}
		seen[r.Name] = true
		if pre, ok := opts.Presupplied[r.Name]; ok {
			results[r.Name] = pre
			continue
		}
		dispatch = append(dispatch, r)
	}
	if len(dispatch) == 0 {
		return results
	}

	batchTimeout := d.BatchTimeout(len(dispatch))
	batchCtx, cancel := context.WithTimeout(ctx, batchTimeout)
	defer cancel()
	if opts.Metrics != nil {
		defer opts.Metrics.Track("specialists")()
	}

	d.logger.Debug("dispatching specialists",
		"count", len(dispatch),
		"presupplied", len(opts.Presupplied),
		"batch_timeout", batchTimeout.String(),
	)

	ch := make(chan arrival, len(dispatch))
	pending := make(map[string]Request, len(dispatch))
	for _, r := range dispatch {
		pending[r.Name] = r
		go func(r Request) {
			res, err := d.invoke(batchCtx, r, opts.Metrics)
			ch <- arrival{name: r.Name, result: res, err: err}
		}(r)
	}

	for len(pending) > 0 {
		select {
		case a := <-ch:
			if _, still := pending[a.name]; !still {
				continue
			}
			res := a.result
			if a.err != nil && batchExpired(ctx, batchCtx) {
				res = d.timeoutResult(a.name, batchTimeout)
			}
			delete(pending, a.name)
			d.record(a.name, res, results, opts)
		case <-batchCtx.Done():
			expired := batchExpired(ctx, batchCtx)
			for name := range pending {
				if expired {
					d.logger.Warn("specialist cancelled at batch deadline", "agent", name, "batch_timeout", batchTimeout.String())
					d.record(name, d.timeoutResult(name, batchTimeout), results, opts)
					continue
				}
				d.logger.Warn("specialist abandoned", "agent", name, "error", ctx.Err())
				d.record(name, errorResult(name, context.Cause(ctx), d.now()), results, opts)
			}
			clear(pending)
		}
	}
	return results
}

// batchExpired reports whether batchCtx ended because its own deadline
// passed. A parent that was cancelled or ran out of time first is the
// caller's outcome, not a batch timeout.
func batchExpired(parent, batchCtx context.Context) bool {
	return errors.Is(batchCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil
}

func (d *Dispatcher) record(name string, res state.AgentResult, results map[string]state.AgentResult, opts Options) {
	results[name] = res
	d.events.Emit(events.SourceSpecialist, events.KindSpecialistResult, map[string]any{
		"agent":  name,
		"status": string(res.Status),
	})
	if opts.OnResult != nil {
		opts.OnResult(name, res, maps.Clone(results))
	}
}

// invoke calls one specialist under its own deadline and converts the
// outcome into a result. The error is returned only so the collector
// can tell a batch-deadline cancellation from an ordinary failure.
func (d *Dispatcher) invoke(ctx context.Context, r Request, metrics *timing.Metrics) (state.AgentResult, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = d.perSpecialist
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := d.now()
	raw, err := d.invoker.Call(ctx, r.URL, r.Payload, r.Name,
		caller.WithProfile("specialist"),
		caller.WithTimeout(timeout),
		caller.WithMetrics(metrics),
		caller.WithSpan("specialist_"+r.Name),
	)
	elapsed := d.now().Sub(start)
	if err != nil {
		d.logger.Warn("specialist failed", "agent", r.Name, "elapsed", elapsed.String(), "error", err)
		return errorResult(r.Name, err, d.now()), err
	}
	d.logger.Debug("specialist responded", "agent", r.Name, "elapsed", elapsed.String())
	return ParseResult(r.Name, raw, d.now()), nil
}

func (d *Dispatcher) timeoutResult(name string, batchTimeout time.Duration) state.AgentResult {
	return state.AgentResult{
		AgentName: name,
		Status:    state.ResultError,
		Payload: map[string]any{
			"error":           "timeout",
			"timeout_seconds": batchTimeout.Seconds(),
		},
		Timestamp: d.now(),
	}
}

func errorResult(name string, err error, now time.Time) state.AgentResult {
	payload := map[string]any{"error": err.Error()}
	var ce *caller.Error
	if errors.As(err, &ce) {
		payload["status_code"] = ce.Status
		payload["kind"] = ce.Kind.String()
	}
	return state.AgentResult{AgentName: name, Status: state.ResultError, Payload: payload, Timestamp: now}
}

// ParseResult converts a specialist's JSON response into a result. The
// whole response is kept as the payload; well-known fields are lifted.
func ParseResult(name string, raw []byte, now time.Time) state.AgentResult {
	res := state.AgentResult{AgentName: name, Status: state.ResultSuccess, Timestamp: now}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		res.Status = state.ResultPartial
		res.Payload = map[string]any{"raw": string(raw)}
		return res
	}
	res.Payload = payload

	switch s, _ := payload["status"].(string); state.ResultStatus(s) {
	case state.ResultError, state.ResultPartial, state.ResultSuccess:
		res.Status = state.ResultStatus(s)
	}
	for _, k := range []string{"message_to_user", "response", "message"} {
		if v, ok := payload[k].(string); ok && v != "" {
			res.MessageToUser = v
			break
		}
	}
	if v, ok := payload["action_required"].(bool); ok {
		res.ActionRequired = v
	}
	return res
}

// PayloadFunc builds the payload for agent given the results of earlier
// waves.
type PayloadFunc func(agent registry.Agent, prior map[string]state.AgentResult) any

// CallWaves resolves names (with dependencies) through reg and runs one
// CallSpecialists batch per dependency wave, so each specialist sees the
// results of those it depends on.
func (d *Dispatcher) CallWaves(ctx context.Context, reg *registry.Registry, names []string, build PayloadFunc, opts Options) (map[string]state.AgentResult, error) {
	waves, err := reg.Waves(names)
	if err != nil {
		return nil, err
	}

	all := make(map[string]state.AgentResult)
	for i, wave := range waves {
		reqs := make([]Request, 0, len(wave))
		for _, name := range wave {
			agent, _ := reg.Get(name)
			reqs = append(reqs, Request{
				Name:    name,
				URL:     agent.URL,
				Payload: build(agent, maps.Clone(all)),
				Timeout: agent.Timeout,
			})
		}
		d.logger.Debug("specialist wave", "wave", i, "agents", wave)
		maps.Copy(all, d.CallSpecialists(ctx, reqs, opts))
		if ctx.Err() != nil {
			break
		}
	}
	return all, nil
}
