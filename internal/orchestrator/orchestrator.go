// Package orchestrator runs the per-turn control loop: resolve the
// conversation, prepare or judge its checkpoints, gather context and
// specialist input, route to one downstream service, and answer while
// persistence continues in the background.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/huddle/internal/caller"
	"github.com/nugget/huddle/internal/events"
	"github.com/nugget/huddle/internal/httpkit"
	"github.com/nugget/huddle/internal/ledger"
	"github.com/nugget/huddle/internal/registry"
	"github.com/nugget/huddle/internal/specialist"
	"github.com/nugget/huddle/internal/state"
	"github.com/nugget/huddle/internal/supervisor"
	"github.com/nugget/huddle/internal/timing"
)

// Defaults.
const (
	DefaultInitialLimit   = 2
	DefaultLookaheadLimit = 2
	DefaultEvalContext    = 4
)

// Recorder stores one row per turn. *ledger.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, rec ledger.Record) error
}

// Config wires an Orchestrator.
type Config struct {
	Caller     *caller.Caller
	State      *state.Manager
	Registry   *registry.Registry
	Dispatcher *specialist.Dispatcher
	Background state.Submitter
	Ledger     Recorder // optional
	Events     *events.Bus
	Logger     *slog.Logger

	PrimaryURL         string
	PrimaryEnrichedURL string

	// InitialLimit is the checkpoint count requested for a new
	// conversation; LookaheadLimit for each look-ahead extension.
	InitialLimit   int
	LookaheadLimit int
	// EvalContext is how many recent turns accompany a checkpoint
	// evaluation.
	EvalContext int
}

// Orchestrator handles turns. Safe for concurrent use; turns for the
// same conversation are serialized.
type Orchestrator struct {
	caller             *caller.Caller
	state              *state.Manager
	registry           *registry.Registry
	dispatcher         *specialist.Dispatcher
	background         state.Submitter
	ledger             Recorder
	events             *events.Bus
	logger             *slog.Logger
	primaryURL         string
	primaryEnrichedURL string
	initialLimit       int
	lookaheadLimit     int
	evalContext        int

	// lookahead holds task/index keys with a generation in flight.
	mu        sync.Mutex
	lookahead map[string]bool
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.InitialLimit <= 0 {
		cfg.InitialLimit = DefaultInitialLimit
	}
	if cfg.LookaheadLimit <= 0 {
		cfg.LookaheadLimit = DefaultLookaheadLimit
	}
	if cfg.EvalContext <= 0 {
		cfg.EvalContext = DefaultEvalContext
	}
	logger := cfg.Logger.With("component", "orchestrator")
	if cfg.Registry == nil {
		cfg.Registry, _ = registry.New(nil)
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = specialist.NewDispatcher(specialist.Config{Invoker: cfg.Caller, Events: cfg.Events, Logger: cfg.Logger})
	}
	return &Orchestrator{
		caller:             cfg.Caller,
		state:              cfg.State,
		registry:           cfg.Registry,
		dispatcher:         cfg.Dispatcher,
		background:         cfg.Background,
		ledger:             cfg.Ledger,
		events:             cfg.Events,
		logger:             logger,
		primaryURL:         cfg.PrimaryURL,
		primaryEnrichedURL: cfg.PrimaryEnrichedURL,
		initialLimit:       cfg.InitialLimit,
		lookaheadLimit:     cfg.LookaheadLimit,
		evalContext:        cfg.EvalContext,
		lookahead:          make(map[string]bool),
	}
}

// turnOutcome carries what the ledger and events need about a turn,
// whether or not it succeeded.
type turnOutcome struct {
	route     string
	completed string
}

// Handle runs one turn. Errors are *caller.Error values whose Status is
// the HTTP status to surface; anything else maps to 500.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Response, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	ctx = httpkit.WithRequestID(ctx, req.RequestID)
	metrics := timing.New()
	log := o.logger.With("request_id", req.RequestID, "conversation_id", req.ConversationID)

	o.events.Emit(events.SourceOrchestrator, events.KindTurnStart, map[string]any{
		"request_id":      req.RequestID,
		"conversation_id": req.ConversationID,
		"detected_agent":  req.DetectedAgent,
		"plan":            req.plan(),
	})

	var out turnOutcome
	resp, err := o.turn(ctx, &req, metrics, log, &out)
	elapsed := metrics.Total()

	status := http.StatusOK
	if err != nil {
		status = caller.StatusOf(err)
		log.Warn("turn failed", "status", status, "route", out.route, "elapsed", elapsed.String(), "error", err)
		o.events.Emit(events.SourceOrchestrator, events.KindTurnFailed, map[string]any{
			"request_id":      req.RequestID,
			"conversation_id": req.ConversationID,
			"status":          status,
			"error":           err.Error(),
		})
	} else {
		log.Info("turn complete", "route", out.route, "elapsed", elapsed.String())
		o.events.Emit(events.SourceOrchestrator, events.KindTurnComplete, map[string]any{
			"request_id":      req.RequestID,
			"conversation_id": req.ConversationID,
			"service":         out.route,
			"elapsed_ms":      float64(elapsed.Microseconds()) / 1000,
		})
	}
	o.record(req, out, status, elapsed)

	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (o *Orchestrator) turn(ctx context.Context, req *Request, metrics *timing.Metrics, log *slog.Logger, out *turnOutcome) (*Response, error) {
	unlock := o.state.Lock(req.ConversationID)
	defer unlock()

	// 1. Resolve state and take the caller's identity.
	metrics.Start("state_load")
	c := o.state.GetOrCreate(ctx, req.ConversationID, req.IndividualID)
	metrics.End("state_load")
	c.SetIdentity(req.IndividualID, req.UserProfileID, req.DetectedAgent, req.AgentInstanceID, req.CallLogID)

	// 2. Checkpoints: generate for a new conversation, else judge the
	// current one.
	if c.IsNewConversation() {
		if err := o.initialCheckpoints(ctx, req, c, metrics); err != nil {
			return nil, err
		}
		log.Debug("initial checkpoints set", "checkpoints", activeChecklist(c))
	} else if cp := c.CurrentCheckpoint(); cp != nil {
		done, err := o.evaluate(ctx, req, c, cp, metrics)
		if err != nil {
			return nil, err
		}
		if done && c.MarkCheckpointComplete(cp.Name, req.Text) {
			out.completed = cp.Name
			log.Info("checkpoint complete", "checkpoint", cp.Name)
			o.events.Emit(events.SourceOrchestrator, events.KindCheckpointComplete, map[string]any{
				"conversation_id": c.ConversationID,
				"checkpoint":      cp.Name,
			})
		}
	}

	// 3. Keep the checklist from running dry.
	if t := c.ActiveTask(); t != nil && t.IsSecondToLast() {
		o.scheduleLookahead(req, c, t)
	}

	// 4. Context for the plan tier.
	metrics.Start("context")
	history := o.state.Context(ctx, c, req.plan(), req.Text)
	metrics.End("context")

	// 5. Requested specialists.
	if len(req.Services) > 0 {
		if err := o.runServices(ctx, req, c, history, metrics, log); err != nil {
			return nil, err
		}
	}

	// 6. Route and call.
	handed := c.ConsumeSyncResults()
	rt := o.resolveRoute(turnView{req: req, conv: c, context: history, results: handed})
	out.route = rt.Name
	if rt.URL == "" {
		return nil, &caller.Error{Kind: caller.KindInternal, Status: http.StatusInternalServerError,
			Service: rt.Name, Detail: "no url configured for route " + rt.Name}
	}
	opts := append(rt.callOptions(),
		caller.WithMetrics(metrics),
		caller.WithSpan("route_"+rt.Name),
	)
	raw, err := o.caller.Call(ctx, rt.URL, rt.Payload, rt.Name, opts...)
	if err != nil {
		return nil, err
	}
	var rep reply
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, &caller.Error{Kind: caller.KindInternal, Status: http.StatusInternalServerError,
			Service: rt.Name, Detail: "undecodable reply", Err: err}
	}

	// 7. Fold the reply into state now so the next turn reads it from
	// the cache; only remote persistence happens after the response.
	o.state.UpdateContext(ctx, c, req.Text, rep.Response, req.plan())
	if changed, err := rep.apply(c); err != nil {
		log.Warn("ignoring malformed reply field", "error", err)
	} else if len(changed) > 0 {
		log.Debug("reply updated state", "fields", changed)
	}
	o.state.Put(ctx, c)
	if err := o.state.PersistAsync(c, false); err != nil {
		log.Warn("state persistence not scheduled", "error", err)
	}

	// 8. Answer.
	resp := &Response{
		Response:            rep.Response,
		RequestID:           req.RequestID,
		ConversationID:      c.ConversationID,
		IndividualID:        c.IndividualID,
		UserProfileID:       c.UserProfileID,
		DetectedAgent:       c.DetectedAgent,
		AgentInstanceID:     c.AgentInstanceID,
		CallLogID:           c.CallLogID,
		Service:             rt.Name,
		Checkpoints:         checkpointNames(c),
		CheckpointProgress:  c.CheckpointProgress(),
		CheckpointCompleted: out.completed,
		TaskStack:           c.TaskStack,
		Summary:             c.Summary(),
		SyncAgentResults:    handed,
		AsyncAgentResults:   c.AsyncAgentResults,
		RequiresHuman:       rep.RequiresHuman,
		IsPaused:            c.IsPaused,
	}
	if resp.TaskStack == nil {
		resp.TaskStack = []*state.Task{}
	}
	resp.TimingMetrics = metrics.Durations()
	resp.ServerTiming = metrics.ServerTiming()
	return resp, nil
}

func checkpointNames(c *state.Conversation) []string {
	if t := c.ActiveTask(); t != nil {
		return t.Names()
	}
	if n := len(c.TaskStack); n > 0 {
		return c.TaskStack[n-1].Names()
	}
	return []string{}
}

func contextTurns(entries []state.ContextEntry) []caller.ContextTurn {
	out := make([]caller.ContextTurn, 0, len(entries))
	for _, e := range entries {
		out = append(out, caller.ContextTurn{Query: e.Query, Response: e.Response})
	}
	return out
}

func specsFrom(gen *caller.Generation) []state.CheckpointSpec {
	out := make([]state.CheckpointSpec, 0, len(gen.Checkpoints))
	for _, cp := range gen.Checkpoints {
		if cp.Name == "" {
			continue
		}
		out = append(out, state.CheckpointSpec{
			Name:           cp.Name,
			Label:          cp.Label,
			Type:           gen.TypeOf(cp),
			ExpectedInputs: cp.ExpectedInputs,
		})
	}
	return out
}

func (o *Orchestrator) initialCheckpoints(ctx context.Context, req *Request, c *state.Conversation, metrics *timing.Metrics) error {
	gen, err := o.caller.GenerateCheckpoints(ctx, caller.GenerateRequest{
		ConversationID: c.ConversationID,
		IndividualID:   c.IndividualID,
		DetectedAgent:  c.DetectedAgent,
		Text:           req.Text,
		Limit:          o.initialLimit,
	}, caller.WithMetrics(metrics), caller.WithSpan("checkpoint_generation"))
	if err != nil {
		return err
	}
	specs := specsFrom(gen)
	if len(specs) == 0 {
		o.logger.Warn("checkpoint generator returned no checkpoints", "conversation_id", c.ConversationID)
		return nil
	}
	c.SetTasks(specs, gen.Task, gen.CheckpointTypes)
	return nil
}

func (o *Orchestrator) evaluate(ctx context.Context, req *Request, c *state.Conversation, cp *state.Checkpoint, metrics *timing.Metrics) (bool, error) {
	eval, err := o.caller.EvaluateCheckpoint(ctx, caller.EvaluationRequest{
		ConversationID: c.ConversationID,
		IndividualID:   c.IndividualID,
		Checkpoint:     cp.Name,
		CheckpointType: cp.Type,
		ExpectedInputs: cp.ExpectedInputs,
		Text:           req.Text,
		Context:        contextTurns(c.RecentContext(o.evalContext)),
	}, caller.WithMetrics(metrics), caller.WithSpan("checklist_evaluation"))
	if err != nil {
		return false, err
	}
	return eval.CheckpointComplete, nil
}

// scheduleLookahead submits one background generation that extends the
// active task. At most one runs per task position.
func (o *Orchestrator) scheduleLookahead(req *Request, c *state.Conversation, t *state.Task) {
	if o.background == nil {
		return
	}
	key := t.TaskID + "@" + strconv.Itoa(t.CurrentCheckpointIndex)
	o.mu.Lock()
	if o.lookahead[key] {
		o.mu.Unlock()
		return
	}
	o.lookahead[key] = true
	o.mu.Unlock()

	genReq := caller.GenerateRequest{
		ConversationID: c.ConversationID,
		IndividualID:   c.IndividualID,
		DetectedAgent:  c.DetectedAgent,
		Text:           req.Text,
		Limit:          o.lookaheadLimit,
		Context:        contextTurns(c.RecentContext(o.evalContext)),
		ExistingTaskID: t.TaskID,
		Existing:       t.Names(),
	}
	conversationID := c.ConversationID
	requestID := req.RequestID

	err := o.background.Submit(supervisor.Job{
		Name: "lookahead_checkpoints",
		Key:  conversationID,
		Run: func(ctx context.Context) error {
			ctx = httpkit.WithRequestID(ctx, requestID)
			defer func() {
				o.mu.Lock()
				delete(o.lookahead, key)
				o.mu.Unlock()
			}()
			gen, err := o.caller.GenerateCheckpoints(ctx, genReq)
			if err != nil {
				return err
			}
			specs := specsFrom(gen)
			if len(specs) == 0 {
				return nil
			}

			unlock := o.state.Lock(conversationID)
			defer unlock()
			live := o.state.GetOrCreate(ctx, conversationID, genReq.IndividualID)
			if n := live.AppendCheckpoints(specs, gen.CheckpointTypes); n > 0 {
				o.state.Put(ctx, live)
				o.logger.Debug("look-ahead checkpoints appended", "conversation_id", conversationID, "added", n)
			}
			return nil
		},
	})
	if err != nil {
		o.mu.Lock()
		delete(o.lookahead, key)
		o.mu.Unlock()
		o.logger.Warn("look-ahead generation not scheduled", "conversation_id", conversationID, "error", err)
	}
}

// runServices fans out to requested sync specialists (waiting for them)
// and schedules requested async specialists in the background.
func (o *Orchestrator) runServices(ctx context.Context, req *Request, c *state.Conversation, history []state.ContextEntry, metrics *timing.Metrics, log *slog.Logger) error {
	syncNames, asyncNames, unknown := o.servicesByType(req.Services)
	if len(unknown) > 0 {
		log.Warn("ignoring unknown services", "services", unknown)
	}

	build := func(agent registry.Agent, prior map[string]state.AgentResult) any {
		return specialistPayload(req, c, history, prior)
	}

	if len(syncNames) > 0 {
		results, err := o.dispatcher.CallWaves(ctx, o.registry, syncNames, build, specialist.Options{
			Presupplied: req.ChecklistResults,
			Metrics:     metrics,
		})
		if err != nil {
			return &caller.Error{Kind: caller.KindInternal, Status: http.StatusInternalServerError,
				Service: ServiceName, Detail: "specialist fan-out", Err: err}
		}
		for _, r := range results {
			c.AddSyncResult(r)
		}
	}

	for _, name := range asyncNames {
		o.scheduleAsync(req, c, history, name)
	}
	return nil
}

func specialistPayload(req *Request, c *state.Conversation, history []state.ContextEntry, prior map[string]state.AgentResult) map[string]any {
	cp, typ, _ := currentCheckpoint(c)
	return map[string]any{
		"text":               req.Text,
		"conversation_id":    c.ConversationID,
		"individual_id":      c.IndividualID,
		"user_profile_id":    c.UserProfileID,
		"detected_agent":     c.DetectedAgent,
		"context":            history,
		"current_checkpoint": cp,
		"checkpoint_type":    typ,
		"prior_results":      prior,
	}
}

// scheduleAsync runs one async specialist after the response. Its
// result replaces any earlier result from the same specialist.
func (o *Orchestrator) scheduleAsync(req *Request, c *state.Conversation, history []state.ContextEntry, name string) {
	if o.background == nil {
		return
	}
	agent, _ := o.registry.Get(name)
	conversationID := c.ConversationID
	individualID := c.IndividualID
	payload := specialistPayload(req, c, history, nil)
	presupplied := req.ChecklistResults
	requestID := req.RequestID

	err := o.background.Submit(supervisor.Job{
		Name: "async_specialist_" + name,
		Key:  conversationID,
		Run: func(ctx context.Context) error {
			ctx = httpkit.WithRequestID(ctx, requestID)
			results := o.dispatcher.CallSpecialists(ctx, []specialist.Request{{
				Name:    name,
				URL:     agent.URL,
				Payload: payload,
				Timeout: agent.Timeout,
			}}, specialist.Options{Presupplied: presupplied})
			res, ok := results[name]
			if !ok {
				return nil
			}

			unlock := o.state.Lock(conversationID)
			defer unlock()
			live := o.state.GetOrCreate(ctx, conversationID, individualID)
			live.SetAsyncResult(res)
			o.state.Put(ctx, live)
			if res.Status == state.ResultError {
				return errors.New("async specialist " + name + " failed")
			}
			return nil
		},
	})
	if err != nil {
		o.logger.Warn("async specialist not scheduled", "agent", name, "conversation_id", conversationID, "error", err)
	}
}

// record writes the ledger row off the response path.
func (o *Orchestrator) record(req Request, out turnOutcome, status int, elapsed time.Duration) {
	if o.ledger == nil || o.background == nil {
		return
	}
	rec := ledger.Record{
		Timestamp:          time.Now(),
		RequestID:          req.RequestID,
		ConversationID:     req.ConversationID,
		IndividualID:       req.IndividualID,
		DetectedAgent:      req.DetectedAgent,
		Service:            out.route,
		Plan:               req.plan(),
		Status:             status,
		ElapsedMS:          float64(elapsed.Microseconds()) / 1000,
		Checkpoint:         out.completed,
		CheckpointComplete: out.completed != "",
	}
	err := o.background.Submit(supervisor.Job{
		Name: "ledger_record",
		Key:  req.ConversationID,
		Run: func(ctx context.Context) error {
			return o.ledger.Record(ctx, rec)
		},
	})
	if err != nil {
		o.logger.Debug("ledger record dropped", "request_id", req.RequestID, "error", err)
	}
}
