package specialist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/huddle/internal/caller"
	"github.com/nugget/huddle/internal/config"
	"github.com/nugget/huddle/internal/events"
	"github.com/nugget/huddle/internal/registry"
	"github.com/nugget/huddle/internal/state"
)

// funcInvoker dispatches on the service name.
type funcInvoker struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, service string, payload any) (json.RawMessage, error)
}

func (f *funcInvoker) Call(ctx context.Context, _ string, payload any, service string, _ ...caller.CallOption) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, service)
	f.mu.Unlock()
	return f.fn(ctx, service, payload)
}

func (f *funcInvoker) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestCallSpecialistsOverHTTP(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/anxiety", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","message_to_user":"breathe with me"}`))
	})
	mux.HandleFunc("/mood", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"score":3,"action_required":true}`))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"bad payload"}`, http.StatusBadRequest)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := caller.New(caller.Config{Sleep: func(context.Context, time.Duration) error { return nil }})
	d := NewDispatcher(Config{Invoker: c})

	var (
		mu       sync.Mutex
		arrivals []string
	)
	results := d.CallSpecialists(context.Background(), []Request{
		{Name: "anxiety", URL: srv.URL + "/anxiety", Payload: map[string]any{"text": "hi"}},
		{Name: "mood", URL: srv.URL + "/mood", Payload: map[string]any{"text": "hi"}},
		{Name: "broken", URL: srv.URL + "/broken", Payload: map[string]any{"text": "hi"}},
	}, Options{
		OnResult: func(name string, _ state.AgentResult, collected map[string]state.AgentResult) {
			mu.Lock()
			defer mu.Unlock()
			arrivals = append(arrivals, name)
			assert.Contains(t, collected, name)
		},
	})

	require.Len(t, results, 3)
	assert.Equal(t, state.ResultSuccess, results["anxiety"].Status)
	assert.Equal(t, "breathe with me", results["anxiety"].MessageToUser)
	assert.True(t, results["mood"].ActionRequired)
	assert.Equal(t, float64(3), results["mood"].Payload["score"])

	broken := results["broken"]
	assert.Equal(t, state.ResultError, broken.Status)
	assert.Equal(t, http.StatusBadRequest, broken.Payload["status_code"])
	assert.Equal(t, "broken", broken.AgentName)

	assert.GreaterOrEqual(t, len(arrivals), 2)
	assert.ElementsMatch(t, []string{"anxiety", "mood", "broken"}, arrivals)
}

func TestBatchTimeoutYieldsPlaceholder(t *testing.T) {
	inv := &funcInvoker{fn: func(ctx context.Context, service string, _ any) (json.RawMessage, error) {
		if service == "slow" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return json.RawMessage(`{"message_to_user":"fast"}`), nil
	}}
	bus := events.New()
	sub := bus.Subscribe(8)
	defer bus.Unsubscribe(sub)

	d := NewDispatcher(Config{
		Invoker:            inv,
		BatchPerSpecialist: 25 * time.Millisecond,
		BatchCeiling:       time.Second,
		Events:             bus,
	})

	start := time.Now()
	results := d.CallSpecialists(context.Background(), []Request{
		{Name: "fast"},
		{Name: "slow"},
	}, Options{})
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	require.Len(t, results, 2)
	assert.Equal(t, "fast", results["fast"].MessageToUser)
	slow := results["slow"]
	assert.Equal(t, state.ResultError, slow.Status)
	assert.Equal(t, "timeout", slow.Payload["error"])
	assert.Equal(t, (50 * time.Millisecond).Seconds(), slow.Payload["timeout_seconds"])

	var kinds int
	for len(sub) > 0 {
		e := <-sub
		assert.Equal(t, events.KindSpecialistResult, e.Kind)
		kinds++
	}
	assert.Equal(t, 2, kinds)
}

func TestCancelledParentIsNotBatchTimeout(t *testing.T) {
	started := make(chan struct{}, 2)
	inv := &funcInvoker{fn: func(ctx context.Context, _ string, _ any) (json.RawMessage, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	d := NewDispatcher(Config{
		Invoker:            inv,
		BatchPerSpecialist: time.Minute,
		BatchCeiling:       time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		<-started
		cancel()
	}()
	results := d.CallSpecialists(ctx, []Request{{Name: "mood"}, {Name: "risk"}}, Options{})

	require.Len(t, results, 2)
	for name, res := range results {
		assert.Equal(t, state.ResultError, res.Status, name)
		assert.Equal(t, context.Canceled.Error(), res.Payload["error"], name)
		assert.NotContains(t, res.Payload, "timeout_seconds", name)
	}
}

func TestExpiredParentDeadlineIsNotBatchTimeout(t *testing.T) {
	inv := &funcInvoker{fn: func(ctx context.Context, _ string, _ any) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	d := NewDispatcher(Config{
		Invoker:            inv,
		BatchPerSpecialist: time.Minute,
		BatchCeiling:       time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	results := d.CallSpecialists(ctx, []Request{{Name: "mood"}}, Options{})

	require.Len(t, results, 1)
	assert.Equal(t, context.DeadlineExceeded.Error(), results["mood"].Payload["error"])
	assert.NotContains(t, results["mood"].Payload, "timeout_seconds")
}

func TestPerSpecialistTimeout(t *testing.T) {
	inv := &funcInvoker{fn: func(ctx context.Context, _ string, _ any) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, &caller.Error{Kind: caller.KindTransient, Status: http.StatusGatewayTimeout, Err: ctx.Err()}
	}}
	d := NewDispatcher(Config{Invoker: inv, PerSpecialist: 10 * time.Millisecond})

	results := d.CallSpecialists(context.Background(), []Request{{Name: "slow"}}, Options{})
	require.Contains(t, results, "slow")
	assert.Equal(t, state.ResultError, results["slow"].Status)
	assert.Equal(t, http.StatusGatewayTimeout, results["slow"].Payload["status_code"],
		"per-specialist deadline is an ordinary failure, not a batch placeholder")
}

func TestPresuppliedExcludedFromDispatch(t *testing.T) {
	inv := &funcInvoker{fn: func(context.Context, string, any) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}}
	d := NewDispatcher(Config{Invoker: inv})

	supplied := state.AgentResult{AgentName: "mood", Status: state.ResultPartial, MessageToUser: "from client"}
	var callbacks atomic.Int32
	results := d.CallSpecialists(context.Background(), []Request{
		{Name: "mood"},
		{Name: "anxiety"},
		{Name: "anxiety"},
	}, Options{
		Presupplied: map[string]state.AgentResult{"mood": supplied},
		OnResult:    func(string, state.AgentResult, map[string]state.AgentResult) { callbacks.Add(1) },
	})

	assert.Equal(t, []string{"anxiety"}, inv.called())
	assert.Equal(t, supplied, results["mood"])
	assert.Equal(t, state.ResultSuccess, results["anxiety"].Status)
	assert.EqualValues(t, 1, callbacks.Load(), "presupplied results are not arrivals")
}

func TestAllPresuppliedMakesNoCalls(t *testing.T) {
	inv := &funcInvoker{fn: func(context.Context, string, any) (json.RawMessage, error) {
		t.Fatal("no call expected")
		return nil, nil
	}}
	d := NewDispatcher(Config{Invoker: inv})
	pre := map[string]state.AgentResult{"a": {AgentName: "a"}}
	results := d.CallSpecialists(context.Background(), []Request{{Name: "a"}}, Options{Presupplied: pre})
	assert.Equal(t, pre, results)
}

func TestBatchTimeout(t *testing.T) {
	d := NewDispatcher(Config{})
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{3, 90 * time.Second},
		{4, 120 * time.Second},
		{10, 120 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, d.BatchTimeout(tt.n), "n=%d", tt.n)
	}
}

func TestParseResult(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	r := ParseResult("a", []byte(`{"status":"partial","response":"half"}`), now)
	assert.Equal(t, state.ResultPartial, r.Status)
	assert.Equal(t, "half", r.MessageToUser)
	assert.Equal(t, now, r.Timestamp)

	r = ParseResult("a", []byte(`{"status":"weird"}`), now)
	assert.Equal(t, state.ResultSuccess, r.Status)

	r = ParseResult("a", []byte(`not json`), now)
	assert.Equal(t, state.ResultPartial, r.Status)
	assert.Equal(t, "not json", r.Payload["raw"])
}

func TestCallWavesPassesPriorResults(t *testing.T) {
	reg, err := registry.New([]config.AgentConfig{
		{Name: "mood", URL: "http://mood", Type: config.AgentTypeSync},
		{Name: "risk", URL: "http://risk", Type: config.AgentTypeSync, DependsOn: []string{"mood"}},
	})
	require.NoError(t, err)

	inv := &funcInvoker{fn: func(_ context.Context, service string, payload any) (json.RawMessage, error) {
		if service == "risk" {
			prior := payload.(map[string]any)["prior"].(int)
			return json.RawMessage(`{"message_to_user":"prior=` + string(rune('0'+prior)) + `"}`), nil
		}
		return json.RawMessage(`{"message_to_user":"ok"}`), nil
	}}
	d := NewDispatcher(Config{Invoker: inv})

	results, err := d.CallWaves(context.Background(), reg, []string{"risk"},
		func(_ registry.Agent, prior map[string]state.AgentResult) any {
			return map[string]any{"prior": len(prior)}
		}, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"mood", "risk"}, inv.called())
	assert.Equal(t, "prior=1", results["risk"].MessageToUser)
	assert.Len(t, results, 2)
}

func TestCallWavesUnknownAgent(t *testing.T) {
	reg, err := registry.New(nil)
	require.NoError(t, err)
	d := NewDispatcher(Config{Invoker: &funcInvoker{}})
	_, err = d.CallWaves(context.Background(), reg, []string{"ghost"}, nil, Options{})
	assert.ErrorIs(t, err, registry.ErrUnknownAgent)
}
