package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/huddle/internal/cache"
	"github.com/nugget/huddle/internal/caller"
	"github.com/nugget/huddle/internal/config"
	"github.com/nugget/huddle/internal/ledger"
	"github.com/nugget/huddle/internal/orchestrator"
	"github.com/nugget/huddle/internal/registry"
	"github.com/nugget/huddle/internal/supervisor"
)

type orchestratorFunc func(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error)

func (f orchestratorFunc) Handle(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error) {
	return f(ctx, req)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestServer(orch Orchestrator) *Server {
	return NewServer("", 0, orch, quiet())
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body), "decode error body")
	return body.Error
}

// decodeJSON decodes the recorded response body into out.
func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
}

func TestOrchestrate_Success(t *testing.T) {
	var got orchestrator.Request
	s := newTestServer(orchestratorFunc(func(_ context.Context, req orchestrator.Request) (*orchestrator.Response, error) {
		got = req
		return &orchestrator.Response{
			Response:       "I'm here with you.",
			RequestID:      "req-1",
			ConversationID: req.ConversationID,
			Service:        "loneliness",
			ServerTiming:   "route_loneliness;dur=12.0, total;dur=20.0",
		}, nil
	}))

	rec := do(t, s.Handler(), http.MethodPost, "/v1/orchestrate",
		`{"text":"I feel anxious about work","conversation_id":"c1","detected_agent":"loneliness","services":["mood"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "I feel anxious about work", got.Text)
	assert.Equal(t, "loneliness", got.DetectedAgent)
	assert.Equal(t, []string{"mood"}, got.Services)
	assert.Contains(t, rec.Header().Get("Server-Timing"), "total;dur=")
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))

	var body map[string]any
	decodeJSON(t, rec, &body)
	assert.Equal(t, "I'm here with you.", body["response"])
	assert.NotContains(t, body, "ServerTiming", "timing stays in the header")
}

func TestOrchestrate_RequestIDHeader(t *testing.T) {
	var got string
	s := newTestServer(orchestratorFunc(func(_ context.Context, req orchestrator.Request) (*orchestrator.Response, error) {
		got = req.RequestID
		return &orchestrator.Response{RequestID: req.RequestID}, nil
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/orchestrate", strings.NewReader(`{"text":"hi","conversation_id":"c"}`))
	req.Header.Set("X-Request-ID", "from-header")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "from-header", got)
}

func TestOrchestrate_Errors(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		body         string
		wantCode     int
		wantType     string
		wantService  string
		wantUpstream int
		wantInMsg    string
	}{
		{
			name:      "invalid json",
			body:      `{"text":`,
			wantCode:  http.StatusBadRequest,
			wantType:  "client_payload",
			wantInMsg: "invalid JSON",
		},
		{
			name:        "validation detail kept",
			err:         &caller.Error{Kind: caller.KindClientPayload, Status: 422, Upstream: 422, Service: "primary", Detail: "text: field required"},
			wantCode:    http.StatusUnprocessableEntity,
			wantType:    "client_payload",
			wantService: "primary",
			wantInMsg:   "text: field required",
		},
		{
			name:         "upstream 5xx becomes 502",
			err:          &caller.Error{Kind: caller.KindTransient, Status: 502, Upstream: 503, Service: "checklist", Detail: "upstream returned HTTP 503"},
			wantCode:     http.StatusBadGateway,
			wantType:     "transient",
			wantService:  "checklist",
			wantUpstream: 503,
		},
		{
			name:      "unexpected error is 500 with message",
			err:       errors.New("boom"),
			wantCode:  http.StatusInternalServerError,
			wantType:  "internal",
			wantInMsg: "boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(orchestratorFunc(func(context.Context, orchestrator.Request) (*orchestrator.Response, error) {
				return nil, tt.err
			}))
			body := tt.body
			if body == "" {
				body = `{"text":"hi","conversation_id":"c"}`
			}
			rec := do(t, s.Handler(), http.MethodPost, "/v1/orchestrate", body)
			require.Equal(t, tt.wantCode, rec.Code)

			got := decodeError(t, rec)
			assert.Equal(t, tt.wantType, got.Type)
			assert.Equal(t, tt.wantCode, got.Code)
			assert.Equal(t, tt.wantService, got.Service)
			assert.Equal(t, tt.wantUpstream, got.UpstreamStatus)
			assert.Contains(t, got.Message, tt.wantInMsg)
		})
	}
}

func TestOrchestrate_PanicIs500(t *testing.T) {
	s := newTestServer(orchestratorFunc(func(context.Context, orchestrator.Request) (*orchestrator.Response, error) {
		panic("nil map")
	}))
	rec := do(t, s.Handler(), http.MethodPost, "/v1/orchestrate", `{"text":"hi","conversation_id":"c"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "nil map")
}

func TestOrchestrate_MethodNotAllowed(t *testing.T) {
	s := newTestServer(nil)
	rec := do(t, s.Handler(), http.MethodGet, "/v1/orchestrate", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(nil)
	s.SetCache(cache.New(cache.Config{Logger: quiet()}))

	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	decodeJSON(t, rec, &body)
	assert.Equal(t, "healthy", body.Status)
	require.NotNil(t, body.Cache)
	assert.False(t, body.Cache.RemoteEnabled, "local-only cache")
}

func TestCacheStats(t *testing.T) {
	c := cache.New(cache.Config{Logger: quiet()})
	ctx := context.Background()
	c.Set(ctx, "k", []byte("v"), time.Minute)
	c.Get(ctx, "k")
	c.Get(ctx, "missing")

	s := newTestServer(nil)
	s.SetCache(c)
	rec := do(t, s.Handler(), http.MethodGet, "/v1/cache/stats", "")

	var body map[string]any
	decodeJSON(t, rec, &body)
	assert.Equal(t, 0.5, body["hit_ratio"])
	assert.Equal(t, float64(1), body["local_hits"])
}

func TestAgents(t *testing.T) {
	reg, err := registry.New([]config.AgentConfig{
		{Name: "mood", URL: "http://mood", Type: config.AgentTypeSync},
		{Name: "journal", URL: "http://journal", Type: config.AgentTypeAsync},
	})
	require.NoError(t, err)
	s := newTestServer(nil)
	s.SetRegistry(reg)

	rec := do(t, s.Handler(), http.MethodGet, "/v1/agents", "")
	var body struct {
		Count  int              `json:"count"`
		Agents []registry.Agent `json:"agents"`
	}
	decodeJSON(t, rec, &body)
	assert.Equal(t, 2, body.Count)
	require.NotEmpty(t, body.Agents)
	assert.Equal(t, "journal", body.Agents[0].Name)
}

func TestUnconfiguredEndpoints(t *testing.T) {
	s := newTestServer(nil)
	for _, path := range []string{"/v1/agents", "/v1/cache/stats", "/v1/supervisor/stats", "/v1/turns/summary", "/v1/conversations/c/turns"} {
		rec := do(t, s.Handler(), http.MethodGet, path, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestSupervisorStats(t *testing.T) {
	sv := supervisor.New(supervisor.Config{Workers: 2, QueueSize: 8, Logger: quiet()})
	t.Cleanup(func() { sv.Shutdown(context.Background()) })

	s := newTestServer(nil)
	s.SetSupervisor(sv)
	rec := do(t, s.Handler(), http.MethodGet, "/v1/supervisor/stats", "")

	var st supervisor.Stats
	decodeJSON(t, rec, &st)
	assert.Equal(t, 2, st.Workers)
	assert.Equal(t, 8, st.Capacity)
}

func testLedger(t *testing.T) *ledger.Store {
	t.Helper()
	l, err := ledger.NewStore(filepath.Join(t.TempDir(), "turns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	ts := time.Now().Add(-time.Minute)
	for _, rec := range []ledger.Record{
		{Timestamp: ts, RequestID: "r1", ConversationID: "c1", Service: "loneliness", Status: 200, ElapsedMS: 100},
		{Timestamp: ts, RequestID: "r2", ConversationID: "c1", Service: "primary", Status: 502, ElapsedMS: 300},
		{Timestamp: ts.Add(-48 * time.Hour), RequestID: "old", ConversationID: "c2", Service: "primary", Status: 200},
	} {
		require.NoError(t, l.Record(context.Background(), rec))
	}
	return l
}

func TestTurnSummary(t *testing.T) {
	s := newTestServer(nil)
	s.SetLedger(testLedger(t))

	rec := do(t, s.Handler(), http.MethodGet, "/v1/turns/summary?hours=1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Total     ledger.Summary            `json:"total"`
		ByService map[string]ledger.Summary `json:"by_service"`
		ByOutcome map[string]ledger.Summary `json:"by_outcome"`
	}
	decodeJSON(t, rec, &body)
	assert.Equal(t, 2, body.Total.TotalTurns)
	assert.Equal(t, 1, body.Total.FailedTurns)
	assert.Equal(t, 1, body.ByService["loneliness"].TotalTurns)
	assert.Equal(t, 1, body.ByOutcome["upstream_error"].TotalTurns)

	rec = do(t, s.Handler(), http.MethodGet, "/v1/turns/summary?hours=72", "")
	body.Total = ledger.Summary{}
	decodeJSON(t, rec, &body)
	assert.Equal(t, 3, body.Total.TotalTurns, "72h window")
}

func TestTurnSummary_InvalidHours(t *testing.T) {
	s := newTestServer(nil)
	s.SetLedger(testLedger(t))
	for _, q := range []string{"abc", "0", "-3"} {
		rec := do(t, s.Handler(), http.MethodGet, "/v1/turns/summary?hours="+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "hours=%s", q)
	}
}

func TestConversationTurns(t *testing.T) {
	s := newTestServer(nil)
	s.SetLedger(testLedger(t))

	rec := do(t, s.Handler(), http.MethodGet, "/v1/conversations/c1/turns?limit=1", "")
	var body struct {
		Count int             `json:"count"`
		Turns []ledger.Record `json:"turns"`
	}
	decodeJSON(t, rec, &body)
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Turns, 1)
	assert.Equal(t, "c1", body.Turns[0].ConversationID)
}

func TestRootAndVersion(t *testing.T) {
	s := newTestServer(nil)
	for _, path := range []string{"/", "/v1/version"} {
		rec := do(t, s.Handler(), http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)

		var body map[string]string
		decodeJSON(t, rec, &body)
		assert.NotEmpty(t, body["version"], path)
	}
}
