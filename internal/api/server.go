// Package api implements the orchestrator's HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/huddle/internal/buildinfo"
	"github.com/nugget/huddle/internal/cache"
	"github.com/nugget/huddle/internal/caller"
	"github.com/nugget/huddle/internal/connwatch"
	"github.com/nugget/huddle/internal/httpkit"
	"github.com/nugget/huddle/internal/ledger"
	"github.com/nugget/huddle/internal/orchestrator"
	"github.com/nugget/huddle/internal/registry"
	"github.com/nugget/huddle/internal/supervisor"
)

// maxBodyBytes bounds an inbound turn request.
const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Orchestrator runs one turn. *orchestrator.Orchestrator satisfies it.
type Orchestrator interface {
	Handle(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error)
}

// Server is the HTTP API server.
type Server struct {
	address    string
	port       int
	orch       Orchestrator
	cache      *cache.Manager
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	ledger     *ledger.Store
	watchers   *connwatch.Manager
	logger     *slog.Logger
	server     *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, orch Orchestrator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		orch:    orch,
		logger:  logger.With("component", "api"),
	}
}

// SetCache configures the cache reported by /health and /v1/cache/stats.
func (s *Server) SetCache(c *cache.Manager) { s.cache = c }

// SetRegistry configures the agent registry for /v1/agents.
func (s *Server) SetRegistry(r *registry.Registry) { s.registry = r }

// SetSupervisor configures the background supervisor for its stats endpoint.
func (s *Server) SetSupervisor(sv *supervisor.Supervisor) { s.supervisor = sv }

// SetLedger configures the turn ledger for the summary endpoints.
func (s *Server) SetLedger(l *ledger.Store) { s.ledger = l }

// SetWatchers configures the dependency watchers reported by /health.
func (s *Server) SetWatchers(m *connwatch.Manager) { s.watchers = m }

// Handler builds the routed handler, wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/orchestrate", s.handleOrchestrate)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	mux.HandleFunc("GET /v1/agents", s.handleAgents)
	mux.HandleFunc("GET /v1/cache/stats", s.handleCacheStats)
	mux.HandleFunc("GET /v1/supervisor/stats", s.handleSupervisorStats)

	mux.HandleFunc("GET /v1/turns/summary", s.handleTurnSummary)
	mux.HandleFunc("GET /v1/conversations/{id}/turns", s.handleConversationTurns)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown. In-flight turns are not tied to ctx so that Shutdown
// can let them finish.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// A turn may wait on a full specialist batch plus the routed call.
		WriteTimeout: 5 * time.Minute,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if r.URL.Path == "/health" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// errorBody is the shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Service string `json:"service,omitempty"`
	// UpstreamStatus is the downstream's own status when it differs
	// from Code.
	UpstreamStatus int `json:"upstream_status,omitempty"`
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, errorBody{Error: errorDetail{Message: message, Type: errType, Code: code}}, s.logger)
}

// writeError maps err to a response. *caller.Error statuses are kept;
// anything else is a 500 carrying the original message.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	detail := errorDetail{
		Message: err.Error(),
		Type:    caller.KindInternal.String(),
		Code:    http.StatusInternalServerError,
	}
	var ce *caller.Error
	if errors.As(err, &ce) {
		detail.Type = ce.Kind.String()
		detail.Code = caller.StatusOf(err)
		detail.Service = ce.Service
		if ce.Upstream != 0 && ce.Upstream != detail.Code {
			detail.UpstreamStatus = ce.Upstream
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(detail.Code)
	writeJSON(w, errorBody{Error: detail}, s.logger)
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "orchestrator not configured")
		return
	}

	var req orchestrator.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, caller.KindClientPayload.String(), "invalid JSON: "+err.Error())
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get(httpkit.RequestIDHeader)
	}

	resp, err := s.handle(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(httpkit.RequestIDHeader, resp.RequestID)
	if resp.ServerTiming != "" {
		w.Header().Set("Server-Timing", resp.ServerTiming)
	}
	writeJSON(w, resp, s.logger)
}

// handle runs the turn, converting a panic into a 500.
func (s *Server) handle(ctx context.Context, req orchestrator.Request) (resp *orchestrator.Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("turn panicked", "conversation_id", req.ConversationID, "panic", p)
			resp, err = nil, fmt.Errorf("internal error: %v", p)
		}
	}()
	return s.orch.Handle(ctx, req)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Huddle",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// healthResponse reports overall status plus each watched dependency.
// A degraded cache or unready dependency makes the service "degraded",
// not unhealthy: turns are still served.
type healthResponse struct {
	Status   string                              `json:"status"`
	Version  string                              `json:"version"`
	Uptime   string                              `json:"uptime"`
	Cache    *cacheHealth                        `json:"cache,omitempty"`
	Services map[string]connwatch.ServiceStatus `json:"services,omitempty"`
}

type cacheHealth struct {
	RemoteEnabled   bool   `json:"remote_enabled"`
	RemoteAvailable bool   `json:"remote_available"`
	Degraded        bool   `json:"degraded"`
	LastError       string `json:"last_error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "healthy",
		Version: buildinfo.Version,
		Uptime:  buildinfo.Uptime().String(),
	}
	if s.cache != nil {
		st := s.cache.Stats()
		resp.Cache = &cacheHealth{
			RemoteEnabled:   st.RemoteEnabled,
			RemoteAvailable: st.RemoteAvailable,
			Degraded:        st.Degraded,
			LastError:       st.LastError,
		}
		if st.Degraded {
			resp.Status = "degraded"
		}
	}
	if s.watchers != nil {
		resp.Services = s.watchers.Status()
		for _, st := range resp.Services {
			if !st.Ready {
				resp.Status = "degraded"
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "registry not configured")
		return
	}
	agents := s.registry.All()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":  len(agents),
		"agents": agents,
	}, s.logger)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "cache not configured")
		return
	}
	st := s.cache.Stats()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, struct {
		cache.Stats
		HitRatio float64 `json:"hit_ratio"`
	}{st, st.HitRatio()}, s.logger)
}

func (s *Server) handleSupervisorStats(w http.ResponseWriter, r *http.Request) {
	if s.supervisor == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "supervisor not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.supervisor.Stats(), s.logger)
}

// parseWindow reads ?hours= (default 24, capped at 90 days) and returns
// the [start, end) window ending now.
func parseWindow(r *http.Request) (time.Time, time.Time, error) {
	hours := 24
	if h := r.URL.Query().Get("hours"); h != "" {
		n, err := strconv.Atoi(h)
		if err != nil || n <= 0 {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid hours %q", h)
		}
		hours = min(n, 90*24)
	}
	end := time.Now()
	return end.Add(-time.Duration(hours) * time.Hour), end, nil
}

func (s *Server) handleTurnSummary(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "turn ledger not enabled")
		return
	}
	start, end, err := parseWindow(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, caller.KindClientPayload.String(), err.Error())
		return
	}

	ctx := r.Context()
	total, err := s.ledger.Summary(ctx, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	byService, err := s.ledger.SummaryByService(ctx, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	byOutcome, err := s.ledger.SummaryByOutcome(ctx, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"start":      start.UTC().Format(time.RFC3339),
		"end":        end.UTC().Format(time.RFC3339),
		"total":      total,
		"by_service": byService,
		"by_outcome": byOutcome,
	}, s.logger)
}

func (s *Server) handleConversationTurns(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "turn ledger not enabled")
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	turns, err := s.ledger.Conversation(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count": len(turns),
		"turns": turns,
	}, s.logger)
}
