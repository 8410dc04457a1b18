// Package memoryclient is a typed client for the remote Memory service,
// the durable store behind conversation state. Writes go through the
// resilient caller; the state fetch on the request path is a single
// short-timeout GET because any failure there falls back to a fresh
// conversation.
package memoryclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/huddle/internal/caller"
	"github.com/nugget/huddle/internal/httpkit"
)

// ServiceName is the caller service name and timeout profile.
const ServiceName = "memory"

// ErrNotFound is returned by FetchState when the service has no record
// of the conversation.
var ErrNotFound = errors.New("conversation not found")

// Config configures a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Caller     *caller.Caller

	FetchTimeout    time.Duration // default 2s
	SemanticTimeout time.Duration // default 3s
	SaveTimeout     time.Duration // default 10s

	Logger *slog.Logger
}

// Client talks to the Memory service.
type Client struct {
	baseURL         string
	http            *http.Client
	caller          *caller.Caller
	fetchTimeout    time.Duration
	semanticTimeout time.Duration
	saveTimeout     time.Duration
	logger          *slog.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpkit.NewClient()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Caller == nil {
		cfg.Caller = caller.New(caller.Config{Client: cfg.HTTPClient, Logger: cfg.Logger})
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 2 * time.Second
	}
	if cfg.SemanticTimeout <= 0 {
		cfg.SemanticTimeout = 3 * time.Second
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 10 * time.Second
	}
	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		http:            cfg.HTTPClient,
		caller:          cfg.Caller,
		fetchTimeout:    cfg.FetchTimeout,
		semanticTimeout: cfg.SemanticTimeout,
		saveTimeout:     cfg.SaveTimeout,
		logger:          cfg.Logger.With("component", "memoryclient"),
	}
}

// FetchState returns the stored state document for conversationID. The
// service may answer with the state itself or wrapped as {"state": ...};
// both are accepted. A 404 or an empty/null document is ErrNotFound.
func (c *Client) FetchState(ctx context.Context, conversationID string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	endpoint := c.baseURL + "/conversation/" + url.PathEscape(conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch conversation %s: %w", conversationID, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("fetch conversation %s: memory service error %d: %s", conversationID, resp.StatusCode, body)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read conversation %s: %w", conversationID, err)
	}
	return unwrapState(raw)
}

func unwrapState(raw []byte) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "{}" {
		return nil, ErrNotFound
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	if inner, ok := env["state"]; ok && len(env) <= 2 {
		if s := strings.TrimSpace(string(inner)); s == "null" || s == "{}" {
			return nil, ErrNotFound
		}
		return inner, nil
	}
	return raw, nil
}

type saveRequest struct {
	ConversationID string `json:"conversation_id"`
	State          any    `json:"state"`
}

// SaveState writes the full state document. Errors are *caller.Error,
// so a 422 validation rejection can be recognized and retried by the
// caller with a repaired document.
func (c *Client) SaveState(ctx context.Context, conversationID string, state any) error {
	_, err := c.caller.Call(ctx, c.baseURL+"/conversation/state",
		saveRequest{ConversationID: conversationID, State: state},
		ServiceName,
		caller.WithTimeout(c.saveTimeout),
		caller.WithSpan("memory_save"),
	)
	return err
}

// Turn is one query/response exchange appended to the remote history.
type Turn struct {
	ConversationID string    `json:"conversation_id"`
	IndividualID   string    `json:"individual_id,omitempty"`
	Query          string    `json:"query"`
	Response       string    `json:"response"`
	Plan           string    `json:"plan,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// AppendTurn records a turn in the remote conversation history.
func (c *Client) AppendTurn(ctx context.Context, t Turn) error {
	_, err := c.caller.Call(ctx, c.baseURL+"/conversation/update", t, ServiceName,
		caller.WithTimeout(c.saveTimeout),
		caller.WithSpan("memory_update"),
	)
	return err
}

// SemanticRequest asks for turns relevant to Text.
type SemanticRequest struct {
	ConversationID string `json:"conversation_id"`
	IndividualID   string `json:"individual_id,omitempty"`
	Text           string `json:"text"`
	Limit          int    `json:"limit,omitempty"`
}

// ContextEntry is one retrieved turn.
type ContextEntry struct {
	Query     string    `json:"query"`
	Response  string    `json:"response"`
	Score     float64   `json:"score,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// SemanticContext runs a semantic search over the conversation history.
// It is bounded by its own timeout and not retried; callers fall back to
// the recent window on any error.
func (c *Client) SemanticContext(ctx context.Context, req SemanticRequest) ([]ContextEntry, error) {
	var resp struct {
		Context []ContextEntry `json:"context"`
	}
	err := c.caller.CallJSON(ctx, c.baseURL+"/get_semantic_context", req, ServiceName, &resp,
		caller.WithTimeout(c.semanticTimeout),
		caller.WithMaxRetries(0),
		caller.WithSpan("memory_semantic"),
	)
	if err != nil {
		return nil, err
	}
	return resp.Context, nil
}

// Ping reports whether the Memory service answers HTTP at all. Any
// response below 500 counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("memory service returned %d", resp.StatusCode)
	}
	return nil
}
