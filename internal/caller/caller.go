// Package caller is the resilient JSON-over-HTTP client huddle uses for
// every downstream service: checkpoint generation, checklist
// evaluation, specialists, the primary responder, and the memory
// service.
//
// A call classifies each failure before deciding to retry. Payload
// rejections (4xx) are returned at once with their status intact;
// upstream 5xx and timeouts are retried with exponential backoff;
// connection failures get a single retry. When retries run out the
// failure is mapped to the status the orchestrator surfaces: 502 for
// an upstream error, 504 for a timeout, 503 for a refused connection.
package caller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/huddle/internal/cache"
	"github.com/nugget/huddle/internal/httpkit"
	"github.com/nugget/huddle/internal/timing"
)

// levelTrace matches config.LevelTrace; payload bodies log at this level.
const levelTrace = slog.Level(-8)

const (
	// DefaultMaxRetries is the retry budget for transient failures.
	DefaultMaxRetries = 3
	// DefaultBackoffBase is the first retry delay; it doubles per attempt.
	DefaultBackoffBase = 500 * time.Millisecond
	// DefaultTimeout applies to services without a timeout profile.
	DefaultTimeout = 30 * time.Second

	maxResponseBytes = 8 << 20
	maxDetailBytes   = 1024
)

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config configures a Caller.
type Config struct {
	// Client is the shared HTTP client. Its own Timeout should be zero;
	// per-call deadlines come from the timeout profiles.
	Client *http.Client

	// Timeouts maps a profile name to its read timeout.
	Timeouts map[string]time.Duration

	// MaxRetries bounds retries of transient failures. Zero means the
	// default (3); a negative value disables retries.
	MaxRetries int

	// BackoffBase is the first retry delay (default 500ms).
	BackoffBase time.Duration

	// Sleep replaces the backoff wait, for tests.
	Sleep SleepFunc

	// CheckpointURL and ChecklistURL are the generation and evaluation
	// endpoints used by GenerateCheckpoints and EvaluateCheckpoint.
	CheckpointURL string
	ChecklistURL  string

	// Cache stores checklist evaluations for EvaluationTTL. Optional.
	Cache         *cache.Manager
	EvaluationTTL time.Duration

	Logger *slog.Logger
}

// Caller performs classified, retried JSON RPCs. Safe for concurrent use.
type Caller struct {
	client        *http.Client
	timeouts      map[string]time.Duration
	maxRetries    int
	backoffBase   time.Duration
	sleep         SleepFunc
	checkpointURL string
	checklistURL  string
	cache         *cache.Manager
	evalTTL       time.Duration
	logger        *slog.Logger
}

// New creates a Caller from cfg, filling defaults.
func New(cfg Config) *Caller {
	if cfg.Client == nil {
		cfg.Client = httpkit.NewClient()
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = DefaultMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.EvaluationTTL <= 0 {
		cfg.EvaluationTTL = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	timeouts := make(map[string]time.Duration, len(cfg.Timeouts))
	for k, v := range cfg.Timeouts {
		timeouts[k] = v
	}
	return &Caller{
		client:        cfg.Client,
		timeouts:      timeouts,
		maxRetries:    cfg.MaxRetries,
		backoffBase:   cfg.BackoffBase,
		sleep:         cfg.Sleep,
		checkpointURL: cfg.CheckpointURL,
		checklistURL:  cfg.ChecklistURL,
		cache:         cfg.Cache,
		evalTTL:       cfg.EvaluationTTL,
		logger:        cfg.Logger.With("component", "caller"),
	}
}

// CallOption adjusts a single call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout    time.Duration
	profile    string
	maxRetries int
	metrics    *timing.Metrics
	span       string
}

// WithTimeout overrides the read timeout for this call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithProfile selects a timeout profile other than the service name,
// e.g. "specialist" for any specialist service.
func WithProfile(name string) CallOption {
	return func(o *callOptions) { o.profile = name }
}

// WithMaxRetries overrides the retry budget for this call. Zero disables
// every retry, including the single retry of a failed connection.
func WithMaxRetries(n int) CallOption {
	return func(o *callOptions) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithMetrics records the call's wall time as a span on m, named after
// the service unless WithSpan says otherwise.
func WithMetrics(m *timing.Metrics) CallOption {
	return func(o *callOptions) { o.metrics = m }
}

// WithSpan names the timing span recorded by WithMetrics.
func WithSpan(name string) CallOption {
	return func(o *callOptions) { o.span = name }
}

// Timeout returns the read timeout configured for profile.
func (c *Caller) Timeout(profile string) time.Duration {
	if d, ok := c.timeouts[profile]; ok && d > 0 {
		return d
	}
	return DefaultTimeout
}

func (c *Caller) options(service string, opts []CallOption) callOptions {
	o := callOptions{maxRetries: c.maxRetries, span: service}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		profile := o.profile
		if profile == "" {
			profile = service
		}
		o.timeout = c.Timeout(profile)
	}
	return o
}

// Call POSTs payload as JSON to url and returns the raw JSON response.
// service names the downstream in logs, errors, and timing spans. Every
// failure is an *Error.
func (c *Caller) Call(ctx context.Context, url string, payload any, service string, opts ...CallOption) (json.RawMessage, error) {
	o := c.options(service, opts)
	if o.metrics != nil {
		defer o.metrics.Track(o.span)()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Service: service,
			Detail: "encode request payload", Err: err}
	}
	c.logger.Log(ctx, levelTrace, "request payload", "service", service, "json", string(body))

	connRetried := false
	for attempt := 0; ; attempt++ {
		start := time.Now()
		status, respBody, err := c.attempt(ctx, url, body, o.timeout)

		if err == nil && status >= 200 && status < 300 {
			return c.success(ctx, service, respBody, attempt, time.Since(start))
		}

		var (
			final     *Error
			retryable bool
		)
		switch {
		case err == nil && status >= 400 && status < 500:
			final = &Error{Kind: KindClientPayload, Status: status, Upstream: status, Detail: clientDetail(status, respBody)}
		case err == nil:
			final = &Error{Kind: KindTransient, Status: http.StatusBadGateway, Upstream: status,
				Detail: fmt.Sprintf("upstream returned HTTP %d: %s", status, truncate(respBody))}
			retryable = status >= 500 && attempt < o.maxRetries
		default:
			switch classify(ctx, err) {
			case failTimeout:
				final = &Error{Kind: KindTransient, Status: http.StatusGatewayTimeout,
					Detail: fmt.Sprintf("no response within read timeout of %s", o.timeout)}
				retryable = attempt < o.maxRetries
			case failConnection:
				final = &Error{Kind: KindTransient, Status: http.StatusServiceUnavailable, Detail: "connection failed"}
				retryable = !connRetried && o.maxRetries > 0
				connRetried = true
			case failCanceled:
				final = canceledError(ctx)
			default:
				final = &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Detail: "request failed"}
			}
			final.Err = err
		}
		final.Service = service
		final.Attempts = attempt + 1

		if !retryable {
			c.logger.Warn("service call failed",
				"service", service,
				"status", final.Status,
				"upstream_status", final.Upstream,
				"kind", final.Kind.String(),
				"attempts", final.Attempts,
				"error", final.Error(),
			)
			return nil, final
		}

		delay := c.backoffBase << attempt
		c.logger.Warn("service call failed, retrying",
			"service", service,
			"attempt", attempt+1,
			"max_retries", o.maxRetries,
			"next_delay", delay.String(),
			"error", final.Error(),
		)
		if err := c.sleep(ctx, delay); err != nil {
			ce := canceledError(ctx)
			ce.Service, ce.Attempts, ce.Err = service, attempt+1, err
			return nil, ce
		}
	}
}

// CallJSON is Call followed by decoding the response into out.
func (c *Caller) CallJSON(ctx context.Context, url string, payload any, service string, out any, opts ...CallOption) error {
	raw, err := c.Call(ctx, url, payload, service, opts...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Service: service,
			Detail: "decode response", Err: err}
	}
	return nil
}

func (c *Caller) success(ctx context.Context, service string, body []byte, attempt int, elapsed time.Duration) (json.RawMessage, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		return nil, &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Service: service,
			Attempts: attempt + 1, Detail: "response is not valid JSON: " + truncate(body)}
	}
	if attempt > 0 {
		c.logger.Info("service call succeeded after retry", "service", service, "attempts", attempt+1)
	}
	c.logger.Debug("service call complete", "service", service, "elapsed", elapsed.String(), "bytes", len(body))
	c.logger.Log(ctx, levelTrace, "response payload", "service", service, "json", string(body))
	return body, nil
}

// attempt performs one POST under its own read timeout. The body is read
// before the timeout context is released.
func (c *Caller) attempt(ctx context.Context, url string, body []byte, timeout time.Duration) (int, []byte, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

type failure int

const (
	failOther failure = iota
	failTimeout
	failConnection
	failCanceled
)

// classify sorts a transport error. The caller's own context ending is
// checked first so a cancelled turn is never retried.
func classify(ctx context.Context, err error) failure {
	if ctx.Err() != nil {
		return failCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failTimeout
	}
	if isConnectionError(err) {
		return failConnection
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return failTimeout
	}
	return failOther
}

// isConnectionError reports dial-level failures where no bytes reached
// the server. ECONNRESET is excluded; the request may have been
// processed.
func isConnectionError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
			return true
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func canceledError(ctx context.Context) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTransient, Status: http.StatusGatewayTimeout, Detail: "request deadline exceeded"}
	}
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Detail: "request cancelled"}
}

// clientDetail renders a 4xx body. A JSON "detail" field is preferred:
// either a string or a list of {loc, msg} validation items.
func clientDetail(status int, body []byte) string {
	prefix := fmt.Sprintf("rejected with HTTP %d", status)
	if status == http.StatusUnprocessableEntity {
		prefix = "payload validation failed"
	}
	detail := extractDetail(body)
	if detail == "" {
		return prefix
	}
	return prefix + ": " + detail
}

func extractDetail(body []byte) string {
	var env struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &env); err != nil || len(env.Detail) == 0 {
		return truncate(body)
	}

	var s string
	if json.Unmarshal(env.Detail, &s) == nil {
		return s
	}

	var items []struct {
		Loc []any  `json:"loc"`
		Msg string `json:"msg"`
	}
	if json.Unmarshal(env.Detail, &items) == nil && len(items) > 0 {
		parts := make([]string, 0, len(items))
		for _, it := range items {
			loc := make([]string, 0, len(it.Loc))
			for _, l := range it.Loc {
				loc = append(loc, fmt.Sprint(l))
			}
			if len(loc) == 0 {
				parts = append(parts, it.Msg)
				continue
			}
			parts = append(parts, strings.Join(loc, ".")+": "+it.Msg)
		}
		return strings.Join(parts, "; ")
	}

	return truncate(env.Detail)
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxDetailBytes {
		return s[:maxDetailBytes] + "..."
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
