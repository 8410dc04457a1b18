// Package httpkit provides the shared HTTP client used for every outbound
// call Huddle makes: downstream specialists, the checkpoint and checklist
// services, and the Memory service. One client (and therefore one
// connection pool) is shared process-wide so that concurrent turns reuse
// keep-alive connections instead of dialing per request.
//
// Retry policy deliberately does not live here. The caller package owns
// classification-aware retries; a transport-level retry underneath it would
// multiply attempts.
package httpkit

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/nugget/huddle/internal/buildinfo"
)

// Default timeouts and connection pool limits for the shared transport.
const (
	// DefaultDialTimeout is the maximum time to establish a TCP connection.
	DefaultDialTimeout = 5 * time.Second

	// DefaultKeepAlive is the interval between TCP keep-alive probes.
	DefaultKeepAlive = 30 * time.Second

	// DefaultTLSHandshakeTimeout is the maximum time for the TLS handshake.
	DefaultTLSHandshakeTimeout = 10 * time.Second

	// DefaultIdleConnTimeout is how long idle connections stay in the pool.
	DefaultIdleConnTimeout = 90 * time.Second

	// DefaultMaxIdleConns is the total number of idle (keep-alive)
	// connections across all hosts.
	DefaultMaxIdleConns = 20

	// DefaultMaxIdleConnsPerHost is the per-host idle connection limit.
	DefaultMaxIdleConnsPerHost = 10

	// DefaultMaxConnsPerHost caps concurrent connections to one downstream.
	DefaultMaxConnsPerHost = 100
)

// ClientOption configures a Client built by NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout               time.Duration
	userAgent             string
	skipUserAgent         bool
	transport             *http.Transport
	maxConnsPerHost       int
	maxIdleConns          int
	tlsInsecureSkipVerify bool
}

// WithTimeout sets the overall request timeout on the http.Client.
// A zero value disables it; per-call deadlines then come from the
// request context, which is how the caller package applies timeout
// profiles.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *clientConfig) { c.userAgent = ua }
}

// WithoutUserAgent stops the client from setting User-Agent. Request
// ids are still propagated.
func WithoutUserAgent() ClientOption {
	return func(c *clientConfig) { c.skipUserAgent = true }
}

// WithTransport overrides the default shared transport.
func WithTransport(t *http.Transport) ClientOption {
	return func(c *clientConfig) { c.transport = t }
}

// WithConnectionLimits sets the pool limits. Zero values keep defaults.
func WithConnectionLimits(maxConnsPerHost, maxIdleConns int) ClientOption {
	return func(c *clientConfig) {
		c.maxConnsPerHost = maxConnsPerHost
		c.maxIdleConns = maxIdleConns
	}
}

// WithTLSInsecureSkipVerify skips TLS certificate verification.
// Use only for local/development targets.
func WithTLSInsecureSkipVerify() ClientOption {
	return func(c *clientConfig) { c.tlsInsecureSkipVerify = true }
}

// NewTransport creates an http.Transport with sensible defaults.
// ResponseHeaderTimeout is left unset: read timeouts are per service and
// enforced through request contexts.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout: DefaultTLSHandshakeTimeout,
		IdleConnTimeout:     DefaultIdleConnTimeout,
		MaxIdleConns:        DefaultMaxIdleConns,
		MaxIdleConnsPerHost: DefaultMaxIdleConnsPerHost,
		MaxConnsPerHost:     DefaultMaxConnsPerHost,
		ForceAttemptHTTP2:   true,
	}
}

// NewClient builds an *http.Client on the shared transport. Requests
// carry a Huddle User-Agent and, when the context has one, the turn's
// request id.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := &clientConfig{
		userAgent: buildinfo.UserAgent(),
	}
	for _, o := range opts {
		o(cfg)
	}

	t := cfg.transport
	if t == nil {
		t = NewTransport()
	}

	if cfg.maxConnsPerHost > 0 {
		t.MaxConnsPerHost = cfg.maxConnsPerHost
	}
	if cfg.maxIdleConns > 0 {
		t.MaxIdleConns = cfg.maxIdleConns
		if t.MaxIdleConnsPerHost > cfg.maxIdleConns {
			t.MaxIdleConnsPerHost = cfg.maxIdleConns
		}
	}

	if cfg.tlsInsecureSkipVerify {
		if t.TLSClientConfig == nil {
			t.TLSClientConfig = &tls.Config{}
		}
		t.TLSClientConfig.InsecureSkipVerify = true //nolint:gosec // explicit opt-in
	}

	ua := cfg.userAgent
	if cfg.skipUserAgent {
		ua = ""
	}

	return &http.Client{
		Timeout:   cfg.timeout,
		Transport: &headerTransport{base: t, ua: ua},
	}
}

// RequestIDHeader carries the orchestrator's request id to downstream
// services so their logs can be joined with ours.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// WithRequestID returns a context whose outbound requests carry id in
// the [RequestIDHeader] header.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request id stored by [WithRequestID].
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// headerTransport stamps User-Agent and the request id onto every
// request that does not already set them.
type headerTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	id := RequestIDFrom(req.Context())
	needUA := t.ua != "" && req.Header.Get("User-Agent") == ""
	needID := id != "" && req.Header.Get(RequestIDHeader) == ""
	if needUA || needID {
		// RoundTripper must not mutate the caller's request.
		req = req.Clone(req.Context())
		if needUA {
			req.Header.Set("User-Agent", t.ua)
		}
		if needID {
			req.Header.Set(RequestIDHeader, id)
		}
	}
	return t.base.RoundTrip(req)
}

// DrainAndClose reads up to limit bytes from rc and closes it.
// Use to ensure HTTP connections are returned to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes from rc for error messages,
// then drains and closes the remainder to allow connection reuse.
// Returns an empty string if rc is nil.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	// Drain remainder so the connection can be reused, then close.
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
