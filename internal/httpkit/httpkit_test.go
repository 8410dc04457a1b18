package httpkit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHeader serves the named request header back as the body.
func echoHeader(t *testing.T, name string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get(name)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestNewClient_DefaultTimeout(t *testing.T) {
	assert.Zero(t, NewClient().Timeout, "no client-level timeout")
}

func TestNewClient_CustomTimeout(t *testing.T) {
	assert.Equal(t, 5*time.Second, NewClient(WithTimeout(5*time.Second)).Timeout)
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := echoHeader(t, "User-Agent")

	resp, err := NewClient(WithUserAgent("TestBot/1.0")).Get(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "TestBot/1.0", body(t, resp))
}

func TestNewClient_DefaultUserAgent(t *testing.T) {
	srv := echoHeader(t, "User-Agent")

	resp, err := NewClient().Get(srv.URL)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(body(t, resp), "Huddle/"))
}

func TestNewClient_WithoutUserAgent(t *testing.T) {
	srv := echoHeader(t, "User-Agent")

	resp, err := NewClient(WithoutUserAgent()).Get(srv.URL)
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(body(t, resp), "Huddle/"))
}

func TestNewClient_ConnectionLimits(t *testing.T) {
	tr := NewTransport()
	NewClient(WithTransport(tr), WithConnectionLimits(7, 3))
	assert.Equal(t, 7, tr.MaxConnsPerHost)
	assert.Equal(t, 3, tr.MaxIdleConns)
	assert.Equal(t, 3, tr.MaxIdleConnsPerHost, "clamped to the idle limit")
}

func TestNewTransport_HasTimeouts(t *testing.T) {
	tr := NewTransport()
	assert.Equal(t, DefaultTLSHandshakeTimeout, tr.TLSHandshakeTimeout)
	assert.Equal(t, DefaultIdleConnTimeout, tr.IdleConnTimeout)
	assert.Equal(t, DefaultMaxIdleConns, tr.MaxIdleConns)
	assert.Equal(t, DefaultMaxConnsPerHost, tr.MaxConnsPerHost)
}

func TestNewClient_TLSInsecureSkipVerify(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("secure"))
	}))
	defer srv.Close()

	strict := NewClient(WithTimeout(2 * time.Second))
	_, err := strict.Get(srv.URL)
	require.Error(t, err, "strict client rejects the test certificate")

	insecure := NewClient(
		WithTimeout(2*time.Second),
		WithTLSInsecureSkipVerify(),
	)
	resp, err := insecure.Get(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "secure", body(t, resp))
}

func TestDrainAndClose(t *testing.T) {
	assert.NotPanics(t, func() {
		DrainAndClose(io.NopCloser(strings.NewReader("hello world")), 1024)
		DrainAndClose(nil, 1024)
	})
}

func TestReadErrorBody(t *testing.T) {
	rc := io.NopCloser(strings.NewReader(`{"detail":"bad field"}`))
	assert.Equal(t, `{"detail":"bad field"}`, ReadErrorBody(rc, 512))
}

func TestReadErrorBody_Truncated(t *testing.T) {
	rc := io.NopCloser(strings.NewReader(strings.Repeat("x", 1000)))
	assert.Len(t, ReadErrorBody(rc, 10), 10)
}

func TestReadErrorBody_Nil(t *testing.T) {
	assert.Empty(t, ReadErrorBody(nil, 512))
}

type failReader struct{}

func (f *failReader) Read([]byte) (int, error) {
	return 0, fmt.Errorf("simulated read error")
}

func TestReadErrorBody_Error(t *testing.T) {
	assert.Contains(t, ReadErrorBody(io.NopCloser(&failReader{}), 512), "failed to read")
}

func TestNewClient_PropagatesRequestID(t *testing.T) {
	srv := echoHeader(t, RequestIDHeader)

	tests := []struct {
		name   string
		ctx    context.Context
		preset string
		want   string
	}{
		{name: "from context", ctx: WithRequestID(context.Background(), "req-1"), want: "req-1"},
		{name: "absent", ctx: context.Background(), want: ""},
		{name: "empty id ignored", ctx: WithRequestID(context.Background(), ""), want: ""},
		{name: "explicit header wins", ctx: WithRequestID(context.Background(), "req-1"), preset: "caller-set", want: "caller-set"},
	}

	c := NewClient(WithoutUserAgent())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequestWithContext(tt.ctx, http.MethodGet, srv.URL, nil)
			require.NoError(t, err)
			if tt.preset != "" {
				req.Header.Set(RequestIDHeader, tt.preset)
			}
			resp, err := c.Do(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, body(t, resp))
			if tt.preset == "" {
				assert.Empty(t, req.Header.Get(RequestIDHeader), "caller's request is not mutated")
			}
		})
	}
}

func TestRequestIDFrom(t *testing.T) {
	assert.Empty(t, RequestIDFrom(context.Background()))
	assert.Equal(t, "abc", RequestIDFrom(WithRequestID(context.Background(), "abc")))
}
