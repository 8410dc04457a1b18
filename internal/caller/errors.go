package caller

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failed call.
type Kind int

const (
	// KindInternal is a failure on our side (encoding, request building,
	// cancellation) or an unclassifiable error. Surfaces as 500.
	KindInternal Kind = iota
	// KindClientPayload is a 4xx rejection of the payload we sent. Never
	// retried; the original status is preserved.
	KindClientPayload
	// KindTransient is a downstream failure that survived retries:
	// upstream 5xx (502), timeout (504), or connection failure (503).
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindClientPayload:
		return "client_payload"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Error is returned by every failed Call. Status is the HTTP status the
// orchestrator should surface to its own caller.
type Error struct {
	Kind    Kind
	Status  int
	Service string
	// Upstream is the status the downstream service returned, if any.
	Upstream int
	// Detail is a human-readable reason, including a 422 validation
	// detail when the downstream supplied one.
	Detail   string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Service, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Service, http.StatusText(e.Status))
}

func (e *Error) Unwrap() error { return e.Err }

// StatusOf returns the HTTP status to surface for err: the Status of a
// wrapped *Error, or 500 for anything else.
func StatusOf(err error) int {
	var ce *Error
	if errors.As(err, &ce) && ce.Status != 0 {
		return ce.Status
	}
	return http.StatusInternalServerError
}

// IsClientPayload reports whether err is a non-retryable 4xx rejection.
func IsClientPayload(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindClientPayload
}

// UpstreamStatus returns the status a downstream service answered with,
// or 0 if err carries none.
func UpstreamStatus(err error) int {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Upstream
	}
	return 0
}
