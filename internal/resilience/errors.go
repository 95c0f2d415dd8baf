package resilience

import (
	"errors"
	"fmt"
	"time"
)

// Kind buckets an error for retry decisions. Call sites tag the errors they
// produce; untagged errors are only retried when the policy opts in.
type Kind string

const (
	// KindTransient covers network timeouts, connection resets, and 5xx
	// responses that a later attempt may not see.
	KindTransient Kind = "transient"
	// KindRateLimited is a platform throttle, optionally carrying an
	// explicit retry-after delay.
	KindRateLimited Kind = "rate_limited"
	// KindBadResponse is a malformed or unparseable payload. Re-asking
	// rarely fixes it, so it is never retryable.
	KindBadResponse Kind = "bad_response"
	// KindUnauthorized is an auth failure; retrying cannot help.
	KindUnauthorized Kind = "unauthorized"
	// KindCircuitOpen marks a call skipped because the breaker is open.
	KindCircuitOpen Kind = "circuit_open"
	// KindUnknown is any error the call site did not classify.
	KindUnknown Kind = "unknown"
)

// Error tags an underlying error with a Kind.
type Error struct {
	K   Kind
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.K, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Mark wraps err with the given kind. A nil err returns nil.
func Mark(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{K: k, Err: err}
}

// Markf wraps a formatted error with the given kind.
func Markf(k Kind, format string, args ...any) error {
	return &Error{K: k, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind tag from err, or KindUnknown when untagged.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.K
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return KindRateLimited
	}
	return KindUnknown
}

// RateLimitedError carries the platform's explicit retry-after signal,
// honored in place of the computed backoff.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// ErrCircuitOpen is returned when a call is skipped because the dependency's
// circuit breaker is open. Callers should treat it as a degraded no-op, not
// a real failure.
var ErrCircuitOpen = &Error{K: KindCircuitOpen, Err: errors.New("circuit open")}
