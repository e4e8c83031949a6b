package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"gridsync/internal/gather"
	"gridsync/internal/util"
)

// TransientFetchError is a timeout, network failure or 5xx response.
type TransientFetchError struct{ Err error }

func (e *TransientFetchError) Error() string { return "transient fetch error: " + e.Err.Error() }
func (e *TransientFetchError) Unwrap() error { return e.Err }

// RateLimitedError is a 429 response, optionally carrying a Retry-After hint.
type RateLimitedError struct {
	Err     error
	Hint    time.Duration
	HasHint bool
}

func (e *RateLimitedError) Error() string {
	if e.HasHint {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.Hint, e.Err)
	}
	return "rate limited: " + e.Err.Error()
}
func (e *RateLimitedError) Unwrap() error { return e.Err }

// RetryAfter implements util.RetryHinter.
func (e *RateLimitedError) RetryAfter() (time.Duration, bool) { return e.Hint, e.HasHint }

// FatalFetchError is a non-retryable failure for one window: 4xx other than
// 429, or a body that is not JSON.
type FatalFetchError struct{ Err error }

func (e *FatalFetchError) Error() string { return "fatal fetch error: " + e.Err.Error() }
func (e *FatalFetchError) Unwrap() error { return e.Err }

// AuthError is a 401/403 response. It is fatal to the whole run.
type AuthError struct{ Err error }

func (e *AuthError) Error() string { return "upstream rejected credentials: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// Classify maps a source error onto the fetch error taxonomy. Context
// cancellation and a limiter wait that would outlast the deadline are
// returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, util.ErrWaitDeadline) {
		return err
	}

	var se *gather.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests:
			return &RateLimitedError{Err: err, Hint: se.RetryAfter, HasHint: se.HasRetryAfter}
		case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
			return &AuthError{Err: err}
		case se.StatusCode == http.StatusRequestTimeout || se.StatusCode >= 500:
			return &TransientFetchError{Err: err}
		default:
			return &FatalFetchError{Err: err}
		}
	}

	// A per-request timeout surfaces as DeadlineExceeded or a net.Error.
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientFetchError{Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return &TransientFetchError{Err: err}
	}
	var fe *FatalFetchError
	if errors.As(err, &fe) {
		return err
	}
	// Unknown transport failures (connection reset, EOF) are retried.
	return &TransientFetchError{Err: err}
}

// Retryable reports whether a classified error should be retried.
func Retryable(err error) bool {
	var te *TransientFetchError
	var re *RateLimitedError
	return errors.As(err, &te) || errors.As(err, &re)
}
