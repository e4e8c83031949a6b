package util

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Backoff is the retry policy shared by every upstream call: bounded
// attempts, exponential delay with full jitter, capped at MaxDelay.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// MaxHint caps server-provided Retry-After hints. Zero means uncapped.
	MaxHint time.Duration
	// Jitter in [0,1] is the fraction of each delay that is randomised.
	Jitter float64

	// rand returns a value in [0,1); nil uses math/rand/v2.
	rand func() float64
}

// DefaultBackoff returns the policy used when configuration leaves it unset.
func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxHint:     5 * time.Minute,
		Jitter:      1,
	}
}

// RetryHinter is implemented by errors that carry a server-side delay hint.
type RetryHinter interface {
	RetryAfter() (time.Duration, bool)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Retry returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Delay returns how long to wait before the given retry (1-based), taking a
// server hint into account when present.
func (b Backoff) Delay(retry int, hint time.Duration) time.Duration {
	d := b.BaseDelay
	for i := 1; i < retry && d < b.MaxDelay; i++ {
		d *= 2
	}
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}

	if b.Jitter > 0 && d > 0 {
		j := b.Jitter
		if j > 1 {
			j = 1
		}
		r := b.rand
		if r == nil {
			r = rand.Float64
		}
		fixed := time.Duration(float64(d) * (1 - j))
		d = fixed + time.Duration(r()*float64(d-fixed))
	}

	if hint > 0 {
		if b.MaxHint > 0 && hint > b.MaxHint {
			hint = b.MaxHint
		}
		if hint > d {
			d = hint
		}
	}
	return d
}

// Retry calls fn until it succeeds, returns a Permanent error, the attempts
// are exhausted or ctx is cancelled. It returns the number of attempts made.
// Sleeps between attempts are cancellable.
func (b Backoff) Retry(ctx context.Context, fn func(attempt int) error) (int, error) {
	maxAttempts := b.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return attempt - 1, cerr
		}

		err = fn(attempt)
		if err == nil {
			return attempt, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return attempt, perm.err
		}

		// Don't sleep after the last failed attempt.
		if attempt == maxAttempts {
			return attempt, err
		}

		var hint time.Duration
		var h RetryHinter
		if errors.As(err, &h) {
			if d, ok := h.RetryAfter(); ok {
				hint = d
			}
		}

		timer := time.NewTimer(b.Delay(attempt, hint))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return maxAttempts, err
}
