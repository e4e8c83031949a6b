package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is the global token bucket shared by all fetch workers. It
// caps the aggregate request rate regardless of the worker count.
type RateLimiter struct {
	limiter *rate.Limiter

	granted atomic.Int64
	waitNs  atomic.Int64
}

// NewRateLimiter allows perSecond requests per second with the given burst.
// A non-positive rate disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &RateLimiter{limiter: rate.NewLimiter(limit, burst)}
}

// NewIntervalLimiter enforces a minimum interval between requests.
func NewIntervalLimiter(every time.Duration, burst int) *RateLimiter {
	if every <= 0 {
		return NewRateLimiter(0, burst)
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Every(every), burst)}
}

// ErrWaitDeadline is returned by Wait when the next token would arrive
// after the context deadline. It matches context.DeadlineExceeded.
var ErrWaitDeadline = fmt.Errorf("rate limiter: next token after deadline: %w", context.DeadlineExceeded)

// Wait blocks until a token is available or the context is done. A wait
// that cannot finish before the deadline fails at once with ErrWaitDeadline.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := rl.limiter.Wait(ctx); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if _, ok := ctx.Deadline(); ok {
			return ErrWaitDeadline
		}
		return err
	}
	rl.granted.Add(1)
	rl.waitNs.Add(int64(time.Since(start)))
	return nil
}

// Granted returns the number of tokens handed out so far.
func (rl *RateLimiter) Granted() int64 { return rl.granted.Load() }

// Waited returns the cumulative time callers spent blocked in Wait.
func (rl *RateLimiter) Waited() time.Duration { return time.Duration(rl.waitNs.Load()) }
