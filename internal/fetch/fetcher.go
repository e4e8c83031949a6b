// Package fetch executes upstream requests for a window: sequential
// pagination, a global token bucket shared by every worker, and bounded
// retries with backoff.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"gridsync/internal/domain"
	"gridsync/internal/gather"
	"gridsync/internal/util"
)

// maxPages guards against an upstream that never stops handing out tokens.
const maxPages = 10000

// Observer receives per-request outcomes. Implemented by the metrics package.
type Observer interface {
	ObserveRequest(source, class string)
	ObserveRetry(source string)
}

// Result is the outcome of fetching one window.
type Result struct {
	Pages []domain.RawPage
	// Attempts is 1 plus the number of retries across all pages.
	Attempts int
}

// Fetcher is safe for concurrent use by the worker pool.
type Fetcher struct {
	limiter  *util.RateLimiter
	backoff  util.Backoff
	observer Observer
	log      *slog.Logger
}

// New creates a Fetcher. A nil limiter disables rate limiting.
func New(limiter *util.RateLimiter, backoff util.Backoff, observer Observer) *Fetcher {
	if limiter == nil {
		limiter = util.NewRateLimiter(0, 1)
	}
	return &Fetcher{
		limiter:  limiter,
		backoff:  backoff,
		observer: observer,
		log:      slog.Default().With("component", "fetch"),
	}
}

// Fetch retrieves every page of w from src. Continuation requests are issued
// one after another; each request first takes a token from the limiter.
// On failure the returned Result still reports the attempts made.
func (f *Fetcher) Fetch(ctx context.Context, src gather.Source, w domain.SourceWindow) (Result, error) {
	var res Result
	token := ""
	seen := make(map[string]bool)

	for page := 0; ; page++ {
		if page >= maxPages {
			return res, &FatalFetchError{Err: fmt.Errorf("%s: more than %d pages", w, maxPages)}
		}

		var got *domain.RawPage
		n, err := f.backoff.Retry(ctx, func(attempt int) error {
			if attempt > 1 && f.observer != nil {
				f.observer.ObserveRetry(src.Name())
			}
			if err := f.limiter.Wait(ctx); err != nil {
				return util.Permanent(err)
			}

			p, err := src.FetchPage(ctx, w, token)
			if err == nil {
				err = checkBody(p.Body)
			}
			err = Classify(err)
			f.observe(src.Name(), err)
			if err == nil {
				got = p
				return nil
			}
			if ctx.Err() != nil {
				return util.Permanent(ctx.Err())
			}
			if !Retryable(err) {
				return util.Permanent(err)
			}
			f.log.Warn("request failed, retrying",
				"window", w.String(), "attempt", attempt, "error", err)
			return err
		})
		if page == 0 {
			res.Attempts = n
		} else if n > 0 {
			res.Attempts += n - 1
		}
		if err != nil {
			return res, err
		}

		res.Pages = append(res.Pages, *got)
		if got.NextToken == "" || seen[got.NextToken] {
			return res, nil
		}
		seen[got.NextToken] = true
		token = got.NextToken
	}
}

func (f *Fetcher) observe(source string, err error) {
	if f.observer == nil {
		return
	}
	f.observer.ObserveRequest(source, ClassName(err))
}

// ClassName returns a short label for a classified error.
func ClassName(err error) string {
	var (
		te *TransientFetchError
		re *RateLimitedError
		fe *FatalFetchError
		ae *AuthError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &re):
		return "rate_limited"
	case errors.As(err, &te):
		return "transient"
	case errors.As(err, &ae):
		return "auth"
	case errors.As(err, &fe):
		return "fatal"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, util.ErrWaitDeadline):
		return "deadline"
	default:
		return "error"
	}
}

// checkBody rejects bodies that are not JSON. An empty body counts as a page
// with zero records.
func checkBody(body []byte) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if !json.Valid(trimmed) {
		return &FatalFetchError{Err: errors.New("response body is not valid JSON")}
	}
	return nil
}
