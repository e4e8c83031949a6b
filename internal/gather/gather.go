// Package gather holds the upstream adapters the fetcher drives: the BMRS
// JSON dataset API and the Alpaca market-data bars API.
package gather

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gridsync/internal/domain"
)

// Source fetches one page of a window from an upstream API. An empty token
// requests the first page; the returned page carries the next token, if any.
// Implementations never retry. A source whose SDK pages internally waits on
// the shared Limiter before every request after the first.
type Source interface {
	// Name returns the source identifier used in logs and metrics.
	Name() string
	// FetchPage issues a single request for window w.
	FetchPage(ctx context.Context, w domain.SourceWindow, token string) (*domain.RawPage, error)
}

// StatusError is returned when the upstream answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	// RetryAfter is the parsed Retry-After header; valid when HasRetryAfter.
	RetryAfter    time.Duration
	HasRetryAfter bool
	Body          string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, strings.TrimSpace(body))
}

// Options carries what the excluded credential/config collaborators hand
// to the sources.
type Options struct {
	BaseURL    string
	APIKey     string
	TokenParam string
	HTTPClient *http.Client

	AlpacaKey     string
	AlpacaSecret  string
	AlpacaDataURL string

	// Limiter is the token bucket shared with the fetcher. May be nil.
	Limiter Limiter
}

// Limiter hands out request tokens. Implemented by util.RateLimiter.
type Limiter interface {
	Wait(ctx context.Context) error
}

// New builds the source for a dataset.
func New(ds domain.Dataset, opts Options) (Source, error) {
	switch ds.Source {
	case domain.SourceBMRS, "":
		return NewBMRSSource(ds, opts), nil
	case domain.SourceAlpaca:
		return NewAlpacaSource(ds, opts)
	default:
		return nil, fmt.Errorf("dataset %s: unknown source %q", ds.ID, ds.Source)
	}
}

// ParseRetryAfter interprets a Retry-After header given either as delay
// seconds or as an HTTP date.
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
