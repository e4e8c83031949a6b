package gather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"gridsync/internal/domain"
)

var _ Source = (*AlpacaSource)(nil)

// AlpacaSource reads OHLCV bars for one symbol from the Alpaca market-data
// API. The SDK follows its own page tokens, so every window is one page.
// SDK retries are disabled; every request after the first of a call waits
// on the shared limiter and is bound to the caller's context.
type AlpacaSource struct {
	opts       marketdata.ClientOpts
	httpClient *http.Client
	limiter    Limiter
	symbol     string
	timeframe  marketdata.TimeFrame
	feed       marketdata.Feed
	log        *slog.Logger
}

// NewAlpacaSource creates a bars source for the dataset's symbol (Path).
func NewAlpacaSource(ds domain.Dataset, opts Options) (*AlpacaSource, error) {
	tf, err := ParseTimeFrame(ds.TimeFrame)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", ds.ID, err)
	}

	co := marketdata.ClientOpts{
		APIKey:    opts.AlpacaKey,
		APISecret: opts.AlpacaSecret,
		// -1 means a single attempt; the fetcher owns retries.
		RetryLimit: -1,
	}
	if opts.AlpacaDataURL != "" {
		co.BaseURL = opts.AlpacaDataURL
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}

	feed := ds.Feed
	if feed == "" {
		feed = "sip"
	}

	return &AlpacaSource{
		opts:       co,
		httpClient: hc,
		limiter:    opts.Limiter,
		symbol:     strings.ToUpper(ds.Path),
		timeframe:  tf,
		feed:       marketdata.Feed(feed),
		log:        slog.Default().With("source", "alpaca", "symbol", strings.ToUpper(ds.Path)),
	}, nil
}

// callTransport binds the SDK's context-free requests to one FetchPage
// call. It rate limits the SDK's continuation requests and remembers the
// last error status so the Retry-After hint survives the SDK's error type.
type callTransport struct {
	ctx     context.Context
	base    http.RoundTripper
	limiter Limiter

	requests   int
	status     int
	retryAfter string
}

func (t *callTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// The fetcher took the token for the first request.
	if t.requests > 0 && t.limiter != nil {
		if err := t.limiter.Wait(t.ctx); err != nil {
			return nil, err
		}
	}
	t.requests++
	resp, err := t.base.RoundTrip(req.WithContext(t.ctx))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		t.status = resp.StatusCode
		t.retryAfter = resp.Header.Get("Retry-After")
	}
	return resp, nil
}

// client returns an SDK client whose requests go through t.
func (s *AlpacaSource) client(t *callTransport) *marketdata.Client {
	co := s.opts
	co.HTTPClient = &http.Client{
		Transport:     t,
		Timeout:       s.httpClient.Timeout,
		CheckRedirect: s.httpClient.CheckRedirect,
		Jar:           s.httpClient.Jar,
	}
	return marketdata.NewClient(co)
}

// Name returns the source identifier.
func (s *AlpacaSource) Name() string { return "alpaca" }

// ParseTimeFrame converts "1Min", "15Min", "1Hour", "1Day" style strings.
// An empty string means one day.
func ParseTimeFrame(v string) (marketdata.TimeFrame, error) {
	if v == "" {
		return marketdata.OneDay, nil
	}
	i := 0
	for i < len(v) && v[i] >= '0' && v[i] <= '9' {
		i++
	}
	n := 1
	if i > 0 {
		var err error
		if n, err = strconv.Atoi(v[:i]); err != nil || n < 1 {
			return marketdata.TimeFrame{}, fmt.Errorf("invalid timeframe %q", v)
		}
	}
	switch strings.ToLower(v[i:]) {
	case "min", "t":
		return marketdata.NewTimeFrame(n, marketdata.Min), nil
	case "hour", "h":
		return marketdata.NewTimeFrame(n, marketdata.Hour), nil
	case "day", "d":
		return marketdata.NewTimeFrame(n, marketdata.Day), nil
	default:
		return marketdata.TimeFrame{}, fmt.Errorf("invalid timeframe %q", v)
	}
}

// alpacaBarRow is the JSON shape handed to the normalizer.
type alpacaBarRow struct {
	Symbol     string  `json:"symbol"`
	Timestamp  string  `json:"timestamp"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     uint64  `json:"volume"`
	TradeCount uint64  `json:"trade_count"`
	VWAP       float64 `json:"vwap"`
}

// FetchPage fetches every bar in the window and returns them as a single
// {"data": [...]} page.
func (s *AlpacaSource) FetchPage(ctx context.Context, w domain.SourceWindow, _ string) (*domain.RawPage, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	base := s.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	t := &callTransport{ctx: ctx, base: base, limiter: s.limiter}

	bars, err := s.client(t).GetBars(s.symbol, marketdata.GetBarsRequest{
		TimeFrame: s.timeframe,
		Start:     w.Start,
		End:       w.End,
		Feed:      s.feed,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if t.status != 0 {
			se := &StatusError{StatusCode: t.status, Body: err.Error()}
			var apiErr *alpaca.APIError
			if errors.As(err, &apiErr) {
				se.Body = apiErr.Message
			}
			se.RetryAfter, se.HasRetryAfter = ParseRetryAfter(t.retryAfter, time.Now())
			return nil, se
		}
		return nil, fmt.Errorf("GetBars %s: %w", s.symbol, err)
	}

	rows := make([]alpacaBarRow, 0, len(bars))
	for _, b := range bars {
		rows = append(rows, alpacaBarRow{
			Symbol:     s.symbol,
			Timestamp:  b.Timestamp.UTC().Format(time.RFC3339),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP,
		})
	}

	body, err := json.Marshal(map[string]any{"data": rows})
	if err != nil {
		return nil, fmt.Errorf("encoding bars: %w", err)
	}
	s.log.Debug("bars fetched", "window", w.Range().String(), "bars", len(rows), "requests", t.requests)

	return &domain.RawPage{Window: w, Body: body, FetchedAt: time.Now().UTC()}, nil
}
