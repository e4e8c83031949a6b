// Package app assembles the storage backends, fetcher and engine from a
// loaded configuration. Both commands share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"gridsync/internal/config"
	"gridsync/internal/domain"
	"gridsync/internal/engine"
	"gridsync/internal/fetch"
	"gridsync/internal/gather"
	"gridsync/internal/ledger"
	"gridsync/internal/metrics"
	"gridsync/internal/util"
	"gridsync/internal/warehouse"
)

// Stack is a wired engine and the resources it owns.
type Stack struct {
	Engine    *engine.Engine
	Ledger    ledger.Store
	Warehouse warehouse.Warehouse
	Limiter   *util.RateLimiter
	// Metrics is nil unless requested.
	Metrics *metrics.Collector
}

// Open builds a Stack. With withMetrics set, a Prometheus collector is
// created and fed by the fetcher and engine.
func Open(ctx context.Context, cfg *config.Config, withMetrics bool) (*Stack, error) {
	led, err := ledger.Open(ctx, cfg.Storage.LedgerDriver, cfg.LedgerDSN())
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	wh, err := warehouse.Open(cfg.Storage.WarehouseDriver, cfg.WarehouseDSN())
	if err != nil {
		led.Close()
		return nil, fmt.Errorf("opening warehouse: %w", err)
	}

	s := &Stack{
		Ledger:    led,
		Warehouse: wh,
		Limiter:   util.NewRateLimiter(cfg.Sync.RatePerSec, cfg.Sync.Burst),
	}

	var observer fetch.Observer
	if withMetrics {
		s.Metrics = metrics.NewCollector(s.Limiter)
		observer = s.Metrics
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout()}
	opts := gather.Options{
		BaseURL:       cfg.Upstream.BaseURL,
		APIKey:        cfg.Upstream.APIKey,
		TokenParam:    cfg.Upstream.TokenParam,
		HTTPClient:    httpClient,
		AlpacaKey:     cfg.Alpaca.APIKey,
		AlpacaSecret:  cfg.Alpaca.APISecret,
		AlpacaDataURL: cfg.Alpaca.DataURL,
		Limiter:       s.Limiter,
	}

	s.Engine = engine.New(engine.Deps{
		Warehouse: wh,
		Ledger:    led,
		Fetcher:   fetch.New(s.Limiter, cfg.Backoff(), observer),
		Sources: func(ds domain.Dataset) (gather.Source, error) {
			return gather.New(ds, opts)
		},
		Metrics:     s.Metrics,
		Concurrency: cfg.Sync.Concurrency,
		StageTTL:    cfg.RunTimeout(),
	})
	return s, nil
}

// Close releases the warehouse and ledger.
func (s *Stack) Close() error {
	return errors.Join(s.Warehouse.Close(), s.Ledger.Close())
}
