package app

import (
	"context"
	"log/slog"
	"time"

	"gridsync/internal/domain"
	"gridsync/internal/engine"
)

// Daemon re-syncs every dataset over a trailing lookback on a fixed
// interval.
type Daemon struct {
	Engine   *engine.Engine
	Datasets []domain.Dataset
	Interval time.Duration
	Lookback time.Duration
	// OnRound, when set, receives whether the round was free of run-level
	// errors.
	OnRound func(healthy bool)

	now func() time.Time
	log *slog.Logger
}

// Run executes a round immediately and then every Interval until ctx is
// cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if d.log == nil {
		d.log = slog.Default().With("component", "daemon")
	}
	interval := d.Interval
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	for {
		d.Round(ctx)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Round syncs each dataset once and returns the summaries in dataset order.
// Each dataset's range ends on its last complete window boundary.
func (d *Daemon) Round(ctx context.Context) []*engine.Summary {
	if d.log == nil {
		d.log = slog.Default().With("component", "daemon")
	}
	now := time.Now().UTC()
	if d.now != nil {
		now = d.now()
	}

	healthy := true
	var out []*engine.Summary
	for _, ds := range d.Datasets {
		if ctx.Err() != nil {
			break
		}
		size := ds.WindowFor(0)
		end := now.Truncate(size)
		start := end.Add(-d.Lookback).Truncate(size)
		if !end.After(start) {
			continue
		}

		sum, err := d.Engine.Run(ctx, engine.Request{Dataset: ds, Start: start, End: end})
		switch {
		case err != nil && engine.Cancelled(err):
			d.log.Warn("round interrupted", "dataset", ds.ID)
		case err != nil:
			healthy = false
			d.log.Error("dataset sync failed", "dataset", ds.ID, "error", err)
		default:
			d.log.Info("dataset synced", "dataset", ds.ID, "summary", sum.String())
		}
		out = append(out, sum)
	}

	if d.OnRound != nil && ctx.Err() == nil {
		d.OnRound(healthy)
	}
	return out
}
