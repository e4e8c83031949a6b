// Package engine coordinates a synchronization run: it reads the ledger,
// plans missing windows and drives each one through fetch, normalize,
// dedup and load on a bounded worker pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"gridsync/internal/dedup"
	"gridsync/internal/domain"
	"gridsync/internal/fetch"
	"gridsync/internal/gather"
	"gridsync/internal/ledger"
	"gridsync/internal/load"
	"gridsync/internal/metrics"
	"gridsync/internal/normalize"
	"gridsync/internal/plan"
	"gridsync/internal/util"
	"gridsync/internal/warehouse"
)

// SourceFunc builds the upstream source for a dataset.
type SourceFunc func(ds domain.Dataset) (gather.Source, error)

// Deps are the collaborators an Engine drives.
type Deps struct {
	Warehouse warehouse.Warehouse
	Ledger    ledger.Store
	Fetcher   *fetch.Fetcher
	Sources   SourceFunc
	// Metrics may be nil.
	Metrics     *metrics.Collector
	Concurrency int
	// StageTTL is the age after which a staging area is treated as
	// orphaned. Zero sweeps every stage at preflight, which is only safe
	// with a single writer per warehouse.
	StageTTL time.Duration
}

// Engine runs synchronization requests. One Engine may serve many runs.
type Engine struct {
	wh          warehouse.Warehouse
	led         ledger.Store
	fetcher     *fetch.Fetcher
	sources     SourceFunc
	metrics     *metrics.Collector
	concurrency int
	stageTTL    time.Duration
	now         func() time.Time
	log         *slog.Logger
}

// New creates an Engine wired with the given dependencies.
func New(d Deps) *Engine {
	conc := d.Concurrency
	if conc < 1 {
		conc = 4
	}
	return &Engine{
		wh:          d.Warehouse,
		led:         d.Ledger,
		fetcher:     d.Fetcher,
		sources:     d.Sources,
		metrics:     d.Metrics,
		concurrency: conc,
		stageTTL:    d.StageTTL,
		now:         func() time.Time { return time.Now().UTC() },
		log:         slog.Default().With("component", "engine"),
	}
}

// Request is one sync invocation for a dataset over [Start, End).
type Request struct {
	Dataset    domain.Dataset
	Start      time.Time
	End        time.Time
	WindowSize time.Duration
	// DryRun plans and reports windows without fetching or writing.
	DryRun bool
}

// counters are updated by workers concurrently.
type counters struct {
	attempted, succeeded, empty, failed, pending atomic.Int64
	inserted, skipped, quarantined               atomic.Int64
}

// run carries the per-run state shared by the workers.
type run struct {
	id     string
	ds     domain.Dataset
	src    gather.Source
	norm   *normalize.Normalizer
	dedup  *dedup.Deduplicator
	loader *load.Loader
	c      *counters
	log    *slog.Logger
}

// Run synchronizes one request. Per-window failures are counted in the
// summary; the returned error is reserved for run-level failures:
// *PreflightError, *fetch.AuthError, *ledger.WriteError or cancellation.
func (e *Engine) Run(ctx context.Context, req Request) (*Summary, error) {
	started := e.now()
	ds := req.Dataset
	sum := &Summary{RunID: uuid.NewString(), DatasetID: ds.ID, Start: req.Start, End: req.End}
	log := e.log.With("run", sum.RunID, "dataset", ds.ID)

	src, err := e.preflight(ctx, ds, req.DryRun)
	if err != nil {
		return sum, err
	}

	complete, err := e.led.List(ctx, ds.ID, domain.StatusSuccess, domain.StatusEmpty)
	if err != nil {
		return sum, &PreflightError{Step: "reading ledger", Err: err}
	}

	p := plan.Build(plan.Request{
		Dataset:    ds,
		Start:      req.Start,
		End:        req.End,
		WindowSize: req.WindowSize,
	}, plan.Covered(complete, ds.RetryEmpty), e.now())
	sum.NotYetAvailable = p.TailWindows
	sum.Tail = p.Tail
	sum.WindowSize = p.WindowSize

	if !p.Tail.Empty() {
		log.Info("range tail not yet published", "tail", p.Tail.String(), "windows", p.TailWindows,
			"publication_lag", ds.PublicationLag)
	}

	if req.DryRun {
		for w := range p.Windows {
			sum.Planned++
			sum.DryRunWindows = append(sum.DryRunWindows, w)
		}
		sum.Elapsed = e.now().Sub(started)
		return sum, nil
	}

	r := &run{
		id:     sum.RunID,
		ds:     ds,
		src:    src,
		norm:   normalize.New(ds),
		dedup:  dedup.New(ds.IncludeRevision),
		loader: load.New(e.wh, e.led, sum.RunID),
		c:      &counters{},
		log:    log,
	}

	log.Info("sync started", "from", req.Start.Format(time.RFC3339), "to", req.End.Format(time.RFC3339),
		"window", p.WindowSize, "concurrency", e.concurrency)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	notStarted := 0
	for w := range p.Windows {
		sum.Planned++
		if gctx.Err() != nil {
			notStarted++
			continue
		}
		g.Go(func() error {
			return e.runWindow(gctx, r, w)
		})
	}
	runErr := g.Wait()
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}

	c := r.c
	sum.Attempted = int(c.attempted.Load())
	sum.Succeeded = int(c.succeeded.Load())
	sum.Empty = int(c.empty.Load())
	sum.Failed = int(c.failed.Load())
	sum.Pending = int(c.pending.Load()) + notStarted
	sum.Inserted = int(c.inserted.Load())
	sum.Skipped = int(c.skipped.Load())
	sum.Quarantined = int(c.quarantined.Load())
	sum.Elapsed = e.now().Sub(started)

	log.Info("sync finished", sum.LogAttrs()...)
	return sum, runErr
}

// runWindow takes one window from pending to a terminal status. It returns
// an error only for failures that must stop the whole run.
func (e *Engine) runWindow(ctx context.Context, r *run, w domain.SourceWindow) error {
	started := time.Now()
	log := r.log.With("window", w.Range().String())

	if ctx.Err() != nil {
		r.c.pending.Add(1)
		return nil
	}

	prior := 0
	prev, err := e.led.Get(ctx, w.DatasetID, w.Range())
	if err != nil {
		return fmt.Errorf("reading ledger for %s: %w", w, err)
	}
	if prev != nil {
		prior = prev.AttemptCount
	}

	if err := e.led.Upsert(ctx, domain.LedgerEntry{
		DatasetID:    w.DatasetID,
		Window:       w.Range(),
		Status:       domain.StatusPending,
		AttemptCount: prior,
	}); err != nil {
		return err
	}
	r.c.attempted.Add(1)

	// Fetch.
	res, err := e.fetcher.Fetch(ctx, r.src, w)
	attempts := prior + res.Attempts
	if err != nil {
		// The run deadline ended the fetch, not the upstream.
		if ctx.Err() != nil || errors.Is(err, util.ErrWaitDeadline) {
			log.Warn("window abandoned", "reason", err)
			r.c.pending.Add(1)
			return nil
		}
		if ferr := e.fail(ctx, r, w, attempts, err, started); ferr != nil {
			return ferr
		}
		var auth *fetch.AuthError
		if errors.As(err, &auth) {
			return err
		}
		return nil
	}

	// Normalize.
	var records []domain.NormalizedRecord
	quarantined := 0
	for _, page := range res.Pages {
		recs, bad := r.norm.Normalize(page)
		records = append(records, recs...)
		for _, q := range bad {
			log.Warn("record quarantined", "index", q.Index, "reason", q.Reason, "raw", q.Raw)
		}
		quarantined += len(bad)
	}
	r.c.quarantined.Add(int64(quarantined))

	if len(records) == 0 {
		now := e.now()
		if err := e.led.Upsert(ctx, domain.LedgerEntry{
			DatasetID:    w.DatasetID,
			Window:       w.Range(),
			Status:       domain.StatusEmpty,
			AttemptCount: attempts,
			CommittedAt:  now,
			UpdatedAt:    now,
		}); err != nil {
			return err
		}
		r.c.empty.Add(1)
		e.metrics.ObserveWindow(r.ds.ID, string(domain.StatusEmpty), time.Since(started))
		e.metrics.ObserveRows(r.ds.ID, 0, 0, quarantined)
		log.Info("window empty", "attempts", attempts, "quarantined", quarantined)
		return nil
	}

	// Deduplicate against the destination and the run.
	existing, err := e.wh.ExistingHashes(ctx, r.ds.Table, r.ds.ID, dedup.KeyRange(records, w.Range()))
	if err != nil {
		if ctx.Err() != nil {
			r.c.pending.Add(1)
			return nil
		}
		return e.fail(ctx, r, w, attempts, fmt.Errorf("existing hash lookup: %w", err), started)
	}
	fresh, skipped := r.dedup.Filter(records, existing)

	// Stage, merge, mark success.
	inserted, err := r.loader.Commit(ctx, load.Batch{
		Dataset:  r.ds,
		Windows:  []domain.SourceWindow{w},
		Attempts: []int{attempts},
		Rows:     fresh,
	})
	if err != nil {
		var we *ledger.WriteError
		if errors.As(err, &we) {
			return err
		}
		if ctx.Err() != nil {
			log.Warn("commit abandoned", "reason", ctx.Err())
			r.c.pending.Add(1)
			return nil
		}
		// The ledger keeps its prior state; the window is fetched again
		// next run.
		log.Error("commit failed", "attempts", attempts, "error", err)
		r.c.failed.Add(1)
		e.metrics.ObserveWindow(r.ds.ID, string(domain.StatusFailed), time.Since(started))
		return nil
	}
	r.dedup.Commit(fresh)

	r.c.succeeded.Add(1)
	r.c.inserted.Add(int64(inserted))
	r.c.skipped.Add(int64(skipped))
	e.metrics.ObserveWindow(r.ds.ID, string(domain.StatusSuccess), time.Since(started))
	e.metrics.ObserveRows(r.ds.ID, inserted, skipped, quarantined)
	log.Info("window committed", "records", len(records), "inserted", inserted, "skipped", skipped,
		"quarantined", quarantined, "attempts", attempts)
	return nil
}

// fail marks a window failed. Only a ledger error is returned.
func (e *Engine) fail(ctx context.Context, r *run, w domain.SourceWindow, attempts int, cause error, started time.Time) error {
	r.log.Error("window failed", "window", w.Range().String(), "attempts", attempts,
		"class", fetch.ClassName(cause), "error", cause)
	r.c.failed.Add(1)
	e.metrics.ObserveWindow(r.ds.ID, string(domain.StatusFailed), time.Since(started))
	return e.led.Upsert(ctx, domain.LedgerEntry{
		DatasetID:    w.DatasetID,
		Window:       w.Range(),
		Status:       domain.StatusFailed,
		AttemptCount: attempts,
		LastError:    cause.Error(),
	})
}
