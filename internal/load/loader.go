// Package load commits deduplicated batches through a staging area and a
// merge keyed by content hash, then records the windows as complete.
package load

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"gridsync/internal/dedup"
	"gridsync/internal/domain"
	"gridsync/internal/ledger"
	"gridsync/internal/warehouse"
)

// StagingWriteError means the batch could not be written to staging. The
// destination and the ledger are unchanged.
type StagingWriteError struct {
	Stage string
	Err   error
}

func (e *StagingWriteError) Error() string { return fmt.Sprintf("staging %s: %v", e.Stage, e.Err) }
func (e *StagingWriteError) Unwrap() error { return e.Err }

// MergeCommitError means the merge into the destination failed. The ledger
// is unchanged so the windows are fetched again on the next attempt.
type MergeCommitError struct {
	Stage string
	Err   error
}

func (e *MergeCommitError) Error() string { return fmt.Sprintf("merging %s: %v", e.Stage, e.Err) }
func (e *MergeCommitError) Unwrap() error { return e.Err }

// Batch is the deduplicated output of one or more windows of a dataset.
type Batch struct {
	Dataset domain.Dataset
	// Windows are marked success once the batch is merged. Attempts holds
	// the attempt count recorded for each window, by position.
	Windows  []domain.SourceWindow
	Attempts []int
	Rows     []dedup.Hashed
}

// Loader runs stage, merge, drop and the ledger update for a batch.
type Loader struct {
	wh    warehouse.Warehouse
	led   ledger.Store
	runID string
	now   func() time.Time
	log   *slog.Logger
}

// New creates a Loader that tags rows with runID.
func New(wh warehouse.Warehouse, led ledger.Store, runID string) *Loader {
	return &Loader{
		wh:    wh,
		led:   led,
		runID: runID,
		now:   func() time.Time { return time.Now().UTC() },
		log:   slog.Default().With("component", "load"),
	}
}

// Commit stages and merges the batch and marks its windows success. It
// returns the number of rows inserted. Ledger failures come back as
// *ledger.WriteError and must stop the run.
func (l *Loader) Commit(ctx context.Context, b Batch) (int, error) {
	table := b.Dataset.Table
	inserted := 0

	if len(b.Rows) > 0 {
		rows, err := l.rows(b)
		if err != nil {
			return 0, err
		}

		stage := warehouse.NewStageName(table)
		if err := l.wh.Stage(ctx, table, stage, rows); err != nil {
			l.drop(table, stage)
			return 0, &StagingWriteError{Stage: stage, Err: err}
		}

		n, err := l.wh.Merge(ctx, table, stage)
		if err != nil {
			l.drop(table, stage)
			return 0, &MergeCommitError{Stage: stage, Err: err}
		}
		inserted = n
		l.drop(table, stage)
	}

	committedAt := l.now()
	for i, w := range b.Windows {
		e := domain.LedgerEntry{
			DatasetID:   w.DatasetID,
			Window:      w.Range(),
			Status:      domain.StatusSuccess,
			CommittedAt: committedAt,
			UpdatedAt:   committedAt,
		}
		if i < len(b.Attempts) {
			e.AttemptCount = b.Attempts[i]
		}
		if err := l.led.Upsert(ctx, e); err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

// drop removes a staging area. Failures are logged; SweepStages removes the
// leftovers at the next preflight.
func (l *Loader) drop(table, stage string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := l.wh.DropStage(ctx, table, stage); err != nil {
		l.log.Warn("dropping stage failed", "table", table, "stage", stage, "error", err)
	}
}

// rows converts hashed records to warehouse rows. Each row carries the
// window it was fetched for.
func (l *Loader) rows(b Batch) ([]warehouse.Row, error) {
	now := l.now().UnixMilli()
	out := make([]warehouse.Row, 0, len(b.Rows))
	for _, h := range b.Rows {
		key, err := json.Marshal(h.Record.NaturalKey)
		if err != nil {
			return nil, fmt.Errorf("encoding natural key: %w", err)
		}
		payload, err := json.Marshal(h.Record.Payload)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}

		w := windowFor(b.Windows, h.Record.ObservedAt)
		out = append(out, warehouse.Row{
			ContentHash: string(h.Hash),
			DatasetID:   h.Record.DatasetID,
			ObservedAt:  h.Record.ObservedAt.UnixMilli(),
			NaturalKey:  string(key),
			Payload:     string(payload),
			WindowStart: w.Start.UnixMilli(),
			WindowEnd:   w.End.UnixMilli(),
			IngestedAt:  now,
			RunID:       l.runID,
		})
	}
	return out, nil
}

// windowFor returns the window containing t, or the first window when the
// upstream returned a record outside every requested window.
func windowFor(ws []domain.SourceWindow, t time.Time) domain.TimeRange {
	for _, w := range ws {
		if w.Range().Contains(t) {
			return w.Range()
		}
	}
	if len(ws) > 0 {
		return ws[0].Range()
	}
	return domain.TimeRange{}
}
