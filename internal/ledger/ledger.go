// Package ledger persists per-window outcomes so a re-run skips complete
// windows and retries only failed or missing ones.
package ledger

import (
	"context"
	"fmt"
	"time"

	"gridsync/internal/domain"
)

// Store is the run ledger. Implementations must allow concurrent Upserts
// from every worker; each call touches a single row.
type Store interface {
	// Get returns the entry for exactly this window, or nil if none exists.
	Get(ctx context.Context, datasetID string, w domain.TimeRange) (*domain.LedgerEntry, error)
	// Upsert inserts or replaces the entry keyed by (dataset, start, end).
	Upsert(ctx context.Context, e domain.LedgerEntry) error
	// List returns entries for a dataset (all datasets when empty) ordered by
	// window start, optionally restricted to the given statuses.
	List(ctx context.Context, datasetID string, statuses ...domain.WindowStatus) ([]domain.LedgerEntry, error)
	Close() error
}

// WriteError means an outcome could not be recorded. The engine stops the
// run when it sees one.
type WriteError struct {
	DatasetID string
	Window    domain.TimeRange
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("ledger write %s %s: %v", e.DatasetID, e.Window, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Open returns the store for a driver name ("sqlite" or "postgres").
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", driver)
	}
}

// touch stamps UpdatedAt before a write.
func touch(e *domain.LedgerEntry) {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS run_ledger (
	dataset_id    TEXT    NOT NULL,
	window_start  BIGINT  NOT NULL,
	window_end    BIGINT  NOT NULL,
	status        TEXT    NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT    NOT NULL DEFAULT '',
	committed_at  BIGINT  NOT NULL DEFAULT 0,
	updated_at    BIGINT  NOT NULL,
	PRIMARY KEY (dataset_id, window_start, window_end)
)`

const createIndexSQL = `CREATE INDEX IF NOT EXISTS run_ledger_status ON run_ledger (dataset_id, status, window_start)`

// placeholder renders the n-th (1-based) bind parameter for a dialect.
type placeholder func(n int) string

func questionMark(int) string { return "?" }
func dollar(n int) string     { return fmt.Sprintf("$%d", n) }

func upsertSQL(ph placeholder) string {
	return `
INSERT INTO run_ledger (dataset_id, window_start, window_end, status, attempt_count, last_error, committed_at, updated_at)
VALUES (` + ph(1) + `, ` + ph(2) + `, ` + ph(3) + `, ` + ph(4) + `, ` + ph(5) + `, ` + ph(6) + `, ` + ph(7) + `, ` + ph(8) + `)
ON CONFLICT (dataset_id, window_start, window_end) DO UPDATE SET
	status        = excluded.status,
	attempt_count = excluded.attempt_count,
	last_error    = excluded.last_error,
	committed_at  = excluded.committed_at,
	updated_at    = excluded.updated_at`
}

func getSQL(ph placeholder) string {
	return `SELECT ` + selectColumns + ` FROM run_ledger WHERE dataset_id = ` + ph(1) +
		` AND window_start = ` + ph(2) + ` AND window_end = ` + ph(3)
}

const selectColumns = `dataset_id, window_start, window_end, status, attempt_count, last_error, committed_at, updated_at`

// listQuery builds the List statement for a dialect.
func listQuery(ph placeholder, datasetID string, statuses []domain.WindowStatus) (string, []any) {
	q := `SELECT ` + selectColumns + ` FROM run_ledger WHERE 1=1`
	var args []any
	if datasetID != "" {
		args = append(args, datasetID)
		q += " AND dataset_id = " + ph(len(args))
	}
	if len(statuses) > 0 {
		q += " AND status IN ("
		for i, s := range statuses {
			args = append(args, string(s))
			if i > 0 {
				q += ", "
			}
			q += ph(len(args))
		}
		q += ")"
	}
	q += " ORDER BY dataset_id, window_start, window_end"
	return q, args
}

// row is the storage shape shared by both backends.
type row struct {
	datasetID    string
	start, end   int64
	status       string
	attemptCount int
	lastError    string
	committedAt  int64
	updatedAt    int64
}

func toRow(e domain.LedgerEntry) row {
	r := row{
		datasetID:    e.DatasetID,
		start:        e.Window.Start.UnixMilli(),
		end:          e.Window.End.UnixMilli(),
		status:       string(e.Status),
		attemptCount: e.AttemptCount,
		lastError:    e.LastError,
		updatedAt:    e.UpdatedAt.UnixMilli(),
	}
	if !e.CommittedAt.IsZero() {
		r.committedAt = e.CommittedAt.UnixMilli()
	}
	return r
}

func (r row) entry() domain.LedgerEntry {
	e := domain.LedgerEntry{
		DatasetID: r.datasetID,
		Window: domain.TimeRange{
			Start: time.UnixMilli(r.start).UTC(),
			End:   time.UnixMilli(r.end).UTC(),
		},
		Status:       domain.WindowStatus(r.status),
		AttemptCount: r.attemptCount,
		LastError:    r.lastError,
		UpdatedAt:    time.UnixMilli(r.updatedAt).UTC(),
	}
	if r.committedAt != 0 {
		e.CommittedAt = time.UnixMilli(r.committedAt).UTC()
	}
	return e
}

func (r *row) dest() []any {
	return []any{&r.datasetID, &r.start, &r.end, &r.status, &r.attemptCount, &r.lastError, &r.committedAt, &r.updatedAt}
}

func (r row) args() []any {
	return []any{r.datasetID, r.start, r.end, r.status, r.attemptCount, r.lastError, r.committedAt, r.updatedAt}
}
