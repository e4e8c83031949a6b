package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gridsync/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store backed by a SQLite database in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns
// a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	for _, stmt := range []string{createTableSQL, createIndexSQL} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating ledger schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the entry for the window, or nil.
func (s *SQLiteStore) Get(ctx context.Context, datasetID string, w domain.TimeRange) (*domain.LedgerEntry, error) {
	var r row
	err := s.db.QueryRowContext(ctx,
		getSQL(questionMark), datasetID, w.Start.UnixMilli(), w.End.UnixMilli(),
	).Scan(r.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger get: %w", err)
	}
	e := r.entry()
	return &e, nil
}

// Upsert writes one row. Failures are returned as *WriteError.
func (s *SQLiteStore) Upsert(ctx context.Context, e domain.LedgerEntry) error {
	touch(&e)
	if _, err := s.db.ExecContext(ctx, upsertSQL(questionMark), toRow(e).args()...); err != nil {
		return &WriteError{DatasetID: e.DatasetID, Window: e.Window, Err: err}
	}
	return nil
}

// List scans entries by dataset and status.
func (s *SQLiteStore) List(ctx context.Context, datasetID string, statuses ...domain.WindowStatus) ([]domain.LedgerEntry, error) {
	q, args := listQuery(questionMark, datasetID, statuses)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger list: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var r row
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, fmt.Errorf("ledger scan: %w", err)
		}
		out = append(out, r.entry())
	}
	return out, rows.Err()
}
