package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gridsync/internal/domain"
)

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on a shared Postgres database so several
// hosts can run the engine against one ledger.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing ledger dsn: %w", err)
	}
	if cfg.MaxConns < 4 {
		cfg.MaxConns = 4
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to ledger: %w", err)
	}
	for _, stmt := range []string{createTableSQL, createIndexSQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("creating ledger schema: %w", err)
		}
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Get returns the entry for the window, or nil.
func (s *PostgresStore) Get(ctx context.Context, datasetID string, w domain.TimeRange) (*domain.LedgerEntry, error) {
	var r row
	err := s.pool.QueryRow(ctx,
		getSQL(dollar), datasetID, w.Start.UnixMilli(), w.End.UnixMilli(),
	).Scan(r.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger get: %w", err)
	}
	e := r.entry()
	return &e, nil
}

// Upsert writes one row. Failures are returned as *WriteError.
func (s *PostgresStore) Upsert(ctx context.Context, e domain.LedgerEntry) error {
	touch(&e)
	if _, err := s.pool.Exec(ctx, upsertSQL(dollar), toRow(e).args()...); err != nil {
		return &WriteError{DatasetID: e.DatasetID, Window: e.Window, Err: err}
	}
	return nil
}

// List scans entries by dataset and status.
func (s *PostgresStore) List(ctx context.Context, datasetID string, statuses ...domain.WindowStatus) ([]domain.LedgerEntry, error) {
	q, args := listQuery(dollar, datasetID, statuses)
	rows, err := s.pool.Query(ctx, q, args...)
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
