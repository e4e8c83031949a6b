package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // DuckDB driver.
	_ "modernc.org/sqlite"             // Pure-Go SQLite driver.

	"gridsync/internal/domain"
)

// Compile-time interface check.
var _ Warehouse = (*SQLWarehouse)(nil)

// dialect holds what differs between the SQL engines.
type dialect struct {
	driver     string
	listTables string // one bind parameter: LIKE pattern
}

var (
	sqliteDialect = dialect{
		driver:     "sqlite",
		listTables: `SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE ?`,
	}
	duckdbDialect = dialect{
		driver:     "duckdb",
		listTables: `SELECT table_name FROM information_schema.tables WHERE table_name LIKE ?`,
	}
)

// SQLWarehouse stores each table as a SQL table with content_hash as its
// primary key. Staging areas are ordinary tables so a crash leaves them
// behind for SweepStages instead of half-merged rows.
type SQLWarehouse struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLite opens (or creates) a SQLite warehouse file.
func NewSQLite(path string) (*SQLWarehouse, error) {
	return openSQL(sqliteDialect, path, "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
}

// NewDuckDB opens (or creates) a DuckDB warehouse file.
func NewDuckDB(path string) (*SQLWarehouse, error) {
	return openSQL(duckdbDialect, path, "")
}

func openSQL(d dialect, path, params string) (*SQLWarehouse, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating warehouse dir: %w", err)
		}
	}
	db, err := sql.Open(d.driver, path+params)
	if err != nil {
		return nil, fmt.Errorf("opening %s warehouse: %w", d.driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s warehouse: %w", d.driver, err)
	}
	return &SQLWarehouse{db: db, dialect: d}, nil
}

// Close closes the underlying database.
func (w *SQLWarehouse) Close() error { return w.db.Close() }

const rowColumns = `content_hash, dataset_id, observed_at, natural_key, payload, window_start, window_end, ingested_at, run_id`

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func createTable(name string, primaryKey bool) string {
	pk := ""
	if primaryKey {
		pk = " PRIMARY KEY"
	}
	return `CREATE TABLE IF NOT EXISTS ` + quote(name) + ` (
	content_hash TEXT NOT NULL` + pk + `,
	dataset_id   TEXT NOT NULL,
	observed_at  BIGINT NOT NULL,
	natural_key  TEXT NOT NULL,
	payload      TEXT NOT NULL,
	window_start BIGINT NOT NULL,
	window_end   BIGINT NOT NULL,
	ingested_at  BIGINT NOT NULL,
	run_id       TEXT NOT NULL
)`
}

// EnsureTable creates the destination table and its observed_at index.
func (w *SQLWarehouse) EnsureTable(ctx context.Context, table string) error {
	if _, err := w.db.ExecContext(ctx, createTable(table, true)); err != nil {
		return fmt.Errorf("creating table %s: %w", table, err)
	}
	idx := `CREATE INDEX IF NOT EXISTS ` + quote(table+"_observed") + ` ON ` + quote(table) + ` (dataset_id, observed_at)`
	if _, err := w.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("indexing table %s: %w", table, err)
	}
	return nil
}

// Stage creates the staging table and loads rows in one transaction.
func (w *SQLWarehouse) Stage(ctx context.Context, table, stage string, rows []Row) error {
	if !strings.HasPrefix(stage, stagePrefix(table)) {
		return fmt.Errorf("stage %q does not belong to table %s", stage, table)
	}
	if _, err := w.db.ExecContext(ctx, createTable(stage, false)); err != nil {
		return fmt.Errorf("creating stage %s: %w", stage, err)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO `+quote(stage)+` (`+rowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing stage insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.ContentHash, r.DatasetID, r.ObservedAt, r.NaturalKey, r.Payload,
			r.WindowStart, r.WindowEnd, r.IngestedAt, r.RunID,
		); err != nil {
			return fmt.Errorf("staging row %s: %w", r.ContentHash, err)
		}
	}
	return tx.Commit()
}

// Merge copies staged rows into the destination in a single statement;
// rows whose content_hash already exists are skipped.
func (w *SQLWarehouse) Merge(ctx context.Context, table, stage string) (int, error) {
	// "WHERE true" keeps SQLite from parsing ON CONFLICT as a join clause.
	q := `INSERT INTO ` + quote(table) + ` (` + rowColumns + `)
SELECT ` + rowColumns + ` FROM ` + quote(stage) + ` WHERE true
ON CONFLICT (content_hash) DO NOTHING`
	res, err := w.db.ExecContext(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("merging %s into %s: %w", stage, table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		// The merge is committed; only the count is unknown.
		return 0, nil
	}
	return int(n), nil
}

// ExistingHashes returns stored hashes for datasetID with observed_at in r.
func (w *SQLWarehouse) ExistingHashes(ctx context.Context, table, datasetID string, r domain.TimeRange) (map[domain.ContentHash]struct{}, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT content_hash FROM `+quote(table)+` WHERE dataset_id = ? AND observed_at >= ? AND observed_at < ?`,
		datasetID, r.Start.UnixMilli(), r.End.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("querying existing hashes: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.ContentHash]struct{})
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out[domain.ContentHash(h)] = struct{}{}
	}
	return out, rows.Err()
}

// DropStage drops the staging table.
func (w *SQLWarehouse) DropStage(ctx context.Context, table, stage string) error {
	if !strings.HasPrefix(stage, stagePrefix(table)) {
		return fmt.Errorf("stage %q does not belong to table %s", stage, table)
	}
	if _, err := w.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+quote(stage)); err != nil {
		return fmt.Errorf("dropping stage %s: %w", stage, err)
	}
	return nil
}

// SweepStages drops the staging tables of table created at least olderThan
// ago.
func (w *SQLWarehouse) SweepStages(ctx context.Context, table string, olderThan time.Duration) (int, error) {
	now := time.Now()
	prefix := stagePrefix(table)
	rows, err := w.db.QueryContext(ctx, w.dialect.listTables, prefix+"%")
	if err != nil {
		return 0, fmt.Errorf("listing stages: %w", err)
	}
	var stages []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return 0, err
		}
		// LIKE treats "_" as a wildcard; confirm the literal prefix.
		if strings.HasPrefix(name, prefix) && sweepable(table, name, olderThan, now) {
			stages = append(stages, name)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, s := range stages {
		if err := w.DropStage(ctx, table, s); err != nil {
			return 0, err
		}
	}
	return len(stages), nil
}

// Count returns the number of destination rows.
func (w *SQLWarehouse) Count(ctx context.Context, table string) (int, error) {
	var n int
	if err := w.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+quote(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return n, nil
}
