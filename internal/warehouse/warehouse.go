// Package warehouse is the destination for synchronized records. Every
// backend supports staged batch loads, a merge keyed by content hash that
// never overwrites, bounded existing-key lookups and staging cleanup.
package warehouse

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"gridsync/internal/domain"
)

// Row is the destination row shape. Time columns are unix milliseconds.
type Row struct {
	ContentHash string `parquet:"content_hash"`
	DatasetID   string `parquet:"dataset_id"`
	ObservedAt  int64  `parquet:"observed_at,timestamp(millisecond)"`
	NaturalKey  string `parquet:"natural_key"` // JSON object
	Payload     string `parquet:"payload"`     // JSON object
	WindowStart int64  `parquet:"window_start,timestamp(millisecond)"`
	WindowEnd   int64  `parquet:"window_end,timestamp(millisecond)"`
	IngestedAt  int64  `parquet:"ingested_at,timestamp(millisecond)"`
	RunID       string `parquet:"run_id"`
}

// Warehouse is implemented by the SQL and Parquet backends.
type Warehouse interface {
	// EnsureTable creates the destination table if needed.
	EnsureTable(ctx context.Context, table string) error
	// Stage writes rows to a new staging area. The destination is untouched.
	Stage(ctx context.Context, table, stage string, rows []Row) error
	// Merge inserts staged rows whose content hash is absent from the
	// destination and returns how many were inserted. Existing rows are
	// never modified.
	Merge(ctx context.Context, table, stage string) (int, error)
	// ExistingHashes returns the hashes already stored for a dataset with
	// observed_at in r.
	ExistingHashes(ctx context.Context, table, datasetID string, r domain.TimeRange) (map[domain.ContentHash]struct{}, error)
	// DropStage removes a staging area. Missing stages are not an error.
	DropStage(ctx context.Context, table, stage string) error
	// SweepStages removes staging areas left behind by a crashed run.
	// Stages created less than olderThan ago may belong to a run still in
	// flight and are kept; zero sweeps every stage.
	SweepStages(ctx context.Context, table string, olderThan time.Duration) (int, error)
	// Count returns the number of destination rows.
	Count(ctx context.Context, table string) (int, error)
	Close() error
}

// Open returns the warehouse for a driver name.
func Open(driver, dsn string) (Warehouse, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLite(dsn)
	case "duckdb":
		return NewDuckDB(dsn)
	case "parquet":
		return NewParquet(dsn), nil
	default:
		return nil, fmt.Errorf("unknown warehouse driver %q", driver)
	}
}

// stagePrefix returns the prefix shared by every staging area of table.
func stagePrefix(table string) string {
	return "stg_" + table + "_"
}

// NewStageName returns a unique staging area name for table. The name
// carries its creation time so sweeps can tell live stages from orphans.
// Layout: stg_<table>_<unix ms>_<uuid hex>
func NewStageName(table string) string {
	return newStageName(table, time.Now())
}

func newStageName(table string, created time.Time) string {
	return stagePrefix(table) + strconv.FormatInt(created.UnixMilli(), 10) + "_" +
		strings.ReplaceAll(uuid.NewString(), "-", "")
}

// stageCreated returns the creation time encoded in a stage name. Names
// without one report ok=false.
func stageCreated(table, stage string) (time.Time, bool) {
	rest, found := strings.CutPrefix(stage, stagePrefix(table))
	if !found {
		return time.Time{}, false
	}
	ms, _, found := strings.Cut(rest, "_")
	if !found {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(n), true
}

// sweepable reports whether a stage is old enough to be an orphan. Stages
// with no readable creation time are treated as orphans.
func sweepable(table, stage string, olderThan time.Duration, now time.Time) bool {
	if olderThan <= 0 {
		return true
	}
	created, ok := stageCreated(table, stage)
	return !ok || now.Sub(created) >= olderThan
}
