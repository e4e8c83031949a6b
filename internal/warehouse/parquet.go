package warehouse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"gridsync/internal/domain"
)

// Compile-time interface check.
var _ Warehouse = (*ParquetWarehouse)(nil)

// ParquetWarehouse stores each table as a directory of daily Parquet
// partitions keyed by observed_at:
//
//	<DataDir>/<table>/<YYYY-MM-DD>.parquet
//	<DataDir>/<table>/_staging/<stage>.parquet
//	<DataDir>/<table>/.lock
//
// Content hashes are unique across the whole table, not just within a
// partition. A merge writes every touched partition to a temporary file
// before renaming any of them into place, and holds an advisory lock on
// .lock so writers in other processes sharing DataDir are serialized.
// Replaying a merge after a crash is a no-op for rows already stored.
type ParquetWarehouse struct {
	DataDir string

	mu     sync.Mutex
	tables map[string]*parquetTable
}

// parquetTable is the in-process state of one table. mu serializes
// partition rewrites; hashes caches every stored content hash and is valid
// while the partition listing still matches stamp.
type parquetTable struct {
	mu     sync.Mutex
	stamp  string
	hashes map[string]struct{}
}

// hashRow projects a partition onto its content_hash column.
type hashRow struct {
	ContentHash string `parquet:"content_hash"`
}

// NewParquet creates a ParquetWarehouse rooted at dataDir.
func NewParquet(dataDir string) *ParquetWarehouse {
	return &ParquetWarehouse{DataDir: dataDir, tables: make(map[string]*parquetTable)}
}

// Close is a no-op.
func (w *ParquetWarehouse) Close() error { return nil }

func (w *ParquetWarehouse) table(name string) *parquetTable {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tables == nil {
		w.tables = make(map[string]*parquetTable)
	}
	t, ok := w.tables[name]
	if !ok {
		t = &parquetTable{}
		w.tables[name] = t
	}
	return t
}

// lock takes the in-process table mutex and then the cross-process file
// lock. The returned func releases both.
func (w *ParquetWarehouse) lock(ctx context.Context, table string) (*parquetTable, func(), error) {
	t := w.table(table)
	t.mu.Lock()
	if err := os.MkdirAll(w.tableDir(table), 0o755); err != nil {
		t.mu.Unlock()
		return nil, nil, err
	}
	unlock, err := lockFile(ctx, filepath.Join(w.tableDir(table), ".lock"))
	if err != nil {
		t.mu.Unlock()
		return nil, nil, fmt.Errorf("locking table %s: %w", table, err)
	}
	return t, func() {
		unlock()
		t.mu.Unlock()
	}, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

func (w *ParquetWarehouse) tableDir(table string) string {
	return filepath.Join(w.DataDir, table)
}

func (w *ParquetWarehouse) stageDir(table string) string {
	return filepath.Join(w.tableDir(table), "_staging")
}

func (w *ParquetWarehouse) stagePath(table, stage string) string {
	return filepath.Join(w.stageDir(table), stage+".parquet")
}

// partitionPath returns the partition for an observed_at day (UTC).
// Layout: <DataDir>/<table>/<YYYY-MM-DD>.parquet
func (w *ParquetWarehouse) partitionPath(table string, day time.Time) string {
	return filepath.Join(w.tableDir(table), day.UTC().Format("2006-01-02")+".parquet")
}

func dayOf(ms int64) time.Time {
	t := time.UnixMilli(ms).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ---------------------------------------------------------------------------
// Warehouse implementation
// ---------------------------------------------------------------------------

// EnsureTable creates the table directory.
func (w *ParquetWarehouse) EnsureTable(_ context.Context, table string) error {
	return os.MkdirAll(w.tableDir(table), 0o755)
}

// Stage writes all rows to one staging file.
func (w *ParquetWarehouse) Stage(_ context.Context, table, stage string, rows []Row) error {
	if !strings.HasPrefix(stage, stagePrefix(table)) {
		return fmt.Errorf("stage %q does not belong to table %s", stage, table)
	}
	return writeParquetFile(w.stagePath(table, stage), sortRows(rows))
}

// Merge appends staged rows to their partitions, skipping hashes already
// present anywhere in the table.
func (w *ParquetWarehouse) Merge(ctx context.Context, table, stage string) (int, error) {
	staged, err := readParquetFile[Row](w.stagePath(table, stage))
	if err != nil {
		return 0, fmt.Errorf("reading stage %s: %w", stage, err)
	}

	t, unlock, err := w.lock(ctx, table)
	if err != nil {
		return 0, err
	}
	defer unlock()

	stored, err := w.tableHashes(t, table)
	if err != nil {
		return 0, err
	}

	groups := make(map[time.Time][]Row)
	fresh := make(map[string]struct{})
	for _, r := range staged {
		if _, ok := stored[r.ContentHash]; ok {
			continue
		}
		if _, ok := fresh[r.ContentHash]; ok {
			continue
		}
		fresh[r.ContentHash] = struct{}{}
		d := dayOf(r.ObservedAt)
		groups[d] = append(groups[d], r)
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	days := make([]time.Time, 0, len(groups))
	for d := range groups {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	// Write every partition first so a failure leaves the table untouched.
	var written []string
	discard := func() {
		for _, p := range written {
			os.Remove(p + ".tmp")
		}
	}
	inserted := 0
	for _, d := range days {
		if err := ctx.Err(); err != nil {
			discard()
			return 0, err
		}
		path := w.partitionPath(table, d)
		existing, err := readPartition(path)
		if err != nil {
			discard()
			return 0, fmt.Errorf("reading partition %s: %w", filepath.Base(path), err)
		}
		merged, added := mergeRows(existing, groups[d])
		if added == 0 {
			continue
		}
		written = append(written, path)
		if err := writeTempFile(path, merged); err != nil {
			discard()
			return 0, fmt.Errorf("writing partition %s: %w", filepath.Base(path), err)
		}
		inserted += added
	}

	// A crash part way through the renames leaves some partitions merged;
	// replaying the stage inserts the rest.
	for i, p := range written {
		if err := os.Rename(p+".tmp", p); err != nil {
			for _, rest := range written[i:] {
				os.Remove(rest + ".tmp")
			}
			t.hashes = nil
			return 0, fmt.Errorf("replacing partition %s: %w", filepath.Base(p), err)
		}
	}

	for h := range fresh {
		stored[h] = struct{}{}
	}
	if stamp, _, err := w.partitionStamp(table); err == nil {
		t.stamp = stamp
	} else {
		t.hashes = nil
	}
	return inserted, nil
}

// tableHashes returns every content hash stored in table, rereading the
// partitions only when the listing changed since the last call. The caller
// holds the table lock.
func (w *ParquetWarehouse) tableHashes(t *parquetTable, table string) (map[string]struct{}, error) {
	stamp, paths, err := w.partitionStamp(table)
	if err != nil {
		return nil, err
	}
	if t.hashes != nil && t.stamp == stamp {
		return t.hashes, nil
	}
	hashes := make(map[string]struct{})
	for _, p := range paths {
		rows, err := readParquetFile[hashRow](p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", filepath.Base(p), err)
		}
		for _, r := range rows {
			hashes[r.ContentHash] = struct{}{}
		}
	}
	t.stamp, t.hashes = stamp, hashes
	return hashes, nil
}

// partitionStamp lists the partitions of table and summarizes their names,
// sizes and modification times. Another writer's merge changes the stamp.
func (w *ParquetWarehouse) partitionStamp(table string) (string, []string, error) {
	entries, err := os.ReadDir(w.tableDir(table))
	if os.IsNotExist(err) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	var b strings.Builder
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".parquet") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return "", nil, err
		}
		fmt.Fprintf(&b, "%s:%d:%d;", e.Name(), info.Size(), info.ModTime().UnixNano())
		paths = append(paths, filepath.Join(w.tableDir(table), e.Name()))
	}
	return b.String(), paths, nil
}

// ExistingHashes reads the partitions overlapping r.
func (w *ParquetWarehouse) ExistingHashes(_ context.Context, table, datasetID string, r domain.TimeRange) (map[domain.ContentHash]struct{}, error) {
	out := make(map[domain.ContentHash]struct{})
	if r.Empty() {
		return out, nil
	}
	lo, hi := r.Start.UnixMilli(), r.End.UnixMilli()
	for d := dayOf(lo); d.UnixMilli() < hi; d = d.AddDate(0, 0, 1) {
		rows, err := readPartition(w.partitionPath(table, d))
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if row.DatasetID == datasetID && row.ObservedAt >= lo && row.ObservedAt < hi {
				out[domain.ContentHash(row.ContentHash)] = struct{}{}
			}
		}
	}
	return out, nil
}

// DropStage removes the staging file.
func (w *ParquetWarehouse) DropStage(_ context.Context, table, stage string) error {
	err := os.Remove(w.stagePath(table, stage))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SweepStages removes staging files created at least olderThan ago and,
// under the table lock, interrupted partition rewrites.
func (w *ParquetWarehouse) SweepStages(ctx context.Context, table string, olderThan time.Duration) (int, error) {
	now := time.Now()
	n := 0
	entries, err := os.ReadDir(w.stageDir(table))
	if err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	for _, e := range entries {
		stage := strings.TrimSuffix(strings.TrimSuffix(e.Name(), ".tmp"), ".parquet")
		if !sweepable(table, stage, olderThan, now) {
			continue
		}
		if err := os.Remove(filepath.Join(w.stageDir(table), e.Name())); err != nil {
			return n, err
		}
		n++
	}

	_, unlock, err := w.lock(ctx, table)
	if err != nil {
		return n, err
	}
	defer unlock()
	tmps, err := filepath.Glob(filepath.Join(w.tableDir(table), "*.tmp"))
	if err != nil {
		return n, err
	}
	for _, p := range tmps {
		if err := os.Remove(p); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Count sums the rows of every partition.
func (w *ParquetWarehouse) Count(_ context.Context, table string) (int, error) {
	paths, err := filepath.Glob(filepath.Join(w.tableDir(table), "*.parquet"))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range paths {
		rows, err := readParquetFile[Row](p)
		if err != nil {
			return 0, fmt.Errorf("reading %s: %w", filepath.Base(p), err)
		}
		n += len(rows)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

// writeParquetFile writes records to a temporary file and renames it over
// path.
func writeParquetFile[T any](path string, records []T) error {
	if err := writeTempFile(path, records); err != nil {
		return err
	}
	return os.Rename(path+".tmp", path)
}

// writeTempFile writes records to path+".tmp".
func writeTempFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, records); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// readPartition returns nil for a partition that does not exist yet.
func readPartition(path string) ([]Row, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return readParquetFile[Row](path)
}

// mergeRows appends incoming rows whose hash is not in existing, keeping
// existing rows unchanged. Results are sorted by observed_at.
func mergeRows(existing, incoming []Row) ([]Row, int) {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	merged := make([]Row, 0, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ContentHash] = struct{}{}
		merged = append(merged, r)
	}
	added := 0
	for _, r := range incoming {
		if _, ok := seen[r.ContentHash]; ok {
			continue
		}
		seen[r.ContentHash] = struct{}{}
		merged = append(merged, r)
		added++
	}
	return sortRows(merged), added
}

func sortRows(rows []Row) []Row {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].ObservedAt != rows[j].ObservedAt {
			return rows[i].ObservedAt < rows[j].ObservedAt
		}
		return rows[i].ContentHash < rows[j].ContentHash
	})
	return rows
}
