package engine

import (
	"context"
	"fmt"

	"gridsync/internal/domain"
	"gridsync/internal/gather"
)

// PreflightError is a run-level failure before any window was attempted:
// the source cannot be built or the warehouse is unreachable.
type PreflightError struct {
	Step string
	Err  error
}

func (e *PreflightError) Error() string { return fmt.Sprintf("preflight: %s: %v", e.Step, e.Err) }
func (e *PreflightError) Unwrap() error { return e.Err }

// preflight builds the source, makes sure the destination table exists and
// removes staging areas orphaned by an interrupted run. Stages younger than
// the stage TTL may belong to another live run and are left alone. Dry runs skip the
// warehouse writes.
func (e *Engine) preflight(ctx context.Context, ds domain.Dataset, dryRun bool) (gather.Source, error) {
	src, err := e.sources(ds)
	if err != nil {
		return nil, &PreflightError{Step: "building source", Err: err}
	}
	if dryRun {
		return src, nil
	}

	if err := e.wh.EnsureTable(ctx, ds.Table); err != nil {
		return nil, &PreflightError{Step: "ensuring table " + ds.Table, Err: err}
	}
	swept, err := e.wh.SweepStages(ctx, ds.Table, e.stageTTL)
	if err != nil {
		return nil, &PreflightError{Step: "sweeping stages", Err: err}
	}
	if swept > 0 {
		e.log.Warn("removed orphaned staging areas", "dataset", ds.ID, "table", ds.Table, "count", swept)
	}
	return src, nil
}
