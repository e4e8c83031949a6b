// Package plan computes which windows of a dataset still need fetching.
package plan

import (
	"iter"
	"slices"
	"time"

	"gridsync/internal/domain"
)

// Request is a sync request for one dataset over [Start, End).
type Request struct {
	Dataset domain.Dataset
	Start   time.Time
	End     time.Time
	// WindowSize overrides the dataset window; it is still capped at MaxSpan.
	WindowSize time.Duration
}

// Plan is the outcome of planning one request.
type Plan struct {
	// Windows yields the missing windows in ascending order.
	Windows iter.Seq[domain.SourceWindow]
	// Tail is the part of the range not yet published upstream. Empty when
	// the whole range is available.
	Tail domain.TimeRange
	// TailWindows counts the tiles that fall in Tail.
	TailWindows int
	// WindowSize is the effective tile size.
	WindowSize time.Duration
}

// Build plans req against the covered ranges (complete ledger entries) at
// time now. Tiles start at req.Start and step by the effective window size;
// the last tile is clipped to req.End. Any part of a tile that overlaps a
// covered range is dropped, and the remaining pieces are emitted as separate
// windows. Tiles ending after now minus the publication lag form the tail.
func Build(req Request, covered []domain.TimeRange, now time.Time) Plan {
	size := req.Dataset.WindowFor(req.WindowSize)
	start, end := req.Start.UTC(), req.End.UTC()

	p := Plan{WindowSize: size, Windows: func(func(domain.SourceWindow) bool) {}}
	if !end.After(start) {
		return p
	}

	availableAt := now.UTC().Add(-req.Dataset.PublicationLag)
	cutoff := end
	for t := start; t.Before(end); t = t.Add(size) {
		tileEnd := minTime(t.Add(size), end)
		if tileEnd.After(availableAt) {
			cutoff = t
			p.Tail = domain.TimeRange{Start: t, End: end}
			p.TailWindows = tileCount(t, end, size)
			break
		}
	}

	merged := Merge(covered)
	datasetID := req.Dataset.ID
	p.Windows = func(yield func(domain.SourceWindow) bool) {
		for t := start; t.Before(cutoff); t = t.Add(size) {
			tile := domain.TimeRange{Start: t, End: minTime(t.Add(size), cutoff)}
			for _, piece := range Subtract(tile, merged) {
				w := domain.SourceWindow{
					DatasetID:   datasetID,
					Start:       piece.Start,
					End:         piece.End,
					Granularity: size,
				}
				if !yield(w) {
					return
				}
			}
		}
	}
	return p
}

// Covered extracts the ranges of complete ledger entries. Empty entries are
// left out when retryEmpty is set so they are fetched again.
func Covered(entries []domain.LedgerEntry, retryEmpty bool) []domain.TimeRange {
	var out []domain.TimeRange
	for _, e := range entries {
		switch {
		case e.Status == domain.StatusSuccess:
		case e.Status == domain.StatusEmpty && !retryEmpty:
		default:
			continue
		}
		out = append(out, e.Window)
	}
	return out
}

// Merge sorts ranges and joins overlapping or adjacent ones.
func Merge(ranges []domain.TimeRange) []domain.TimeRange {
	rs := make([]domain.TimeRange, 0, len(ranges))
	for _, r := range ranges {
		if !r.Empty() {
			rs = append(rs, domain.TimeRange{Start: r.Start.UTC(), End: r.End.UTC()})
		}
	}
	slices.SortFunc(rs, func(a, b domain.TimeRange) int { return a.Start.Compare(b.Start) })

	var out []domain.TimeRange
	for _, r := range rs {
		if n := len(out); n > 0 && !r.Start.After(out[n-1].End) {
			if r.End.After(out[n-1].End) {
				out[n-1].End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Subtract returns the parts of r not covered by merged, which must be the
// output of Merge.
func Subtract(r domain.TimeRange, merged []domain.TimeRange) []domain.TimeRange {
	var out []domain.TimeRange
	cur := r.Start
	for _, c := range merged {
		if !c.End.After(cur) {
			continue
		}
		if !c.Start.Before(r.End) {
			break
		}
		if c.Start.After(cur) {
			out = append(out, domain.TimeRange{Start: cur, End: c.Start})
		}
		cur = c.End
		if !cur.Before(r.End) {
			return out
		}
	}
	if cur.Before(r.End) {
		out = append(out, domain.TimeRange{Start: cur, End: r.End})
	}
	return out
}

func tileCount(start, end time.Time, size time.Duration) int {
	d := end.Sub(start)
	n := int(d / size)
	if d%size != 0 {
		n++
	}
	return n
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
