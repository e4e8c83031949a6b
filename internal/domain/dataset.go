package domain

import "time"

// Dataset is the per-source metadata the planner, fetcher and normalizer
// consume. It is built from configuration rather than hardcoded per script.
type Dataset struct {
	ID     string
	Source SourceKind
	// Path is the upstream dataset path (BMRS) or ticker symbol (Alpaca).
	Path  string
	Table string

	Window         time.Duration
	MaxSpan        time.Duration
	PublicationLag time.Duration

	KeyFields       []string
	RevisionField   string
	IncludeRevision bool

	// TimeField holds the observed-at timestamp. When empty the settlement
	// date and period fields are used instead.
	TimeField             string
	SettlementDateField   string
	SettlementPeriodField string

	// TimeFields are canonicalised in addition to the observed-at field.
	TimeFields []string
	// Fields, when set, fixes the payload field set; missing ones become nil.
	Fields []string

	RetryEmpty bool

	// Alpaca-only.
	TimeFrame string
	Feed      string
}

// WindowFor returns the effective window size for a requested size,
// defaulting to the dataset window and capped at the maximum query span.
func (d Dataset) WindowFor(requested time.Duration) time.Duration {
	size := requested
	if size <= 0 {
		size = d.Window
	}
	if size <= 0 {
		size = d.MaxSpan
	}
	if size <= 0 {
		size = 24 * time.Hour
	}
	if d.MaxSpan > 0 && size > d.MaxSpan {
		size = d.MaxSpan
	}
	return size
}
