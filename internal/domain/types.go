// Package domain defines the core types shared by the synchronization engine:
// windows, raw pages, normalized records, content hashes and ledger entries.
package domain

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

// WindowStatus is the persisted outcome of a window in the run ledger.
type WindowStatus string

const (
	StatusPending WindowStatus = "pending"
	StatusSuccess WindowStatus = "success"
	StatusEmpty   WindowStatus = "empty"
	StatusFailed  WindowStatus = "failed"

	// StatusNotYetAvailable is reported by the planner for the tail of a range
	// the upstream has not published yet. It is never written to the ledger.
	StatusNotYetAvailable WindowStatus = "not_yet_available"
)

// Complete reports whether a window with this status needs no further fetches.
func (s WindowStatus) Complete() bool {
	return s == StatusSuccess || s == StatusEmpty
}

// Valid reports whether s is a persisted ledger status.
func (s WindowStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusEmpty, StatusFailed:
		return true
	}
	return false
}

// SourceKind selects the upstream adapter for a dataset.
type SourceKind string

const (
	SourceBMRS   SourceKind = "bmrs"
	SourceAlpaca SourceKind = "alpaca"
)

// ---------------------------------------------------------------------------
// Time ranges and windows
// ---------------------------------------------------------------------------

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Empty reports whether the range contains no instants.
func (r TimeRange) Empty() bool { return !r.End.After(r.Start) }

// Contains reports whether t lies in [Start, End).
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Duration returns End - Start.
func (r TimeRange) Duration() time.Duration { return r.End.Sub(r.Start) }

func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.UTC().Format(time.RFC3339), r.End.UTC().Format(time.RFC3339))
}

// SourceWindow is one bounded slice of a dataset fetched as a unit.
type SourceWindow struct {
	DatasetID   string
	Start       time.Time // inclusive
	End         time.Time // exclusive
	Granularity time.Duration
}

// Range returns the window as a TimeRange.
func (w SourceWindow) Range() TimeRange { return TimeRange{Start: w.Start, End: w.End} }

func (w SourceWindow) String() string {
	return w.DatasetID + " " + w.Range().String()
}

// ---------------------------------------------------------------------------
// Pages and records
// ---------------------------------------------------------------------------

// RawPage is one upstream response body for a window.
type RawPage struct {
	Window    SourceWindow
	Body      []byte
	NextToken string
	FetchedAt time.Time
}

// ContentHash is the hex digest that identifies a logical observation.
type ContentHash string

// NormalizedRecord is the flat, source-independent shape of one observation.
type NormalizedRecord struct {
	DatasetID string
	// KeyOrder lists NaturalKey names in hash order.
	KeyOrder   []string
	NaturalKey map[string]string
	Payload    map[string]any
	ObservedAt time.Time
	Revision   string
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

// LedgerEntry is the durable outcome of one window.
type LedgerEntry struct {
	DatasetID    string
	Window       TimeRange
	Status       WindowStatus
	AttemptCount int
	LastError    string
	CommittedAt  time.Time
	UpdatedAt    time.Time
}
