package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gridsync/internal/domain"
	"gridsync/internal/fetch"
)

// Exit codes for the sync command.
const (
	ExitOK         = 0 // every window success, empty or not yet available
	ExitIncomplete = 1 // windows failed or were left pending
	ExitConfig     = 2 // configuration, auth or preflight error
)

// Summary reports the outcome of one run.
type Summary struct {
	RunID      string
	DatasetID  string
	Start, End time.Time
	WindowSize time.Duration

	Planned         int
	Attempted       int
	Succeeded       int
	Empty           int
	Failed          int
	Pending         int
	NotYetAvailable int
	Tail            domain.TimeRange

	Inserted    int
	Skipped     int
	Quarantined int

	// DryRunWindows lists the planned windows of a dry run.
	DryRunWindows []domain.SourceWindow
	Elapsed       time.Duration
}

// Complete reports whether every requested window is done or deferred.
func (s *Summary) Complete() bool {
	return s.Failed == 0 && s.Pending == 0
}

// LogAttrs returns the summary as slog key/value pairs.
func (s *Summary) LogAttrs() []any {
	return []any{
		"planned", s.Planned,
		"attempted", s.Attempted,
		"succeeded", s.Succeeded,
		"empty", s.Empty,
		"failed", s.Failed,
		"pending", s.Pending,
		"not_yet_available", s.NotYetAvailable,
		"inserted", s.Inserted,
		"skipped", s.Skipped,
		"quarantined", s.Quarantined,
		"elapsed", s.Elapsed.Round(time.Millisecond),
	}
}

func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d windows attempted, %d succeeded, %d empty, %d failed, %d pending, %d not yet available",
		s.DatasetID, s.Attempted, s.Succeeded, s.Empty, s.Failed, s.Pending, s.NotYetAvailable)
	fmt.Fprintf(&b, "; %d rows inserted, %d skipped, %d quarantined", s.Inserted, s.Skipped, s.Quarantined)
	if !s.Tail.Empty() {
		fmt.Fprintf(&b, "; not yet available: %s", s.Tail)
	}
	return b.String()
}

// ExitCode maps a run outcome onto the command exit status.
func ExitCode(s *Summary, err error) int {
	var (
		pe *PreflightError
		ae *fetch.AuthError
	)
	switch {
	case errors.As(err, &pe), errors.As(err, &ae):
		return ExitConfig
	case err != nil:
		return ExitIncomplete
	case s == nil:
		return ExitOK
	case !s.Complete():
		return ExitIncomplete
	default:
		return ExitOK
	}
}

// Cancelled reports whether err is a cancellation or run timeout.
func Cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
