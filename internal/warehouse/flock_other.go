//go:build !unix

package warehouse

import "context"

// lockFile is a no-op where flock is unavailable; only the in-process table
// lock applies, so one process per data directory.
func lockFile(_ context.Context, _ string) (func(), error) {
	return func() {}, nil
}
