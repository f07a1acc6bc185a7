// Package shmtest provides the shared-memory test harness used across
// pkg/slotpipe, pkg/mailbox, and pkg/fanout's integration tests: pointing
// segment creation at a throwaway directory instead of the real /dev/shm.
package shmtest

import (
	"testing"

	"github.com/mi7io/mi7/internal/shmseg"
)

// WithTempDir isolates shmseg segment creation to a fresh temporary
// directory for the lifetime of t.
func WithTempDir(t *testing.T) {
	t.Helper()
	shmseg.SetShmDirForTest(t.TempDir())
}
