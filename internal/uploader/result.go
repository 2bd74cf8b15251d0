package uploader

import (
	"time"

	"github.com/geopush/geopush/internal/changeset"
)

// SessionResult is the outcome of one shard.
type SessionResult struct {
	Shard      int
	State      State
	Changesets []int64
	Batches    int
	Cancelled  bool
	// Err is the fatal error that aborted the session, if any.
	Err         error
	CloseErrors []error
}

// Result is the outcome of a run. Rejected changes are in Failures; they do
// not make the run fail.
type Result struct {
	RunID     string
	Limits    Limits
	Sessions  []SessionResult
	Stats     changeset.Stats
	Failures  []changeset.FailureRecord
	Err       error
	Cancelled bool
	Duration  time.Duration
}

// CloseFailed reports whether any changeset could not be closed.
func (r *Result) CloseFailed() bool {
	for _, s := range r.Sessions {
		if len(s.CloseErrors) > 0 {
			return true
		}
	}
	return false
}

// ExitCode is 1 when the run aborted, was cancelled or left a changeset open.
func (r *Result) ExitCode() int {
	if r.Err != nil || r.CloseFailed() {
		return 1
	}
	return 0
}
