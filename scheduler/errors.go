package scheduler

import "errors"

// Fencing and role errors. These map to the stable 409 contracts clients use
// for redirect logic, so they are surfaced verbatim, never wrapped into
// backend detail.
var (
	// ErrNotLeader reports that this replica's role does not permit the
	// mutation.
	ErrNotLeader = errors.New("not leader")
	// ErrStaleEpoch reports a leader-term or job-term fencing violation. The
	// caller must re-fetch current leadership or job state.
	ErrStaleEpoch = errors.New("stale epoch")
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobTerminal     = errors.New("job already completed")
	ErrJobExists       = errors.New("job already exists")
	ErrNoPendingJobs   = errors.New("no pending jobs")
	ErrAgentNotFound   = errors.New("agent not found")
	ErrAgentTombstoned = errors.New("agent is tombstoned")
	ErrResultExists    = errors.New("result already recorded for this job epoch")
)
