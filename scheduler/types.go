// Package scheduler holds the controller's durable job state and the fencing
// guard that keeps stale leaders from mutating it. Every write is stamped
// with the leader epoch it was accepted under and committed in the same
// statement that re-validates the term, so a demotion landing between check
// and write cannot let a stale mutation through.
package scheduler

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	// JobPending means the job is waiting for a lease.
	JobPending JobStatus = "pending"
	// JobLeased means a worker holds an active lease on the job.
	JobLeased JobStatus = "leased"
	// JobDone means a successful result was recorded.
	JobDone JobStatus = "done"
	// JobFailed means a failed result was recorded.
	JobFailed JobStatus = "failed"
)

// Lease states. A lease is never mutated into a new assignment; re-leasing
// supersedes it under a higher job epoch.
const (
	LeaseActive     = "active"
	LeaseSuperseded = "superseded"
	LeaseResolved   = "resolved"
)

// Result statuses accepted on submission.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
)

// Job is a schedulable unit of work. JobEpoch is the per-job fencing token:
// it advances on every re-lease, independent of leadership changes, and
// fences late results from displaced workers.
type Job struct {
	JobID       string
	Payload     json.RawMessage
	Status      JobStatus
	JobEpoch    int64
	LeaderEpoch int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Lease assigns a job to a worker agent. Immutable once committed.
type Lease struct {
	LeaseID     string
	JobID       string
	AgentID     string
	LeaderEpoch int64
	JobEpoch    int64
	State       string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Result is a commit against a lease. Immutable; at most one per job epoch.
type Result struct {
	JobID       string
	JobEpoch    int64
	LeaseID     string
	LeaderEpoch int64
	Status      string
	Payload     json.RawMessage
	RecordedAt  time.Time
}

// Agent is a registered worker replica. Deletion is a tombstone, never a row
// removal, so late requests from a removed agent stay attributable.
type Agent struct {
	AgentID      string
	WorkerName   string
	LeaderEpoch  int64
	RegisteredAt time.Time
	LastSeenAt   time.Time
	DeletedAt    time.Time
	Deleted      bool
}

// Event is an append-only audit record of an accepted mutation.
type Event struct {
	EventID     int64
	Kind        string
	JobID       string
	AgentID     string
	LeaderEpoch int64
	Detail      string
	CreatedAt   time.Time
}

// Event kinds.
const (
	EventJobCreated      = "job_created"
	EventLeaseIssued     = "lease_issued"
	EventResultRecorded  = "result_recorded"
	EventAgentRegistered = "agent_registered"
	EventAgentTombstoned = "agent_tombstoned"
)
