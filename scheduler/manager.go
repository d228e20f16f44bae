package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"controller/election"
	"controller/store"
)

// Config holds Manager tunables.
type Config struct {
	// LeaseTTL bounds how long an issued lease stays in-flight without a
	// result before drain stops waiting for it.
	LeaseTTL time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 60 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Manager owns the controller's job state: jobs, leases, results, agents and
// the audit trail. All mutations pass through the fencing guard first and are
// committed with the term fence in the write statement itself. It also
// implements election.DrainTracker so a draining leader can hand off as soon
// as its outstanding leases resolve.
type Manager struct {
	store    *sqlStore
	guard    *Guard
	elector  *election.Elector
	metrics  *Metrics
	leaseTTL time.Duration
	now      func() time.Time
}

// NewManager wires the manager over an opened database and a running
// elector.
func NewManager(db *sql.DB, dialect store.Dialect, elector *election.Elector, cfg Config) (*Manager, error) {
	if elector == nil {
		return nil, errors.New("elector is required")
	}
	st, err := newSQLStore(db, dialect)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Manager{
		store:    st,
		guard:    NewGuard(elector),
		elector:  elector,
		leaseTTL: cfg.LeaseTTL,
		now:      cfg.Now,
	}, nil
}

// SetMetrics attaches a metrics registry. Safe to leave unset.
func (m *Manager) SetMetrics(metrics *Metrics) {
	m.metrics = metrics
}

// CreateJobRequest creates a job. JobID is optional; a UUID is assigned when
// absent. LeaderEpoch is the caller's declared term, nil to trust the
// current one.
type CreateJobRequest struct {
	JobID       string
	Payload     json.RawMessage
	LeaderEpoch *int64
}

// CreateJob admits and persists a new pending job at job epoch 1.
func (m *Manager) CreateJob(ctx context.Context, req CreateJobRequest) (Job, error) {
	fence, err := m.guard.Admit(req.LeaderEpoch)
	if err != nil {
		m.metrics.ObserveRejection(err)
		return Job{}, err
	}
	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		jobID = uuid.NewString()
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	job, err := m.store.insertJob(ctx, fence, Job{
		JobID:     jobID,
		Payload:   payload,
		CreatedAt: m.now().UTC(),
	})
	if err != nil {
		return Job{}, m.classify(err)
	}
	m.metrics.ObserveJobCreated()
	log.Printf("job_created job_id=%s leader_epoch=%d", job.JobID, fence.LeaderEpoch)
	return job, nil
}

// IssueLeaseRequest assigns a job to an agent. JobID is optional; when empty
// the oldest pending job is picked.
type IssueLeaseRequest struct {
	JobID       string
	AgentID     string
	LeaderEpoch *int64
}

// IssueLease advances the job's epoch and issues an active lease bound to
// the new epoch. Returns ErrNoPendingJobs when no JobID was given and the
// queue is empty.
func (m *Manager) IssueLease(ctx context.Context, req IssueLeaseRequest) (Lease, error) {
	fence, err := m.guard.Admit(req.LeaderEpoch)
	if err != nil {
		m.metrics.ObserveRejection(err)
		return Lease{}, err
	}
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		return Lease{}, fmt.Errorf("agent_id is required")
	}
	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		picked, found, err := m.store.pickPendingJob(ctx, m.store.db)
		if err != nil {
			return Lease{}, err
		}
		if !found {
			return Lease{}, ErrNoPendingJobs
		}
		jobID = picked
	}
	lease, err := m.store.issueLease(ctx, fence, Lease{
		LeaseID:  uuid.NewString(),
		JobID:    jobID,
		AgentID:  agentID,
		IssuedAt: m.now().UTC(),
	}, m.leaseTTL)
	if err != nil {
		return Lease{}, m.classify(err)
	}
	m.metrics.ObserveLeaseIssued()
	log.Printf("lease_issued lease_id=%s job_id=%s agent_id=%s job_epoch=%d leader_epoch=%d",
		lease.LeaseID, lease.JobID, lease.AgentID, lease.JobEpoch, fence.LeaderEpoch)
	return lease, nil
}

// RecordResultRequest commits a worker's result. JobEpoch is the epoch the
// worker ran under, nil to trust the job's current epoch. Results are
// accepted while DRAINING for leases issued under the still-open term.
type RecordResultRequest struct {
	JobID       string
	LeaseID     string
	Status      string
	Payload     json.RawMessage
	LeaderEpoch *int64
	JobEpoch    *int64
}

// RecordResult records a terminal result for a job and resolves its leases.
func (m *Manager) RecordResult(ctx context.Context, req RecordResultRequest) (Result, error) {
	fence, err := m.guard.AdmitResult(req.LeaderEpoch)
	if err != nil {
		m.metrics.ObserveRejection(err)
		return Result{}, err
	}
	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		return Result{}, fmt.Errorf("job_id is required")
	}
	status := strings.TrimSpace(req.Status)
	if status != ResultSucceeded && status != ResultFailed {
		return Result{}, fmt.Errorf("status must be %q or %q", ResultSucceeded, ResultFailed)
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	res, err := m.store.recordResult(ctx, fence, Result{
		JobID:      jobID,
		LeaseID:    strings.TrimSpace(req.LeaseID),
		Status:     status,
		Payload:    payload,
		RecordedAt: m.now().UTC(),
	}, req.JobEpoch)
	if err != nil {
		return Result{}, m.classify(err)
	}
	m.metrics.ObserveResultRecorded()
	log.Printf("result_recorded job_id=%s job_epoch=%d status=%s leader_epoch=%d",
		res.JobID, res.JobEpoch, res.Status, fence.LeaderEpoch)
	return res, nil
}

// RegisterAgentRequest registers (or refreshes) a worker agent.
type RegisterAgentRequest struct {
	AgentID     string
	WorkerName  string
	LeaderEpoch *int64
}

// RegisterAgent registers a worker agent, or refreshes its registration when
// the agent already exists. Tombstoned agents stay rejected.
func (m *Manager) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (Agent, error) {
	fence, err := m.guard.Admit(req.LeaderEpoch)
	if err != nil {
		m.metrics.ObserveRejection(err)
		return Agent{}, err
	}
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		agentID = uuid.NewString()
	}
	agent, err := m.store.upsertAgent(ctx, fence, Agent{
		AgentID:      agentID,
		WorkerName:   strings.TrimSpace(req.WorkerName),
		RegisteredAt: m.now().UTC(),
	})
	if err != nil {
		return Agent{}, m.classify(err)
	}
	m.metrics.ObserveAgentRegistered()
	log.Printf("agent_registered agent_id=%s worker=%s leader_epoch=%d",
		agent.AgentID, agent.WorkerName, fence.LeaderEpoch)
	return agent, nil
}

// HeartbeatAgent refreshes an agent's last-seen timestamp.
func (m *Manager) HeartbeatAgent(ctx context.Context, agentID string, declaredEpoch *int64) error {
	fence, err := m.guard.Admit(declaredEpoch)
	if err != nil {
		m.metrics.ObserveRejection(err)
		return err
	}
	if err := m.store.heartbeatAgent(ctx, fence, agentID, store.UnixMS(m.now().UTC())); err != nil {
		return m.classify(err)
	}
	return nil
}

// TombstoneAgent marks an agent deleted. Idempotent; the row is kept so late
// requests stay attributable.
func (m *Manager) TombstoneAgent(ctx context.Context, agentID string, declaredEpoch *int64) error {
	fence, err := m.guard.Admit(declaredEpoch)
	if err != nil {
		m.metrics.ObserveRejection(err)
		return err
	}
	if err := m.store.tombstoneAgent(ctx, fence, agentID, store.UnixMS(m.now().UTC())); err != nil {
		return m.classify(err)
	}
	m.metrics.ObserveAgentTombstoned()
	log.Printf("agent_tombstoned agent_id=%s leader_epoch=%d", agentID, fence.LeaderEpoch)
	return nil
}

// JobView is a job with its current-epoch lease and result, when present.
type JobView struct {
	Job    Job
	Lease  *Lease
	Result *Result
}

// GetJob reads a job and, when present, the result recorded at its current
// epoch. Reads are served from any role.
func (m *Manager) GetJob(ctx context.Context, jobID string) (JobView, bool, error) {
	job, found, err := m.store.loadJob(ctx, m.store.db, jobID)
	if err != nil || !found {
		return JobView{}, found, err
	}
	view := JobView{Job: job}
	res, found, err := m.store.loadResult(ctx, job.JobID, job.JobEpoch)
	if err != nil {
		return JobView{}, false, err
	}
	if found {
		view.Result = &res
	}
	return view, true, nil
}

// GetLease reads a single lease by ID.
func (m *Manager) GetLease(ctx context.Context, leaseID string) (Lease, bool, error) {
	return m.store.loadLease(ctx, leaseID)
}

// ListJobs lists jobs, newest first, capped at limit.
func (m *Manager) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return m.store.listJobs(ctx, limit)
}

// ListAgents lists registered agents, optionally including tombstones.
func (m *Manager) ListAgents(ctx context.Context, includeDeleted bool) ([]Agent, error) {
	return m.store.listAgents(ctx, includeDeleted)
}

// ListEvents lists audit events with event_id greater than afterID.
func (m *Manager) ListEvents(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return m.store.listEvents(ctx, afterID, limit)
}

// InflightLeases implements election.DrainTracker: active unexpired leases
// issued under the given leader epoch.
func (m *Manager) InflightLeases(ctx context.Context, epoch int64) (int, error) {
	return m.store.inflightLeases(ctx, epoch, m.now().UTC())
}

// classify maps store errors onto the client contract. A rejected fence
// means the backend no longer shows this node's term: tell the elector,
// which demotes to STANDBY, and tell the caller their view is stale.
func (m *Manager) classify(err error) error {
	if errors.Is(err, errFenceRejected) {
		log.Printf("fence_rejected_at_commit err=%v", err)
		m.elector.ReportLoss(election.ErrLockLost)
		m.metrics.ObserveRejection(ErrStaleEpoch)
		return ErrStaleEpoch
	}
	if errors.Is(err, ErrStaleEpoch) {
		m.metrics.ObserveRejection(ErrStaleEpoch)
	}
	return err
}
