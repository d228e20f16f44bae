package main

import (
	"encoding/json"
	"time"

	"controller/election"
	"controller/scheduler"
)

const timeFormat = time.RFC3339Nano

// nodeMeta annotates every read response with this replica's view of
// leadership, so clients can tell who answered and under which term.
type nodeMeta struct {
	NodeID      string `json:"node_id"`
	Role        string `json:"role"`
	LeaderEpoch *int64 `json:"leader_epoch"`
	LeaderID    string `json:"leader_id,omitempty"`
}

func toNodeMeta(state election.RoleState) nodeMeta {
	meta := nodeMeta{
		NodeID:   state.NodeID,
		Role:     string(state.Role),
		LeaderID: state.LeaderID,
	}
	if state.EpochKnown() {
		epoch := state.LeaderEpoch
		meta.LeaderEpoch = &epoch
	}
	return meta
}

type roleResponse struct {
	NodeID      string  `json:"node_id"`
	Role        string  `json:"role"`
	LeaderEpoch *int64  `json:"leader_epoch"`
	LeaderID    *string `json:"leader_id"`
}

func toRoleResponse(state election.RoleState) roleResponse {
	resp := roleResponse{
		NodeID: state.NodeID,
		Role:   string(state.Role),
	}
	if state.EpochKnown() {
		epoch := state.LeaderEpoch
		resp.LeaderEpoch = &epoch
	}
	if state.LeaderID != "" {
		leaderID := state.LeaderID
		resp.LeaderID = &leaderID
	}
	return resp
}

type jobResponse struct {
	JobID       string          `json:"job_id"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	JobEpoch    int64           `json:"job_epoch"`
	LeaderEpoch int64           `json:"leader_epoch"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

func toJobResponse(job scheduler.Job) jobResponse {
	return jobResponse{
		JobID:       job.JobID,
		Payload:     job.Payload,
		Status:      string(job.Status),
		JobEpoch:    job.JobEpoch,
		LeaderEpoch: job.LeaderEpoch,
		CreatedAt:   job.CreatedAt.UTC().Format(timeFormat),
		UpdatedAt:   job.UpdatedAt.UTC().Format(timeFormat),
	}
}

type jobDetailResponse struct {
	Node   nodeMeta        `json:"node"`
	Job    jobResponse     `json:"job"`
	Result *resultResponse `json:"result,omitempty"`
}

type jobListResponse struct {
	Node nodeMeta      `json:"node"`
	Jobs []jobResponse `json:"jobs"`
}

type leaseResponse struct {
	LeaseID     string `json:"lease_id"`
	JobID       string `json:"job_id"`
	AgentID     string `json:"agent_id"`
	LeaderEpoch int64  `json:"leader_epoch"`
	JobEpoch    int64  `json:"job_epoch"`
	State       string `json:"state"`
	IssuedAt    string `json:"issued_at"`
	ExpiresAt   string `json:"expires_at"`
}

func toLeaseResponse(lease scheduler.Lease) leaseResponse {
	return leaseResponse{
		LeaseID:     lease.LeaseID,
		JobID:       lease.JobID,
		AgentID:     lease.AgentID,
		LeaderEpoch: lease.LeaderEpoch,
		JobEpoch:    lease.JobEpoch,
		State:       lease.State,
		IssuedAt:    lease.IssuedAt.UTC().Format(timeFormat),
		ExpiresAt:   lease.ExpiresAt.UTC().Format(timeFormat),
	}
}

type resultResponse struct {
	JobID       string          `json:"job_id"`
	JobEpoch    int64           `json:"job_epoch"`
	LeaseID     string          `json:"lease_id,omitempty"`
	LeaderEpoch int64           `json:"leader_epoch"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	RecordedAt  string          `json:"recorded_at"`
}

func toResultResponse(res scheduler.Result) resultResponse {
	return resultResponse{
		JobID:       res.JobID,
		JobEpoch:    res.JobEpoch,
		LeaseID:     res.LeaseID,
		LeaderEpoch: res.LeaderEpoch,
		Status:      res.Status,
		Payload:     res.Payload,
		RecordedAt:  res.RecordedAt.UTC().Format(timeFormat),
	}
}

type agentResponse struct {
	AgentID      string `json:"agent_id"`
	WorkerName   string `json:"worker_name,omitempty"`
	LeaderEpoch  int64  `json:"leader_epoch"`
	RegisteredAt string `json:"registered_at"`
	LastSeenAt   string `json:"last_seen_at"`
	Deleted      bool   `json:"deleted,omitempty"`
	DeletedAt    string `json:"deleted_at,omitempty"`
}

func toAgentResponse(agent scheduler.Agent) agentResponse {
	resp := agentResponse{
		AgentID:      agent.AgentID,
		WorkerName:   agent.WorkerName,
		LeaderEpoch:  agent.LeaderEpoch,
		RegisteredAt: agent.RegisteredAt.UTC().Format(timeFormat),
		LastSeenAt:   agent.LastSeenAt.UTC().Format(timeFormat),
		Deleted:      agent.Deleted,
	}
	if agent.Deleted && !agent.DeletedAt.IsZero() {
		resp.DeletedAt = agent.DeletedAt.UTC().Format(timeFormat)
	}
	return resp
}

type agentListResponse struct {
	Node   nodeMeta        `json:"node"`
	Agents []agentResponse `json:"agents"`
}

type eventResponse struct {
	EventID     int64  `json:"event_id"`
	Kind        string `json:"kind"`
	JobID       string `json:"job_id,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	LeaderEpoch int64  `json:"leader_epoch"`
	Detail      string `json:"detail,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func toEventResponse(event scheduler.Event) eventResponse {
	return eventResponse{
		EventID:     event.EventID,
		Kind:        event.Kind,
		JobID:       event.JobID,
		AgentID:     event.AgentID,
		LeaderEpoch: event.LeaderEpoch,
		Detail:      event.Detail,
		CreatedAt:   event.CreatedAt.UTC().Format(timeFormat),
	}
}

type eventListResponse struct {
	Node   nodeMeta        `json:"node"`
	Events []eventResponse `json:"events"`
}
