package main

import "encoding/json"

type createJobRequest struct {
	JobID       string          `json:"job_id"`
	Payload     json.RawMessage `json:"payload"`
	LeaderEpoch *int64          `json:"leader_epoch"`
}

type createLeaseRequest struct {
	JobID       string `json:"job_id"`
	AgentID     string `json:"agent_id"`
	LeaderEpoch *int64 `json:"leader_epoch"`
}

type recordResultRequest struct {
	JobID       string          `json:"job_id"`
	LeaseID     string          `json:"lease_id"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	LeaderEpoch *int64          `json:"leader_epoch"`
	JobEpoch    *int64          `json:"job_epoch"`
}

type registerAgentRequest struct {
	AgentID     string `json:"agent_id"`
	WorkerName  string `json:"worker_name"`
	LeaderEpoch *int64 `json:"leader_epoch"`
}

type heartbeatRequest struct {
	LeaderEpoch *int64 `json:"leader_epoch"`
}
