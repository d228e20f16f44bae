package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"controller/election"
	"controller/scheduler"
)

type apiServer struct {
	manager *scheduler.Manager
	elector *election.Elector
	db      *sql.DB

	electionMetrics  *election.Metrics
	schedulerMetrics *scheduler.Metrics
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports readiness: the process is ready when its database is
// reachable, regardless of role. A standby serving reads is a healthy state.
func (s *apiServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		http.Error(w, "database unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *apiServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	s.electionMetrics.WritePrometheus(w)
	s.schedulerMetrics.WritePrometheus(w)
}

func (s *apiServer) handleRole(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, toRoleResponse(s.elector.State()))
}

func (s *apiServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	}
}

func (s *apiServer) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	job, err := s.manager.CreateJob(r.Context(), scheduler.CreateJobRequest{
		JobID:       req.JobID,
		Payload:     req.Payload,
		LeaderEpoch: req.LeaderEpoch,
	})
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

func (s *apiServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	jobs, err := s.manager.ListJobs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", nil)
		return
	}
	resp := jobListResponse{Node: toNodeMeta(s.elector.State()), Jobs: make([]jobResponse, 0, len(jobs))}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(job))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
		return
	}
	jobID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/jobs/"), "/")
	if jobID == "" || strings.Contains(jobID, "/") {
		writeError(w, http.StatusBadRequest, "invalid_request", "job_id is required", nil)
		return
	}
	view, found, err := s.manager.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", nil)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "job not found", map[string]string{"job_id": jobID})
		return
	}
	resp := jobDetailResponse{Node: toNodeMeta(s.elector.State()), Job: toJobResponse(view.Job)}
	if view.Result != nil {
		result := toResultResponse(*view.Result)
		resp.Result = &result
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLeases issues a lease. An empty queue is not an error: 204 tells the
// polling worker there is nothing to do.
func (s *apiServer) handleLeases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
		return
	}
	var req createLeaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent_id is required", nil)
		return
	}
	lease, err := s.manager.IssueLease(r.Context(), scheduler.IssueLeaseRequest{
		JobID:       req.JobID,
		AgentID:     req.AgentID,
		LeaderEpoch: req.LeaderEpoch,
	})
	if errors.Is(err, scheduler.ErrNoPendingJobs) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLeaseResponse(lease))
}

func (s *apiServer) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
		return
	}
	var req recordResultRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.JobID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "job_id is required", nil)
		return
	}
	status := strings.TrimSpace(req.Status)
	if status != scheduler.ResultSucceeded && status != scheduler.ResultFailed {
		writeError(w, http.StatusBadRequest, "invalid_request", "status must be succeeded or failed", nil)
		return
	}
	res, err := s.manager.RecordResult(r.Context(), scheduler.RecordResultRequest{
		JobID:       req.JobID,
		LeaseID:     req.LeaseID,
		Status:      req.Status,
		Payload:     req.Payload,
		LeaderEpoch: req.LeaderEpoch,
		JobEpoch:    req.JobEpoch,
	})
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResultResponse(res))
}

func (s *apiServer) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleRegisterAgent(w, r)
	case http.MethodGet:
		s.handleListAgents(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	}
}

func (s *apiServer) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	agent, err := s.manager.RegisterAgent(r.Context(), scheduler.RegisterAgentRequest{
		AgentID:     req.AgentID,
		WorkerName:  req.WorkerName,
		LeaderEpoch: req.LeaderEpoch,
	})
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgentResponse(agent))
}

func (s *apiServer) handleListAgents(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	agents, err := s.manager.ListAgents(r.Context(), includeDeleted)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", nil)
		return
	}
	resp := agentListResponse{Node: toNodeMeta(s.elector.State()), Agents: make([]agentResponse, 0, len(agents))}
	for _, agent := range agents {
		resp.Agents = append(resp.Agents, toAgentResponse(agent))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleAgent(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/agents/"), "/")
	parts := strings.Split(path, "/")

	switch {
	case len(parts) == 1 && parts[0] != "" && r.Method == http.MethodDelete:
		s.handleTombstoneAgent(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "heartbeat" && r.Method == http.MethodPost:
		s.handleHeartbeat(w, r, parts[0])
	case len(parts) == 1 && parts[0] != "" && r.Method == http.MethodGet:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET /v1/agents to list agents", nil)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown agent endpoint", nil)
	}
}

func (s *apiServer) handleTombstoneAgent(w http.ResponseWriter, r *http.Request, agentID string) {
	var declaredEpoch *int64
	if raw := r.URL.Query().Get("leader_epoch"); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "leader_epoch must be an integer", nil)
			return
		}
		declaredEpoch = &value
	}
	if err := s.manager.TombstoneAgent(r.Context(), agentID, declaredEpoch); err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleHeartbeat(w http.ResponseWriter, r *http.Request, agentID string) {
	var req heartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.manager.HeartbeatAgent(r.Context(), agentID, req.LeaderEpoch); err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
		return
	}
	afterID := int64(queryInt(r, "after", 0))
	limit := queryInt(r, "limit", 100)
	events, err := s.manager.ListEvents(r.Context(), afterID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", nil)
		return
	}
	resp := eventListResponse{Node: toNodeMeta(s.elector.State()), Events: make([]eventResponse, 0, len(events))}
	for _, event := range events {
		resp.Events = append(resp.Events, toEventResponse(event))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStepdown asks a leader to drain and hand off. A non-leader answers
// with the same redirect contract mutations get.
func (s *apiServer) handleStepdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
		return
	}
	if !s.elector.Stepdown() {
		writeNotLeader(w, s.elector.State())
		return
	}
	writeJSON(w, http.StatusAccepted, toRoleResponse(s.elector.State()))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", nil)
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, fallback int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil {
			return value
		}
	}
	return fallback
}
