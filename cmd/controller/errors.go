package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"controller/election"
	"controller/scheduler"
)

// notLeaderResponse is the fixed redirect contract for mutations hitting a
// non-leader. Clients follow leader_url; the shape must not change.
type notLeaderResponse struct {
	Error       string  `json:"error"`
	LeaderID    *string `json:"leader_id"`
	LeaderURL   *string `json:"leader_url"`
	LeaderEpoch *int64  `json:"leader_epoch"`
	NodeID      string  `json:"node_id"`
	Role        string  `json:"role"`
}

type staleEpochResponse struct {
	Error string `json:"error"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeNotLeader(w http.ResponseWriter, state election.RoleState) {
	resp := notLeaderResponse{
		Error:  "NOT_LEADER",
		NodeID: state.NodeID,
		Role:   string(state.Role),
	}
	if state.LeaderID != "" {
		leaderID := state.LeaderID
		resp.LeaderID = &leaderID
	}
	if state.LeaderURL != "" {
		leaderURL := state.LeaderURL
		resp.LeaderURL = &leaderURL
	}
	if state.EpochKnown() {
		epoch := state.LeaderEpoch
		resp.LeaderEpoch = &epoch
	}
	writeJSON(w, http.StatusConflict, resp)
}

func writeStaleEpoch(w http.ResponseWriter) {
	writeJSON(w, http.StatusConflict, staleEpochResponse{Error: "STALE_EPOCH"})
}

// writeSchedulerError maps manager errors onto HTTP statuses. The two
// fencing rejections carry fixed bodies; the rest use the generic envelope.
func (s *apiServer) writeSchedulerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrNotLeader):
		writeNotLeader(w, s.elector.State())
	case errors.Is(err, scheduler.ErrStaleEpoch):
		writeStaleEpoch(w)
	case errors.Is(err, scheduler.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "not_found", "job not found", nil)
	case errors.Is(err, scheduler.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, "not_found", "agent not found", nil)
	case errors.Is(err, scheduler.ErrJobExists):
		writeError(w, http.StatusConflict, "job_exists", "job already exists", nil)
	case errors.Is(err, scheduler.ErrResultExists):
		writeError(w, http.StatusConflict, "result_exists", "result already recorded for this job epoch", nil)
	case errors.Is(err, scheduler.ErrJobTerminal):
		writeError(w, http.StatusConflict, "job_terminal", "job already completed", nil)
	case errors.Is(err, scheduler.ErrAgentTombstoned):
		writeError(w, http.StatusGone, "agent_tombstoned", "agent has been removed", nil)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message, Details: details}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
