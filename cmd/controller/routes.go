package main

import "net/http"

func newMux(server *apiServer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/readyz", server.handleReadyz)
	mux.HandleFunc("/metrics", server.handleMetrics)
	mux.HandleFunc("/role", server.handleRole)
	mux.HandleFunc("/v1/jobs", server.handleJobs)
	mux.HandleFunc("/v1/jobs/", server.handleJob)
	mux.HandleFunc("/v1/leases", server.handleLeases)
	mux.HandleFunc("/v1/results", server.handleResults)
	mux.HandleFunc("/v1/agents", server.handleAgents)
	mux.HandleFunc("/v1/agents/", server.handleAgent)
	mux.HandleFunc("/v1/events", server.handleEvents)
	mux.HandleFunc("/v1/stepdown", server.handleStepdown)
	return mux
}
