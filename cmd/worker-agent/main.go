// The worker-agent binary is a minimal worker replica: it registers with the
// controller, polls for leases, executes the job payload, and reports
// results stamped with the epochs its lease carried. It follows NOT_LEADER
// redirects, so it can be pointed at any controller replica.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

var (
	controllersFlag = flag.String("controllers", envOrDefault("WORKER_CONTROLLERS", "http://localhost:8090"), "comma-separated controller base URLs")
	agentIDFlag     = flag.String("agent-id", envOrDefault("WORKER_AGENT_ID", ""), "agent identity (defaults to a generated UUID)")
	workerNameFlag  = flag.String("worker-name", envOrDefault("WORKER_NAME", ""), "human-readable worker name (defaults to hostname)")

	pollIntervalFlag      = flag.Duration("poll-interval", 2*time.Second, "lease poll interval")
	heartbeatIntervalFlag = flag.Duration("heartbeat-interval", 10*time.Second, "agent heartbeat interval")
)

func main() {
	flag.Parse()

	agentID := *agentIDFlag
	if agentID == "" {
		agentID = uuid.NewString()
	}
	workerName := *workerNameFlag
	if workerName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Fatalf("resolve hostname: %v", err)
		}
		workerName = hostname
	}

	endpoints := strings.Split(*controllersFlag, ",")
	for i := range endpoints {
		endpoints[i] = strings.TrimRight(strings.TrimSpace(endpoints[i]), "/")
	}
	client := newControllerClient(endpoints)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	agent := &workerAgent{
		client:     client,
		agentID:    agentID,
		workerName: workerName,
	}
	log.Printf("worker_agent_starting agent_id=%s worker=%s controllers=%s", agentID, workerName, *controllersFlag)
	agent.run(ctx)
}

type workerAgent struct {
	client     *controllerClient
	agentID    string
	workerName string
}

func (a *workerAgent) run(ctx context.Context) {
	for !a.register(ctx) {
		if !sleepCtx(ctx, *pollIntervalFlag) {
			return
		}
	}

	heartbeat := time.NewTicker(*heartbeatIntervalFlag)
	defer heartbeat.Stop()
	poll := time.NewTicker(*pollIntervalFlag)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			a.heartbeat(ctx)
		case <-poll.C:
			a.pollOnce(ctx)
		}
	}
}

func (a *workerAgent) register(ctx context.Context) bool {
	body := map[string]any{"agent_id": a.agentID, "worker_name": a.workerName}
	status, _, err := a.client.postJSON(ctx, "/v1/agents", body)
	if err != nil {
		log.Printf("register_failed agent_id=%s err=%v", a.agentID, err)
		return false
	}
	if status != http.StatusCreated {
		log.Printf("register_rejected agent_id=%s status=%d", a.agentID, status)
		return false
	}
	log.Printf("registered agent_id=%s", a.agentID)
	return true
}

func (a *workerAgent) heartbeat(ctx context.Context) {
	path := fmt.Sprintf("/v1/agents/%s/heartbeat", a.agentID)
	status, _, err := a.client.postJSON(ctx, path, map[string]any{})
	if err != nil {
		log.Printf("heartbeat_failed agent_id=%s err=%v", a.agentID, err)
		return
	}
	if status != http.StatusNoContent {
		log.Printf("heartbeat_rejected agent_id=%s status=%d", a.agentID, status)
	}
}

type leaseGrant struct {
	LeaseID     string `json:"lease_id"`
	JobID       string `json:"job_id"`
	LeaderEpoch int64  `json:"leader_epoch"`
	JobEpoch    int64  `json:"job_epoch"`
	ExpiresAt   string `json:"expires_at"`
}

func (a *workerAgent) pollOnce(ctx context.Context) {
	status, body, err := a.client.postJSON(ctx, "/v1/leases", map[string]any{"agent_id": a.agentID})
	if err != nil {
		log.Printf("lease_poll_failed agent_id=%s err=%v", a.agentID, err)
		return
	}
	switch status {
	case http.StatusNoContent:
		return
	case http.StatusCreated:
	default:
		log.Printf("lease_poll_rejected agent_id=%s status=%d", a.agentID, status)
		return
	}

	var lease leaseGrant
	if err := json.Unmarshal(body, &lease); err != nil {
		log.Printf("lease_decode_failed err=%v", err)
		return
	}
	log.Printf("lease_received lease_id=%s job_id=%s job_epoch=%d leader_epoch=%d",
		lease.LeaseID, lease.JobID, lease.JobEpoch, lease.LeaderEpoch)
	a.execute(ctx, lease)
}

// execute runs the job and reports the result under the epochs the lease
// carried. The payload is echoed back; real work plugs in here.
func (a *workerAgent) execute(ctx context.Context, lease leaseGrant) {
	payload, err := a.fetchPayload(ctx, lease.JobID)
	if err != nil {
		log.Printf("payload_fetch_failed job_id=%s err=%v", lease.JobID, err)
		return
	}

	result := map[string]any{
		"job_id":       lease.JobID,
		"lease_id":     lease.LeaseID,
		"status":       "succeeded",
		"payload":      json.RawMessage(payload),
		"leader_epoch": lease.LeaderEpoch,
		"job_epoch":    lease.JobEpoch,
	}
	status, body, err := a.client.postJSON(ctx, "/v1/results", result)
	if err != nil {
		log.Printf("result_post_failed job_id=%s err=%v", lease.JobID, err)
		return
	}
	switch status {
	case http.StatusCreated:
		log.Printf("result_recorded job_id=%s job_epoch=%d", lease.JobID, lease.JobEpoch)
	case http.StatusConflict:
		if isStaleEpoch(body) {
			// The job was re-leased (or the leader changed) while we worked.
			// The newer assignee owns the job now; drop ours.
			log.Printf("result_stale job_id=%s job_epoch=%d", lease.JobID, lease.JobEpoch)
			return
		}
		log.Printf("result_conflict job_id=%s body=%s", lease.JobID, string(body))
	default:
		log.Printf("result_rejected job_id=%s status=%d", lease.JobID, status)
	}
}

func (a *workerAgent) fetchPayload(ctx context.Context, jobID string) (json.RawMessage, error) {
	status, body, err := a.client.getJSON(ctx, "/v1/jobs/"+jobID)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("job lookup status %d", status)
	}
	var detail struct {
		Job struct {
			Payload json.RawMessage `json:"payload"`
		} `json:"job"`
	}
	if err := json.Unmarshal(body, &detail); err != nil {
		return nil, err
	}
	if len(detail.Job.Payload) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return detail.Job.Payload, nil
}

// isStaleEpoch recognizes the stale-epoch contract, including the legacy
// STALE_LEASE spelling older controllers emit.
func isStaleEpoch(body []byte) bool {
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false
	}
	return resp.Error == "STALE_EPOCH" || resp.Error == "STALE_LEASE"
}

// controllerClient talks to whichever replica currently leads. On a
// NOT_LEADER answer it retargets to the advertised leader_url and retries
// once.
type controllerClient struct {
	endpoints []string
	current   int
	http      *http.Client
}

func newControllerClient(endpoints []string) *controllerClient {
	return &controllerClient{
		endpoints: endpoints,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *controllerClient) postJSON(ctx context.Context, path string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	return c.do(ctx, http.MethodPost, path, body, true)
}

func (c *controllerClient) getJSON(ctx context.Context, path string) (int, []byte, error) {
	return c.do(ctx, http.MethodGet, path, nil, true)
}

func (c *controllerClient) do(ctx context.Context, method, path string, body []byte, followLeader bool) (int, []byte, error) {
	var lastErr error
	for attempt := 0; attempt < len(c.endpoints); attempt++ {
		base := c.endpoints[c.current]
		status, respBody, err := c.doOne(ctx, method, base+path, body)
		if err != nil {
			lastErr = err
			c.current = (c.current + 1) % len(c.endpoints)
			continue
		}
		if status == http.StatusConflict && followLeader {
			if leaderURL, ok := leaderRedirect(respBody); ok {
				c.retarget(leaderURL)
				return c.doOne(ctx, method, c.endpoints[c.current]+path, body)
			}
		}
		return status, respBody, nil
	}
	return 0, nil, fmt.Errorf("all controllers unreachable: %w", lastErr)
}

func (c *controllerClient) doOne(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// retarget switches the preferred endpoint to the advertised leader,
// appending it when it is not in the configured set.
func (c *controllerClient) retarget(leaderURL string) {
	leaderURL = strings.TrimRight(leaderURL, "/")
	for i, endpoint := range c.endpoints {
		if endpoint == leaderURL {
			c.current = i
			return
		}
	}
	c.endpoints = append(c.endpoints, leaderURL)
	c.current = len(c.endpoints) - 1
}

func leaderRedirect(body []byte) (string, bool) {
	var resp struct {
		Error     string  `json:"error"`
		LeaderURL *string `json:"leader_url"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", false
	}
	if resp.Error != "NOT_LEADER" || resp.LeaderURL == nil || *resp.LeaderURL == "" {
		return "", false
	}
	return *resp.LeaderURL, true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func envOrDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}
