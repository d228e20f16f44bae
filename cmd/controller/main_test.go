package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"controller/election"
	"controller/scheduler"
	"controller/store"
)

type testNode struct {
	server  *httptest.Server
	elector *election.Elector
	cancel  context.CancelFunc
}

// startTestNode boots a full controller replica over the shared database
// file: elector, manager, and HTTP surface. The httptest URL doubles as the
// advertise URL so NOT_LEADER redirects are followable.
func startTestNode(t *testing.T, dbPath, nodeID string) *testNode {
	t.Helper()

	db, dialect, err := store.Open("sqlite", store.SQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer migrateCancel()
	if err := store.Migrate(migrateCtx, db, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	server := &apiServer{}
	var mux http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	lock := election.NewSQLLockClient(db, dialect)
	authority := election.NewEpochAuthority(lock, "test-lock")
	elector := election.NewElector(lock, authority, election.Config{
		LockName:          "test-lock",
		NodeID:            nodeID,
		AdvertiseURL:      ts.URL,
		TTL:               2 * time.Second,
		RenewInterval:     100 * time.Millisecond,
		AcquireInterval:   20 * time.Millisecond,
		BackendTimeout:    time.Second,
		DrainGrace:        5 * time.Second,
		DrainPollInterval: 20 * time.Millisecond,
	})
	manager, err := scheduler.NewManager(db, dialect, elector, scheduler.Config{LeaseTTL: time.Minute})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	elector.SetDrainTracker(manager)

	server.manager = manager
	server.elector = elector
	server.db = db
	server.electionMetrics = election.NewMetrics()
	server.schedulerMetrics = scheduler.NewMetrics()
	elector.SetMetrics(server.electionMetrics)
	manager.SetMetrics(server.schedulerMetrics)
	mux = newMux(server)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go elector.Run(ctx)

	return &testNode{server: ts, elector: elector, cancel: cancel}
}

func waitLeader(t *testing.T, nodes ...*testNode) (*testNode, []*testNode) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var leader *testNode
		leaders := 0
		for _, node := range nodes {
			if node.elector.IsLeader() {
				leader = node
				leaders++
			}
		}
		if leaders == 1 {
			standbys := make([]*testNode, 0, len(nodes)-1)
			for _, node := range nodes {
				if node != leader {
					standbys = append(standbys, node)
				}
			}
			return leader, standbys
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected exactly one leader")
	return nil, nil
}

func postJSON(t *testing.T, url string, payload any) (*http.Response, []byte) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, buf.Bytes()
}

func getJSON(t *testing.T, url string, dst any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if dst != nil {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestRoleEndpoint(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "controller_test.db")
	node := startTestNode(t, dbPath, "node-a")
	leader, _ := waitLeader(t, node)

	var role roleResponse
	resp := getJSON(t, leader.server.URL+"/role", &role)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /role status = %d", resp.StatusCode)
	}
	if role.Role != "LEADER" || role.NodeID != "node-a" {
		t.Fatalf("unexpected role body: %+v", role)
	}
	if role.LeaderEpoch == nil || *role.LeaderEpoch < 1 {
		t.Fatalf("leader epoch missing in role body: %+v", role)
	}
	if role.LeaderID == nil || *role.LeaderID != "node-a" {
		t.Fatalf("leader id missing in role body: %+v", role)
	}
}

func TestNotLeaderRedirectContract(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "controller_test.db")
	a := startTestNode(t, dbPath, "node-a")
	b := startTestNode(t, dbPath, "node-b")
	leader, standbys := waitLeader(t, a, b)
	standby := standbys[0]

	resp, body := postJSON(t, standby.server.URL+"/v1/jobs", map[string]any{"job_id": "job-1"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("standby mutation status = %d, want 409", resp.StatusCode)
	}

	var reject notLeaderResponse
	if err := json.Unmarshal(body, &reject); err != nil {
		t.Fatalf("decode rejection: %v (%s)", err, body)
	}
	if reject.Error != "NOT_LEADER" {
		t.Fatalf("error = %q, want NOT_LEADER", reject.Error)
	}
	if reject.Role != "STANDBY" {
		t.Fatalf("role = %q, want STANDBY", reject.Role)
	}
	if reject.NodeID != standby.elector.State().NodeID {
		t.Fatalf("node_id = %q, want the answering standby", reject.NodeID)
	}
	if reject.LeaderID == nil || *reject.LeaderID != leader.elector.State().NodeID {
		t.Fatalf("leader_id = %v, want %s", reject.LeaderID, leader.elector.State().NodeID)
	}
	if reject.LeaderURL == nil || *reject.LeaderURL != leader.server.URL {
		t.Fatalf("leader_url = %v, want %s", reject.LeaderURL, leader.server.URL)
	}
	if reject.LeaderEpoch == nil || *reject.LeaderEpoch != leader.elector.State().LeaderEpoch {
		t.Fatalf("leader_epoch = %v, want %d", reject.LeaderEpoch, leader.elector.State().LeaderEpoch)
	}

	// The redirect target accepts the same request.
	resp, _ = postJSON(t, *reject.LeaderURL+"/v1/jobs", map[string]any{"job_id": "job-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("leader mutation status = %d, want 201", resp.StatusCode)
	}
}

func TestStaleEpochContract(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "controller_test.db")
	node := startTestNode(t, dbPath, "node-a")
	leader, _ := waitLeader(t, node)

	wrong := leader.elector.State().LeaderEpoch + 9
	resp, body := postJSON(t, leader.server.URL+"/v1/jobs", map[string]any{
		"job_id":       "job-1",
		"leader_epoch": wrong,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale mutation status = %d, want 409", resp.StatusCode)
	}
	var reject staleEpochResponse
	if err := json.Unmarshal(body, &reject); err != nil {
		t.Fatalf("decode rejection: %v (%s)", err, body)
	}
	if reject.Error != "STALE_EPOCH" {
		t.Fatalf("error = %q, want STALE_EPOCH", reject.Error)
	}
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "controller_test.db")
	node := startTestNode(t, dbPath, "node-a")
	leader, _ := waitLeader(t, node)
	base := leader.server.URL

	resp, _ := postJSON(t, base+"/v1/agents", map[string]any{"agent_id": "agent-1", "worker_name": "worker-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register agent status = %d", resp.StatusCode)
	}

	// Empty queue polls are a quiet 204, not an error.
	resp, _ = postJSON(t, base+"/v1/leases", map[string]any{"agent_id": "agent-1"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("empty queue lease status = %d, want 204", resp.StatusCode)
	}

	resp, _ = postJSON(t, base+"/v1/jobs", map[string]any{
		"job_id":  "job-1",
		"payload": map[string]any{"task": "demo"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create job status = %d", resp.StatusCode)
	}

	resp, body := postJSON(t, base+"/v1/leases", map[string]any{"agent_id": "agent-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("lease status = %d (%s)", resp.StatusCode, body)
	}
	var lease leaseResponse
	if err := json.Unmarshal(body, &lease); err != nil {
		t.Fatalf("decode lease: %v", err)
	}
	if lease.JobID != "job-1" || lease.JobEpoch != 2 {
		t.Fatalf("unexpected lease: %+v", lease)
	}

	resp, body = postJSON(t, base+"/v1/results", map[string]any{
		"job_id":       "job-1",
		"lease_id":     lease.LeaseID,
		"status":       "succeeded",
		"payload":      map[string]any{"output": "done"},
		"leader_epoch": lease.LeaderEpoch,
		"job_epoch":    lease.JobEpoch,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("result status = %d (%s)", resp.StatusCode, body)
	}

	var detail jobDetailResponse
	getJSON(t, base+"/v1/jobs/job-1", &detail)
	if detail.Job.Status != "done" {
		t.Fatalf("job status = %s, want done", detail.Job.Status)
	}
	if detail.Result == nil || detail.Result.Status != "succeeded" {
		t.Fatalf("missing result in job view: %+v", detail.Result)
	}
	if detail.Node.Role != "LEADER" {
		t.Fatalf("read annotation role = %s, want LEADER", detail.Node.Role)
	}

	var events eventListResponse
	getJSON(t, base+"/v1/events", &events)
	if len(events.Events) != 4 {
		t.Fatalf("event count = %d, want 4", len(events.Events))
	}
}

func TestReadsServedOnStandby(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "controller_test.db")
	a := startTestNode(t, dbPath, "node-a")
	b := startTestNode(t, dbPath, "node-b")
	leader, standbys := waitLeader(t, a, b)
	standby := standbys[0]

	resp, _ := postJSON(t, leader.server.URL+"/v1/jobs", map[string]any{"job_id": "job-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create job status = %d", resp.StatusCode)
	}

	var list jobListResponse
	resp = getJSON(t, standby.server.URL+"/v1/jobs", &list)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("standby list status = %d", resp.StatusCode)
	}
	if len(list.Jobs) != 1 || list.Jobs[0].JobID != "job-1" {
		t.Fatalf("standby read missing the job: %+v", list.Jobs)
	}
	if list.Node.Role != "STANDBY" {
		t.Fatalf("standby annotation role = %s", list.Node.Role)
	}
}

func TestFailoverMintsHigherEpoch(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "controller_test.db")
	a := startTestNode(t, dbPath, "node-a")
	b := startTestNode(t, dbPath, "node-b")
	leader, standbys := waitLeader(t, a, b)
	survivor := standbys[0]
	firstEpoch := leader.elector.State().LeaderEpoch

	// Kill the leader's election loop; its release lets the survivor take
	// over without waiting out the TTL.
	leader.cancel()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if survivor.elector.IsLeader() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !survivor.elector.IsLeader() {
		t.Fatal("survivor never took over")
	}
	if got := survivor.elector.State().LeaderEpoch; got <= firstEpoch {
		t.Fatalf("takeover epoch = %d, want > %d", got, firstEpoch)
	}

	resp, _ := postJSON(t, survivor.server.URL+"/v1/jobs", map[string]any{"job_id": "job-after-failover"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("post-failover mutation status = %d", resp.StatusCode)
	}
}

func TestStepdownEndpoint(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "controller_test.db")
	node := startTestNode(t, dbPath, "node-a")
	leader, _ := waitLeader(t, node)

	resp, body := postJSON(t, leader.server.URL+"/v1/stepdown", map[string]any{})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("stepdown status = %d (%s)", resp.StatusCode, body)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		role := leader.elector.State().Role
		if role == election.RoleDraining || role == election.RoleStandby {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("leader never left LEADER after stepdown: %+v", leader.elector.State())
}

func TestMetricsEndpoint(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "controller_test.db")
	node := startTestNode(t, dbPath, "node-a")
	leader, _ := waitLeader(t, node)

	resp, err := http.Get(leader.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	text := buf.String()
	for _, metric := range []string{"controller_election_is_leader 1", "controller_jobs_created_total"} {
		if !bytes.Contains([]byte(text), []byte(metric)) {
			t.Fatalf("metrics output missing %q:\n%s", metric, text)
		}
	}
}

func TestTombstoneAgentOverHTTP(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "controller_test.db")
	node := startTestNode(t, dbPath, "node-a")
	leader, _ := waitLeader(t, node)
	base := leader.server.URL

	resp, _ := postJSON(t, base+"/v1/agents", map[string]any{"agent_id": "agent-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodDelete, base+"/v1/agents/agent-1", nil)
	if err != nil {
		t.Fatalf("build delete: %v", err)
	}
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete agent: %v", err)
	}
	_ = delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", delResp.StatusCode)
	}

	var list agentListResponse
	getJSON(t, fmt.Sprintf("%s/v1/agents?include_deleted=%v", base, true), &list)
	if len(list.Agents) != 1 || !list.Agents[0].Deleted {
		t.Fatalf("expected one tombstoned agent, got %+v", list.Agents)
	}
}
