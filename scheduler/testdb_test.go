package scheduler

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"controller/election"
	"controller/store"
)

func newTestDB(t *testing.T) (*sql.DB, store.Dialect) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "scheduler_test.db")
	db, dialect, err := store.Open("sqlite", store.SQLiteDSN(path))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Migrate(ctx, db, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db, dialect
}

func electionConfig(nodeID string) election.Config {
	return election.Config{
		LockName:          "test-lock",
		NodeID:            nodeID,
		AdvertiseURL:      "http://" + nodeID,
		TTL:               2 * time.Second,
		RenewInterval:     100 * time.Millisecond,
		AcquireInterval:   20 * time.Millisecond,
		BackendTimeout:    time.Second,
		DrainGrace:        10 * time.Second,
		DrainPollInterval: 20 * time.Millisecond,
	}
}

// newLeaderManager boots an elector over the shared database, waits for it
// to win the lock, and returns a manager wired to it.
func newLeaderManager(t *testing.T) (*Manager, *election.Elector, *sql.DB, store.Dialect) {
	t.Helper()
	db, dialect := newTestDB(t)
	manager, elector := startManager(t, db, dialect, "node-a")
	waitForLeadership(t, elector, true)
	return manager, elector, db, dialect
}

func startManager(t *testing.T, db *sql.DB, dialect store.Dialect, nodeID string) (*Manager, *election.Elector) {
	t.Helper()
	lock := election.NewSQLLockClient(db, dialect)
	authority := election.NewEpochAuthority(lock, "test-lock")
	elector := election.NewElector(lock, authority, electionConfig(nodeID))

	manager, err := NewManager(db, dialect, elector, Config{LeaseTTL: time.Minute})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	elector.SetDrainTracker(manager)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go elector.Run(ctx)
	return manager, elector
}

func waitForLeadership(t *testing.T, elector *election.Elector, want bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if elector.IsLeader() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("leadership never became %v (state: %+v)", want, elector.State())
}

func waitForRole(t *testing.T, elector *election.Elector, role election.Role) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if elector.State().Role == role {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("role never reached %s (state: %+v)", role, elector.State())
}

// rotateLock hands the lock row to another holder at the next epoch,
// simulating a takeover behind the current leader's back.
func rotateLock(t *testing.T, db *sql.DB, dialect store.Dialect, holderID string) {
	t.Helper()
	_, err := db.Exec(
		dialect.Rebind(
			`UPDATE controller_locks
       SET holder_id = ?, holder_url = ?, leader_epoch = leader_epoch + 1,
           renewed_at_ms = ?, expires_at_ms = ?
       WHERE lock_name = ?`),
		holderID,
		"http://"+holderID,
		store.UnixMS(time.Now()),
		store.UnixMS(time.Now().Add(time.Minute)),
		"test-lock",
	)
	if err != nil {
		t.Fatalf("rotate lock: %v", err)
	}
}

func mustCreateJob(t *testing.T, manager *Manager, jobID string) Job {
	t.Helper()
	job, err := manager.CreateJob(context.Background(), CreateJobRequest{
		JobID:   jobID,
		Payload: []byte(`{"task":"demo"}`),
	})
	if err != nil {
		t.Fatalf("create job %s: %v", jobID, err)
	}
	return job
}

func mustRegisterAgent(t *testing.T, manager *Manager, agentID string) Agent {
	t.Helper()
	agent, err := manager.RegisterAgent(context.Background(), RegisterAgentRequest{
		AgentID:    agentID,
		WorkerName: "worker-" + agentID,
	})
	if err != nil {
		t.Fatalf("register agent %s: %v", agentID, err)
	}
	return agent
}

func mustIssueLease(t *testing.T, manager *Manager, jobID, agentID string) Lease {
	t.Helper()
	lease, err := manager.IssueLease(context.Background(), IssueLeaseRequest{
		JobID:   jobID,
		AgentID: agentID,
	})
	if err != nil {
		t.Fatalf("issue lease job=%s agent=%s: %v", jobID, agentID, err)
	}
	return lease
}
