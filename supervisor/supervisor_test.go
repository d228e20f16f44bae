package supervisor

import (
	"sync"
	"testing"
	"time"

	"controller/election"
)

type fakeProcess struct {
	mu      sync.Mutex
	running bool
	starts  int
	stops   int
}

func (p *fakeProcess) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
	p.starts++
	return nil
}

func (p *fakeProcess) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.stops++
}

func (p *fakeProcess) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *fakeProcess) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops
}

func TestWorkerRunsUnlessLeading(t *testing.T) {
	proc := &fakeProcess{}
	sup := New(proc, true)

	sup.OnRoleChanged(election.RoleState{Role: election.RoleStandby})
	if !proc.Running() {
		t.Fatal("standby must run the worker")
	}

	sup.OnRoleChanged(election.RoleState{Role: election.RoleLeader})
	if proc.Running() {
		t.Fatal("leader must stop the worker")
	}

	sup.OnRoleChanged(election.RoleState{Role: election.RoleDraining})
	if !proc.Running() {
		t.Fatal("draining node is no longer leading and must restart the worker")
	}

	sup.OnRoleChanged(election.RoleState{Role: election.RoleStandby})
	if !proc.Running() {
		t.Fatal("standby after drain must keep the worker running")
	}

	sup.OnRoleChanged(election.RoleState{Role: election.RoleShutdown})
	if proc.Running() {
		t.Fatal("shutdown must stop the worker")
	}

	starts, stops := proc.counts()
	if starts != 2 || stops != 2 {
		t.Fatalf("starts=%d stops=%d, want 2 and 2", starts, stops)
	}
}

func TestRepeatedRoleChangesAreIdempotent(t *testing.T) {
	proc := &fakeProcess{}
	sup := New(proc, true)

	sup.OnRoleChanged(election.RoleState{Role: election.RoleStandby})
	sup.OnRoleChanged(election.RoleState{Role: election.RoleStandby})
	starts, _ := proc.counts()
	if starts != 1 {
		t.Fatalf("repeated standby must not restart the worker, starts=%d", starts)
	}
}

func TestMoonlightingDisabledKeepsWorkerOff(t *testing.T) {
	proc := &fakeProcess{}
	sup := New(proc, false)

	sup.OnRoleChanged(election.RoleState{Role: election.RoleStandby})
	if proc.Running() {
		t.Fatal("disabled moonlighting must never start the worker")
	}
}

func TestStopDuringRestartTakesWorkerDown(t *testing.T) {
	// The command exits immediately, parking keepAlive in its restart
	// window. Stop must still return promptly and leave nothing running.
	proc, err := NewExecProcess([]string{"/bin/sh", "-c", "exit 0"}, time.Second)
	if err != nil {
		t.Fatalf("construct process: %v", err)
	}
	if err := proc.Start(); err != nil {
		t.Fatalf("start process: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		proc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	if proc.Running() {
		t.Fatal("stopped process must not report running")
	}
	proc.Stop() // idempotent
}

func TestStopForcesWorkerDown(t *testing.T) {
	proc := &fakeProcess{}
	sup := New(proc, true)

	sup.OnRoleChanged(election.RoleState{Role: election.RoleStandby})
	sup.Stop()
	if proc.Running() {
		t.Fatal("Stop must terminate the worker regardless of role")
	}
}
