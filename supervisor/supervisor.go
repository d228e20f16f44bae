// Package supervisor manages the co-located worker process. A standby
// replica moonlights as a worker; on promotion the worker is stopped so the
// leader's capacity goes to scheduling, and on demotion it is started again.
package supervisor

import (
	"errors"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"controller/election"
)

// ProcessManager starts and stops a single managed process.
type ProcessManager interface {
	Start() error
	Stop()
	Running() bool
}

// ExecProcess runs a command under os/exec and restarts it with backoff
// whenever it exits before Stop was called.
type ExecProcess struct {
	command []string
	grace   time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	running bool
	stopped chan struct{}
	// exited closes when the current process's Wait returns. Only the
	// keepAlive goroutine calls Wait; Stop synchronizes on this channel.
	exited chan struct{}
}

// NewExecProcess builds a process manager for the given argv. grace bounds
// how long Stop waits after SIGTERM before killing the process.
func NewExecProcess(command []string, grace time.Duration) (*ExecProcess, error) {
	if len(command) == 0 {
		return nil, errors.New("command is required")
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &ExecProcess{command: command, grace: grace}, nil
}

// Start launches the process and keeps it alive until Stop.
func (p *ExecProcess) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	stopped := make(chan struct{})
	exited := make(chan struct{})
	cmd, err := p.spawn()
	if err != nil {
		return err
	}
	p.cmd = cmd
	p.running = true
	p.stopped = stopped
	p.exited = exited
	go p.keepAlive(cmd, exited, stopped)
	return nil
}

func (p *ExecProcess) spawn() (*exec.Cmd, error) {
	cmd := exec.Command(p.command[0], p.command[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	log.Printf("worker_process_started pid=%d command=%q", cmd.Process.Pid, p.command[0])
	return cmd, nil
}

// keepAlive waits for the process and restarts it with backoff until the
// stopped channel closes.
func (p *ExecProcess) keepAlive(cmd *exec.Cmd, exited, stopped chan struct{}) {
	backoff := time.Second
	for {
		err := cmd.Wait()
		close(exited)
		select {
		case <-stopped:
			return
		default:
		}
		log.Printf("worker_process_exited err=%v restart_in=%s", err, backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-stopped:
			timer.Stop()
			return
		case <-timer.C:
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}

		next, err := p.spawn()
		for err != nil {
			log.Printf("worker_process_restart_failed err=%v", err)
			timer := time.NewTimer(backoff)
			select {
			case <-stopped:
				timer.Stop()
				return
			case <-timer.C:
			}
			next, err = p.spawn()
		}
		exited = make(chan struct{})
		p.mu.Lock()
		// Stop closes stopped under this mutex; if it won the race while we
		// were spawning, the new process is ours to take down.
		select {
		case <-stopped:
			p.mu.Unlock()
			_ = next.Process.Kill()
			_ = next.Wait()
			return
		default:
		}
		cmd = next
		p.cmd = next
		p.exited = exited
		p.mu.Unlock()
	}
}

// Stop terminates the process: SIGTERM first, SIGKILL after the grace
// period. Idempotent; returns after the process has exited.
func (p *ExecProcess) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopped)
	cmd := p.cmd
	exited := p.exited
	p.cmd = nil
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case <-exited:
	case <-time.After(p.grace):
		log.Printf("worker_process_kill pid=%d after=%s", cmd.Process.Pid, p.grace)
		_ = cmd.Process.Kill()
		<-exited
	}
}

// Running reports whether the process is currently managed.
func (p *ExecProcess) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Supervisor flips the worker process with role changes. It subscribes to
// the elector as a RoleListener.
type Supervisor struct {
	proc    ProcessManager
	enabled bool

	mu sync.Mutex
}

// New builds a supervisor. When enabled is false role changes are observed
// but the worker is never started.
func New(proc ProcessManager, enabled bool) *Supervisor {
	return &Supervisor{proc: proc, enabled: enabled}
}

// OnRoleChanged implements election.RoleListener. The worker runs whenever
// this replica is not the leader: a LEADER keeps its capacity for
// scheduling, a DRAINING node is already on its way back to standby, and
// SHUTDOWN stops everything.
func (s *Supervisor) OnRoleChanged(state election.RoleState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return
	}
	wantRunning := s.enabled &&
		(state.Role == election.RoleStandby || state.Role == election.RoleDraining)
	switch {
	case wantRunning && !s.proc.Running():
		if err := s.proc.Start(); err != nil {
			log.Printf("worker_start_failed role=%s err=%v", state.Role, err)
			return
		}
		log.Printf("worker_supervisor role=%s worker=running", state.Role)
	case !wantRunning && s.proc.Running():
		s.proc.Stop()
		log.Printf("worker_supervisor role=%s worker=stopped", state.Role)
	}
}

// Stop force-stops the worker regardless of role. Used on process exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil && s.proc.Running() {
		s.proc.Stop()
	}
}
