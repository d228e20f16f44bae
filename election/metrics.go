package election

import (
	"fmt"
	"io"
	"sync"
)

// Metrics tracks election counters for Prometheus text exposition.
type Metrics struct {
	mu sync.Mutex

	acquireAttempts uint64
	acquireDenied   uint64
	acquireErrors   uint64
	renewals        uint64
	renewFailures   uint64
	losses          uint64
	stepdowns       uint64
	transitions     uint64

	role        Role
	leaderEpoch int64
}

// NewMetrics constructs an election metrics registry.
func NewMetrics() *Metrics {
	return &Metrics{role: RoleStandby}
}

func (m *Metrics) ObserveAcquire(granted bool, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquireAttempts++
	if err != nil {
		m.acquireErrors++
	} else if !granted {
		m.acquireDenied++
	}
}

func (m *Metrics) ObserveRenewal(ok bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.renewals++
	} else {
		m.renewFailures++
	}
}

func (m *Metrics) ObserveLoss() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.losses++
	m.mu.Unlock()
}

func (m *Metrics) ObserveStepdown() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.stepdowns++
	m.mu.Unlock()
}

func (m *Metrics) ObserveTransition(state RoleState) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.transitions++
	m.role = state.Role
	m.leaderEpoch = state.LeaderEpoch
	m.mu.Unlock()
}

// WritePrometheus writes the election metrics in Prometheus text format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	writeCounter(w, "controller_election_acquire_attempts_total", m.acquireAttempts)
	writeCounter(w, "controller_election_acquire_denied_total", m.acquireDenied)
	writeCounter(w, "controller_election_acquire_errors_total", m.acquireErrors)
	writeCounter(w, "controller_election_renewals_total", m.renewals)
	writeCounter(w, "controller_election_renew_failures_total", m.renewFailures)
	writeCounter(w, "controller_election_losses_total", m.losses)
	writeCounter(w, "controller_election_stepdowns_total", m.stepdowns)
	writeCounter(w, "controller_election_role_transitions_total", m.transitions)

	fmt.Fprintf(w, "# TYPE controller_election_leader_epoch gauge\n")
	fmt.Fprintf(w, "controller_election_leader_epoch %d\n", m.leaderEpoch)
	fmt.Fprintf(w, "# TYPE controller_election_is_leader gauge\n")
	isLeader := 0
	if m.role == RoleLeader {
		isLeader = 1
	}
	fmt.Fprintf(w, "controller_election_is_leader %d\n", isLeader)
}

func writeCounter(w io.Writer, name string, value uint64) {
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n", name, value)
}
