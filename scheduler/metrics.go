package scheduler

import (
	"fmt"
	"io"
	"sync"
)

// Metrics tracks scheduler counters for Prometheus text exposition.
type Metrics struct {
	mu sync.Mutex

	jobsCreated      uint64
	leasesIssued     uint64
	resultsRecorded  uint64
	agentsRegistered uint64
	agentsTombstoned uint64

	rejectedNotLeader  uint64
	rejectedStaleEpoch uint64
}

// NewMetrics constructs a scheduler metrics registry.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) ObserveJobCreated() {
	if m == nil {
		return
	}
	m.bump(&m.jobsCreated)
}

func (m *Metrics) ObserveLeaseIssued() {
	if m == nil {
		return
	}
	m.bump(&m.leasesIssued)
}

func (m *Metrics) ObserveResultRecorded() {
	if m == nil {
		return
	}
	m.bump(&m.resultsRecorded)
}

func (m *Metrics) ObserveAgentRegistered() {
	if m == nil {
		return
	}
	m.bump(&m.agentsRegistered)
}

func (m *Metrics) ObserveAgentTombstoned() {
	if m == nil {
		return
	}
	m.bump(&m.agentsTombstoned)
}

// ObserveRejection counts a fencing rejection surfaced to a client.
func (m *Metrics) ObserveRejection(err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch err {
	case ErrNotLeader:
		m.rejectedNotLeader++
	case ErrStaleEpoch:
		m.rejectedStaleEpoch++
	}
}

func (m *Metrics) bump(counter *uint64) {
	m.mu.Lock()
	*counter++
	m.mu.Unlock()
}

// WritePrometheus writes the scheduler metrics in Prometheus text format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	writeCounter(w, "controller_jobs_created_total", m.jobsCreated)
	writeCounter(w, "controller_leases_issued_total", m.leasesIssued)
	writeCounter(w, "controller_results_recorded_total", m.resultsRecorded)
	writeCounter(w, "controller_agents_registered_total", m.agentsRegistered)
	writeCounter(w, "controller_agents_tombstoned_total", m.agentsTombstoned)
	writeCounter(w, "controller_rejected_not_leader_total", m.rejectedNotLeader)
	writeCounter(w, "controller_rejected_stale_epoch_total", m.rejectedStaleEpoch)
}

func writeCounter(w io.Writer, name string, value uint64) {
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n", name, value)
}
