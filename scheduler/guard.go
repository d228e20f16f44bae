package scheduler

import (
	"controller/election"
)

// Guard is the fencing gate in front of every mutating operation. It does
// the cheap local checks (role, declared epoch) before any SQL runs; the
// store then re-validates the same fence inside the write statement itself,
// so the check-then-write gap stays closed even when demotion lands between
// the two.
//
// Epoch policy: a request that declares no leader epoch is trusted and
// stamped with the current epoch at commit (the SQL fence still rejects it
// if the term ended by then). A declared epoch that differs from the current
// term is rejected outright.
type Guard struct {
	elector *election.Elector
}

// NewGuard constructs a guard over the elector's role state.
func NewGuard(elector *election.Elector) *Guard {
	return &Guard{elector: elector}
}

// Admit validates a mutating request that requires full leadership. It
// returns the fence the write must be stamped with.
func (g *Guard) Admit(declaredEpoch *int64) (election.Fence, error) {
	return g.admit(declaredEpoch, false)
}

// AdmitResult validates a result submission. Results are also accepted while
// DRAINING, for leases already issued under the still-open term.
func (g *Guard) AdmitResult(declaredEpoch *int64) (election.Fence, error) {
	return g.admit(declaredEpoch, true)
}

func (g *Guard) admit(declaredEpoch *int64, allowDraining bool) (election.Fence, error) {
	state := g.elector.State()
	switch state.Role {
	case election.RoleLeader:
	case election.RoleDraining:
		if !allowDraining {
			return election.Fence{}, ErrNotLeader
		}
	default:
		return election.Fence{}, ErrNotLeader
	}
	fence, ok := g.elector.Fence()
	if !ok {
		// Demoted between the role read and here. Ambiguity resolves toward
		// standby.
		return election.Fence{}, ErrNotLeader
	}
	if declaredEpoch != nil && *declaredEpoch != fence.LeaderEpoch {
		return election.Fence{}, ErrStaleEpoch
	}
	return fence, nil
}
