package election

// Role is the local replica's position in the active-passive pair.
type Role string

const (
	// RoleStandby is the boot state for every process. Standbys serve reads
	// and keep trying to acquire the leader lock.
	RoleStandby Role = "STANDBY"
	// RoleLeader is held while the replica owns the leader lock. Only a
	// leader may accept mutating requests.
	RoleLeader Role = "LEADER"
	// RoleDraining is a leader stepping down: no new leases, results for the
	// current term still accepted until the grace window closes.
	RoleDraining Role = "DRAINING"
	// RoleShutdown is terminal.
	RoleShutdown Role = "SHUTDOWN"
)

// transitions is the closed set of legal role changes. Anything not listed
// is a bug, not a state to drift into.
var transitions = map[Role]map[Role]bool{
	RoleStandby:  {RoleLeader: true, RoleShutdown: true},
	RoleLeader:   {RoleDraining: true, RoleStandby: true, RoleShutdown: true},
	RoleDraining: {RoleStandby: true, RoleShutdown: true},
	RoleShutdown: {},
}

func canTransition(from, to Role) bool {
	return transitions[from][to]
}

// RoleState is a replica's local view of role and leadership. LeaderEpoch is
// zero when no epoch has been observed yet; LeaderID and LeaderURL are empty
// when the current holder is unknown.
type RoleState struct {
	NodeID      string
	Role        Role
	LeaderEpoch int64
	LeaderID    string
	LeaderURL   string
}

// EpochKnown reports whether this replica has observed any leader epoch.
func (s RoleState) EpochKnown() bool { return s.LeaderEpoch > 0 }
