// Package election implements the controller's leader-election and fencing
// core: an exclusive-lock client over a shared store, the monotonic leader
// epoch, and the role state machine that decides when this replica may write.
package election

import (
	"context"
	"errors"
	"time"
)

// ErrLockLost reports an authoritative loss of the leader lock: the backend
// no longer shows this holder at this epoch. It always forces demotion.
var ErrLockLost = errors.New("leader lock lost")

// ErrLockUnavailable reports that the lock backend could not be reached
// within the retry budget. The replica demotes rather than guess.
var ErrLockUnavailable = errors.New("lock backend unavailable")

// AcquireRequest identifies the candidate attempting to take the lock.
type AcquireRequest struct {
	LockName  string
	HolderID  string
	HolderURL string
	TTL       time.Duration
}

// Grant is the capability returned by a successful acquisition. Its epoch is
// minted by the backend atomically with the acquisition itself, so no two
// holders can ever observe the same value as current. The grant doubles as
// the fencing token for every durable write performed under this term.
type Grant struct {
	LockName  string
	HolderID  string
	HolderURL string
	Epoch     int64
	ExpiresAt time.Time
}

// Fence returns the fencing token durable writes must carry.
func (g Grant) Fence() Fence {
	return Fence{LockName: g.LockName, HolderID: g.HolderID, LeaderEpoch: g.Epoch}
}

// LockState is an observer's view of the lock resource, readable by any
// replica for introspection.
type LockState struct {
	HolderID  string
	HolderURL string
	Epoch     int64
	ExpiresAt time.Time
}

// Expired reports whether the recorded holder's term has lapsed at the given
// instant.
func (s LockState) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// LockClient is the abstraction over the external exclusive-lock service.
// Exclusivity is the backend's guarantee, not the caller's: a (Grant, true)
// return means the backend committed this holder as the sole owner until the
// grant expires or is renewed. A false return without error is an
// authoritative denial or loss, never a transient condition to retry blindly.
type LockClient interface {
	// TryAcquire attempts to take the lock, incrementing the leader epoch as
	// one atomic step with the acquisition.
	TryAcquire(ctx context.Context, req AcquireRequest) (Grant, bool, error)

	// Renew extends the holder's term. It must be called more often than the
	// TTL. ok=false means the lock moved on: the caller is no longer leader.
	Renew(ctx context.Context, grant Grant, ttl time.Duration) (Grant, bool, error)

	// Release ends the term early. Safe to call on a lost grant.
	Release(ctx context.Context, grant Grant) error

	// Observe reads the current lock state without taking sides.
	Observe(ctx context.Context, lockName string) (LockState, bool, error)
}

// Fence pins a durable write to the leadership term it was issued under.
// Stores check it inside the same statement as the write, closing the gap
// between epoch validation and commit.
type Fence struct {
	LockName    string
	HolderID    string
	LeaderEpoch int64
}
