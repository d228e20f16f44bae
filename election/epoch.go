package election

import (
	"context"
	"fmt"
	"sync"
)

// EpochAuthority tracks the leader epoch on this replica. The backend mints
// epochs atomically with lock acquisition; this type enforces local
// monotonicity so a restarted or delayed goroutine can never re-adopt a
// stale in-memory value, and exposes the backend's current epoch for
// introspection by any replica.
type EpochAuthority struct {
	lock     LockClient
	lockName string

	mu   sync.Mutex
	last int64
}

// NewEpochAuthority constructs an authority over the given lock resource.
func NewEpochAuthority(lock LockClient, lockName string) *EpochAuthority {
	return &EpochAuthority{lock: lock, lockName: lockName}
}

// Adopt records a freshly granted epoch. Epochs must strictly increase over
// the life of the process; anything else means the grant is stale and must
// not be used for writes.
func (a *EpochAuthority) Adopt(epoch int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if epoch <= a.last {
		return fmt.Errorf("leader epoch regression: adopted %d, got %d", a.last, epoch)
	}
	a.last = epoch
	return nil
}

// LastAdopted returns the highest epoch this process has held, zero if none.
func (a *EpochAuthority) LastAdopted() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// Current reads the backend's current epoch. It is valid on any replica and
// reflects the epoch even when the holder's term has expired.
func (a *EpochAuthority) Current(ctx context.Context) (int64, bool, error) {
	state, ok, err := a.lock.Observe(ctx, a.lockName)
	if err != nil || !ok {
		return 0, false, err
	}
	return state.Epoch, true, nil
}
