package election

import (
	"context"
	"sync"
	"time"
)

// MemoryLock is an in-process LockClient with the same contract as the SQL
// client: exclusive grants, epoch minted atomically with acquisition,
// renewals keyed on holder and epoch. It backs single-process development
// and lets tests drive expiry and takeover deterministically.
type MemoryLock struct {
	mu   sync.Mutex
	now  func() time.Time
	rows map[string]*memLockRow
}

type memLockRow struct {
	holderID  string
	holderURL string
	epoch     int64
	expiresAt time.Time
}

// NewMemoryLock constructs an empty in-memory lock backend.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{now: time.Now, rows: make(map[string]*memLockRow)}
}

func (m *MemoryLock) TryAcquire(_ context.Context, req AcquireRequest) (Grant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	row, ok := m.rows[req.LockName]
	if !ok {
		row = &memLockRow{}
		m.rows[req.LockName] = row
	}
	if row.epoch > 0 && row.expiresAt.After(now) {
		return Grant{}, false, nil
	}
	row.holderID = req.HolderID
	row.holderURL = req.HolderURL
	row.epoch++
	row.expiresAt = now.Add(req.TTL)
	return Grant{
		LockName:  req.LockName,
		HolderID:  req.HolderID,
		HolderURL: req.HolderURL,
		Epoch:     row.epoch,
		ExpiresAt: row.expiresAt,
	}, true, nil
}

func (m *MemoryLock) Renew(_ context.Context, grant Grant, ttl time.Duration) (Grant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	row, ok := m.rows[grant.LockName]
	if !ok || row.holderID != grant.HolderID || row.epoch != grant.Epoch || !row.expiresAt.After(now) {
		return Grant{}, false, nil
	}
	row.expiresAt = now.Add(ttl)
	renewed := grant
	renewed.ExpiresAt = row.expiresAt
	return renewed, true, nil
}

func (m *MemoryLock) Release(_ context.Context, grant Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[grant.LockName]
	if !ok || row.holderID != grant.HolderID || row.epoch != grant.Epoch {
		return nil
	}
	row.expiresAt = m.now()
	return nil
}

func (m *MemoryLock) Observe(_ context.Context, lockName string) (LockState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[lockName]
	if !ok || row.epoch == 0 {
		return LockState{}, false, nil
	}
	return LockState{
		HolderID:  row.holderID,
		HolderURL: row.holderURL,
		Epoch:     row.epoch,
		ExpiresAt: row.expiresAt,
	}, true, nil
}

// Expire force-lapses the current term, simulating the backend treating the
// holder as dead.
func (m *MemoryLock) Expire(lockName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[lockName]; ok {
		row.expiresAt = m.now()
	}
}

// Rotate hands the lock to another holder at the next epoch, simulating a
// takeover by a different replica.
func (m *MemoryLock) Rotate(lockName, holderID, holderURL string, ttl time.Duration) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[lockName]
	if !ok {
		row = &memLockRow{}
		m.rows[lockName] = row
	}
	row.holderID = holderID
	row.holderURL = holderURL
	row.epoch++
	row.expiresAt = m.now().Add(ttl)
	return row.epoch
}
