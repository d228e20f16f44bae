package election

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"controller/store"
)

// SQLLockClient implements LockClient over a single row in the shared
// database. Acquisition is a compare-and-swap UPDATE that bumps leader_epoch
// in the same statement, so the epoch is minted atomically with the lock and
// persists across every process crash. Expiry uses stored unix-millisecond
// deadlines compared against the caller's clock; the lock TTL must exceed
// worst-case clock skew between replicas.
type SQLLockClient struct {
	db      *sql.DB
	dialect store.Dialect
	now     func() time.Time
}

// NewSQLLockClient constructs a lock client over an already-migrated
// database handle.
func NewSQLLockClient(db *sql.DB, dialect store.Dialect) *SQLLockClient {
	return &SQLLockClient{db: db, dialect: dialect, now: time.Now}
}

func (c *SQLLockClient) TryAcquire(ctx context.Context, req AcquireRequest) (Grant, bool, error) {
	if req.LockName == "" || req.HolderID == "" {
		return Grant{}, false, errors.New("lock name and holder id are required")
	}
	if req.TTL <= 0 {
		return Grant{}, false, errors.New("lock ttl must be positive")
	}
	now := c.now()
	nowMS := store.UnixMS(now)
	expiresMS := store.UnixMS(now.Add(req.TTL))

	var affected int64
	err := store.RetryWrite(c.dialect, func() error {
		result, err := c.db.ExecContext(
			ctx,
			c.dialect.Rebind(
				`UPDATE controller_locks
         SET holder_id = ?,
             holder_url = ?,
             leader_epoch = leader_epoch + 1,
             acquired_at_ms = ?,
             renewed_at_ms = ?,
             expires_at_ms = ?
         WHERE lock_name = ? AND expires_at_ms <= ?`),
			req.HolderID,
			req.HolderURL,
			nowMS,
			nowMS,
			expiresMS,
			req.LockName,
			nowMS,
		)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return Grant{}, false, err
	}
	if affected > 0 {
		return c.confirmGrant(ctx, req, nowMS)
	}

	// No expired row to take over. Either a holder is live (denied) or the
	// row has never been created: seed it with epoch 1.
	err = store.RetryWrite(c.dialect, func() error {
		_, err := c.db.ExecContext(
			ctx,
			c.dialect.Rebind(
				`INSERT INTO controller_locks (
           lock_name, holder_id, holder_url, leader_epoch,
           acquired_at_ms, renewed_at_ms, expires_at_ms
         ) VALUES (?, ?, ?, 1, ?, ?, ?)`),
			req.LockName,
			req.HolderID,
			req.HolderURL,
			nowMS,
			nowMS,
			expiresMS,
		)
		return err
	})
	if err != nil {
		if c.dialect.IsUniqueViolation(err) {
			return Grant{}, false, nil
		}
		return Grant{}, false, err
	}
	return Grant{
		LockName:  req.LockName,
		HolderID:  req.HolderID,
		HolderURL: req.HolderURL,
		Epoch:     1,
		ExpiresAt: store.FromUnixMS(expiresMS),
	}, true, nil
}

// confirmGrant reads back the row this holder just took. If the holder no
// longer matches (the term expired and another candidate swapped in between
// the two statements) the acquisition reads as denied, never as a shared
// grant.
func (c *SQLLockClient) confirmGrant(ctx context.Context, req AcquireRequest, nowMS int64) (Grant, bool, error) {
	row := c.db.QueryRowContext(
		ctx,
		c.dialect.Rebind(
			`SELECT leader_epoch, expires_at_ms
       FROM controller_locks
       WHERE lock_name = ? AND holder_id = ? AND expires_at_ms > ?`),
		req.LockName,
		req.HolderID,
		nowMS,
	)
	var epoch, expiresMS int64
	if err := row.Scan(&epoch, &expiresMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Grant{}, false, nil
		}
		return Grant{}, false, err
	}
	return Grant{
		LockName:  req.LockName,
		HolderID:  req.HolderID,
		HolderURL: req.HolderURL,
		Epoch:     epoch,
		ExpiresAt: store.FromUnixMS(expiresMS),
	}, true, nil
}

func (c *SQLLockClient) Renew(ctx context.Context, grant Grant, ttl time.Duration) (Grant, bool, error) {
	if grant.LockName == "" || grant.HolderID == "" {
		return Grant{}, false, errors.New("grant is empty")
	}
	now := c.now()
	nowMS := store.UnixMS(now)
	expiresMS := store.UnixMS(now.Add(ttl))

	var affected int64
	err := store.RetryWrite(c.dialect, func() error {
		result, err := c.db.ExecContext(
			ctx,
			c.dialect.Rebind(
				`UPDATE controller_locks
         SET renewed_at_ms = ?, expires_at_ms = ?
         WHERE lock_name = ? AND holder_id = ? AND leader_epoch = ? AND expires_at_ms > ?`),
			nowMS,
			expiresMS,
			grant.LockName,
			grant.HolderID,
			grant.Epoch,
			nowMS,
		)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return Grant{}, false, err
	}
	if affected == 0 {
		return Grant{}, false, nil
	}
	renewed := grant
	renewed.ExpiresAt = store.FromUnixMS(expiresMS)
	return renewed, true, nil
}

func (c *SQLLockClient) Release(ctx context.Context, grant Grant) error {
	if grant.LockName == "" || grant.HolderID == "" {
		return nil
	}
	nowMS := store.UnixMS(c.now())
	// Expire the term in place. The row keeps holder and epoch so observers
	// can still report the last known leader, and the next acquisition bumps
	// the epoch from here.
	return store.RetryWrite(c.dialect, func() error {
		_, err := c.db.ExecContext(
			ctx,
			c.dialect.Rebind(
				`UPDATE controller_locks
         SET expires_at_ms = ?
         WHERE lock_name = ? AND holder_id = ? AND leader_epoch = ?`),
			nowMS,
			grant.LockName,
			grant.HolderID,
			grant.Epoch,
		)
		return err
	})
}

func (c *SQLLockClient) Observe(ctx context.Context, lockName string) (LockState, bool, error) {
	row := c.db.QueryRowContext(
		ctx,
		c.dialect.Rebind(
			`SELECT holder_id, holder_url, leader_epoch, expires_at_ms
       FROM controller_locks
       WHERE lock_name = ?`),
		lockName,
	)
	var state LockState
	var expiresMS int64
	if err := row.Scan(&state.HolderID, &state.HolderURL, &state.Epoch, &expiresMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LockState{}, false, nil
		}
		return LockState{}, false, err
	}
	state.ExpiresAt = store.FromUnixMS(expiresMS)
	return state, true, nil
}
