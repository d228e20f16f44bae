package scheduler

import (
	"context"
	"database/sql"
	"errors"

	"controller/election"
	"controller/store"
)

// errFenceRejected reports that the fence clause failed at commit time: the
// lock row no longer shows this holder at this epoch. The manager translates
// it into ErrStaleEpoch and notifies the elector.
var errFenceRejected = errors.New("fence rejected at commit")

type sqlStore struct {
	db      *sql.DB
	dialect store.Dialect
}

func newSQLStore(db *sql.DB, dialect store.Dialect) (*sqlStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if dialect == nil {
		return nil, errors.New("dialect is required")
	}
	return &sqlStore{db: db, dialect: dialect}, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// fenceClause re-validates the leadership term inside the write statement
// itself. Every fenced mutation appends it so validation and commit are one
// atomic unit.
const fenceClause = `EXISTS (
  SELECT 1 FROM controller_locks
  WHERE lock_name = ? AND holder_id = ? AND leader_epoch = ? AND expires_at_ms > ?)`

func fenceArgs(fence election.Fence, nowMS int64) []any {
	return []any{fence.LockName, fence.HolderID, fence.LeaderEpoch, nowMS}
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return store.RetryWrite(s.dialect, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// fenceFailure classifies a zero-row fenced write: if the fence itself no
// longer holds the term was lost; otherwise another writer raced the same
// row and the caller's view is stale either way.
func (s *sqlStore) fenceFailure(ctx context.Context, q querier, fence election.Fence, nowMS int64) error {
	valid, err := s.fenceValid(ctx, q, fence, nowMS)
	if err != nil {
		return err
	}
	if !valid {
		return errFenceRejected
	}
	return ErrStaleEpoch
}

func (s *sqlStore) fenceValid(ctx context.Context, q querier, fence election.Fence, nowMS int64) (bool, error) {
	row := q.QueryRowContext(
		ctx,
		s.dialect.Rebind(
			`SELECT 1 FROM controller_locks
       WHERE lock_name = ? AND holder_id = ? AND leader_epoch = ? AND expires_at_ms > ?`),
		fence.LockName,
		fence.HolderID,
		fence.LeaderEpoch,
		nowMS,
	)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *sqlStore) appendEvent(ctx context.Context, q querier, event Event, nowMS int64) error {
	_, err := q.ExecContext(
		ctx,
		s.dialect.Rebind(
			`INSERT INTO events (kind, job_id, agent_id, leader_epoch, detail, created_at_ms)
       VALUES (?, ?, ?, ?, ?, ?)`),
		event.Kind,
		event.JobID,
		event.AgentID,
		event.LeaderEpoch,
		event.Detail,
		nowMS,
	)
	return err
}
