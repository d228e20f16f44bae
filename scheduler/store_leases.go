package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"controller/election"
	"controller/store"
)

// issueLease advances the job's epoch and binds the job to the agent under
// the new epoch, all in one transaction. The epoch bump is a compare-and-swap
// on the previous value, so two leaders (or two racing requests) can never
// both issue a lease at the same job epoch.
func (s *sqlStore) issueLease(ctx context.Context, fence election.Fence, lease Lease, ttl time.Duration) (Lease, error) {
	nowMS := store.UnixMS(lease.IssuedAt)
	expiresMS := store.UnixMS(lease.IssuedAt.Add(ttl))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		job, found, err := s.loadJob(ctx, tx, lease.JobID)
		if err != nil {
			return err
		}
		if !found {
			return ErrJobNotFound
		}
		if job.Status == JobDone {
			return ErrJobTerminal
		}
		agent, found, err := s.loadAgent(ctx, tx, lease.AgentID)
		if err != nil {
			return err
		}
		if !found {
			return ErrAgentNotFound
		}
		if agent.Deleted {
			return ErrAgentTombstoned
		}

		newEpoch := job.JobEpoch + 1
		updArgs := []any{newEpoch, string(JobLeased), fence.LeaderEpoch, nowMS, lease.JobID, job.JobEpoch}
		updArgs = append(updArgs, fenceArgs(fence, nowMS)...)
		result, err := tx.ExecContext(
			ctx,
			s.dialect.Rebind(
				`UPDATE jobs
         SET job_epoch = ?, status = ?, leader_epoch = ?, updated_at_ms = ?
         WHERE job_id = ? AND job_epoch = ? AND `+fenceClause),
			updArgs...,
		)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return s.fenceFailure(ctx, tx, fence, nowMS)
		}

		if _, err := tx.ExecContext(
			ctx,
			s.dialect.Rebind(
				`UPDATE job_leases SET state = ? WHERE job_id = ? AND state = ?`),
			LeaseSuperseded,
			lease.JobID,
			LeaseActive,
		); err != nil {
			return err
		}

		insArgs := []any{lease.LeaseID, lease.JobID, lease.AgentID, fence.LeaderEpoch, newEpoch, LeaseActive, nowMS, expiresMS}
		insArgs = append(insArgs, fenceArgs(fence, nowMS)...)
		result, err = tx.ExecContext(
			ctx,
			s.dialect.Rebind(
				`INSERT INTO job_leases (lease_id, job_id, agent_id, leader_epoch, job_epoch, state, issued_at_ms, expires_at_ms)
         SELECT ?, ?, ?, ?, ?, ?, ?, ?
         WHERE `+fenceClause),
			insArgs...,
		)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return s.fenceFailure(ctx, tx, fence, nowMS)
		}

		lease.JobEpoch = newEpoch
		return s.appendEvent(ctx, tx, Event{
			Kind:        EventLeaseIssued,
			JobID:       lease.JobID,
			AgentID:     lease.AgentID,
			LeaderEpoch: fence.LeaderEpoch,
		}, nowMS)
	})
	if err != nil {
		return Lease{}, err
	}
	lease.LeaderEpoch = fence.LeaderEpoch
	lease.State = LeaseActive
	lease.ExpiresAt = store.FromUnixMS(expiresMS)
	return lease, nil
}

// inflightLeases counts unresolved, unexpired leases issued under the given
// leader epoch. Draining leaders poll this to close the grace window early.
func (s *sqlStore) inflightLeases(ctx context.Context, epoch int64, now time.Time) (int, error) {
	row := s.db.QueryRowContext(
		ctx,
		s.dialect.Rebind(
			`SELECT COUNT(*) FROM job_leases
       WHERE leader_epoch = ? AND state = ? AND expires_at_ms > ?`),
		epoch,
		LeaseActive,
		store.UnixMS(now),
	)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *sqlStore) loadLease(ctx context.Context, leaseID string) (Lease, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		s.dialect.Rebind(
			`SELECT lease_id, job_id, agent_id, leader_epoch, job_epoch, state, issued_at_ms, expires_at_ms
       FROM job_leases WHERE lease_id = ?`),
		leaseID,
	)
	var lease Lease
	var issuedMS, expiresMS int64
	err := row.Scan(&lease.LeaseID, &lease.JobID, &lease.AgentID, &lease.LeaderEpoch, &lease.JobEpoch, &lease.State, &issuedMS, &expiresMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Lease{}, false, nil
		}
		return Lease{}, false, err
	}
	lease.IssuedAt = store.FromUnixMS(issuedMS)
	lease.ExpiresAt = store.FromUnixMS(expiresMS)
	return lease, true, nil
}
