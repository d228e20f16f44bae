package scheduler

import (
	"context"
	"database/sql"
	"errors"

	"controller/election"
	"controller/store"
)

func (s *sqlStore) insertJob(ctx context.Context, fence election.Fence, job Job) (Job, error) {
	nowMS := store.UnixMS(job.CreatedAt)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		args := []any{job.JobID, string(job.Payload), string(JobPending), int64(1), fence.LeaderEpoch, nowMS, nowMS}
		args = append(args, fenceArgs(fence, nowMS)...)
		result, err := tx.ExecContext(
			ctx,
			s.dialect.Rebind(
				`INSERT INTO jobs (job_id, payload, status, job_epoch, leader_epoch, created_at_ms, updated_at_ms)
         SELECT ?, ?, ?, ?, ?, ?, ?
         WHERE `+fenceClause),
			args...,
		)
		if err != nil {
			if s.dialect.IsUniqueViolation(err) {
				return ErrJobExists
			}
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return s.fenceFailure(ctx, tx, fence, nowMS)
		}
		return s.appendEvent(ctx, tx, Event{
			Kind:        EventJobCreated,
			JobID:       job.JobID,
			LeaderEpoch: fence.LeaderEpoch,
		}, nowMS)
	})
	if err != nil {
		return Job{}, err
	}
	job.Status = JobPending
	job.JobEpoch = 1
	job.LeaderEpoch = fence.LeaderEpoch
	job.UpdatedAt = job.CreatedAt
	return job, nil
}

func (s *sqlStore) loadJob(ctx context.Context, q querier, jobID string) (Job, bool, error) {
	row := q.QueryRowContext(
		ctx,
		s.dialect.Rebind(
			`SELECT job_id, payload, status, job_epoch, leader_epoch, created_at_ms, updated_at_ms
       FROM jobs WHERE job_id = ?`),
		jobID,
	)
	return scanJob(row)
}

func scanJob(row *sql.Row) (Job, bool, error) {
	var job Job
	var payload, status string
	var createdMS, updatedMS int64
	err := row.Scan(&job.JobID, &payload, &status, &job.JobEpoch, &job.LeaderEpoch, &createdMS, &updatedMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, false, nil
		}
		return Job{}, false, err
	}
	job.Payload = []byte(payload)
	job.Status = JobStatus(status)
	job.CreatedAt = store.FromUnixMS(createdMS)
	job.UpdatedAt = store.FromUnixMS(updatedMS)
	return job, true, nil
}

func (s *sqlStore) listJobs(ctx context.Context, limit int) ([]Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		s.dialect.Rebind(
			`SELECT job_id, payload, status, job_epoch, leader_epoch, created_at_ms, updated_at_ms
       FROM jobs ORDER BY created_at_ms DESC, job_id `)+s.dialect.Limit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var job Job
		var payload, status string
		var createdMS, updatedMS int64
		if err := rows.Scan(&job.JobID, &payload, &status, &job.JobEpoch, &job.LeaderEpoch, &createdMS, &updatedMS); err != nil {
			return nil, err
		}
		job.Payload = []byte(payload)
		job.Status = JobStatus(status)
		job.CreatedAt = store.FromUnixMS(createdMS)
		job.UpdatedAt = store.FromUnixMS(updatedMS)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// pickPendingJob returns the oldest pending job id, if any.
func (s *sqlStore) pickPendingJob(ctx context.Context, q querier) (string, bool, error) {
	row := q.QueryRowContext(
		ctx,
		s.dialect.Rebind(
			`SELECT job_id FROM jobs WHERE status = ? ORDER BY created_at_ms, job_id `)+s.dialect.Limit(1),
		string(JobPending),
	)
	var jobID string
	if err := row.Scan(&jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return jobID, true, nil
}

// recordResult commits a result against the job's current epoch. The insert
// carries both the leadership fence and the job-epoch check so a late result
// from a displaced worker or a displaced leader dies in the same statement
// that would have committed it.
func (s *sqlStore) recordResult(ctx context.Context, fence election.Fence, res Result, declaredJobEpoch *int64) (Result, error) {
	nowMS := store.UnixMS(res.RecordedAt)
	jobStatus := JobDone
	if res.Status == ResultFailed {
		jobStatus = JobFailed
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		job, found, err := s.loadJob(ctx, tx, res.JobID)
		if err != nil {
			return err
		}
		if !found {
			return ErrJobNotFound
		}
		jobEpoch := job.JobEpoch
		if declaredJobEpoch != nil {
			if *declaredJobEpoch < job.JobEpoch {
				return ErrStaleEpoch
			}
			jobEpoch = *declaredJobEpoch
		}
		res.JobEpoch = jobEpoch

		args := []any{res.JobID, jobEpoch, res.LeaseID, fence.LeaderEpoch, res.Status, string(res.Payload), nowMS}
		args = append(args, fenceArgs(fence, nowMS)...)
		args = append(args, res.JobID, jobEpoch)
		result, err := tx.ExecContext(
			ctx,
			s.dialect.Rebind(
				`INSERT INTO job_results (job_id, job_epoch, lease_id, leader_epoch, status, payload, recorded_at_ms)
         SELECT ?, ?, ?, ?, ?, ?, ?
         WHERE `+fenceClause+`
           AND EXISTS (SELECT 1 FROM jobs WHERE job_id = ? AND job_epoch = ?)`),
			args...,
		)
		if err != nil {
			if s.dialect.IsUniqueViolation(err) {
				return ErrResultExists
			}
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			// Declared epoch ahead of the stored one reads as stale too: the
			// caller cites a term this store has never issued.
			if declaredJobEpoch != nil && *declaredJobEpoch != job.JobEpoch {
				return ErrStaleEpoch
			}
			return s.fenceFailure(ctx, tx, fence, nowMS)
		}

		updArgs := []any{string(jobStatus), nowMS, res.JobID, jobEpoch}
		updArgs = append(updArgs, fenceArgs(fence, nowMS)...)
		if _, err := tx.ExecContext(
			ctx,
			s.dialect.Rebind(
				`UPDATE jobs SET status = ?, updated_at_ms = ?
         WHERE job_id = ? AND job_epoch = ? AND `+fenceClause),
			updArgs...,
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(
			ctx,
			s.dialect.Rebind(
				`UPDATE job_leases SET state = ?
         WHERE job_id = ? AND job_epoch = ? AND state = ?`),
			LeaseResolved,
			res.JobID,
			jobEpoch,
			LeaseActive,
		); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, Event{
			Kind:        EventResultRecorded,
			JobID:       res.JobID,
			LeaderEpoch: fence.LeaderEpoch,
			Detail:      res.Status,
		}, nowMS)
	})
	if err != nil {
		return Result{}, err
	}
	res.LeaderEpoch = fence.LeaderEpoch
	return res, nil
}

func (s *sqlStore) loadResult(ctx context.Context, jobID string, jobEpoch int64) (Result, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		s.dialect.Rebind(
			`SELECT job_id, job_epoch, lease_id, leader_epoch, status, payload, recorded_at_ms
       FROM job_results WHERE job_id = ? AND job_epoch = ?`),
		jobID,
		jobEpoch,
	)
	var res Result
	var payload string
	var recordedMS int64
	err := row.Scan(&res.JobID, &res.JobEpoch, &res.LeaseID, &res.LeaderEpoch, &res.Status, &payload, &recordedMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{}, false, nil
		}
		return Result{}, false, err
	}
	res.Payload = []byte(payload)
	res.RecordedAt = store.FromUnixMS(recordedMS)
	return res, true, nil
}
