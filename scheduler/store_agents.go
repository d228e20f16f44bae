package scheduler

import (
	"context"
	"database/sql"
	"errors"

	"controller/election"
	"controller/store"
)

func (s *sqlStore) upsertAgent(ctx context.Context, fence election.Fence, agent Agent) (Agent, error) {
	nowMS := store.UnixMS(agent.RegisteredAt)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, found, err := s.loadAgent(ctx, tx, agent.AgentID)
		if err != nil {
			return err
		}
		if found && existing.Deleted {
			return ErrAgentTombstoned
		}

		if found {
			updArgs := []any{agent.WorkerName, nowMS, agent.AgentID}
			updArgs = append(updArgs, fenceArgs(fence, nowMS)...)
			result, err := tx.ExecContext(
				ctx,
				s.dialect.Rebind(
					`UPDATE agents SET worker_name = ?, last_seen_ms = ?
           WHERE agent_id = ? AND deleted_at_ms IS NULL AND `+fenceClause),
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
			agent.RegisteredAt = existing.RegisteredAt
			return nil
		}

		insArgs := []any{agent.AgentID, agent.WorkerName, fence.LeaderEpoch, nowMS, nowMS}
		insArgs = append(insArgs, fenceArgs(fence, nowMS)...)
		result, err := tx.ExecContext(
			ctx,
			s.dialect.Rebind(
				`INSERT INTO agents (agent_id, worker_name, leader_epoch, registered_at_ms, last_seen_ms)
         SELECT ?, ?, ?, ?, ?
         WHERE `+fenceClause),
			insArgs...,
		)
		if err != nil {
			if s.dialect.IsUniqueViolation(err) {
				// Lost a registration race; the row exists now.
				return nil
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
			Kind:        EventAgentRegistered,
			AgentID:     agent.AgentID,
			LeaderEpoch: fence.LeaderEpoch,
		}, nowMS)
	})
	if err != nil {
		return Agent{}, err
	}
	agent.LeaderEpoch = fence.LeaderEpoch
	agent.LastSeenAt = agent.RegisteredAt
	return agent, nil
}

func (s *sqlStore) heartbeatAgent(ctx context.Context, fence election.Fence, agentID string, nowMS int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		args := []any{nowMS, agentID}
		args = append(args, fenceArgs(fence, nowMS)...)
		result, err := tx.ExecContext(
			ctx,
			s.dialect.Rebind(
				`UPDATE agents SET last_seen_ms = ?
         WHERE agent_id = ? AND deleted_at_ms IS NULL AND `+fenceClause),
			args...,
		)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected > 0 {
			return nil
		}
		existing, found, err := s.loadAgent(ctx, tx, agentID)
		if err != nil {
			return err
		}
		if !found {
			return ErrAgentNotFound
		}
		if existing.Deleted {
			return ErrAgentTombstoned
		}
		return s.fenceFailure(ctx, tx, fence, nowMS)
	})
}

func (s *sqlStore) tombstoneAgent(ctx context.Context, fence election.Fence, agentID string, nowMS int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		args := []any{nowMS, agentID}
		args = append(args, fenceArgs(fence, nowMS)...)
		result, err := tx.ExecContext(
			ctx,
			s.dialect.Rebind(
				`UPDATE agents SET deleted_at_ms = ?
         WHERE agent_id = ? AND deleted_at_ms IS NULL AND `+fenceClause),
			args...,
		)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			agent, found, err := s.loadAgent(ctx, tx, agentID)
			if err != nil {
				return err
			}
			if !found {
				return ErrAgentNotFound
			}
			if agent.Deleted {
				// Tombstoning is idempotent.
				return nil
			}
			return s.fenceFailure(ctx, tx, fence, nowMS)
		}
		return s.appendEvent(ctx, tx, Event{
			Kind:        EventAgentTombstoned,
			AgentID:     agentID,
			LeaderEpoch: fence.LeaderEpoch,
		}, nowMS)
	})
}

func (s *sqlStore) loadAgent(ctx context.Context, q querier, agentID string) (Agent, bool, error) {
	row := q.QueryRowContext(
		ctx,
		s.dialect.Rebind(
			`SELECT agent_id, worker_name, leader_epoch, registered_at_ms, last_seen_ms, deleted_at_ms
       FROM agents WHERE agent_id = ?`),
		agentID,
	)
	return scanAgent(row)
}

func scanAgent(row *sql.Row) (Agent, bool, error) {
	var agent Agent
	var registeredMS, lastSeenMS int64
	var deletedMS sql.NullInt64
	err := row.Scan(&agent.AgentID, &agent.WorkerName, &agent.LeaderEpoch, &registeredMS, &lastSeenMS, &deletedMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, false, nil
		}
		return Agent{}, false, err
	}
	agent.RegisteredAt = store.FromUnixMS(registeredMS)
	agent.LastSeenAt = store.FromUnixMS(lastSeenMS)
	if deletedMS.Valid {
		agent.Deleted = true
		agent.DeletedAt = store.FromUnixMS(deletedMS.Int64)
	}
	return agent, true, nil
}

func (s *sqlStore) listAgents(ctx context.Context, includeDeleted bool) ([]Agent, error) {
	query := `SELECT agent_id, worker_name, leader_epoch, registered_at_ms, last_seen_ms, deleted_at_ms
    FROM agents`
	if !includeDeleted {
		query += ` WHERE deleted_at_ms IS NULL`
	}
	query += ` ORDER BY agent_id`
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var agent Agent
		var registeredMS, lastSeenMS int64
		var deletedMS sql.NullInt64
		if err := rows.Scan(&agent.AgentID, &agent.WorkerName, &agent.LeaderEpoch, &registeredMS, &lastSeenMS, &deletedMS); err != nil {
			return nil, err
		}
		agent.RegisteredAt = store.FromUnixMS(registeredMS)
		agent.LastSeenAt = store.FromUnixMS(lastSeenMS)
		if deletedMS.Valid {
			agent.Deleted = true
			agent.DeletedAt = store.FromUnixMS(deletedMS.Int64)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}
