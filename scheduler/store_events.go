package scheduler

import (
	"context"

	"controller/store"
)

func (s *sqlStore) listEvents(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(
		ctx,
		s.dialect.Rebind(
			`SELECT event_id, kind, job_id, agent_id, leader_epoch, detail, created_at_ms
       FROM events WHERE event_id > ? ORDER BY event_id `)+s.dialect.Limit(limit),
		afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		var createdMS int64
		if err := rows.Scan(&event.EventID, &event.Kind, &event.JobID, &event.AgentID, &event.LeaderEpoch, &event.Detail, &createdMS); err != nil {
			return nil, err
		}
		event.CreatedAt = store.FromUnixMS(createdMS)
		events = append(events, event)
	}
	return events, rows.Err()
}
