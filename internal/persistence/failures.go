package persistence

import (
	"context"
	"fmt"

	"github.com/aristath/agentrt/internal/agent"
	"github.com/aristath/agentrt/internal/recovery"
)

// RecordFailure appends a failure event. Events are append-only.
func (s *SQLiteStore) RecordFailure(ctx context.Context, ev recovery.FailureEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failure_events (operation, task_id, kind, permanent, message, attempt, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.Operation, ev.TaskID, string(ev.Kind), ev.Permanent, ev.Message, ev.Attempt, toNanos(ev.At))
	if err != nil {
		return fmt.Errorf("failed to save failure event: %w", err)
	}
	return nil
}

// Failures returns the failure events of a task in the order they were
// recorded. An empty taskID returns every event.
func (s *SQLiteStore) Failures(ctx context.Context, taskID string) ([]recovery.FailureEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation, task_id, kind, permanent, message, attempt, at
		FROM failure_events
		WHERE ? = '' OR task_id = ?
		ORDER BY id ASC
	`, taskID, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query failure events: %w", err)
	}
	defer rows.Close()

	events := []recovery.FailureEvent{}
	for rows.Next() {
		var (
			ev   recovery.FailureEvent
			kind string
			at   int64
		)
		if err := rows.Scan(&ev.Operation, &ev.TaskID, &kind, &ev.Permanent, &ev.Message, &ev.Attempt, &at); err != nil {
			return nil, fmt.Errorf("failed to scan failure event: %w", err)
		}
		ev.Kind = agent.Kind(kind)
		ev.At = fromNanos(at)
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failure events: %w", err)
	}

	return events, nil
}
