package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/agentrt/internal/memory"
	"github.com/aristath/agentrt/internal/scheduler"
)

// RecordSample stores a memory sample, replacing any sample with the same ID.
func (s *SQLiteStore) RecordSample(ctx context.Context, sm memory.Sample) error {
	var metadata sql.NullString
	if len(sm.Metadata) > 0 {
		var err error
		if metadata, err = nullJSON(sm.Metadata); err != nil {
			return fmt.Errorf("failed to encode sample metadata: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_samples (id, agent_id, category, key, value, score, metadata, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			value = excluded.value,
			score = excluded.score,
			metadata = excluded.metadata,
			recorded_at = excluded.recorded_at
	`, sm.ID, sm.AgentID, sm.Category, sm.Key, string(sm.Value), sm.Score, metadata, toNanos(sm.RecordedAt))
	if err != nil {
		return fmt.Errorf("failed to save sample: %w", err)
	}
	return nil
}

// QuerySamples returns samples of an agent and category matching f,
// newest first unless f orders by score.
func (s *SQLiteStore) QuerySamples(ctx context.Context, agentID, category string, f memory.Filter) ([]memory.Sample, error) {
	query := `
		SELECT id, agent_id, category, key, value, score, metadata, recorded_at
		FROM memory_samples
		WHERE agent_id = ? AND category = ? AND score >= ?`
	args := []any{agentID, category, f.MinScore}
	if f.Key != "" {
		query += ` AND key = ?`
		args = append(args, f.Key)
	}
	if !f.Since.IsZero() {
		query += ` AND recorded_at >= ?`
		args = append(args, toNanos(f.Since))
	}
	if f.OrderByScore {
		query += ` ORDER BY score DESC, recorded_at DESC`
	} else {
		query += ` ORDER BY recorded_at DESC`
	}
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	samples := []memory.Sample{}
	for rows.Next() {
		var (
			sm       memory.Sample
			value    string
			metadata sql.NullString
			recorded int64
		)
		if err := rows.Scan(&sm.ID, &sm.AgentID, &sm.Category, &sm.Key, &value, &sm.Score, &metadata, &recorded); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		sm.Value = json.RawMessage(value)
		sm.RecordedAt = fromNanos(recorded)
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &sm.Metadata); err != nil {
				return nil, fmt.Errorf("corrupt metadata for sample %s: %w", sm.ID, err)
			}
		}
		samples = append(samples, sm)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating samples: %w", err)
	}

	return samples, nil
}

// PruneSamples implements memory.Store.
func (s *SQLiteStore) PruneSamples(ctx context.Context, olderThan time.Time, belowScore float64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM memory_samples WHERE recorded_at < ? AND score < ?
	`, toNanos(olderThan), belowScore)
	if err != nil {
		return 0, fmt.Errorf("failed to prune samples: %w", err)
	}
	return res.RowsAffected()
}

// RecordOutcome appends a task outcome.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, o scheduler.Outcome) error {
	output, err := nullJSON(o.Output)
	if err != nil {
		return fmt.Errorf("failed to encode output of task %s: %w", o.TaskID, err)
	}
	var octx sql.NullString
	if len(o.Context) > 0 {
		if octx, err = nullJSON(o.Context); err != nil {
			return fmt.Errorf("failed to encode context of task %s: %w", o.TaskID, err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outcomes (task_id, agent_id, operation, status, success, degraded, reason, error_kind,
			error, output, duration_ns, cost, quality, attempts, context, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.TaskID, o.AgentID, o.Operation, int(o.Status), o.Success, o.Degraded, string(o.Reason), o.ErrorKind,
		o.Error, output, int64(o.Duration), o.Cost, o.Quality, o.Attempts, octx, toNanos(o.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to save outcome: %w", err)
	}
	return nil
}

// Outcomes returns outcomes finished at or after since, oldest first.
func (s *SQLiteStore) Outcomes(ctx context.Context, since time.Time) ([]scheduler.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, agent_id, operation, status, success, degraded, reason, error_kind,
			error, output, duration_ns, cost, quality, attempts, context, finished_at
		FROM outcomes
		WHERE finished_at >= ?
		ORDER BY finished_at ASC, id ASC
	`, toNanos(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []scheduler.Outcome{}
	for rows.Next() {
		var (
			o              scheduler.Outcome
			status         int
			reason         string
			output, octx   sql.NullString
			duration, done int64
		)
		if err := rows.Scan(&o.TaskID, &o.AgentID, &o.Operation, &status, &o.Success, &o.Degraded, &reason,
			&o.ErrorKind, &o.Error, &output, &duration, &o.Cost, &o.Quality, &o.Attempts, &octx, &done); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.Status = scheduler.TaskStatus(status)
		o.Reason = scheduler.Reason(reason)
		o.Duration = time.Duration(duration)
		o.FinishedAt = fromNanos(done)
		if output.Valid {
			o.Output = json.RawMessage(output.String)
		}
		if octx.Valid {
			if err := json.Unmarshal([]byte(octx.String), &o.Context); err != nil {
				return nil, fmt.Errorf("corrupt context for task %s: %w", o.TaskID, err)
			}
		}
		outcomes = append(outcomes, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcomes: %w", err)
	}

	return outcomes, nil
}

// SaveHint stores the hint for its agent and operation, replacing the previous one.
func (s *SQLiteStore) SaveHint(ctx context.Context, h memory.Hint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hints (agent_id, operation, sample_size, success_rate, mean_quality, mean_cost,
			mean_duration_ns, suggested_max_attempts, priority_bump, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, operation) DO UPDATE SET
			sample_size = excluded.sample_size,
			success_rate = excluded.success_rate,
			mean_quality = excluded.mean_quality,
			mean_cost = excluded.mean_cost,
			mean_duration_ns = excluded.mean_duration_ns,
			suggested_max_attempts = excluded.suggested_max_attempts,
			priority_bump = excluded.priority_bump,
			computed_at = excluded.computed_at
	`, h.AgentID, h.Operation, h.SampleSize, h.SuccessRate, h.MeanQuality, h.MeanCost,
		int64(h.MeanDuration), h.SuggestedMaxAttempts, h.PriorityBump, toNanos(h.ComputedAt))
	if err != nil {
		return fmt.Errorf("failed to save hint: %w", err)
	}
	return nil
}

// LoadHints returns every stored hint.
func (s *SQLiteStore) LoadHints(ctx context.Context) ([]memory.Hint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, operation, sample_size, success_rate, mean_quality, mean_cost,
			mean_duration_ns, suggested_max_attempts, priority_bump, computed_at
		FROM hints
		ORDER BY agent_id, operation
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query hints: %w", err)
	}
	defer rows.Close()

	hints := []memory.Hint{}
	for rows.Next() {
		var (
			h                  memory.Hint
			duration, computed int64
		)
		if err := rows.Scan(&h.AgentID, &h.Operation, &h.SampleSize, &h.SuccessRate, &h.MeanQuality, &h.MeanCost,
			&duration, &h.SuggestedMaxAttempts, &h.PriorityBump, &computed); err != nil {
			return nil, fmt.Errorf("failed to scan hint: %w", err)
		}
		h.MeanDuration = time.Duration(duration)
		h.ComputedAt = fromNanos(computed)
		hints = append(hints, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hints: %w", err)
	}

	return hints, nil
}
