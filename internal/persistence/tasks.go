package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/agentrt/internal/scheduler"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// nullJSON encodes v, storing NULL for nil values.
func nullJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// SaveTask saves or updates a task record.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *scheduler.Task) error {
	input, err := nullJSON(task.Input)
	if err != nil {
		return fmt.Errorf("failed to encode input of task %s: %w", task.ID, err)
	}
	deps, err := json.Marshal(nonNil(task.DependsOn))
	if err != nil {
		return fmt.Errorf("failed to encode dependencies of task %s: %w", task.ID, err)
	}
	resources, err := json.Marshal(nonNil(task.Resources))
	if err != nil {
		return fmt.Errorf("failed to encode resources of task %s: %w", task.ID, err)
	}
	var outcome sql.NullString
	if task.Outcome != nil {
		if outcome, err = nullJSON(task.Outcome); err != nil {
			return fmt.Errorf("failed to encode outcome of task %s: %w", task.ID, err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, agent_id, operation, input, priority, depends_on, resources, workflow,
			seq, status, outcome, created_at, started_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			status = excluded.status,
			outcome = excluded.outcome,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			updated_at = excluded.updated_at
	`, task.ID, task.AgentID, task.Operation, input, int(task.Priority), string(deps), string(resources),
		task.Workflow, int64(task.Seq), int(task.Status), outcome, toNanos(task.CreatedAt),
		toNanos(task.StartedAt), toNanos(task.FinishedAt), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", task.ID, err)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

const taskColumns = `id, agent_id, operation, input, priority, depends_on, resources, workflow,
	seq, status, outcome, created_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*scheduler.Task, error) {
	var (
		task                       scheduler.Task
		input, outcome             sql.NullString
		deps, resources            string
		priority, status           int
		seq                        int64
		created, started, finished int64
	)
	err := row.Scan(&task.ID, &task.AgentID, &task.Operation, &input, &priority, &deps, &resources,
		&task.Workflow, &seq, &status, &outcome, &created, &started, &finished)
	if err != nil {
		return nil, err
	}

	task.Priority = scheduler.Priority(priority)
	task.Status = scheduler.TaskStatus(status)
	task.Seq = uint64(seq)
	task.CreatedAt = fromNanos(created)
	task.StartedAt = fromNanos(started)
	task.FinishedAt = fromNanos(finished)

	if input.Valid {
		task.Input = json.RawMessage(input.String)
	}
	if err := json.Unmarshal([]byte(deps), &task.DependsOn); err != nil {
		return nil, fmt.Errorf("corrupt dependencies for task %s: %w", task.ID, err)
	}
	if err := json.Unmarshal([]byte(resources), &task.Resources); err != nil {
		return nil, fmt.Errorf("corrupt resources for task %s: %w", task.ID, err)
	}
	if outcome.Valid {
		task.Outcome = &scheduler.Outcome{}
		if err := json.Unmarshal([]byte(outcome.String), task.Outcome); err != nil {
			return nil, fmt.Errorf("corrupt outcome for task %s: %w", task.ID, err)
		}
	}
	return &task, nil
}

// GetTask retrieves a task record by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return task, nil
}

// ListTasks returns task records in submission order, optionally restricted
// to the given statuses.
func (s *SQLiteStore) ListTasks(ctx context.Context, status ...scheduler.TaskStatus) ([]*scheduler.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := make([]any, 0, len(status))
	if len(status) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(`, ?`, len(status)-1) + `)`
		for _, st := range status {
			args = append(args, int(st))
		}
	}
	query += ` ORDER BY created_at, seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}
