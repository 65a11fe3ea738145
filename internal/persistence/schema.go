package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Timestamps are stored as unix nanoseconds.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		input TEXT,
		priority INTEGER NOT NULL,
		depends_on TEXT NOT NULL,
		resources TEXT NOT NULL,
		workflow TEXT NOT NULL DEFAULT '',
		seq INTEGER NOT NULL,
		status INTEGER NOT NULL,
		outcome TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER NOT NULL DEFAULT 0,
		finished_at INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

	CREATE TABLE IF NOT EXISTS memory_samples (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		category TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		score REAL NOT NULL,
		metadata TEXT,
		recorded_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memory_samples_lookup
		ON memory_samples(agent_id, category, recorded_at);

	CREATE TABLE IF NOT EXISTS outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		status INTEGER NOT NULL,
		success INTEGER NOT NULL,
		degraded INTEGER NOT NULL,
		reason TEXT NOT NULL,
		error_kind TEXT NOT NULL,
		error TEXT NOT NULL,
		output TEXT,
		duration_ns INTEGER NOT NULL,
		cost REAL NOT NULL,
		quality REAL NOT NULL,
		attempts INTEGER NOT NULL,
		context TEXT,
		finished_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_outcomes_finished ON outcomes(finished_at);

	CREATE TABLE IF NOT EXISTS hints (
		agent_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		sample_size INTEGER NOT NULL,
		success_rate REAL NOT NULL,
		mean_quality REAL NOT NULL,
		mean_cost REAL NOT NULL,
		mean_duration_ns INTEGER NOT NULL,
		suggested_max_attempts INTEGER NOT NULL,
		priority_bump INTEGER NOT NULL,
		computed_at INTEGER NOT NULL,
		PRIMARY KEY (agent_id, operation)
	);

	CREATE TABLE IF NOT EXISTS failure_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation TEXT NOT NULL,
		task_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		permanent INTEGER NOT NULL,
		message TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_failure_events_task ON failure_events(task_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
