package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/agentrt/internal/memory"
	"github.com/aristath/agentrt/internal/recovery"
	"github.com/aristath/agentrt/internal/scheduler"
)

// Store is everything the runtime keeps durably: memory samples, outcomes and
// hints, failure events, and task records.
type Store interface {
	memory.Store
	recovery.FailureSink

	// Task records
	SaveTask(ctx context.Context, task *scheduler.Task) error
	GetTask(ctx context.Context, taskID string) (*scheduler.Task, error)
	ListTasks(ctx context.Context, status ...scheduler.TaskStatus) ([]*scheduler.Task, error)

	// Failure history
	Failures(ctx context.Context, taskID string) ([]recovery.FailureEvent, error)

	// Lifecycle
	Close() error
}

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Every store gets its own database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:mem-%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serialises writers; no query nests another
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
