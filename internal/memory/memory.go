// Package memory keeps what agents learn across tasks: durable samples and
// outcomes, short-lived per-task working state, and state shared between
// agents, plus the pipeline that turns outcomes into scheduling hints.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aristath/agentrt/internal/scheduler"
)

// CategorySuccessfulStrategy holds samples recorded from high-quality successes.
const CategorySuccessfulStrategy = "successful_strategy"

var (
	// ErrNoStore is returned by persistent operations when no Store is configured.
	ErrNoStore = errors.New("no persistent store configured")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("memory manager closed")
)

// Sample is a durable memory entry.
type Sample struct {
	ID         string            `json:"id"`
	AgentID    string            `json:"agent_id"`
	Category   string            `json:"category"`
	Key        string            `json:"key"`
	Value      json.RawMessage   `json:"value"`
	Score      float64           `json:"score"` // Importance, 0..1
	Metadata   map[string]string `json:"metadata,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// Filter narrows a sample query. Zero fields do not filter.
type Filter struct {
	Key          string
	MinScore     float64
	Since        time.Time
	Limit        int
	OrderByScore bool // Highest score first; otherwise newest first
}

// Hint is advisory scheduling guidance learned for one agent and operation.
type Hint struct {
	AgentID              string        `json:"agent_id"`
	Operation            string        `json:"operation"`
	SampleSize           int           `json:"sample_size"`
	SuccessRate          float64       `json:"success_rate"`
	MeanQuality          float64       `json:"mean_quality"`
	MeanCost             float64       `json:"mean_cost"`
	MeanDuration         time.Duration `json:"mean_duration"`
	SuggestedMaxAttempts int           `json:"suggested_max_attempts"`
	PriorityBump         int           `json:"priority_bump"` // -1, 0 or +1
	ComputedAt           time.Time     `json:"computed_at"`
}

// Store is the durable backend of the persistent tier and the learning pipeline.
type Store interface {
	RecordSample(ctx context.Context, s Sample) error
	QuerySamples(ctx context.Context, agentID, category string, f Filter) ([]Sample, error)
	RecordOutcome(ctx context.Context, o scheduler.Outcome) error
	Outcomes(ctx context.Context, since time.Time) ([]scheduler.Outcome, error)
	SaveHint(ctx context.Context, h Hint) error
	LoadHints(ctx context.Context) ([]Hint, error)
	// PruneSamples deletes samples recorded before olderThan whose score is
	// below belowScore, returning how many were removed.
	PruneSamples(ctx context.Context, olderThan time.Time, belowScore float64) (int64, error)
}

// Update is one published version of a shared key.
type Update struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	Source      string          `json:"source"`
	Version     int64           `json:"version"`
	PublishedAt time.Time       `json:"published_at"`
}

// SharedStore is the backend of the shared tier. Mutations of one key are
// serialised and versions increase by one per publish.
type SharedStore interface {
	Publish(ctx context.Context, key string, value json.RawMessage, source string) (Update, error)
	Latest(ctx context.Context, key string) (Update, bool, error)
	// Claim sets key's claim if absent and reports whether source won it.
	Claim(ctx context.Context, key, source string) (bool, error)
	// Subscribe delivers every update of key published after the call until
	// ctx ends, then closes the channel. Slow subscribers never lose updates.
	Subscribe(ctx context.Context, key string) (<-chan Update, error)
	Close() error
}
