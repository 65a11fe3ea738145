package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/agentrt/internal/agent"
)

// FailureEvent records one failed attempt.
type FailureEvent struct {
	Operation string     `json:"operation"`
	TaskID    string     `json:"task_id"`
	Kind      agent.Kind `json:"kind"`
	Permanent bool       `json:"permanent"`
	Message   string     `json:"message"`
	Attempt   int        `json:"attempt"`
	At        time.Time  `json:"at"`
}

// FailureSink stores failure events durably.
type FailureSink interface {
	RecordFailure(ctx context.Context, ev FailureEvent) error
}

// FailureLog keeps the most recent failure events in memory together with the
// current failure streak of every operation.
type FailureLog struct {
	mu      sync.RWMutex
	limit   int
	events  []FailureEvent
	streaks map[string]int
}

// NewFailureLog creates a log that retains at most limit events.
func NewFailureLog(limit int) *FailureLog {
	if limit <= 0 {
		limit = 1000
	}
	return &FailureLog{limit: limit, streaks: make(map[string]int)}
}

// Record appends ev, evicting the oldest event when full.
func (l *FailureLog) Record(ev FailureEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.events) == l.limit {
		copy(l.events, l.events[1:])
		l.events = l.events[:len(l.events)-1]
	}
	l.events = append(l.events, ev)
	l.streaks[ev.Operation]++
}

// Clear resets the failure streak of operation after a success.
func (l *FailureLog) Clear(operation string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.streaks, operation)
}

// Streak returns the consecutive failures of operation since its last success.
func (l *FailureLog) Streak(operation string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.streaks[operation]
}

// ForTask returns the events recorded for a task, oldest first.
func (l *FailureLog) ForTask(taskID string) []FailureEvent {
	return l.filter(func(ev FailureEvent) bool { return ev.TaskID == taskID })
}

// ForOperation returns the events recorded for an operation, oldest first.
func (l *FailureLog) ForOperation(operation string) []FailureEvent {
	return l.filter(func(ev FailureEvent) bool { return ev.Operation == operation })
}

// Since returns the events recorded at or after t.
func (l *FailureLog) Since(t time.Time) []FailureEvent {
	return l.filter(func(ev FailureEvent) bool { return !ev.At.Before(t) })
}

// Len returns the number of retained events.
func (l *FailureLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

func (l *FailureLog) filter(keep func(FailureEvent) bool) []FailureEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []FailureEvent
	for _, ev := range l.events {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}
