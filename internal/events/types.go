package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	Topic() string
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask     = "task"
	TopicDeadlock = "deadlock"
	TopicBreaker  = "breaker"
	TopicProgress = "progress"
)

// Event type constants
const (
	EventTypeTaskSubmitted   = "task.submitted"
	EventTypeTaskStarted     = "task.started"
	EventTypeTaskRetrying    = "task.retrying"
	EventTypeTaskFinished    = "task.finished"
	EventTypeDeadlockBroken  = "deadlock.broken"
	EventTypeCircuitChanged  = "breaker.changed"
	EventTypeProgressChanged = "progress.changed"
)

// TaskSubmittedEvent is published when a task is accepted.
type TaskSubmittedEvent struct {
	ID        string
	AgentID   string
	Operation string
	Priority  string
	DependsOn []string
	Timestamp time.Time
}

func (e TaskSubmittedEvent) Topic() string     { return TopicTask }
func (e TaskSubmittedEvent) EventType() string { return EventTypeTaskSubmitted }
func (e TaskSubmittedEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when a task is dispatched to an agent.
type TaskStartedEvent struct {
	ID        string
	AgentID   string
	Operation string
	Timestamp time.Time
}

func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskRetryingEvent is published when an attempt failed and another follows.
type TaskRetryingEvent struct {
	ID        string
	Attempt   int
	Kind      string
	Err       string
	Timestamp time.Time
}

func (e TaskRetryingEvent) Topic() string     { return TopicTask }
func (e TaskRetryingEvent) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetryingEvent) TaskID() string    { return e.ID }

// TaskFinishedEvent is published when a task reaches a terminal state.
type TaskFinishedEvent struct {
	ID        string
	AgentID   string
	Status    string // SUCCEEDED, FAILED or CANCELLED
	Reason    string
	Err       string
	Degraded  bool
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFinishedEvent) Topic() string     { return TopicTask }
func (e TaskFinishedEvent) EventType() string { return EventTypeTaskFinished }
func (e TaskFinishedEvent) TaskID() string    { return e.ID }

// DeadlockBrokenEvent is published for each task cancelled to break a cycle.
type DeadlockBrokenEvent struct {
	Victim    string
	Timestamp time.Time
}

func (e DeadlockBrokenEvent) Topic() string     { return TopicDeadlock }
func (e DeadlockBrokenEvent) EventType() string { return EventTypeDeadlockBroken }
func (e DeadlockBrokenEvent) TaskID() string    { return e.Victim }

// CircuitChangedEvent is published when an operation's breaker changes state.
type CircuitChangedEvent struct {
	Operation string
	From      string
	To        string
	Timestamp time.Time
}

func (e CircuitChangedEvent) Topic() string     { return TopicBreaker }
func (e CircuitChangedEvent) EventType() string { return EventTypeCircuitChanged }
func (e CircuitChangedEvent) TaskID() string    { return "" }

// ProgressEvent is published when the task counts change.
type ProgressEvent struct {
	Total     int
	Pending   int
	Ready     int
	Running   int
	Succeeded int
	Failed    int
	Cancelled int
	Timestamp time.Time
}

func (e ProgressEvent) Topic() string     { return TopicProgress }
func (e ProgressEvent) EventType() string { return EventTypeProgressChanged }
func (e ProgressEvent) TaskID() string    { return "" }

// Done reports whether every known task is terminal.
func (e ProgressEvent) Done() bool {
	return e.Total > 0 && e.Succeeded+e.Failed+e.Cancelled == e.Total
}
