package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Waiting for dependencies
	TaskReady                       // All dependencies succeeded, waiting for resources
	TaskRunning                     // Dispatched to an agent
	TaskSucceeded                   // Finished successfully
	TaskFailed                      // Finished with error
	TaskCancelled                   // Cancelled by caller, deadlock breaker, or failed dependency
)

var taskStatusNames = [...]string{"PENDING", "READY", "RUNNING", "SUCCEEDED", "FAILED", "CANCELLED"}

func (s TaskStatus) String() string {
	if s < 0 || int(s) >= len(taskStatusNames) {
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
	return taskStatusNames[s]
}

// Terminal reports whether the status can no longer change.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

// Priority orders READY tasks. Higher values are scheduled first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityEmergency
)

var priorityNames = [...]string{"low", "normal", "high", "emergency"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityEmergency {
		return fmt.Sprintf("Priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Clamp bounds p to the defined priority levels.
func (p Priority) Clamp() Priority {
	if p < PriorityLow {
		return PriorityLow
	}
	if p > PriorityEmergency {
		return PriorityEmergency
	}
	return p
}

// ParsePriority parses a priority name. The empty string is PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// ResourceRequest asks for Amount units of a named pool resource.
type ResourceRequest struct {
	Resource string `json:"resource" yaml:"resource"`
	Amount   int64  `json:"amount" yaml:"amount"`
}

// Reason explains why a task reached its terminal state.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonExecutionFailed  Reason = "execution_failed"
	ReasonCircuitOpen      Reason = "circuit_open"
	ReasonCancelled        Reason = "cancelled"
	ReasonDeadlockBroken   Reason = "deadlock_broken"
	ReasonDependencyFailed Reason = "dependency_failed"
	ReasonResourceDenied   Reason = "resource_denied"
	ReasonNoAgent          Reason = "no_agent"
	ReasonShutdown         Reason = "shutdown"
)

// Outcome is the record written for every task that reaches a terminal state.
type Outcome struct {
	TaskID     string            `json:"task_id"`
	AgentID    string            `json:"agent_id"`
	Operation  string            `json:"operation"`
	Status     TaskStatus        `json:"status"`
	Success    bool              `json:"success"`
	Degraded   bool              `json:"degraded,omitempty"`
	Reason     Reason            `json:"reason,omitempty"`
	ErrorKind  string            `json:"error_kind,omitempty"`
	Error      string            `json:"error,omitempty"`
	Output     any               `json:"output,omitempty"`
	Duration   time.Duration     `json:"duration"`
	Cost       float64           `json:"cost"`
	Quality    float64           `json:"quality"`
	Attempts   int               `json:"attempts"`
	Context    map[string]string `json:"context,omitempty"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Task represents a unit of work submitted to the coordinator.
type Task struct {
	ID        string
	AgentID   string // Target agent; empty means any agent supporting Operation
	Operation string
	Input     any
	Priority  Priority
	DependsOn []string
	Resources []ResourceRequest
	Timeout   time.Duration // Per-attempt upper bound; zero uses the configured default
	Workflow  string        // Workflow this task is a step of, if any
	CreatedAt time.Time
	Seq       uint64 // Submission order, FIFO tie-break within a priority band

	Status          TaskStatus
	DeniedPasses    int // Scheduling passes in which dispatch was denied
	AgentWaitPasses int // Scheduling passes spent without a free agent slot
	StartedAt       time.Time
	FinishedAt      time.Time
	Outcome         *Outcome
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.Resources != nil {
		cp.Resources = append([]ResourceRequest(nil), task.Resources...)
	}
	if task.Outcome != nil {
		out := *task.Outcome
		cp.Outcome = &out
	}
	return &cp
}
