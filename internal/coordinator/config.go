package coordinator

import (
	"time"

	"github.com/aristath/agentrt/internal/recovery"
	"github.com/aristath/agentrt/internal/scheduler"
)

// Config tunes the coordinator.
type Config struct {
	PassInterval        time.Duration // Longest gap between scheduling passes
	DeadlockCheckPasses int           // Passes without progress before the deadlock detector runs
	MaxDeniedPasses     int           // Resource denials, or passes with no eligible agent, before a task fails; 0 disables
	MaxWorkers          int           // Concurrently running tasks
	DefaultTimeout      time.Duration // Per-attempt bound for tasks without their own
	Retention           time.Duration // Terminal tasks are forgotten after this; 0 keeps them
	HeartbeatTimeout    time.Duration // Agents silent for this long are offline; 0 disables
	ExcludeUnhealthy    bool          // Rank Unhealthy agents out of regular dispatch
	UnhealthyRetry      time.Duration // With ExcludeUnhealthy, gap between trial dispatches to an Unhealthy agent

	Resources map[string]int64 // Capacity per resource
	Retry     recovery.RetryConfig
	Breaker   recovery.BreakerConfig
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		PassInterval:        100 * time.Millisecond,
		DeadlockCheckPasses: 10,
		MaxDeniedPasses:     3000,
		MaxWorkers:          32,
		DefaultTimeout:      2 * time.Minute,
		Retention:           time.Hour,
		UnhealthyRetry:      30 * time.Second,
		Retry:               recovery.DefaultRetryConfig(),
		Breaker:             recovery.DefaultBreakerConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PassInterval <= 0 {
		c.PassInterval = def.PassInterval
	}
	if c.DeadlockCheckPasses <= 0 {
		c.DeadlockCheckPasses = def.DeadlockCheckPasses
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = def.MaxWorkers
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.UnhealthyRetry <= 0 {
		c.UnhealthyRetry = def.UnhealthyRetry
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = def.Retry
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker = def.Breaker
	}
	return c
}

// TaskSpec describes a task to submit.
type TaskSpec struct {
	ID        string // Generated when empty
	AgentID   string // Empty lets the coordinator pick an agent supporting Operation
	Operation string
	Input     any
	Priority  scheduler.Priority
	DependsOn []string
	Resources []scheduler.ResourceRequest
	Timeout   time.Duration // Per-attempt bound; zero uses Config.DefaultTimeout
	Workflow  string        // Workflow this task starts or continues
}
