package config

import (
	"github.com/aristath/agentrt/internal/coordinator"
	"github.com/aristath/agentrt/internal/memory"
	"github.com/aristath/agentrt/internal/monitor"
	"github.com/aristath/agentrt/internal/recovery"
)

// DefaultConfig returns the default configuration. It has no agents and no
// resources; those come from the global and project files.
func DefaultConfig() *Config {
	retry := recovery.DefaultRetryConfig()
	breaker := recovery.DefaultBreakerConfig()
	sched := coordinator.DefaultConfig()
	mem := memory.DefaultConfig()
	th := monitor.DefaultThresholds()

	return &Config{
		Retry: RetryConfig{
			MaxAttempts: retry.MaxAttempts,
			BaseDelay:   Duration(retry.BaseDelay),
			MaxDelay:    Duration(retry.MaxDelay),
			Multiplier:  retry.Multiplier,
			Jitter:      retry.Jitter,
		},
		Breaker: BreakerConfig{
			FailureThreshold: breaker.FailureThreshold,
			Cooldown:         Duration(breaker.Cooldown),
		},
		Resources: map[string]int64{},
		Scheduler: SchedulerConfig{
			PassInterval:        Duration(sched.PassInterval),
			DeadlockCheckPasses: sched.DeadlockCheckPasses,
			MaxDeniedPasses:     sched.MaxDeniedPasses,
			MaxWorkers:          sched.MaxWorkers,
			DefaultTimeout:      Duration(sched.DefaultTimeout),
			Retention:           Duration(sched.Retention),
			HeartbeatTimeout:    Duration(sched.HeartbeatTimeout),
			ExcludeUnhealthy:    sched.ExcludeUnhealthy,
			UnhealthyRetry:      Duration(sched.UnhealthyRetry),
		},
		Memory: MemoryConfig{
			ShortTermTTL:  Duration(mem.ShortTermTTL),
			LearnEvery:    mem.LearnEvery,
			LearnSchedule: mem.LearnSchedule,
			LearnWindow:   Duration(mem.LearnWindow),
			MinSamples:    mem.MinSamples,
			HintTTL:       Duration(mem.HintTTL),
			PruneSchedule: mem.PruneSchedule,
			PruneAfter:    Duration(mem.PruneAfter),
			PruneBelow:    mem.PruneBelow,
		},
		Health: HealthConfig{
			Window:               th.Window,
			MinSamples:           th.MinSamples,
			HealthySuccessRate:   th.HealthySuccessRate,
			UnhealthySuccessRate: th.UnhealthySuccessRate,
			DegradedLatency:      Duration(th.DegradedLatency),
			UnhealthyLatency:     Duration(th.UnhealthyLatency),
			TrendFactor:          th.TrendFactor,
		},
		Shared: SharedConfig{
			Backend: SharedLocal,
			Prefix:  "agentrt",
		},
		Agents:    map[string]AgentConfig{},
		Workflows: map[string]WorkflowConfig{},
	}
}

// CoordinatorConfig converts the scheduling, retry, breaker, and resource
// sections into a coordinator configuration.
func (c *Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		PassInterval:        c.Scheduler.PassInterval.D(),
		DeadlockCheckPasses: c.Scheduler.DeadlockCheckPasses,
		MaxDeniedPasses:     c.Scheduler.MaxDeniedPasses,
		MaxWorkers:          c.Scheduler.MaxWorkers,
		DefaultTimeout:      c.Scheduler.DefaultTimeout.D(),
		Retention:           c.Scheduler.Retention.D(),
		HeartbeatTimeout:    c.Scheduler.HeartbeatTimeout.D(),
		ExcludeUnhealthy:    c.Scheduler.ExcludeUnhealthy,
		UnhealthyRetry:      c.Scheduler.UnhealthyRetry.D(),
		Resources:           c.Resources,
		Retry: recovery.RetryConfig{
			MaxAttempts: c.Retry.MaxAttempts,
			BaseDelay:   c.Retry.BaseDelay.D(),
			MaxDelay:    c.Retry.MaxDelay.D(),
			Multiplier:  c.Retry.Multiplier,
			Jitter:      c.Retry.Jitter,
		},
		Breaker: recovery.BreakerConfig{
			FailureThreshold: c.Breaker.FailureThreshold,
			Cooldown:         c.Breaker.Cooldown.D(),
		},
	}
}

// MemoryConfig converts the memory section.
func (c *Config) MemoryConfig() memory.Config {
	return memory.Config{
		ShortTermTTL:  c.Memory.ShortTermTTL.D(),
		LearnEvery:    c.Memory.LearnEvery,
		LearnSchedule: c.Memory.LearnSchedule,
		LearnWindow:   c.Memory.LearnWindow.D(),
		MinSamples:    c.Memory.MinSamples,
		HintTTL:       c.Memory.HintTTL.D(),
		PruneSchedule: c.Memory.PruneSchedule,
		PruneAfter:    c.Memory.PruneAfter.D(),
		PruneBelow:    c.Memory.PruneBelow,
	}
}

// Thresholds converts the health section.
func (c *Config) Thresholds() monitor.Thresholds {
	return monitor.Thresholds{
		Window:               c.Health.Window,
		MinSamples:           c.Health.MinSamples,
		HealthySuccessRate:   c.Health.HealthySuccessRate,
		UnhealthySuccessRate: c.Health.UnhealthySuccessRate,
		DegradedLatency:      c.Health.DegradedLatency.D(),
		UnhealthyLatency:     c.Health.UnhealthyLatency.D(),
		TrendFactor:          c.Health.TrendFactor,
	}
}

// CoordinatorWorkflows converts the workflow section.
func (c *Config) CoordinatorWorkflows() map[string]coordinator.Workflow {
	out := make(map[string]coordinator.Workflow, len(c.Workflows))
	for name, wf := range c.Workflows {
		steps := make([]coordinator.WorkflowStep, len(wf.Steps))
		for i, s := range wf.Steps {
			steps[i] = coordinator.WorkflowStep{AgentID: s.Agent, Operation: s.Operation}
		}
		out[name] = coordinator.Workflow{Name: name, Steps: steps}
	}
	return out
}
