package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/robfig/cron/v3"
)

// Validate reports every setting that cannot work. Workflow steps must name
// a configured agent or at least an operation some agent supports.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		add("retry delays must not be negative")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		add("retry.max_delay %s is below retry.base_delay %s", c.Retry.MaxDelay.D(), c.Retry.BaseDelay.D())
	}
	if c.Retry.Multiplier < 1 {
		add("retry.multiplier must be at least 1, got %g", c.Retry.Multiplier)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		add("retry.jitter must be in [0, 1), got %g", c.Retry.Jitter)
	}

	if c.Breaker.FailureThreshold == 0 {
		add("breaker.failure_threshold must be positive")
	}
	if c.Breaker.Cooldown <= 0 {
		add("breaker.cooldown must be positive")
	}

	for _, name := range slices.Sorted(maps.Keys(c.Resources)) {
		if c.Resources[name] <= 0 {
			add("resource %q: capacity must be positive, got %d", name, c.Resources[name])
		}
	}

	s := c.Scheduler
	if s.PassInterval <= 0 {
		add("scheduler.pass_interval must be positive")
	}
	if s.DeadlockCheckPasses < 1 {
		add("scheduler.deadlock_check_passes must be at least 1")
	}
	if s.MaxDeniedPasses < 0 || s.MaxWorkers < 0 {
		add("scheduler.max_denied_passes and scheduler.max_workers must not be negative")
	}
	if s.DefaultTimeout <= 0 {
		add("scheduler.default_timeout must be positive")
	}
	if s.ExcludeUnhealthy && s.UnhealthyRetry <= 0 {
		add("scheduler.unhealthy_retry must be positive when scheduler.exclude_unhealthy is set")
	}
	if s.Retention < 0 || s.HeartbeatTimeout < 0 {
		add("scheduler.retention and scheduler.heartbeat_timeout must not be negative")
	}

	m := c.Memory
	if m.ShortTermTTL <= 0 {
		add("memory.short_term_ttl must be positive")
	}
	if m.LearnEvery < 0 || m.MinSamples < 0 {
		add("memory.learn_every and memory.min_samples must not be negative")
	}
	if m.PruneBelow < 0 || m.PruneBelow > 1 {
		add("memory.prune_below must be in [0, 1], got %g", m.PruneBelow)
	}
	for _, sched := range []struct{ field, spec string }{
		{"memory.learn_schedule", m.LearnSchedule},
		{"memory.prune_schedule", m.PruneSchedule},
	} {
		if sched.spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(sched.spec); err != nil {
			add("%s: %v", sched.field, err)
		}
	}

	h := c.Health
	if h.Window < 1 {
		add("health.window must be at least 1")
	}
	if h.UnhealthySuccessRate > h.HealthySuccessRate {
		add("health.unhealthy_success_rate %g exceeds health.healthy_success_rate %g", h.UnhealthySuccessRate, h.HealthySuccessRate)
	}

	switch c.Shared.Backend {
	case SharedLocal, "":
	case SharedRedis:
		if c.Shared.URL == "" {
			add("shared.url is required for the redis backend")
		}
	default:
		add("unknown shared.backend %q", c.Shared.Backend)
	}

	operations := make(map[string]bool)
	for _, id := range slices.Sorted(maps.Keys(c.Agents)) {
		a := c.Agents[id]
		if a.Command == "" {
			add("agent %q: command is required", id)
		}
		if len(a.Operations) == 0 {
			add("agent %q: at least one operation is required", id)
		}
		if a.Capacity < 0 {
			add("agent %q: capacity must not be negative", id)
		}
		for _, op := range a.Operations {
			operations[op] = true
		}
	}

	for _, name := range slices.Sorted(maps.Keys(c.Workflows)) {
		wf := c.Workflows[name]
		if len(wf.Steps) < 2 {
			add("workflow %q: needs at least two steps", name)
		}
		for i, step := range wf.Steps {
			switch {
			case step.Operation == "":
				add("workflow %q step %d: operation is required", name, i+1)
			case step.Agent != "":
				a, ok := c.Agents[step.Agent]
				if !ok {
					add("workflow %q step %d: unknown agent %q", name, i+1, step.Agent)
				} else if !slices.Contains(a.Operations, step.Operation) {
					add("workflow %q step %d: agent %q does not support %q", name, i+1, step.Agent, step.Operation)
				}
			case len(c.Agents) > 0 && !operations[step.Operation]:
				add("workflow %q step %d: no agent supports %q", name, i+1, step.Operation)
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
