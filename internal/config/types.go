package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration that reads and writes as text ("1m30s") in
// both JSON and YAML files.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the top-level runtime configuration.
type Config struct {
	StorePath string                    `json:"store_path" yaml:"store_path"` // SQLite file; empty keeps everything in memory
	Retry     RetryConfig               `json:"retry" yaml:"retry"`
	Breaker   BreakerConfig             `json:"breaker" yaml:"breaker"`
	Resources map[string]int64          `json:"resources" yaml:"resources"` // Capacity per resource name
	Scheduler SchedulerConfig           `json:"scheduler" yaml:"scheduler"`
	Memory    MemoryConfig              `json:"memory" yaml:"memory"`
	Health    HealthConfig              `json:"health" yaml:"health"`
	Shared    SharedConfig              `json:"shared" yaml:"shared"`
	Agents    map[string]AgentConfig    `json:"agents" yaml:"agents"`
	Workflows map[string]WorkflowConfig `json:"workflows" yaml:"workflows"`
}

// RetryConfig configures retries of failed agent calls.
type RetryConfig struct {
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier  float64  `json:"multiplier" yaml:"multiplier"`
	Jitter      float64  `json:"jitter" yaml:"jitter"`
}

// BreakerConfig configures the per-operation circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint32   `json:"failure_threshold" yaml:"failure_threshold"`
	Cooldown         Duration `json:"cooldown" yaml:"cooldown"`
}

// SchedulerConfig tunes the coordinator's scheduling loop.
type SchedulerConfig struct {
	PassInterval        Duration `json:"pass_interval" yaml:"pass_interval"`
	DeadlockCheckPasses int      `json:"deadlock_check_passes" yaml:"deadlock_check_passes"`
	MaxDeniedPasses     int      `json:"max_denied_passes" yaml:"max_denied_passes"`
	MaxWorkers          int      `json:"max_workers" yaml:"max_workers"`
	DefaultTimeout      Duration `json:"default_timeout" yaml:"default_timeout"`
	Retention           Duration `json:"retention" yaml:"retention"`
	HeartbeatTimeout    Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	ExcludeUnhealthy    bool     `json:"exclude_unhealthy" yaml:"exclude_unhealthy"`
	UnhealthyRetry      Duration `json:"unhealthy_retry" yaml:"unhealthy_retry"`
}

// MemoryConfig configures the memory manager and its learning pipeline.
type MemoryConfig struct {
	ShortTermTTL  Duration `json:"short_term_ttl" yaml:"short_term_ttl"`
	LearnEvery    int      `json:"learn_every" yaml:"learn_every"`
	LearnSchedule string   `json:"learn_schedule" yaml:"learn_schedule"`
	LearnWindow   Duration `json:"learn_window" yaml:"learn_window"`
	MinSamples    int      `json:"min_samples" yaml:"min_samples"`
	HintTTL       Duration `json:"hint_ttl" yaml:"hint_ttl"`
	PruneSchedule string   `json:"prune_schedule" yaml:"prune_schedule"`
	PruneAfter    Duration `json:"prune_after" yaml:"prune_after"`
	PruneBelow    float64  `json:"prune_below" yaml:"prune_below"`
}

// HealthConfig holds the thresholds that classify agent health.
type HealthConfig struct {
	Window               int      `json:"window" yaml:"window"`
	MinSamples           int      `json:"min_samples" yaml:"min_samples"`
	HealthySuccessRate   float64  `json:"healthy_success_rate" yaml:"healthy_success_rate"`
	UnhealthySuccessRate float64  `json:"unhealthy_success_rate" yaml:"unhealthy_success_rate"`
	DegradedLatency      Duration `json:"degraded_latency" yaml:"degraded_latency"`
	UnhealthyLatency     Duration `json:"unhealthy_latency" yaml:"unhealthy_latency"`
	TrendFactor          float64  `json:"trend_factor" yaml:"trend_factor"`
}

// Shared memory backends.
const (
	SharedLocal = "local"
	SharedRedis = "redis"
)

// SharedConfig selects the shared memory backend.
type SharedConfig struct {
	Backend string `json:"backend" yaml:"backend"` // "local" or "redis"
	URL     string `json:"url,omitempty" yaml:"url,omitempty"`
	Prefix  string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// AgentConfig defines a command agent.
type AgentConfig struct {
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	Command    string            `json:"command" yaml:"command"`
	Args       []string          `json:"args,omitempty" yaml:"args,omitempty"`
	WorkDir    string            `json:"workdir,omitempty" yaml:"workdir,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Operations []string          `json:"operations" yaml:"operations"`
	Capacity   int               `json:"capacity,omitempty" yaml:"capacity,omitempty"`
}

// WorkflowConfig is a chain of steps. When a task running one step succeeds,
// a task for the next step is submitted with the previous output as input.
type WorkflowConfig struct {
	Steps []WorkflowStepConfig `json:"steps" yaml:"steps"`
}

// WorkflowStepConfig names the agent and operation of one workflow step.
// An empty Agent lets the coordinator pick any agent supporting Operation.
type WorkflowStepConfig struct {
	Agent     string `json:"agent,omitempty" yaml:"agent,omitempty"`
	Operation string `json:"operation" yaml:"operation"`
}
