package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Agent is an opaque unit of work backed by an external service.
// Implementations must honour ctx cancellation and return classifiable errors
// (see Transient and Permanent).
type Agent interface {
	Invoke(ctx context.Context, in Input) (Result, error)
}

// FallbackProvider is implemented by agents that can produce a degraded result
// when retries are exhausted or their circuit is open.
type FallbackProvider interface {
	Fallback(ctx context.Context, in Input, cause error) (Result, error)
}

// Func adapts a function to the Agent interface.
type Func func(ctx context.Context, in Input) (Result, error)

func (f Func) Invoke(ctx context.Context, in Input) (Result, error) { return f(ctx, in) }

// Input is passed to every invocation.
type Input struct {
	TaskID    string
	Operation string
	Payload   any
	Attempt   int // 1-based attempt number

	// Resources lets a running task claim additional pool resources.
	Resources ResourceAcquirer
	// Memory is scoped to this task and cleared when it finishes.
	Memory WorkingMemory
	// Shared reaches state visible to every agent.
	Shared SharedMemory
}

// Result is what an invocation produces.
type Result struct {
	Output  any     `json:"output"`
	Quality float64 `json:"quality"` // 0..1, self-reported by the agent
	Cost    float64 `json:"cost"`
}

// ResourceAcquirer blocks until the claim is granted or ctx ends.
// Claims acquired this way are released when the task finishes.
type ResourceAcquirer interface {
	Acquire(ctx context.Context, resource string, amount int64) error
}

// WorkingMemory is short-lived state private to one task.
type WorkingMemory interface {
	Put(key string, value any, ttl time.Duration)
	Get(key string) (any, bool)
}

// SharedMemory is state broadcast between agents.
type SharedMemory interface {
	Publish(ctx context.Context, key string, value any) error
	// Claim sets key if nobody has, reporting whether this caller won.
	Claim(ctx context.Context, key string) (bool, error)
}

// Descriptor describes a registered agent.
type Descriptor struct {
	ID         string
	Name       string
	Operations []string // Operations this agent can perform
	Capacity   int      // Concurrent invocations, default 1
}

// Supports reports whether the agent can perform op.
func (d Descriptor) Supports(op string) bool {
	return slices.Contains(d.Operations, op)
}

// Validate checks the descriptor is usable for registration.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return errors.New("agent ID is required")
	}
	if len(d.Operations) == 0 {
		return fmt.Errorf("agent %q declares no operations", d.ID)
	}
	if d.Capacity < 0 {
		return fmt.Errorf("agent %q: negative capacity %d", d.ID, d.Capacity)
	}
	return nil
}
