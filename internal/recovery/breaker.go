package recovery

import (
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig configures a per-operation circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        // Consecutive failures that open the circuit (default 5)
	Cooldown         time.Duration // Time spent OPEN before a trial call is allowed (default 30s)
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

// CircuitState is the state of one circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	case CircuitOpen:
		return "OPEN"
	}
	return "UNKNOWN"
}

func fromGobreaker(s gobreaker.State) CircuitState {
	switch s {
	case gobreaker.StateHalfOpen:
		return CircuitHalfOpen
	case gobreaker.StateOpen:
		return CircuitOpen
	}
	return CircuitClosed
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(operation string, from, to CircuitState)

// BreakerRegistry manages per-operation circuit breakers.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	onChange StateChangeFunc
	log      *slog.Logger
}

// NewBreakerRegistry creates a new circuit breaker registry.
func NewBreakerRegistry(log *slog.Logger, onChange StateChangeFunc) *BreakerRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		onChange: onChange,
		log:      log,
	}
}

// Get returns the circuit breaker for operation, creating it from cfg on
// first use. Later calls reuse the existing breaker regardless of cfg.
func (r *BreakerRegistry) Get(operation string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[operation]; ok {
		return cb
	}

	def := DefaultBreakerConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        operation,
		MaxRequests: 1, // Exactly one trial call while half-open
		Interval:    0, // Don't clear counts automatically
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.log.Info("circuit breaker state change", "operation", name, "from", from.String(), "to", to.String())
			if r.onChange != nil {
				r.onChange(name, fromGobreaker(from), fromGobreaker(to))
			}
		},
		IsSuccessful: isBreakerSuccess,
	})

	r.breakers[operation] = cb
	return cb
}

// isBreakerSuccess decides what counts against the breaker. Whether the
// caller gave up is decided from the caller's context in runAttempt; any
// other error, a context error from inside the agent included, is a failure.
func isBreakerSuccess(err error) bool {
	var cancelled *callerCancelledError
	return err == nil || errors.As(err, &cancelled)
}

// State returns the current state of the operation's breaker.
// Operations never executed are CLOSED.
func (r *BreakerRegistry) State(operation string) CircuitState {
	r.mu.Lock()
	cb, ok := r.breakers[operation]
	r.mu.Unlock()
	if !ok {
		return CircuitClosed
	}
	return fromGobreaker(cb.State())
}

// States returns the state of every known breaker.
func (r *BreakerRegistry) States() map[string]CircuitState {
	r.mu.Lock()
	names := slices.Sorted(maps.Keys(r.breakers))
	cbs := make([]*gobreaker.CircuitBreaker, len(names))
	for i, n := range names {
		cbs[i] = r.breakers[n]
	}
	r.mu.Unlock()

	out := make(map[string]CircuitState, len(names))
	for i, n := range names {
		out[n] = fromGobreaker(cbs[i].State())
	}
	return out
}
