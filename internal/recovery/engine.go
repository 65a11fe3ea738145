package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/agentrt/internal/agent"
)

var (
	// ErrCircuitOpen is matched by every CircuitOpenError.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrAttemptTimeout marks an attempt that exceeded its upper bound.
	ErrAttemptTimeout = errors.New("attempt timed out")
)

// CircuitOpenError is returned without consuming an attempt when the
// operation's breaker rejects the call.
type CircuitOpenError struct {
	Operation string
	Err       error // gobreaker.ErrOpenState or gobreaker.ErrTooManyRequests
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %q: %v", e.Operation, e.Err)
}

func (e *CircuitOpenError) Unwrap() error { return e.Err }

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// Request describes one protected execution.
type Request struct {
	Operation string // Breaker key
	TaskID    string
	Retry     RetryConfig
	Breaker   BreakerConfig // Used when the operation's breaker is first created
	Timeout   time.Duration // Per-attempt bound; zero uses the engine default
}

// Call performs one attempt. attempt starts at 1.
type Call[T any] func(ctx context.Context, attempt int) (T, error)

// Fallback produces a degraded value after the call could not succeed.
type Fallback[T any] func(ctx context.Context, cause error) (T, error)

// Result is the outcome of Execute.
type Result[T any] struct {
	Value    T
	Attempts int  // Attempts actually made; breaker rejections do not count
	Degraded bool // Value came from the fallback
}

// Engine wraps calls with retries, timeouts, and per-operation breakers.
type Engine struct {
	breakers       *BreakerRegistry
	failures       *FailureLog
	sink           FailureSink
	log            *slog.Logger
	defaultTimeout time.Duration
	onChange       StateChangeFunc
	logSize        int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithFailureSink stores failure events durably in addition to the in-memory log.
func WithFailureSink(s FailureSink) Option { return func(e *Engine) { e.sink = s } }

// WithDefaultTimeout sets the attempt bound used when a Request has none.
func WithDefaultTimeout(d time.Duration) Option { return func(e *Engine) { e.defaultTimeout = d } }

// WithStateChange observes breaker transitions. fn runs while the breaker is
// locked and must not query breaker state.
func WithStateChange(fn StateChangeFunc) Option { return func(e *Engine) { e.onChange = fn } }

// WithFailureLogSize bounds the in-memory failure log.
func WithFailureLogSize(n int) Option { return func(e *Engine) { e.logSize = n } }

// NewEngine creates an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		log:            slog.Default(),
		defaultTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.breakers = NewBreakerRegistry(e.log, e.onChange)
	e.failures = NewFailureLog(e.logSize)
	return e
}

// Failures returns the in-memory failure log.
func (e *Engine) Failures() *FailureLog { return e.failures }

// Breakers returns the breaker registry.
func (e *Engine) Breakers() *BreakerRegistry { return e.breakers }

// Execute runs call under the operation's circuit breaker, retrying transient
// failures with monotonic exponential backoff. Permanent failures stop the
// retries. When the call cannot succeed and fallback is non-nil, the fallback
// value is returned with Degraded set. Cancellation of ctx ends execution
// without a fallback.
func Execute[T any](ctx context.Context, e *Engine, req Request, call Call[T], fallback Fallback[T]) (Result[T], error) {
	var res Result[T]

	cfg := req.Retry.normalize()
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	cb := e.breakers.Get(req.Operation, req.Breaker)
	policy := NewBackOff(cfg)

	var lastErr error
	operation := func() error {
		// Check context first - fail fast if cancelled
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		v, err := cb.Execute(func() (interface{}, error) {
			res.Attempts++
			return runAttempt(ctx, call, res.Attempts, timeout)
		})
		if err == nil {
			if v != nil {
				res.Value = v.(T)
			}
			e.failures.Clear(req.Operation)
			return nil
		}

		// Rejected by the breaker: no attempt was made
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			lastErr = &CircuitOpenError{Operation: req.Operation, Err: err}
			return backoff.Permanent(lastErr)
		}

		lastErr = err
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}

		class := agent.Classify(err)
		e.recordFailure(ctx, FailureEvent{
			Operation: req.Operation,
			TaskID:    req.TaskID,
			Kind:      class.Kind,
			Permanent: class.Permanent,
			Message:   err.Error(),
			Attempt:   res.Attempts,
			At:        time.Now(),
		})
		if class.Permanent {
			return backoff.Permanent(err)
		}
		if class.Kind == agent.KindRateLimit {
			policy.Boost(cfg.Multiplier)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		e.log.Debug("retrying after failure",
			"operation", req.Operation, "task_id", req.TaskID,
			"attempt", res.Attempts, "delay", delay, "error", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(cfg.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(operation, b, notify)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, err
	}
	if lastErr == nil {
		lastErr = err
	}

	if fallback != nil {
		v, ferr := fallback(ctx, lastErr)
		if ferr == nil {
			e.log.Warn("using fallback result", "operation", req.Operation, "task_id", req.TaskID, "cause", lastErr)
			res.Value = v
			res.Degraded = true
			return res, nil
		}
		return res, fmt.Errorf("%w (fallback failed: %v)", lastErr, ferr)
	}
	return res, lastErr
}

// runAttempt bounds one call by timeout. A call that ignores its context is
// abandoned when the bound expires.
func runAttempt[T any](ctx context.Context, call Call[T], attempt int, timeout time.Duration) (interface{}, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := call(actx, attempt)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		switch {
		case o.err == nil:
			return o.v, nil
		case ctx.Err() != nil:
			return nil, &callerCancelledError{err: o.err}
		case errors.Is(actx.Err(), context.DeadlineExceeded):
			return nil, attemptTimeout(timeout, o.err)
		}
		return nil, o.err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return nil, &callerCancelledError{err: err}
		}
		return nil, attemptTimeout(timeout, actx.Err())
	}
}

// callerCancelledError marks an attempt cut short because the caller's
// context ended. It is the only error the breaker does not count.
type callerCancelledError struct{ err error }

func (e *callerCancelledError) Error() string { return e.err.Error() }
func (e *callerCancelledError) Unwrap() error { return e.err }

func attemptTimeout(timeout time.Duration, cause error) error {
	return agent.Transient(agent.KindTimeout, fmt.Errorf("%w after %s: %v", ErrAttemptTimeout, timeout, cause))
}

func (e *Engine) recordFailure(ctx context.Context, ev FailureEvent) {
	e.failures.Record(ev)
	e.log.Warn("attempt failed",
		"operation", ev.Operation, "task_id", ev.TaskID, "attempt", ev.Attempt,
		"kind", ev.Kind, "permanent", ev.Permanent, "error", ev.Message)

	if e.sink == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.sink.RecordFailure(sctx, ev); err != nil {
		e.log.Error("failed to persist failure event", "operation", ev.Operation, "error", err)
	}
}
