package coordinator

import "errors"

var (
	// ErrDeadlockBroken is the cancellation cause of deadlock victims.
	ErrDeadlockBroken = errors.New("cancelled to break a deadlock")
	// ErrCancelled is the cancellation cause of tasks cancelled by a caller.
	ErrCancelled = errors.New("task cancelled")
	// ErrDependencyFailed is the cause of tasks whose dependency did not succeed.
	ErrDependencyFailed = errors.New("dependency did not succeed")
	// ErrShutdown is the cancellation cause of tasks still live at Stop.
	ErrShutdown = errors.New("coordinator shutting down")
	// ErrStopped is returned by operations on a stopped coordinator.
	ErrStopped = errors.New("coordinator stopped")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("coordinator already started")

	// ErrNoAgent is the cause of tasks that found no online, eligible agent
	// for too many passes.
	ErrNoAgent = errors.New("no eligible agent")

	ErrUnknownAgent   = errors.New("unknown agent")
	ErrDuplicateAgent = errors.New("agent already registered")
)
