package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrResourceDenied is returned when a reservation does not fit the remaining capacity.
	ErrResourceDenied = errors.New("resource denied")
	// ErrUnknownResource is returned for a resource the pool was not configured with.
	ErrUnknownResource = errors.New("unknown resource")
	// ErrClaimReleased is returned when a claim is released a second time.
	ErrClaimReleased = errors.New("claim already released")
	ErrTaskNotFound  = errors.New("task not found")
	// ErrAlreadyTerminal is returned when a terminal task is asked to change state.
	ErrAlreadyTerminal = errors.New("task already terminal")
)

// ValidationError rejects a submission synchronously. The task is never enqueued.
type ValidationError struct {
	TaskID string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("invalid task: %s", e.Reason)
	}
	return fmt.Sprintf("invalid task %q: %s", e.TaskID, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a ValidationError for taskID.
func Invalid(taskID, format string, args ...any) error {
	return &ValidationError{TaskID: taskID, Reason: fmt.Sprintf(format, args...)}
}
