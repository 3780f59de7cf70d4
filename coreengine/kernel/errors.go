package kernel

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when no live process has the requested pid.
	ErrNotFound = errors.New("process not found")
	// ErrNoChildren is returned by wait when the caller has no children or
	// has been killed.
	ErrNoChildren = errors.New("no children to wait for")
	// ErrResourceExhausted is returned when no slot, stack, or memory is left.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrInvalidQueue is returned for a queue outside RR, LCFS, BJF.
	ErrInvalidQueue = errors.New("invalid queue")
	// ErrUnchanged is returned by a transfer into the queue a process is
	// already in.
	ErrUnchanged = errors.New("queue unchanged")
	// ErrKilled is returned by blocking calls interrupted by kill.
	ErrKilled = errors.New("process killed")
	// ErrBadDescriptor is returned for a file descriptor that is not open.
	ErrBadDescriptor = errors.New("bad file descriptor")
	// ErrHalted is returned once the kernel has been shut down.
	ErrHalted = errors.New("kernel halted")
)

// InvariantViolation reports a broken kernel invariant. The kernel halts on
// it; it is never returned to callers.
type InvariantViolation struct {
	Op  string
	Msg string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("kernel panic: %s: %s", e.Op, e.Msg)
}

// ShutdownError aggregates errors from shutting down kernel subsystems.
type ShutdownError struct {
	Errors []error
}

func (e *ShutdownError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("shutdown error: %v", e.Errors[0])
	}
	return fmt.Sprintf("shutdown errors: %d errors occurred", len(e.Errors))
}

// Unwrap exposes every aggregated error to errors.Is and errors.As.
func (e *ShutdownError) Unwrap() []error {
	return e.Errors
}
