package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrInvocation     = errors.New("agent invocation failed")
	ErrTimeout        = errors.New("agent timed out")
	ErrIterationLimit = errors.New("agent tool loop exceeded iteration limit")
	ErrPathEscape     = errors.New("path escapes workspace")
)

// InvocationError carries the captured output of a failed agent run.
type InvocationError struct {
	Op       string
	ExitCode int
	Output   string
	Err      error
}

func (e *InvocationError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s: %s (exit %d)", e.Op, e.Err, e.ExitCode)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is an agent timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
