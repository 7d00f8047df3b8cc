package shell

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout = errors.New("command timed out")
	ErrStart   = errors.New("command could not be started")
	ErrExit    = errors.New("command exited non-zero")
)

// CommandError wraps a failed command with the step that ran it.
type CommandError struct {
	Op     string // The operation that failed
	Result *Result
	Err    error
}

func (e *CommandError) Error() string {
	if e.Result != nil {
		return fmt.Sprintf("%s: %s (exit %d)", e.Op, e.Err, e.Result.ExitCode)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
