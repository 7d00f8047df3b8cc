package remediate

import (
	"errors"
	"fmt"

	"slowquery-agent/internal/shell"
)

var ErrGitOperation = errors.New("git operation failed")

// GitOperationError reports the git step that failed and its captured output.
type GitOperationError struct {
	Op     string // clone, checkout, commit, push, ...
	Result *shell.Result
	Err    error
}

func (e *GitOperationError) Error() string {
	if e.Result != nil {
		return fmt.Sprintf("git %s: %s\n%s", e.Op, e.Err, e.Result.String())
	}
	return fmt.Sprintf("git %s: %s", e.Op, e.Err)
}

func (e *GitOperationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrGitOperation}
	}
	return []error{ErrGitOperation, e.Err}
}
