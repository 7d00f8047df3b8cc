package registrar

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPRCreation         = errors.New("pull request creation failed")
	ErrBackendUnavailable = errors.New("record store unavailable")
	ErrNoOpenPullRequest  = errors.New("no open pull request")
	ErrMergeUnsupported   = errors.New("merge requires github mode")
)

// PRCreationError carries the hosting API's diagnostics and the compare URL
// a human can use to open the pull request by hand.
type PRCreationError struct {
	StatusCode int
	Message    string
	Errors     []string
	CompareURL string
	Err        error
}

func (e *PRCreationError) Error() string {
	var b strings.Builder
	b.WriteString(ErrPRCreation.Error())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	} else if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	if len(e.Errors) > 0 {
		b.WriteString(" (" + strings.Join(e.Errors, "; ") + ")")
	}
	if e.CompareURL != "" {
		b.WriteString("; open manually: " + e.CompareURL)
	}
	return b.String()
}

func (e *PRCreationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPRCreation}
	}
	return []error{ErrPRCreation, e.Err}
}

// BackendUnavailableError reports a failed POST to the record API.
type BackendUnavailableError struct {
	CompareURL string
	StatusCode int // 0 on transport failure
	Err        error
}

func (e *BackendUnavailableError) Error() string {
	msg := ErrBackendUnavailable.Error()
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.CompareURL != "" {
		msg += "; open manually: " + e.CompareURL
	}
	return msg
}

func (e *BackendUnavailableError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrBackendUnavailable}
	}
	return []error{ErrBackendUnavailable, e.Err}
}

// ManualURL returns the compare URL carried by a registration error, if any.
func ManualURL(err error) string {
	var prErr *PRCreationError
	if errors.As(err, &prErr) {
		return prErr.CompareURL
	}
	var beErr *BackendUnavailableError
	if errors.As(err, &beErr) {
		return beErr.CompareURL
	}
	return ""
}
