// Package agent drives a coding agent inside a checked-out workspace. Two
// implementations exist: the claude CLI (optionally inside Docker) and a
// direct Anthropic Messages API tool loop.
package agent

import "context"

// Agent applies an instruction to the files in a workspace.
type Agent interface {
	Run(ctx context.Context, ws Workspace, instruction string) (*Result, error)
}

// Result is the outcome of one agent invocation.
type Result struct {
	Output       string `json:"output"` // full captured record
	Report       string `json:"report"` // the agent's final text
	ExitCode     int    `json:"exit_code"`
	Iterations   int    `json:"iterations,omitempty"`
	Confirmation bool   `json:"confirmation"`
}

// NeedsConfirmation reports whether the agent stopped to ask for permission
// rather than acting.
func (r *Result) NeedsConfirmation() bool {
	return r != nil && r.Confirmation
}

// NoChanges reports whether the agent declared that nothing needed changing.
func (r *Result) NoChanges() bool {
	return r != nil && containsMarker(r.Report)
}
