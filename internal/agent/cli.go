package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"slowquery-agent/internal/shell"
)

// CLIOptions configures the claude CLI invocation.
type CLIOptions struct {
	Command           string
	Args              []string
	Model             string
	PermissionMode    string
	BypassPermissions bool
	Timeout           time.Duration
	Container         *ContainerOptions // nil runs on the host
}

// CLIAgent runs the claude CLI in print mode with the instruction as the
// final argument.
type CLIAgent struct {
	runner shell.Runner
	opts   CLIOptions
}

// NewCLIAgent returns an agent that shells out to the claude CLI.
func NewCLIAgent(runner shell.Runner, opts CLIOptions) *CLIAgent {
	if opts.Command == "" {
		opts.Command = "claude"
	}
	if opts.Args == nil {
		opts.Args = []string{"-p"}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 1800 * time.Second
	}
	return &CLIAgent{runner: runner, opts: opts}
}

// Argv builds the full CLI argument vector for instruction. Flags already
// present in Args are not repeated.
func (a *CLIAgent) Argv(instruction string) []string {
	parts := append([]string{a.opts.Command}, a.opts.Args...)

	if a.opts.Model != "" && !hasFlag(parts, "--model") && !hasFlag(parts, "-m") {
		parts = append(parts, "--model", a.opts.Model)
	}

	// Print mode cannot answer interactive permission prompts.
	if !hasFlag(parts, "--permission-mode") {
		mode := a.opts.PermissionMode
		if mode == "" {
			mode = "acceptEdits"
		}
		parts = append(parts, "--permission-mode", mode)
	}

	if (a.opts.BypassPermissions || flagValue(parts, "--permission-mode") == "bypassPermissions") &&
		!hasFlag(parts, "--dangerously-skip-permissions") {
		parts = append(parts, "--dangerously-skip-permissions")
	}

	return append(parts, instruction)
}

// Run invokes the CLI with the workspace as its working directory.
func (a *CLIAgent) Run(ctx context.Context, ws Workspace, instruction string) (*Result, error) {
	argv := a.Argv(instruction)
	cmd := shell.Command{Dir: ws.Root, Name: argv[0], Args: argv[1:], Timeout: a.opts.Timeout}
	if a.opts.Container != nil {
		cmd = a.opts.Container.wrap(ws, argv, a.opts.Timeout)
	}

	log.Info().
		Str("command", strings.Join(argv[:len(argv)-1], " ")).
		Bool("container", a.opts.Container != nil).
		Msg("invoking coding agent")

	res, err := a.runner.Run(ctx, cmd)
	if err != nil {
		if shell.IsTimeout(err) {
			return nil, &InvocationError{Op: "agent cli", ExitCode: -1, Output: resultString(res), Err: ErrTimeout}
		}
		return nil, &InvocationError{Op: "agent cli", ExitCode: exitCode(res), Output: resultString(res),
			Err: fmt.Errorf("%w: %v", ErrInvocation, err)}
	}
	if res.ExitCode != 0 {
		return nil, &InvocationError{Op: "agent cli", ExitCode: res.ExitCode, Output: res.String(), Err: ErrInvocation}
	}

	report := strings.TrimSpace(res.Stdout)
	if report == "" {
		report = res.String()
	}
	return &Result{
		Output:       res.String(),
		Report:       report,
		ExitCode:     res.ExitCode,
		Confirmation: DetectConfirmation(res.Combined()),
	}, nil
}

func hasFlag(parts []string, flag string) bool {
	for _, p := range parts {
		if p == flag || strings.HasPrefix(p, flag+"=") {
			return true
		}
	}
	return false
}

func flagValue(parts []string, flag string) string {
	for i, p := range parts {
		if p == flag && i+1 < len(parts) {
			return parts[i+1]
		}
		if v, ok := strings.CutPrefix(p, flag+"="); ok {
			return v
		}
	}
	return ""
}

func resultString(r *shell.Result) string {
	if r == nil {
		return ""
	}
	return r.String()
}

func exitCode(r *shell.Result) int {
	if r == nil {
		return -1
	}
	return r.ExitCode
}

func containsMarker(s string) bool {
	return strings.Contains(s, NoChangesMarker)
}
