// Package shell runs external processes with a bounded lifetime and captures
// their output as a Result record.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	maxStdout = 1 << 20
	maxStderr = 256 * 1024

	// DefaultTimeout applies when a Command carries none.
	DefaultTimeout = 2 * time.Minute
)

// Command describes one process invocation.
type Command struct {
	Dir     string
	Name    string
	Args    []string
	Timeout time.Duration
	Env     []string // appended to the parent environment
}

// Argv returns the full argument vector.
func (c Command) Argv() []string {
	return append([]string{c.Name}, c.Args...)
}

// Result is the record of a finished (or timed out) process.
type Result struct {
	Command  []string      `json:"command"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Success reports a zero exit code.
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Combined returns stdout followed by stderr.
func (r *Result) Combined() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

func (r *Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "$ %s\n(exit %d)\n", strings.Join(r.Command, " "), r.ExitCode)
	b.WriteString("STDOUT:\n")
	b.WriteString(r.Stdout)
	if !strings.HasSuffix(r.Stdout, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("STDERR:\n")
	b.WriteString(r.Stderr)
	return b.String()
}

// Runner is implemented by anything that can execute a Command.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Executor runs commands on the host.
type Executor struct {
	// Env is added to every command, e.g. DOCKER_HOST or GIT_TERMINAL_PROMPT=0.
	Env []string
}

// NewExecutor returns an Executor that appends env to every command.
func NewExecutor(env ...string) *Executor {
	return &Executor{Env: env}
}

// Run executes cmd. A non-zero exit is reported in the Result, not as an error.
// On timeout the partial Result is returned together with ErrTimeout.
func (e *Executor) Run(ctx context.Context, cmd Command) (*Result, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(execCtx, cmd.Name, cmd.Args...) // #nosec G204 -- argv built by callers, never through a shell
	c.Dir = cmd.Dir
	if len(e.Env) > 0 || len(cmd.Env) > 0 {
		c.Env = append(append(os.Environ(), e.Env...), cmd.Env...)
	}
	c.WaitDelay = 5 * time.Second

	var stdoutBuf, stderrBuf bytes.Buffer
	c.Stdout = &stdoutBuf
	c.Stderr = &stderrBuf

	logger := log.With().Str("cmd", cmd.Name).Str("dir", cmd.Dir).Logger()

	start := time.Now()
	err := c.Run()
	res := &Result{
		Command:  cmd.Argv(),
		Stdout:   truncateOutput(stdoutBuf.String(), maxStdout),
		Stderr:   truncateOutput(stderrBuf.String(), maxStderr),
		Duration: time.Since(start),
	}

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			res.ExitCode = -1
			logger.Warn().Dur("timeout", timeout).Msg("command timed out")
			return res, ErrTimeout
		}
		if ctx.Err() != nil {
			res.ExitCode = -1
			return res, ctx.Err()
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = 127
			if res.Stderr == "" {
				res.Stderr = err.Error()
			}
			return res, &CommandError{Op: cmd.Name, Result: res, Err: fmt.Errorf("%w: %v", ErrStart, err)}
		}
	}

	logger.Debug().
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Msg("command completed")

	return res, nil
}

// RunOrFail runs cmd and turns a non-zero exit into a *CommandError.
func RunOrFail(ctx context.Context, r Runner, op string, cmd Command) (*Result, error) {
	res, err := r.Run(ctx, cmd)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			cmdErr.Op = op
			return res, cmdErr
		}
		return res, &CommandError{Op: op, Result: res, Err: err}
	}
	if !res.Success() {
		return res, &CommandError{Op: op, Result: res, Err: ErrExit}
	}
	return res, nil
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... [output truncated]"
}
