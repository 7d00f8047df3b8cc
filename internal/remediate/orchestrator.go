// Package remediate runs one agent-driven fix attempt end to end: fresh
// clone, branch, agent, commit, push, cleanup.
package remediate

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"slowquery-agent/internal/agent"
	"slowquery-agent/internal/shell"
)

// Task is one remediation request.
type Task struct {
	RepoURL     string `json:"repo_url"`
	BaseBranch  string `json:"base_branch"`
	Prompt      string `json:"prompt"`
	CreateTests bool   `json:"create_tests"`
}

// Outcome describes a finished attempt. PullRequestID is filled in by the
// caller once the branch has been registered.
type Outcome struct {
	RunID         string `json:"run_id"`
	Branch        string `json:"branch"`
	BaseBranch    string `json:"base_branch"`
	Report        string `json:"report"`
	NoChanges     bool   `json:"no_changes"`
	Declined      bool   `json:"declined"` // agent answered NO_CHANGES_NEEDED
	AheadCount    int    `json:"ahead_count"`
	Attempts      int    `json:"attempts"`
	PullRequestID *int64 `json:"pull_request_id,omitempty"`
}

type Options struct {
	WorkspaceRoot  string
	BranchPrefix   string
	GitTimeout     time.Duration
	CleanupBackoff time.Duration
	AuthorName     string
	AuthorEmail    string
	// Now is used for run ids; defaults to time.Now.
	Now func() time.Time
}

// Orchestrator owns the workspace lifecycle of a remediation attempt.
type Orchestrator struct {
	runner shell.Runner
	agent  agent.Agent
	opts   Options
}

// NewOrchestrator returns an Orchestrator with defaults filled into opts.
func NewOrchestrator(runner shell.Runner, a agent.Agent, opts Options) *Orchestrator {
	if opts.WorkspaceRoot == "" {
		opts.WorkspaceRoot = "workspaces"
	}
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = "claude/fix-"
	}
	if opts.GitTimeout <= 0 {
		opts.GitTimeout = 2 * time.Minute
	}
	if opts.CleanupBackoff <= 0 {
		opts.CleanupBackoff = 500 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{runner: runner, agent: a, opts: opts}
}

// NewRunID returns a sortable, collision-resistant run identifier.
func (o *Orchestrator) NewRunID() string {
	return o.opts.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

// Remediate performs one attempt. The workspace is removed exactly once on
// every path, including failures.
func (o *Orchestrator) Remediate(ctx context.Context, task Task) (*Outcome, error) {
	runID := o.NewRunID()
	branch := o.opts.BranchPrefix + runID
	logger := log.With().Str("remediation_id", runID).Str("branch", branch).Logger()

	dir := filepath.Join(o.opts.WorkspaceRoot, runID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	defer removeWorkspace(dir, o.opts.CleanupBackoff, logger)

	ws, err := agent.NewWorkspace(dir)
	if err != nil {
		return nil, err
	}

	if err := o.git(ctx, ws, "clone", "clone", task.RepoURL, "."); err != nil {
		return nil, err
	}
	if err := o.git(ctx, ws, "checkout", "checkout", task.BaseBranch); err != nil {
		return nil, err
	}
	if err := o.git(ctx, ws, "branch", "checkout", "-b", branch); err != nil {
		return nil, err
	}

	res, attempts, err := o.runAgent(ctx, ws, task, logger)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{
		RunID:      runID,
		Branch:     branch,
		BaseBranch: task.BaseBranch,
		Report:     res.Report,
		Attempts:   attempts,
		Declined:   res.NoChanges(),
	}

	dirty, err := o.hasUncommittedChanges(ctx, ws)
	if err != nil {
		return nil, err
	}
	if dirty {
		if err := o.git(ctx, ws, "add", "add", "-A"); err != nil {
			return nil, err
		}
		if err := o.git(ctx, ws, "commit", "commit", "-m", fmt.Sprintf("Automated query fix (%s)", runID)); err != nil {
			return nil, err
		}
	}

	ahead, err := o.aheadCount(ctx, ws, task.BaseBranch, branch)
	if err != nil {
		return nil, err
	}
	outcome.AheadCount = ahead
	if ahead == 0 {
		if outcome.Declined {
			logger.Info().Msg("agent reported no changes needed; skipping push")
		} else {
			logger.Info().Msg("no commits ahead of base branch; skipping push")
		}
		outcome.NoChanges = true
		return outcome, nil
	}
	if outcome.Declined {
		logger.Warn().Int("ahead", ahead).Msg("agent reported no changes needed but left commits; pushing them")
	}

	if err := o.git(ctx, ws, "push", "push", "-u", "origin", branch); err != nil {
		return nil, err
	}

	logger.Info().Int("ahead", ahead).Int("attempts", attempts).Msg("remediation branch pushed")
	return outcome, nil
}

// runAgent invokes the agent and retries once, with a stricter instruction,
// if the first answer was a request for confirmation. The second answer is
// accepted whatever it says.
func (o *Orchestrator) runAgent(ctx context.Context, ws agent.Workspace, task Task, logger zerolog.Logger) (*agent.Result, int, error) {
	instruction := Instruction(task.Prompt, task.CreateTests)

	res, err := o.agent.Run(ctx, ws, instruction)
	if err != nil {
		return nil, 1, fmt.Errorf("running agent: %w", err)
	}
	if !res.NeedsConfirmation() {
		return res, 1, nil
	}

	logger.Warn().Msg("agent asked for confirmation; retrying with apply-now instruction")
	res, err = o.agent.Run(ctx, ws, RetryInstruction(instruction))
	if err != nil {
		return nil, 2, fmt.Errorf("running agent (retry): %w", err)
	}
	return res, 2, nil
}

func (o *Orchestrator) gitCommand(ws agent.Workspace, args ...string) shell.Command {
	env := []string{"GIT_TERMINAL_PROMPT=0"}
	if o.opts.AuthorName != "" {
		env = append(env, "GIT_AUTHOR_NAME="+o.opts.AuthorName, "GIT_COMMITTER_NAME="+o.opts.AuthorName)
	}
	if o.opts.AuthorEmail != "" {
		env = append(env, "GIT_AUTHOR_EMAIL="+o.opts.AuthorEmail, "GIT_COMMITTER_EMAIL="+o.opts.AuthorEmail)
	}
	return shell.Command{Dir: ws.Root, Name: "git", Args: args, Timeout: o.opts.GitTimeout, Env: env}
}

func (o *Orchestrator) gitOutput(ctx context.Context, ws agent.Workspace, op string, args ...string) (*shell.Result, error) {
	res, err := shell.RunOrFail(ctx, o.runner, op, o.gitCommand(ws, args...))
	if err != nil {
		return res, &GitOperationError{Op: op, Result: res, Err: err}
	}
	return res, nil
}

func (o *Orchestrator) git(ctx context.Context, ws agent.Workspace, op string, args ...string) error {
	_, err := o.gitOutput(ctx, ws, op, args...)
	return err
}

func (o *Orchestrator) hasUncommittedChanges(ctx context.Context, ws agent.Workspace) (bool, error) {
	res, err := o.gitOutput(ctx, ws, "status", "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

func (o *Orchestrator) aheadCount(ctx context.Context, ws agent.Workspace, base, head string) (int, error) {
	res, err := o.gitOutput(ctx, ws, "rev-list", "rev-list", "--count", base+".."+head)
	if err != nil {
		return 0, err
	}
	v := strings.TrimSpace(res.Stdout)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &GitOperationError{Op: "rev-list", Result: res, Err: fmt.Errorf("parsing ahead count: %w", err)}
	}
	return n, nil
}

// removeWorkspace deletes dir, making read-only entries writable and retrying
// once after backoff before giving up with a warning.
func removeWorkspace(dir string, backoff time.Duration, logger zerolog.Logger) {
	if err := os.RemoveAll(dir); err == nil {
		return
	}

	makeWritable(dir)
	err := os.RemoveAll(dir)
	if err == nil {
		return
	}

	time.Sleep(backoff)
	makeWritable(dir)
	if err = os.RemoveAll(dir); err != nil {
		logger.Warn().Err(err).Str("dir", dir).Msg("failed to remove workspace")
	}
}

func makeWritable(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		mode := os.FileMode(0o600)
		if d.IsDir() {
			mode = 0o700
		}
		_ = os.Chmod(path, mode) // #nosec G302 -- only loosens permissions inside our own workspace
		return nil
	})
}
