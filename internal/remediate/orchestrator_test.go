package remediate

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog/log"

	"slowquery-agent/internal/agent"
	"slowquery-agent/internal/shell"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

var gitEnv = []string{
	"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
	"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	"GIT_CONFIG_GLOBAL=/dev/null", "GIT_CONFIG_NOSYSTEM=1",
}

func mustGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), gitEnv...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return string(out)
}

// newOrigin creates a bare repository with one commit on main and returns its path.
func newOrigin(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	origin := filepath.Join(base, "origin.git")
	seed := filepath.Join(base, "seed")

	mustGit(t, base, "init", "--bare", origin)
	mustGit(t, origin, "symbolic-ref", "HEAD", "refs/heads/main")
	mustGit(t, base, "init", seed)
	if err := os.WriteFile(filepath.Join(seed, "orders.ts"), []byte("for (const o of orders) await db.user.find(o.id)\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mustGit(t, seed, "add", "-A")
	mustGit(t, seed, "commit", "-m", "initial")
	mustGit(t, seed, "push", origin, "HEAD:refs/heads/main")
	return origin
}

func remoteHasBranch(t *testing.T, origin, branch string) bool {
	t.Helper()
	out := mustGit(t, origin, "branch", "--list", branch)
	return strings.TrimSpace(out) != ""
}

// scriptedAgent returns one scripted step per call.
type scriptedAgent struct {
	mu           sync.Mutex
	steps        []func(ws agent.Workspace) (*agent.Result, error)
	instructions []string
	roots        []string
}

func (a *scriptedAgent) Run(_ context.Context, ws agent.Workspace, instruction string) (*agent.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.instructions = append(a.instructions, instruction)
	a.roots = append(a.roots, ws.Root)
	i := len(a.instructions) - 1
	if i >= len(a.steps) {
		i = len(a.steps) - 1
	}
	return a.steps[i](ws)
}

func editFile(ws agent.Workspace) (*agent.Result, error) {
	p, err := ws.Resolve("orders.ts")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(p, []byte("await db.user.findMany({ where: { id: { in: ids } } })\n"), 0o644); err != nil {
		return nil, err
	}
	return &agent.Result{Report: "Summary: batched user lookups."}, nil
}

func askConfirmation(agent.Workspace) (*agent.Result, error) {
	return &agent.Result{Report: "Would you like me to apply this?", Confirmation: true}, nil
}

func noop(agent.Workspace) (*agent.Result, error) {
	return &agent.Result{Report: "NO_CHANGES_NEEDED"}, nil
}

func newTestOrchestrator(t *testing.T, a agent.Agent) (*Orchestrator, string) {
	t.Helper()
	root := t.TempDir()
	return NewOrchestrator(shell.NewExecutor(gitEnv...), a, Options{
		WorkspaceRoot:  root,
		GitTimeout:     30 * time.Second,
		CleanupBackoff: 10 * time.Millisecond,
		Now:            func() time.Time { return time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC) },
	}), root
}

func assertWorkspaceGone(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("workspace root not empty: %d entries left", len(entries))
	}
}

func TestRemediate_PushesBranch(t *testing.T) {
	requireGit(t)
	origin := newOrigin(t)
	a := &scriptedAgent{steps: []func(agent.Workspace) (*agent.Result, error){editFile}}
	o, root := newTestOrchestrator(t, a)

	out, err := o.Remediate(context.Background(), Task{RepoURL: origin, BaseBranch: "main", Prompt: "fix orders"})
	if err != nil {
		t.Fatalf("Remediate: %v", err)
	}

	if !strings.HasPrefix(out.RunID, "20260301-123045-") || len(out.RunID) != len("20260301-123045-")+8 {
		t.Errorf("RunID = %q", out.RunID)
	}
	if out.Branch != "claude/fix-"+out.RunID {
		t.Errorf("Branch = %q", out.Branch)
	}
	if out.NoChanges || out.Declined || out.AheadCount != 1 || out.Attempts != 1 {
		t.Errorf("outcome = %+v", out)
	}
	if out.Report != "Summary: batched user lookups." {
		t.Errorf("Report = %q", out.Report)
	}
	if !remoteHasBranch(t, origin, out.Branch) {
		t.Errorf("branch %s not pushed", out.Branch)
	}
	msg := mustGit(t, origin, "log", "-1", "--format=%s", out.Branch)
	if strings.TrimSpace(msg) != "Automated query fix ("+out.RunID+")" {
		t.Errorf("commit message = %q", msg)
	}

	if !strings.Contains(a.instructions[0], "Do NOT create new tests") || !strings.Contains(a.instructions[0], "Task:\nfix orders") {
		t.Errorf("instruction = %q", a.instructions[0])
	}
	if filepath.Dir(a.roots[0]) != root && filepath.Dir(a.roots[0]) != mustAbs(t, root) {
		t.Errorf("agent workspace %q not under %q", a.roots[0], root)
	}
	assertWorkspaceGone(t, root)
}

func TestRemediate_NoChangesSkipsPush(t *testing.T) {
	requireGit(t)
	origin := newOrigin(t)
	a := &scriptedAgent{steps: []func(agent.Workspace) (*agent.Result, error){noop}}
	o, root := newTestOrchestrator(t, a)

	out, err := o.Remediate(context.Background(), Task{RepoURL: origin, BaseBranch: "main", Prompt: "fix"})
	if err != nil {
		t.Fatalf("Remediate: %v", err)
	}
	if !out.NoChanges || !out.Declined || out.AheadCount != 0 {
		t.Errorf("outcome = %+v, want NoChanges declared by the agent", out)
	}
	if remoteHasBranch(t, origin, out.Branch) {
		t.Error("branch pushed despite no changes")
	}
	assertWorkspaceGone(t, root)
}

func TestRemediate_ConfirmationRetriesOnce(t *testing.T) {
	requireGit(t)

	t.Run("retry applies changes", func(t *testing.T) {
		origin := newOrigin(t)
		a := &scriptedAgent{steps: []func(agent.Workspace) (*agent.Result, error){askConfirmation, editFile}}
		o, _ := newTestOrchestrator(t, a)

		out, err := o.Remediate(context.Background(), Task{RepoURL: origin, BaseBranch: "main", Prompt: "fix"})
		if err != nil {
			t.Fatalf("Remediate: %v", err)
		}
		if out.Attempts != 2 || out.AheadCount != 1 {
			t.Errorf("outcome = %+v", out)
		}
		if !strings.HasSuffix(a.instructions[1], "If no changes are needed, say NO_CHANGES_NEEDED.") {
			t.Errorf("retry instruction = %q", a.instructions[1])
		}
		if a.roots[0] != a.roots[1] {
			t.Error("retry ran in a different workspace")
		}
	})

	t.Run("never a third invocation", func(t *testing.T) {
		origin := newOrigin(t)
		a := &scriptedAgent{steps: []func(agent.Workspace) (*agent.Result, error){askConfirmation}}
		o, _ := newTestOrchestrator(t, a)

		out, err := o.Remediate(context.Background(), Task{RepoURL: origin, BaseBranch: "main", Prompt: "fix"})
		if err != nil {
			t.Fatalf("Remediate: %v", err)
		}
		if len(a.instructions) != 2 {
			t.Errorf("agent invoked %d times, want 2", len(a.instructions))
		}
		if !out.NoChanges || out.Declined {
			t.Errorf("outcome = %+v, want NoChanges without a declared answer", out)
		}
	})
}

func TestRemediate_ConfirmationRetryFailureCleansUp(t *testing.T) {
	requireGit(t)
	origin := newOrigin(t)
	a := &scriptedAgent{steps: []func(agent.Workspace) (*agent.Result, error){
		askConfirmation,
		func(agent.Workspace) (*agent.Result, error) {
			return nil, &agent.InvocationError{Op: "agent cli", ExitCode: 1, Output: "boom", Err: agent.ErrInvocation}
		},
	}}
	o, root := newTestOrchestrator(t, a)

	out, err := o.Remediate(context.Background(), Task{RepoURL: origin, BaseBranch: "main", Prompt: "fix"})
	if !errors.Is(err, agent.ErrInvocation) {
		t.Fatalf("err = %v, want ErrInvocation", err)
	}
	if !strings.Contains(err.Error(), "retry") {
		t.Errorf("err = %v, want the retry named", err)
	}
	if out != nil {
		t.Errorf("outcome = %+v, want nil", out)
	}
	if len(a.instructions) != 2 {
		t.Errorf("agent invoked %d times, want 2", len(a.instructions))
	}
	branches := mustGit(t, origin, "branch", "--list", "claude/fix-*")
	if strings.TrimSpace(branches) != "" {
		t.Errorf("branch pushed after a failed retry: %s", branches)
	}
	assertWorkspaceGone(t, root)
}

func TestRemediate_AgentErrorCleansUp(t *testing.T) {
	requireGit(t)
	origin := newOrigin(t)
	a := &scriptedAgent{steps: []func(agent.Workspace) (*agent.Result, error){
		func(agent.Workspace) (*agent.Result, error) {
			return nil, &agent.InvocationError{Op: "agent cli", ExitCode: -1, Err: agent.ErrTimeout}
		},
	}}
	o, root := newTestOrchestrator(t, a)

	_, err := o.Remediate(context.Background(), Task{RepoURL: origin, BaseBranch: "main", Prompt: "fix"})
	if !agent.IsTimeout(err) {
		t.Fatalf("err = %v, want agent timeout", err)
	}
	assertWorkspaceGone(t, root)
}

func TestRemediate_GitFailures(t *testing.T) {
	requireGit(t)

	tests := []struct {
		name   string
		task   func(origin string) Task
		wantOp string
	}{
		{"clone", func(string) Task {
			return Task{RepoURL: filepath.Join(t.TempDir(), "missing.git"), BaseBranch: "main"}
		}, "clone"},
		{"checkout", func(origin string) Task {
			return Task{RepoURL: origin, BaseBranch: "no-such-branch"}
		}, "checkout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origin := newOrigin(t)
			a := &scriptedAgent{steps: []func(agent.Workspace) (*agent.Result, error){editFile}}
			o, root := newTestOrchestrator(t, a)

			_, err := o.Remediate(context.Background(), tt.task(origin))
			if !errors.Is(err, ErrGitOperation) {
				t.Fatalf("err = %v, want ErrGitOperation", err)
			}
			var gitErr *GitOperationError
			if !errors.As(err, &gitErr) || gitErr.Op != tt.wantOp {
				t.Errorf("gitErr = %+v, want op %s", gitErr, tt.wantOp)
			}
			if gitErr.Result == nil || gitErr.Result.ExitCode == 0 {
				t.Errorf("captured result = %+v", gitErr.Result)
			}
			if len(a.instructions) != 0 {
				t.Error("agent should not run after a git failure")
			}
			assertWorkspaceGone(t, root)
		})
	}
}

func TestInstruction(t *testing.T) {
	with := Instruction("do it", true)
	if !strings.Contains(with, "Add appropriate tests") || strings.Contains(with, "Do NOT create new tests") {
		t.Errorf("createTests=true instruction = %q", with)
	}
	without := Instruction("do it", false)
	if !strings.Contains(without, "Do NOT create new tests") {
		t.Errorf("createTests=false instruction = %q", without)
	}
	if !strings.Contains(without, "ASCII characters only") || !strings.HasSuffix(without, "Task:\ndo it") {
		t.Errorf("instruction = %q", without)
	}
}

func TestRemoveWorkspace_ReadOnlyTree(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ws")
	nested := filepath.Join(dir, ".git", "objects", "ab")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(nested, "obj"), []byte("x"), 0o444); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(nested, 0o555); err != nil {
		t.Fatal(err)
	}

	removeWorkspace(dir, time.Millisecond, log.Logger)

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("workspace still present: %v", err)
	}
}

func mustAbs(t *testing.T, p string) string {
	t.Helper()
	abs, err := filepath.Abs(p)
	if err != nil {
		t.Fatal(err)
	}
	return abs
}
