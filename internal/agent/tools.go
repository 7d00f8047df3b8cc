package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"slowquery-agent/internal/shell"
)

const (
	MaxToolChars = 12_000
	MaxToolLines = 300

	maxSearchMatches = 200
)

// toolbox implements the workspace tools exposed to the API agent.
type toolbox struct {
	ws     Workspace
	runner shell.Runner
}

type toolHandler func(ctx context.Context, input json.RawMessage) (string, error)

func (t *toolbox) handlers() map[string]toolHandler {
	return map[string]toolHandler{
		"read_file":   t.readFile,
		"write_file":  t.writeFile,
		"search":      t.search,
		"run_command": t.runCommand,
		"git_diff":    t.gitDiff,
	}
}

func toolDefinitions() []anthropic.ToolUnionParam {
	defs := []anthropic.ToolParam{
		{
			Name:        "read_file",
			Description: anthropic.String("Read a repository file. An optional 1-based inclusive line range can be given."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type: "object",
				Properties: map[string]any{
					"path":       map[string]any{"type": "string", "description": "Path relative to the repository root"},
					"start_line": map[string]any{"type": "integer", "description": "First line to return (1-based)"},
					"end_line":   map[string]any{"type": "integer", "description": "Last line to return (inclusive)"},
				},
				Required: []string{"path"},
			},
		},
		{
			Name:        "write_file",
			Description: anthropic.String("Overwrite a text file in the repository, creating parent directories as needed."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type: "object",
				Properties: map[string]any{
					"path":    map[string]any{"type": "string", "description": "Path relative to the repository root"},
					"content": map[string]any{"type": "string", "description": "The complete new file content"},
				},
				Required: []string{"path", "content"},
			},
		},
		{
			Name:        "search",
			Description: anthropic.String("Search the repository for a literal string. Uses ripgrep when available."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type: "object",
				Properties: map[string]any{
					"query": map[string]any{"type": "string", "description": "Text to search for"},
					"glob":  map[string]any{"type": "string", "description": "Optional file glob, default *"},
				},
				Required: []string{"query"},
			},
		},
		{
			Name:        "run_command",
			Description: anthropic.String("Run a shell command in the repository root, e.g. a test or lint command."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type: "object",
				Properties: map[string]any{
					"command": map[string]any{"type": "string", "description": "Command line passed to bash -lc"},
					"timeout": map[string]any{"type": "integer", "description": "Timeout in seconds, default 300"},
				},
				Required: []string{"command"},
			},
		},
		{
			Name:        "git_diff",
			Description: anthropic.String("Show the current uncommitted git diff."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type:       "object",
				Properties: map[string]any{},
			},
		},
	}

	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for i := range defs {
		out = append(out, anthropic.ToolUnionParam{OfTool: &defs[i]})
	}
	return out
}

func (t *toolbox) readFile(_ context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Path      string `json:"path"`
		StartLine *int   `json:"start_line"`
		EndLine   *int   `json:"end_line"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	p, err := t.ws.Resolve(in.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p) // #nosec G304 -- path confined to the workspace by Resolve
	if err != nil {
		return "", err
	}
	text := string(data)

	if in.StartLine != nil || in.EndLine != nil {
		lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
		start, end := 1, len(lines)
		if in.StartLine != nil {
			start = max(1, *in.StartLine)
		}
		if in.EndLine != nil {
			end = min(len(lines), *in.EndLine)
		}
		if start > end {
			return fmt.Sprintf("Invalid line range: start_line=%d, end_line=%d", start, end), nil
		}
		text = strings.Join(lines[start-1:end], "\n")
	}
	return Truncate(text), nil
}

func (t *toolbox) writeFile(_ context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	p, err := t.ws.Resolve(in.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(p, []byte(in.Content), 0o644); err != nil { // #nosec G306 -- repository source file
		return "", err
	}
	return fmt.Sprintf("Wrote %s (%d chars)", in.Path, len(in.Content)), nil
}

func (t *toolbox) search(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Query string `json:"query"`
		Glob  string `json:"glob"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if in.Query == "" {
		return "", errors.New("query is required")
	}
	if in.Glob == "" {
		in.Glob = "*"
	}

	res, err := t.runner.Run(ctx, shell.Command{
		Dir:     t.ws.Root,
		Name:    "rg",
		Args:    []string{"--fixed-strings", "--line-number", "--glob", in.Glob, "--", in.Query},
		Timeout: 60 * time.Second,
	})
	if err == nil {
		return Truncate(res.String()), nil
	}
	if !errors.Is(err, shell.ErrStart) {
		return "", err
	}

	matches, err := walkSearch(t.ws.Root, in.Query, in.Glob)
	if err != nil {
		return "", err
	}
	body := "(no matches)"
	if len(matches) > 0 {
		body = strings.Join(matches, "\n")
	}
	return Truncate(fmt.Sprintf("$ search query=%q glob=%q\n(exit 0)\nSTDOUT:\n%s\nSTDERR:\n", in.Query, in.Glob, body)), nil
}

// walkSearch is the ripgrep fallback: a plain substring scan of text files.
func walkSearch(root, query, glob string) ([]string, error) {
	var matches []string
	errDone := errors.New("done")

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		rel = filepath.ToSlash(rel)
		if ok, _ := filepath.Match(glob, rel); !ok {
			if ok, _ := filepath.Match(glob, d.Name()); !ok {
				return nil
			}
		}

		f, err := os.Open(path) // #nosec G304 -- walking the workspace
		if err != nil {
			return nil
		}
		defer f.Close()

		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for n := 1; sc.Scan(); n++ {
			if line := sc.Text(); strings.Contains(line, query) {
				matches = append(matches, fmt.Sprintf("%s:%d:%s", rel, n, line))
				if len(matches) >= maxSearchMatches {
					return errDone
				}
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDone) {
		return nil, err
	}
	return matches, nil
}

func (t *toolbox) runCommand(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	timeout := 300 * time.Second
	if in.Timeout > 0 {
		timeout = time.Duration(in.Timeout) * time.Second
	}
	res, err := t.runner.Run(ctx, shell.Command{
		Dir:     t.ws.Root,
		Name:    "bash",
		Args:    []string{"-lc", in.Command},
		Timeout: timeout,
	})
	if res != nil {
		out := res.String()
		if shell.IsTimeout(err) {
			out += "\n(timed out)"
		}
		return Truncate(out), nil
	}
	return "", err
}

func (t *toolbox) gitDiff(ctx context.Context, _ json.RawMessage) (string, error) {
	res, err := t.runner.Run(ctx, shell.Command{
		Dir:     t.ws.Root,
		Name:    "git",
		Args:    []string{"diff", "--unified=1"},
		Timeout: 30 * time.Second,
	})
	if res != nil {
		return Truncate(res.String()), nil
	}
	return "", err
}

// Truncate bounds tool output to MaxToolLines lines and MaxToolChars characters.
func Truncate(text string) string {
	lines := strings.Split(text, "\n")
	if len(lines) > MaxToolLines {
		text = strings.Join(lines[:MaxToolLines], "\n") +
			fmt.Sprintf("\n... [truncated %d lines]", len(lines)-MaxToolLines)
	}
	if r := []rune(text); len(r) > MaxToolChars {
		text = string(r[:MaxToolChars]) + fmt.Sprintf("\n... [truncated %d chars]", len(r)-MaxToolChars)
	}
	return text
}
