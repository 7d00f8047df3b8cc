package agent

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Workspace is the checked-out repository an agent is allowed to touch.
type Workspace struct {
	Root string
}

// NewWorkspace returns a Workspace rooted at the absolute form of dir.
func NewWorkspace(dir string) (Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Workspace{}, fmt.Errorf("resolving workspace: %w", err)
	}
	return Workspace{Root: abs}, nil
}

// Resolve maps a workspace-relative path to an absolute one, refusing any
// path that would land outside Root.
func (w Workspace) Resolve(rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q is absolute", ErrPathEscape, rel)
	}
	full := filepath.Join(w.Root, rel)
	r, err := filepath.Rel(w.Root, full)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	return full, nil
}
