package tools

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscapes is surfaced when a path or symlink resolves outside the
// workspace root.
var ErrPathEscapes = errors.New("path escapes workspace root")

// Workspace confines tool file access to a root directory. Any symlink
// whose resolved target escapes the root is refused.
type Workspace struct {
	root string
}

// NewWorkspace creates a workspace rooted at dir (made absolute).
func NewWorkspace(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Workspace{root: abs}, nil
}

// Root returns the workspace root.
func (w *Workspace) Root() string { return w.root }

// Resolve maps a tool-supplied path into the workspace and verifies the
// fully resolved target stays inside the root. Relative paths are joined
// to the root.
func (w *Workspace) Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("empty path")
	}
	joined := path
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(w.root, joined)
	}
	cleaned := filepath.Clean(joined)
	if !w.within(cleaned) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, path)
	}
	// Resolve symlinks on the deepest existing ancestor so a link inside
	// the workspace cannot point outside it.
	resolved, err := resolveExisting(cleaned)
	if err != nil {
		return "", err
	}
	if !w.within(resolved) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, path)
	}
	return cleaned, nil
}

func (w *Workspace) within(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}

// resolveExisting walks up to the deepest existing path component and
// returns its symlink-resolved form rejoined with the missing suffix.
func resolveExisting(path string) (string, error) {
	existing := path
	var suffix []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		suffix = append([]string{filepath.Base(existing)}, suffix...)
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("resolve symlinks: %w", err)
	}
	return filepath.Join(append([]string{resolved}, suffix...)...), nil
}
