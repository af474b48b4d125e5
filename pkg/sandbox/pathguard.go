package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PathGuard confines filesystem access to a set of allowed roots.
// Both roots and candidate paths are compared after symlink resolution.
type PathGuard struct {
	roots []string
}

// NewPathGuard resolves the roots once. Roots that do not exist yet are kept
// in cleaned absolute form.
func NewPathGuard(roots []string) (*PathGuard, error) {
	if len(roots) == 0 {
		return nil, ErrNoAllowedRoots
	}

	g := &PathGuard{}
	for _, root := range roots {
		resolved, err := resolve(root)
		if err != nil {
			return nil, fmt.Errorf("resolve root %q: %w", root, err)
		}
		g.roots = append(g.roots, resolved)
	}
	return g, nil
}

// Roots returns the resolved roots.
func (g *PathGuard) Roots() []string {
	return append([]string(nil), g.roots...)
}

// Resolve returns the real path for p, or an error wrapping
// ErrFilesystemAccessDenied when it lies outside every root.
// Paths that do not exist yet are resolved through their deepest existing parent.
func (g *PathGuard) Resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: empty path", ErrFilesystemAccessDenied)
	}

	resolved, err := resolve(p)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrFilesystemAccessDenied, p, err)
	}

	for _, root := range g.roots {
		if within(root, resolved) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: %s is outside allowed roots", ErrFilesystemAccessDenied, p)
}

// Allowed reports whether p resolves inside a root.
func (g *PathGuard) Allowed(p string) bool {
	_, err := g.Resolve(p)
	return err == nil
}

func resolve(p string) (string, error) {
	expanded, err := expandHome(p)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", err
	}

	// Walk up to the deepest existing ancestor, resolve it, then re-append the rest.
	existing := abs
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}

	realPath, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{realPath}, rest...)...), nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel))
}
