package dedup

import (
	"path/filepath"
	"strings"
)

// PathClassifier flags roots that are system locations. It is advisory:
// callers ask for confirmation, nothing is blocked here.
type PathClassifier struct {
	roots      func() []string
	foldCase   bool
	evalRealFn func(string) (string, error)
}

// NewPathClassifier returns a classifier for the given roots. With no roots
// it uses the platform's system directories, read from the environment on
// every call so relocated installations are still caught.
func NewPathClassifier(roots ...string) *PathClassifier {
	c := &PathClassifier{
		foldCase:   caseInsensitiveFS,
		evalRealFn: canonicalPath,
	}
	if len(roots) > 0 {
		fixed := append([]string(nil), roots...)
		c.roots = func() []string { return fixed }
	} else {
		c.roots = systemRoots
	}
	return c
}

// IsProtected reports whether path equals or lies under a protected root.
// It never panics on malformed input.
func (c *PathClassifier) IsProtected(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}

	resolved, err := c.evalRealFn(path)
	for _, root := range c.roots() {
		if root == "" {
			continue
		}
		rootResolved, rootErr := c.evalRealFn(root)
		if err != nil || rootErr != nil {
			// Fall back to a raw prefix comparison
			if strings.HasPrefix(strings.ToLower(path), strings.ToLower(root)) {
				return true
			}
			continue
		}
		if c.within(resolved, rootResolved) {
			return true
		}
	}
	return false
}

// within reports whether path is root or a descendant of it
func (c *PathClassifier) within(path, root string) bool {
	if c.foldCase {
		path = strings.ToLower(path)
		root = strings.ToLower(root)
	}
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// canonicalPath resolves path to a clean absolute form, following symlinks
// when the path exists
func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}
	return filepath.Clean(abs), nil
}
