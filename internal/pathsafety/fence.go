package pathsafety

import (
	"fmt"
	"path/filepath"
)

// Fence binds a canonical workspace root to a working directory inside it.
// It is a value type and safe to share between goroutines.
type Fence struct {
	root string
	cwd  string
}

// NewFence canonicalizes root and cwd and verifies cwd lies inside root.
// An empty cwd means the root itself; a relative cwd is taken from the root.
func NewFence(root, cwd string) (Fence, error) {
	croot, err := CanonicalRoot(root)
	if err != nil {
		return Fence{}, err
	}
	if cwd == "" {
		cwd = croot
	}
	ccwd, err := Canonicalize(croot, cwd)
	if err != nil {
		return Fence{}, fmt.Errorf("resolving working directory %q: %w", cwd, err)
	}
	if !Within(croot, ccwd) {
		return Fence{}, fmt.Errorf("%w: %s", ErrCwdOutsideWorkspace, ccwd)
	}
	return Fence{root: croot, cwd: ccwd}, nil
}

// Root returns the canonical workspace root.
func (f Fence) Root() string { return f.root }

// Cwd returns the canonical working directory.
func (f Fence) Cwd() string { return f.cwd }

// IsZero reports whether the fence has no root, i.e. no workspace is bound.
func (f Fence) IsZero() bool { return f.root == "" }

// Contains reports whether the file part of candidate resolves inside the root.
func (f Fence) Contains(candidate string) bool {
	if f.root == "" {
		return false
	}
	part := FilePart(candidate)
	if part == "" || part == "-" {
		return false
	}
	resolved, err := Canonicalize(f.cwd, part)
	if err != nil {
		return false
	}
	return Within(f.root, resolved)
}

// Resolve returns the canonical form of candidate's file part relative to cwd.
func (f Fence) Resolve(candidate string) (string, error) {
	return Canonicalize(f.cwd, FilePart(candidate))
}

// Rel returns path relative to the workspace root, for display.
func (f Fence) Rel(path string) string {
	rel, err := filepath.Rel(f.root, path)
	if err != nil {
		return path
	}
	return rel
}
