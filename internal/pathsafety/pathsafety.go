// Package pathsafety decides whether command-line tokens refer to locations
// inside a workspace root.
//
// Canonicalization is physical: each component is resolved in order, so a
// ".." that follows a symlink climbs from the symlink's target rather than
// from its lexical parent. Components that do not exist yet are carried
// forward unresolved; they cannot be symlinks.
package pathsafety

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// ErrRootNotAbsolute is returned when the workspace root is relative.
	ErrRootNotAbsolute = errors.New("workspace root must be an absolute path")

	// ErrCwdOutsideWorkspace is returned when the working directory escapes the root.
	ErrCwdOutsideWorkspace = errors.New("working directory is outside the workspace root")
)

// lineSuffix matches a trailing file:line (or file:line:col) component.
var lineSuffix = regexp.MustCompile(`:\d+$`)

// knownExtensions are file suffixes that mark a bare token as a path even
// without a separator.
var knownExtensions = map[string]bool{
	".py": true, ".pyi": true, ".ipynb": true, ".cfg": true, ".ini": true, ".toml": true,
	".txt": true, ".md": true, ".rst": true, ".json": true, ".yaml": true, ".yml": true,
	".xml": true, ".html": true, ".css": true, ".csv": true, ".lock": true, ".sql": true,
	".js": true, ".mjs": true, ".ts": true, ".tsx": true, ".jsx": true,
	".go": true, ".rs": true, ".java": true, ".kt": true, ".rb": true, ".php": true,
	".c": true, ".h": true, ".cpp": true, ".hpp": true, ".cs": true, ".sh": true,
	".whl": true, ".gz": true, ".zip": true, ".env": true, ".log": true,
}

// LooksLikePath reports whether tok should be treated as a filesystem path.
// Flags, the empty string and the "-" stdin placeholder never are.
func LooksLikePath(tok string) bool {
	if tok == "" || strings.HasPrefix(tok, "-") {
		return false
	}
	if tok == "." || tok == ".." || strings.HasPrefix(tok, "~") {
		return true
	}
	if strings.ContainsAny(tok, `/\`) {
		return true
	}
	if strings.Contains(tok, "::") || lineSuffix.MatchString(tok) {
		return true
	}
	return knownExtensions[strings.ToLower(filepath.Ext(tok))]
}

// FilePart strips a test node-id selector ("::...") and any trailing
// ":<digits>" line or column suffixes. A drive-letter colon is kept.
func FilePart(tok string) string {
	if i := strings.Index(tok, "::"); i >= 0 {
		tok = tok[:i]
	}
	for {
		loc := lineSuffix.FindStringIndex(tok)
		if loc == nil || loc[0] == 0 {
			return tok
		}
		tok = tok[:loc[0]]
	}
}

// CanonicalRoot resolves root to an absolute, symlink-free directory.
func CanonicalRoot(root string) (string, error) {
	if !filepath.IsAbs(root) {
		return "", fmt.Errorf("%w: %q", ErrRootNotAbsolute, root)
	}
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolving workspace root %q: %w", root, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat workspace root %q: %w", resolved, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace root %q is not a directory", resolved)
	}
	return resolved, nil
}

// Canonicalize resolves p (absolute, or relative to base) component by
// component, following symlinks as they are met.
func Canonicalize(base, p string) (string, error) {
	if !filepath.IsAbs(p) {
		// Concatenate rather than filepath.Join: Join would collapse ".."
		// lexically before symlinks are seen.
		p = base + string(filepath.Separator) + p
	}

	vol := filepath.VolumeName(p)
	cur := vol + string(filepath.Separator)
	parts := strings.FieldsFunc(p[len(vol):], func(r rune) bool {
		return r == '/' || r == filepath.Separator
	})

	for _, part := range parts {
		switch part {
		case ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
			continue
		}

		next := filepath.Join(cur, part)
		info, err := os.Lstat(next)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			cur = next
		case err != nil:
			return "", err
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := filepath.EvalSymlinks(next)
			if err != nil {
				return "", fmt.Errorf("resolving symlink %q: %w", next, err)
			}
			cur = target
		default:
			cur = next
		}
	}
	return cur, nil
}

// Within reports whether path equals root or is a descendant of it.
// Both arguments must already be canonical.
func Within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}

// IsWithinWorkspace reports whether candidate, after selector stripping and
// resolution against cwd, lies inside workspaceRoot. Any resolution error
// yields false.
func IsWithinWorkspace(workspaceRoot, cwd, candidate string) bool {
	root, err := CanonicalRoot(workspaceRoot)
	if err != nil {
		return false
	}
	if cwd == "" {
		cwd = root
	}
	f := Fence{root: root, cwd: cwd}
	return f.Contains(candidate)
}
