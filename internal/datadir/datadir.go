// Package datadir manages warden's state directory.
// Configuration, policies, the history database, audit logs and log files
// all live under one root so an installation can be moved or wiped as a unit.
//
// Default root: ~/.warden (configurable via data_dir or WARDEN_DATA_DIR).
package datadir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default state directory relative to the user home directory.
const defaultRelativePath = ".warden"

// Dir manages the state directory and its derived paths.
type Dir struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Dir rooted at the given path, creating it with 0750 if needed.
// A leading ~ resolves to the user's home directory.
func New(root string) (*Dir, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir %q: %w", root, err)
	}

	d := &Dir{
		Root:    resolved,
		created: make(map[string]bool),
	}
	if err := d.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	return d, nil
}

// Default creates a Dir at ~/.warden.
func Default() (*Dir, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// LogsDir returns <root>/logs/.
func (d *Dir) LogsDir() string {
	p := filepath.Join(d.Root, "logs")
	_ = d.ensureDir(p, 0750)
	return p
}

// ConfigPath returns <root>/config.yaml.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.Root, "config.yaml")
}

// PoliciesPath returns <root>/policies.yaml.
func (d *Dir) PoliciesPath() string {
	return filepath.Join(d.Root, "policies.yaml")
}

// EnsureAll creates every standard subdirectory.
func (d *Dir) EnsureAll() error {
	return d.ensureDir(filepath.Join(d.Root, "logs"), 0750)
}

// WriteIfAbsent writes data to path unless the file already exists.
// It reports whether the file was written.
func (d *Dir) WriteIfAbsent(path string, data []byte, perm os.FileMode) (bool, error) {
	if err := d.ensureDir(filepath.Dir(path), 0750); err != nil {
		return false, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return false, fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("closing %s: %w", path, err)
	}
	return true, nil
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (d *Dir) ensureDir(path string, perm os.FileMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.created[path] {
		return nil
	}
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	d.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
