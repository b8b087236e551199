// Package venv locates Python virtual environments inside a workspace and
// produces the environment delta that activates them.
//
// Lookups walk upward from the working directory and stop at the
// workspace root. Results, including misses, are memoized per
// (cwd, root) in a ristretto cache with a TTL; concurrent lookups for the
// same key are collapsed with singleflight.
package venv

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"github.com/jkaninda/warden/internal/envutil"
	"github.com/jkaninda/warden/internal/pathsafety"
)

const (
	defaultCacheTTL   = 5 * time.Minute
	defaultMaxEntries = 4096
)

// DefaultDirNames are the directory names probed at each level.
var DefaultDirNames = []string{".venv", "venv", "env"}

// interferingVars are unset when a venv is activated.
var interferingVars = []string{"PYTHONHOME", "__PYVENV_LAUNCHER__"}

// marker is an activation script plus an interpreter under a bin dir.
type marker struct {
	binDir      string
	activate    string
	interpreter string
}

var markers = []marker{
	{binDir: "bin", activate: "activate", interpreter: "python"},
	{binDir: "Scripts", activate: "activate", interpreter: "python.exe"},
}

// Result is the outcome of a lookup.
type Result struct {
	Found  bool   `json:"found"`
	Root   string `json:"root,omitempty"`
	BinDir string `json:"bin_dir,omitempty"`
}

// Delta returns the activation delta, or an empty delta when nothing was found.
func (r Result) Delta() envutil.Delta {
	if !r.Found {
		return envutil.Delta{}
	}
	return envutil.Delta{
		Set:         map[string]string{"VIRTUAL_ENV": r.Root},
		Unset:       append([]string(nil), interferingVars...),
		PathPrepend: map[string]string{"PATH": r.BinDir},
	}
}

// Config configures a Locator.
type Config struct {
	CacheTTL   time.Duration // Default: 5m. Negative disables caching.
	MaxEntries int64         // Default: 4096.
	DirNames   []string      // Default: DefaultDirNames.

	// OnLookup, when set, is called after every cached lookup.
	OnLookup func(hit, found bool)
}

// Locator finds virtual environments. Safe for concurrent use.
type Locator struct {
	cache    *ristretto.Cache[string, Result]
	group    singleflight.Group
	ttl      time.Duration
	dirNames []string
	onLookup func(hit, found bool)
	logger   *slog.Logger
}

// New creates a Locator.
func New(cfg Config, logger *slog.Logger) (*Locator, error) {
	l := &Locator{
		ttl:      cfg.CacheTTL,
		dirNames: cfg.DirNames,
		onLookup: cfg.OnLookup,
		logger:   logger,
	}
	if l.ttl == 0 {
		l.ttl = defaultCacheTTL
	}
	if len(l.dirNames) == 0 {
		l.dirNames = DefaultDirNames
	}
	if l.ttl < 0 {
		return l, nil
	}

	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, Result]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating venv cache: %w", err)
	}
	l.cache = c
	return l, nil
}

// Find returns the venv governing fence's working directory.
func (l *Locator) Find(ctx context.Context, fence pathsafety.Fence) Result {
	if l == nil || fence.IsZero() {
		return Result{}
	}
	key := fence.Cwd() + "\x00" + fence.Root()

	if l.cache != nil {
		if r, ok := l.cache.Get(key); ok {
			l.observe(true, r.Found)
			return r
		}
	}

	ch := l.group.DoChan(key, func() (any, error) {
		r := Locate(fence, l.dirNames)
		if l.cache != nil {
			l.cache.SetWithTTL(key, r, 1, l.ttl)
			l.cache.Wait()
		}
		return r, nil
	})

	select {
	case <-ctx.Done():
		return Result{}
	case res := <-ch:
		r := res.Val.(Result)
		l.observe(false, r.Found)
		if r.Found && l.logger != nil {
			l.logger.Debug("virtualenv located",
				slog.String("cwd", fence.Cwd()),
				slog.String("venv", r.Root),
			)
		}
		return r
	}
}

func (l *Locator) observe(hit, found bool) {
	if l.onLookup != nil {
		l.onLookup(hit, found)
	}
}

// Close releases the cache.
func (l *Locator) Close() {
	if l != nil && l.cache != nil {
		l.cache.Close()
	}
}

// Locate performs an uncached upward search from fence.Cwd() to fence.Root().
// The first directory holding a marker wins. Candidates whose canonical
// location leaves the root are skipped.
func Locate(fence pathsafety.Fence, dirNames []string) Result {
	root := fence.Root()
	dir := fence.Cwd()
	for {
		for _, name := range dirNames {
			if r, ok := probe(root, filepath.Join(dir, name)); ok {
				return r
			}
		}
		if dir == root {
			return Result{}
		}
		parent := filepath.Dir(dir)
		if parent == dir || !pathsafety.Within(root, parent) {
			return Result{}
		}
		dir = parent
	}
}

func probe(root, candidate string) (Result, bool) {
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil || !pathsafety.Within(root, resolved) {
		return Result{}, false
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return Result{}, false
	}
	for _, m := range markers {
		bin := filepath.Join(resolved, m.binDir)
		binResolved, err := filepath.EvalSymlinks(bin)
		if err != nil || !pathsafety.Within(root, binResolved) {
			continue
		}
		if !isRegular(filepath.Join(binResolved, m.activate)) || !exists(filepath.Join(binResolved, m.interpreter)) {
			continue
		}
		return Result{Found: true, Root: resolved, BinDir: binResolved}, true
	}
	return Result{}, false
}

func isRegular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// exists uses Lstat: interpreters are commonly symlinks to a system
// Python outside the workspace and are never followed here.
func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}
