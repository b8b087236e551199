package venv

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/warden/internal/pathsafety"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mkdir(t *testing.T, parts ...string) string {
	t.Helper()
	p := filepath.Join(parts...)
	if err := os.MkdirAll(p, 0o755); err != nil {
		t.Fatal(err)
	}
	return p
}

func makeVenv(t *testing.T, dir string) {
	t.Helper()
	bin := mkdir(t, dir, "bin")
	if err := os.WriteFile(filepath.Join(bin, "activate"), []byte("# activate"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("/usr/bin/python3", filepath.Join(bin, "python")); err != nil {
		t.Fatal(err)
	}
}

func newTempRoot(t *testing.T) string {
	t.Helper()
	base, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return base
}

func fence(t *testing.T, root, cwd string) pathsafety.Fence {
	t.Helper()
	f, err := pathsafety.NewFence(root, cwd)
	if err != nil {
		t.Fatalf("NewFence: %v", err)
	}
	return f
}

func TestLocate_WalksUpward(t *testing.T) {
	root := mkdir(t, newTempRoot(t), "ws")
	makeVenv(t, filepath.Join(root, ".venv"))
	deep := mkdir(t, root, "pkg", "sub")

	r := Locate(fence(t, root, deep), DefaultDirNames)
	if !r.Found {
		t.Fatal("expected venv to be found")
	}
	if want := filepath.Join(root, ".venv"); r.Root != want {
		t.Errorf("Root = %q, want %q", r.Root, want)
	}
	if want := filepath.Join(root, ".venv", "bin"); r.BinDir != want {
		t.Errorf("BinDir = %q, want %q", r.BinDir, want)
	}
}

func TestLocate_NearestWins(t *testing.T) {
	root := mkdir(t, newTempRoot(t), "ws")
	makeVenv(t, filepath.Join(root, ".venv"))
	pkg := mkdir(t, root, "pkg")
	makeVenv(t, filepath.Join(pkg, "venv"))

	r := Locate(fence(t, root, pkg), DefaultDirNames)
	if want := filepath.Join(pkg, "venv"); r.Root != want {
		t.Errorf("Root = %q, want %q", r.Root, want)
	}
}

func TestLocate_DoesNotCrossRoot(t *testing.T) {
	base := newTempRoot(t)
	makeVenv(t, filepath.Join(base, ".venv"))
	root := mkdir(t, base, "ws")

	if r := Locate(fence(t, root, root), DefaultDirNames); r.Found {
		t.Errorf("venv above the root must not be used, got %q", r.Root)
	}
}

func TestLocate_IgnoresSiblings(t *testing.T) {
	root := mkdir(t, newTempRoot(t), "ws")
	makeVenv(t, filepath.Join(root, "other", ".venv"))
	cwd := mkdir(t, root, "pkg")

	if r := Locate(fence(t, root, cwd), DefaultDirNames); r.Found {
		t.Errorf("sibling venv must not be used, got %q", r.Root)
	}
}

func TestLocate_SymlinkOutsideRootSkipped(t *testing.T) {
	base := newTempRoot(t)
	outside := filepath.Join(base, "outside-venv")
	makeVenv(t, outside)
	root := mkdir(t, base, "ws")
	if err := os.Symlink(outside, filepath.Join(root, ".venv")); err != nil {
		t.Fatal(err)
	}

	if r := Locate(fence(t, root, root), DefaultDirNames); r.Found {
		t.Errorf("escaping symlinked venv must be skipped, got %q", r.Root)
	}
}

func TestLocate_IncompleteMarker(t *testing.T) {
	root := mkdir(t, newTempRoot(t), "ws")
	mkdir(t, root, ".venv", "bin")
	if err := os.WriteFile(filepath.Join(root, ".venv", "bin", "activate"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if r := Locate(fence(t, root, root), DefaultDirNames); r.Found {
		t.Error("activate without interpreter must not count as a venv")
	}
}

func TestResultDelta(t *testing.T) {
	if !(Result{}).Delta().IsEmpty() {
		t.Error("miss must produce an empty delta")
	}
	d := Result{Found: true, Root: "/ws/.venv", BinDir: "/ws/.venv/bin"}.Delta()
	if d.Set["VIRTUAL_ENV"] != "/ws/.venv" {
		t.Errorf("VIRTUAL_ENV = %q", d.Set["VIRTUAL_ENV"])
	}
	if d.PathPrepend["PATH"] != "/ws/.venv/bin" {
		t.Errorf("PATH prepend = %q", d.PathPrepend["PATH"])
	}
	if len(d.Unset) == 0 || d.Unset[0] != "PYTHONHOME" {
		t.Errorf("Unset = %v", d.Unset)
	}
}

func TestLocator_CachesResults(t *testing.T) {
	root := mkdir(t, newTempRoot(t), "ws")
	makeVenv(t, filepath.Join(root, ".venv"))

	var hits, misses atomic.Int64
	l, err := New(Config{
		CacheTTL: time.Minute,
		OnLookup: func(hit, _ bool) {
			if hit {
				hits.Add(1)
			} else {
				misses.Add(1)
			}
		},
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	f := fence(t, root, root)
	first := l.Find(context.Background(), f)
	if !first.Found {
		t.Fatal("expected venv")
	}

	// Removing the venv does not affect the memoized answer.
	if err := os.RemoveAll(filepath.Join(root, ".venv")); err != nil {
		t.Fatal(err)
	}
	second := l.Find(context.Background(), f)
	if second != first {
		t.Errorf("cached result = %+v, want %+v", second, first)
	}
	if misses.Load() != 1 || hits.Load() != 1 {
		t.Errorf("hits=%d misses=%d, want 1/1", hits.Load(), misses.Load())
	}
}

func TestLocator_CacheDisabled(t *testing.T) {
	root := mkdir(t, newTempRoot(t), "ws")
	l, err := New(Config{CacheTTL: -1}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	f := fence(t, root, root)
	if l.Find(context.Background(), f).Found {
		t.Fatal("no venv yet")
	}
	makeVenv(t, filepath.Join(root, "venv"))
	if !l.Find(context.Background(), f).Found {
		t.Error("uncached locator must see the new venv")
	}
}

func TestLocator_ConcurrentFind(t *testing.T) {
	root := mkdir(t, newTempRoot(t), "ws")
	makeVenv(t, filepath.Join(root, ".venv"))
	l, err := New(Config{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	f := fence(t, root, root)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !l.Find(context.Background(), f).Found {
				t.Error("expected venv")
			}
		}()
	}
	wg.Wait()
}

func TestLocator_NilSafe(t *testing.T) {
	var l *Locator
	if l.Find(context.Background(), pathsafety.Fence{}).Found {
		t.Error("nil locator must find nothing")
	}
	l.Close()
}
