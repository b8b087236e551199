package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/warden/internal/denial"
	"github.com/jkaninda/warden/internal/executor"
	"github.com/jkaninda/warden/internal/storage"
	"github.com/jkaninda/warden/internal/storage/sqlite"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeRunner struct {
	res *executor.Result
}

func (f fakeRunner) Run(context.Context, executor.Request) *executor.Result { return f.res }

func (f fakeRunner) Check(_ context.Context, req executor.Request) *executor.Decision {
	return &executor.Decision{Command: req.CommandLine, Allowed: true}
}

type memorySink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memorySink) Record(ctx context.Context, e Event) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func TestFromResult(t *testing.T) {
	code := 0
	res := &executor.Result{
		RequestID:       "req-1",
		Command:         "python -m pytest -q",
		Argv:            []string{"python", "-m", "pytest", "-q"},
		PolicyID:        "pytest",
		StartedAt:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		ExitCode:        &code,
		Stdout:          []byte("12345"),
		StdoutTruncated: true,
		Duration:        2500 * time.Millisecond,
	}
	e := FromResult(res)
	if e.Status != executor.StatusSuccess || e.Program != "pytest" || !e.Truncated {
		t.Errorf("event = %+v", e)
	}
	if e.StdoutBytes != 5 || e.DurationMS != 2500 {
		t.Errorf("sizes = %d bytes, %d ms", e.StdoutBytes, e.DurationMS)
	}
	row := e.Execution()
	if row.Duration != 2500*time.Millisecond || !row.StartedAt.Equal(res.StartedAt) {
		t.Errorf("row = %+v", row)
	}
}

func TestLogger_WritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	l, err := NewLogger(FileConfig{Path: path}, discard())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := l.Record(ctx, Event{RequestID: id, Status: executor.StatusDenied, DeniedReason: "NoPolicyForProgram"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		t.Errorf("audit log permissions = %o, want owner-only", perm)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line is not JSON: %v", err)
		}
		ids = append(ids, e.RequestID)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("ids = %v", ids)
	}
}

func TestNewLogger_RequiresPath(t *testing.T) {
	if _, err := NewLogger(FileConfig{}, discard()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunner_RecordsEveryRun(t *testing.T) {
	res := &executor.Result{RequestID: "r", Command: "pytest --evil", DeniedReason: denial.FlagNotAllowed("--evil")}
	good := &memorySink{}
	failing := &memorySink{err: errors.New("disk full")}
	r := NewRunner(fakeRunner{res: res}, discard(), good, nil, failing)

	got := r.Run(context.Background(), executor.Request{CommandLine: res.Command})
	if got != res {
		t.Error("Run must return the wrapped result unchanged")
	}
	if len(good.events) != 1 || good.events[0].DeniedReason != "FlagNotAllowed:--evil" {
		t.Errorf("events = %+v", good.events)
	}
	if len(failing.events) != 1 {
		t.Error("a failing sink must not stop other sinks")
	}

	if d := r.Check(context.Background(), executor.Request{CommandLine: "x"}); !d.Allowed {
		t.Error("Check should pass through")
	}
	if len(good.events) != 1 {
		t.Error("Check must not be recorded")
	}
}

func TestRunner_RecordsAfterCancel(t *testing.T) {
	sink := &memorySink{}
	r := NewRunner(fakeRunner{res: &executor.Result{DeniedReason: denial.Cancelled}}, discard(), sink)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx, executor.Request{})
	if len(sink.events) != 1 || sink.events[0].Status != executor.StatusCancelled {
		t.Errorf("cancelled run should still be recorded: %+v", sink.events)
	}
}

func TestStoreSink(t *testing.T) {
	store, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "w.db")}, discard())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	code := 3
	r := NewRunner(fakeRunner{res: &executor.Result{
		RequestID: "req-9",
		Command:   "fail",
		Argv:      []string{"fail"},
		PolicyID:  "fail",
		ExitCode:  &code,
		StartedAt: time.Now().UTC(),
	}}, discard(), StoreSink{Store: store.Executions()})
	r.Run(ctx, executor.Request{})

	rows, err := store.Executions().Recent(ctx, storage.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].RequestID != "req-9" || rows[0].Status != executor.StatusFailed {
		t.Errorf("rows = %+v", rows)
	}
}
