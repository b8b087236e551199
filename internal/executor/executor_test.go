//go:build unix

package executor

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/warden/internal/denial"
	"github.com/jkaninda/warden/internal/policy"
	"github.com/jkaninda/warden/internal/venv"
)

const testPolicies = `
policies:
  emit:
    allowed_flags: [--bytes]
    value_flags: [--bytes]
    default_timeout_seconds: 10
    max_argv_bytes: 1024
    max_positional_args: 0
    max_output_bytes: 1024
  bigemit:
    allowed_flags: [--bytes]
    value_flags: [--bytes]
    default_timeout_seconds: 30
    max_argv_bytes: 1024
    max_positional_args: 0
    max_output_bytes: 1048576
  slow:
    allowed_flags: []
    default_timeout_seconds: 2
    max_argv_bytes: 1024
    max_positional_args: 0
  stubborn:
    allowed_flags: []
    default_timeout_seconds: 10
    max_argv_bytes: 1024
    max_positional_args: 0
  envdump:
    allowed_flags: []
    default_timeout_seconds: 10
    max_argv_bytes: 1024
    max_positional_args: 0
    env_overrides:
      FROM_POLICY: "yes"
  fail:
    allowed_flags: []
    default_timeout_seconds: 10
    max_argv_bytes: 1024
    max_positional_args: 0
  readstdin:
    allowed_flags: []
    default_timeout_seconds: 10
    max_argv_bytes: 1024
    max_positional_args: 0
  ghost:
    allowed_flags: []
    default_timeout_seconds: 10
    max_argv_bytes: 1024
    max_positional_args: 0
  pwdprint:
    allowed_flags: []
    default_timeout_seconds: 10
    max_argv_bytes: 1024
    max_positional_args: 2
    workspace_root_required: false
  tool:
    allowed_flags: []
    default_timeout_seconds: 10
    max_argv_bytes: 1024
    max_positional_args: 0
    detect_venv: true
`

var scripts = map[string]string{
	"emit":      `head -c "$2" /dev/zero | tr '\0' 'a'`,
	"bigemit":   `head -c "$2" /dev/zero | tr '\0' 'b'`,
	"slow":      `for i in 1 2 3 4 5 6 7 8 9 10; do printf x; sleep 1; done`,
	"stubborn":  "trap '' TERM\nwhile :; do sleep 0.1; done",
	"envdump":   `env`,
	"fail":      "echo oops >&2\nexit 3",
	"readstdin": "cat\necho done",
	"pwdprint":  `pwd`,
	"tool":      `echo host`,
}

type harness struct {
	exec    *Executor
	ws      string
	bin     string
	baseEnv map[string]string
	spawns  atomic.Int32
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	base, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{ws: filepath.Join(base, "ws"), bin: filepath.Join(base, "bin")}
	for _, d := range []string{h.ws, h.bin, filepath.Join(h.ws, "tests")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	for name, body := range scripts {
		writeScript(t, h.bin, name, body)
	}
	h.baseEnv = map[string]string{"PATH": h.bin + ":/usr/bin:/bin"}

	if cfg.Policies == nil {
		store, err := policy.Parse([]byte(testPolicies), policy.FormatYAML)
		if err != nil {
			t.Fatalf("parsing test policies: %v", err)
		}
		cfg.Policies = store
	}
	if cfg.KillGrace == 0 {
		cfg.KillGrace = 200 * time.Millisecond
	}
	cfg.OnSpawn = func([]string) { h.spawns.Add(1) }
	h.exec, err = New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func (h *harness) run(ctx context.Context, line string) *Result {
	return h.exec.Run(ctx, Request{CommandLine: line, WorkspaceRoot: h.ws, Cwd: h.ws, BaseEnv: h.baseEnv})
}

func exitCode(t *testing.T, r *Result) int {
	t.Helper()
	if r.ExitCode == nil {
		t.Fatalf("no exit code (reason %q)", r.DeniedReason)
	}
	return *r.ExitCode
}

func TestRun_Success(t *testing.T) {
	h := newHarness(t, Config{})
	res := h.run(context.Background(), "emit --bytes 10")
	if res.Denied() {
		t.Fatalf("denied: %s", res.DeniedReason)
	}
	if code := exitCode(t, res); code != 0 {
		t.Errorf("exit code = %d", code)
	}
	if string(res.Stdout) != "aaaaaaaaaa" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.PolicyID != "emit" || res.Status() != StatusSuccess || !res.Spawned {
		t.Errorf("result = %+v", res)
	}
	if res.RequestID == "" {
		t.Error("request id not generated")
	}
}

func TestRun_OutputCapBoundary(t *testing.T) {
	h := newHarness(t, Config{})
	tests := []struct {
		bytes     string
		wantLen   int
		truncated bool
	}{
		{"0", 0, false},
		{"1023", 1023, false},
		{"1024", 1024, false},
		{"1025", 1024, true},
		{"50000", 1024, true},
	}
	for _, tt := range tests {
		t.Run(tt.bytes, func(t *testing.T) {
			res := h.run(context.Background(), "emit --bytes "+tt.bytes)
			if exitCode(t, res) != 0 {
				t.Fatalf("exit code = %d", *res.ExitCode)
			}
			if len(res.Stdout) != tt.wantLen {
				t.Errorf("len(stdout) = %d, want %d", len(res.Stdout), tt.wantLen)
			}
			if res.StdoutTruncated != tt.truncated {
				t.Errorf("truncated = %v, want %v", res.StdoutTruncated, tt.truncated)
			}
		})
	}
}

func TestRun_OutputOverride(t *testing.T) {
	h := newHarness(t, Config{})
	req := Request{CommandLine: "emit --bytes 100", WorkspaceRoot: h.ws, BaseEnv: h.baseEnv, MaxOutputBytes: 10}
	res := h.exec.Run(context.Background(), req)
	if len(res.Stdout) != 10 || !res.StdoutTruncated {
		t.Errorf("stdout len=%d truncated=%v, want 10/true", len(res.Stdout), res.StdoutTruncated)
	}

	// Overrides above the policy cap fall back to the cap.
	req.CommandLine = "emit --bytes 2000"
	req.MaxOutputBytes = 1 << 20
	res = h.exec.Run(context.Background(), req)
	if len(res.Stdout) != 1024 {
		t.Errorf("len(stdout) = %d, want 1024", len(res.Stdout))
	}
}

func TestRun_LargeOutputTruncated(t *testing.T) {
	if testing.Short() {
		t.Skip("writes 10 MiB")
	}
	h := newHarness(t, Config{})
	res := h.run(context.Background(), "bigemit --bytes 10485760")
	if code := exitCode(t, res); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !res.StdoutTruncated || !res.Truncated() {
		t.Error("expected truncation")
	}
	if len(res.Stdout) != 1<<20 {
		t.Errorf("len(stdout) = %d, want %d", len(res.Stdout), 1<<20)
	}
}

func TestRun_TruncationIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	first := h.run(context.Background(), "emit --bytes 4096")
	second := h.run(context.Background(), "emit --bytes 4096")
	if first.StdoutTruncated != second.StdoutTruncated {
		t.Error("truncated flag differs between runs")
	}
	if !bytes.Equal(first.Stdout, second.Stdout) {
		t.Error("captured prefix differs between runs")
	}
}

func TestRun_Timeout(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a 2s timeout")
	}
	h := newHarness(t, Config{})
	start := time.Now()
	res := h.run(context.Background(), "slow")
	elapsed := time.Since(start)

	if !res.TimedOut {
		t.Fatal("expected timeout")
	}
	if res.Status() != StatusTimeout {
		t.Errorf("status = %s", res.Status())
	}
	if code := exitCode(t, res); code == 0 {
		t.Error("exit code should reflect the kill")
	}
	if n := len(res.Stdout); n < 1 || n > 3 {
		t.Errorf("captured %d bytes, want about 2", n)
	}
	if res.StdoutTruncated {
		t.Error("timeout must not mark output truncated")
	}
	if elapsed > 6*time.Second {
		t.Errorf("run took %v", elapsed)
	}
}

func TestRun_KillAfterGrace(t *testing.T) {
	h := newHarness(t, Config{KillGrace: 100 * time.Millisecond})
	res := h.exec.Run(context.Background(), Request{
		CommandLine:   "stubborn",
		WorkspaceRoot: h.ws,
		BaseEnv:       h.baseEnv,
		Timeout:       300 * time.Millisecond,
	})
	if !res.TimedOut {
		t.Fatal("expected timeout")
	}
	if code := exitCode(t, res); code != 128+9 {
		t.Errorf("exit code = %d, want SIGKILL", code)
	}
}

func TestRun_TimeoutClamp(t *testing.T) {
	h := newHarness(t, Config{})
	tests := []struct {
		override time.Duration
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{time.Second, time.Second},
		{10 * time.Second, 10 * time.Second},
		{time.Minute, 10 * time.Second},
		{-time.Second, 10 * time.Second},
	}
	for _, tt := range tests {
		d := h.exec.Check(context.Background(), Request{
			CommandLine: "emit --bytes 1", WorkspaceRoot: h.ws, Timeout: tt.override,
		})
		if d.Timeout != tt.want {
			t.Errorf("override %v: timeout = %v, want %v", tt.override, d.Timeout, tt.want)
		}
	}
	if h.spawns.Load() != 0 {
		t.Error("Check must not spawn")
	}
}

func TestRun_Cancelled(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	res := h.run(ctx, "slow")
	if res.DeniedReason != denial.Cancelled {
		t.Fatalf("reason = %q, want Cancelled", res.DeniedReason)
	}
	if res.TimedOut {
		t.Error("cancellation must not report a timeout")
	}
	if !res.Spawned {
		t.Error("child should have been spawned")
	}
	if res.Status() != StatusCancelled {
		t.Errorf("status = %s", res.Status())
	}
}

func TestRun_CancelledBeforeSpawn(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := h.run(ctx, "emit --bytes 1")
	if res.DeniedReason != denial.Cancelled || res.Spawned {
		t.Errorf("result = %+v", res)
	}
	if h.spawns.Load() != 0 {
		t.Error("spawned after cancellation")
	}
}

func TestRun_DeniedNeverSpawns(t *testing.T) {
	h := newHarness(t, Config{})
	tests := []struct {
		line string
		want denial.Reason
	}{
		{"ls; rm -rf /", denial.ShellMetacharacter},
		{"emit --bytes 1 | cat", denial.ShellMetacharacter},
		{`emit "--bytes 1`, denial.MalformedCommand},
		{"", denial.MalformedCommand},
		{"rm -rf /", denial.NoPolicyForProgram},
		{"emit --evil", denial.FlagNotAllowed("--evil")},
		{"emit --bytes", denial.FlagExpectsValue("--bytes")},
		{"emit extra", denial.TooManyPositionals},
		{"pwdprint ../../etc", denial.UnsafePath("../../etc")},
	}
	for _, tt := range tests {
		res := h.run(context.Background(), tt.line)
		if res.DeniedReason != tt.want {
			t.Errorf("%q: reason = %q, want %q", tt.line, res.DeniedReason, tt.want)
		}
		if res.ExitCode != nil || res.Spawned || res.Status() != StatusDenied {
			t.Errorf("%q: denied result looks spawned: %+v", tt.line, res)
		}
	}
	if n := h.spawns.Load(); n != 0 {
		t.Errorf("spawn hook called %d times for denied commands", n)
	}
}

func TestRun_CwdOutsideWorkspace(t *testing.T) {
	h := newHarness(t, Config{})
	tests := []Request{
		{CommandLine: "emit --bytes 1", WorkspaceRoot: h.ws, Cwd: h.bin},
		{CommandLine: "emit --bytes 1", WorkspaceRoot: h.ws, Cwd: "../bin"},
		{CommandLine: "emit --bytes 1", WorkspaceRoot: "relative/root"},
		{CommandLine: "emit --bytes 1"}, // root required by default
	}
	for _, req := range tests {
		req.BaseEnv = h.baseEnv
		res := h.exec.Run(context.Background(), req)
		if res.DeniedReason != denial.CwdOutsideWorkspace {
			t.Errorf("%+v: reason = %q, want CwdOutsideWorkspace", req, res.DeniedReason)
		}
	}
	if h.spawns.Load() != 0 {
		t.Error("spawned despite cwd denial")
	}
}

func TestRun_NoWorkspaceWhenNotRequired(t *testing.T) {
	h := newHarness(t, Config{})
	res := h.exec.Run(context.Background(), Request{CommandLine: "pwdprint", Cwd: h.bin, BaseEnv: h.baseEnv})
	if res.Denied() {
		t.Fatalf("denied: %s", res.DeniedReason)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != h.bin {
		t.Errorf("pwd = %q, want %q", got, h.bin)
	}

	// Without a root nothing can be fenced, so path arguments are refused.
	res = h.exec.Run(context.Background(), Request{CommandLine: "pwdprint ./x", Cwd: h.bin, BaseEnv: h.baseEnv})
	if res.DeniedReason != denial.UnsafePath("./x") {
		t.Errorf("reason = %q", res.DeniedReason)
	}
}

func TestRun_Cwd(t *testing.T) {
	h := newHarness(t, Config{})
	res := h.exec.Run(context.Background(), Request{
		CommandLine: "pwdprint", WorkspaceRoot: h.ws, Cwd: "tests", BaseEnv: h.baseEnv,
	})
	if got := strings.TrimSpace(string(res.Stdout)); got != filepath.Join(h.ws, "tests") {
		t.Errorf("pwd = %q", got)
	}
}

func TestRun_SpawnFailed(t *testing.T) {
	h := newHarness(t, Config{})
	res := h.run(context.Background(), "ghost")
	if res.DeniedReason != denial.SpawnFailed("not found: ghost") {
		t.Errorf("reason = %q", res.DeniedReason)
	}
	if res.ExitCode != nil {
		t.Error("exit code must be nil on spawn failure")
	}

	// The host PATH is never consulted: an empty child PATH finds nothing.
	res = h.exec.Run(context.Background(), Request{CommandLine: "emit --bytes 1", WorkspaceRoot: h.ws})
	if res.DeniedReason.Kind() != "SpawnFailed" {
		t.Errorf("reason = %q, want SpawnFailed", res.DeniedReason)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	h := newHarness(t, Config{})
	res := h.run(context.Background(), "fail")
	if code := exitCode(t, res); code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	if string(res.Stderr) != "oops\n" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if res.Denied() || res.Status() != StatusFailed {
		t.Errorf("status = %s reason = %q", res.Status(), res.DeniedReason)
	}
}

func TestRun_StdinClosed(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := h.run(ctx, "readstdin")
	if string(res.Stdout) != "done\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestRun_EnvironmentIsolation(t *testing.T) {
	t.Setenv("WARDEN_TEST_HOST_SECRET", "leak")
	h := newHarness(t, Config{})
	h.baseEnv["FROM_CALLER"] = "1"
	res := h.run(context.Background(), "envdump")
	out := string(res.Stdout)
	if strings.Contains(out, "WARDEN_TEST_HOST_SECRET") {
		t.Error("host environment leaked into child")
	}
	for _, want := range []string{"FROM_CALLER=1", "FROM_POLICY=yes"} {
		if !strings.Contains(out, want) {
			t.Errorf("child env missing %s:\n%s", want, out)
		}
	}
	if _, ok := h.baseEnv["FROM_POLICY"]; ok {
		t.Error("base env mutated")
	}
}

func TestRun_VenvActivation(t *testing.T) {
	loc, err := venv.New(venv.Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer loc.Close()
	h := newHarness(t, Config{Venv: loc})

	venvBin := filepath.Join(h.ws, ".venv", "bin")
	if err := os.MkdirAll(venvBin, 0o755); err != nil {
		t.Fatal(err)
	}
	writeScript(t, venvBin, "activate", "")
	writeScript(t, venvBin, "python", "")
	writeScript(t, venvBin, "tool", `echo "venv $VIRTUAL_ENV"`)

	d := h.exec.Check(context.Background(), Request{CommandLine: "tool", WorkspaceRoot: h.ws, BaseEnv: h.baseEnv})
	if d.Venv != filepath.Join(h.ws, ".venv") {
		t.Errorf("Check venv = %q", d.Venv)
	}

	res := h.run(context.Background(), "tool")
	want := "venv " + filepath.Join(h.ws, ".venv") + "\n"
	if string(res.Stdout) != want {
		t.Errorf("stdout = %q, want %q", res.Stdout, want)
	}
}

func TestRun_DefaultPolicies(t *testing.T) {
	store, err := policy.Defaults()
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, Config{Policies: store})
	writeScript(t, h.bin, "pytest", `echo "pytest $*"`)

	res := h.run(context.Background(), "pytest -q tests/test_core.py::Group::case -k fast")
	if res.Denied() {
		t.Fatalf("denied: %s", res.DeniedReason)
	}
	if res.PolicyID != "pytest" || !res.Spawned {
		t.Errorf("result = %+v", res)
	}
	if got := string(res.Stdout); got != "pytest -q tests/test_core.py::Group::case -k fast\n" {
		t.Errorf("stdout = %q", got)
	}

	res = h.run(context.Background(), "pytest ../../../etc/passwd")
	if res.DeniedReason != denial.UnsafePath("../../../etc/passwd") {
		t.Errorf("reason = %q", res.DeniedReason)
	}
}

func TestRun_Concurrent(t *testing.T) {
	h := newHarness(t, Config{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := h.run(context.Background(), "emit --bytes 100")
			if len(res.Stdout) != 100 {
				t.Errorf("len(stdout) = %d", len(res.Stdout))
			}
		}()
	}
	wg.Wait()
	if h.spawns.Load() != 8 {
		t.Errorf("spawns = %d, want 8", h.spawns.Load())
	}
}

func TestNew_RequiresPolicies(t *testing.T) {
	if _, err := New(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Error("expected error without policies")
	}
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	for _, chunk := range []string{"ab", "cd"} {
		if n, err := b.Write([]byte(chunk)); n != 2 || err != nil {
			t.Fatalf("Write = %d, %v", n, err)
		}
	}
	if b.truncated {
		t.Error("exactly at cap must not be truncated")
	}
	_, _ = b.Write(nil)
	if b.truncated {
		t.Error("empty write must not truncate")
	}
	_, _ = b.Write([]byte("e"))
	if !b.truncated || string(b.Bytes()) != "abcd" {
		t.Errorf("buffer = %q truncated=%v", b.Bytes(), b.truncated)
	}
}

func TestLookPath(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "prog", "true")
	if err := os.WriteFile(filepath.Join(dir, "plain"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if p, err := lookPath("prog", "relative:"+dir, "/"); err != nil || p != filepath.Join(dir, "prog") {
		t.Errorf("lookPath(prog) = %q, %v", p, err)
	}
	if _, err := lookPath("plain", dir, "/"); err == nil {
		t.Error("non-executable file must not resolve")
	}
	if _, err := lookPath("prog", "", "/"); err == nil {
		t.Error("empty PATH must not resolve")
	}
	if p, err := lookPath("./prog", "", dir); err != nil || p != filepath.Join(dir, "prog") {
		t.Errorf("lookPath(./prog) = %q, %v", p, err)
	}
	if _, err := lookPath("./plain", "", dir); spawnCause(err) != "permission denied" {
		t.Errorf("cause = %q", spawnCause(err))
	}
}
