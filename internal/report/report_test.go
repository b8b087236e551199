package report

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/jkaninda/warden/internal/denial"
	"github.com/jkaninda/warden/internal/executor"
)

func intPtr(v int) *int { return &v }

func decode(t *testing.T, out string) Document {
	t.Helper()
	var doc Document
	if err := yaml.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("rendered document is not valid YAML: %v\n%s", err, out)
	}
	return doc
}

func TestRender_Statuses(t *testing.T) {
	tests := []struct {
		name    string
		res     *executor.Result
		status  string
		message string
	}{
		{
			name:   "success",
			res:    &executor.Result{Command: "pytest -q", PolicyID: "pytest", ExitCode: intPtr(0), Stdout: []byte("3 passed\n")},
			status: executor.StatusSuccess,
		},
		{
			name:    "failed",
			res:     &executor.Result{Command: "pytest", ExitCode: intPtr(1), Stderr: []byte("boom")},
			status:  executor.StatusFailed,
			message: "",
		},
		{
			name:    "denied",
			res:     &executor.Result{Command: "pytest --evil", DeniedReason: denial.FlagNotAllowed("--evil")},
			status:  executor.StatusDenied,
			message: "command denied: FlagNotAllowed:--evil",
		},
		{
			name:    "timeout",
			res:     &executor.Result{Command: "slow", ExitCode: intPtr(143), TimedOut: true, Timeout: 2 * time.Second},
			status:  executor.StatusTimeout,
			message: "command timed out after 2s; partial output follows",
		},
		{
			name:    "cancelled",
			res:     &executor.Result{Command: "slow", DeniedReason: denial.Cancelled},
			status:  executor.StatusCancelled,
			message: "command cancelled; partial output follows",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Render(tt.res, Options{})
			if err != nil {
				t.Fatalf("Render error: %v", err)
			}
			doc := decode(t, out)
			if doc.Status != tt.status {
				t.Errorf("status = %q, want %q", doc.Status, tt.status)
			}
			if doc.Message != tt.message {
				t.Errorf("message = %q, want %q", doc.Message, tt.message)
			}
			if doc.DeniedReason != tt.res.DeniedReason.String() {
				t.Errorf("denied_reason = %q", doc.DeniedReason)
			}
		})
	}
}

func TestRender_ExitCodeNullWhenNotSpawned(t *testing.T) {
	out, err := Render(&executor.Result{Command: "x", DeniedReason: denial.NoPolicyForProgram}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "exit_code: null") {
		t.Errorf("expected explicit null exit code:\n%s", out)
	}
}

func TestRender_SuppressSuccessOutput(t *testing.T) {
	res := &executor.Result{Command: "pytest", ExitCode: intPtr(0), Stdout: []byte("lots of output")}
	doc := decode(t, mustRender(t, res, Options{SuppressSuccessOutput: true}))
	if doc.Stdout != "" {
		t.Errorf("stdout should be suppressed, got %q", doc.Stdout)
	}
	if !strings.Contains(doc.Message, "14 bytes") {
		t.Errorf("message = %q", doc.Message)
	}

	failed := &executor.Result{Command: "pytest", ExitCode: intPtr(1), Stdout: []byte("FAILED test_x")}
	if doc := decode(t, mustRender(t, failed, Options{SuppressSuccessOutput: true})); doc.Stdout != "FAILED test_x" {
		t.Errorf("failed output must be kept, got %q", doc.Stdout)
	}
}

func TestRender_TruncationMarked(t *testing.T) {
	res := &executor.Result{Command: "emit", ExitCode: intPtr(0), Stdout: []byte("aaaa"), StdoutTruncated: true}
	doc := decode(t, mustRender(t, res, Options{}))
	if len(doc.Truncated) != 1 || doc.Truncated[0] != "stdout" {
		t.Errorf("truncated = %v", doc.Truncated)
	}
	if !strings.Contains(doc.Message, "truncated") {
		t.Errorf("message = %q", doc.Message)
	}
}

func TestRender_Budget(t *testing.T) {
	var lines strings.Builder
	for i := 0; i < 5000; i++ {
		lines.WriteString("line of test output\n")
	}
	res := &executor.Result{
		Command:  "pytest",
		ExitCode: intPtr(1),
		Stdout:   []byte(lines.String() + "FINAL SUMMARY\n"),
		Stderr:   []byte(lines.String()),
	}
	const limit = 4096
	out := mustRender(t, res, Options{MaxBytes: limit})
	if len(out) > limit {
		t.Fatalf("rendered %d bytes, limit %d", len(out), limit)
	}
	doc := decode(t, out)
	if !strings.HasPrefix(doc.Stdout, strings.TrimSuffix(clipMarker, "\n")) {
		t.Errorf("clipped stdout should start with the marker")
	}
	if !strings.Contains(doc.Stdout, "FINAL SUMMARY") {
		t.Error("the tail of stdout must survive clipping")
	}
}

func TestText_InvalidUTF8(t *testing.T) {
	if got := Text([]byte{'o', 'k', 0xff}); got != "ok\uFFFD" {
		t.Errorf("Text = %q", got)
	}
}

func TestClipHead_RuneBoundary(t *testing.T) {
	got := clipHead("héllo", 4)
	if !strings.HasSuffix(got, "llo") || strings.ContainsRune(got, utf8.RuneError) {
		t.Errorf("clipHead = %q", got)
	}
}

func TestRenderDecision(t *testing.T) {
	out, err := RenderDecision(&executor.Decision{
		Command:  "pytest -q",
		Allowed:  true,
		PolicyID: "pytest",
		Argv:     []string{"pytest", "-q"},
		Timeout:  120 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"allowed: true", "policy: pytest", "timeout_seconds: 120"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func mustRender(t *testing.T, res *executor.Result, opts Options) string {
	t.Helper()
	out, err := Render(res, opts)
	if err != nil {
		t.Fatalf("Render error: %v", err)
	}
	return out
}
