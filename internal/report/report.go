// Package report renders execution results as YAML documents for humans
// and language-model callers.
//
// Output streams are decoded leniently (invalid UTF-8 is replaced) and the
// whole document is kept under a byte budget by clipping the head of each
// stream, since failures are usually reported last.
package report

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/jkaninda/warden/internal/executor"
)

// DefaultMaxBytes is the rendered document budget used when Options.MaxBytes is zero.
const DefaultMaxBytes = 64 << 10

const clipMarker = "[... output clipped ...]\n"

// Options controls rendering.
type Options struct {
	MaxBytes int

	// SuppressSuccessOutput drops stdout from successful results and
	// reports only its size.
	SuppressSuccessOutput bool
}

// Document is the rendered shape of a Result.
type Document struct {
	Status       string   `yaml:"status" json:"status"`
	Command      string   `yaml:"command" json:"command"`
	Policy       string   `yaml:"policy,omitempty" json:"policy,omitempty"`
	RequestID    string   `yaml:"request_id,omitempty" json:"request_id,omitempty"`
	ExitCode     *int     `yaml:"exit_code" json:"exit_code"`
	DurationMS   int64    `yaml:"duration_ms" json:"duration_ms"`
	TimedOut     bool     `yaml:"timed_out,omitempty" json:"timed_out,omitempty"`
	DeniedReason string   `yaml:"denied_reason,omitempty" json:"denied_reason,omitempty"`
	Truncated    []string `yaml:"truncated,omitempty" json:"truncated,omitempty"`
	Message      string   `yaml:"message,omitempty" json:"message,omitempty"`
	Stdout       string   `yaml:"stdout,omitempty" json:"stdout,omitempty"`
	Stderr       string   `yaml:"stderr,omitempty" json:"stderr,omitempty"`
}

// Build converts res into a Document without applying the byte budget.
func Build(res *executor.Result, opts Options) Document {
	doc := Document{
		Status:       res.Status(),
		Command:      res.Command,
		Policy:       res.PolicyID,
		RequestID:    res.RequestID,
		ExitCode:     res.ExitCode,
		DurationMS:   res.Duration.Milliseconds(),
		TimedOut:     res.TimedOut,
		DeniedReason: res.DeniedReason.String(),
		Stdout:       Text(res.Stdout),
		Stderr:       Text(res.Stderr),
	}
	if res.StdoutTruncated {
		doc.Truncated = append(doc.Truncated, "stdout")
	}
	if res.StderrTruncated {
		doc.Truncated = append(doc.Truncated, "stderr")
	}

	switch doc.Status {
	case executor.StatusDenied:
		doc.Message = "command denied: " + doc.DeniedReason
	case executor.StatusCancelled:
		doc.Message = "command cancelled; partial output follows"
	case executor.StatusTimeout:
		doc.Message = fmt.Sprintf("command timed out after %s; partial output follows", res.Timeout.Round(time.Millisecond))
	case executor.StatusSuccess:
		if opts.SuppressSuccessOutput {
			doc.Message = fmt.Sprintf("command succeeded; %d bytes of output suppressed", len(res.Stdout))
			doc.Stdout = ""
		}
	}
	if len(doc.Truncated) > 0 {
		const note = "output exceeded the capture limit and was truncated"
		if doc.Message == "" {
			doc.Message = note
		} else {
			doc.Message += "; " + note
		}
	}
	return doc
}

// Render returns res as YAML no longer than opts.MaxBytes.
func Render(res *executor.Result, opts Options) (string, error) {
	limit := opts.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	doc := Build(res, opts)
	out, err := marshal(doc)
	if err != nil || len(out) <= limit {
		return out, err
	}

	stdout, stderr := doc.Stdout, doc.Stderr
	doc.Stdout, doc.Stderr = "", ""
	skeleton, err := marshal(doc)
	if err != nil {
		return "", err
	}

	avail := limit - len(skeleton) - 2*len(clipMarker) - 64
	for attempt := 0; attempt < 6 && avail > 0; attempt++ {
		errBudget := min(len(stderr), avail/2)
		doc.Stderr = clipHead(stderr, errBudget)
		doc.Stdout = clipHead(stdout, avail-errBudget)
		out, err = marshal(doc)
		if err != nil || len(out) <= limit {
			return out, err
		}
		// Escaping grew the streams; retry with less room.
		avail = avail * 3 / 4
	}
	doc.Stdout, doc.Stderr = "", ""
	return marshal(doc)
}

func marshal(doc Document) (string, error) {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("rendering result: %w", err)
	}
	return string(data), nil
}

// Text decodes captured bytes, replacing invalid UTF-8.
func Text(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

// clipHead keeps the last n bytes of s on a rune boundary, marking the cut.
func clipHead(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 0 {
		return strings.TrimSuffix(clipMarker, "\n")
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return clipMarker + s[cut:]
}

// DecisionDocument is the rendered shape of a dry-run Decision.
type DecisionDocument struct {
	Allowed        bool     `yaml:"allowed" json:"allowed"`
	Command        string   `yaml:"command" json:"command"`
	Policy         string   `yaml:"policy,omitempty" json:"policy,omitempty"`
	RequestID      string   `yaml:"request_id,omitempty" json:"request_id,omitempty"`
	DeniedReason   string   `yaml:"denied_reason,omitempty" json:"denied_reason,omitempty"`
	Argv           []string `yaml:"argv,omitempty" json:"argv,omitempty"`
	Cwd            string   `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	TimeoutSeconds float64  `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	MaxOutputBytes int      `yaml:"max_output_bytes,omitempty" json:"max_output_bytes,omitempty"`
	Paths          []string `yaml:"paths,omitempty" json:"paths,omitempty"`
	Venv           string   `yaml:"venv,omitempty" json:"venv,omitempty"`
}

// BuildDecision converts d into a DecisionDocument.
func BuildDecision(d *executor.Decision) DecisionDocument {
	return DecisionDocument{
		Allowed:        d.Allowed,
		Command:        d.Command,
		Policy:         d.PolicyID,
		RequestID:      d.RequestID,
		DeniedReason:   d.DeniedReason.String(),
		Argv:           d.Argv,
		Cwd:            d.Cwd,
		TimeoutSeconds: d.Timeout.Seconds(),
		MaxOutputBytes: d.MaxOutputBytes,
		Paths:          d.Paths,
		Venv:           d.Venv,
	}
}

// RenderDecision returns d as YAML.
func RenderDecision(d *executor.Decision) (string, error) {
	data, err := yaml.Marshal(BuildDecision(d))
	if err != nil {
		return "", fmt.Errorf("rendering decision: %w", err)
	}
	return string(data), nil
}
