// Package audit records every finalized execution.
//
// Records go to an append-only JSONL file (rotated by size) and, when a
// store is configured, to the execution history table. Recording never
// changes the Result handed back to the caller; sink failures are logged.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jkaninda/warden/internal/executor"
	"github.com/jkaninda/warden/internal/storage"
)

// Event is one audit record. Output bodies are never recorded.
type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	Command      string    `json:"command"`
	Argv         []string  `json:"argv,omitempty"`
	Program      string    `json:"program,omitempty"`
	PolicyID     string    `json:"policy_id,omitempty"`
	Cwd          string    `json:"cwd,omitempty"`
	Status       string    `json:"status"`
	ExitCode     *int      `json:"exit_code"`
	DeniedReason string    `json:"denied_reason,omitempty"`
	TimedOut     bool      `json:"timed_out,omitempty"`
	Truncated    bool      `json:"truncated,omitempty"`
	StdoutBytes  int       `json:"stdout_bytes"`
	StderrBytes  int       `json:"stderr_bytes"`
	DurationMS   int64     `json:"duration_ms"`
}

// FromResult builds the audit record for res.
func FromResult(res *executor.Result) Event {
	return Event{
		Timestamp:    res.StartedAt,
		RequestID:    res.RequestID,
		Command:      res.Command,
		Argv:         res.Argv,
		Program:      res.Program(),
		PolicyID:     res.PolicyID,
		Cwd:          res.Cwd,
		Status:       res.Status(),
		ExitCode:     res.ExitCode,
		DeniedReason: res.DeniedReason.String(),
		TimedOut:     res.TimedOut,
		Truncated:    res.Truncated(),
		StdoutBytes:  len(res.Stdout),
		StderrBytes:  len(res.Stderr),
		DurationMS:   res.Duration.Milliseconds(),
	}
}

// Execution converts e to its history row.
func (e Event) Execution() *storage.Execution {
	return &storage.Execution{
		RequestID:    e.RequestID,
		Command:      e.Command,
		Argv:         e.Argv,
		Program:      e.Program,
		PolicyID:     e.PolicyID,
		Cwd:          e.Cwd,
		Status:       e.Status,
		ExitCode:     e.ExitCode,
		DeniedReason: e.DeniedReason,
		TimedOut:     e.TimedOut,
		Truncated:    e.Truncated,
		StdoutBytes:  e.StdoutBytes,
		StderrBytes:  e.StderrBytes,
		Duration:     time.Duration(e.DurationMS) * time.Millisecond,
		StartedAt:    e.Timestamp,
	}
}

// FileConfig configures the JSONL sink.
type FileConfig struct {
	Path       string
	MaxSizeMB  int // Default: 100.
	MaxBackups int // Default: 10.
	MaxAgeDays int
	Compress   bool
}

// Logger writes audit events as append-only JSONL.
// Each event is a single JSON line followed by a newline.
// Thread-safe: multiple goroutines can log concurrently.
type Logger struct {
	mu     sync.Mutex
	out    *lumberjack.Logger
	logger *slog.Logger
}

// NewLogger opens (or creates) the audit log. The file is created with
// 0600 permissions before rotation takes over.
func NewLogger(cfg FileConfig, logger *slog.Logger) (*Logger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", cfg.Path, err)
	}
	_ = f.Close()

	return &Logger{
		out: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 10),
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
		logger: logger,
	}, nil
}

// Record serializes the event as JSON and appends it to the audit log.
// Marshal happens outside the lock; only the write is serialized.
func (a *Logger) Record(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, writeErr := a.out.Write(data)
	a.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit event: %w", writeErr)
	}

	a.logger.DebugContext(ctx, "audit event logged",
		slog.String("request_id", event.RequestID),
		slog.String("status", event.Status),
	)
	return nil
}

// Close closes the underlying file.
func (a *Logger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.out.Close()
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
