// Package storage defines the persistence interface for execution history.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"time"
)

// Store is the persistence interface for warden.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	Executions() ExecutionStore

	// Ping checks the connection for readiness probes.
	Ping(ctx context.Context) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// ExecutionStore records finalized executions.
// Append-only: rows are never updated or deleted.
type ExecutionStore interface {
	Append(ctx context.Context, e *Execution) error
	Recent(ctx context.Context, f Filter) ([]Execution, error)
}

// Execution is one persisted result. Captured output is not stored; only
// its size and truncation state.
type Execution struct {
	ID           string        `json:"id"`
	RequestID    string        `json:"request_id"`
	Command      string        `json:"command"`
	Argv         []string      `json:"argv,omitempty"`
	Program      string        `json:"program,omitempty"`
	PolicyID     string        `json:"policy_id,omitempty"`
	Cwd          string        `json:"cwd,omitempty"`
	Status       string        `json:"status"`
	ExitCode     *int          `json:"exit_code"`
	DeniedReason string        `json:"denied_reason,omitempty"`
	TimedOut     bool          `json:"timed_out,omitempty"`
	Truncated    bool          `json:"truncated,omitempty"`
	StdoutBytes  int           `json:"stdout_bytes"`
	StderrBytes  int           `json:"stderr_bytes"`
	Duration     time.Duration `json:"duration"`
	StartedAt    time.Time     `json:"started_at"`
}

// Filter narrows Recent. Zero values match everything.
type Filter struct {
	Program string
	Status  string
	Limit   int // Default: 50.
}

// DefaultLimit is the Recent row limit when Filter.Limit is zero.
const DefaultLimit = 50

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
