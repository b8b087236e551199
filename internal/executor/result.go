package executor

import (
	"time"

	"github.com/jkaninda/warden/internal/denial"
	"github.com/jkaninda/warden/internal/policy"
)

// Result statuses, derived from the other fields.
const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusDenied    = "denied"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
)

// Result is the record of one Run. It is built once and never mutated;
// holders must treat it as read-only.
type Result struct {
	RequestID string    `json:"request_id"`
	Command   string    `json:"command"`
	Argv      []string  `json:"argv,omitempty"`
	PolicyID  string    `json:"policy_id,omitempty"`
	Cwd       string    `json:"cwd,omitempty"`
	StartedAt time.Time `json:"started_at"`

	// ExitCode is nil when no child ran to completion of Wait. A child
	// killed by a signal reports 128+signal.
	ExitCode *int `json:"exit_code"`

	// Stdout and Stderr are raw bytes, capped at the effective output limit.
	Stdout          []byte `json:"-"`
	Stderr          []byte `json:"-"`
	StdoutTruncated bool   `json:"stdout_truncated"`
	StderrTruncated bool   `json:"stderr_truncated"`

	Duration     time.Duration `json:"duration"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	TimedOut     bool          `json:"timed_out"`
	Spawned      bool          `json:"spawned"`
	DeniedReason denial.Reason `json:"denied_reason,omitempty"`
}

// Truncated reports whether either stream lost bytes to the cap.
func (r *Result) Truncated() bool { return r.StdoutTruncated || r.StderrTruncated }

// Program names what ran for labelling: the policy when one matched, else
// the canonical argv[0]. Empty when the line never tokenized.
func (r *Result) Program() string {
	switch {
	case r.PolicyID != "":
		return r.PolicyID
	case len(r.Argv) > 0:
		return policy.CanonicalName(r.Argv[0])
	default:
		return ""
	}
}

// Denied reports whether a denial reason is set. Spawn failures and
// cancellations carry a reason too.
func (r *Result) Denied() bool { return r.DeniedReason.Denied() }

// Status summarizes the result as one of the Status* constants.
func (r *Result) Status() string {
	switch {
	case r.DeniedReason == denial.Cancelled:
		return StatusCancelled
	case r.TimedOut:
		return StatusTimeout
	case r.Denied():
		return StatusDenied
	case r.ExitCode != nil && *r.ExitCode == 0:
		return StatusSuccess
	default:
		return StatusFailed
	}
}

// Decision is the outcome of Check: what Run would do, without spawning.
type Decision struct {
	RequestID      string        `json:"request_id"`
	Command        string        `json:"command"`
	Argv           []string      `json:"argv,omitempty"`
	Allowed        bool          `json:"allowed"`
	DeniedReason   denial.Reason `json:"denied_reason,omitempty"`
	PolicyID       string        `json:"policy_id,omitempty"`
	Cwd            string        `json:"cwd,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	MaxOutputBytes int           `json:"max_output_bytes,omitempty"`
	Paths          []string      `json:"paths,omitempty"`
	Venv           string        `json:"venv,omitempty"`
}
