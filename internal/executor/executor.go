// Package executor runs single command lines under per-program policies.
//
// Run lexes the line, resolves the policy, validates the argv, prepares the
// environment and only then spawns the program, without a shell, in its
// own process group. Every call ends in a Result; denials are values, not
// errors.
//
// Guarantees:
//   - Denied commands never reach the spawn primitive
//   - stdin is /dev/null; stdout and stderr are captured up to a per-stream cap
//   - The timeout is enforced by wall clock: SIGTERM, then SIGKILL after a grace period
//   - The host environment is never read; callers pass the base environment
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/warden/internal/denial"
	"github.com/jkaninda/warden/internal/lexer"
	"github.com/jkaninda/warden/internal/logging"
	"github.com/jkaninda/warden/internal/pathsafety"
	"github.com/jkaninda/warden/internal/policy"
	"github.com/jkaninda/warden/internal/validator"
	"github.com/jkaninda/warden/internal/venv"
)

const (
	defaultKillGrace    = 2 * time.Second
	defaultDrainTimeout = 2 * time.Second
)

// Request is one command submission.
type Request struct {
	CommandLine   string
	WorkspaceRoot string
	Cwd           string
	BaseEnv       map[string]string

	// Optional overrides. Timeout may only shrink the policy default;
	// MaxOutputBytes is bounded by the policy's cap. Zero means unset.
	Timeout        time.Duration
	MaxOutputBytes int

	// RequestID correlates logs and audit records. When empty the id
	// carried by ctx is used, else one is generated.
	RequestID string
}

// Runner is implemented by Executor and by the wrappers that decorate it
// with metrics, tracing and auditing.
type Runner interface {
	Run(ctx context.Context, req Request) *Result
	Check(ctx context.Context, req Request) *Decision
}

// Config configures an Executor.
type Config struct {
	Policies   *policy.Store
	Validators *validator.Registry // Default: validator.DefaultRegistry().
	Venv       *venv.Locator       // nil disables venv detection.

	KillGrace    time.Duration // Wait between SIGTERM and SIGKILL. Default: 2s.
	DrainTimeout time.Duration // Wait for pipes to reach EOF after exit. Default: 2s.

	// OnSpawn, when set, is called with the argv immediately before each spawn.
	OnSpawn func(argv []string)
}

// Executor is safe for concurrent use. Each Run is independent.
type Executor struct {
	policies     *policy.Store
	validators   *validator.Registry
	venv         *venv.Locator
	killGrace    time.Duration
	drainTimeout time.Duration
	onSpawn      func(argv []string)
	logger       *slog.Logger
}

// New creates an Executor. Every policy must resolve to a registered validator.
func New(cfg Config, logger *slog.Logger) (*Executor, error) {
	if cfg.Policies == nil || cfg.Policies.Len() == 0 {
		return nil, fmt.Errorf("executor requires at least one policy")
	}
	e := &Executor{
		policies:     cfg.Policies,
		validators:   cfg.Validators,
		venv:         cfg.Venv,
		killGrace:    cfg.KillGrace,
		drainTimeout: cfg.DrainTimeout,
		onSpawn:      cfg.OnSpawn,
		logger:       logger,
	}
	if e.validators == nil {
		e.validators = validator.DefaultRegistry()
	}
	if e.killGrace <= 0 {
		e.killGrace = defaultKillGrace
	}
	if e.drainTimeout <= 0 {
		e.drainTimeout = defaultDrainTimeout
	}
	if err := e.validators.Verify(e.policies); err != nil {
		return nil, err
	}
	return e, nil
}

// Policies returns the policy store the executor enforces.
func (e *Executor) Policies() *policy.Store { return e.policies }

// plan is a validated, ready-to-spawn command.
type plan struct {
	argv      []string
	policy    *policy.Policy
	cwd       string
	env       map[string]string
	timeout   time.Duration
	maxOutput int
	paths     []string
}

// prepare runs every pre-spawn step. On denial it returns the reason and,
// when one was resolved, the policy.
func (e *Executor) prepare(ctx context.Context, req Request) (*plan, *policy.Policy, denial.Reason) {
	argv, err := lexer.Tokenize(req.CommandLine)
	if err != nil {
		if errors.Is(err, lexer.ErrShellMetacharacter) {
			return nil, nil, denial.ShellMetacharacter
		}
		return nil, nil, denial.MalformedCommand
	}

	p, ok := validator.Route(e.policies, argv)
	if !ok {
		return nil, nil, denial.NoPolicyForProgram
	}

	var fence pathsafety.Fence
	cwd := req.Cwd
	switch {
	case req.WorkspaceRoot != "":
		fence, err = pathsafety.NewFence(req.WorkspaceRoot, req.Cwd)
		if err != nil {
			return nil, p, denial.CwdOutsideWorkspace
		}
		cwd = fence.Cwd()
	case p.WorkspaceRootRequired:
		return nil, p, denial.CwdOutsideWorkspace
	}

	v, err := e.validators.For(p)
	if err != nil {
		e.logger.ErrorContext(ctx, "validator resolution failed",
			slog.String("policy", p.ID()),
			slog.String("error", err.Error()),
		)
		return nil, p, denial.NoPolicyForProgram
	}

	vc := &validator.Context{Fence: fence, Venv: e.venv, Policy: p}
	vr := v.Validate(vc, argv)
	if vr.Allowed == vr.Reason.Denied() {
		panic(fmt.Sprintf("validator %s returned inconsistent result: allowed=%v reason=%q", v.Name(), vr.Allowed, vr.Reason))
	}
	if !vr.Allowed {
		return nil, p, vr.Reason
	}

	return &plan{
		argv:      argv,
		policy:    p,
		cwd:       cwd,
		env:       v.AdjustEnvironment(ctx, vc, req.BaseEnv, argv),
		timeout:   clampTimeout(vr.Timeout, req.Timeout),
		maxOutput: clampOutput(p.MaxOutputBytes, req.MaxOutputBytes),
		paths:     vr.Paths,
	}, p, denial.None
}

// clampTimeout honors an override only when it does not exceed the default.
func clampTimeout(def, override time.Duration) time.Duration {
	if override > 0 && override <= def {
		return override
	}
	return def
}

// clampOutput honors an override only when it does not exceed the policy cap.
func clampOutput(limit, override int) int {
	if override > 0 && override <= limit {
		return override
	}
	return limit
}

// Check validates req and reports what Run would do. Nothing is spawned.
func (e *Executor) Check(ctx context.Context, req Request) *Decision {
	req.RequestID = requestID(ctx, req.RequestID)
	d := &Decision{RequestID: req.RequestID, Command: req.CommandLine}
	pl, p, reason := e.prepare(ctx, req)
	if p != nil {
		d.PolicyID = p.ID()
	}
	if reason.Denied() {
		d.DeniedReason = reason
		return d
	}
	d.Allowed = true
	d.Argv = pl.argv
	d.Cwd = pl.cwd
	d.Timeout = pl.timeout
	d.MaxOutputBytes = pl.maxOutput
	d.Paths = pl.paths
	d.Venv = pl.env["VIRTUAL_ENV"]
	return d
}

// Run executes req and always returns a Result.
func (e *Executor) Run(ctx context.Context, req Request) *Result {
	req.RequestID = requestID(ctx, req.RequestID)
	res := &Result{
		RequestID: req.RequestID,
		Command:   req.CommandLine,
		StartedAt: time.Now().UTC(),
	}

	pl, p, reason := e.prepare(ctx, req)
	if p != nil {
		res.PolicyID = p.ID()
	}
	if reason.Denied() {
		res.DeniedReason = reason
		e.logger.WarnContext(ctx, "command denied",
			slog.String("request_id", req.RequestID),
			slog.String("policy", res.PolicyID),
			slog.String("reason", reason.String()),
		)
		return res
	}
	res.Argv = pl.argv
	res.Cwd = pl.cwd
	res.Timeout = pl.timeout

	if ctx.Err() != nil {
		res.DeniedReason = denial.Cancelled
		return res
	}

	e.logger.InfoContext(ctx, "command executing",
		slog.String("request_id", req.RequestID),
		slog.String("policy", pl.policy.ID()),
		slog.Any("argv", pl.argv),
		slog.String("dir", pl.cwd),
		slog.Duration("timeout", pl.timeout),
		slog.Int("max_output_bytes", pl.maxOutput),
	)

	e.spawn(ctx, pl, res)

	e.logger.InfoContext(ctx, "command finished",
		slog.String("request_id", req.RequestID),
		slog.String("status", res.Status()),
		exitCodeAttr(res.ExitCode),
		slog.Duration("duration", res.Duration),
		slog.Bool("timed_out", res.TimedOut),
		slog.Bool("truncated", res.Truncated()),
		slog.Int("stdout_bytes", len(res.Stdout)),
		slog.Int("stderr_bytes", len(res.Stderr)),
	)
	return res
}

// requestID prefers an explicit id, then one carried by ctx, then a fresh uuid.
func requestID(ctx context.Context, id string) string {
	if id != "" {
		return id
	}
	if id := logging.RequestID(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}
