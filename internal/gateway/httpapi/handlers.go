package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/warden/internal/executor"
	"github.com/jkaninda/warden/internal/logging"
	"github.com/jkaninda/warden/internal/ratelimit"
	"github.com/jkaninda/warden/internal/report"
	"github.com/jkaninda/warden/internal/storage"
)

// errInvalidRequest wraps every client input problem.
var errInvalidRequest = errors.New("invalid request")

// RunRequest is the JSON body for POST /v1/run and POST /v1/check.
type RunRequest struct {
	Command        string  `json:"command"`
	Cwd            string  `json:"cwd,omitempty"` // Relative to the workspace, or absolute inside it.
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
	MaxOutputBytes int     `json:"max_output_bytes,omitempty"`
}

// RunResponse is the JSON response for POST /v1/run. Denials are reported
// here with status "denied", not as HTTP errors.
type RunResponse = report.Document

// CheckResponse is the JSON response for POST /v1/check.
type CheckResponse = report.DecisionDocument

// HistoryEntry is one row of GET /v1/history.
type HistoryEntry struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	Command      string    `json:"command"`
	Program      string    `json:"program,omitempty"`
	Status       string    `json:"status"`
	ExitCode     *int      `json:"exit_code"`
	DeniedReason string    `json:"denied_reason,omitempty"`
	TimedOut     bool      `json:"timed_out,omitempty"`
	Truncated    bool      `json:"truncated,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	StartedAt    time.Time `json:"started_at"`
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleRun(c *okapi.Context) error {
	var body RunRequest
	if err := c.Bind(&body); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	res, err := g.run(c.Context(), c.GetString(callerKey), body)
	if err != nil {
		return g.abort(c, err)
	}
	return c.OK(report.Build(res, report.Options{}))
}

func (g *Gateway) handleCheck(c *okapi.Context) error {
	var body RunRequest
	if err := c.Bind(&body); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	d, err := g.check(c.Context(), c.GetString(callerKey), body)
	if err != nil {
		return g.abort(c, err)
	}
	return c.OK(report.BuildDecision(d))
}

func (g *Gateway) handlePolicies(c *okapi.Context) error {
	return c.OK(g.policies.Summaries())
}

func (g *Gateway) handleHistory(c *okapi.Context) error {
	filter, err := parseHistoryFilter(c.Query("program"), c.Query("status"), c.Query("limit"))
	if err != nil {
		return g.abort(c, err)
	}
	entries, err := g.recent(c.Context(), filter)
	if err != nil {
		return g.abort(c, err)
	}
	return c.OK(entries)
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// abort maps gateway errors to HTTP responses.
func (g *Gateway) abort(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, errInvalidRequest):
		return c.AbortBadRequest(err.Error())
	case errors.Is(err, ratelimit.ErrRateLimited):
		return c.AbortTooManyRequests("rate limit exceeded")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return c.AbortServiceUnavailable("request abandoned while waiting for a free slot")
	default:
		g.logger.Error("http request failed",
			slog.String("request_id", logging.RequestID(c.Context())),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("internal error")
	}
}

// --- Core ---

// run executes one command for caller, waiting for a concurrency slot.
func (g *Gateway) run(ctx context.Context, caller string, body RunRequest) (*executor.Result, error) {
	if err := g.limiter.Allow(caller); err != nil {
		return nil, err
	}
	req, err := g.executorRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	res := g.runner.Run(ctx, req)
	g.logger.Info("http run",
		slog.String("caller", caller),
		slog.String("request_id", res.RequestID),
		slog.String("status", res.Status()),
	)
	return res, nil
}

// check validates one command for caller without spawning.
func (g *Gateway) check(ctx context.Context, caller string, body RunRequest) (*executor.Decision, error) {
	if err := g.limiter.Allow(caller); err != nil {
		return nil, err
	}
	req, err := g.executorRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	return g.runner.Check(ctx, req), nil
}

func (g *Gateway) executorRequest(ctx context.Context, body RunRequest) (executor.Request, error) {
	if body.Command == "" {
		return executor.Request{}, fmt.Errorf("%w: command is required", errInvalidRequest)
	}
	if body.TimeoutSeconds < 0 {
		return executor.Request{}, fmt.Errorf("%w: timeout_seconds must not be negative", errInvalidRequest)
	}
	if body.MaxOutputBytes < 0 {
		return executor.Request{}, fmt.Errorf("%w: max_output_bytes must not be negative", errInvalidRequest)
	}
	return executor.Request{
		CommandLine:    body.Command,
		WorkspaceRoot:  g.config.Workspace,
		Cwd:            body.Cwd,
		BaseEnv:        g.config.BaseEnv,
		Timeout:        time.Duration(body.TimeoutSeconds * float64(time.Second)),
		MaxOutputBytes: body.MaxOutputBytes,
		RequestID:      logging.RequestID(ctx),
	}, nil
}

func (g *Gateway) recent(ctx context.Context, filter storage.Filter) ([]HistoryEntry, error) {
	rows, err := g.history.Recent(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	out := make([]HistoryEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, HistoryEntry{
			ID:           r.ID,
			RequestID:    r.RequestID,
			Command:      r.Command,
			Program:      r.Program,
			Status:       r.Status,
			ExitCode:     r.ExitCode,
			DeniedReason: r.DeniedReason,
			TimedOut:     r.TimedOut,
			Truncated:    r.Truncated,
			DurationMS:   r.Duration.Milliseconds(),
			StartedAt:    r.StartedAt,
		})
	}
	return out, nil
}

var historyStatuses = map[string]bool{
	executor.StatusSuccess:   true,
	executor.StatusFailed:    true,
	executor.StatusDenied:    true,
	executor.StatusTimeout:   true,
	executor.StatusCancelled: true,
}

func parseHistoryFilter(program, status, limit string) (storage.Filter, error) {
	f := storage.Filter{Program: program, Status: status, Limit: storage.DefaultLimit}
	if status != "" && !historyStatuses[status] {
		return f, fmt.Errorf("%w: unknown status %q", errInvalidRequest, status)
	}
	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("%w: limit must be a positive integer", errInvalidRequest)
		}
		f.Limit = min(n, maxHistoryLimit)
	}
	return f, nil
}

const maxHistoryLimit = 500
