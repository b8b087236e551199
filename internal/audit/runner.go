package audit

import (
	"context"
	"log/slog"

	"github.com/jkaninda/warden/internal/executor"
	"github.com/jkaninda/warden/internal/storage"
)

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// StoreSink appends events to the execution history.
type StoreSink struct {
	Store storage.ExecutionStore
}

// Record appends event as a history row.
func (s StoreSink) Record(ctx context.Context, event Event) error {
	return s.Store.Append(ctx, event.Execution())
}

// Runner wraps an executor.Runner and records every Run result.
// Check is passed through unrecorded.
type Runner struct {
	next   executor.Runner
	sinks  []Sink
	logger *slog.Logger
}

// NewRunner wraps next. Nil sinks are ignored.
func NewRunner(next executor.Runner, logger *slog.Logger, sinks ...Sink) *Runner {
	r := &Runner{next: next, logger: logger}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	return r
}

// Run executes req and records the result.
func (r *Runner) Run(ctx context.Context, req executor.Request) *executor.Result {
	res := r.next.Run(ctx, req)
	event := FromResult(res)
	// The caller's context may already be cancelled; the record must still land.
	recordCtx := context.WithoutCancel(ctx)
	for _, s := range r.sinks {
		if err := s.Record(recordCtx, event); err != nil {
			r.logger.ErrorContext(ctx, "audit record failed",
				slog.String("request_id", event.RequestID),
				slog.String("error", err.Error()),
			)
		}
	}
	return res
}

// Check delegates to the wrapped runner.
func (r *Runner) Check(ctx context.Context, req executor.Request) *executor.Decision {
	return r.next.Check(ctx, req)
}

var _ executor.Runner = (*Runner)(nil)
