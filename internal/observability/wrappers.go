package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/warden/internal/denial"
	"github.com/jkaninda/warden/internal/executor"
)

// InstrumentedRunner wraps an executor.Runner with metrics, tracing, and
// anomaly detection. Every component may be nil.
type InstrumentedRunner struct {
	inner   executor.Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedRunner wraps a runner with observability.
func NewInstrumentedRunner(inner executor.Runner, obs *Observability) *InstrumentedRunner {
	r := &InstrumentedRunner{inner: inner}
	if obs != nil {
		r.metrics = obs.Metrics
		r.anomaly = obs.Anomaly
		if obs.Tracer != nil {
			r.tracer = obs.Tracer.Tracer()
		}
	}
	return r
}

func (r *InstrumentedRunner) Run(ctx context.Context, req executor.Request) *executor.Result {
	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "executor.run",
			trace.WithAttributes(
				attribute.String("warden.command", req.CommandLine),
				attribute.String("warden.cwd", req.Cwd),
			))
		defer span.End()
	}
	if r.metrics != nil {
		r.metrics.ActiveExecutions.Inc()
		defer r.metrics.ActiveExecutions.Dec()
	}

	res := r.inner.Run(ctx, req)

	program := res.Program()
	if program == "" {
		program = "unknown"
	}
	status := res.Status()

	if span != nil {
		span.SetAttributes(
			attribute.String("warden.request_id", res.RequestID),
			attribute.String("warden.program", program),
			attribute.String("warden.status", status),
			attribute.Bool("warden.truncated", res.Truncated()),
		)
		if res.ExitCode != nil {
			span.SetAttributes(attribute.Int("warden.exit_code", *res.ExitCode))
		}
		switch {
		case res.Denied():
			span.SetStatus(codes.Error, res.DeniedReason.String())
		case status != executor.StatusSuccess:
			span.SetStatus(codes.Error, status)
		}
	}

	if r.metrics != nil {
		r.metrics.ExecutionsTotal.WithLabelValues(program, status).Inc()
		if res.Spawned {
			r.metrics.ExecutionDuration.WithLabelValues(program).Observe(res.Duration.Seconds())
		}
		if res.Denied() {
			r.metrics.DenialsTotal.WithLabelValues(res.DeniedReason.Kind()).Inc()
		}
		if res.Truncated() {
			r.metrics.TruncationsTotal.WithLabelValues(program).Inc()
		}
	}

	// Cancellation is the caller's doing, not a policy signal.
	if res.DeniedReason != denial.Cancelled {
		r.anomaly.Record(program, res.Denied() && !res.Spawned)
	}

	return res
}

func (r *InstrumentedRunner) Check(ctx context.Context, req executor.Request) *executor.Decision {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "executor.check",
			trace.WithAttributes(attribute.String("warden.command", req.CommandLine)))
		defer span.End()
		d := r.inner.Check(ctx, req)
		span.SetAttributes(
			attribute.Bool("warden.allowed", d.Allowed),
			attribute.String("warden.denied_reason", d.DeniedReason.String()),
		)
		return d
	}
	return r.inner.Check(ctx, req)
}

var _ executor.Runner = (*InstrumentedRunner)(nil)
