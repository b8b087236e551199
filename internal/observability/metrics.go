package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for warden.
// Uses a custom registry; no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	DenialsTotal      *prometheus.CounterVec
	TruncationsTotal  *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge

	// Venv locator metrics.
	VenvLookupsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Total command submissions by program and final status.",
		}, []string{"program", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "executor",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of spawned commands in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"program"}),

		DenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "executor",
			Name:      "denials_total",
			Help:      "Total denied or failed-to-start commands by reason kind.",
		}, []string{"kind"}),

		TruncationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "executor",
			Name:      "output_truncations_total",
			Help:      "Executions whose captured output hit the cap.",
		}, []string{"program"}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "executor",
			Name:      "active_executions",
			Help:      "Number of commands currently being validated or running.",
		}),

		VenvLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "venv",
			Name:      "lookups_total",
			Help:      "Virtual environment lookups by cache outcome.",
		}, []string{"cache", "found"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.DenialsTotal,
		m.TruncationsTotal,
		m.ActiveExecutions,
		m.VenvLookupsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// VenvLookupHook returns a callback for venv.Config.OnLookup. Nil-safe.
func (m *MetricsCollector) VenvLookupHook() func(hit, found bool) {
	if m == nil {
		return nil
	}
	return func(hit, found bool) {
		cache := "miss"
		if hit {
			cache = "hit"
		}
		m.VenvLookupsTotal.WithLabelValues(cache, strconv.FormatBool(found)).Inc()
	}
}

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
