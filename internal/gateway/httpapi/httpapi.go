// Package httpapi implements the HTTP API gateway for warden.
//
// Security:
//   - API key authentication on /v1 routes (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-key rate limiting via token bucket
//   - A concurrency cap on spawned commands
//   - Every request carries a request id, echoed in X-Request-ID
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/warden/internal/executor"
	"github.com/jkaninda/warden/internal/gateway"
	"github.com/jkaninda/warden/internal/observability"
	"github.com/jkaninda/warden/internal/policy"
	"github.com/jkaninda/warden/internal/ratelimit"
	"github.com/jkaninda/warden/internal/storage"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	defaultMaxConcurrent  = 4

	// anonymousCaller is the caller id used when no API keys are configured.
	anonymousCaller = "anonymous"
	callerKey       = "caller"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → caller ID. Empty disables authentication.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.
	MaxConcurrent  int               // Commands running at once. 0 = 4.

	// Workspace is the root every command is fenced to. Request cwd values
	// are resolved against it.
	Workspace string
	BaseEnv   map[string]string

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	runner   executor.Runner
	policies *policy.Store
	history  storage.ExecutionStore // nil = history endpoint disabled.
	limiter  *ratelimit.Limiter
	sem      *semaphore.Weighted
	logger   *slog.Logger
	server   *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

var _ gateway.Gateway = (*Gateway)(nil)

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, runner executor.Runner, policies *policy.Store, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	return &Gateway{
		config:   cfg,
		runner:   runner,
		policies: policies,
		limiter:  rl,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithHistory exposes recent executions at GET /v1/history.
func (g *Gateway) WithHistory(store storage.ExecutionStore) *Gateway {
	g.history = store
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Warden",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return limitBody(g.config.MaxRequestSize, next)
	})
	g.okapi.UseMiddleware(withRequestID)
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/run", g.handleRun,
		okapi.DocSummary("Validate and run a command inside the workspace"),
		okapi.DocTags("Commands"),
		okapi.DocRequestBody(RunRequest{}),
		okapi.DocResponse(RunResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Post("/check", g.handleCheck,
		okapi.DocSummary("Report what run would do without spawning"),
		okapi.DocTags("Commands"),
		okapi.DocRequestBody(RunRequest{}),
		okapi.DocResponse(CheckResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/policies", g.handlePolicies,
		okapi.DocSummary("List the loaded program policies"),
		okapi.DocTags("Policies"),
		okapi.DocResponse([]policy.Summary{}),
	)
	if g.history != nil {
		g.group.Get("/history", g.handleHistory,
			okapi.DocSummary("List recent executions"),
			okapi.DocTags("History"),
			okapi.DocResponse([]HistoryEntry{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      15 * time.Minute, // commands may run up to their policy timeout
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	if len(g.config.APIKeys) == 0 {
		g.logger.Warn("http api gateway has no API keys; /v1 routes are unauthenticated")
	}
	g.logger.Info("http api gateway starting",
		slog.String("addr", g.config.ListenAddr),
		slog.String("workspace", g.config.Workspace),
		slog.Int("max_concurrent", g.config.MaxConcurrent),
	)
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Authentication ---

// authenticate resolves the caller from a bearer API key and stores it on
// the context. With no keys configured every request is anonymous.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		caller, ok := g.callerFor(c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set(callerKey, caller)
		return next(c)
	}
}

// callerFor maps an Authorization header to a caller id.
func (g *Gateway) callerFor(header string) (string, bool) {
	if len(g.config.APIKeys) == 0 {
		return anonymousCaller, true
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	apiKey := strings.TrimPrefix(header, "Bearer ")

	caller := ""
	for key, id := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			caller = id
		}
	}
	return caller, caller != ""
}
