package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/warden/internal/config"
	"github.com/jkaninda/warden/internal/gateway"
	"github.com/jkaninda/warden/internal/gateway/httpapi"
	"github.com/jkaninda/warden/internal/ratelimit"
)

var (
	serveAddr string
	serveDocs bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Start the HTTP API gateway. Commands are fenced to the configured workspace.

Routes:
  POST /v1/run       validate and run a command
  POST /v1/check     dry-run validation
  GET  /v1/policies  loaded policies
  GET  /v1/history   recent executions (when storage is configured)
  GET  /healthz      liveness
  GET  /readyz       readiness`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides gateways.http.listen_addr)")
	serveCmd.Flags().BoolVar(&serveDocs, "docs", false, "serve OpenAPI documentation")
}

func runServe(_ *cobra.Command, _ []string) error {
	sc, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := sc.Config
	logger := sc.Logger

	workspace := cfg.ResolvedWorkspace()
	if workspace == "" {
		return fmt.Errorf("workspace is required to serve (set workspace or WARDEN_WORKSPACE)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpGW := buildHTTPGateway(cfg, sc, workspace)
	if sc.Store != nil {
		httpGW.WithHistory(sc.Store.Executions())
	}
	gateways := []gateway.Gateway{httpGW}

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errs:
		if runErr != nil {
			logger.Error("gateway exited with error", slog.String("error", runErr.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return runErr
}

func buildHTTPGateway(cfg *config.Config, sc *SharedComponents, workspace string) *httpapi.Gateway {
	httpCfg := cfg.Gateways.HTTP
	if httpCfg == nil {
		httpCfg = &config.HTTPGatewayConfig{}
	}
	addr := httpCfg.Addr()
	if serveAddr != "" {
		addr = serveAddr
	}

	apiKeys := make(map[string]string, len(httpCfg.APIKeys))
	for i, key := range httpCfg.APIKeys {
		apiKeys[key] = fmt.Sprintf("key-%d", i+1)
	}

	gwCfg := httpapi.Config{
		ListenAddr:     addr,
		EnableDocs:     serveDocs,
		APIKeys:        apiKeys,
		MaxRequestSize: httpCfg.RequestLimit(),
		MaxConcurrent:  httpCfg.Concurrency(),
		Workspace:      workspace,
		BaseEnv:        cfg.Executor.BaseEnvironment(),
		HealthChecker:  sc.Obs.Health,
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		gwCfg.Metrics = m
		gwCfg.MetricsRegistry = m.Registry
		if o := cfg.Observability; o != nil && o.Metrics != nil {
			gwCfg.MetricsPath = o.Metrics.Path
		}
	}
	if t := sc.Obs.TracerOrNil(); t != nil {
		gwCfg.Tracer = t.Tracer()
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: httpCfg.RateLimit.RequestsPerMinute,
		BurstSize:         httpCfg.RateLimit.BurstSize,
	})
	return httpapi.NewGateway(gwCfg, sc.Runner, sc.Policies, limiter, sc.Logger)
}
