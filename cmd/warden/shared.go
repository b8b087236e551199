package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/warden/internal/audit"
	"github.com/jkaninda/warden/internal/config"
	"github.com/jkaninda/warden/internal/datadir"
	"github.com/jkaninda/warden/internal/executor"
	"github.com/jkaninda/warden/internal/logging"
	"github.com/jkaninda/warden/internal/observability"
	"github.com/jkaninda/warden/internal/policy"
	"github.com/jkaninda/warden/internal/storage"
	pgstore "github.com/jkaninda/warden/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/warden/internal/storage/sqlite"
	"github.com/jkaninda/warden/internal/venv"
)

// SharedComponents holds the subsystems every command mode needs.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	DataDir  *datadir.Dir
	Policies *policy.Store
	Obs      *observability.Observability
	Store    storage.Store // nil when no storage is configured.

	// Runner is the executor wrapped with instrumentation and auditing.
	Runner executor.Runner

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// resolveConfigPath prefers --config, then WARDEN_CONFIG, then the default
// location.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return goutils.Env("WARDEN_CONFIG", config.DefaultConfigPath())
}

// loadConfig reads the resolved config file and builds the logger. A
// missing file yields defaults.
func loadConfig() (*config.Config, *slog.Logger, io.Closer, error) {
	path := resolveConfigPath()

	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger, closer := logging.New(cfg.Logging)
	logger.Debug("config loaded", slog.String("path", path))
	return cfg, logger, closer, nil
}

// loadPolicies returns the configured policy file, or the built-in defaults.
func loadPolicies(cfg *config.Config) (*policy.Store, error) {
	if cfg.PoliciesFile == "" {
		return policy.Defaults()
	}
	return policy.Load(cfg.PoliciesFile)
}

// initShared performs the initialization shared by every command mode.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	dir, err := datadir.New(cfg.ResolvedDataDir())
	if err != nil {
		return nil, fmt.Errorf("initializing data directory: %w", err)
	}
	sc.DataDir = dir
	logger.Debug("data directory initialized", slog.String("path", dir.Root))

	policies, err := loadPolicies(cfg)
	if err != nil {
		return nil, fmt.Errorf("loading policies: %w", err)
	}
	sc.Policies = policies
	logger.Debug("policies loaded",
		slog.Int("count", policies.Len()),
		slog.String("file", cfg.PoliciesFile),
	)

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)

	// Venv locator and executor.
	locator, err := venv.New(venv.Config{
		CacheTTL:   cfg.Venv.CacheTTL(),
		MaxEntries: int64(cfg.Venv.CacheEntries),
		DirNames:   cfg.Venv.DirNames,
		OnLookup:   obs.MetricsOrNil().VenvLookupHook(),
	}, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing venv locator: %w", err)
	}
	sc.addCleanup(locator.Close)

	exec, err := executor.New(executor.Config{
		Policies:     policies,
		Venv:         locator,
		KillGrace:    cfg.Executor.KillGrace(),
		DrainTimeout: cfg.Executor.DrainTimeout(),
	}, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing executor: %w", err)
	}

	// Storage (optional).
	if cfg.Storage != nil {
		store, err := initStore(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if err := store.Migrate(context.Background()); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	// Audit sinks.
	var sinks []audit.Sink
	if path := cfg.AuditLogPath(); path != "" {
		fileCfg := audit.FileConfig{Path: path}
		if a := cfg.Audit; a != nil {
			fileCfg.MaxSizeMB = a.MaxSizeMB
			fileCfg.MaxBackups = a.MaxBackups
			fileCfg.MaxAgeDays = a.MaxAgeDays
			fileCfg.Compress = a.Compress
		}
		auditLog, err := audit.NewLogger(fileCfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
		sc.addCleanup(func() { _ = auditLog.Close() })
		sinks = append(sinks, auditLog)
		logger.Debug("audit log opened", slog.String("path", path))
	}
	if sc.Store != nil {
		sinks = append(sinks, audit.StoreSink{Store: sc.Store.Executions()})
	}

	sc.Runner = audit.NewRunner(observability.NewInstrumentedRunner(exec, obs), logger, sinks...)

	// Readiness checks.
	obs.Health.AddCheck("policies", func(_ context.Context) error {
		if policies.Len() == 0 {
			return fmt.Errorf("no policies loaded")
		}
		return nil
	})
	if sc.Store != nil {
		obs.Health.AddCheck("storage", sc.Store.Ping)
	}

	return sc, nil
}

// initStore opens the configured storage backend.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.StorageDriver() {
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		if pg == nil || pg.DSN == "" {
			return nil, fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
		store, err := pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		sqliteCfg := sqlitestore.Config{Path: cfg.DatabasePath()}
		if s := cfg.Storage.SQLite; s != nil {
			sqliteCfg.JournalMode = s.JournalMode
		}
		store, err := sqlitestore.Open(sqliteCfg, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

// setup loads config and builds shared components. The returned function
// releases everything, including the log file.
func setup() (*SharedComponents, func(), error) {
	cfg, logger, closer, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	sc, err := initShared(cfg, logger)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return sc, func() {
		sc.Cleanup()
		_ = closer.Close()
	}, nil
}
