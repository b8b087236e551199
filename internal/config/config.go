// Package config handles loading and validating warden configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for warden.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"`         // Workspace root every command is fenced to. Override: WARDEN_WORKSPACE.
	PoliciesFile  string               `json:"policies_file,omitempty" yaml:"policies_file,omitempty"` // Empty = built-in policies. Override: WARDEN_POLICIES.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`           // Default: ~/.warden. Override: WARDEN_DATA_DIR.
	Executor      ExecutorConfig       `json:"executor" yaml:"executor"`
	Venv          VenvConfig           `json:"venv" yaml:"venv"`
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
	Audit         *AuditConfig         `json:"audit,omitempty" yaml:"audit,omitempty"`                 // nil = JSONL audit under the data dir
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = no execution history
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
}

// ExecutorConfig bounds every execution.
type ExecutorConfig struct {
	KillGraceMS    int               `json:"kill_grace_ms" yaml:"kill_grace_ms"`       // SIGTERM to SIGKILL delay. Default: 2000.
	DrainTimeoutMS int               `json:"drain_timeout_ms" yaml:"drain_timeout_ms"` // Post-exit pipe drain bound. Default: 2000.
	BaseEnv        map[string]string `json:"base_env,omitempty" yaml:"base_env,omitempty"`
	InheritEnv     []string          `json:"inherit_env,omitempty" yaml:"inherit_env,omitempty"` // Host variables copied into the base env. Default: PATH, HOME, LANG.
	ReportMaxBytes int               `json:"report_max_bytes" yaml:"report_max_bytes"`           // Rendered report budget. Default: 65536.
}

// KillGrace returns the termination grace period with a default of 2s.
func (e *ExecutorConfig) KillGrace() time.Duration {
	if e != nil && e.KillGraceMS > 0 {
		return time.Duration(e.KillGraceMS) * time.Millisecond
	}
	return 2 * time.Second
}

// DrainTimeout returns the post-exit drain bound with a default of 2s.
func (e *ExecutorConfig) DrainTimeout() time.Duration {
	if e != nil && e.DrainTimeoutMS > 0 {
		return time.Duration(e.DrainTimeoutMS) * time.Millisecond
	}
	return 2 * time.Second
}

// BaseEnvironment builds the minimal environment handed to the executor:
// inherited host variables first, then explicit base_env entries.
func (e *ExecutorConfig) BaseEnvironment() map[string]string {
	inherit := []string{"PATH", "HOME", "LANG"}
	if e != nil && len(e.InheritEnv) > 0 {
		inherit = e.InheritEnv
	}
	env := make(map[string]string, len(inherit))
	for _, k := range inherit {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	if e != nil {
		for k, v := range e.BaseEnv {
			env[k] = v
		}
	}
	return env
}

// VenvConfig configures virtual environment discovery.
type VenvConfig struct {
	CacheTTLSeconds int      `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"` // Default: 300. Negative disables caching.
	CacheEntries    int      `json:"cache_entries" yaml:"cache_entries"`         // Default: 4096.
	DirNames        []string `json:"dir_names,omitempty" yaml:"dir_names,omitempty"`
}

// CacheTTL returns the resolution cache TTL. Zero keeps the locator default.
func (v *VenvConfig) CacheTTL() time.Duration {
	if v == nil {
		return 0
	}
	if v.CacheTTLSeconds < 0 {
		return -1
	}
	return time.Duration(v.CacheTTLSeconds) * time.Second
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`                   // debug|info|warn|error. Default: info. Override: WARDEN_LOG_LEVEL.
	Format     string `json:"format" yaml:"format"`                 // json (default) or text.
	File       string `json:"file,omitempty" yaml:"file,omitempty"` // Empty = stderr.
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`       // Default: 50.
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`       // Default: 5.
	Service    string `json:"service" yaml:"service"`               // Default: "warden".
}

// ServiceName returns the service attribute with a default of "warden".
func (l *LoggingConfig) ServiceName() string {
	if l != nil && l.Service != "" {
		return l.Service
	}
	return "warden"
}

// AuditConfig configures the append-only JSONL audit trail.
type AuditConfig struct {
	Disabled   bool   `json:"disabled" yaml:"disabled"`
	Path       string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/audit.jsonl.
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`       // Default: 100.
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`       // Default: 10.
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`     // Default: 0 (keep).
	Compress   bool   `json:"compress" yaml:"compress"`
}

// StorageConfig configures the execution history backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/warden.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: WARDEN_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "warden"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures the per-program denial rate detector.
type AnomalyConfig struct {
	Enabled             bool    `json:"enabled" yaml:"enabled"`
	DenialRateThreshold float64 `json:"denial_rate_threshold" yaml:"denial_rate_threshold"` // e.g. 0.5 = half of recent commands denied
	MinSamples          int     `json:"min_samples" yaml:"min_samples"`                     // Default: 5
	WindowSeconds       int     `json:"window_seconds" yaml:"window_seconds"`               // Sliding window. Default: 300
}

// GatewaysConfig holds the optional external surfaces.
type GatewaysConfig struct {
	HTTP *HTTPGatewayConfig `json:"http,omitempty" yaml:"http,omitempty"`
	MCP  *MCPGatewayConfig  `json:"mcp,omitempty" yaml:"mcp,omitempty"`
}

// HTTPGatewayConfig configures the JSON API.
type HTTPGatewayConfig struct {
	Enabled             bool            `json:"enabled" yaml:"enabled"`
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"`                       // Default: ":8080". Override: WARDEN_LISTEN_ADDR.
	APIKeys             []string        `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`         // Empty = no authentication. Override: WARDEN_API_KEY.
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MiB.
	MaxConcurrent       int             `json:"max_concurrent" yaml:"max_concurrent"`                 // Concurrent executions. Default: 4.
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// Concurrency returns the execution concurrency cap with a default of 4.
func (h *HTTPGatewayConfig) Concurrency() int {
	if h != nil && h.MaxConcurrent > 0 {
		return h.MaxConcurrent
	}
	return 4
}

// RequestLimit returns the request body limit with a default of 1 MiB.
func (h *HTTPGatewayConfig) RequestLimit() int64 {
	if h != nil && h.MaxRequestSizeBytes > 0 {
		return h.MaxRequestSizeBytes
	}
	return 1 << 20
}

// RateLimitConfig configures per-caller token buckets.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// MCPGatewayConfig configures the Model Context Protocol server.
type MCPGatewayConfig struct {
	Name                  string `json:"name" yaml:"name"`                                               // Default: "warden".
	SuppressSuccessOutput bool   `json:"suppress_success_output" yaml:"suppress_success_output"`         // Report only a summary for passing commands.
	PerProgramTools       *bool  `json:"per_program_tools,omitempty" yaml:"per_program_tools,omitempty"` // Default: true.
}

// ServerName returns the advertised server name with a default of "warden".
func (m *MCPGatewayConfig) ServerName() string {
	if m != nil && m.Name != "" {
		return m.Name
	}
	return "warden"
}

// ProgramTools reports whether one tool per policy program is declared.
func (m *MCPGatewayConfig) ProgramTools() bool {
	return m == nil || m.PerProgramTools == nil || *m.PerProgramTools
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	applyEnv(cfg)
	cfg.applyDefaults()
	return cfg
}

// DefaultConfigPath returns the default config file path (~/.warden/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "warden.yaml"
	}
	return filepath.Join(home, ".warden", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	applyEnv(&cfg)
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise.
func LoadOrDefault(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return Load(resolved)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("WARDEN_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv("WARDEN_POLICIES"); v != "" {
		cfg.PoliciesFile = v
	}
	if v := os.Getenv("WARDEN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("WARDEN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WARDEN_DB_DSN"); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("WARDEN_API_KEY"); v != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &HTTPGatewayConfig{}
		}
		cfg.Gateways.HTTP.APIKeys = append(cfg.Gateways.HTTP.APIKeys, v)
	}
	if v := os.Getenv("WARDEN_LISTEN_ADDR"); v != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &HTTPGatewayConfig{}
		}
		cfg.Gateways.HTTP.ListenAddr = v
	}
	if v := os.Getenv("WARDEN_REPORT_MAX_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Executor.ReportMaxBytes = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".warden")
		} else {
			c.DataDir = ".warden"
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// ResolvedWorkspace returns the workspace root with ~ expanded, or "" when unset.
func (c *Config) ResolvedWorkspace() string {
	if c.Workspace == "" {
		return ""
	}
	resolved, err := resolvePath(c.Workspace)
	if err != nil {
		return c.Workspace
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "warden.db")
}

// AuditLogPath returns the JSONL audit path, or "" when auditing is disabled.
func (c *Config) AuditLogPath() string {
	if c.Audit != nil {
		if c.Audit.Disabled {
			return ""
		}
		if c.Audit.Path != "" {
			return c.Audit.Path
		}
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q must be json or text", c.Logging.Format)
	}
	if c.Executor.KillGraceMS < 0 {
		return fmt.Errorf("executor.kill_grace_ms must not be negative")
	}
	if c.Executor.DrainTimeoutMS < 0 {
		return fmt.Errorf("executor.drain_timeout_ms must not be negative")
	}
	if c.Executor.ReportMaxBytes < 0 {
		return fmt.Errorf("executor.report_max_bytes must not be negative")
	}
	if c.Venv.CacheEntries < 0 {
		return fmt.Errorf("venv.cache_entries must not be negative")
	}
	if c.Storage != nil {
		switch c.Storage.StorageDriver() {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required when storage.driver is postgres")
			}
		default:
			return fmt.Errorf("storage.driver %q must be sqlite or postgres", c.Storage.Driver)
		}
	}
	if o := c.Observability; o != nil {
		if t := o.Tracing; t != nil && t.Enabled {
			if t.Endpoint == "" {
				return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
			}
			if t.Protocol != "" && t.Protocol != "grpc" && t.Protocol != "http" {
				return fmt.Errorf("observability.tracing.protocol %q must be grpc or http", t.Protocol)
			}
			if t.SampleRate < 0 || t.SampleRate > 1 {
				return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
			}
		}
		if a := o.Anomaly; a != nil && a.Enabled && (a.DenialRateThreshold <= 0 || a.DenialRateThreshold > 1) {
			return fmt.Errorf("observability.anomaly.denial_rate_threshold must be in (0, 1]")
		}
	}
	if h := c.Gateways.HTTP; h != nil {
		if h.MaxConcurrent < 0 {
			return fmt.Errorf("gateways.http.max_concurrent must not be negative")
		}
		if h.RateLimit.RequestsPerMinute < 0 || h.RateLimit.BurstSize < 0 {
			return fmt.Errorf("gateways.http.rate_limit values must not be negative")
		}
		for i, k := range h.APIKeys {
			if strings.TrimSpace(k) == "" {
				return fmt.Errorf("gateways.http.api_keys[%d] must not be empty", i)
			}
		}
	}
	return nil
}
