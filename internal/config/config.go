// Package config handles loading and validating polybox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Provider names accepted in provider.default.
const (
	ProviderProcess = "process"
	ProviderDocker  = "docker"
)

// Config is the root configuration for polybox.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.polybox/data. Override: POLYBOX_DATA_DIR env var.
	Log           LogConfig            `json:"log" yaml:"log"`
	Provider      ProviderConfig       `json:"provider" yaml:"provider"`
	Adapter       AdapterConfig        `json:"adapter" yaml:"adapter"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data dir)
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Monitor       *MonitorConfig       `json:"monitor,omitempty" yaml:"monitor,omitempty"`             // nil = health monitor disabled
	Server        ServerConfig         `json:"server" yaml:"server"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // "debug", "info" (default), "warn", "error". Override: POLYBOX_LOG_LEVEL.
	Format string `json:"format" yaml:"format"` // "text" (default) or "json".
}

// ProviderConfig chooses and configures the sandbox provider.
type ProviderConfig struct {
	Default string                 `json:"default" yaml:"default"` // "process" (default) or "docker". Override: POLYBOX_PROVIDER.
	Process *ProcessProviderConfig `json:"process,omitempty" yaml:"process,omitempty"`
	Docker  *DockerProviderConfig  `json:"docker,omitempty" yaml:"docker,omitempty"`
}

// Name returns the configured provider, defaulting to "process".
func (p *ProviderConfig) Name() string {
	if p.Default != "" {
		return p.Default
	}
	return ProviderProcess
}

// ProcessProviderConfig configures local process sandboxes.
type ProcessProviderConfig struct {
	Root           string `json:"root,omitempty" yaml:"root,omitempty"` // Empty = private temp dir per sandbox.
	Shell          string `json:"shell,omitempty" yaml:"shell,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`   // Default: 30.
	MaxCPUSeconds  int    `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`   // Default: 60.
	MaxMemoryMB    int    `json:"max_memory_mb" yaml:"max_memory_mb"`       // Default: 512.
	MaxOutputBytes int    `json:"max_output_bytes" yaml:"max_output_bytes"` // Default: 1 MiB.
}

// DockerProviderConfig configures Docker container sandboxes.
type DockerProviderConfig struct {
	Binary         string  `json:"binary,omitempty" yaml:"binary,omitempty"`
	Image          string  `json:"image" yaml:"image"`                             // Override: POLYBOX_DOCKER_IMAGE.
	Container      string  `json:"container,omitempty" yaml:"container,omitempty"` // Attach to an existing container.
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
	MemoryMB       int     `json:"memory_mb" yaml:"memory_mb"`
	CPUCores       float64 `json:"cpu_cores" yaml:"cpu_cores"`
	PIDsLimit      int     `json:"pids_limit" yaml:"pids_limit"`
	NetworkAllowed bool    `json:"network_allowed" yaml:"network_allowed"`
	WritableRoot   bool    `json:"writable_root" yaml:"writable_root"`
	User           string  `json:"user,omitempty" yaml:"user,omitempty"`
	WorkDir        string  `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	MaxOutputBytes int     `json:"max_output_bytes" yaml:"max_output_bytes"`
}

// AdapterConfig tunes the base adapter.
type AdapterConfig struct {
	DisablePolyfill bool  `json:"disable_polyfill" yaml:"disable_polyfill"`
	ReadyTimeoutMS  int   `json:"ready_timeout_ms" yaml:"ready_timeout_ms"`     // Default: 300000.
	PollIntervalMS  int   `json:"poll_interval_ms" yaml:"poll_interval_ms"`     // Default: 1000.
	ChunkSizeBytes  int64 `json:"chunk_size_bytes" yaml:"chunk_size_bytes"`     // Default: 64 KiB.
	ExpirationS     int   `json:"expiration_seconds" yaml:"expiration_seconds"` // 0 = sandboxes never expire.
}

// ReadyTimeout returns how long WaitUntilReady polls. Default: 5 minutes.
func (a *AdapterConfig) ReadyTimeout() time.Duration {
	if a.ReadyTimeoutMS > 0 {
		return time.Duration(a.ReadyTimeoutMS) * time.Millisecond
	}
	return 5 * time.Minute
}

// PollInterval returns the WaitUntilReady ping interval. Default: 1s.
func (a *AdapterConfig) PollInterval() time.Duration {
	if a.PollIntervalMS > 0 {
		return time.Duration(a.PollIntervalMS) * time.Millisecond
	}
	return time.Second
}

// ChunkSize returns the ReadStream chunk size. Default: 64 KiB.
func (a *AdapterConfig) ChunkSize() int64 {
	if a.ChunkSizeBytes > 0 {
		return a.ChunkSizeBytes
	}
	return 64 << 10
}

// Expiration returns the lifetime given to new sandboxes. Zero = none.
func (a *AdapterConfig) Expiration() time.Duration {
	return time.Duration(a.ExpirationS) * time.Second
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
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
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: POLYBOX_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
	ConnectTimeoutS  int    `json:"connect_timeout_s" yaml:"connect_timeout_s"`     // Retry budget for the first connection. Default: 30
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
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
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "polybox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
	// ResourceAttributes are added to every exported span's resource,
	// e.g. deployment.environment.
	ResourceAttributes map[string]string `json:"resource_attributes,omitempty" yaml:"resource_attributes,omitempty"`
}

// HealthConfig configures dependency checks behind /readyz.
type HealthConfig struct {
	IncludeDB        bool `json:"include_db" yaml:"include_db"`
	IncludeSandboxes bool `json:"include_sandboxes" yaml:"include_sandboxes"`
	// IncludeAnomalies degrades readiness while an operation's error rate
	// is over the anomaly threshold.
	IncludeAnomalies bool `json:"include_anomalies" yaml:"include_anomalies"`
}

// AnomalyConfig configures threshold-based anomaly detection on adapter operations.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// MonitorConfig configures the scheduled sandbox health monitor.
type MonitorConfig struct {
	Enabled            bool          `json:"enabled" yaml:"enabled"`
	Schedule           string        `json:"schedule" yaml:"schedule"`                         // Cron spec. Default: "@every 30s".
	PingTimeoutSeconds int           `json:"ping_timeout_seconds" yaml:"ping_timeout_seconds"` // Default: 10.
	CollectMetrics     bool          `json:"collect_metrics" yaml:"collect_metrics"`           // Sample CPU/memory each tick.
	Notify             *NotifyConfig `json:"notify,omitempty" yaml:"notify,omitempty"`         // nil = no alerts
}

// NotifyConfig lists the channels alerted when a sandbox fails or recovers.
type NotifyConfig struct {
	Webhooks []WebhookConfig `json:"webhooks,omitempty" yaml:"webhooks,omitempty"`
	Slack    *SlackConfig    `json:"slack,omitempty" yaml:"slack,omitempty"`
}

// WebhookConfig is one HTTP POST target.
type WebhookConfig struct {
	Name         string `json:"name" yaml:"name"`
	URL          string `json:"url" yaml:"url"`
	AllowPrivate bool   `json:"allow_private" yaml:"allow_private"` // Permit loopback and private addresses.
}

// SlackConfig posts alerts through the Slack Web API.
type SlackConfig struct {
	BotToken  string `json:"bot_token" yaml:"bot_token"` // Override: POLYBOX_SLACK_BOT_TOKEN.
	ChannelID string `json:"channel_id" yaml:"channel_id"`
}

// ScheduleSpec returns the cron spec, defaulting to every 30 seconds.
func (m *MonitorConfig) ScheduleSpec() string {
	if m != nil && m.Schedule != "" {
		return m.Schedule
	}
	return "@every 30s"
}

// PingTimeout returns the per-sandbox ping budget. Default: 10s.
func (m *MonitorConfig) PingTimeout() time.Duration {
	if m != nil && m.PingTimeoutSeconds > 0 {
		return time.Duration(m.PingTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddr             string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080". Override: POLYBOX_LISTEN_ADDR.
	MaxRequestSizeBytes    int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeys                []string        `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // Bearer keys. Override: POLYBOX_API_KEYS (comma separated).
	ShutdownTimeoutSeconds int             `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
	EnableDocs             bool            `json:"enable_docs" yaml:"enable_docs"` // Serve OpenAPI docs at /docs.
	RateLimit              RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig configures per-client token bucket rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // Default: requests_per_minute.
}

// Addr returns the listen address. Default: ":8080".
func (s *ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// MaxRequestSize returns the request body limit. Default: 32 MiB.
func (s *ServerConfig) MaxRequestSize() int64 {
	if s.MaxRequestSizeBytes > 0 {
		return s.MaxRequestSizeBytes
	}
	return 32 << 20
}

// ShutdownTimeout returns the graceful shutdown budget. Default: 15s.
func (s *ServerConfig) ShutdownTimeout() time.Duration {
	if s.ShutdownTimeoutSeconds > 0 {
		return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
	}
	return 15 * time.Second
}

// DefaultConfigPath returns the default config file path (~/.polybox/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/polybox.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".polybox", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// An empty path yields the defaults. Environment variables take precedence
// over file values.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}

		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}

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
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("POLYBOX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("POLYBOX_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("POLYBOX_PROVIDER"); v != "" {
		c.Provider.Default = v
	}
	if v := os.Getenv("POLYBOX_DOCKER_IMAGE"); v != "" {
		if c.Provider.Docker == nil {
			c.Provider.Docker = &DockerProviderConfig{}
		}
		c.Provider.Docker.Image = v
	}
	if v := os.Getenv("POLYBOX_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.Driver = "postgres"
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("POLYBOX_SLACK_BOT_TOKEN"); v != "" && c.Monitor != nil && c.Monitor.Notify != nil && c.Monitor.Notify.Slack != nil {
		c.Monitor.Notify.Slack.BotToken = v
	}
	if v := os.Getenv("POLYBOX_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("POLYBOX_API_KEYS"); v != "" {
		c.Server.APIKeys = c.Server.APIKeys[:0]
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.Server.APIKeys = append(c.Server.APIKeys, k)
			}
		}
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
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".polybox", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path, explicit or under the data directory.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "polybox.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}

	switch c.Provider.Name() {
	case ProviderProcess:
		if p := c.Provider.Process; p != nil && (p.TimeoutSeconds < 0 || p.MaxMemoryMB < 0 || p.MaxCPUSeconds < 0) {
			return fmt.Errorf("provider.process limits must not be negative")
		}
	case ProviderDocker:
		if d := c.Provider.Docker; d != nil && (d.TimeoutSeconds < 0 || d.MemoryMB < 0 || d.CPUCores < 0 || d.PIDsLimit < 0) {
			return fmt.Errorf("provider.docker limits must not be negative")
		}
	default:
		return fmt.Errorf("provider.default %q must be %q or %q", c.Provider.Default, ProviderProcess, ProviderDocker)
	}

	if c.Adapter.ReadyTimeoutMS < 0 || c.Adapter.PollIntervalMS < 0 || c.Adapter.ChunkSizeBytes < 0 || c.Adapter.ExpirationS < 0 {
		return fmt.Errorf("adapter timings and sizes must not be negative")
	}

	switch c.StorageDriverName() {
	case "sqlite":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set POLYBOX_DB_DSN env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q must be sqlite or postgres", c.Storage.Driver)
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
		if a := o.Anomaly; a != nil && a.Enabled && (a.ErrorRateThreshold <= 0 || a.ErrorRateThreshold > 1) {
			return fmt.Errorf("observability.anomaly.error_rate_threshold must be in (0, 1]")
		}
	}

	if m := c.Monitor; m != nil && m.Notify != nil {
		for i, w := range m.Notify.Webhooks {
			if w.URL == "" {
				return fmt.Errorf("monitor.notify.webhooks[%d].url is required", i)
			}
		}
		if sl := m.Notify.Slack; sl != nil && (sl.BotToken == "" || sl.ChannelID == "") {
			return fmt.Errorf("monitor.notify.slack needs bot_token and channel_id (set POLYBOX_SLACK_BOT_TOKEN env var)")
		}
	}

	if r := c.Server.RateLimit; r.RequestsPerMinute < 0 || r.BurstSize < 0 {
		return fmt.Errorf("server.rate_limit values must not be negative")
	}

	for i, k := range c.Server.APIKeys {
		if len(k) < 16 {
			return fmt.Errorf("server.api_keys[%d] must be at least 16 characters", i)
		}
	}
	return nil
}
