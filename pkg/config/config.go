package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration tree.
type Config struct {
	App        AppConfig        `koanf:"app"`
	HTTP       HTTPConfig       `koanf:"http"`
	Log        LogConfig        `koanf:"log"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Tracing    TracingConfig    `koanf:"tracing"`
	Storage    StorageConfig    `koanf:"storage"`
	Database   DatabaseConfig   `koanf:"database"`
	Auth       AuthConfig       `koanf:"auth"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
	DNS        DNSConfig        `koanf:"dns"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit"`
	Events     EventsConfig     `koanf:"events"`
	LogShip    LogShipConfig    `koanf:"logship"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"` // development, staging, production
	Debug       bool   `koanf:"debug"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig configures the system logger.
type LogConfig struct {
	Level      string `koanf:"level"`  // debug, info, warn, error
	Format     string `koanf:"format"` // json, text
	Output     string `koanf:"output"` // stdout, stderr, file
	FilePath   string `koanf:"file_path"`
	MaxSize    int    `koanf:"max_size"` // MB
	MaxBackups int    `koanf:"max_backups"`
	MaxAge     int    `koanf:"max_age"` // days
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Path      string        `koanf:"path"`
	Namespace string        `koanf:"namespace"`
	Interval  time.Duration `koanf:"interval"` // metricsUpdate broadcast period
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// StorageConfig locates persistent state on disk.
type StorageConfig struct {
	Root      string `koanf:"root"`       // analyses live under <root>/analyses
	ConfigDir string `koanf:"config_dir"` // dns-cache-config.json and friends
}

// AnalysesRoot returns the directory holding per-analysis state.
func (s StorageConfig) AnalysesRoot() string {
	return filepath.Join(s.Root, "analyses")
}

// DatabasePath returns the metadata store location.
func (s StorageConfig) DatabasePath() string {
	return filepath.Join(s.Root, "auth.db")
}

// DatabaseConfig tunes the sqlite metadata store.
type DatabaseConfig struct {
	BusyTimeout      time.Duration `koanf:"busy_timeout"`
	JournalSizeLimit int64         `koanf:"journal_size_limit"` // bytes
	MaxOpenConns     int           `koanf:"max_open_conns"`
	AutoMigrate      bool          `koanf:"auto_migrate"`
}

// AuthConfig configures session issuance.
type AuthConfig struct {
	SecretKey  string        `koanf:"secret_key"`
	SessionTTL time.Duration `koanf:"session_ttl"`
	CookieName string        `koanf:"cookie_name"`
}

// SupervisorConfig tunes the analysis process supervisor.
type SupervisorConfig struct {
	RunnerCommand       []string      `koanf:"runner_command"` // argv prefix, script path appended
	ForceKillTimeout    time.Duration `koanf:"force_kill_timeout"`
	InitialRestartDelay time.Duration `koanf:"initial_restart_delay"`
	MaxRestartDelay     time.Duration `koanf:"max_restart_delay"`
	MaxMemoryLogs       int           `koanf:"max_memory_logs"`
	MaxLogFileSizeBytes int64         `koanf:"max_log_file_size_bytes"`
	ShortRunThreshold   time.Duration `koanf:"short_run_threshold"`
}

// DNSConfig holds shared DNS resolver defaults; the runtime values live in
// the resolver's own persisted config file.
type DNSConfig struct {
	Enabled      bool          `koanf:"enabled"`
	TTL          time.Duration `koanf:"ttl"`
	MaxEntries   int           `koanf:"max_entries"`
	AllowPrivate bool          `koanf:"allow_private"`
}

// RateLimitConfig enables the per-class request limiter.
type RateLimitConfig struct {
	Enabled bool `koanf:"enabled"`
}

// EventsConfig tunes the live-event fan-out.
type EventsConfig struct {
	QueueSize int `koanf:"queue_size"` // per-session outgoing queue
}

// LogShipConfig configures best-effort system log shipping.
type LogShipConfig struct {
	Enabled     bool          `koanf:"enabled"`
	Backend     string        `koanf:"backend"` // stdout, http
	Endpoint    string        `koanf:"endpoint"`
	BufferSize  int           `koanf:"buffer_size"`
	BatchSize   int           `koanf:"batch_size"`
	FlushPeriod time.Duration `koanf:"flush_period"`
}

// Validate checks the configuration for startup-fatal mistakes.
func (c *Config) Validate() error {
	var errs []string

	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port must be between 1 and 65535, got %d", c.HTTP.Port))
	}
	if c.Storage.Root == "" {
		errs = append(errs, "storage.root is required")
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	if c.Supervisor.MaxMemoryLogs <= 0 {
		errs = append(errs, "supervisor.max_memory_logs must be positive")
	}
	if c.Supervisor.ForceKillTimeout <= 0 {
		errs = append(errs, "supervisor.force_kill_timeout must be positive")
	}
	if len(c.Supervisor.RunnerCommand) == 0 {
		errs = append(errs, "supervisor.runner_command is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// IsDevelopment reports whether the app runs in development mode. The
// NODE_ENV compatibility switch handled by the loader feeds this too.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development" || c.App.Environment == "dev"
}

// IsProduction reports whether the app runs in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production" || c.App.Environment == "prod"
}
