package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix    = "ANALYSISD_"
	configEnvVar = "CONFIG_PATH"
)

// Loader assembles configuration from defaults, a YAML file and environment
// variables, in that order of precedence.
type Loader struct {
	k           *koanf.Koanf
	configPaths []string
	envPrefix   string
}

// NewLoader creates a configuration loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		k: koanf.New("."),
		configPaths: []string{
			"config.yaml",
			"config/config.yaml",
			"/etc/analysisd/config.yaml",
		},
		envPrefix: envPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithConfigPaths overrides the config file search paths.
func WithConfigPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.configPaths = paths
	}
}

// WithEnvPrefix overrides the environment variable prefix.
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// Load assembles the configuration. Precedence, lowest first:
// defaults, config file, ANALYSISD_* environment, compatibility
// environment variables (DNS_CACHE_*, NODE_ENV).
func (l *Loader) Load() (*Config, error) {
	if err := l.loadDefaults(); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := l.loadConfigFile(); err != nil {
		// The file is optional.
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyCompatEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *Loader) loadDefaults() error {
	defaults := map[string]any{
		// App
		"app.name":        "analysisd",
		"app.version":     "1.0.0",
		"app.environment": "development",
		"app.debug":       false,

		// HTTP
		"http.port":             8000,
		"http.read_timeout":     30 * time.Second,
		"http.write_timeout":    0 * time.Second, // SSE streams must not be cut off
		"http.shutdown_timeout": 10 * time.Second,

		// Log
		"log.level":       "info",
		"log.format":      "json",
		"log.output":      "stdout",
		"log.max_size":    100,
		"log.max_backups": 3,
		"log.max_age":     7,
		"log.compress":    true,

		// Metrics
		"metrics.enabled":   true,
		"metrics.path":      "/metrics",
		"metrics.namespace": "analysisd",
		"metrics.interval":  10 * time.Second,

		// Tracing
		"tracing.enabled":      false,
		"tracing.endpoint":     "localhost:4317",
		"tracing.service_name": "analysisd",
		"tracing.sample_rate":  0.1,

		// Storage
		"storage.root":       "storage",
		"storage.config_dir": "config",

		// Database
		"database.busy_timeout":       5 * time.Second,
		"database.journal_size_limit": int64(6 * 1024 * 1024),
		"database.max_open_conns":     1,
		"database.auto_migrate":       true,

		// Auth
		"auth.secret_key":  "change-me-in-production",
		"auth.session_ttl": 7 * 24 * time.Hour,
		"auth.cookie_name": "analysisd_session",

		// Supervisor
		"supervisor.runner_command":          []string{"analysis-runner"},
		"supervisor.force_kill_timeout":      5 * time.Second,
		"supervisor.initial_restart_delay":   5 * time.Second,
		"supervisor.max_restart_delay":       60 * time.Second,
		"supervisor.max_memory_logs":         100,
		"supervisor.max_log_file_size_bytes": int64(50 * 1024 * 1024),
		"supervisor.short_run_threshold":     time.Second,

		// DNS
		"dns.enabled":       true,
		"dns.ttl":           5 * time.Minute,
		"dns.max_entries":   1000,
		"dns.allow_private": false,

		// Rate limit
		"rate_limit.enabled": true,

		// Events
		"events.queue_size": 64,

		// Log shipping
		"logship.enabled":      false,
		"logship.backend":      "stdout",
		"logship.buffer_size":  1000,
		"logship.batch_size":   100,
		"logship.flush_period": 5 * time.Second,
	}

	return l.k.Load(confmap.Provider(defaults, "."), nil)
}

func (l *Loader) loadConfigFile() error {
	if configPath := os.Getenv(configEnvVar); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return l.k.Load(file.Provider(configPath), yaml.Parser())
		}
	}

	for _, path := range l.configPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		if _, err := os.Stat(absPath); err == nil {
			return l.k.Load(file.Provider(absPath), yaml.Parser())
		}
	}

	return fmt.Errorf("config file not found in paths: %v", l.configPaths)
}

func (l *Loader) loadEnv() error {
	return l.k.Load(env.Provider(l.envPrefix, ".", func(s string) string {
		// ANALYSISD_HTTP_PORT -> http.port
		return strings.ReplaceAll(
			strings.ToLower(
				strings.TrimPrefix(s, l.envPrefix),
			),
			"_", ".",
		)
	}), nil)
}

// applyCompatEnv honors the flat environment variables recognized by the
// original deployment tooling on top of the koanf tree.
func applyCompatEnv(cfg *Config) {
	if v := os.Getenv("DNS_CACHE_ENABLED"); v != "" {
		cfg.DNS.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DNS_CACHE_TTL"); v != "" {
		if ms, err := time.ParseDuration(v + "ms"); err == nil {
			cfg.DNS.TTL = ms
		}
	}
	if v := os.Getenv("DNS_CACHE_MAX_ENTRIES"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.DNS.MaxEntries = n
		}
	}
	if v := os.Getenv("NODE_ENV"); v != "" {
		cfg.App.Environment = v
	}
}

// MustLoad loads the configuration or terminates the process.
func MustLoad(opts ...LoaderOption) *Config {
	cfg, err := NewLoader(opts...).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Load loads the configuration with default options.
func Load() (*Config, error) {
	return NewLoader().Load()
}
