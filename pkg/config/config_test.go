package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T) *Config {
	t.Helper()
	// Point the file search at an empty dir so a developer's local
	// config.yaml cannot leak into the test.
	cfg, err := NewLoader(WithConfigPaths(filepath.Join(t.TempDir(), "config.yaml"))).Load()
	require.NoError(t, err)
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := load(t)

	assert.Equal(t, "analysisd", cfg.App.Name)
	assert.Equal(t, 8000, cfg.HTTP.Port)
	assert.Equal(t, "storage", cfg.Storage.Root)
	assert.Equal(t, 5*time.Second, cfg.Supervisor.ForceKillTimeout)
	assert.Equal(t, 5*time.Second, cfg.Supervisor.InitialRestartDelay)
	assert.Equal(t, 60*time.Second, cfg.Supervisor.MaxRestartDelay)
	assert.Equal(t, 100, cfg.Supervisor.MaxMemoryLogs)
	assert.Equal(t, int64(50*1024*1024), cfg.Supervisor.MaxLogFileSizeBytes)
	assert.Equal(t, int64(6*1024*1024), cfg.Database.JournalSizeLimit)
	assert.True(t, cfg.DNS.Enabled)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ANALYSISD_HTTP_PORT", "9001")
	t.Setenv("ANALYSISD_LOG_LEVEL", "debug")

	cfg := load(t)
	assert.Equal(t, 9001, cfg.HTTP.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("app:\n  name: custom\nhttp:\n  port: 9100\n"), 0o644))

	cfg, err := NewLoader(WithConfigPaths(path)).Load()
	require.NoError(t, err)
	assert.Equal(t, "custom", cfg.App.Name)
	assert.Equal(t, 9100, cfg.HTTP.Port)
}

func TestCompatEnv(t *testing.T) {
	t.Setenv("DNS_CACHE_ENABLED", "false")
	t.Setenv("DNS_CACHE_TTL", "30000")
	t.Setenv("DNS_CACHE_MAX_ENTRIES", "250")
	t.Setenv("NODE_ENV", "production")

	cfg := load(t)
	assert.False(t, cfg.DNS.Enabled)
	assert.Equal(t, 30*time.Second, cfg.DNS.TTL)
	assert.Equal(t, 250, cfg.DNS.MaxEntries)
	assert.True(t, cfg.IsProduction())
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := load(t)
	cfg.HTTP.Port = -1
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsMissingRunner(t *testing.T) {
	cfg := load(t)
	cfg.Supervisor.RunnerCommand = nil
	assert.Error(t, cfg.Validate())
}

func TestIsDevelopment(t *testing.T) {
	cfg := load(t)
	assert.True(t, cfg.IsDevelopment())
	cfg.App.Environment = "production"
	assert.False(t, cfg.IsDevelopment())
}
