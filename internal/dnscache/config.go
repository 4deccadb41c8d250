package dnscache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"analysisd/pkg/logger"
)

// FileConfig is the persisted resolver configuration
// (<config>/dns-cache-config.json).
type FileConfig struct {
	Enabled    bool  `json:"enabled"`
	TTL        int64 `json:"ttl"`        // ms
	MaxEntries int   `json:"maxEntries"` //
}

// ConfigUpdate carries an admin configuration change; nil fields are left
// unchanged.
type ConfigUpdate struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	TTL        *int64 `json:"ttl,omitempty"` // ms
	MaxEntries *int   `json:"maxEntries,omitempty"`
}

// Config returns the current runtime configuration.
func (s *Service) Config() FileConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return FileConfig{
		Enabled:    s.enabled,
		TTL:        s.ttl.Milliseconds(),
		MaxEntries: s.maxEntries,
	}
}

// Enabled reports whether resolution results are cached.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// UpdateConfig applies an admin change, persists it, and returns the new
// configuration. Changing the TTL starts a fresh statistics window.
func (s *Service) UpdateConfig(update ConfigUpdate) (FileConfig, error) {
	s.mu.Lock()

	if update.Enabled != nil && *update.Enabled != s.enabled {
		s.enabled = *update.Enabled
		logger.Info("DNS cache toggled", "enabled", s.enabled)
	}
	if update.TTL != nil && time.Duration(*update.TTL)*time.Millisecond != s.ttl {
		s.ttl = time.Duration(*update.TTL) * time.Millisecond
		// New TTL, new window.
		s.stats = Stats{}
		s.ttlPeriodStart = time.Now()
	}
	if update.MaxEntries != nil && *update.MaxEntries > 0 {
		s.maxEntries = *update.MaxEntries
		for len(s.entries) > s.maxEntries && len(s.order) > 0 {
			oldest := s.order[0]
			s.deleteLocked(oldest)
			s.stats.Evictions++
		}
	}

	cfg := FileConfig{
		Enabled:    s.enabled,
		TTL:        s.ttl.Milliseconds(),
		MaxEntries: s.maxEntries,
	}
	s.mu.Unlock()

	if err := s.saveConfigFile(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (s *Service) loadConfigFile() {
	if s.configPath == "" {
		return
	}
	data, err := os.ReadFile(s.configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("Failed to read DNS config file", "path", s.configPath, "error", err)
		}
		return
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		logger.Warn("Malformed DNS config file ignored", "path", s.configPath, "error", err)
		return
	}
	s.enabled = cfg.Enabled
	if cfg.TTL > 0 {
		s.ttl = time.Duration(cfg.TTL) * time.Millisecond
	}
	if cfg.MaxEntries > 0 {
		s.maxEntries = cfg.MaxEntries
	}
}

func (s *Service) saveConfigFile(cfg FileConfig) error {
	if s.configPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.configPath), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.configPath, data, 0o644)
}
