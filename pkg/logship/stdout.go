package logship

import (
	"encoding/json"
	"fmt"
	"sync"
)

// StdoutShipper prints entries to standard output, one JSON object per line,
// each prefixed with "[SHIP] ".
// Mainly useful in development and tests.
type StdoutShipper struct {
	cfg *Config
	mu  sync.Mutex
}

// NewStdoutShipper creates a stdout-backed shipper.
func NewStdoutShipper(cfg *Config) *StdoutShipper {
	return &StdoutShipper{cfg: cfg}
}

// Ship implements Shipper.
func (s *StdoutShipper) Ship(entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	fmt.Println("[SHIP]", string(data))
	return nil
}

// Close implements Shipper.
func (s *StdoutShipper) Close() error { return nil }
