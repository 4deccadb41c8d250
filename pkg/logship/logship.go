// Package logship implements best-effort shipping of structured system log
// events to a remote sink, with buffering and periodic batch flushes.
package logship

import (
	"context"
	"errors"
	"time"
)

// ErrShipperClosed is returned when an event is offered to a closed shipper.
var ErrShipperClosed = errors.New("shipper is closed")

// Entry is one shipped log event.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Shipper delivers entries to a sink. Delivery is best effort: a full
// buffer drops the entry rather than blocking the caller.
type Shipper interface {
	// Ship enqueues one entry. Never blocks.
	Ship(entry *Entry) error

	// Close flushes buffered entries and releases resources.
	Close() error
}

// Config configures a shipper.
type Config struct {
	Enabled     bool
	Backend     string // stdout, http
	Endpoint    string // http backend target
	BufferSize  int
	BatchSize   int
	FlushPeriod time.Duration
	Timeout     time.Duration // per-request timeout for the http backend
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		Backend:     "stdout",
		BufferSize:  1000,
		BatchSize:   100,
		FlushPeriod: 5 * time.Second,
		Timeout:     5 * time.Second,
	}
}

// New creates a shipper for the configured backend.
func New(cfg *Config) (Shipper, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled {
		return NopShipper{}, nil
	}
	switch cfg.Backend {
	case "http":
		return NewHTTPShipper(cfg)
	default:
		return NewStdoutShipper(cfg), nil
	}
}

// NopShipper discards everything.
type NopShipper struct{}

// Ship implements Shipper.
func (NopShipper) Ship(*Entry) error { return nil }

// Close implements Shipper.
func (NopShipper) Close() error { return nil }

// global shipper, optional; components ship through it when set.
var global Shipper = NopShipper{}

// SetGlobal installs the process-wide shipper.
func SetGlobal(s Shipper) {
	if s == nil {
		s = NopShipper{}
	}
	global = s
}

// Ship sends an entry through the process-wide shipper.
func Ship(level, msg string, fields map[string]any) {
	_ = global.Ship(&Entry{
		Time:    time.Now(),
		Level:   level,
		Message: msg,
		Fields:  fields,
	})
}

// contextKey avoids collisions in context values.
type contextKey struct{}

// WithShipper attaches a shipper to the context.
func WithShipper(ctx context.Context, s Shipper) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the context shipper or the global one.
func FromContext(ctx context.Context) Shipper {
	if s, ok := ctx.Value(contextKey{}).(Shipper); ok {
		return s
	}
	return global
}
