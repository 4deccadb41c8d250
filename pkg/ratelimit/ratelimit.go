// Package ratelimit implements per-class sliding-window request limiting
// keyed by authenticated user id or client IP.
package ratelimit

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Standard errors.
var (
	ErrLimiterClosed = errors.New("limiter is closed")
	ErrUnknownClass  = errors.New("unknown limiter class")
)

// Class identifies an operation category with its own window and limit.
type Class string

const (
	ClassFileOperation    Class = "fileOperation"
	ClassUpload           Class = "upload"
	ClassAnalysisRun      Class = "analysisRun"
	ClassDeletion         Class = "deletion"
	ClassVersionOperation Class = "versionOperation"
	ClassAuth             Class = "auth"
)

// ClassConfig holds the window and maximum for one class.
type ClassConfig struct {
	Window time.Duration `koanf:"window"`
	Max    int           `koanf:"max"`
}

// DefaultClasses returns the built-in per-class limits.
func DefaultClasses() map[Class]ClassConfig {
	return map[Class]ClassConfig{
		ClassFileOperation:    {Window: 15 * time.Minute, Max: 50},
		ClassUpload:           {Window: 15 * time.Minute, Max: 10},
		ClassAnalysisRun:      {Window: 5 * time.Minute, Max: 30},
		ClassDeletion:         {Window: 15 * time.Minute, Max: 20},
		ClassVersionOperation: {Window: 15 * time.Minute, Max: 100},
		ClassAuth:             {Window: 15 * time.Minute, Max: 20},
	}
}

// ClassesFromEnv returns the default limits with TEST_RATE_LIMIT_* overrides
// applied. Recognized variables, per class name upper-snake-cased:
//
//	TEST_RATE_LIMIT_<CLASS>_MAX        request count
//	TEST_RATE_LIMIT_<CLASS>_WINDOW_MS  window in milliseconds
func ClassesFromEnv() map[Class]ClassConfig {
	classes := DefaultClasses()
	for class, cfg := range classes {
		key := envKey(class)
		if v := os.Getenv("TEST_RATE_LIMIT_" + key + "_MAX"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				cfg.Max = n
			}
		}
		if v := os.Getenv("TEST_RATE_LIMIT_" + key + "_WINDOW_MS"); v != "" {
			if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
				cfg.Window = time.Duration(ms) * time.Millisecond
			}
		}
		classes[class] = cfg
	}
	return classes
}

// envKey converts a class name to UPPER_SNAKE: analysisRun -> ANALYSIS_RUN.
func envKey(class Class) string {
	var b strings.Builder
	for i, r := range string(class) {
		if r >= 'A' && r <= 'Z' && i > 0 {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

// Info describes the current state of a limit for one key.
type Info struct {
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

// Limiter checks whether requests within a class are allowed.
type Limiter interface {
	// Allow records a request for (class, key) and reports whether it is
	// within the class limit.
	Allow(class Class, key string) (bool, *Info, error)

	// Reset clears the window for (class, key).
	Reset(class Class, key string)

	// Close releases background resources.
	Close() error
}

// Key builds the limiter key: user id when authenticated, client IP
// otherwise.
func Key(userID, remoteIP string) string {
	if userID != "" {
		return "user:" + userID
	}
	if remoteIP != "" {
		return "ip:" + remoteIP
	}
	return "unknown"
}

func bucketKey(class Class, key string) string {
	return fmt.Sprintf("%s|%s", class, key)
}
