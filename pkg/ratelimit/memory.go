package ratelimit

import (
	"sync"
	"time"
)

// MemoryLimiter keeps sliding windows of request timestamps in memory.
// Single-node by design; the bucket table is owned by this value.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	classes map[Class]ClassConfig
	stopCh  chan struct{}
	closed  bool
}

type bucket struct {
	requests []time.Time
}

// NewMemoryLimiter creates a limiter with the given per-class limits and
// starts a background janitor that drops idle buckets.
func NewMemoryLimiter(classes map[Class]ClassConfig) *MemoryLimiter {
	if classes == nil {
		classes = DefaultClasses()
	}
	l := &MemoryLimiter{
		buckets: make(map[string]*bucket),
		classes: classes,
		stopCh:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(class Class, key string) (bool, *Info, error) {
	cfg, ok := l.classes[class]
	if !ok {
		return false, nil, ErrUnknownClass
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false, nil, ErrLimiterClosed
	}

	bk := bucketKey(class, key)
	b, ok := l.buckets[bk]
	if !ok {
		b = &bucket{}
		l.buckets[bk] = b
	}

	now := time.Now()
	windowStart := now.Add(-cfg.Window)

	valid := b.requests[:0]
	for _, t := range b.requests {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	b.requests = valid

	if len(b.requests) >= cfg.Max {
		retryAfter := cfg.Window - now.Sub(b.requests[0])
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, &Info{
			Limit:      cfg.Max,
			Remaining:  0,
			RetryAfter: retryAfter,
		}, nil
	}

	b.requests = append(b.requests, now)
	return true, &Info{
		Limit:     cfg.Max,
		Remaining: cfg.Max - len(b.requests),
	}, nil
}

// Reset implements Limiter.
func (l *MemoryLimiter) Reset(class Class, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, bucketKey(class, key))
}

// Close implements Limiter.
func (l *MemoryLimiter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.stopCh)
	l.buckets = nil
	return nil
}

func (l *MemoryLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *MemoryLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	// The longest class window bounds how long a timestamp stays relevant.
	var maxWindow time.Duration
	for _, cfg := range l.classes {
		if cfg.Window > maxWindow {
			maxWindow = cfg.Window
		}
	}
	cutoff := time.Now().Add(-2 * maxWindow)

	for key, b := range l.buckets {
		empty := true
		for _, t := range b.requests {
			if t.After(cutoff) {
				empty = false
				break
			}
		}
		if empty {
			delete(l.buckets, key)
		}
	}
}
