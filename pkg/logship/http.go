package logship

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"analysisd/pkg/logger"
)

// HTTPShipper posts batches of entries to a remote collector. Entries are
// buffered on a channel; a background loop flushes on batch size or period.
// When the buffer is full the entry is dropped and counted, never blocking
// the producer.
type HTTPShipper struct {
	cfg    *Config
	client *http.Client
	buffer chan *Entry
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	dropped int64
	closed  bool
}

// NewHTTPShipper creates an HTTP-backed shipper and starts its flush loop.
func NewHTTPShipper(cfg *Config) (*HTTPShipper, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("logship: http backend requires an endpoint")
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	s := &HTTPShipper{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		buffer: make(chan *Entry, bufferSize),
		done:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s, nil
}

// Ship implements Shipper.
func (s *HTTPShipper) Ship(entry *Entry) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShipperClosed
	}
	s.mu.Unlock()

	select {
	case s.buffer <- entry:
		return nil
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		return nil
	}
}

// Dropped returns how many entries were discarded due to a full buffer.
func (s *HTTPShipper) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close flushes remaining entries and stops the loop.
func (s *HTTPShipper) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	return nil
}

func (s *HTTPShipper) flushLoop() {
	defer s.wg.Done()

	flushPeriod := s.cfg.FlushPeriod
	if flushPeriod <= 0 {
		flushPeriod = 5 * time.Second
	}
	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	ticker := time.NewTicker(flushPeriod)
	defer ticker.Stop()

	batch := make([]*Entry, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.send(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-s.done:
			// Drain whatever is still buffered, then final flush.
			for {
				select {
				case entry := <-s.buffer:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case entry := <-s.buffer:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// send posts one batch. Failures are logged and the batch is discarded;
// shipping is best effort by contract.
func (s *HTTPShipper) send(batch []*Entry) {
	body, err := json.Marshal(batch)
	if err != nil {
		logger.Warn("logship: failed to marshal batch", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		logger.Warn("logship: failed to build request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		logger.Warn("logship: flush failed", "error", err, "entries", len(batch))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		logger.Warn("logship: collector rejected batch", "status", resp.StatusCode, "entries", len(batch))
	}
}
