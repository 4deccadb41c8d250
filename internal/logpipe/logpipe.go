// Package logpipe captures child script output for one analysis: a bounded
// in-memory ring for fast paging, an append-only NDJSON file for replay,
// and the strictly increasing sequence counter the fan-out dedupes by.
package logpipe

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"analysisd/pkg/logger"
	"analysisd/pkg/metrics"
)

// Log levels.
const (
	LevelTrace = "trace"
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// DefaultMaxMemoryLogs bounds the in-memory ring.
const DefaultMaxMemoryLogs = 100

// DefaultMaxFileSize is the startup size cap on the persisted log file.
const DefaultMaxFileSize int64 = 50 * 1024 * 1024

// ClearedDueToSizeMessage is the synthetic entry written when the startup
// size check unlinks an oversized file.
const ClearedDueToSizeMessage = "Logs cleared due to size limit"

// Entry is one captured log line. Sequence is strictly increasing within
// an analysis and is the deduplication key downstream.
type Entry struct {
	Sequence uint64    `json:"sequence"`
	Time     time.Time `json:"time"`
	Level    string    `json:"level"`
	Message  string    `json:"msg"`
}

// Page is the result of a memory-log query.
type Page struct {
	Logs       []Entry `json:"logs"`
	HasMore    bool    `json:"hasMore"`
	TotalCount uint64  `json:"totalCount"`
}

// Pipeline owns the log state of one analysis. All methods are safe for
// concurrent use; the owning supervisor is the only writer in practice.
type Pipeline struct {
	mu sync.Mutex

	analysisID  string
	filePath    string
	file        *os.File
	ring        []Entry
	maxMemory   int
	maxFileSize int64
	seq         uint64
	total       uint64
	initialized bool
}

// New creates a pipeline for one analysis. Initialize must run before the
// first append or query.
func New(analysisID, filePath string, maxMemory int, maxFileSize int64) *Pipeline {
	if maxMemory <= 0 {
		maxMemory = DefaultMaxMemoryLogs
	}
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &Pipeline{
		analysisID:  analysisID,
		filePath:    filePath,
		maxMemory:   maxMemory,
		maxFileSize: maxFileSize,
	}
}

// Initialize loads persisted log state on first access after process
// startup. A file strictly over the size cap is unlinked and replaced with
// a single synthetic entry; otherwise the newest entries are reloaded into
// the ring and the counters restored. A missing file is not an error.
func (p *Pipeline) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}
	p.initialized = true

	info, err := os.Stat(p.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("logpipe: failed to stat log file: %w", err)
	}

	if info.Size() > p.maxFileSize {
		if err := os.Remove(p.filePath); err != nil {
			return fmt.Errorf("logpipe: failed to remove oversized log file: %w", err)
		}
		logger.Warn("Oversized analysis log unlinked",
			"analysis_id", p.analysisID, "size", info.Size())
		p.appendLocked(LevelWarn, ClearedDueToSizeMessage)
		return nil
	}

	f, err := os.Open(p.filePath)
	if err != nil {
		return fmt.Errorf("logpipe: failed to open log file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var count uint64
	var maxSeq uint64
	tail := make([]Entry, 0, p.maxMemory)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		count++
		if e.Sequence > maxSeq {
			maxSeq = e.Sequence
		}
		if len(tail) == p.maxMemory {
			copy(tail, tail[1:])
			tail = tail[:p.maxMemory-1]
		}
		tail = append(tail, e)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("logpipe: failed to read log file: %w", err)
	}

	p.ring = tail
	p.total = count
	if maxSeq > p.seq {
		p.seq = maxSeq
	}
	if count > p.seq {
		p.seq = count
	}
	return nil
}

// Append records one line from the child, returning the allocated entry.
// The file write is best effort: failures go to the system logger, never
// back to the script.
func (p *Pipeline) Append(level, message string) Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.appendLocked(level, message)
}

func (p *Pipeline) appendLocked(level, message string) Entry {
	p.seq++
	e := Entry{
		Sequence: p.seq,
		Time:     time.Now().UTC(),
		Level:    level,
		Message:  message,
	}

	if len(p.ring) == p.maxMemory {
		copy(p.ring, p.ring[1:])
		p.ring = p.ring[:p.maxMemory-1]
	}
	p.ring = append(p.ring, e)
	p.total++

	if m := metrics.Get(); m != nil {
		m.LogEntriesTotal.Inc()
	}

	if err := p.writeLine(e); err != nil {
		logger.Warn("Failed to persist analysis log entry",
			"analysis_id", p.analysisID, "error", err)
	}
	return e
}

func (p *Pipeline) writeLine(e Entry) error {
	if p.file == nil {
		if err := os.MkdirAll(filepath.Dir(p.filePath), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(p.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		p.file = f
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = p.file.Write(data)
	return err
}

// MemoryLogs pages over the ring, newest first. Page numbering starts at 1.
func (p *Pipeline) MemoryLogs(page, limit int) Page {
	p.mu.Lock()
	defer p.mu.Unlock()

	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = p.maxMemory
	}

	n := len(p.ring)
	start := (page - 1) * limit
	end := start + limit
	if start > n {
		start = n
	}
	if end > n {
		end = n
	}

	logs := make([]Entry, 0, end-start)
	// The ring is oldest-first; walk from the back.
	for i := n - 1 - start; i >= n-end; i-- {
		logs = append(logs, p.ring[i])
	}

	return Page{
		Logs:       logs,
		HasMore:    end < n,
		TotalCount: p.total,
	}
}

// TotalCount returns the number of entries recorded for this analysis.
func (p *Pipeline) TotalCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Clear truncates the file and ring. A non-empty clearMessage becomes the
// single initial entry of the cleared log, and is returned.
func (p *Pipeline) Clear(clearMessage string) (*Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file != nil {
		p.file.Close()
		p.file = nil
	}
	if err := os.Remove(p.filePath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("logpipe: failed to remove log file: %w", err)
	}

	p.ring = nil
	p.total = 0

	if clearMessage == "" {
		return nil, nil
	}
	e := p.appendLocked(LevelInfo, clearMessage)
	return &e, nil
}

// WriteFileRange streams persisted entries no older than since to w. The
// zero time streams the whole file. The output stays NDJSON.
func (p *Pipeline) WriteFileRange(w io.Writer, since time.Time) error {
	p.mu.Lock()
	path := p.filePath
	p.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	bw := bufio.NewWriter(w)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !since.IsZero() {
			var e Entry
			if err := json.Unmarshal(line, &e); err != nil {
				continue
			}
			if e.Time.Before(since) {
				continue
			}
		}
		if _, err := bw.Write(line); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return bw.Flush()
}

// Close closes the file handle. Counters stay so a restart of the same
// process instance keeps the sequence monotonic.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file != nil {
		p.file.Close()
		p.file = nil
	}
}

// ResetMemory drops the ring and the total count; the sequence counter is
// kept. Used by the supervisor's cleanup.
func (p *Pipeline) ResetMemory() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ring = nil
	p.total = 0
}
