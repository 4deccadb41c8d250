package logpipe

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipeline(t *testing.T, maxMemory int, maxFileSize int64) *Pipeline {
	t.Helper()
	path := filepath.Join(t.TempDir(), "analysis.log")
	p := New("a1", path, maxMemory, maxFileSize)
	require.NoError(t, p.Initialize())
	t.Cleanup(p.Close)
	return p
}

func TestSequenceIsStrictlyIncreasing(t *testing.T) {
	p := newTestPipeline(t, 10, 0)

	var last uint64
	for i := 0; i < 50; i++ {
		e := p.Append(LevelInfo, "line")
		assert.Greater(t, e.Sequence, last)
		last = e.Sequence
	}
}

func TestRingEvictsOldest(t *testing.T) {
	p := newTestPipeline(t, 3, 0)

	for i := 1; i <= 5; i++ {
		p.Append(LevelInfo, fmt.Sprintf("line %d", i))
	}

	page := p.MemoryLogs(1, 10)
	require.Len(t, page.Logs, 3)
	assert.Equal(t, "line 5", page.Logs[0].Message)
	assert.Equal(t, "line 3", page.Logs[2].Message)
	assert.Equal(t, uint64(5), page.TotalCount)
}

func TestMemoryLogsPagination(t *testing.T) {
	p := newTestPipeline(t, 10, 0)
	for i := 1; i <= 10; i++ {
		p.Append(LevelInfo, fmt.Sprintf("line %d", i))
	}

	page1 := p.MemoryLogs(1, 4)
	require.Len(t, page1.Logs, 4)
	assert.Equal(t, "line 10", page1.Logs[0].Message)
	assert.Equal(t, "line 7", page1.Logs[3].Message)
	assert.True(t, page1.HasMore)

	page3 := p.MemoryLogs(3, 4)
	require.Len(t, page3.Logs, 2)
	assert.Equal(t, "line 2", page3.Logs[0].Message)
	assert.Equal(t, "line 1", page3.Logs[1].Message)
	assert.False(t, page3.HasMore)

	empty := p.MemoryLogs(9, 4)
	assert.Empty(t, empty.Logs)
	assert.False(t, empty.HasMore)
}

func TestFileIsNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analysis.log")
	p := New("a1", path, 10, 0)
	require.NoError(t, p.Initialize())

	p.Append(LevelInfo, "hello")
	p.Append(LevelError, "ERROR: boom")
	p.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	var entries []Entry
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Sequence)
	assert.Equal(t, "info", entries[0].Level)
	assert.Equal(t, "ERROR: boom", entries[1].Message)
}

func TestInitializeReloadsTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analysis.log")

	first := New("a1", path, 3, 0)
	require.NoError(t, first.Initialize())
	for i := 1; i <= 5; i++ {
		first.Append(LevelInfo, fmt.Sprintf("line %d", i))
	}
	first.Close()

	second := New("a1", path, 3, 0)
	require.NoError(t, second.Initialize())

	page := second.MemoryLogs(1, 10)
	require.Len(t, page.Logs, 3)
	assert.Equal(t, "line 5", page.Logs[0].Message)
	assert.Equal(t, uint64(5), page.TotalCount)

	// New entries continue the persisted sequence.
	e := second.Append(LevelInfo, "line 6")
	assert.Equal(t, uint64(6), e.Sequence)
	second.Close()
}

func TestInitializeMissingFile(t *testing.T) {
	p := New("a1", filepath.Join(t.TempDir(), "absent.log"), 10, 0)
	assert.NoError(t, p.Initialize())
	assert.Equal(t, uint64(0), p.TotalCount())
}

func TestInitializeSizeCap(t *testing.T) {
	dir := t.TempDir()

	// Exactly at the cap: kept.
	keepPath := filepath.Join(dir, "keep.log")
	line := `{"sequence":1,"time":"2026-01-01T00:00:00Z","level":"info","msg":"x"}` + "\n"
	content := strings.Repeat(line, 4)
	require.NoError(t, os.WriteFile(keepPath, []byte(content), 0o644))

	kept := New("a1", keepPath, 10, int64(len(content)))
	require.NoError(t, kept.Initialize())
	assert.Equal(t, uint64(4), kept.TotalCount())
	kept.Close()

	// One byte over: unlinked and replaced by the synthetic entry.
	dropPath := filepath.Join(dir, "drop.log")
	require.NoError(t, os.WriteFile(dropPath, []byte(content), 0o644))

	dropped := New("a2", dropPath, 10, int64(len(content))-1)
	require.NoError(t, dropped.Initialize())

	page := dropped.MemoryLogs(1, 10)
	require.Len(t, page.Logs, 1)
	assert.Equal(t, ClearedDueToSizeMessage, page.Logs[0].Message)
	assert.Equal(t, uint64(1), page.TotalCount)
	dropped.Close()
}

func TestClear(t *testing.T) {
	p := newTestPipeline(t, 10, 0)
	for i := 0; i < 5; i++ {
		p.Append(LevelInfo, "line")
	}

	entry, err := p.Clear("Logs cleared by operator")
	require.NoError(t, err)
	require.NotNil(t, entry)

	page := p.MemoryLogs(1, 10)
	require.Len(t, page.Logs, 1)
	assert.Equal(t, "Logs cleared by operator", page.Logs[0].Message)
	assert.Equal(t, uint64(1), page.TotalCount)

	// Sequence keeps growing across a clear so dedup stays valid.
	assert.Greater(t, entry.Sequence, uint64(5))
}

func TestClearWithoutMessage(t *testing.T) {
	p := newTestPipeline(t, 10, 0)
	p.Append(LevelInfo, "line")

	entry, err := p.Clear("")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Empty(t, p.MemoryLogs(1, 10).Logs)
}

func TestWriteFileRange(t *testing.T) {
	p := newTestPipeline(t, 10, 0)
	p.Append(LevelInfo, "old")
	p.Append(LevelInfo, "new")

	var all bytes.Buffer
	require.NoError(t, p.WriteFileRange(&all, time.Time{}))
	assert.Equal(t, 2, strings.Count(all.String(), "\n"))

	var none bytes.Buffer
	require.NoError(t, p.WriteFileRange(&none, time.Now().Add(time.Hour)))
	assert.Empty(t, none.String())
}
