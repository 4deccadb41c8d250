package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analysisd/internal/content"
	"analysisd/internal/dnsipc"
	"analysisd/internal/events"
	"analysisd/internal/store"
)

// nopDNS answers IPC requests with a fixed failure; test scripts never
// resolve anything.
type nopDNS struct{}

func (nopDNS) Handle(_ context.Context, req *dnsipc.Request) *dnsipc.Response {
	return dnsipc.Failure(req, "resolver disabled in tests")
}

type harness struct {
	manager *Manager
	store   *store.Store
	hub     *events.Hub
	content *content.Manager
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, store.Config{Path: filepath.Join(t.TempDir(), "auth.db")})
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { st.Close() })

	cm := content.NewManager(t.TempDir())
	hub := events.NewHub()

	if len(cfg.RunnerCommand) == 0 {
		cfg.RunnerCommand = []string{"sh"}
	}
	m := New(cfg, st, hub, cm, nopDNS{})
	return &harness{manager: m, store: st, hub: hub, content: cm}
}

// addAnalysis indexes an analysis whose index.sh runs the given script.
func (h *harness) addAnalysis(t *testing.T, id, script string) {
	t.Helper()
	require.NoError(t, h.content.Save(id, "index.sh", []byte(script)))
	require.NoError(t, h.store.Analyses.Create(context.Background(), &store.Analysis{
		ID:      id,
		Name:    id,
		Enabled: true,
	}))
}

func TestStartAndStop(t *testing.T) {
	h := newHarness(t, Config{})
	h.addAnalysis(t, "a1", "sleep 30\n")

	require.NoError(t, h.manager.Start(context.Background(), "a1"))
	t.Cleanup(func() { _ = h.manager.Cleanup("a1") })

	st := h.manager.StateOf("a1")
	assert.Equal(t, "running", st.Status)
	assert.Greater(t, st.PID, 0)
	assert.Equal(t, store.IntendedRunning, st.IntendedState)
	assert.Equal(t, 1, h.manager.RunningCount())

	require.NoError(t, h.manager.Stop(context.Background(), "a1"))

	st = h.manager.StateOf("a1")
	assert.Equal(t, "stopped", st.Status)
	assert.Zero(t, st.PID)
	assert.Equal(t, store.IntendedStopped, st.IntendedState)

	// Stop after stop is a no-op returning success.
	require.NoError(t, h.manager.Stop(context.Background(), "a1"))
}

func TestStartUnknownAnalysis(t *testing.T) {
	h := newHarness(t, Config{})

	err := h.manager.Start(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestStartWhileRunningIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	h.addAnalysis(t, "a1", "sleep 30\n")

	require.NoError(t, h.manager.Start(context.Background(), "a1"))
	t.Cleanup(func() { _ = h.manager.Cleanup("a1") })

	pid := h.manager.StateOf("a1").PID
	require.NoError(t, h.manager.Start(context.Background(), "a1"))
	assert.Equal(t, pid, h.manager.StateOf("a1").PID, "no second child may be forked")
}

func TestOutputCapture(t *testing.T) {
	h := newHarness(t, Config{})
	h.addAnalysis(t, "a1", "echo hello\necho oops >&2\n")

	require.NoError(t, h.manager.Start(context.Background(), "a1"))
	t.Cleanup(func() { _ = h.manager.Cleanup("a1") })

	require.Eventually(t, func() bool {
		page, err := h.manager.GetMemoryLogs("a1", 1, 10)
		return err == nil && len(page.Logs) >= 2
	}, 5*time.Second, 20*time.Millisecond)

	_ = h.manager.Stop(context.Background(), "a1")

	page, err := h.manager.GetMemoryLogs("a1", 1, 10)
	require.NoError(t, err)

	var messages []string
	for _, e := range page.Logs {
		messages = append(messages, e.Message)
	}
	joined := strings.Join(messages, "\n")
	assert.Contains(t, joined, "hello")
	assert.Contains(t, joined, "ERROR: oops")

	// Sequences are strictly increasing in capture order (newest first in
	// the page).
	for i := 1; i < len(page.Logs); i++ {
		assert.Greater(t, page.Logs[i-1].Sequence, page.Logs[i].Sequence)
	}
}

func TestCrashSchedulesBackoffRestarts(t *testing.T) {
	h := newHarness(t, Config{
		InitialRestartDelay: 50 * time.Millisecond,
		MaxRestartDelay:     200 * time.Millisecond,
		ShortRunThreshold:   time.Millisecond,
	})
	h.addAnalysis(t, "a1", "exit 1\n")

	require.NoError(t, h.manager.Start(context.Background(), "a1"))
	t.Cleanup(func() { _ = h.manager.Cleanup("a1") })

	// The crash loop keeps incrementing the attempt counter across
	// scheduled restarts.
	require.Eventually(t, func() bool {
		return h.manager.StateOf("a1").RestartAttempts >= 2
	}, 5*time.Second, 10*time.Millisecond)

	st := h.manager.StateOf("a1")
	assert.Equal(t, store.IntendedRunning, st.IntendedState)
}

func TestManualStopCancelsScheduledRestart(t *testing.T) {
	h := newHarness(t, Config{
		InitialRestartDelay: 150 * time.Millisecond,
		MaxRestartDelay:     time.Second,
		ShortRunThreshold:   time.Millisecond,
	})
	h.addAnalysis(t, "a1", "exit 1\n")

	require.NoError(t, h.manager.Start(context.Background(), "a1"))

	// Wait for the first crash, then stop before the restart timer fires.
	require.Eventually(t, func() bool {
		return h.manager.StateOf("a1").RestartAttempts >= 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.manager.Stop(context.Background(), "a1"))

	attempts := h.manager.StateOf("a1").RestartAttempts
	time.Sleep(400 * time.Millisecond)

	st := h.manager.StateOf("a1")
	assert.Equal(t, "stopped", st.Status)
	assert.Equal(t, store.IntendedStopped, st.IntendedState)
	assert.Equal(t, attempts, st.RestartAttempts, "no further forks after stop")
	assert.Zero(t, h.manager.RunningCount())
}

func TestShortLivedCleanExitRestarts(t *testing.T) {
	h := newHarness(t, Config{
		InitialRestartDelay: 60 * time.Millisecond,
		MaxRestartDelay:     time.Second,
		ShortRunThreshold:   time.Second,
	})
	h.addAnalysis(t, "a1", "exit 0\n")

	require.NoError(t, h.manager.Start(context.Background(), "a1"))
	t.Cleanup(func() { _ = h.manager.Cleanup("a1") })

	require.Eventually(t, func() bool {
		return h.manager.StateOf("a1").RestartAttempts >= 1
	}, 5*time.Second, 10*time.Millisecond)

	// The failure notification lands in the log pipeline.
	page, err := h.manager.GetMemoryLogs("a1", 1, 50)
	require.NoError(t, err)
	found := false
	for _, e := range page.Logs {
		if strings.Contains(e.Message, "exited immediately") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestConnectionErrorHeuristic(t *testing.T) {
	h := newHarness(t, Config{
		InitialRestartDelay: 50 * time.Millisecond,
		MaxRestartDelay:     time.Second,
		ShortRunThreshold:   time.Millisecond,
	})
	h.addAnalysis(t, "a1", fmt.Sprintf("echo %q\nsleep 30\n", connectionErrorMarker))

	require.NoError(t, h.manager.Start(context.Background(), "a1"))
	t.Cleanup(func() { _ = h.manager.Cleanup("a1") })

	// The marker line triggers a cooperative kill and a scheduled restart;
	// the intended state stays running throughout.
	require.Eventually(t, func() bool {
		return h.manager.StateOf("a1").RestartAttempts >= 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, store.IntendedRunning, h.manager.StateOf("a1").IntendedState)

	require.NoError(t, h.manager.Stop(context.Background(), "a1"))
}

func TestCleanupResetsEverything(t *testing.T) {
	h := newHarness(t, Config{})
	h.addAnalysis(t, "a1", "echo hello\nsleep 30\n")

	require.NoError(t, h.manager.Start(context.Background(), "a1"))
	require.Eventually(t, func() bool {
		page, err := h.manager.GetMemoryLogs("a1", 1, 10)
		return err == nil && len(page.Logs) > 0
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, h.manager.Cleanup("a1"))

	st := h.manager.StateOf("a1")
	assert.Equal(t, "stopped", st.Status)
	assert.Zero(t, st.PID)
	assert.Zero(t, st.RestartAttempts)
	assert.Zero(t, h.manager.RunningCount())
}

func TestBackoffCapsAtMax(t *testing.T) {
	m := New(Config{
		InitialRestartDelay: 5 * time.Second,
		MaxRestartDelay:     60 * time.Second,
	}, nil, events.NewHub(), content.NewManager(""), nopDNS{})

	p := &process{}

	expected := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second,
		40 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for i, want := range expected {
		got := m.nextBackoff(p)
		assert.Equal(t, want, got, "attempt %d", i+1)
	}
}
