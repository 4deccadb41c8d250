// Package supervisor owns the per-analysis process lifecycle: spawn and
// kill, crash and connection-error classification, exponential-backoff
// restarts, and the wiring of child output into the log pipeline and the
// live-event fan-out.
package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"analysisd/internal/content"
	"analysisd/internal/dnsipc"
	"analysisd/internal/envfile"
	"analysisd/internal/events"
	"analysisd/internal/logpipe"
	"analysisd/internal/store"
	"analysisd/pkg/apperror"
	"analysisd/pkg/logger"
	"analysisd/pkg/logship"
	"analysisd/pkg/metrics"
)

// Status is the supervisor state of one analysis process instance.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusCrashed  Status = "crashed"
)

// APIStatus maps the machine state onto the three observed statuses the
// HTTP surface reports.
func (s Status) APIStatus() string {
	switch s {
	case StatusRunning, StatusStarting:
		return "running"
	case StatusCrashed:
		return "error"
	default:
		return "stopped"
	}
}

// connectionErrorMarker is the SDK reconnect-loop line that triggers a
// cooperative restart when seen on stdout.
const connectionErrorMarker = "Connection was closed, trying to reconnect"

// Config tunes the supervisor.
type Config struct {
	RunnerCommand       []string
	ForceKillTimeout    time.Duration
	InitialRestartDelay time.Duration
	MaxRestartDelay     time.Duration
	MaxMemoryLogs       int
	MaxLogFileSizeBytes int64
	ShortRunThreshold   time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ForceKillTimeout <= 0 {
		out.ForceKillTimeout = 5 * time.Second
	}
	if out.InitialRestartDelay <= 0 {
		out.InitialRestartDelay = 5 * time.Second
	}
	if out.MaxRestartDelay <= 0 {
		out.MaxRestartDelay = 60 * time.Second
	}
	if out.MaxMemoryLogs <= 0 {
		out.MaxMemoryLogs = logpipe.DefaultMaxMemoryLogs
	}
	if out.MaxLogFileSizeBytes <= 0 {
		out.MaxLogFileSizeBytes = logpipe.DefaultMaxFileSize
	}
	if out.ShortRunThreshold <= 0 {
		out.ShortRunThreshold = time.Second
	}
	return out
}

// process is the per-analysis aggregate. Its mutex serializes the critical
// sections of start, stop and cleanup; the isStarting latch (with its
// condition variable) keeps cleanup out of a half-finished spawn.
type process struct {
	id string

	mu   sync.Mutex
	cond *sync.Cond

	status          Status
	intendedState   string
	isStarting      bool
	cmd             *exec.Cmd
	pid             int
	startedAt       time.Time
	restartAttempts int
	restartTimer    *time.Timer
	connectionError bool
	generation      int
	exited          chan struct{} // closed when the current child has exited

	logs *logpipe.Pipeline
}

// Manager supervises all analyses. Operations on distinct analyses run in
// parallel; within one analysis the process mutex serializes them.
type Manager struct {
	cfg     Config
	store   *store.Store
	hub     *events.Hub
	content *content.Manager
	dns     dnsipc.Handler

	mu    sync.Mutex
	procs map[string]*process
}

// New creates the supervisor.
func New(cfg Config, st *store.Store, hub *events.Hub, cm *content.Manager, dns dnsipc.Handler) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		store:   st,
		hub:     hub,
		content: cm,
		dns:     dns,
		procs:   make(map[string]*process),
	}
}

// get returns (creating on first use) the aggregate for an analysis.
func (m *Manager) get(analysisID string) (*process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.procs[analysisID]; ok {
		return p, nil
	}
	logPath, err := m.content.LogPath(analysisID)
	if err != nil {
		return nil, err
	}
	p := &process{
		id:            analysisID,
		status:        StatusStopped,
		intendedState: store.IntendedStopped,
		logs:          logpipe.New(analysisID, logPath, m.cfg.MaxMemoryLogs, m.cfg.MaxLogFileSizeBytes),
	}
	p.cond = sync.NewCond(&p.mu)
	m.procs[analysisID] = p
	return p, nil
}

// InitializeLogState loads the persisted log file on first access,
// enforcing the startup size cap.
func (m *Manager) InitializeLogState(analysisID string) error {
	p, err := m.get(analysisID)
	if err != nil {
		return err
	}
	return p.logs.Initialize()
}

// GetMemoryLogs pages over the in-memory ring, newest first.
func (m *Manager) GetMemoryLogs(analysisID string, page, limit int) (logpipe.Page, error) {
	p, err := m.get(analysisID)
	if err != nil {
		return logpipe.Page{}, err
	}
	if err := p.logs.Initialize(); err != nil {
		return logpipe.Page{}, err
	}
	return p.logs.MemoryLogs(page, limit), nil
}

// Pipeline exposes an analysis's log pipeline (downloads, clears).
func (m *Manager) Pipeline(analysisID string) (*logpipe.Pipeline, error) {
	p, err := m.get(analysisID)
	if err != nil {
		return nil, err
	}
	if err := p.logs.Initialize(); err != nil {
		return nil, err
	}
	return p.logs, nil
}

// State is the observed runtime state reported for an analysis.
type State struct {
	Status          string `json:"status"`
	PID             int    `json:"pid,omitempty"`
	RestartAttempts int    `json:"restartAttempts,omitempty"`
	IntendedState   string `json:"intendedState"`
}

// StateOf returns the current observed state of one analysis.
func (m *Manager) StateOf(analysisID string) State {
	m.mu.Lock()
	p, ok := m.procs[analysisID]
	m.mu.Unlock()
	if !ok {
		return State{Status: string(StatusStopped), IntendedState: store.IntendedStopped}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		Status:          p.status.APIStatus(),
		PID:             p.pid,
		RestartAttempts: p.restartAttempts,
		IntendedState:   p.intendedState,
	}
}

// Start launches the analysis child process. Manual starts (operator
// initiated) reset the restart counter; scheduled restarts keep it so the
// backoff keeps growing across a crash loop.
func (m *Manager) Start(ctx context.Context, analysisID string) error {
	return m.start(ctx, analysisID, true)
}

func (m *Manager) start(ctx context.Context, analysisID string, manual bool) error {
	p, err := m.get(analysisID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.isStarting {
		p.mu.Unlock()
		return apperror.New(apperror.CodeAlreadyStarting, "Analysis is already starting")
	}
	if p.cmd != nil {
		p.mu.Unlock()
		return nil // one live child per analysis; already running
	}
	p.isStarting = true
	p.status = StatusStarting
	p.intendedState = store.IntendedRunning
	if manual {
		p.restartAttempts = 0
	}
	p.stopRestartTimerLocked()
	p.mu.Unlock()

	err = m.spawn(ctx, p)

	p.mu.Lock()
	p.isStarting = false
	if err != nil {
		p.status = StatusStopped
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	if err != nil {
		if m2 := metrics.Get(); m2 != nil {
			m2.AnalysisStarts.WithLabelValues("error").Inc()
		}
		return err
	}
	if m2 := metrics.Get(); m2 != nil {
		m2.AnalysisStarts.WithLabelValues("ok").Inc()
		m2.AnalysesRunning.Inc()
	}
	return nil
}

// spawn does the actual fork: environment, IPC plumbing, output readers
// and the exit waiter. Called with the isStarting latch held.
func (m *Manager) spawn(ctx context.Context, p *process) error {
	analysis, err := m.store.Analyses.Get(ctx, p.id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperror.New(apperror.CodeNotFound, "Analysis not found")
		}
		return apperror.Wrap(err, apperror.CodeInternal, "Failed to load analysis")
	}

	sourcePath, err := m.content.SourcePath(p.id)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeNotFound, "Analysis source not found")
	}
	dir, err := m.content.Dir(p.id)
	if err != nil {
		return err
	}

	if err := p.logs.Initialize(); err != nil {
		logger.Warn("Log state initialization failed", "analysis_id", p.id, "error", err)
	}

	envPath, err := m.content.EnvPath(p.id)
	if err != nil {
		return err
	}
	env, err := envfile.Load(envPath)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, "Failed to load environment")
	}

	// IPC plumbing: the child writes requests on fd 4 and reads responses
	// on fd 3; the parent holds the opposite ends.
	respR, respW, err := os.Pipe()
	if err != nil {
		return apperror.Wrap(err, apperror.CodeSpawnFailed, "Failed to create IPC pipe")
	}
	reqR, reqW, err := os.Pipe()
	if err != nil {
		respR.Close()
		respW.Close()
		return apperror.Wrap(err, apperror.CodeSpawnFailed, "Failed to create IPC pipe")
	}

	argv := append(append([]string{}, m.cfg.RunnerCommand...), sourcePath)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append([]string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"ANALYSIS_ID=" + p.id,
	}, env.Environ()...)
	cmd.ExtraFiles = []*os.File{respR, reqW} // child fd 3, fd 4

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closeAll(respR, respW, reqR, reqW)
		return apperror.Wrap(err, apperror.CodeSpawnFailed, "Failed to open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		closeAll(respR, respW, reqR, reqW)
		return apperror.Wrap(err, apperror.CodeSpawnFailed, "Failed to open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		closeAll(respR, respW, reqR, reqW)
		return apperror.Wrap(err, apperror.CodeSpawnFailed, "Failed to spawn analysis process")
	}

	// Child owns its ends now.
	respR.Close()
	reqW.Close()

	now := time.Now()
	p.mu.Lock()
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.startedAt = now
	p.status = StatusRunning
	p.connectionError = false
	p.generation++
	generation := p.generation
	p.exited = make(chan struct{})
	exited := p.exited
	p.mu.Unlock()

	if err := m.store.Analyses.TouchStart(ctx, p.id, now); err != nil {
		logger.Warn("Failed to stamp start time", "analysis_id", p.id, "error", err)
	}
	if err := m.store.Analyses.SetIntendedState(ctx, p.id, store.IntendedRunning, analysis.Enabled); err != nil {
		logger.Warn("Failed to persist intended state", "analysis_id", p.id, "error", err)
	}

	logger.Info("Analysis started", "analysis_id", p.id, "pid", cmd.Process.Pid)
	logship.Ship("info", "analysis started", map[string]any{
		"analysisId": p.id,
		"pid":        cmd.Process.Pid,
	})
	m.hub.BroadcastAnalysisUpdate(p.id, map[string]any{
		"status":  StatusRunning.APIStatus(),
		"enabled": analysis.Enabled,
		"pid":     cmd.Process.Pid,
	})

	// Reader tasks for the child's output and IPC, plus the exit waiter.
	// The waiter drains both output readers before reaping, so the log
	// entries preceding an exit are always recorded.
	ipcCtx, ipcCancel := context.WithCancel(context.Background())
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		m.readOutput(p, stdout, false)
	}()
	go func() {
		defer readers.Done()
		m.readOutput(p, stderr, true)
	}()
	go func() {
		defer reqR.Close()
		defer respW.Close()
		if err := dnsipc.Serve(ipcCtx, reqR, respW, m.dns); err != nil && ipcCtx.Err() == nil {
			logger.Debug("DNS IPC channel closed", "analysis_id", p.id, "error", err)
		}
	}()
	go func() {
		defer ipcCancel()
		readers.Wait()
		err := cmd.Wait()
		m.handleExit(p, generation, exitCode(err))
		close(exited)
	}()

	return nil
}

// Stop terminates the analysis cooperatively, escalating to a kill after
// the force-kill timeout. It returns only once the child has exited, and
// is idempotent once the analysis is stopped.
func (m *Manager) Stop(ctx context.Context, analysisID string) error {
	p, err := m.get(analysisID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	for p.isStarting {
		p.cond.Wait()
	}
	p.intendedState = store.IntendedStopped
	p.stopRestartTimerLocked()
	cmd := p.cmd
	exited := p.exited
	if cmd == nil {
		p.status = StatusStopped
		p.mu.Unlock()
		if err := m.store.Analyses.SetIntendedState(ctx, analysisID, store.IntendedStopped, true); err != nil {
			logger.Warn("Failed to persist intended state", "analysis_id", analysisID, "error", err)
		}
		return nil
	}
	p.status = StatusStopping
	p.mu.Unlock()

	if err := m.store.Analyses.SetIntendedState(ctx, analysisID, store.IntendedStopped, true); err != nil {
		logger.Warn("Failed to persist intended state", "analysis_id", analysisID, "error", err)
	}

	logger.Info("Stopping analysis", "analysis_id", analysisID, "pid", cmd.Process.Pid)
	logship.Ship("info", "analysis stop requested", map[string]any{
		"analysisId": analysisID,
		"pid":        cmd.Process.Pid,
	})
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Debug("SIGTERM failed, process likely gone", "analysis_id", analysisID, "error", err)
	}

	select {
	case <-exited:
	case <-time.After(m.cfg.ForceKillTimeout):
		logger.Warn("Force killing analysis", "analysis_id", analysisID, "pid", cmd.Process.Pid)
		if err := cmd.Process.Kill(); err != nil {
			logger.Debug("Kill failed, process likely gone", "analysis_id", analysisID, "error", err)
		}
		<-exited
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Cleanup unconditionally tears an analysis down: kill the child if alive,
// close the log file, clear the memory buffer and reset all status fields.
// It waits out a concurrent start's latch window before acting.
func (m *Manager) Cleanup(analysisID string) error {
	p, err := m.get(analysisID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	for p.isStarting {
		p.cond.Wait()
	}
	p.intendedState = store.IntendedStopped
	p.stopRestartTimerLocked()
	cmd := p.cmd
	exited := p.exited
	p.mu.Unlock()

	if cmd != nil {
		if err := cmd.Process.Kill(); err != nil {
			logger.Debug("Kill during cleanup failed", "analysis_id", analysisID, "error", err)
		}
		if exited != nil {
			select {
			case <-exited:
			case <-time.After(m.cfg.ForceKillTimeout):
				logger.Warn("Child did not exit after kill", "analysis_id", analysisID)
			}
		}
	}

	p.mu.Lock()
	p.cmd = nil
	p.pid = 0
	p.status = StatusStopped
	p.restartAttempts = 0
	p.connectionError = false
	p.mu.Unlock()

	p.logs.Close()
	p.logs.ResetMemory()
	logger.Info("Analysis cleaned up", "analysis_id", analysisID)
	logship.Ship("info", "analysis cleaned up", map[string]any{"analysisId": analysisID})
	return nil
}

// Remove cleans up and forgets an analysis entirely (delete).
func (m *Manager) Remove(analysisID string) error {
	if err := m.Cleanup(analysisID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.procs, analysisID)
	m.mu.Unlock()
	return nil
}

// UpdateStatus is the administrative override used by exit handling and
// the HTTP layer. An explicit manual stop sets the intended state to
// stopped; a connection-error transition must not touch it.
func (m *Manager) UpdateStatus(ctx context.Context, analysisID string, enabled bool, manualStop bool) error {
	p, err := m.get(analysisID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if manualStop {
		p.intendedState = store.IntendedStopped
		p.stopRestartTimerLocked()
	}
	intended := p.intendedState
	p.mu.Unlock()

	return m.store.Analyses.SetIntendedState(ctx, analysisID, intended, enabled)
}

// StopAll stops every running analysis; used on shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.procs))
	for id := range m.procs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.Stop(ctx, id); err != nil {
				logger.Warn("Failed to stop analysis on shutdown", "analysis_id", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

// RunningCount returns how many analyses currently hold a live child.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.procs {
		p.mu.Lock()
		if p.cmd != nil {
			n++
		}
		p.mu.Unlock()
	}
	return n
}

func (p *process) stopRestartTimerLocked() {
	if p.restartTimer != nil {
		p.restartTimer.Stop()
		p.restartTimer = nil
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}
