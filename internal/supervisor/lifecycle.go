package supervisor

import (
	"bufio"
	"context"
	"io"
	"strings"
	"syscall"
	"time"

	"analysisd/internal/content"
	"analysisd/internal/logpipe"
	"analysisd/internal/store"
	"analysisd/pkg/logger"
	"analysisd/pkg/logship"
	"analysisd/pkg/metrics"
)

// readOutput consumes one of the child's output streams line by line.
// Stderr lines are prefixed before recording; stdout lines feed the
// connection-error heuristic.
func (m *Manager) readOutput(p *process, r io.Reader, isStderr bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")

		level := logpipe.LevelInfo
		message := line
		if isStderr {
			level = logpipe.LevelError
			message = "ERROR: " + line
		}

		entry := p.logs.Append(level, message)
		m.hub.BroadcastLog(p.id, content.LogFileName, entry, p.logs.TotalCount())

		if !isStderr && strings.Contains(line, connectionErrorMarker) {
			m.onConnectionError(p)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("Output stream closed", "analysis_id", p.id, "error", err)
	}
}

// onConnectionError flags the reconnect loop and nudges the child to exit
// cooperatively so the restart policy can take over.
func (m *Manager) onConnectionError(p *process) {
	p.mu.Lock()
	alreadyFlagged := p.connectionError
	p.connectionError = true
	cmd := p.cmd
	p.mu.Unlock()

	if alreadyFlagged || cmd == nil {
		return
	}
	logger.Warn("Connection error detected, restarting analysis", "analysis_id", p.id)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Debug("SIGTERM after connection error failed", "analysis_id", p.id, "error", err)
	}
}

// handleExit classifies a child exit and applies the restart policy.
func (m *Manager) handleExit(p *process, generation int, code int) {
	p.mu.Lock()
	if p.generation != generation {
		// A newer child already replaced this one; nothing to do.
		p.mu.Unlock()
		return
	}

	ranFor := time.Since(p.startedAt)
	p.cmd = nil
	p.pid = 0
	connErr := p.connectionError
	p.connectionError = false
	intended := p.intendedState

	switch {
	case code != 0 && intended == store.IntendedRunning:
		p.status = StatusCrashed
	default:
		p.status = StatusStopped
	}
	status := p.status
	p.mu.Unlock()

	p.logs.Close()

	if mt := metrics.Get(); mt != nil {
		mt.AnalysesRunning.Dec()
	}
	logger.Info("Analysis exited",
		"analysis_id", p.id, "code", code, "ran_for", ranFor, "intended", intended)
	shipLevel := "info"
	if code != 0 {
		shipLevel = "error"
	}
	logship.Ship(shipLevel, "analysis exited", map[string]any{
		"analysisId":      p.id,
		"exitCode":        code,
		"ranForMs":        ranFor.Milliseconds(),
		"intendedState":   intended,
		"connectionError": connErr,
	})

	m.hub.BroadcastAnalysisUpdate(p.id, map[string]any{
		"status": status.APIStatus(),
		"pid":    nil,
	})

	// Manual stop: no automatic restart.
	if intended == store.IntendedStopped {
		return
	}

	switch {
	case connErr:
		// Reconnection loop: unbounded exponential backoff.
		m.scheduleRestart(p, m.nextBackoff(p), "connection error")

	case code != 0:
		if mt := metrics.Get(); mt != nil {
			mt.AnalysisCrashes.Inc()
		}
		m.scheduleRestart(p, m.nextBackoff(p), "crash")

	case ranFor <= m.cfg.ShortRunThreshold:
		// A listener that exits cleanly almost immediately is a failure in
		// disguise; back off like a crash and tell the subscribers.
		entry := p.logs.Append(logpipe.LevelWarn,
			"Analysis exited immediately after start; scheduling restart")
		m.hub.BroadcastLog(p.id, content.LogFileName, entry, p.logs.TotalCount())
		m.scheduleRestart(p, m.nextBackoff(p), "short-lived exit")

	default:
		// A clean exit after a healthy run restarts at the initial delay
		// with the attempt counter back at zero.
		p.mu.Lock()
		p.restartAttempts = 0
		p.mu.Unlock()
		m.scheduleRestart(p, m.cfg.InitialRestartDelay, "clean exit")
	}
}

// nextBackoff increments the attempt counter and returns
// min(initial * 2^(attempts-1), max).
func (m *Manager) nextBackoff(p *process) time.Duration {
	p.mu.Lock()
	p.restartAttempts++
	attempts := p.restartAttempts
	p.mu.Unlock()

	delay := m.cfg.InitialRestartDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= m.cfg.MaxRestartDelay {
			return m.cfg.MaxRestartDelay
		}
	}
	if delay > m.cfg.MaxRestartDelay {
		delay = m.cfg.MaxRestartDelay
	}
	return delay
}

// scheduleRestart arms the restart timer. The timer is cancelled by Stop
// and Cleanup; the callback re-checks the intended state before forking.
func (m *Manager) scheduleRestart(p *process, delay time.Duration, reason string) {
	p.mu.Lock()
	if p.intendedState != store.IntendedRunning {
		p.mu.Unlock()
		return
	}
	p.stopRestartTimerLocked()
	attempts := p.restartAttempts
	p.restartTimer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		stillWanted := p.intendedState == store.IntendedRunning
		p.restartTimer = nil
		p.mu.Unlock()
		if !stillWanted {
			return
		}
		if mt := metrics.Get(); mt != nil {
			mt.AnalysisRestarts.Inc()
		}
		if err := m.start(context.Background(), p.id, false); err != nil {
			logger.Error("Scheduled restart failed", "analysis_id", p.id, "error", err)
		}
	})
	p.mu.Unlock()

	logger.Info("Restart scheduled",
		"analysis_id", p.id, "delay", delay, "attempts", attempts, "reason", reason)
	logship.Ship("warn", "analysis restart scheduled", map[string]any{
		"analysisId": p.id,
		"delayMs":    delay.Milliseconds(),
		"attempts":   attempts,
		"reason":     reason,
	})
}
