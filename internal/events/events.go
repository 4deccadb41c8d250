// Package events is the live-event fan-out: it owns the SSE session set,
// per-session subscription state and the addressing helpers used by the
// supervisor and the HTTP layer. Delivery is best effort and in-memory;
// a slow session is dropped rather than blocking producers.
package events

import (
	"encoding/json"
	"sync"

	"analysisd/pkg/logger"
	"analysisd/pkg/metrics"
)

// Event types published over the live channel.
const (
	TypeInit                 = "init"
	TypeAnalysisUpdate       = "analysisUpdate"
	TypeAnalysisCreated      = "analysisCreated"
	TypeAnalysisDeleted      = "analysisDeleted"
	TypeAnalysisRenamed      = "analysisRenamed"
	TypeAnalysisStatus       = "analysisStatus"
	TypeAnalysisUpdated      = "analysisUpdated"
	TypeAnalysisEnvUpdated   = "analysisEnvironmentUpdated"
	TypeLog                  = "log"
	TypeLogsCleared          = "logsCleared"
	TypeAnalysisRolledBack   = "analysisRolledBack"
	TypeAnalysisMovedToTeam  = "analysisMovedToTeam"
	TypeTeamDeleted          = "teamDeleted"
	TypeUserRoleUpdated      = "userRoleUpdated"
	TypeAdminUserRoleUpdated = "adminUserRoleUpdated"
	TypeUserTeamsUpdated     = "userTeamsUpdated"
	TypeUserDeleted          = "userDeleted"
	TypeMetricsUpdate        = "metricsUpdate"
	TypeRefreshInitData      = "refreshInitData"
)

// DefaultQueueSize bounds each session's outgoing queue.
const DefaultQueueSize = 64

// Session is one open live-event connection from a single browser tab.
type Session struct {
	ID      string
	UserID  string
	IsAdmin bool

	mu     sync.Mutex
	subs   map[string]struct{}
	closed bool

	// Out carries framed messages to the HTTP writer goroutine. Closed by
	// the hub exactly once, on removal or overflow.
	Out chan []byte
}

// NewSession creates a session with the given queue capacity.
func NewSession(id, userID string, isAdmin bool, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Session{
		ID:      id,
		UserID:  userID,
		IsAdmin: isAdmin,
		subs:    make(map[string]struct{}),
		Out:     make(chan []byte, queueSize),
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.Out)
	}
}

// trySend enqueues without blocking. The session mutex orders sends
// against close, so a dropped session can never see a send-after-close.
func (s *Session) trySend(msg []byte) (sent, overflow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	select {
	case s.Out <- msg:
		return true, false
	default:
		return false, true
	}
}

// Subscribed reports whether the session follows the analysis.
func (s *Session) Subscribed(analysisID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[analysisID]
	return ok
}

// Hub owns the session map.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[string]*Session)}
}

// AddClient registers a session.
func (h *Hub) AddClient(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	if m := metrics.Get(); m != nil {
		m.SSESessions.Inc()
	}
	logger.Debug("SSE session added", "session_id", s.ID, "user_id", s.UserID)
}

// RemoveClient unregisters and closes a session. Safe to call twice.
func (h *Hub) RemoveClient(sessionID string) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	if m := metrics.Get(); m != nil {
		m.SSESessions.Dec()
	}
	logger.Debug("SSE session removed", "session_id", sessionID)
}

// Subscribe adds analysis ids to a session's subscription set.
func (h *Hub) Subscribe(sessionID string, analysisIDs []string) {
	h.withSession(sessionID, func(s *Session) {
		s.mu.Lock()
		for _, id := range analysisIDs {
			s.subs[id] = struct{}{}
		}
		s.mu.Unlock()
	})
}

// Unsubscribe removes analysis ids from a session's subscription set.
func (h *Hub) Unsubscribe(sessionID string, analysisIDs []string) {
	h.withSession(sessionID, func(s *Session) {
		s.mu.Lock()
		for _, id := range analysisIDs {
			delete(s.subs, id)
		}
		s.mu.Unlock()
	})
}

func (h *Hub) withSession(sessionID string, fn func(*Session)) {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if ok {
		fn(s)
	}
}

// SessionCount returns the number of open sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// frame builds the wire message: one JSON object per SSE data field.
func frame(eventType string, data any) []byte {
	payload := map[string]any{"type": eventType}
	if data != nil {
		payload["data"] = data
	}
	b, err := json.Marshal(payload)
	if err != nil {
		logger.Error("Failed to marshal event", "type", eventType, "error", err)
		return nil
	}
	return b
}

// deliver sends a frame to one session without blocking. On a full queue
// the session is dropped; the client reconnects and catches up from the
// permanent log file.
func (h *Hub) deliver(s *Session, eventType string, msg []byte) {
	sent, overflow := s.trySend(msg)
	if sent {
		if m := metrics.Get(); m != nil {
			m.SSEEventsTotal.WithLabelValues(eventType).Inc()
		}
		return
	}
	if overflow {
		logger.Warn("SSE session queue overflow, dropping session",
			"session_id", s.ID, "user_id", s.UserID)
		if m := metrics.Get(); m != nil {
			m.SSESessionDrops.Inc()
		}
		h.RemoveClient(s.ID)
	}
}

// BroadcastToSubscribers delivers an event to every session subscribed to
// the analysis.
func (h *Hub) BroadcastToSubscribers(analysisID, eventType string, data any) {
	msg := frame(eventType, data)
	if msg == nil {
		return
	}
	for _, s := range h.snapshot() {
		if s.Subscribed(analysisID) {
			h.deliver(s, eventType, msg)
		}
	}
}

// BroadcastToAll delivers an event to every open session.
func (h *Hub) BroadcastToAll(eventType string, data any) {
	msg := frame(eventType, data)
	if msg == nil {
		return
	}
	for _, s := range h.snapshot() {
		h.deliver(s, eventType, msg)
	}
}

// BroadcastToAdminUsers delivers an event to every session whose user has
// the admin role.
func (h *Hub) BroadcastToAdminUsers(eventType string, data any) {
	msg := frame(eventType, data)
	if msg == nil {
		return
	}
	for _, s := range h.snapshot() {
		if s.IsAdmin {
			h.deliver(s, eventType, msg)
		}
	}
}

// SendToUser delivers an event to all sessions of one user.
func (h *Hub) SendToUser(userID, eventType string, data any) {
	msg := frame(eventType, data)
	if msg == nil {
		return
	}
	for _, s := range h.snapshot() {
		if s.UserID == userID {
			h.deliver(s, eventType, msg)
		}
	}
}

// SendToUsers delivers an event to all sessions of the given users.
func (h *Hub) SendToUsers(userIDs []string, eventType string, data any) {
	msg := frame(eventType, data)
	if msg == nil {
		return
	}
	members := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		members[id] = true
	}
	for _, s := range h.snapshot() {
		if members[s.UserID] {
			h.deliver(s, eventType, msg)
		}
	}
}

// RefreshInitDataForUser signals a user's sessions to re-fetch their init
// bundle after a permission or team change.
func (h *Hub) RefreshInitDataForUser(userID string) {
	h.SendToUser(userID, TypeRefreshInitData, nil)
}

// DisconnectUser force-closes every session of one user (logout, delete).
func (h *Hub) DisconnectUser(userID string) {
	for _, s := range h.snapshot() {
		if s.UserID == userID {
			h.RemoveClient(s.ID)
		}
	}
}

func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// LogPayload is the data of a "log" event.
type LogPayload struct {
	FileName   string `json:"fileName"`
	Log        any    `json:"log"`
	TotalCount uint64 `json:"totalCount"`
}

// BroadcastLog publishes one captured log entry to the analysis's
// subscribers. The entry carries the sequence clients dedupe by.
func (h *Hub) BroadcastLog(analysisID, fileName string, entry any, totalCount uint64) {
	h.BroadcastToSubscribers(analysisID, TypeLog, LogPayload{
		FileName:   fileName,
		Log:        entry,
		TotalCount: totalCount,
	})
}

// AnalysisUpdatePayload is the data of an "analysisUpdate" event.
type AnalysisUpdatePayload struct {
	AnalysisID string `json:"analysisId"`
	Update     any    `json:"update"`
}

// BroadcastAnalysisUpdate publishes a lifecycle-state diff for an analysis.
func (h *Hub) BroadcastAnalysisUpdate(analysisID string, update any) {
	h.BroadcastToSubscribers(analysisID, TypeAnalysisUpdate, AnalysisUpdatePayload{
		AnalysisID: analysisID,
		Update:     update,
	})
}
