package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"analysisd/internal/events"
	"analysisd/internal/permission"
	"analysisd/pkg/apperror"
	"analysisd/pkg/logger"
)

// handleSSE serves the live event stream. Only GET is routed here; the
// stream stays open until the client disconnects or the hub drops the
// session for falling behind.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireUser(w, r)
	if user == nil {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperror.New(apperror.CodeInternal, "Streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	queueSize := events.DefaultQueueSize
	if s.cfg != nil && s.cfg.Events.QueueSize > 0 {
		queueSize = s.cfg.Events.QueueSize
	}
	session := events.NewSession(uuid.NewString(), user.ID, user.IsAdmin(), queueSize)
	s.hub.AddClient(session)
	defer s.hub.RemoveClient(session.ID)

	// First frame: the init snapshot with this session's id, so the client
	// can address subscribe calls.
	init, err := s.initSnapshot(r, session.ID)
	if err != nil {
		logger.Warn("Failed to build init snapshot", "user_id", user.ID, "error", err)
	} else {
		fmt.Fprintf(w, "data: %s\n\n", init)
		flusher.Flush()
	}

	for {
		select {
		case msg, ok := <-session.Out:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// initSnapshot is the payload of the initial "init" event: the analyses
// visible to the user, their observed states and the per-team trees.
func (s *Server) initSnapshot(r *http.Request, sessionID string) ([]byte, error) {
	u := userFrom(r.Context())

	teamIDs := s.perms.TeamIDs(r.Context(), u, permission.ViewAnalyses)
	analyses, err := s.store.Analyses.ListByTeams(r.Context(), teamIDs)
	if err != nil {
		return nil, err
	}
	views := make([]analysisView, 0, len(analyses))
	for _, a := range analyses {
		views = append(views, s.view(a))
	}

	trees := make(map[string]any, len(teamIDs))
	for _, teamID := range teamIDs {
		tree, err := s.store.Tree.Build(r.Context(), teamID)
		if err != nil {
			logger.Warn("Failed to build tree", "team_id", teamID, "error", err)
			continue
		}
		trees[teamID] = tree
	}

	return json.Marshal(map[string]any{
		"type": events.TypeInit,
		"data": map[string]any{
			"sessionId": sessionID,
			"analyses":  views,
			"trees":     trees,
		},
	})
}

type subscribeRequest struct {
	SessionID   string   `json:"sessionId"`
	AnalysisIDs []string `json:"analysisIds"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireUser(w, r)
	if user == nil {
		return
	}

	var req subscribeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SessionID == "" {
		writeError(w, apperror.New(apperror.CodeInvalidArgument, "Session id is required").
			WithField("sessionId", "required", "required"))
		return
	}

	// Only analyses the user may view are subscribable.
	allowed := make([]string, 0, len(req.AnalysisIDs))
	for _, id := range req.AnalysisIDs {
		analysis, err := s.store.Analyses.Get(r.Context(), id)
		if err != nil {
			continue
		}
		if s.perms.Can(r.Context(), user, analysis.TeamID, permission.ViewAnalyses) {
			allowed = append(allowed, id)
		}
	}

	s.hub.Subscribe(req.SessionID, allowed)
	writeJSON(w, http.StatusOK, map[string]any{"subscribed": allowed})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireUser(w, r)
	if user == nil {
		return
	}

	var req subscribeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Unsubscribe(req.SessionID, req.AnalysisIDs)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
