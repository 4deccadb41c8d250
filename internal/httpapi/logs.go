package httpapi

import (
	"fmt"
	"net/http"

	"analysisd/internal/content"
	"analysisd/internal/events"
	"analysisd/internal/permission"
	"analysisd/pkg/apperror"
	"analysisd/pkg/logger"
	"analysisd/pkg/ratelimit"
)

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireUser(w, r)
	if user == nil {
		return
	}
	analysis := s.loadAnalysis(w, r, user, permission.ViewAnalyses)
	if analysis == nil {
		return
	}

	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 50)

	result, err := s.sup.GetMemoryLogs(analysis.ID, page, limit)
	if err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to read logs"))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDownloadLogs(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireUser(w, r)
	if user == nil {
		return
	}
	if !s.allow(w, r, ratelimit.ClassFileOperation, user) {
		return
	}
	analysis := s.loadAnalysis(w, r, user, permission.DownloadAnalyses)
	if analysis == nil {
		return
	}

	since, err := parseTimeRange(r.URL.Query().Get("timeRange"))
	if err != nil {
		writeError(w, err)
		return
	}

	pipeline, err := s.sup.Pipeline(analysis.ID)
	if err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to open logs"))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", analysis.ID+"-"+content.LogFileName))
	if err := pipeline.WriteFileRange(w, since); err != nil {
		// Headers are already out; all we can do is log.
		logger.Warn("Log download aborted", "analysis_id", analysis.ID, "error", err)
	}
}

type clearLogsRequest struct {
	ClearMessage string `json:"clearMessage"`
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireUser(w, r)
	if user == nil {
		return
	}
	if !s.allow(w, r, ratelimit.ClassFileOperation, user) {
		return
	}
	analysis := s.loadAnalysis(w, r, user, permission.EditAnalyses)
	if analysis == nil {
		return
	}

	var req clearLogsRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	pipeline, err := s.sup.Pipeline(analysis.ID)
	if err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to open logs"))
		return
	}
	entry, err := pipeline.Clear(req.ClearMessage)
	if err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to clear logs"))
		return
	}

	payload := map[string]any{"analysisId": analysis.ID}
	if req.ClearMessage != "" {
		payload["clearMessage"] = req.ClearMessage
	}
	if entry != nil {
		payload["log"] = entry
	}
	s.hub.BroadcastToSubscribers(analysis.ID, events.TypeLogsCleared, payload)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireUser(w, r)
	if user == nil {
		return
	}
	if !s.allow(w, r, ratelimit.ClassVersionOperation, user) {
		return
	}
	analysis := s.loadAnalysis(w, r, user, permission.ViewAnalyses)
	if analysis == nil {
		return
	}

	versions, err := s.content.ListVersions(analysis.ID)
	if err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to list versions"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"versions":       versions,
		"currentVersion": analysis.CurrentVersion,
	})
}

type rollbackRequest struct {
	Version int `json:"version"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireUser(w, r)
	if user == nil {
		return
	}
	if !s.allow(w, r, ratelimit.ClassVersionOperation, user) {
		return
	}
	analysis := s.loadAnalysis(w, r, user, permission.EditAnalyses)
	if analysis == nil {
		return
	}

	var req rollbackRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Version < 1 {
		writeError(w, apperror.New(apperror.CodeInvalidArgument, "Invalid version").
			WithField("version", "must be positive", "range"))
		return
	}

	newVersion, err := s.content.Rollback(analysis.ID, analysis.CurrentVersion, req.Version)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.Analyses.SetVersion(r.Context(), analysis.ID, newVersion); err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to record version"))
		return
	}

	restarted := s.restartIfRunning(r, analysis.ID)
	s.hub.BroadcastToSubscribers(analysis.ID, events.TypeAnalysisRolledBack, map[string]any{
		"analysisId": analysis.ID,
		"version":    req.Version,
		"restarted":  restarted,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "restarted": restarted})
}
