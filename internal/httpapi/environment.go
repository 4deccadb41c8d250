package httpapi

import (
	"net/http"

	"analysisd/internal/envfile"
	"analysisd/internal/events"
	"analysisd/internal/permission"
	"analysisd/pkg/apperror"
	"analysisd/pkg/ratelimit"
)

func (s *Server) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireUser(w, r)
	if user == nil {
		return
	}
	if !s.allow(w, r, ratelimit.ClassFileOperation, user) {
		return
	}
	analysis := s.loadAnalysis(w, r, user, permission.ViewAnalyses)
	if analysis == nil {
		return
	}

	envPath, err := s.content.EnvPath(analysis.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	f, err := envfile.Load(envPath)
	if err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to read environment"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"variables": f.Vars(),
		"raw":       f.String(),
	})
}

type putEnvironmentRequest struct {
	Variables map[string]string `json:"variables"`
}

func (s *Server) handlePutEnvironment(w http.ResponseWriter, r *http.Request) {
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

	var req putEnvironmentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	envPath, err := s.content.EnvPath(analysis.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	f, err := envfile.Load(envPath)
	if err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to read environment"))
		return
	}
	f.SetAll(req.Variables)
	if err := f.Save(envPath); err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to write environment"))
		return
	}

	restarted := s.restartIfRunning(r, analysis.ID)
	s.hub.BroadcastToSubscribers(analysis.ID, events.TypeAnalysisEnvUpdated, map[string]any{
		"analysisId": analysis.ID,
		"restarted":  restarted,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "restarted": restarted})
}
