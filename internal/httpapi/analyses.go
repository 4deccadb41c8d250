package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"analysisd/internal/content"
	"analysisd/internal/events"
	"analysisd/internal/permission"
	"analysisd/internal/store"
	"analysisd/pkg/apperror"
	"analysisd/pkg/ratelimit"
	"analysisd/pkg/safepath"
)

// analysisView merges the stored index row with the supervisor's observed
// state.
type analysisView struct {
	*store.Analysis
	Status          string `json:"status"`
	PID             int    `json:"pid,omitempty"`
	RestartAttempts int    `json:"restartAttempts,omitempty"`
}

func (s *Server) view(a *store.Analysis) analysisView {
	st := s.sup.StateOf(a.ID)
	return analysisView{
		Analysis:        a,
		Status:          st.Status,
		PID:             st.PID,
		RestartAttempts: st.RestartAttempts,
	}
}

// loadAnalysis resolves {id}, checks the path-safety of the id, fetches the
// row and enforces perm on its team. A nil return means the response was
// already written.
func (s *Server) loadAnalysis(w http.ResponseWriter, r *http.Request, user *store.User, perm permission.Permission) *store.Analysis {
	id := r.PathValue("id")
	if !safepath.IsFilenameSafe(id) {
		writeError(w, apperror.ErrInvalidPath)
		return nil
	}
	analysis, err := s.store.Analyses.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, apperror.New(apperror.CodeNotFound, "Analysis not found"))
		} else {
			writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to load analysis"))
		}
		return nil
	}
	if !s.perms.Can(r.Context(), user, analysis.TeamID, perm) {
		writeError(w, apperror.ErrForbidden)
		return nil
	}
	return analysis
}

func (s *Server) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireUser(w, r)
	if user == nil {
		return
	}
	if !s.allow(w, r, ratelimit.ClassFileOperation, user) {
		return
	}

	teamIDs := s.perms.TeamIDs(r.Context(), user, permission.ViewAnalyses)
	analyses, err := s.store.Analyses.ListByTeams(r.Context(), teamIDs)
	if err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to list analyses"))
		return
	}

	views := make([]analysisView, 0, len(analyses))
	for _, a := range analyses {
		views = append(views, s.view(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyses": views})
}

type uploadRequest struct {
	Name     string `json:"name"`
	FileName string `json:"fileName"`
	Content  string `json:"content"`
	TeamID   string `json:"teamId"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireUser(w, r)
	if user == nil {
		return
	}
	if !s.allow(w, r, ratelimit.ClassUpload, user) {
		return
	}

	var req uploadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TeamID == "" {
		req.TeamID = store.UncategorizedTeamID
	}
	if req.Name == "" {
		writeError(w, apperror.New(apperror.CodeInvalidArgument, "Name is required").
			WithField("name", "required", "required"))
		return
	}
	if err := validateAnalysisName(req.Name); err != nil {
		writeError(w, err)
		return
	}
	if err := content.ValidateScriptName(req.FileName); err != nil {
		writeError(w, err)
		return
	}
	if !s.perms.Can(r.Context(), user, req.TeamID, permission.UploadAnalyses) {
		writeError(w, apperror.ErrForbidden)
		return
	}

	analysis := &store.Analysis{
		ID:      uuid.NewString(),
		Name:    req.Name,
		TeamID:  req.TeamID,
		Enabled: true,
	}
	if err := s.content.Save(analysis.ID, req.FileName, []byte(req.Content)); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.Analyses.Create(r.Context(), analysis); err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to index analysis"))
		return
	}

	viewers := s.perms.UsersWithTeamAccess(r.Context(), analysis.TeamID, permission.ViewAnalyses)
	s.hub.SendToUsers(viewers, events.TypeAnalysisCreated, s.view(analysis))
	writeJSON(w, http.StatusOK, map[string]any{"analysis": s.view(analysis)})
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
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

	data, fileName, err := s.content.Read(analysis.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content":  string(data),
		"fileName": fileName,
	})
}

type updateContentRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleUpdateContent(w http.ResponseWriter, r *http.Request) {
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

	var req updateContentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	newVersion, err := s.content.Update(analysis.ID, analysis.CurrentVersion, []byte(req.Content))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.Analyses.SetVersion(r.Context(), analysis.ID, newVersion); err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to record version"))
		return
	}

	restarted := s.restartIfRunning(r, analysis.ID)
	s.hub.BroadcastToSubscribers(analysis.ID, events.TypeAnalysisUpdated, map[string]any{
		"analysisId": analysis.ID,
		"version":    newVersion,
		"restarted":  restarted,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "restarted": restarted})
}

type renameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
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

	var req renameRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateAnalysisName(req.Name); err != nil {
		writeError(w, err)
		return
	}

	if err := s.store.Analyses.Rename(r.Context(), analysis.ID, req.Name); err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to rename analysis"))
		return
	}

	restarted := s.restartIfRunning(r, analysis.ID)
	s.hub.BroadcastToSubscribers(analysis.ID, events.TypeAnalysisRenamed, map[string]any{
		"analysisId": analysis.ID,
		"name":       req.Name,
		"restarted":  restarted,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "restarted": restarted})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireUser(w, r)
	if user == nil {
		return
	}
	if !s.allow(w, r, ratelimit.ClassDeletion, user) {
		return
	}
	analysis := s.loadAnalysis(w, r, user, permission.DeleteAnalyses)
	if analysis == nil {
		return
	}

	if err := s.sup.Remove(analysis.ID); err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to stop analysis"))
		return
	}
	if err := s.content.Delete(analysis.ID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.Analyses.Delete(r.Context(), analysis.ID); err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to delete analysis"))
		return
	}

	s.hub.BroadcastToSubscribers(analysis.ID, events.TypeAnalysisDeleted, map[string]any{
		"analysisId": analysis.ID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireUser(w, r)
	if user == nil {
		return
	}
	if !s.allow(w, r, ratelimit.ClassAnalysisRun, user) {
		return
	}
	analysis := s.loadAnalysis(w, r, user, permission.RunAnalyses)
	if analysis == nil {
		return
	}

	if err := s.sup.Start(r.Context(), analysis.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "state": s.sup.StateOf(analysis.ID)})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireUser(w, r)
	if user == nil {
		return
	}
	if !s.allow(w, r, ratelimit.ClassAnalysisRun, user) {
		return
	}
	analysis := s.loadAnalysis(w, r, user, permission.RunAnalyses)
	if analysis == nil {
		return
	}

	if err := s.sup.Stop(r.Context(), analysis.ID); err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to stop analysis"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "state": s.sup.StateOf(analysis.ID)})
}

type moveToTeamRequest struct {
	TeamID string `json:"teamId"`
}

func (s *Server) handleMoveToTeam(w http.ResponseWriter, r *http.Request) {
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

	var req moveToTeamRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TeamID == "" {
		req.TeamID = store.UncategorizedTeamID
	}
	if _, err := s.store.Teams.Get(r.Context(), req.TeamID); err != nil {
		writeError(w, apperror.New(apperror.CodeNotFound, "Team not found"))
		return
	}
	if !s.perms.Can(r.Context(), user, req.TeamID, permission.UploadAnalyses) {
		writeError(w, apperror.ErrForbidden)
		return
	}

	if err := s.store.Analyses.MoveToTeam(r.Context(), analysis.ID, req.TeamID); err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to move analysis"))
		return
	}

	s.hub.BroadcastToAll(events.TypeAnalysisMovedToTeam, map[string]any{
		"analysisId": analysis.ID,
		"teamId":     req.TeamID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type updateStatusRequest struct {
	Enabled bool `json:"enabled"`
	Stop    bool `json:"stop"`
}

// handleUpdateStatus is the administrative override: toggle the enabled
// flag and optionally record a manual stop (which also cancels any pending
// restart).
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireUser(w, r)
	if user == nil {
		return
	}
	analysis := s.loadAnalysis(w, r, user, permission.RunAnalyses)
	if analysis == nil {
		return
	}

	var req updateStatusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.sup.UpdateStatus(r.Context(), analysis.ID, req.Enabled, req.Stop); err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to update status"))
		return
	}
	s.hub.BroadcastAnalysisUpdate(analysis.ID, map[string]any{"enabled": req.Enabled})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "state": s.sup.StateOf(analysis.ID)})
}

// restartIfRunning bounces the analysis when it currently holds a child,
// reporting whether a restart happened.
func (s *Server) restartIfRunning(r *http.Request, analysisID string) bool {
	st := s.sup.StateOf(analysisID)
	if st.Status != "running" {
		return false
	}
	if err := s.sup.Stop(r.Context(), analysisID); err != nil {
		return false
	}
	if err := s.sup.Start(r.Context(), analysisID); err != nil {
		return false
	}
	return true
}

// validateAnalysisName rejects empty or over-long names and names with path
// separators or NUL bytes.
func validateAnalysisName(name string) error {
	if name == "" || len(name) > 255 {
		return apperror.New(apperror.CodeInvalidArgument, "Invalid name").
			WithField("name", "must be 1-255 characters", "length")
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return apperror.New(apperror.CodeInvalidArgument, "Invalid name").
			WithField("name", "must not contain path separators", "format")
	}
	return nil
}

// parseTimeRange maps the download filter onto a cutoff time.
func parseTimeRange(value string) (time.Time, error) {
	switch value {
	case "", "all":
		return time.Time{}, nil
	case "1h":
		return time.Now().Add(-time.Hour), nil
	case "24h":
		return time.Now().Add(-24 * time.Hour), nil
	case "7d":
		return time.Now().Add(-7 * 24 * time.Hour), nil
	case "30d":
		return time.Now().Add(-30 * 24 * time.Hour), nil
	default:
		return time.Time{}, apperror.New(apperror.CodeInvalidArgument, "Invalid time range").
			WithField("timeRange", "must be one of 1h, 24h, 7d, 30d, all", "enum")
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
