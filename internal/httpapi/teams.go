package httpapi

import (
	"database/sql"
	"errors"
	"net/http"

	"analysisd/internal/events"
	"analysisd/internal/permission"
	"analysisd/internal/store"
	"analysisd/pkg/apperror"
)

func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireUser(w, r)
	if user == nil {
		return
	}
	teams, err := s.store.Teams.List(r.Context())
	if err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to list teams"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"teams": teams})
}

type teamRequest struct {
	Name       string `json:"name"`
	Color      string `json:"color"`
	OrderIndex int    `json:"orderIndex"`
}

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireAdmin(w, r)
	if user == nil {
		return
	}

	var req teamRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, apperror.New(apperror.CodeInvalidArgument, "Name is required").
			WithField("name", "required", "required"))
		return
	}

	team := &store.Team{Name: req.Name, Color: req.Color, OrderIndex: req.OrderIndex}
	if err := s.store.Teams.Create(r.Context(), team); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			writeError(w, apperror.New(apperror.CodeAlreadyExists, "Team already exists"))
			return
		}
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to create team"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"team": team})
}

func (s *Server) handleUpdateTeam(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireAdmin(w, r)
	if user == nil {
		return
	}

	var req teamRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	team := &store.Team{
		ID:         r.PathValue("id"),
		Name:       req.Name,
		Color:      req.Color,
		OrderIndex: req.OrderIndex,
	}
	if err := s.store.Teams.Update(r.Context(), team); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, apperror.New(apperror.CodeNotFound, "Team not found"))
		case errors.Is(err, store.ErrAlreadyExists):
			writeError(w, apperror.New(apperror.CodeAlreadyExists, "Team already exists"))
		default:
			writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to update team"))
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"team": team})
}

// handleDeleteTeam removes a team; its analyses move to the reserved
// uncategorized team and the event reports where they went.
func (s *Server) handleDeleteTeam(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireAdmin(w, r)
	if user == nil {
		return
	}

	teamID := r.PathValue("id")
	if teamID == store.UncategorizedTeamID {
		writeError(w, apperror.New(apperror.CodeInvalidArgument, "Cannot delete the reserved team"))
		return
	}

	moved, err := s.store.Analyses.MoveTeamAnalyses(r.Context(), teamID, store.UncategorizedTeamID)
	if err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to move analyses"))
		return
	}
	if err := s.store.Teams.Delete(r.Context(), teamID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, apperror.New(apperror.CodeNotFound, "Team not found"))
			return
		}
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to delete team"))
		return
	}

	s.hub.BroadcastToAll(events.TypeTeamDeleted, map[string]any{
		"teamId":          teamID,
		"analysesMovedTo": store.UncategorizedTeamID,
		"movedAnalyses":   moved,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "analysesMovedTo": store.UncategorizedTeamID})
}

func (s *Server) handleGetTree(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireUser(w, r)
	if user == nil {
		return
	}
	teamID := r.PathValue("id")
	if !s.perms.Can(r.Context(), user, teamID, permission.ViewAnalyses) {
		writeError(w, apperror.ErrForbidden)
		return
	}

	tree, err := s.store.Tree.Build(r.Context(), teamID)
	if err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to build tree"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": tree})
}

type folderRequest struct {
	Name     string `json:"name"`
	ParentID string `json:"parentId"`
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireUser(w, r)
	if user == nil {
		return
	}
	teamID := r.PathValue("id")
	if !s.perms.Can(r.Context(), user, teamID, permission.EditAnalyses) {
		writeError(w, apperror.ErrForbidden)
		return
	}

	var req folderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, apperror.New(apperror.CodeInvalidArgument, "Name is required").
			WithField("name", "required", "required"))
		return
	}

	folder := &store.Folder{TeamID: teamID, ParentID: req.ParentID, Name: req.Name}
	if err := s.store.Tree.CreateFolder(r.Context(), folder); err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to create folder"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"folder": folder})
}

func (s *Server) handleRenameFolder(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireUser(w, r)
	if user == nil {
		return
	}
	teamID := r.PathValue("id")
	if !s.perms.Can(r.Context(), user, teamID, permission.EditAnalyses) {
		writeError(w, apperror.ErrForbidden)
		return
	}

	var req folderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.Tree.RenameFolder(r.Context(), r.PathValue("folderId"), req.Name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, apperror.New(apperror.CodeNotFound, "Folder not found"))
			return
		}
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to rename folder"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireUser(w, r)
	if user == nil {
		return
	}
	teamID := r.PathValue("id")
	if !s.perms.Can(r.Context(), user, teamID, permission.EditAnalyses) {
		writeError(w, apperror.ErrForbidden)
		return
	}
	if err := s.store.Tree.DeleteFolder(r.Context(), r.PathValue("folderId")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, apperror.New(apperror.CodeNotFound, "Folder not found"))
			return
		}
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to delete folder"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type moveTreeItemRequest struct {
	ItemID   string `json:"itemId"`
	ItemType string `json:"itemType"` // folder, analysis
	ParentID string `json:"parentId"` // "" = team root
}

// handleMoveTreeItem moves a folder or analysis leaf. The move is a single
// parent-pointer update inside a transaction, so the item never appears in
// two places.
func (s *Server) handleMoveTreeItem(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireUser(w, r)
	if user == nil {
		return
	}
	teamID := r.PathValue("id")
	if !s.perms.Can(r.Context(), user, teamID, permission.EditAnalyses) {
		writeError(w, apperror.ErrForbidden)
		return
	}

	var req moveTreeItemRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	err := s.store.WithTx(r.Context(), func(tx *sql.Tx) error {
		switch req.ItemType {
		case "folder":
			return s.store.Tree.MoveFolder(r.Context(), tx, req.ItemID, req.ParentID)
		case "analysis":
			return s.store.Tree.MoveAnalysis(r.Context(), tx, req.ItemID, req.ParentID)
		default:
			return apperror.New(apperror.CodeInvalidArgument, "Unknown item type").
				WithField("itemType", "must be folder or analysis", "enum")
		}
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, apperror.New(apperror.CodeNotFound, "Item not found"))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type membershipRequest struct {
	Permissions []string `json:"permissions"`
}

func (s *Server) handleSetMembership(w http.ResponseWriter, r *http.Request) {
	admin, r := s.requireAdmin(w, r)
	if admin == nil {
		return
	}

	teamID := r.PathValue("id")
	userID := r.PathValue("userId")

	var req membershipRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	for _, p := range req.Permissions {
		if !permission.Valid(permission.Permission(p)) {
			writeError(w, apperror.Newf(apperror.CodeInvalidArgument, "Unknown permission: %s", p).
				WithField("permissions", "unknown permission", "enum"))
			return
		}
	}
	if _, err := s.store.Users.GetByID(r.Context(), userID); err != nil {
		writeError(w, apperror.New(apperror.CodeNotFound, "Member not found"))
		return
	}
	if _, err := s.store.Teams.Get(r.Context(), teamID); err != nil {
		writeError(w, apperror.New(apperror.CodeNotFound, "Team not found"))
		return
	}

	m := &store.Membership{UserID: userID, TeamID: teamID, Permissions: req.Permissions}
	if err := s.store.Teams.SetMembership(r.Context(), m); err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to set membership"))
		return
	}

	s.hub.SendToUser(userID, events.TypeUserTeamsUpdated, map[string]any{
		"teamId":      teamID,
		"permissions": req.Permissions,
	})
	s.hub.RefreshInitDataForUser(userID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleRemoveMembership(w http.ResponseWriter, r *http.Request) {
	admin, r := s.requireAdmin(w, r)
	if admin == nil {
		return
	}

	teamID := r.PathValue("id")
	userID := r.PathValue("userId")

	if err := s.store.Teams.RemoveMembership(r.Context(), userID, teamID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, apperror.New(apperror.CodeNotFound, "Member not found"))
			return
		}
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to remove membership"))
		return
	}

	s.hub.SendToUser(userID, events.TypeUserTeamsUpdated, map[string]any{"teamId": teamID})
	s.hub.RefreshInitDataForUser(userID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
