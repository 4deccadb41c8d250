package httpapi

import (
	"errors"
	"net/http"

	"analysisd/internal/events"
	"analysisd/internal/store"
	"analysisd/pkg/apperror"
	"analysisd/pkg/passhash"
)

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	admin, r := s.requireAdmin(w, r)
	if admin == nil {
		return
	}
	users, err := s.store.Users.List(r.Context())
	if err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to list users"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	admin, r := s.requireAdmin(w, r)
	if admin == nil {
		return
	}

	var req createUserRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		writeError(w, apperror.New(apperror.CodeInvalidArgument, "Username, email and password are required"))
		return
	}
	if req.Role == "" {
		req.Role = store.RoleUser
	}
	if req.Role != store.RoleUser && req.Role != store.RoleAdmin {
		writeError(w, apperror.New(apperror.CodeInvalidArgument, "Invalid role").
			WithField("role", "must be user or admin", "enum"))
		return
	}

	hash, err := passhash.HashPassword(req.Password)
	if err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to hash password"))
		return
	}
	user := &store.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         req.Role,
	}
	if err := s.store.Users.Create(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			writeError(w, apperror.New(apperror.CodeAlreadyExists, "User already exists"))
			return
		}
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to create user"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	admin, r := s.requireAdmin(w, r)
	if admin == nil {
		return
	}

	userID := r.PathValue("id")
	if userID == admin.ID {
		writeError(w, apperror.New(apperror.CodeInvalidArgument, "Cannot delete your own account"))
		return
	}
	if err := s.store.Users.Delete(r.Context(), userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, apperror.New(apperror.CodeNotFound, "User not found"))
			return
		}
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to delete user"))
		return
	}

	// Sessions cascade in the store; force-close any live event streams.
	s.hub.DisconnectUser(userID)
	s.hub.BroadcastToAdminUsers(events.TypeUserDeleted, map[string]any{"userId": userID})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type setRoleRequest struct {
	Role string `json:"role"`
}

func (s *Server) handleSetUserRole(w http.ResponseWriter, r *http.Request) {
	admin, r := s.requireAdmin(w, r)
	if admin == nil {
		return
	}

	userID := r.PathValue("id")
	var req setRoleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Role != store.RoleUser && req.Role != store.RoleAdmin {
		writeError(w, apperror.New(apperror.CodeInvalidArgument, "Invalid role").
			WithField("role", "must be user or admin", "enum"))
		return
	}

	if err := s.store.Users.UpdateRole(r.Context(), userID, req.Role); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, apperror.New(apperror.CodeNotFound, "User not found"))
			return
		}
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to update role"))
		return
	}

	s.hub.SendToUser(userID, events.TypeUserRoleUpdated, map[string]any{"role": req.Role})
	s.hub.BroadcastToAdminUsers(events.TypeAdminUserRoleUpdated, map[string]any{
		"userId": userID,
		"role":   req.Role,
	})
	s.hub.RefreshInitDataForUser(userID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
