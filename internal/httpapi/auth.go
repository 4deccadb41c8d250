package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"analysisd/internal/store"
	"analysisd/pkg/apperror"
	"analysisd/pkg/logger"
	"analysisd/pkg/logship"
	"analysisd/pkg/passhash"
	"analysisd/pkg/ratelimit"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, ratelimit.ClassAuth, nil) {
		return
	}

	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, apperror.New(apperror.CodeInvalidArgument, "Username and password are required").
			WithField("username", "required", "required"))
		return
	}

	user, err := s.store.Users.GetByUsername(r.Context(), req.Username)
	if err != nil {
		writeError(w, apperror.New(apperror.CodeUnauthenticated, "Invalid username or password"))
		return
	}
	ok, err := passhash.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to verify password"))
		return
	}
	if !ok {
		logship.Ship("warn", "login failed", map[string]any{"username": req.Username})
		writeError(w, apperror.New(apperror.CodeUnauthenticated, "Invalid username or password"))
		return
	}

	sessionTTL := 7 * 24 * time.Hour
	if s.cfg != nil && s.cfg.Auth.SessionTTL > 0 {
		sessionTTL = s.cfg.Auth.SessionTTL
	}
	sess := &store.Session{
		Token:     uuid.NewString(),
		UserID:    user.ID,
		ExpiresAt: time.Now().Add(sessionTTL).UTC(),
	}
	if err := s.store.Sessions.Create(r.Context(), sess); err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to create session"))
		return
	}

	cookieValue, err := s.jwt.Sign(sess.Token)
	if err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to sign session"))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    cookieValue,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	logger.Info("User logged in", "user_id", user.ID, "username", user.Username)
	logship.Ship("info", "login succeeded", map[string]any{
		"userId":   user.ID,
		"username": user.Username,
	})
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(s.cookieName); err == nil {
		if token, err := s.jwt.Validate(cookie.Value); err == nil {
			if err := s.store.Sessions.Delete(r.Context(), token); err != nil {
				logger.Warn("Failed to delete session", "error", err)
			}
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	user := s.sessionUser(r)
	if user == nil {
		writeError(w, apperror.ErrUnauthenticated)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}
