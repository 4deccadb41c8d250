package httpapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"analysisd/internal/store"
	"analysisd/pkg/apperror"
	"analysisd/pkg/logger"
	"analysisd/pkg/metrics"
	"analysisd/pkg/ratelimit"
)

type contextKey int

const (
	userKey contextKey = iota
)

// userFrom returns the authenticated user attached by requireUser.
func userFrom(ctx context.Context) *store.User {
	u, _ := ctx.Value(userKey).(*store.User)
	return u
}

// recoverMiddleware turns handler panics into 500 responses.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("Handler panicked", "panic", rec, "path", r.URL.Path)
				writeError(w, apperror.Newf(apperror.CodeInternal, "Internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// loggingWriter captures the response status for loggingMiddleware, which
// records each request to the system logger and metrics.
type loggingWriter struct {
	http.ResponseWriter
	status int
}

func (w *loggingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lw, r)
		elapsed := time.Since(start)

		if m := metrics.Get(); m != nil {
			// The matched pattern keeps the label space bounded; raw paths
			// embed analysis ids and would mint a series per analysis.
			m.ObserveHTTP(r.Method, routeLabel(r), lw.status, elapsed)
		}
		logger.Debug("Request handled",
			"method", r.Method, "path", r.URL.Path,
			"status", lw.status, "elapsed_ms", elapsed.Milliseconds())
	})
}

// routeLabel returns the mux pattern the request matched, without the
// method prefix. The mux fills r.Pattern during routing, so it is only
// available once the inner handler has run.
func routeLabel(r *http.Request) string {
	pattern := r.Pattern
	if pattern == "" {
		return "unmatched"
	}
	if _, route, ok := strings.Cut(pattern, " "); ok {
		return route
	}
	return pattern
}

// sessionUser resolves the session cookie into a user, or nil.
func (s *Server) sessionUser(r *http.Request) *store.User {
	cookie, err := r.Cookie(s.cookieName)
	if err != nil {
		return nil
	}
	token, err := s.jwt.Validate(cookie.Value)
	if err != nil {
		return nil
	}
	sess, err := s.store.Sessions.Get(r.Context(), token)
	if err != nil {
		return nil
	}
	user, err := s.store.Users.GetByID(r.Context(), sess.UserID)
	if err != nil {
		return nil
	}
	return user
}

// requireUser authenticates the request, writing a 401 when it fails.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (*store.User, *http.Request) {
	user := s.sessionUser(r)
	if user == nil {
		writeError(w, apperror.ErrUnauthenticated)
		return nil, r
	}
	return user, r.WithContext(context.WithValue(r.Context(), userKey, user))
}

// requireAdmin authenticates and checks the global admin role.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (*store.User, *http.Request) {
	user, r := s.requireUser(w, r)
	if user == nil {
		return nil, r
	}
	if !user.IsAdmin() {
		writeError(w, apperror.ErrForbidden)
		return nil, r
	}
	return user, r
}

// allow applies the rate limiter for one operation class; a false return
// means the 429 was already written. The auth class skips session probes.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, class ratelimit.Class, user *store.User) bool {
	if s.limiter == nil {
		return true
	}
	if class == ratelimit.ClassAuth && r.Method == http.MethodGet && r.URL.Path == "/api/auth/get-session" {
		return true
	}

	userID := ""
	if user != nil {
		userID = user.ID
	}
	key := ratelimit.Key(userID, clientIP(r))

	ok, info, err := s.limiter.Allow(class, key)
	if err != nil {
		logger.Warn("Rate limiter failed open", "class", class, "error", err)
		return true
	}
	if ok {
		return true
	}

	if m := metrics.Get(); m != nil {
		m.RateLimited.WithLabelValues(string(class)).Inc()
	}
	if info != nil && info.RetryAfter > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(info.RetryAfter))
	}
	writeError(w, apperror.ErrRateLimited)
	return false
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
