// Package httpapi is the REST surface: thin dispatchers that authenticate,
// rate-limit and authorize each request, then delegate to the core
// components.
package httpapi

import (
	"net/http"

	"analysisd/internal/content"
	"analysisd/internal/dnscache"
	"analysisd/internal/events"
	"analysisd/internal/permission"
	"analysisd/internal/store"
	"analysisd/internal/supervisor"
	"analysisd/pkg/config"
	"analysisd/pkg/metrics"
	"analysisd/pkg/passhash"
	"analysisd/pkg/ratelimit"
	"analysisd/pkg/telemetry"
)

// Server holds the wired core components.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	perms      *permission.Resolver
	limiter    ratelimit.Limiter
	sup        *supervisor.Manager
	dns        *dnscache.Service
	hub        *events.Hub
	content    *content.Manager
	jwt        *passhash.JWTManager
	cookieName string
}

// Options wires a Server.
type Options struct {
	Config     *config.Config
	Store      *store.Store
	Resolver   *permission.Resolver
	Limiter    ratelimit.Limiter
	Supervisor *supervisor.Manager
	DNS        *dnscache.Service
	Hub        *events.Hub
	Content    *content.Manager
	JWT        *passhash.JWTManager
}

// New creates the HTTP server.
func New(opts Options) *Server {
	cookieName := "analysisd_session"
	if opts.Config != nil && opts.Config.Auth.CookieName != "" {
		cookieName = opts.Config.Auth.CookieName
	}
	return &Server{
		cfg:        opts.Config,
		store:      opts.Store,
		perms:      opts.Resolver,
		limiter:    opts.Limiter,
		sup:        opts.Supervisor,
		dns:        opts.DNS,
		hub:        opts.Hub,
		content:    opts.Content,
		jwt:        opts.JWT,
		cookieName: cookieName,
	}
}

// Handler assembles the route table behind the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health and metrics.
	mux.HandleFunc("GET /api/health", s.handleHealth)
	if s.cfg == nil || s.cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	// Auth.
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	mux.HandleFunc("GET /api/auth/get-session", s.handleGetSession)

	// Analyses.
	mux.HandleFunc("GET /api/analyses", s.handleListAnalyses)
	mux.HandleFunc("POST /api/analyses/upload", s.handleUpload)
	mux.HandleFunc("GET /api/analyses/{id}/content", s.handleGetContent)
	mux.HandleFunc("PUT /api/analyses/{id}", s.handleUpdateContent)
	mux.HandleFunc("PUT /api/analyses/{id}/rename", s.handleRename)
	mux.HandleFunc("DELETE /api/analyses/{id}", s.handleDelete)
	mux.HandleFunc("POST /api/analyses/{id}/run", s.handleRun)
	mux.HandleFunc("POST /api/analyses/{id}/stop", s.handleStop)
	mux.HandleFunc("PUT /api/analyses/{id}/team", s.handleMoveToTeam)
	mux.HandleFunc("PUT /api/analyses/{id}/status", s.handleUpdateStatus)

	// Logs.
	mux.HandleFunc("GET /api/analyses/{id}/logs", s.handleGetLogs)
	mux.HandleFunc("GET /api/analyses/{id}/logs/download", s.handleDownloadLogs)
	mux.HandleFunc("DELETE /api/analyses/{id}/logs", s.handleClearLogs)

	// Versions.
	mux.HandleFunc("GET /api/analyses/{id}/versions", s.handleListVersions)
	mux.HandleFunc("POST /api/analyses/{id}/rollback", s.handleRollback)

	// Environment.
	mux.HandleFunc("GET /api/analyses/{id}/environment", s.handleGetEnvironment)
	mux.HandleFunc("PUT /api/analyses/{id}/environment", s.handlePutEnvironment)

	// Live events.
	mux.HandleFunc("GET /api/sse/events", s.handleSSE)
	mux.HandleFunc("POST /api/sse/subscribe", s.handleSubscribe)
	mux.HandleFunc("POST /api/sse/unsubscribe", s.handleUnsubscribe)

	// DNS resolver admin surface.
	mux.HandleFunc("GET /api/dns/config", s.handleGetDNSConfig)
	mux.HandleFunc("PUT /api/dns/config", s.handlePutDNSConfig)
	mux.HandleFunc("GET /api/dns/entries", s.handleDNSEntries)
	mux.HandleFunc("GET /api/dns/stats", s.handleDNSStats)
	mux.HandleFunc("DELETE /api/dns/cache", s.handleClearDNSCache)

	// Teams and tree.
	mux.HandleFunc("GET /api/teams", s.handleListTeams)
	mux.HandleFunc("POST /api/teams", s.handleCreateTeam)
	mux.HandleFunc("PUT /api/teams/{id}", s.handleUpdateTeam)
	mux.HandleFunc("DELETE /api/teams/{id}", s.handleDeleteTeam)
	mux.HandleFunc("GET /api/teams/{id}/tree", s.handleGetTree)
	mux.HandleFunc("POST /api/teams/{id}/folders", s.handleCreateFolder)
	mux.HandleFunc("PUT /api/teams/{id}/folders/{folderId}", s.handleRenameFolder)
	mux.HandleFunc("DELETE /api/teams/{id}/folders/{folderId}", s.handleDeleteFolder)
	mux.HandleFunc("POST /api/teams/{id}/tree/move", s.handleMoveTreeItem)
	mux.HandleFunc("PUT /api/teams/{id}/members/{userId}", s.handleSetMembership)
	mux.HandleFunc("DELETE /api/teams/{id}/members/{userId}", s.handleRemoveMembership)

	// Users (admin).
	mux.HandleFunc("GET /api/users", s.handleListUsers)
	mux.HandleFunc("POST /api/users", s.handleCreateUser)
	mux.HandleFunc("DELETE /api/users/{id}", s.handleDeleteUser)
	mux.HandleFunc("PUT /api/users/{id}/role", s.handleSetUserRole)

	var handler http.Handler = mux
	handler = telemetry.Middleware(handler)
	handler = loggingMiddleware(handler)
	handler = recoverMiddleware(handler)
	return handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"name":    s.cfg.App.Name,
		"version": s.cfg.App.Version,
	})
}
