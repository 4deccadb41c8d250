package httpapi

import (
	"net/http"

	"analysisd/internal/dnscache"
	"analysisd/pkg/apperror"
)

func (s *Server) handleGetDNSConfig(w http.ResponseWriter, r *http.Request) {
	user, _ := s.requireAdmin(w, r)
	if user == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.dns.Config())
}

func (s *Server) handlePutDNSConfig(w http.ResponseWriter, r *http.Request) {
	user, r := s.requireAdmin(w, r)
	if user == nil {
		return
	}

	var update dnscache.ConfigUpdate
	if err := decodeBody(r, &update); err != nil {
		writeError(w, err)
		return
	}
	if update.TTL != nil && *update.TTL < 0 {
		writeError(w, apperror.New(apperror.CodeInvalidArgument, "TTL must not be negative").
			WithField("ttl", "must be >= 0", "range"))
		return
	}
	if update.MaxEntries != nil && *update.MaxEntries < 1 {
		writeError(w, apperror.New(apperror.CodeInvalidArgument, "Max entries must be positive").
			WithField("maxEntries", "must be >= 1", "range"))
		return
	}

	cfg, err := s.dns.UpdateConfig(update)
	if err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "Failed to persist DNS config"))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDNSEntries(w http.ResponseWriter, r *http.Request) {
	user, _ := s.requireAdmin(w, r)
	if user == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.dns.CacheEntries()})
}

func (s *Server) handleDNSStats(w http.ResponseWriter, r *http.Request) {
	user, _ := s.requireAdmin(w, r)
	if user == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.dns.StatsView())
}

func (s *Server) handleClearDNSCache(w http.ResponseWriter, r *http.Request) {
	user, _ := s.requireAdmin(w, r)
	if user == nil {
		return
	}
	removed := s.dns.ClearCache()
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}
