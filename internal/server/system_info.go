package server

import (
	"log"
	"net/http"
	"strings"
)

// requireNodeEventAuth authenticates node-level diagnostic endpoints
// (/system-info, /quick-metrics). Unlike workspace endpoints, these accept
// only a node-management-audience JWT, presented as a bearer token or in the
// ?token= query parameter — there is no session-cookie fallback, since these are meant for the control plane
// and operator tooling rather than the browser UI.
func (s *Server) requireNodeEventAuth(w http.ResponseWriter, r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return false
	}

	if _, err := s.jwtValidator.ValidateNodeManagement(token); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return false
	}
	return true
}

// handleSystemInfo returns full system metrics for the node.
func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	if !s.requireNodeEventAuth(w, r) {
		return
	}

	if s.sysInfoCollector == nil {
		writeError(w, http.StatusServiceUnavailable, "system info collector not initialized")
		return
	}

	info, err := s.sysInfoCollector.Collect()
	if err != nil {
		log.Printf("System info collection error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to collect system info")
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// handleQuickMetrics returns the lightweight procfs-only metrics subset,
// the same data enriching the node heartbeat, for callers that want a cheap
// poll without a full Collect (which also shells out to docker).
func (s *Server) handleQuickMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.requireNodeEventAuth(w, r) {
		return
	}

	if s.sysInfoCollector == nil {
		writeError(w, http.StatusServiceUnavailable, "system info collector not initialized")
		return
	}

	metrics, err := s.sysInfoCollector.CollectQuick()
	if err != nil {
		log.Printf("Quick metrics collection error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to collect quick metrics")
		return
	}

	writeJSON(w, http.StatusOK, metrics)
}
