package server

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/vm-workspaces/vm-agent/internal/acp"
	"github.com/vm-workspaces/vm-agent/internal/container"
	"github.com/vm-workspaces/vm-agent/internal/pty"
)

// WorkspaceRuntime describes the single workspace this agent process serves.
// Unlike the teacher's node-wide control plane, there is exactly one of
// these per process, built once from config at startup.
type WorkspaceRuntime struct {
	ID                  string
	Repository          string
	Branch              string
	WorkspaceDir        string
	ContainerLabelValue string
	ContainerWorkDir    string
	ContainerUser       string
	CallbackToken       string
	GitUserName         string
	GitUserEmail        string
	PTY                 *pty.Manager
	Status              string // "running" or "recovery"
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// getWorkspaceRuntime returns the server's single workspace runtime if the
// requested id matches it. The workspaceId path parameter is retained on
// routes and call sites for historical URL compatibility with the
// teacher's multi-workspace surface, even though there is only ever one.
func (s *Server) getWorkspaceRuntime(workspaceID string) (*WorkspaceRuntime, bool) {
	if s.workspace == nil {
		return nil, false
	}
	if workspaceID != "" && workspaceID != s.workspace.ID {
		return nil, false
	}
	return s.workspace, true
}

// requireWorkspaceRequestAuth validates that the caller holds either a
// session cookie matching this workspace or a workspace-scoped JWT, per
// SPEC_FULL.md's §4.6 authentication contract. On success with a bare
// token it also mints and sets a session cookie so subsequent requests
// can skip JWT validation.
func (s *Server) requireWorkspaceRequestAuth(w http.ResponseWriter, r *http.Request, workspaceID string) bool {
	session := s.sessionManager.GetSessionFromRequest(r)
	if session != nil {
		if session.Claims == nil || session.Claims.Workspace == "" || session.Claims.Workspace != workspaceID {
			writeError(w, http.StatusForbidden, "workspace claim mismatch")
			return false
		}
		return true
	}

	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return false
	}

	claims, err := s.jwtValidator.Validate(token)
	if err != nil || claims.Workspace != workspaceID {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return false
	}

	createdSession, err := s.sessionManager.CreateSession(claims)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return false
	}
	s.sessionManager.SetCookie(w, createdSession)
	return true
}

// callbackTokenForWorkspace returns the token used to authenticate callbacks
// to the control plane for this workspace, falling back to the process-wide
// configured token.
func (s *Server) callbackTokenForWorkspace(workspaceID string) string {
	if runtime, ok := s.getWorkspaceRuntime(workspaceID); ok {
		if token := strings.TrimSpace(runtime.CallbackToken); token != "" {
			return token
		}
	}
	return strings.TrimSpace(s.config.CallbackToken)
}

// ptyManagerContainerResolverForLabel builds a container resolver scoped to
// a specific devcontainer label value, falling back to candidate labels
// derived from configuration when none is supplied. Workspace-scoped
// lookups stay strict to avoid cross-container routing when multiple
// containers share repo-derived or legacy label values.
func (s *Server) ptyManagerContainerResolverForLabel(labelValue string) pty.ContainerResolver {
	if !s.config.ContainerMode {
		return nil
	}

	requestedLabel := strings.TrimSpace(labelValue)
	var labelCandidates []string
	if requestedLabel != "" {
		labelCandidates = containerLabelCandidates(requestedLabel)
	} else {
		labelCandidates = containerLabelCandidates(
			s.config.ContainerLabelValue,
			s.config.WorkspaceDir,
			"/workspace",
		)
	}
	if len(labelCandidates) == 0 {
		return nil
	}

	discoveries := make([]*container.Discovery, 0, len(labelCandidates))
	for _, candidate := range labelCandidates {
		discoveries = append(discoveries, container.NewDiscovery(container.Config{
			LabelKey:   s.config.ContainerLabelKey,
			LabelValue: candidate,
			CacheTTL:   s.config.ContainerCacheTTL,
		}))
	}

	return func() (string, error) {
		var lastErr error
		for _, discovery := range discoveries {
			containerID, err := discovery.GetContainerID()
			if err == nil {
				return containerID, nil
			}
			lastErr = err
		}
		if lastErr != nil {
			return "", lastErr
		}
		return "", nil
	}
}

func containerLabelCandidates(values ...string) []string {
	candidates := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		candidates = append(candidates, trimmed)
	}
	return candidates
}

// maxNodeEvents bounds the in-memory event ring. Not configurable: the
// dropped multi-workspace event-log REST surface was the only consumer
// that ever needed this tunable.
const maxNodeEvents = 500

// appendNodeEvent records a lightweight, in-memory diagnostic event. There is
// only ever one workspace, so unlike the teacher there is no per-workspace
// event index, just a single ring capped at maxNodeEvents.
//
// AppendEvent satisfies acp.EventAppender so the ACP gateway can emit events
// into this same ring without importing internal/server.
func (s *Server) AppendEvent(workspaceID, level, eventType, message string, detail map[string]interface{}) {
	s.appendNodeEvent(workspaceID, level, eventType, message, detail)
}

func (s *Server) appendNodeEvent(workspaceID, level, eventType, message string, detail map[string]interface{}) {
	event := EventRecord{
		ID:          randomEventID(),
		NodeID:      s.config.NodeID,
		WorkspaceID: workspaceID,
		Level:       level,
		Type:        eventType,
		Message:     message,
		Detail:      detail,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}

	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	s.events = append([]EventRecord{event}, s.events...)
	if len(s.events) > maxNodeEvents {
		s.events = s.events[:maxNodeEvents]
	}
}

func randomEventID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// stopSessionHost stops and removes the ACP session host for a session, if
// one is currently registered.
func (s *Server) stopSessionHost(workspaceID, sessionID string) {
	hostKey := workspaceID + ":" + sessionID
	s.sessionHostMu.Lock()
	host, ok := s.sessionHosts[hostKey]
	if ok {
		delete(s.sessionHosts, hostKey)
	}
	s.sessionHostMu.Unlock()

	if ok && host != nil {
		host.Stop()
	}
}

// stopAllSessionHosts stops every registered ACP session host. Used on
// server shutdown.
func (s *Server) stopAllSessionHosts() {
	s.sessionHostMu.Lock()
	hosts := make([]*acp.SessionHost, 0, len(s.sessionHosts))
	for key, host := range s.sessionHosts {
		hosts = append(hosts, host)
		delete(s.sessionHosts, key)
	}
	s.sessionHostMu.Unlock()

	for _, host := range hosts {
		if host != nil {
			host.Stop()
		}
	}
}
