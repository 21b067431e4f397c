package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vm-workspaces/vm-agent/internal/acp"
)

func writeSessionError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, map[string]string{
		"error":   code,
		"message": message,
	})
}

// authenticateAgentWebsocket authenticates a WebSocket upgrade request using
// the same session-cookie-or-query-token pattern the terminal WS endpoints
// use, since there is only ever one workspace for the JWT's claims to match.
func (s *Server) authenticateAgentWebsocket(w http.ResponseWriter, r *http.Request) bool {
	session := s.sessionManager.GetSessionFromRequest(r)
	if session != nil {
		return true
	}

	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}

	claims, err := s.jwtValidator.Validate(token)
	if err != nil {
		log.Printf("Agent WebSocket auth failed: %v", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}

	if _, err := s.sessionManager.CreateSession(claims); err != nil {
		log.Printf("Failed to create session: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return false
	}
	return true
}

// handleAgentWS handles WebSocket connections for ACP agent communication.
// Multiple viewers can connect to the same session simultaneously.
// The agent process lives in a SessionHost which persists independently of
// any browser connection — it is only stopped via an explicit Stop or Suspend.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	workspaceID := s.config.WorkspaceID

	if !s.authenticateAgentWebsocket(w, r) {
		return
	}

	runtime, ok := s.getWorkspaceRuntime(workspaceID)
	if !ok {
		writeSessionError(w, http.StatusServiceUnavailable, "workspace_unavailable", "Workspace is not available")
		return
	}

	requestedSessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	idempotencyKey := strings.TrimSpace(r.URL.Query().Get("idempotencyKey"))
	autoCreateSession := requestedSessionID == ""

	if autoCreateSession {
		requestedSessionID = "session-" + randomEventID()
	}

	session, exists := s.agentSessions.Get(workspaceID, requestedSessionID)
	if !exists {
		worktreePath := strings.TrimSpace(r.URL.Query().Get("worktree"))
		created, _, err := s.agentSessions.Create(workspaceID, requestedSessionID, "", idempotencyKey, worktreePath)
		if err != nil {
			writeSessionError(w, http.StatusConflict, "session_create_failed", err.Error())
			return
		}
		session = created

		// Hydrate AcpSessionID from SQLite persistence if available.
		if s.store != nil {
			if tabs, tabErr := s.store.ListTabs(workspaceID); tabErr == nil {
				for _, tab := range tabs {
					if tab.ID == requestedSessionID && tab.AcpSessionID != "" {
						session.AcpSessionID = tab.AcpSessionID
						session.AgentType = tab.AgentID
						_ = s.agentSessions.UpdateAcpSessionID(workspaceID, requestedSessionID, tab.AcpSessionID, tab.AgentID)
						log.Printf("Workspace %s: hydrated AcpSessionID=%s agentType=%s from SQLite for session %s",
							workspaceID, tab.AcpSessionID, tab.AgentID, requestedSessionID)
						break
					}
				}
			}
		}

		if autoCreateSession {
			s.appendNodeEvent(workspaceID, "info", "agent.session_created", "Agent session created for websocket attach", map[string]interface{}{
				"sessionId": requestedSessionID,
			})
		} else {
			s.appendNodeEvent(workspaceID, "warn", "agent.session_recovered", "Agent session was missing and has been recreated", map[string]interface{}{
				"sessionId": requestedSessionID,
			})
		}
	}

	if session.Status != AgentSessionStatusRunning {
		writeSessionError(w, http.StatusConflict, "session_not_running", "Requested session is not running")
		return
	}

	// Get or create SessionHost for this session.
	// The SessionHost persists independently of any WebSocket connection.
	hostKey := workspaceID + ":" + requestedSessionID
	host := s.getOrCreateSessionHost(hostKey, workspaceID, requestedSessionID, session, runtime)

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ACP WebSocket upgrade failed: %v", err)
		return
	}

	// Post-upgrade race check: if session was stopped between request and upgrade
	postUpgradeSession, postUpgradeExists := s.agentSessions.Get(workspaceID, requestedSessionID)
	if !postUpgradeExists || postUpgradeSession.Status != AgentSessionStatusRunning {
		_ = conn.WriteJSON(map[string]string{
			"error":   "session_not_running",
			"message": "Requested session is not running",
		})
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session_not_running"),
			time.Now().Add(5*time.Second),
		)
		_ = conn.Close()
		return
	}

	// Attach as a viewer — multiple viewers can connect simultaneously.
	// The SessionHost replays all buffered messages to the new viewer.
	viewerID := "viewer-" + randomEventID()
	viewer := host.AttachViewer(viewerID, conn)
	if viewer == nil {
		// Session was stopped between getOrCreate and attach
		_ = conn.WriteJSON(map[string]string{
			"error":   "session_not_running",
			"message": "Session was stopped",
		})
		_ = conn.Close()
		return
	}

	s.appendNodeEvent(workspaceID, "info", "agent.websocket_connected", "Agent WebSocket connected", map[string]interface{}{
		"sessionId":          requestedSessionID,
		"viewerId":           viewerID,
		"viewerCount":        host.ViewerCount(),
		"hasPreviousSession": session.AcpSessionID != "",
		"previousAcpSession": session.AcpSessionID,
		"previousAgentType":  session.AgentType,
	})

	// Run the thin read loop, relaying WebSocket messages to the SessionHost
	// (blocks until the WebSocket closes or the write pump fails).
	runAgentWSReadLoop(host, conn, viewer, viewerID)

	// Detach the viewer — agent continues running in the SessionHost
	host.DetachViewer(viewerID)

	s.appendNodeEvent(workspaceID, "info", "agent.websocket_disconnected", "Agent WebSocket disconnected", map[string]interface{}{
		"sessionId":   requestedSessionID,
		"viewerId":    viewerID,
		"viewerCount": host.ViewerCount(),
	})
}

// runAgentWSReadLoop reads messages off an attached viewer's WebSocket
// connection and relays them to the SessionHost. It is a thin relay — the
// SessionHost owns the agent process and all session state; this loop only
// classifies inbound messages and routes them to the right SessionHost call.
//
// It returns once the connection errors out (browser disconnect) or the
// viewer's write pump fails, whichever happens first. A side goroutine
// watches viewer.Done() and closes the connection to unblock the blocking
// ReadMessage() call below when the write pump gives up first.
func runAgentWSReadLoop(host *acp.SessionHost, conn *websocket.Conn, viewer *acp.Viewer, viewerID string) {
	readLoopDone := make(chan struct{})
	defer close(readLoopDone)

	go func() {
		select {
		case <-viewer.Done():
			_ = conn.Close()
		case <-readLoopDone:
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		if isControl, controlType := acp.ParseWebSocketMessage(data); isControl {
			if controlType == acp.MsgSelectAgent {
				var msg acp.SelectAgentMessage
				if err := json.Unmarshal(data, &msg); err == nil {
					go host.SelectAgent(context.Background(), msg.AgentType)
				}
			} else if controlType == acp.MsgPing {
				host.SendPongToViewer(viewerID)
			}
			continue
		}

		var rpcMsg struct {
			JSONRPC string          `json:"jsonrpc"`
			Method  string          `json:"method"`
			ID      json.RawMessage `json:"id,omitempty"`
			Params  json.RawMessage `json:"params,omitempty"`
		}
		if err := json.Unmarshal(data, &rpcMsg); err != nil {
			continue
		}

		switch rpcMsg.Method {
		case "session/prompt":
			go host.HandlePrompt(context.Background(), rpcMsg.ID, rpcMsg.Params, viewerID)
		case "session/cancel":
			host.CancelPrompt()
		default:
			// Forward unrecognized messages to the agent stdin (fallback)
			host.ForwardToAgent(data)
		}
	}
}

// getOrCreateSessionHost returns an existing SessionHost or creates a new one.
func (s *Server) getOrCreateSessionHost(hostKey, workspaceID, sessionID string, session AgentSession, runtime *WorkspaceRuntime) *acp.SessionHost {
	s.sessionHostMu.Lock()
	defer s.sessionHostMu.Unlock()

	if host, ok := s.sessionHosts[hostKey]; ok {
		return host
	}

	cfg := s.acpConfig
	cfg.WorkspaceID = workspaceID
	cfg.SessionID = sessionID
	cfg.SessionManager = s.agentSessions
	if s.store != nil {
		cfg.TabStore = s.store
		cfg.TabLastPromptStore = s.store
	}
	cfg.EventAppender = s
	cfg.SessionLastPromptManager = s.agentSessions

	if session.AcpSessionID != "" {
		cfg.PreviousAcpSessionID = session.AcpSessionID
		cfg.PreviousAgentType = session.AgentType
		log.Printf("Workspace %s: SessionHost created with previous ACP session ID %s (agentType=%s)",
			workspaceID, session.AcpSessionID, session.AgentType)
	}
	if callbackToken := s.callbackTokenForWorkspace(workspaceID); callbackToken != "" {
		cfg.CallbackToken = callbackToken
	}
	if runtime != nil {
		if workDir := strings.TrimSpace(runtime.ContainerWorkDir); workDir != "" {
			cfg.ContainerWorkDir = workDir
		}
		if resolver := s.ptyManagerContainerResolverForLabel(runtime.ContainerLabelValue); resolver != nil {
			cfg.ContainerResolver = resolver
		}
	}

	hostCfg := acp.SessionHostConfig{GatewayConfig: cfg}
	host := acp.NewSessionHost(hostCfg)
	s.sessionHosts[hostKey] = host

	log.Printf("Workspace %s: SessionHost created for session %s", workspaceID, sessionID)
	return host
}
