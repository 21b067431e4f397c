// Package server provides WebSocket terminal handler.
package server

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/vm-workspaces/vm-agent/internal/pty"
)

// createUpgrader creates a WebSocket upgrader with proper origin validation.
// WebSocket upgrades bypass CORS, so we must validate origins explicitly.
// Buffer sizes are configurable via environment variables.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// No origin header - likely same-origin or non-browser client
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}
}

// isOriginAllowed checks if the given origin is in the allowed list.
// Supports wildcard patterns like "https://*.example.com".
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" {
			// Wildcard allows all - only for development
			return true
		}
		if allowed == origin {
			// Exact match
			return true
		}
		// Check for wildcard subdomain pattern (e.g., "https://*.example.com")
		if strings.Contains(allowed, "*") {
			if matchWildcardOrigin(origin, allowed) {
				return true
			}
		}
	}
	log.Printf("WebSocket origin rejected: %s (allowed: %v)", origin, s.config.AllowedOrigins)
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	// Split pattern at wildcard
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix := parts[0] // e.g., "https://"
	suffix := parts[1] // e.g., ".example.com"

	// Origin must start with prefix and end with suffix
	if !strings.HasPrefix(origin, prefix) {
		return false
	}
	if !strings.HasSuffix(origin, suffix) {
		return false
	}

	// The middle part (subdomain) must not contain "/"
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	if strings.Contains(middle, "/") {
		return false
	}

	return true
}

// wsMessage is the terminal WebSocket wire envelope: one flat JSON object per
// frame, shared by every message type. Fields not relevant to a given type
// are simply omitted.
//
// client->server: create_session{id?,rows?,cols?,workDir?}, input{id,data},
// resize{id,rows,cols}, close_session{id}, orphan_session{id}, reattach_session{id}.
// server->client: output{id,data}, status{id,status,exitCode?,message?}, error{message}.
//
// data is always base64-encoded terminal bytes, never a raw UTF-8 string:
// PTY output is not guaranteed to be valid UTF-8 (partial multi-byte
// sequences, binary escape codes), and base64 round-trips it exactly.
type wsMessage struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	Rows     int    `json:"rows,omitempty"`
	Cols     int    `json:"cols,omitempty"`
	WorkDir  string `json:"workDir,omitempty"`
	Data     string `json:"data,omitempty"`
	Status   string `json:"status,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Message  string `json:"message,omitempty"`
}

// wsConn wraps a gorilla websocket connection with the single mutex every
// writer (the read loop itself, and each PTY session's output-reader
// goroutine) must hold before writing a frame.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeMessage(msg wsMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) writeStatus(id, status string, exitCode *int, message string) {
	if err := c.writeMessage(wsMessage{Type: "status", ID: id, Status: status, ExitCode: exitCode, Message: message}); err != nil {
		log.Printf("WebSocket write error: %v", err)
	}
}

func (c *wsConn) writeError(message string) {
	if err := c.writeMessage(wsMessage{Type: "error", Message: message}); err != nil {
		log.Printf("WebSocket write error: %v", err)
	}
}

// sessionOutputWriter forwards raw PTY bytes to the client as base64 "output"
// frames for one session id. It implements io.Writer so it can be installed
// via pty.Session.SetAttachedWriter.
type sessionOutputWriter struct {
	conn      *wsConn
	sessionID string
}

func (w *sessionOutputWriter) Write(p []byte) (int, error) {
	err := w.conn.writeMessage(wsMessage{
		Type: "output",
		ID:   w.sessionID,
		Data: base64.StdEncoding.EncodeToString(p),
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// ownedSession looks up a session by id and verifies it belongs to userID,
// writing an error frame and returning nil on any failure. Every multiplexed
// WS operation other than create_session goes through this, since sessions
// live in the manager's global registry (so a reattach from a reconnected
// client can find them) rather than a per-connection map.
func (s *Server) ownedSession(conn *wsConn, userID, sessionID string) *pty.Session {
	ptySession := s.ptyManager.GetSession(sessionID)
	if ptySession == nil {
		conn.writeError("session not found: " + sessionID)
		return nil
	}
	if ptySession.UserID != userID {
		conn.writeError("session not found: " + sessionID)
		return nil
	}
	return ptySession
}

// handleMultiTerminalWS handles WebSocket connections multiplexing an
// arbitrary number of PTY sessions over a single socket, per the terminal
// WebSocket envelope.
func (s *Server) handleMultiTerminalWS(w http.ResponseWriter, r *http.Request) {
	// Check authentication
	authSession := s.sessionManager.GetSessionFromRequest(r)
	if authSession == nil {
		// Try to get token from query param (for initial connection)
		token := r.URL.Query().Get("token")
		if token != "" {
			claims, err := s.jwtValidator.Validate(token)
			if err != nil {
				log.Printf("WebSocket auth failed: %v", err)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			authSession, err = s.sessionManager.CreateSession(claims)
			if err != nil {
				log.Printf("Failed to create session: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		} else {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	// Upgrade to WebSocket
	upgrader := s.createUpgrader()
	rawConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer rawConn.Close()

	conn := &wsConn{conn: rawConn}

	// Sessions this connection is currently attached to, so disconnect can
	// orphan them (rather than close them outright) instead of relying on a
	// per-connection reader goroutine, which would make orphan/reattach
	// impossible: the PTY's own output reader, started once per session by
	// the create_session handler below, keeps running and writing to the ring buffer
	// across disconnects regardless of which (if any) connection is attached.
	attached := make(map[string]struct{})
	var attachedMu sync.Mutex

	defer func() {
		attachedMu.Lock()
		ids := make([]string, 0, len(attached))
		for id := range attached {
			ids = append(ids, id)
		}
		attachedMu.Unlock()

		for _, id := range ids {
			s.ptyManager.OrphanSession(id)
		}
	}()

	attachWriter := func(ptySession *pty.Session, sessionID string) {
		ptySession.SetAttachedWriter(&sessionOutputWriter{conn: conn, sessionID: sessionID})
		attachedMu.Lock()
		attached[sessionID] = struct{}{}
		attachedMu.Unlock()
	}

	for {
		_, message, err := rawConn.ReadMessage()
		if err != nil {
			log.Printf("WebSocket read error: %v", err)
			break
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			conn.writeError("invalid message: " + err.Error())
			continue
		}

		switch msg.Type {
		case "create_session":
			var ptySession *pty.Session
			var err error
			if msg.ID == "" {
				ptySession, err = s.ptyManager.CreateSession(authSession.UserID, msg.Rows, msg.Cols, msg.WorkDir)
			} else {
				ptySession, err = s.ptyManager.CreateSessionWithID(msg.ID, authSession.UserID, msg.Rows, msg.Cols, msg.WorkDir)
			}
			if err != nil {
				conn.writeError(err.Error())
				continue
			}

			attachWriter(ptySession, ptySession.ID)
			ptySession.StartOutputReader(
				func(sessionID string, data []byte) {
					s.idleDetector.RecordActivity()
					if attachedWriter := ptySession.GetAttachedWriter(); attachedWriter != nil {
						if _, err := attachedWriter.Write(data); err != nil {
							log.Printf("WebSocket write error: %v", err)
						}
					}
				},
				func(sessionID string) {
					if attachedWriter, ok := ptySession.GetAttachedWriter().(*sessionOutputWriter); ok {
						exitCode := ptySession.GetExitCode()
						attachedWriter.conn.writeStatus(sessionID, "exited", &exitCode, "")
					}
				},
			)

			conn.writeStatus(ptySession.ID, "connected", nil, "")

		case "input":
			if msg.ID == "" {
				conn.writeError("id is required")
				continue
			}
			ptySession := s.ownedSession(conn, authSession.UserID, msg.ID)
			if ptySession == nil {
				continue
			}

			decoded, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				conn.writeError("invalid base64 input data")
				continue
			}

			s.idleDetector.RecordActivity()
			if _, err := ptySession.Write(decoded); err != nil {
				log.Printf("PTY write error: %v", err)
			}

		case "resize":
			if msg.ID == "" {
				conn.writeError("id is required")
				continue
			}
			ptySession := s.ownedSession(conn, authSession.UserID, msg.ID)
			if ptySession == nil {
				continue
			}

			if err := ptySession.Resize(msg.Rows, msg.Cols); err != nil {
				log.Printf("PTY resize error: %v", err)
				conn.writeError("failed to resize session")
			}

		case "close_session":
			if msg.ID == "" {
				conn.writeError("id is required")
				continue
			}
			if s.ownedSession(conn, authSession.UserID, msg.ID) == nil {
				continue
			}

			attachedMu.Lock()
			delete(attached, msg.ID)
			attachedMu.Unlock()

			if err := s.ptyManager.CloseSession(msg.ID); err != nil {
				conn.writeError(err.Error())
				continue
			}

			conn.writeStatus(msg.ID, "closed", nil, "")

		case "orphan_session":
			if msg.ID == "" {
				conn.writeError("id is required")
				continue
			}
			if s.ownedSession(conn, authSession.UserID, msg.ID) == nil {
				continue
			}

			attachedMu.Lock()
			delete(attached, msg.ID)
			attachedMu.Unlock()

			s.ptyManager.OrphanSession(msg.ID)
			conn.writeStatus(msg.ID, "orphaned", nil, "")

		case "reattach_session":
			if msg.ID == "" {
				conn.writeError("id is required")
				continue
			}
			if s.ownedSession(conn, authSession.UserID, msg.ID) == nil {
				continue
			}

			ptySession, err := s.ptyManager.ReattachSession(msg.ID)
			if err != nil {
				conn.writeError(err.Error())
				continue
			}

			// Replay the ring buffer's current contents as a single output
			// message before live bytes resume, per the reattach contract.
			attachWriter(ptySession, ptySession.ID)
			if scrollback := ptySession.OutputBuffer.ReadAll(); len(scrollback) > 0 {
				if err := conn.writeMessage(wsMessage{
					Type: "output",
					ID:   ptySession.ID,
					Data: base64.StdEncoding.EncodeToString(scrollback),
				}); err != nil {
					log.Printf("WebSocket write error: %v", err)
				}
			}

			conn.writeStatus(ptySession.ID, "reattached", nil, "")

		case "ping":
			s.idleDetector.RecordActivity()
			if err := conn.writeMessage(wsMessage{Type: "pong"}); err != nil {
				log.Printf("WebSocket write error: %v", err)
			}

		default:
			conn.writeError("unknown message type: " + msg.Type)
		}
	}
}
