package server

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// AgentSessionStatus is the lifecycle state of a tracked agent (chat) session.
// It is independent of the underlying acp.SessionHost's own status machine:
// this tracks whether the session slot itself is live, suspended (detached
// but resumable via ACP LoadSession), or stopped outright.
type AgentSessionStatus string

const (
	AgentSessionStatusRunning   AgentSessionStatus = "running"
	AgentSessionStatusSuspended AgentSessionStatus = "suspended"
	AgentSessionStatusStopped   AgentSessionStatus = "stopped"
	AgentSessionStatusError     AgentSessionStatus = "error"
)

// AgentSession is a single chat/agent tab tracked for the workspace this
// agent serves. WorkspaceID is carried on the struct (rather than assumed
// from server-wide config) so the registry below can keep the same
// workspace-scoped method signatures the rest of the package already uses.
type AgentSession struct {
	ID           string
	WorkspaceID  string
	Status       AgentSessionStatus
	Label        string
	AgentType    string
	AcpSessionID string
	WorktreePath string
	LastPrompt   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StoppedAt    *time.Time
	SuspendedAt  *time.Time
	Error        string
}

// agentSessionRegistry is the in-process registry of agent sessions for the
// single workspace this VM Agent serves. It is the direct replacement for
// the teacher's workspace-scoped agentsessions.Manager: since SPEC_FULL.md's
// ACP Session Host is keyed only by session id with no separate multi-
// workspace resource, this collapses into the server's own ACP host
// registry instead of living in its own package.
type agentSessionRegistry struct {
	mu          sync.RWMutex
	sessions    map[string]AgentSession // keyed by session id
	idempotency map[string]string       // idempotency key -> session id
}

func newAgentSessionRegistry() *agentSessionRegistry {
	return &agentSessionRegistry{
		sessions:    make(map[string]AgentSession),
		idempotency: make(map[string]string),
	}
}

func (r *agentSessionRegistry) Create(workspaceID, sessionID, label, idempotencyKey, worktreePath string) (AgentSession, bool, error) {
	if sessionID == "" {
		return AgentSession{}, false, fmt.Errorf("session ID is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if idempotencyKey != "" {
		if existingID, ok := r.idempotency[idempotencyKey]; ok {
			if session, ok := r.sessions[existingID]; ok {
				return session, true, nil
			}
		}
	}

	if _, exists := r.sessions[sessionID]; exists {
		return AgentSession{}, false, fmt.Errorf("session already exists: %s", sessionID)
	}

	now := time.Now().UTC()
	session := AgentSession{
		ID:           sessionID,
		WorkspaceID:  workspaceID,
		Status:       AgentSessionStatusRunning,
		Label:        label,
		WorktreePath: worktreePath,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.sessions[sessionID] = session
	if idempotencyKey != "" {
		r.idempotency[idempotencyKey] = sessionID
	}
	return session, false, nil
}

func (r *agentSessionRegistry) Get(workspaceID, sessionID string) (AgentSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[sessionID]
	return session, ok
}

func (r *agentSessionRegistry) List(workspaceID string) []AgentSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]AgentSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		result = append(result, session)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (r *agentSessionRegistry) Stop(workspaceID, sessionID string) (AgentSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return AgentSession{}, fmt.Errorf("session not found: %s", sessionID)
	}
	if session.Status == AgentSessionStatusStopped {
		return session, nil
	}

	now := time.Now().UTC()
	session.Status = AgentSessionStatusStopped
	session.UpdatedAt = now
	session.StoppedAt = &now
	r.sessions[sessionID] = session
	return session, nil
}

// Suspend transitions a session to suspended status. The AcpSessionID is
// preserved so the session can later be resumed via LoadSession.
func (r *agentSessionRegistry) Suspend(workspaceID, sessionID string) (AgentSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return AgentSession{}, fmt.Errorf("session not found: %s", sessionID)
	}
	if session.Status != AgentSessionStatusRunning && session.Status != AgentSessionStatusError {
		return AgentSession{}, fmt.Errorf("session cannot be suspended from status %s", session.Status)
	}

	now := time.Now().UTC()
	session.Status = AgentSessionStatusSuspended
	session.SuspendedAt = &now
	session.UpdatedAt = now
	session.Error = ""
	r.sessions[sessionID] = session
	return session, nil
}

func (r *agentSessionRegistry) UpdateAcpSessionID(workspaceID, sessionID, acpSessionID, agentType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	session.AcpSessionID = acpSessionID
	session.AgentType = agentType
	session.UpdatedAt = time.Now().UTC()
	r.sessions[sessionID] = session
	return nil
}

// UpdateLastPrompt records the most recently sent prompt text for a session,
// so its tab can show what it was last asked to do even while suspended or
// disconnected.
func (r *agentSessionRegistry) UpdateLastPrompt(workspaceID, sessionID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	session.LastPrompt = text
	session.UpdatedAt = time.Now().UTC()
	r.sessions[sessionID] = session
	return nil
}
