// Package idle provides idle detection for automatic workspace shutdown.
//
// The Detector runs two independent loops: a heartbeat loop that reports
// idle status to the control plane and relays any remote shutdown
// directive, and an idle-check loop that fires local shutdown purely from
// the elapsed time since the last recorded activity. Either loop may
// trigger shutdown first; shutdownCh is closed at most once via sync.Once,
// so a VM shuts down autonomously even if the control plane never answers.
package idle

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Detector tracks user activity and reports idle status.
type Detector struct {
	timeout           time.Duration
	heartbeatInterval time.Duration
	idleCheckInterval time.Duration
	controlPlaneURL   string
	workspaceID       string
	callbackToken     string
	httpClient        *http.Client

	mu               sync.RWMutex
	lastActivity     time.Time
	shutdownDeadline time.Time
	lastHeartbeat    time.Time

	done         chan struct{}
	doneOnce     sync.Once
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// DetectorConfig configures a Detector. IdleCheckInterval of zero defaults
// to Timeout/4 (bounded to at least one second).
type DetectorConfig struct {
	Timeout           time.Duration
	HeartbeatInterval time.Duration
	IdleCheckInterval time.Duration
	ControlPlaneURL   string
	WorkspaceID       string
	CallbackToken     string
}

// NewDetector creates a new idle detector using the legacy positional
// signature; it has no independent idle-check interval configured and
// falls back to the DetectorConfig default.
func NewDetector(timeout, heartbeatInterval time.Duration, controlPlaneURL, workspaceID, callbackToken string) *Detector {
	return NewDetectorWithConfig(DetectorConfig{
		Timeout:           timeout,
		HeartbeatInterval: heartbeatInterval,
		ControlPlaneURL:   controlPlaneURL,
		WorkspaceID:       workspaceID,
		CallbackToken:     callbackToken,
	})
}

// NewDetectorWithConfig creates a new idle detector from a DetectorConfig.
func NewDetectorWithConfig(cfg DetectorConfig) *Detector {
	idleCheckInterval := cfg.IdleCheckInterval
	if idleCheckInterval <= 0 {
		idleCheckInterval = cfg.Timeout / 4
		if idleCheckInterval < time.Second {
			idleCheckInterval = time.Second
		}
	}
	now := time.Now()
	return &Detector{
		timeout:           cfg.Timeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		idleCheckInterval: idleCheckInterval,
		controlPlaneURL:   cfg.ControlPlaneURL,
		workspaceID:       cfg.WorkspaceID,
		callbackToken:     cfg.CallbackToken,
		httpClient:        &http.Client{Timeout: 10 * time.Second},
		lastActivity:      now,
		shutdownDeadline:  now.Add(cfg.Timeout),
		done:              make(chan struct{}),
		shutdownCh:        make(chan struct{}),
	}
}

// Start launches the heartbeat loop and the idle-check loop. Both run until
// Stop is called; each may independently close the shutdown channel.
func (d *Detector) Start() {
	go d.runHeartbeatLoop()
	go d.runIdleCheckLoop()
}

// Stop cancels both loops.
func (d *Detector) Stop() {
	d.doneOnce.Do(func() { close(d.done) })
}

// Done returns a channel closed when the detector is stopped, so callers
// can tear down their own background loops alongside it.
func (d *Detector) Done() <-chan struct{} {
	return d.done
}

func (d *Detector) runHeartbeatLoop() {
	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.SendHeartbeat()
		}
	}
}

func (d *Detector) runIdleCheckLoop() {
	ticker := time.NewTicker(d.idleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			if d.IsIdle() {
				slog.Info("idle timeout elapsed, requesting local shutdown", "timeout", d.timeout)
				d.requestShutdown()
			}
		}
	}
}

// RecordActivity records user activity, pushing the shutdown deadline out
// by the configured timeout.
func (d *Detector) RecordActivity() {
	now := time.Now()
	d.mu.Lock()
	d.lastActivity = now
	d.shutdownDeadline = now.Add(d.timeout)
	d.mu.Unlock()
}

// GetLastActivity returns the last activity time.
func (d *Detector) GetLastActivity() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastActivity
}

// GetDeadline returns the time at which the detector will consider itself idle.
func (d *Detector) GetDeadline() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.shutdownDeadline
}

// GetIdleTime returns how long the workspace has been idle.
func (d *Detector) GetIdleTime() time.Duration {
	return time.Since(d.GetLastActivity())
}

// IsIdle returns true once the shutdown deadline has passed.
func (d *Detector) IsIdle() bool {
	return time.Now().After(d.GetDeadline())
}

// GetWarningTime returns how long until the shutdown deadline, if that's
// five minutes or less away; zero otherwise (no warning due yet, or already past).
func (d *Detector) GetWarningTime() time.Duration {
	remaining := time.Until(d.GetDeadline())
	if remaining <= 0 || remaining > 5*time.Minute {
		return 0
	}
	return remaining
}

// ShutdownChannel returns a channel that's closed when shutdown is requested,
// either locally (idle-check loop) or remotely (heartbeat response).
func (d *Detector) ShutdownChannel() <-chan struct{} {
	return d.shutdownCh
}

// requestShutdown closes shutdownCh at most once.
func (d *Detector) requestShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

type heartbeatResponse struct {
	Action string `json:"action"`
}

// SendHeartbeat POSTs the current idle status to the control plane and
// relays a remote "shutdown" directive onto shutdownCh. Failures are
// non-fatal: the next tick retries.
func (d *Detector) SendHeartbeat() {
	if d.controlPlaneURL == "" || d.workspaceID == "" {
		return
	}

	payload := map[string]interface{}{
		"workspaceId":      d.workspaceID,
		"idleSeconds":      int(d.GetIdleTime().Seconds()),
		"idle":             d.IsIdle(),
		"lastActivityAt":   d.GetLastActivity().Format(time.RFC3339),
		"shutdownDeadline": d.GetDeadline().Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("failed to marshal heartbeat payload", "error", err)
		return
	}

	url := d.controlPlaneURL + "/api/workspaces/" + d.workspaceID + "/heartbeat"
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Warn("failed to build heartbeat request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if d.callbackToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.callbackToken)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		slog.Warn("heartbeat request failed", "error", err)
		return
	}
	defer resp.Body.Close()

	d.mu.Lock()
	d.lastHeartbeat = time.Now()
	d.mu.Unlock()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("heartbeat returned non-200 status", "status", resp.StatusCode)
		return
	}

	var decoded heartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		slog.Warn("failed to decode heartbeat response", "error", err)
		return
	}

	if decoded.Action == "shutdown" {
		slog.Info("control plane requested shutdown via heartbeat response")
		d.requestShutdown()
	}
}

// GetLastHeartbeat returns the time of the most recent completed heartbeat
// POST, or the zero time if none has completed yet.
func (d *Detector) GetLastHeartbeat() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastHeartbeat
}
