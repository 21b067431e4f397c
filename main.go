// vm-agent is a per-VM daemon that multiplexes PTY sessions and ACP agent
// sessions over WebSockets, gated by JWTs issued by the control plane.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/vm-workspaces/vm-agent/internal/config"
	"github.com/vm-workspaces/vm-agent/internal/server"
)

// bootLogEntry relays a single provisioning step to the control plane's
// boot-log endpoint. VM provisioning itself is out of scope; this client
// only reports step transitions the supervising process (cloud-init, a
// systemd unit, etc.) has already performed before the agent takes over.
type bootLogEntry struct {
	Step      string `json:"step"`
	Status    string `json:"status"` // started | completed | failed
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// postBootLog reports a boot-log entry, rate-limited so a flapping control
// plane can't turn a provisioning failure into a retry storm.
func postBootLog(ctx context.Context, cfg *config.Config, limiter *rate.Limiter, entry bootLogEntry) error {
	if cfg.ControlPlaneURL == "" || cfg.WorkspaceID == "" {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	entry.Timestamp = time.Now().Format(time.RFC3339)
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal boot-log entry: %w", err)
	}

	url := cfg.ControlPlaneURL + "/api/workspaces/" + cfg.WorkspaceID + "/boot-log"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build boot-log request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.CallbackToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.CallbackToken)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send boot-log entry: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("boot-log endpoint returned %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

// requestShutdown calls the control plane's /request-shutdown endpoint with retries.
// Returns nil on success (2xx response), or the last error after all retries fail.
func requestShutdown(cfg *config.Config) error {
	const maxAttempts = 3
	const retryDelay = 5 * time.Second

	payload, err := json.Marshal(map[string]string{"reason": "idle_timeout"})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	url := cfg.ControlPlaneURL + "/api/workspaces/" + cfg.WorkspaceID + "/request-shutdown"
	client := &http.Client{Timeout: 15 * time.Second}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			log.Printf("Retry %d/%d after %v...", attempt, maxAttempts, retryDelay)
			time.Sleep(retryDelay)
		}

		req, err := http.NewRequest("POST", url, bytes.NewBuffer(payload))
		if err != nil {
			lastErr = fmt.Errorf("create request: %w", err)
			log.Printf("Attempt %d: %v", attempt, lastErr)
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+cfg.CallbackToken)

		resp, err := client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("send request: %w", err)
			log.Printf("Attempt %d: %v", attempt, lastErr)
			continue
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted {
			log.Printf("Successfully requested VM deletion (status %d, body: %s)", resp.StatusCode, string(body))
			return nil
		}

		lastErr = fmt.Errorf("status %d, body: %s", resp.StatusCode, string(body))
		log.Printf("Attempt %d: shutdown request failed: %v", attempt, lastErr)
	}

	return fmt.Errorf("all %d attempts failed, last error: %w", maxAttempts, lastErr)
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting vm-agent...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	bootID := uuid.NewString()
	bootLogLimiter := rate.NewLimiter(rate.Every(2*time.Second), 3)
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := postBootLog(bootCtx, cfg, bootLogLimiter, bootLogEntry{
		Step:    "agent_start",
		Status:  "completed",
		Message: "vm-agent process started",
		Detail:  bootID,
	}); err != nil {
		log.Printf("WARNING: failed to report boot-log entry: %v", err)
	}
	bootCancel()

	log.Printf("Configuration loaded: workspace=%s, port=%d", cfg.WorkspaceID, cfg.Port)

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	var idleShutdown bool
	select {
	case err := <-errCh:
		log.Fatalf("Server error: %v", err)
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
	case <-srv.GetIdleShutdownChannel():
		log.Println("Idle timeout reached, requesting VM deletion...")
		idleShutdown = true
	}

	// If this was an idle shutdown, request deletion from control plane BEFORE
	// stopping the local server. The HTTP call needs networking to be functional,
	// and srv.Stop() may close connections or time out.
	if idleShutdown && cfg.ControlPlaneURL != "" && cfg.WorkspaceID != "" && cfg.CallbackToken != "" {
		log.Println("Requesting VM deletion from control plane due to idle timeout...")
		if err := requestShutdown(cfg); err != nil {
			log.Printf("WARNING: Failed to request shutdown: %v (control plane heartbeat fallback will clean up)", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	if idleShutdown {
		// Block forever after requesting shutdown. If we exit, a process
		// supervisor configured to restart the agent would reset activity
		// tracking and create an infinite shutdown loop; the VM is expected
		// to be deleted by the control plane instead.
		log.Println("Shutdown requested — blocking until VM is deleted")
		select {}
	}

	log.Println("vm-agent stopped")
}
