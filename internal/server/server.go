// Package server provides the HTTP server for the VM Agent.
package server

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vm-workspaces/vm-agent/internal/acp"
	"github.com/vm-workspaces/vm-agent/internal/auth"
	"github.com/vm-workspaces/vm-agent/internal/config"
	"github.com/vm-workspaces/vm-agent/internal/container"
	"github.com/vm-workspaces/vm-agent/internal/idle"
	"github.com/vm-workspaces/vm-agent/internal/pty"
	"github.com/vm-workspaces/vm-agent/internal/state"
	"github.com/vm-workspaces/vm-agent/internal/sysinfo"
)

//go:embed static/*
var staticFiles embed.FS

// Server is the HTTP server for the VM Agent. Unlike the teacher's node-wide
// control plane, a Server instance serves exactly one workspace: workspace
// is built once in New and never replaced.
type Server struct {
	config           *config.Config
	httpServer       *http.Server
	jwtValidator     *auth.JWTValidator
	sessionManager   *auth.SessionManager
	ptyManager       *pty.Manager
	sysInfoCollector *sysinfo.Collector
	idleDetector     *idle.Detector

	workspace *WorkspaceRuntime

	eventMu sync.RWMutex
	events  []EventRecord

	agentSessions *agentSessionRegistry

	acpConfig     acp.GatewayConfig
	sessionHostMu sync.Mutex
	sessionHosts  map[string]*acp.SessionHost

	store             *state.Store
	worktreeValidator *WorktreeValidator
	runtimeAssets     runtimeAssetsCache

	done chan struct{}
}

// EventRecord is a single lightweight diagnostic event, visible to the
// control plane and the UI event log.
type EventRecord struct {
	ID          string                 `json:"id"`
	NodeID      string                 `json:"nodeId,omitempty"`
	WorkspaceID string                 `json:"workspaceId,omitempty"`
	Level       string                 `json:"level"`
	Type        string                 `json:"type"`
	Message     string                 `json:"message"`
	Detail      map[string]interface{} `json:"detail,omitempty"`
	CreatedAt   string                 `json:"createdAt"`
}

// New creates a new server instance.
func New(cfg *config.Config) (*Server, error) {
	jwtValidator, err := auth.NewJWTValidator(cfg.JWKSEndpoint, cfg.NodeID, cfg.JWTIssuer, cfg.JWTAudience)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT validator: %w", err)
	}
	jwtValidator.SetWorkspaceID(cfg.WorkspaceID)

	sessionManager := auth.NewSessionManagerWithConfig(auth.SessionManagerConfig{
		CookieName:      cfg.CookieName,
		Secure:          cfg.CookieSecure,
		TTL:             cfg.SessionTTL,
		CleanupInterval: cfg.SessionCleanupInterval,
		MaxSessions:     cfg.SessionMaxCount,
	})

	var containerResolver pty.ContainerResolver
	containerWorkDir := cfg.ContainerWorkDir
	containerUser := ""

	if cfg.ContainerMode {
		discovery := container.NewDiscovery(container.Config{
			LabelKey:   cfg.ContainerLabelKey,
			LabelValue: cfg.ContainerLabelValue,
			CacheTTL:   cfg.ContainerCacheTTL,
		})
		containerResolver = discovery.GetContainerID
		containerUser = cfg.ContainerUser
		slog.Info("Container mode enabled", "user", containerUser, "workDir", containerWorkDir)
	} else {
		slog.Info("Container mode disabled: PTY sessions will run on host")
	}

	ptyManager := pty.NewManager(pty.ManagerConfig{
		DefaultShell:       cfg.DefaultShell,
		DefaultRows:        cfg.DefaultRows,
		DefaultCols:        cfg.DefaultCols,
		WorkDir:            containerWorkDir,
		ContainerResolver:  containerResolver,
		ContainerUser:      containerUser,
		MaxSessionsPerUser: cfg.MaxPTYSessionsPerUser,
		GracePeriod:        cfg.PTYOrphanGracePeriod,
		BufferSize:         cfg.PTYOutputBufferSize,
	})

	sysInfoCollector := sysinfo.NewCollector(sysinfo.CollectorConfig{
		DockerTimeout:      cfg.SysInfoDockerTimeout,
		DockerListTimeout:  cfg.SysInfoDockerListTimeout,
		DockerStatsTimeout: cfg.SysInfoDockerStatsTimeout,
		VersionTimeout:     cfg.SysInfoVersionTimeout,
		CacheTTL:           cfg.SysInfoCacheTTL,
	})

	idleDetector := idle.NewDetectorWithConfig(idle.DetectorConfig{
		Timeout:           cfg.IdleTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdleCheckInterval: cfg.IdleCheckInterval,
		ControlPlaneURL:   cfg.ControlPlaneURL,
		WorkspaceID:       cfg.WorkspaceID,
		CallbackToken:     cfg.CallbackToken,
	})

	var store *state.Store
	if strings.TrimSpace(cfg.StateDBPath) != "" {
		store, err = state.Open(cfg.StateDBPath)
		if err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
	} else {
		slog.Warn("STATE_DB_PATH is unset: tab/session continuity across restarts is disabled")
	}

	acpGatewayConfig := acp.GatewayConfig{
		InitTimeoutMs:           cfg.ACPInitTimeoutMs,
		MaxRestartAttempts:      cfg.ACPMaxRestartAttempts,
		ControlPlaneURL:         cfg.ControlPlaneURL,
		WorkspaceID:             cfg.WorkspaceID,
		CallbackToken:           cfg.CallbackToken,
		ContainerResolver:       containerResolver,
		ContainerUser:           containerUser,
		ContainerWorkDir:        containerWorkDir,
		FileExecTimeout:         cfg.WorktreeExecTimeout,
		FileMaxSize:             gitFileMaxSize,
		PromptTimeout:           cfg.ACPPromptTimeout,
		PromptCancelGracePeriod: cfg.ACPPromptCancelGrace,
		IdleSuspendTimeout:      cfg.ACPIdleSuspendTimeout,
	}

	s := &Server{
		config:            cfg,
		jwtValidator:      jwtValidator,
		sessionManager:    sessionManager,
		ptyManager:        ptyManager,
		sysInfoCollector:  sysInfoCollector,
		idleDetector:      idleDetector,
		events:            make([]EventRecord, 0, 512),
		agentSessions:     newAgentSessionRegistry(),
		acpConfig:         acpGatewayConfig,
		sessionHosts:      make(map[string]*acp.SessionHost),
		store:             store,
		worktreeValidator: NewWorktreeValidator(cfg.WorktreeCacheTTL),
		done:              make(chan struct{}),
	}

	s.acpConfig.GitTokenFetcher = s.fetchGitToken
	s.acpConfig.EventAppender = s
	s.acpConfig.OnActivity = s.idleDetector.RecordActivity
	s.acpConfig.OnSuspend = func(workspaceID, sessionID string) {
		s.appendNodeEvent(workspaceID, "info", "agent.session_suspended", "Agent session auto-suspended after idle timeout", map[string]interface{}{
			"sessionId": sessionID,
		})
	}

	now := time.Now().UTC()
	s.workspace = &WorkspaceRuntime{
		ID:                  cfg.WorkspaceID,
		Repository:          strings.TrimSpace(cfg.Repository),
		Branch:              strings.TrimSpace(cfg.Branch),
		WorkspaceDir:        strings.TrimSpace(cfg.WorkspaceDir),
		ContainerLabelValue: strings.TrimSpace(cfg.ContainerLabelValue),
		ContainerWorkDir:    strings.TrimSpace(containerWorkDir),
		ContainerUser:       strings.TrimSpace(containerUser),
		CallbackToken:       strings.TrimSpace(cfg.CallbackToken),
		PTY:                 ptyManager,
		Status:              "running",
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      corsMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return s, nil
}

// Start starts the HTTP server and the background idle/health loops. It
// blocks until the server stops (normally via Stop shutting down the
// listener, which makes ListenAndServe return http.ErrServerClosed).
func (s *Server) Start() error {
	s.idleDetector.Start()
	s.startNodeHealthReporter()

	log.Printf("vm-agent listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server and all background work.
func (s *Server) Stop(ctx context.Context) error {
	s.idleDetector.Stop()
	s.stopAllSessionHosts()
	s.ptyManager.CloseAllSessions()

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("Error closing state store: %v", err)
		}
	}

	s.jwtValidator.Close()

	close(s.done)
	return s.httpServer.Shutdown(ctx)
}

// GetIdleShutdownChannel returns a channel that closes once the workspace
// should be torn down, either because it sat idle past IdleTimeout or
// because the control plane asked for shutdown via a heartbeat response.
func (s *Server) GetIdleShutdownChannel() <-chan struct{} {
	return s.idleDetector.ShutdownChannel()
}

// setupRoutes registers every HTTP and WebSocket endpoint this agent serves.
// There is no workspace lifecycle CRUD, event-log REST surface, port proxy,
// or log tailing here: this agent serves a single already-provisioned
// workspace, and those concerns live in the control plane instead.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /auth/token", s.handleTokenAuth)
	mux.HandleFunc("GET /auth/session", s.handleSessionCheck)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)

	mux.HandleFunc("GET /terminal/ws", s.handleMultiTerminalWS)
	mux.HandleFunc("POST /terminal/resize", s.handleTerminalResize)

	mux.HandleFunc("GET /workspace/runtime-assets", s.handleWorkspaceRuntimeAssets)

	mux.HandleFunc("GET /workspaces/{workspaceId}/worktrees", s.handleListWorktrees)
	mux.HandleFunc("POST /workspaces/{workspaceId}/worktrees", s.handleCreateWorktree)
	mux.HandleFunc("DELETE /workspaces/{workspaceId}/worktrees", s.handleRemoveWorktree)

	mux.HandleFunc("GET /workspaces/{workspaceId}/files/list", s.handleFileList)
	mux.HandleFunc("GET /workspaces/{workspaceId}/files/find", s.handleFileFind)

	mux.HandleFunc("GET /workspaces/{workspaceId}/git/status", s.handleGitStatus)
	mux.HandleFunc("GET /workspaces/{workspaceId}/git/diff", s.handleGitDiff)
	mux.HandleFunc("GET /workspaces/{workspaceId}/git/file", s.handleGitFile)

	mux.HandleFunc("GET /agent/ws", s.handleAgentWS)

	mux.HandleFunc("GET /git-credential", s.handleGitCredential)

	mux.HandleFunc("GET /system-info", s.handleSystemInfo)
	mux.HandleFunc("GET /quick-metrics", s.handleQuickMetrics)

	staticFS, err := staticSubFS()
	if err == nil {
		mux.Handle("/", http.FileServer(http.FS(staticFS)))
	}
}

// corsMiddleware applies CORS headers to ordinary HTTP requests. WebSocket
// upgrades are validated separately by createUpgrader's CheckOrigin, since
// browsers don't apply CORS preflight to WebSocket handshakes.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// staticSubFS returns the embedded frontend assets rooted at "static", the
// directory embedded above, so they can be served at "/" instead of
// "/static".
func staticSubFS() (fs.FS, error) {
	return fs.Sub(staticFiles, "static")
}

func originAllowed(origin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	return false
}
