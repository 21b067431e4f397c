// Package config provides configuration loading for the VM Agent.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the VM Agent.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Control plane settings
	ControlPlaneURL string
	JWKSEndpoint    string

	// JWT settings
	JWTAudience string
	JWTIssuer   string

	// Node settings
	NodeID string

	// Workspace settings
	WorkspaceID        string
	CallbackToken      string
	BootstrapToken     string
	Repository         string
	Branch             string
	WorkspaceDir       string
	BootstrapStatePath string
	BootstrapMaxWait   time.Duration

	// Session settings
	SessionTTL             time.Duration
	SessionCleanupInterval time.Duration
	SessionMaxCount        int
	CookieName             string
	CookieSecure           bool

	// Idle settings
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration
	IdleCheckInterval time.Duration

	// Session/worktree limits
	MaxAgentSessionsPerWorkspace int
	MaxPTYSessionsPerUser        int
	PTYOrphanGracePeriod         time.Duration
	PTYOutputBufferSize          int
	MaxWorktreesPerWorkspace     int
	WorktreeCacheTTL             time.Duration
	WorktreeExecTimeout          time.Duration
	FileListMaxEntries           int
	FileListTimeout              time.Duration
	FileFindMaxEntries           int
	FileFindTimeout              time.Duration

	// Sysinfo timeouts
	SysInfoDockerTimeout      time.Duration
	SysInfoDockerListTimeout  time.Duration
	SysInfoDockerStatsTimeout time.Duration
	SysInfoVersionTimeout     time.Duration
	SysInfoCacheTTL           time.Duration

	// Embedded state store (optional; blank disables persistence)
	StateDBPath string

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// PTY settings
	DefaultShell string
	DefaultRows  int
	DefaultCols  int

	// ACP settings - configurable per constitution principle XI
	ACPInitTimeoutMs      int
	ACPReconnectDelayMs   int
	ACPReconnectTimeoutMs int
	ACPMaxRestartAttempts int
	ACPPromptTimeout      time.Duration
	ACPPromptCancelGrace  time.Duration
	ACPIdleSuspendTimeout time.Duration

	// Container settings - exec into devcontainer instead of host shell
	ContainerMode       bool
	ContainerUser       string
	ContainerWorkDir    string
	ContainerLabelKey   string
	ContainerLabelValue string
	ContainerCacheTTL   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	controlPlaneURL := getEnv("CONTROL_PLANE_URL", "")
	repository := getEnv("REPOSITORY", "")

	workspaceDir := getEnv("WORKSPACE_DIR", "")
	if workspaceDir == "" {
		workspaceBaseDir := getEnv("WORKSPACE_BASE_DIR", "/workspace")
		workspaceDir = deriveWorkspaceDir(workspaceBaseDir, repository)
	}

	containerLabelValue := getEnv("CONTAINER_LABEL_VALUE", "")
	if containerLabelValue == "" {
		// The devcontainer CLI labels containers with the local folder path used for --workspace-folder.
		containerLabelValue = workspaceDir
	}

	containerWorkDir := getEnv("CONTAINER_WORK_DIR", "")
	if containerWorkDir == "" {
		// Devcontainers mount the workspace under /workspaces/<foldername> by default, where <foldername>
		// matches the basename of the local folder passed to --workspace-folder.
		containerWorkDir = deriveContainerWorkDir(workspaceDir)
	}

	cfg := &Config{
		// Default values
		Port:           getEnvInt("VM_AGENT_PORT", 8080),
		Host:           getEnv("VM_AGENT_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil), // Parsed from comma-separated list

		ControlPlaneURL: controlPlaneURL,
		JWKSEndpoint:    getEnv("JWKS_URL", getEnv("JWKS_ENDPOINT", "")),

		// JWT settings - derived from control plane URL by default
		JWTAudience: getEnv("JWT_AUDIENCE", "vm-agent"),
		JWTIssuer:   getEnv("JWT_ISSUER", ""), // Will be derived from ControlPlaneURL if not set

		NodeID: getEnv("NODE_ID", ""),

		WorkspaceID:        getEnv("WORKSPACE_ID", ""),
		CallbackToken:      getEnv("CALLBACK_TOKEN", ""),
		BootstrapToken:     getEnv("BOOTSTRAP_TOKEN", ""),
		Repository:         repository,
		Branch:             getEnv("BRANCH", "main"),
		WorkspaceDir:       workspaceDir,
		BootstrapStatePath: getEnv("BOOTSTRAP_STATE_PATH", "/var/lib/vm-agent/bootstrap-state.json"),
		BootstrapMaxWait:   getEnvDuration("BOOTSTRAP_MAX_WAIT", 5*time.Minute),

		SessionTTL:             getEnvDuration("SESSION_TTL", 24*time.Hour),
		SessionCleanupInterval: getEnvDuration("SESSION_CLEANUP_INTERVAL", 1*time.Minute),
		SessionMaxCount:        getEnvInt("SESSION_MAX_COUNT", 100),
		CookieName:             getEnv("COOKIE_NAME", "vm_session"),
		CookieSecure:           getEnvBool("COOKIE_SECURE", true),

		IdleTimeout:       getEnvDuration("IDLE_TIMEOUT", 30*time.Minute),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 60*time.Second),
		IdleCheckInterval: getEnvDuration("IDLE_CHECK_INTERVAL", 15*time.Second),

		MaxAgentSessionsPerWorkspace: getEnvInt("MAX_AGENT_SESSIONS_PER_WORKSPACE", 10),
		MaxPTYSessionsPerUser:        getEnvInt("MAX_PTY_SESSIONS_PER_USER", 10),
		PTYOrphanGracePeriod:         getEnvDuration("PTY_ORPHAN_GRACE_PERIOD", 5*time.Minute),
		PTYOutputBufferSize:          getEnvInt("PTY_OUTPUT_BUFFER_SIZE", 256*1024),
		MaxWorktreesPerWorkspace:     getEnvInt("MAX_WORKTREES_PER_WORKSPACE", 10),
		WorktreeCacheTTL:             time.Duration(getEnvInt("WORKTREE_CACHE_TTL_SECONDS", 30)) * time.Second,
		WorktreeExecTimeout:          getEnvDuration("WORKTREE_EXEC_TIMEOUT", 30*time.Second),
		FileListMaxEntries:           getEnvInt("FILE_LIST_MAX_ENTRIES", 1000),
		FileListTimeout:              getEnvDuration("FILE_LIST_TIMEOUT", 10*time.Second),
		FileFindMaxEntries:           getEnvInt("FILE_FIND_MAX_ENTRIES", 5000),
		FileFindTimeout:              getEnvDuration("FILE_FIND_TIMEOUT", 15*time.Second),

		SysInfoDockerTimeout:      getEnvDuration("SYSINFO_DOCKER_TIMEOUT", 5*time.Second),
		SysInfoDockerListTimeout:  getEnvDuration("SYSINFO_DOCKER_LIST_TIMEOUT", 5*time.Second),
		SysInfoDockerStatsTimeout: getEnvDuration("SYSINFO_DOCKER_STATS_TIMEOUT", 5*time.Second),
		SysInfoVersionTimeout:     getEnvDuration("SYSINFO_VERSION_TIMEOUT", 3*time.Second),
		SysInfoCacheTTL:           getEnvDuration("SYSINFO_CACHE_TTL", 5*time.Second),

		StateDBPath: getEnv("STATE_DB_PATH", ""),

		// HTTP server timeouts - configurable per constitution
		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		// WebSocket buffer sizes - configurable per constitution
		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),

		DefaultShell: getEnv("DEFAULT_SHELL", "/bin/bash"),
		DefaultRows:  getEnvInt("DEFAULT_ROWS", 24),
		DefaultCols:  getEnvInt("DEFAULT_COLS", 80),

		// ACP settings - configurable per constitution principle XI
		ACPInitTimeoutMs:      getEnvInt("ACP_INIT_TIMEOUT_MS", 30000),
		ACPReconnectDelayMs:   getEnvInt("ACP_RECONNECT_DELAY_MS", 2000),
		ACPReconnectTimeoutMs: getEnvInt("ACP_RECONNECT_TIMEOUT_MS", 30000),
		ACPMaxRestartAttempts: getEnvInt("ACP_MAX_RESTART_ATTEMPTS", 3),
		ACPPromptTimeout:      getEnvDuration("ACP_PROMPT_TIMEOUT", 10*time.Minute),
		ACPPromptCancelGrace:  getEnvDuration("ACP_PROMPT_CANCEL_GRACE", 5*time.Second),
		ACPIdleSuspendTimeout: getEnvDuration("ACP_IDLE_SUSPEND_TIMEOUT", 10*time.Minute),

		ContainerMode:       getEnvBool("CONTAINER_MODE", true),
		ContainerUser:       getEnv("CONTAINER_USER", "vscode"),
		ContainerWorkDir:    containerWorkDir,
		ContainerLabelKey:   getEnv("CONTAINER_LABEL_KEY", "devcontainer.local_folder"),
		ContainerLabelValue: containerLabelValue,
		ContainerCacheTTL:   getEnvDuration("CONTAINER_CACHE_TTL", 30*time.Second),
	}

	// Validate required fields
	if cfg.ControlPlaneURL == "" {
		return nil, fmt.Errorf("CONTROL_PLANE_URL is required")
	}

	// Derive JWKS endpoint if not set
	if cfg.JWKSEndpoint == "" {
		cfg.JWKSEndpoint = cfg.ControlPlaneURL + "/.well-known/jwks.json"
	}

	// Derive JWT issuer from control plane URL if not explicitly set
	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = cfg.ControlPlaneURL
	}

	// Derive allowed origins from control plane URL if not explicitly set
	if len(cfg.AllowedOrigins) == 0 {
		// Extract base domain from control plane URL to allow workspace subdomains
		// e.g., https://api.example.com -> allow *.example.com
		cfg.AllowedOrigins = deriveAllowedOrigins(cfg.ControlPlaneURL)
	}

	if cfg.WorkspaceID == "" {
		return nil, fmt.Errorf("WORKSPACE_ID is required")
	}

	return cfg, nil
}

func deriveWorkspaceDir(workspaceBaseDir, repository string) string {
	baseDir := strings.TrimSpace(workspaceBaseDir)
	if baseDir == "" {
		baseDir = "/workspace"
	}

	repoDirName := deriveRepoDirName(repository)
	if repoDirName == "" {
		// Preserve legacy behavior when the repo is unknown: a fixed base directory.
		return baseDir
	}

	return filepath.Join(baseDir, repoDirName)
}

func deriveContainerWorkDir(workspaceDir string) string {
	if strings.TrimSpace(workspaceDir) == "" {
		return "/workspaces"
	}
	base := filepath.Base(workspaceDir)
	if base == "" || base == "." || base == "/" {
		return "/workspaces"
	}
	return filepath.Join("/workspaces", base)
}

func deriveRepoDirName(repository string) string {
	repo := strings.TrimSpace(repository)
	if repo == "" {
		return ""
	}

	// Handle full URLs (https://github.com/org/repo.git).
	if strings.Contains(repo, "://") {
		if parsed, err := url.Parse(repo); err == nil {
			repo = parsed.Path
		}
	}

	repo = strings.Trim(repo, "/")
	if repo == "" {
		return ""
	}

	parts := strings.Split(repo, "/")
	name := parts[len(parts)-1]
	name = strings.TrimSuffix(name, ".git")
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	// Keep the name filesystem-safe. This is intentionally conservative.
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	safe := strings.Trim(b.String(), "-")
	return safe
}

// deriveAllowedOrigins extracts allowed origins from the control plane URL.
// This allows the control plane domain and workspace subdomains.
func deriveAllowedOrigins(controlPlaneURL string) []string {
	// Remove protocol
	url := controlPlaneURL
	url = strings.TrimPrefix(url, "https://")
	url = strings.TrimPrefix(url, "http://")

	// Remove path if any
	if idx := strings.Index(url, "/"); idx != -1 {
		url = url[:idx]
	}

	// Remove port if any
	if idx := strings.Index(url, ":"); idx != -1 {
		url = url[:idx]
	}

	// Get base domain (remove 'api.' prefix if present)
	baseDomain := url
	if strings.HasPrefix(baseDomain, "api.") {
		baseDomain = baseDomain[4:]
	}

	// Return the control plane origin and workspace subdomain pattern
	return []string{
		controlPlaneURL,
		"https://*." + baseDomain, // Allow workspace subdomains
	}
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
