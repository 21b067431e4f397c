package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// projectRuntimeEnvVar is a single environment variable the control plane
// wants injected into the workspace's devcontainer (secrets, project config).
type projectRuntimeEnvVar struct {
	Key   string
	Value string
}

// projectRuntimeFile is a single file the control plane wants written into
// the workspace before agent/terminal sessions start (e.g. a generated
// .env.local).
type projectRuntimeFile struct {
	Path    string
	Content string
}

// projectRuntimeAssets is the full set of runtime assets fetched once, on the
// first request for them, and cached for the lifetime of the process, per SPEC_FULL.md's
// "workspace runtime assets" endpoint (read-only, fetch-once-and-cache).
type projectRuntimeAssets struct {
	EnvVars []projectRuntimeEnvVar
	Files   []projectRuntimeFile
}

type projectRuntimeEnvVarPayload struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	IsSecret bool   `json:"isSecret"`
}

type projectRuntimeFilePayload struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	IsSecret bool   `json:"isSecret"`
}

type projectRuntimeAssetsPayload struct {
	WorkspaceID string                        `json:"workspaceId"`
	EnvVars     []projectRuntimeEnvVarPayload `json:"envVars"`
	Files       []projectRuntimeFilePayload   `json:"files"`
}

// runtimeAssetsCache holds the once-fetched runtime assets for the single
// workspace this process serves.
type runtimeAssetsCache struct {
	mu       sync.Mutex
	fetched  bool
	assets   projectRuntimeAssets
	fetchErr error
}

// getProjectRuntimeAssets returns the cached runtime assets, fetching them
// from the control plane on first call. Subsequent calls (including
// concurrent ones, and the HTTP handler) never re-fetch.
func (s *Server) getProjectRuntimeAssets(ctx context.Context) (projectRuntimeAssets, error) {
	s.runtimeAssets.mu.Lock()
	defer s.runtimeAssets.mu.Unlock()

	if s.runtimeAssets.fetched {
		return s.runtimeAssets.assets, s.runtimeAssets.fetchErr
	}

	assets, err := s.fetchProjectRuntimeAssetsForWorkspace(ctx, s.config.WorkspaceID, s.config.CallbackToken)
	s.runtimeAssets.assets = assets
	s.runtimeAssets.fetchErr = err
	s.runtimeAssets.fetched = true
	return assets, err
}

// handleWorkspaceRuntimeAssets serves the cached runtime assets to the
// frontend. GET /workspace/runtime-assets.
func (s *Server) handleWorkspaceRuntimeAssets(w http.ResponseWriter, r *http.Request) {
	if !s.requireWorkspaceRequestAuth(w, r, s.config.WorkspaceID) {
		return
	}

	assets, err := s.getProjectRuntimeAssets(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("failed to load runtime assets: %v", err))
		return
	}

	payload := projectRuntimeAssetsPayload{WorkspaceID: s.config.WorkspaceID}
	for _, ev := range assets.EnvVars {
		payload.EnvVars = append(payload.EnvVars, projectRuntimeEnvVarPayload{Key: ev.Key, Value: ev.Value})
	}
	for _, f := range assets.Files {
		payload.Files = append(payload.Files, projectRuntimeFilePayload{Path: f.Path, Content: f.Content})
	}
	writeJSON(w, http.StatusOK, payload)
}

// fetchProjectRuntimeAssetsForWorkspace fetches the runtime assets directly
// from the control plane, bypassing the cache. Used by getProjectRuntimeAssets
// on first call and directly by tests.
func (s *Server) fetchProjectRuntimeAssetsForWorkspace(
	ctx context.Context,
	workspaceID string,
	callbackToken string,
) (projectRuntimeAssets, error) {
	targetWorkspaceID := strings.TrimSpace(workspaceID)
	if targetWorkspaceID == "" {
		targetWorkspaceID = strings.TrimSpace(s.config.WorkspaceID)
	}
	if targetWorkspaceID == "" {
		return projectRuntimeAssets{}, fmt.Errorf("workspace id is required for runtime-assets request")
	}

	effectiveToken := strings.TrimSpace(callbackToken)
	if effectiveToken == "" {
		effectiveToken = s.callbackTokenForWorkspace(targetWorkspaceID)
	}
	if effectiveToken == "" {
		return projectRuntimeAssets{}, fmt.Errorf("callback token is required for runtime-assets request")
	}

	endpoint := fmt.Sprintf(
		"%s/api/workspaces/%s/runtime-assets",
		strings.TrimRight(s.config.ControlPlaneURL, "/"),
		targetWorkspaceID,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return projectRuntimeAssets{}, fmt.Errorf("failed to build runtime-assets request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+effectiveToken)

	client := &http.Client{Timeout: 15 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		return projectRuntimeAssets{}, fmt.Errorf("runtime-assets request failed: %w", err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(res.Body, 512*1024))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return projectRuntimeAssets{}, fmt.Errorf("runtime-assets endpoint returned HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload projectRuntimeAssetsPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return projectRuntimeAssets{}, fmt.Errorf("failed to decode runtime-assets response: %w", err)
	}

	envVars := make([]projectRuntimeEnvVar, 0, len(payload.EnvVars))
	for _, item := range payload.EnvVars {
		envVars = append(envVars, projectRuntimeEnvVar{Key: item.Key, Value: item.Value})
	}

	files := make([]projectRuntimeFile, 0, len(payload.Files))
	for _, item := range payload.Files {
		files = append(files, projectRuntimeFile{Path: item.Path, Content: item.Content})
	}

	return projectRuntimeAssets{
		EnvVars: envVars,
		Files:   files,
	}, nil
}
