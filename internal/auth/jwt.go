// Package auth provides JWT validation using JWKS.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// nodeManagementAudience is the audience required on tokens presented to
// node-management endpoints (as opposed to workspace terminal/agent access).
const nodeManagementAudience = "node-management"

// legacyTerminalAudience is accepted alongside the configured audience for
// backward compatibility with tokens minted before the audience was renamed.
const legacyTerminalAudience = "workspace-terminal"

// Claims represents the JWT claims issued by the control plane.
type Claims struct {
	jwt.RegisteredClaims
	Workspace string `json:"workspace"`
	Node      string `json:"node"`
}

// JWTValidator validates JWTs using a remote JWKS endpoint.
type JWTValidator struct {
	jwks        *keyfunc.Keyfunc
	audience    string
	issuer      string
	nodeID      string
	workspaceID string
}

// NewJWTValidator creates a new JWT validator that fetches keys from the JWKS endpoint.
// nodeID is the node's own identity, matched by ValidateNodeManagement. The
// (optional, single-workspace deployments) workspace id matched by Validate is
// installed separately with SetWorkspaceID.
func NewJWTValidator(jwksURL, nodeID, issuer, audience string) (*JWTValidator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}

	if audience == "" {
		audience = "vm-agent"
	}

	return &JWTValidator{
		jwks:     k,
		audience: audience,
		issuer:   issuer,
		nodeID:   nodeID,
	}, nil
}

// SetWorkspaceID installs the workspace id this validator enforces for
// workspace-scoped (terminal/agent) audience tokens. Safe to call once at
// startup before the validator is used concurrently.
func (v *JWTValidator) SetWorkspaceID(workspaceID string) {
	v.workspaceID = workspaceID
}

// Validate validates a JWT token for workspace (terminal/agent) access: it
// checks signature, issuer, audience (configured audience or the legacy
// alias), and — when a workspace id is configured — the workspace claim.
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	claims, err := v.parse(tokenString)
	if err != nil {
		return nil, err
	}

	if !v.hasAudience(claims, v.audience, legacyTerminalAudience) {
		return nil, fmt.Errorf("invalid audience")
	}

	if v.workspaceID != "" && claims.Workspace != v.workspaceID {
		return nil, fmt.Errorf("workspace ID mismatch")
	}

	return claims, nil
}

// ValidateNodeManagement validates a JWT token for node-management endpoints:
// audience must equal "node-management" and the node claim must match this
// node's id.
func (v *JWTValidator) ValidateNodeManagement(tokenString string) (*Claims, error) {
	claims, err := v.parse(tokenString)
	if err != nil {
		return nil, err
	}

	if !v.hasAudience(claims, nodeManagementAudience) {
		return nil, fmt.Errorf("invalid audience")
	}

	if v.nodeID == "" || claims.Node != v.nodeID {
		return nil, fmt.Errorf("node claim mismatch")
	}

	return claims, nil
}

func (v *JWTValidator) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("issuer mismatch")
	}
	return claims, nil
}

func (v *JWTValidator) hasAudience(claims *Claims, accepted ...string) bool {
	aud, err := claims.GetAudience()
	if err != nil {
		return false
	}
	for _, a := range aud {
		for _, want := range accepted {
			if a == want {
				return true
			}
		}
	}
	return false
}

// GetUserID extracts the user ID from validated claims.
func (v *JWTValidator) GetUserID(claims *Claims) string {
	return claims.Subject
}

// Close cleans up resources used by the validator.
func (v *JWTValidator) Close() {
	// The keyfunc stops refreshing in the background once dereferenced; no
	// explicit handle to release here.
}
