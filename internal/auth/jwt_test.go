package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// testJWKSServer spins up an httptest server exposing a single RSA public
// key as a JWKS document, mirroring the control plane's /.well-known/jwks.json.
func testJWKSServer(t *testing.T, key *rsa.PrivateKey, kid string) *httptest.Server {
	t.Helper()
	n := base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString([]byte{1, 0, 1})
	body := fmt.Sprintf(`{"keys":[{"kty":"RSA","use":"sig","kid":%q,"alg":"RS256","n":%q,"e":%q}]}`, kid, n, e)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func newTestValidator(t *testing.T, nodeID, issuer, audience string) (*JWTValidator, *rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	kid := "test-key"
	srv := testJWKSServer(t, key, kid)
	t.Cleanup(srv.Close)

	v, err := NewJWTValidator(srv.URL, nodeID, issuer, audience)
	if err != nil {
		t.Fatalf("NewJWTValidator: %v", err)
	}
	return v, key, kid
}

func baseClaims(issuer, workspace, node string, aud []string) *Claims {
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    issuer,
			Audience:  aud,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Workspace: workspace,
		Node:      node,
	}
}

func TestValidateAcceptsConfiguredAudienceAndWorkspace(t *testing.T) {
	v, key, kid := newTestValidator(t, "node-1", "cloud-ai-workspaces", "vm-agent")
	v.SetWorkspaceID("ws-abc123")

	tok := signToken(t, key, kid, baseClaims("cloud-ai-workspaces", "ws-abc123", "", []string{"vm-agent"}))
	claims, err := v.Validate(tok)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Workspace != "ws-abc123" {
		t.Fatalf("unexpected workspace claim: %s", claims.Workspace)
	}
}

func TestValidateAcceptsLegacyAudience(t *testing.T) {
	v, key, kid := newTestValidator(t, "node-1", "cloud-ai-workspaces", "vm-agent")
	v.SetWorkspaceID("ws-abc123")

	tok := signToken(t, key, kid, baseClaims("cloud-ai-workspaces", "ws-abc123", "", []string{"workspace-terminal"}))
	if _, err := v.Validate(tok); err != nil {
		t.Fatalf("expected legacy audience to be accepted, got: %v", err)
	}
}

func TestValidateRejectsWrongWorkspace(t *testing.T) {
	v, key, kid := newTestValidator(t, "node-1", "cloud-ai-workspaces", "vm-agent")
	v.SetWorkspaceID("ws-abc123")

	tok := signToken(t, key, kid, baseClaims("cloud-ai-workspaces", "ws-other0", "", []string{"vm-agent"}))
	if _, err := v.Validate(tok); err == nil {
		t.Fatal("expected workspace mismatch error")
	}
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	v, key, kid := newTestValidator(t, "node-1", "cloud-ai-workspaces", "vm-agent")
	v.SetWorkspaceID("ws-abc123")

	tok := signToken(t, key, kid, baseClaims("someone-else", "ws-abc123", "", []string{"vm-agent"}))
	if _, err := v.Validate(tok); err == nil {
		t.Fatal("expected issuer mismatch error")
	}
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	v, key, kid := newTestValidator(t, "node-1", "cloud-ai-workspaces", "vm-agent")
	v.SetWorkspaceID("ws-abc123")

	tok := signToken(t, key, kid, baseClaims("cloud-ai-workspaces", "ws-abc123", "", []string{"some-other-aud"}))
	if _, err := v.Validate(tok); err == nil {
		t.Fatal("expected audience mismatch error")
	}
}

func TestValidateNodeManagementRequiresMatchingNodeClaim(t *testing.T) {
	v, key, kid := newTestValidator(t, "node-1", "cloud-ai-workspaces", "vm-agent")

	good := signToken(t, key, kid, baseClaims("cloud-ai-workspaces", "", "node-1", []string{"node-management"}))
	if _, err := v.ValidateNodeManagement(good); err != nil {
		t.Fatalf("expected node-management token to validate: %v", err)
	}

	wrongNode := signToken(t, key, kid, baseClaims("cloud-ai-workspaces", "", "node-2", []string{"node-management"}))
	if _, err := v.ValidateNodeManagement(wrongNode); err == nil {
		t.Fatal("expected node claim mismatch error")
	}

	wrongAud := signToken(t, key, kid, baseClaims("cloud-ai-workspaces", "", "node-1", []string{"vm-agent"}))
	if _, err := v.ValidateNodeManagement(wrongAud); err == nil {
		t.Fatal("expected audience mismatch error for node-management check")
	}
}

// TestValidatePropertyAudienceEnforcement exercises testable property 6:
// Validate accepts a token iff the expected audience is present and the
// workspace claim constraint (when configured) is satisfied.
func TestValidatePropertyAudienceEnforcement(t *testing.T) {
	v, key, kid := newTestValidator(t, "node-1", "cloud-ai-workspaces", "vm-agent")
	v.SetWorkspaceID("ws-abc123")

	cases := []struct {
		name      string
		aud       []string
		workspace string
		wantOK    bool
	}{
		{"matching aud and workspace", []string{"vm-agent"}, "ws-abc123", true},
		{"legacy aud and workspace", []string{"workspace-terminal"}, "ws-abc123", true},
		{"wrong aud", []string{"other"}, "ws-abc123", false},
		{"wrong workspace", []string{"vm-agent"}, "ws-wrong00", false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tok := signToken(t, key, kid, baseClaims("cloud-ai-workspaces", tc.workspace, "", tc.aud))
			_, err := v.Validate(tok)
			if (err == nil) != tc.wantOK {
				t.Fatalf("Validate() ok=%v, want %v (err=%v)", err == nil, tc.wantOK, err)
			}
		})
	}
}
