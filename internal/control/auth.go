// Package control implements the agent<->server control plane: bearer
// token auth, per-agent rate limiting, command queue lifecycle, and the
// HTTP handlers/router that expose them (spec.md §6).
package control

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/bigr-shield/sentinel/internal/idgen"
)

// Agent is the minimal agent identity the control plane needs. The
// store package owns the full record; this is the read-through view
// auth/handlers operate against.
type Agent struct {
	ID       string
	SiteID   string
	Hostname string
	Active   bool
}

// AgentStore is the persistence seam auth and handlers depend on. The
// store package implements it against Postgres or SQLite.
type AgentStore interface {
	AgentByTokenHash(ctx context.Context, tokenHash string) (*Agent, error)
	SetTokenHash(ctx context.Context, agentID, tokenHash string) error
}

// GenerateToken returns a cryptographically secure 64-hex-char token,
// the plaintext of which is shown to the operator exactly once.
func GenerateToken() (string, error) {
	return idgen.Token()
}

// HashToken returns the SHA-256 digest of a plaintext token. Only the
// digest is ever persisted; the plaintext is never stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Authenticator verifies bearer tokens against the agent store.
type Authenticator struct {
	store AgentStore
}

func NewAuthenticator(store AgentStore) *Authenticator {
	return &Authenticator{store: store}
}

// Verify looks up the agent owning bearerToken and rejects inactive or
// unknown agents. It never distinguishes "unknown token" from
// "deactivated agent" in its returned error to avoid leaking which.
func (a *Authenticator) Verify(ctx context.Context, bearerToken string) (*Agent, error) {
	if bearerToken == "" {
		return nil, ErrUnauthorized
	}
	digest := HashToken(bearerToken)
	agent, err := a.store.AgentByTokenHash(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("lookup agent token: %w", err)
	}
	if agent == nil || !agent.Active {
		return nil, ErrUnauthorized
	}
	return agent, nil
}

// RotateToken issues a new token for agentID and persists its hash,
// invalidating any previously issued token.
func (a *Authenticator) RotateToken(ctx context.Context, agentID string) (string, error) {
	token, err := GenerateToken()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	if err := a.store.SetTokenHash(ctx, agentID, HashToken(token)); err != nil {
		return "", fmt.Errorf("persist token hash: %w", err)
	}
	return token, nil
}

// constantTimeEqual compares two secrets without leaking timing info.
// Used by handleRegister to check the presented bearer token against
// RegistrationSecret, since that comparison runs against a plaintext
// shared secret rather than a looked-up hash.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ErrUnauthorized is returned for any invalid, unknown, or deactivated
// bearer token.
var ErrUnauthorized = fmt.Errorf("invalid or revoked agent token")
