// Package idgen generates the identifier formats the system relies on:
// lowercased RFC 4122 UUIDs for most entities, and sh_-prefixed short
// ids for Shield scans.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// UUID returns a lowercased RFC 4122 UUID string.
func UUID() string {
	return uuid.New().String()
}

// ShieldScanID returns an id of the form sh_ followed by 8 hex characters.
func ShieldScanID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the platform RNG is broken; fall back
		// to a uuid-derived suffix rather than panic.
		return "sh_" + uuid.New().String()[:8]
	}
	return fmt.Sprintf("sh_%s", hex.EncodeToString(b[:]))
}

// Token returns a cryptographically random 32-byte token rendered as 64
// lowercase hex characters, suitable as a one-time agent bearer token.
func Token() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
