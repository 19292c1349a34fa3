package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// apiKeyRandomBytes is the amount of entropy in a generated project API key,
// before the prefix and preview are derived from it.
const apiKeyRandomBytes = 24

// GenerateAPIKey returns a new random project API key, its deterministic
// SHA-256 hash (for exact-match lookup via Store.GetProjectByAPIKeyHash),
// and a short non-secret preview suitable for display in a dashboard UI.
//
// API keys use a deterministic hash rather than argon2id: the store looks
// keys up by exact hash equality (no per-project stored salt to re-derive
// against), which only a deterministic, unsalted hash makes possible.
func GenerateAPIKey() (key, hash, preview string, err error) {
	buf := make([]byte, apiKeyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("generate api key entropy: %w", err)
	}
	key = "em_" + hex.EncodeToString(buf)
	hash = HashAPIKey(key)
	preview = previewAPIKey(key)
	return key, hash, preview, nil
}

// HashAPIKey returns the deterministic SHA-256 hex digest of an API key, as
// stored in Project.APIKeyHash and used for lookup.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// previewAPIKey renders the last 6 characters of a key, e.g. "em_...c3a1b2",
// for display without exposing the full secret.
func previewAPIKey(key string) string {
	const tailLen = 6
	if len(key) <= tailLen {
		return key
	}
	return key[:3] + "..." + key[len(key)-tailLen:]
}
