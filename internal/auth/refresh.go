package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// refreshTokenBytes is the entropy behind one opaque refresh token.
const refreshTokenBytes = 32

// GenerateRefreshToken mints an opaque dashboard refresh token and its
// SHA-256 hash. The raw token goes to the client once; only the hash is
// persisted (refresh_tokens.token_hash), so a leaked database cannot be
// replayed as live sessions. The token is base64url without padding.
func GenerateRefreshToken() (token string, hash string, err error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate refresh token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(b)
	return token, HashRefreshToken(token), nil
}

// HashRefreshToken returns the hex-encoded SHA-256 of a raw refresh
// token, the form stored and looked up by the session endpoints.
func HashRefreshToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
