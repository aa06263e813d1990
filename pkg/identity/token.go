package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// DefaultTokenPrefix identifies Keystone session tokens
	DefaultTokenPrefix = "kst_"
	// tokenBytes is the number of random bytes per token (256 bits)
	tokenBytes = 32
)

// TokenGenerator generates and validates API session tokens.
// Format: <prefix><base64url(32 random bytes)>. Only the SHA-256 hash is
// ever persisted.
type TokenGenerator struct {
	prefix string
}

// NewTokenGenerator creates a token generator with the given prefix
func NewTokenGenerator(prefix string) *TokenGenerator {
	if prefix == "" {
		prefix = DefaultTokenPrefix
	}
	return &TokenGenerator{prefix: prefix}
}

// Generate creates a new token, returning the plaintext token (shown to the
// client exactly once) and its storage hash.
func (tg *TokenGenerator) Generate() (token string, tokenHash string, err error) {
	randomBytes := make([]byte, tokenBytes)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	token = tg.prefix + base64.RawURLEncoding.EncodeToString(randomBytes)
	return token, tg.Hash(token), nil
}

// Hash computes the SHA-256 hash of a token for storage and lookup
func (tg *TokenGenerator) Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ValidateFormat checks that a presented token has the expected shape before
// any store lookup.
func (tg *TokenGenerator) ValidateFormat(token string) error {
	if !strings.HasPrefix(token, tg.prefix) {
		return fmt.Errorf("token must start with %q", tg.prefix)
	}

	encoded := strings.TrimPrefix(token, tg.prefix)
	if encoded == "" {
		return fmt.Errorf("token is too short")
	}

	if _, err := base64.RawURLEncoding.DecodeString(encoded); err != nil {
		return fmt.Errorf("invalid token encoding: %w", err)
	}

	return nil
}
