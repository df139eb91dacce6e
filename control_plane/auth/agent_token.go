package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// agentTokenBytes is the entropy of a freshly issued agent token.
const agentTokenBytes = 24

// NewAgentToken returns a random URL-safe token and its bcrypt hash.
// Only the hash is persisted; the plaintext is shown to the operator once.
func NewAgentToken() (token string, hash string, err error) {
	buf := make([]byte, agentTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate agent token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(buf)

	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash agent token: %w", err)
	}
	return token, string(h), nil
}

// VerifyAgentToken reports whether token matches the stored hash.
func VerifyAgentToken(hash, token string) bool {
	if hash == "" || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

// RandomID returns prefix + "_" + 8 random bytes in base64url.
func RandomID(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return prefix + "_" + base64.RawURLEncoding.EncodeToString(buf)
}
