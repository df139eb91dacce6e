package auth

import (
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestTokenRoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer(testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	token, exp, err := issuer.GenerateToken("usr_1", "ops@example.com", "ADMIN")
	if err != nil {
		t.Fatal(err)
	}
	if time.Until(exp) <= 0 {
		t.Errorf("expiry should be in the future")
	}

	claims, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != "usr_1" || claims.Role != "ADMIN" {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestTokenRejectsWrongSecretAndExpiry(t *testing.T) {
	a, _ := NewTokenIssuer(testSecret, time.Hour)
	b, _ := NewTokenIssuer(strings.Repeat("z", 32), time.Hour)

	token, _, _ := a.GenerateToken("usr_1", "x@y.z", "USER")
	if _, err := b.ValidateToken(token); err == nil {
		t.Error("token signed with another secret must be rejected")
	}

	a.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _, _ := a.GenerateToken("usr_1", "x@y.z", "USER")
	a.now = time.Now
	if _, err := a.ValidateToken(old); err == nil {
		t.Error("expired token must be rejected")
	}
}

func TestNewTokenIssuerRejectsShortSecret(t *testing.T) {
	if _, err := NewTokenIssuer("short", time.Hour); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestExtractToken(t *testing.T) {
	if tok, err := ExtractToken("Bearer abc"); err != nil || tok != "abc" {
		t.Errorf("got %q, %v", tok, err)
	}
	for _, h := range []string{"", "abc", "Basic abc", "Bearer "} {
		if _, err := ExtractToken(h); err == nil {
			t.Errorf("expected error for %q", h)
		}
	}
}

func TestPasswordPolicy(t *testing.T) {
	cases := map[string]bool{
		"Short1":       false,
		"alllower12":   false,
		"NODIGITSxx":   false,
		"Valid123":     true,
		"Another9Pass": true,
	}
	for pw, ok := range cases {
		err := CheckPasswordPolicy(pw)
		if ok && err != nil {
			t.Errorf("%q should pass: %v", pw, err)
		}
		if !ok && err == nil {
			t.Errorf("%q should fail", pw)
		}
	}
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("Valid123")
	if err != nil {
		t.Fatal(err)
	}
	if !CheckPassword(hash, "Valid123") {
		t.Error("correct password rejected")
	}
	if CheckPassword(hash, "Valid124") {
		t.Error("wrong password accepted")
	}
}

func TestAgentToken(t *testing.T) {
	token, hash, err := NewAgentToken()
	if err != nil {
		t.Fatal(err)
	}
	if len(token) != 32 {
		t.Errorf("expected 32 base64url chars for 24 bytes, got %d", len(token))
	}
	if strings.Contains(hash, token) {
		t.Error("hash must not contain the plaintext")
	}
	if !VerifyAgentToken(hash, token) {
		t.Error("token should verify against its hash")
	}
	if VerifyAgentToken(hash, token+"x") || VerifyAgentToken("", token) {
		t.Error("mismatched token must not verify")
	}
}

func TestRandomID(t *testing.T) {
	a, b := RandomID("cmd"), RandomID("cmd")
	if !strings.HasPrefix(a, "cmd_") || a == b {
		t.Errorf("unexpected ids %q %q", a, b)
	}
}
