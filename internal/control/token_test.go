package control

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret, subject string, expiry time.Duration) string {
	t.Helper()
	claims := &Claims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	v := NewVerifier("shared-secret")
	token := signToken(t, "shared-secret", "operator-1", time.Hour)

	subject, err := v.Verify(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "operator-1" {
		t.Fatalf("got subject %q, want operator-1", subject)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v := NewVerifier("shared-secret")
	token := signToken(t, "different-secret", "operator-1", time.Hour)

	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected error for token signed with wrong secret")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := NewVerifier("shared-secret")
	token := signToken(t, "shared-secret", "operator-1", -time.Hour)

	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestVerifyRejectsEmptySecret(t *testing.T) {
	v := NewVerifier("")
	token := signToken(t, "anything", "operator-1", time.Hour)

	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected error when no secret is configured")
	}
}
