// Package control guards the operator control surface (manual tick
// trigger, cache flush, error stats) behind a bearer token, grounded in the
// teacher's JWT helper but narrowed to verification only: the operator
// mints tokens out of band, this package never issues one.
package control

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies the operator a verified token belongs to.
type Claims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// Verifier checks operator bearer tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a Verifier. An empty secret means every token is
// rejected; callers in production must supply one (config.Validate
// already enforces this).
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a bearer token, returning the operator
// subject it was issued for.
func (v *Verifier) Verify(tokenString string) (string, error) {
	if len(v.secret) == 0 {
		return "", errors.New("control: no JWT secret configured")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("control: invalid token: %w", err)
	}
	if !token.Valid {
		return "", jwt.ErrSignatureInvalid
	}
	return claims.Subject, nil
}
