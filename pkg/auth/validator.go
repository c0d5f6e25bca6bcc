package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims the engine expects. Subject is the worker id
// (or operator id for admin tokens).
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// JWTValidator validates HMAC-signed bearer tokens.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator. Returns nil for an empty secret so
// callers fail closed instead of accepting unsigned tokens.
func NewJWTValidator(secret []byte) *JWTValidator {
	if len(secret) == 0 {
		return nil
	}
	return &JWTValidator{secret: secret}
}

// Validate parses and validates a token string and returns the principal
// it carries.
func (v *JWTValidator) Validate(tokenStr string) (Principal, error) {
	if v == nil {
		return nil, fmt.Errorf("validator uninitialized")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token subject is required")
	}
	return &BasePrincipal{ID: claims.Subject, Roles: claims.Roles}, nil
}

// Sign mints a token for the given subject and roles. Used by tests and
// the local development CLI.
func (v *JWTValidator) Sign(subject string, roles []string, ttl time.Duration) (string, error) {
	if v == nil {
		return "", fmt.Errorf("validator uninitialized")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	})
	return token.SignedString(v.secret)
}
