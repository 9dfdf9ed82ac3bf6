// Package auth covers the two token checks the gateway performs:
// first-party JWT sessions and Google OIDC tokens on Pub/Sub pushes.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zerg-ai/zerg/internal/apierr"
	"github.com/zerg-ai/zerg/internal/store"
)

// Claims is the first-party session token payload.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// OwnerID returns the subject.
func (c *Claims) OwnerID() string { return c.Subject }

// Tokens mints and verifies HS256 session tokens.
type Tokens struct {
	secret []byte
}

// NewTokens builds a token codec over the shared signing secret.
func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret)}
}

// Mint issues a session token for an owner.
func (t *Tokens) Mint(owner *store.Owner, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{
		Email: owner.Email,
		Role:  owner.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   owner.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify parses and validates a session token.
func (t *Tokens) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apierr.Newf(apierr.KindAuth, "unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindAuth, "invalid token", err)
	}
	if claims.Subject == "" {
		return nil, apierr.New(apierr.KindAuth, "token has no subject")
	}
	return claims, nil
}
