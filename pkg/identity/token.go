package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/enginekit/substrate/pkg/models"
)

// TokenClaims is the identity overlay carried by a bearer token.
type TokenClaims struct {
	TenantID    string                `json:"tenant_id"`
	UserID      string                `json:"user_id"`
	Role        models.MembershipRole `json:"role"`
	Memberships []string              `json:"memberships"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HMAC-signed bearer tokens.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a verifier over a shared HMAC secret.
func NewTokenVerifier(secret []byte) *TokenVerifier {
	return &TokenVerifier{secret: secret}
}

// Verify parses and validates a token, returning its claims.
func (v *TokenVerifier) Verify(raw string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}
	return claims, nil
}

// Sign issues a token for the given claims. Used by tests and the lab
// bootstrap tooling; production tokens come from the identity provider.
func (v *TokenVerifier) Sign(claims *TokenClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
