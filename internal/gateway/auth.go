package gateway

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/courier/chat-backend/internal/convlog"
)

// Principal is the identity asserted by a verified credential.
type Principal struct {
	ID          string
	DisplayName string
	Email       string
}

// Authenticator verifies a client credential and returns the principal it
// asserts.
type Authenticator interface {
	Authenticate(token string) (Principal, error)
}

// TokenAuthenticator verifies HS256-signed JWTs. The subject claim carries
// the user id; name and email are optional profile claims.
type TokenAuthenticator struct {
	secret []byte
}

// NewTokenAuthenticator creates a TokenAuthenticator with the given signing
// secret.
func NewTokenAuthenticator(secret string) *TokenAuthenticator {
	return &TokenAuthenticator{secret: []byte(secret)}
}

// Authenticate implements Authenticator.
func (a *TokenAuthenticator) Authenticate(token string) (Principal, error) {
	if token == "" {
		return Principal{}, fmt.Errorf("gateway: empty token")
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("gateway: unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("gateway: token verification failed: %w", err)
	}
	if !parsed.Valid {
		return Principal{}, fmt.Errorf("gateway: invalid token")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Principal{}, fmt.Errorf("gateway: token has no subject")
	}
	if err := convlog.ValidateUserID(sub); err != nil {
		return Principal{}, fmt.Errorf("gateway: token subject unusable: %w", err)
	}

	p := Principal{ID: sub}
	if name, ok := claims["name"].(string); ok {
		p.DisplayName = name
	}
	if email, ok := claims["email"].(string); ok {
		p.Email = email
	}
	if p.DisplayName == "" {
		p.DisplayName = sub
	}
	return p, nil
}
