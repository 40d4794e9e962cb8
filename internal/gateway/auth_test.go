package gateway

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// ---------------------------------------------------------------------------
// Test: A valid token yields the asserted principal
// ---------------------------------------------------------------------------

func TestTokenAuthenticator_Valid(t *testing.T) {
	a := NewTokenAuthenticator("secret")

	token := signToken(t, "secret", jwt.MapClaims{
		"sub":   "alice",
		"name":  "Alice W",
		"email": "alice@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	p, err := a.Authenticate(token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.ID != "alice" || p.DisplayName != "Alice W" || p.Email != "alice@example.com" {
		t.Errorf("principal = %+v", p)
	}
}

// ---------------------------------------------------------------------------
// Test: Display name defaults to the subject
// ---------------------------------------------------------------------------

func TestTokenAuthenticator_DefaultsDisplayName(t *testing.T) {
	a := NewTokenAuthenticator("secret")

	token := signToken(t, "secret", jwt.MapClaims{"sub": "bob"})
	p, err := a.Authenticate(token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.DisplayName != "bob" {
		t.Errorf("display name = %q, want subject fallback", p.DisplayName)
	}
}

// ---------------------------------------------------------------------------
// Test: Bad credentials are rejected
// ---------------------------------------------------------------------------

func TestTokenAuthenticator_Rejects(t *testing.T) {
	a := NewTokenAuthenticator("secret")

	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"wrong secret", signToken(t, "other-secret", jwt.MapClaims{"sub": "alice"})},
		{"no subject", signToken(t, "secret", jwt.MapClaims{"name": "Alice"})},
		{"subject with separator", signToken(t, "secret", jwt.MapClaims{"sub": "ali_ce"})},
		{"expired", signToken(t, "secret", jwt.MapClaims{
			"sub": "alice",
			"exp": time.Now().Add(-time.Hour).Unix(),
		})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := a.Authenticate(tc.token); err == nil {
				t.Error("expected authentication to fail")
			}
		})
	}
}
