package client

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignToken mints an HS256 token the server will accept for the given user.
// The load test signs its own credentials with the same shared secret the
// server was started with.
func SignToken(secret, userID, displayName string) (string, error) {
	claims := jwt.MapClaims{
		"sub":  userID,
		"name": displayName,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(2 * time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
