package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Expiry extracts the expiry time from a JWT access token without
// verifying its signature. Verification belongs to the remote service;
// the synchronization core only needs to know how long the credential
// can be reused.
func Expiry(tokenString string) (time.Time, error) {
	parser := jwt.NewParser()

	token, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	expiresAt, err := token.Claims.GetExpirationTime()
	if err != nil || expiresAt == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp claim", ErrMalformedToken)
	}

	return expiresAt.Time, nil
}
