package token

import "errors"

// Sentinel errors for token brokering.
var (
	// ErrInvalidPrincipal indicates a principal id that is not a
	// positive integer.
	ErrInvalidPrincipal = errors.New("token: principal id must be a positive integer")

	// ErrMalformedToken indicates a credential that could not be
	// parsed as a JWT.
	ErrMalformedToken = errors.New("token: malformed token")
)
