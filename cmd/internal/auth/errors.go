package auth

import "errors"

var (
	// ErrConfig reports unusable auth configuration.
	ErrConfig = errors.New("auth: invalid configuration")

	// ErrInvalidToken covers every token rejection: bad signature, wrong
	// issuer, expiry, missing claims, or an account that no longer exists.
	ErrInvalidToken = errors.New("auth: invalid token")
)
