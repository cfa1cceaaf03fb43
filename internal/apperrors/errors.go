package apperrors

import (
	"errors"
)

var (
	ErrUserAlreadyExists = errors.New("user already exists")
	ErrUserNotFound      = errors.New("user not found")

	// Token lookup failures. Handlers must collapse all of these into one
	// generic "invalid or expired token" response; the distinct kinds exist
	// for logging and alerting only.
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token is expired")

	// ErrTokenReused means the presented value was blacklisted already.
	// For refresh tokens this is the reuse-detection signal: possibly a
	// stolen-token replay, not a benign retry.
	ErrTokenReused = errors.New("token is already used")

	// ErrTokenValueConflict: generated value collided on insert.
	// Caller should regenerate and retry once.
	ErrTokenValueConflict = errors.New("token value already exists")
)
