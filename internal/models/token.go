package models

import (
	"time"

	"github.com/google/uuid"
)

// Kind of the stored token. Values of different types never mix:
// a reset value presented to the refresh endpoint is just "not found".
type TokenType string

const (
	TokenTypeRefresh      TokenType = "refresh"
	TokenTypeVerification TokenType = "verification"
	TokenTypeReset        TokenType = "reset"
)

// Stored single-use token (refresh, email verification or password reset).
// Mutated only to flip Blacklisted; physically removed by the cleanup sweep
// once expired.
type Token struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Value       string
	Type        TokenType
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Blacklisted bool
}

// Token may be used iff it not blacklisted and not expired yet
func (t Token) IsValid(now time.Time) bool {
	return !t.Blacklisted && now.Before(t.ExpiresAt)
}

type IssuedToken struct {
	Value     string
	ExpiresAt time.Time
}

// Pair of tokens that returned to the user on authentication
type TokenPair struct {
	Access  IssuedToken
	Refresh IssuedToken
}
