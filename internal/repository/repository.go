package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mavrin/marketauth/internal/models"
)

// User repository interface
type UserRepo interface {
	// Create user
	// If user with email exists already has to return apperrors.ErrUserAlreadyExists
	CreateUser(ctx context.Context, email string, hashedPassword string) (models.User, error)

	// Get user by its id or email
	// If user not found must return apperrors.ErrUserNotFound
	GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)

	// Set verified_at to now if not set yet
	// Idempotent: verifying already verified user keeps the original time
	MarkVerified(ctx context.Context, userID uuid.UUID, now time.Time) (models.User, error)

	// Replace user password hash
	SetHashedPassword(ctx context.Context, userID uuid.UUID, hashedPassword string) error
}

// Token repository interface
// Implementations must serialize mutations per token value: two concurrent
// Consume calls with the same value must yield exactly one winner
type TokenRepo interface {
	// Save token in repository
	// If value exists already for the type, must return apperrors.ErrTokenValueConflict
	Save(ctx context.Context, token models.Token) (models.Token, error)

	// Return the token whatever state it is in
	// Must return apperrors.ErrTokenNotFound if the (type, value) pair is unknown
	Get(ctx context.Context, tokenType models.TokenType, value string) (models.Token, error)

	// Atomically blacklist the token and return its previous record.
	// Single compare-and-set update, not read-then-write:
	//   - unknown (type, value): apperrors.ErrTokenNotFound
	//   - already blacklisted: apperrors.ErrTokenReused
	// Expiry is NOT checked here, the caller decides what expired means
	Consume(ctx context.Context, tokenType models.TokenType, value string) (models.Token, error)

	// Blacklist token by id. Idempotent: blacklisting twice is not an error
	Blacklist(ctx context.Context, tokenID uuid.UUID) error

	// Blacklist every live token of the given type owned by the user.
	// Returns the number of tokens affected
	BlacklistUserTokens(ctx context.Context, userID uuid.UUID, tokenType models.TokenType) (int64, error)

	// Remove rows expired before the given moment, blacklisted or not.
	// Must never touch unexpired rows
	DeleteExpiredBefore(ctx context.Context, now time.Time) (int64, error)
}

// Storage aggregates repositories sharing one backend
type Storage interface {
	User() UserRepo
	Token() TokenRepo

	// Run fn within a single transaction if the backend supports one.
	// Implementations without transactions run fn as is
	InTx(ctx context.Context, fn func(Storage) error) error
}
