package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mavrin/marketauth/internal/apperrors"
	"github.com/mavrin/marketauth/internal/models"
)

type TokenRepo struct {
	DB DBTX
}

const saveToken = `-- name: Save token
INSERT INTO tokens (id, user_id, value, type, issued_at, expires_at, blacklisted)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, user_id, value, type, issued_at, expires_at, blacklisted
`

func (r *TokenRepo) Save(ctx context.Context, token models.Token) (models.Token, error) {
	rows, _ := r.DB.Query(ctx, saveToken,
		token.ID, token.UserID, token.Value, token.Type, token.IssuedAt, token.ExpiresAt, token.Blacklisted)
	saved, err := pgx.CollectOneRow(rows, rowToToken)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return saved, apperrors.ErrTokenValueConflict
		}

		return saved, fmt.Errorf("db error: %w", err)
	}

	return saved, nil
}

const getToken = `-- name: Get token by type and value
SELECT id, user_id, value, type, issued_at, expires_at, blacklisted
FROM tokens
WHERE type = $1 AND value = $2
`

// Get token
// It should return result even if it blacklisted or expired already
func (r *TokenRepo) Get(ctx context.Context, tokenType models.TokenType, value string) (models.Token, error) {
	rows, _ := r.DB.Query(ctx, getToken, tokenType, value)
	token, err := pgx.CollectOneRow(rows, rowToToken)

	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, pgx.ErrNoRows):
		return token, fmt.Errorf("repo error: %w", apperrors.ErrTokenNotFound)
	default:
		return token, fmt.Errorf("db error: %w", err)
	}
}

const consumeToken = `-- name: Blacklist token if it still active
UPDATE tokens
SET blacklisted = TRUE
WHERE type = $1 AND value = $2 AND blacklisted = FALSE
RETURNING id, user_id, value, type, issued_at, expires_at, blacklisted
`

// Consume blacklists the token in a single conditional update.
// Two concurrent calls with the same value race on the WHERE clause:
// exactly one sees the row, the loser falls into the Get below and
// reports the token as reused
func (r *TokenRepo) Consume(ctx context.Context, tokenType models.TokenType, value string) (models.Token, error) {
	rows, _ := r.DB.Query(ctx, consumeToken, tokenType, value)
	token, err := pgx.CollectOneRow(rows, rowToToken)

	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Either the value is unknown or it was blacklisted before us
		got, getErr := r.Get(ctx, tokenType, value)
		if getErr != nil {
			return got, getErr
		}
		return got, fmt.Errorf("repo error: %w", apperrors.ErrTokenReused)
	default:
		return token, fmt.Errorf("db error: %w", err)
	}
}

const blacklistToken = `-- name: Blacklist token by id
UPDATE tokens
SET blacklisted = TRUE
WHERE id = $1
`

// Blacklist token by id
// Idempotent: blacklisting already blacklisted or unknown token is a no-op
func (r *TokenRepo) Blacklist(ctx context.Context, tokenID uuid.UUID) error {
	_, err := r.DB.Exec(ctx, blacklistToken, tokenID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

const blacklistUserTokens = `-- name: Blacklist all live tokens of the type for user
UPDATE tokens
SET blacklisted = TRUE
WHERE user_id = $1 AND type = $2 AND blacklisted = FALSE
`

func (r *TokenRepo) BlacklistUserTokens(ctx context.Context, userID uuid.UUID, tokenType models.TokenType) (int64, error) {
	tag, err := r.DB.Exec(ctx, blacklistUserTokens, userID, tokenType)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return tag.RowsAffected(), nil
}

const deleteExpiredTokens = `-- name: Delete expired tokens
DELETE FROM tokens
WHERE expires_at < $1
`

// Delete rows that expired before the given moment
// Blacklisted but unexpired rows must stay: they carry the reuse signal
func (r *TokenRepo) DeleteExpiredBefore(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.DB.Exec(ctx, deleteExpiredTokens, now)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return tag.RowsAffected(), nil
}

func rowToToken(row pgx.CollectableRow) (models.Token, error) {
	var t models.Token
	err := row.Scan(&t.ID, &t.UserID, &t.Value, &t.Type, &t.IssuedAt, &t.ExpiresAt, &t.Blacklisted)
	return t, err
}
