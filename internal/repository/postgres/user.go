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

type UserRepo struct {
	DB DBTX
}

const createUser = `-- name: CreateUser
INSERT INTO users (id, email, password_hash)
VALUES ($1, $2, $3)
RETURNING id, created_at, email, password_hash, verified_at
`

func (r *UserRepo) CreateUser(ctx context.Context, email string, hashedPassword string) (models.User, error) {
	rows, _ := r.DB.Query(ctx, createUser, uuid.New(), email, hashedPassword)
	user, err := pgx.CollectOneRow(rows, rowToUser)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return user, apperrors.ErrUserAlreadyExists
		}

		return user, fmt.Errorf("db error: %w", err)
	}

	return user, nil
}

const getUserByID = `-- name: getUserByID
SELECT id, created_at, email, password_hash, verified_at FROM users
WHERE id = $1
`

func (r *UserRepo) GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error) {
	rows, _ := r.DB.Query(ctx, getUserByID, id)
	user, err := pgx.CollectOneRow(rows, rowToUser)

	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, pgx.ErrNoRows):
		return user, apperrors.ErrUserNotFound
	default:
		return user, fmt.Errorf("db error: %w", err)
	}
}

const getUserByEmail = `-- name: getUserByEmail
SELECT id, created_at, email, password_hash, verified_at FROM users
WHERE email = $1
`

func (r *UserRepo) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	rows, _ := r.DB.Query(ctx, getUserByEmail, email)
	user, err := pgx.CollectOneRow(rows, rowToUser)

	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, pgx.ErrNoRows):
		return user, apperrors.ErrUserNotFound
	default:
		return user, fmt.Errorf("db error: %w", err)
	}
}

const markVerified = `-- name: markVerified if not verified yet
UPDATE users
SET verified_at = COALESCE(verified_at, $2)
WHERE id = $1
RETURNING id, created_at, email, password_hash, verified_at
`

// Mark user verified
// Keeps the original verified_at if the user is verified already
func (r *UserRepo) MarkVerified(ctx context.Context, id uuid.UUID, now time.Time) (models.User, error) {
	rows, _ := r.DB.Query(ctx, markVerified, id, now)
	user, err := pgx.CollectOneRow(rows, rowToUser)

	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, pgx.ErrNoRows):
		return user, apperrors.ErrUserNotFound
	default:
		return user, fmt.Errorf("db error: %w", err)
	}
}

const setHashedPassword = `-- name: setHashedPassword
UPDATE users
SET password_hash = $2
WHERE id = $1
`

func (r *UserRepo) SetHashedPassword(ctx context.Context, id uuid.UUID, hashedPassword string) error {
	tag, err := r.DB.Exec(ctx, setHashedPassword, id, hashedPassword)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrUserNotFound
	}
	return nil
}

func rowToUser(row pgx.CollectableRow) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.CreatedAt, &u.Email, &u.HashedPassword, &u.VerifiedAt)
	return u, err
}
