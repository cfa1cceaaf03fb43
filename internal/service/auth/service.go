package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mavrin/marketauth/internal/apperrors"
	"github.com/mavrin/marketauth/internal/logger"
	"github.com/mavrin/marketauth/internal/models"
	"github.com/mavrin/marketauth/internal/repository"
	"github.com/mavrin/marketauth/internal/service/auth/tokenissuer"
)

const (
	defaultRefreshTokenTTL      = 7 * 24 * time.Hour
	defaultVerificationTokenTTL = 24 * time.Hour
	defaultResetTokenTTL        = time.Hour
)

// Interface to create or compare user password hashes
type PasswordHasher interface {
	// Generate Hash from password
	Hash(password string) (string, error)

	// Compare known hashedPassword and user provided password
	// Must be protected against timing attacks
	Compare(hashedPassword string, password string) error
}

// Hasher used when the caller does not provide its own
var DefaultHasher PasswordHasher = BcryptHasher{}

type Config struct {
	// Hasher to use during registration, login and password reset
	Hasher PasswordHasher

	// Stored token lifetimes
	// If not set than default is used
	RefreshTTL      time.Duration
	VerificationTTL time.Duration
	ResetTTL        time.Duration

	// Tokens may live in their own backend (redis). If not set the
	// storage's token repo is used and token mutations join db transactions
	TokenRepo repository.TokenRepo

	// Notifier delivers verification and reset token values to the user.
	// If not set tokens are only logged
	Notifier Notifier

	Logger logger.Logger

	// Clock override for tests
	Now func() time.Time
}

// Service orchestrates the token lifecycle: session issuance, refresh
// rotation, logout, email verification, password reset and cleanup
type Service struct {
	issuer  *tokenissuer.Issuer
	storage repository.Storage
	tokens  repository.TokenRepo
	hasher  PasswordHasher
	notify  Notifier
	logger  logger.Logger
	now     func() time.Time

	refreshTTL      time.Duration
	verificationTTL time.Duration
	resetTTL        time.Duration

	// tokens live in storage, so token ops may join its transactions
	tokensInStorage bool
}

func NewService(cfg Config, issuer *tokenissuer.Issuer, storage repository.Storage) (*Service, error) {
	if issuer == nil {
		return nil, errors.New("token issuer must not be nil")
	}
	if storage == nil {
		return nil, errors.New("storage must not be nil")
	}

	if cfg.Hasher == nil {
		cfg.Hasher = DefaultHasher
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoOpLogger()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NewLogNotifier(cfg.Logger)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	setDefaultDuration := func(field *time.Duration, def time.Duration) {
		if *field == 0 {
			*field = def
		}
	}
	setDefaultDuration(&cfg.RefreshTTL, defaultRefreshTokenTTL)
	setDefaultDuration(&cfg.VerificationTTL, defaultVerificationTokenTTL)
	setDefaultDuration(&cfg.ResetTTL, defaultResetTokenTTL)

	tokens := cfg.TokenRepo
	tokensInStorage := tokens == nil
	if tokensInStorage {
		tokens = storage.Token()
	}

	return &Service{
		issuer:          issuer,
		storage:         storage,
		tokens:          tokens,
		hasher:          cfg.Hasher,
		notify:          cfg.Notifier,
		logger:          cfg.Logger,
		now:             cfg.Now,
		refreshTTL:      cfg.RefreshTTL,
		verificationTTL: cfg.VerificationTTL,
		resetTTL:        cfg.ResetTTL,
		tokensInStorage: tokensInStorage,
	}, nil
}

// Register new user, send verification token and issue first session
func (s *Service) Register(ctx context.Context, email string, password string) (models.TokenPair, error) {
	var pair models.TokenPair

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return pair, fmt.Errorf("can't use this as password. Err: %w", err)
	}

	user, err := s.storage.User().CreateUser(ctx, email, hash)
	if err != nil {
		return pair, err
	}

	// Verification link is best effort: the account exists either way
	// and the token may be requested again
	if _, err := s.GenerateVerificationToken(ctx, user.ID); err != nil {
		s.logger.Error("can't issue verification token on register", "user_id", user.ID, "error", err.Error())
	}

	return s.IssueSession(ctx, user)
}

// Login with email and password, issue fresh session
func (s *Service) Login(ctx context.Context, email string, password string) (models.TokenPair, error) {
	var pair models.TokenPair

	user, err := s.storage.User().GetUserByEmail(ctx, email)
	if err != nil {
		// Burn comparable time so missing users are not distinguishable
		_ = s.hasher.Compare("", password)
		return pair, apperrors.ErrUserNotFound
	}

	if err := s.hasher.Compare(user.HashedPassword, password); err != nil {
		return pair, apperrors.ErrUserNotFound
	}

	return s.IssueSession(ctx, user)
}

// IssueSession mints access token and stored refresh token for the user.
// Each call starts an independent refresh lineage (one per device)
func (s *Service) IssueSession(ctx context.Context, user models.User) (models.TokenPair, error) {
	var pair models.TokenPair

	access, err := s.issuer.IssueAccess(user.ID)
	if err != nil {
		return pair, err
	}

	refresh, err := s.mintStoredToken(ctx, s.tokens, user.ID, models.TokenTypeRefresh, s.refreshTTL)
	if err != nil {
		return pair, fmt.Errorf("error while saving refresh token. Err: %w", err)
	}

	return models.TokenPair{
		Access:  access,
		Refresh: models.IssuedToken{Value: refresh.Value, ExpiresAt: refresh.ExpiresAt},
	}, nil
}

// Refresh rotates the presented refresh token: blacklists it and issues
// the sole successor pair. Reuse of an already rotated value is treated
// as a compromise signal and revokes every live session of the user
func (s *Service) Refresh(ctx context.Context, presented string) (models.TokenPair, error) {
	var pair models.TokenPair

	token, err := s.tokens.Consume(ctx, models.TokenTypeRefresh, presented)
	switch {
	case errors.Is(err, apperrors.ErrTokenReused):
		s.revokeLineage(ctx, token)
		return pair, err
	case err != nil:
		return pair, err
	}

	if !s.now().Before(token.ExpiresAt) {
		return pair, fmt.Errorf("refresh token: %w", apperrors.ErrTokenExpired)
	}

	user, err := s.storage.User().GetUserByID(ctx, token.UserID)
	if err != nil {
		return pair, err
	}

	return s.IssueSession(ctx, user)
}

// Logout blacklists the refresh token. Unknown or already blacklisted
// value is fine: the session is gone either way
func (s *Service) Logout(ctx context.Context, presented string) error {
	_, err := s.tokens.Consume(ctx, models.TokenTypeRefresh, presented)
	switch {
	case err == nil,
		errors.Is(err, apperrors.ErrTokenNotFound),
		errors.Is(err, apperrors.ErrTokenReused):
		return nil
	default:
		return err
	}
}

// GenerateVerificationToken mints single-use email verification token
// and hands it to the notifier. The account state is not touched yet
func (s *Service) GenerateVerificationToken(ctx context.Context, userID uuid.UUID) (string, error) {
	user, err := s.storage.User().GetUserByID(ctx, userID)
	if err != nil {
		return "", err
	}

	token, err := s.mintStoredToken(ctx, s.tokens, user.ID, models.TokenTypeVerification, s.verificationTTL)
	if err != nil {
		return "", fmt.Errorf("error while saving verification token. Err: %w", err)
	}

	if err := s.notify.Send(ctx, user, NotificationVerification, token.Value); err != nil {
		s.logger.Error("can't send verification token", "user_id", user.ID, "error", err.Error())
	}

	return token.Value, nil
}

// VerifyEmail consumes the verification token and marks the user verified.
// Both happen in one transaction when the token store supports it
func (s *Service) VerifyEmail(ctx context.Context, presented string) error {
	verify := func(tokens repository.TokenRepo, users repository.UserRepo) error {
		token, err := s.consumeValid(ctx, tokens, models.TokenTypeVerification, presented)
		if err != nil {
			return err
		}

		_, err = users.MarkVerified(ctx, token.UserID, s.now())
		return err
	}

	if s.tokensInStorage {
		return s.storage.InTx(ctx, func(st repository.Storage) error {
			return verify(st.Token(), st.User())
		})
	}

	// No shared transaction: consume first so the token can't be used twice.
	// A crash in between wastes the token, the user requests a new one
	return verify(s.tokens, s.storage.User())
}

// GenerateResetToken mints single-use password reset token for the account
// with the given email. Callers must not reveal whether the email exists
func (s *Service) GenerateResetToken(ctx context.Context, email string) (string, error) {
	user, err := s.storage.User().GetUserByEmail(ctx, email)
	if err != nil {
		return "", err
	}

	token, err := s.mintStoredToken(ctx, s.tokens, user.ID, models.TokenTypeReset, s.resetTTL)
	if err != nil {
		return "", fmt.Errorf("error while saving reset token. Err: %w", err)
	}

	if err := s.notify.Send(ctx, user, NotificationPasswordReset, token.Value); err != nil {
		s.logger.Error("can't send reset token", "user_id", user.ID, "error", err.Error())
	}

	return token.Value, nil
}

// ResetPassword consumes the reset token and replaces the password hash.
// Every live refresh token of the user is revoked: a password change
// must not leave stolen sessions alive
func (s *Service) ResetPassword(ctx context.Context, presented string, newPassword string) error {
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("can't use this as password. Err: %w", err)
	}

	var userID uuid.UUID
	reset := func(tokens repository.TokenRepo, users repository.UserRepo) error {
		token, err := s.consumeValid(ctx, tokens, models.TokenTypeReset, presented)
		if err != nil {
			return err
		}
		userID = token.UserID

		return users.SetHashedPassword(ctx, token.UserID, hash)
	}

	if s.tokensInStorage {
		err = s.storage.InTx(ctx, func(st repository.Storage) error {
			return reset(st.Token(), st.User())
		})
	} else {
		err = reset(s.tokens, s.storage.User())
	}
	if err != nil {
		return err
	}

	if _, err := s.tokens.BlacklistUserTokens(ctx, userID, models.TokenTypeRefresh); err != nil {
		s.logger.Error("can't revoke sessions after password reset", "user_id", userID, "error", err.Error())
	}

	return nil
}

// CleanupTokens removes rows that expired before now.
// Safe to run concurrently with normal traffic: expired rows are
// unusable whatever their blacklist state
func (s *Service) CleanupTokens(ctx context.Context, now time.Time) (int64, error) {
	return s.tokens.DeleteExpiredBefore(ctx, now)
}

// mintStoredToken generates opaque value and saves the record.
// On value collision it regenerates once: with 320 bits of entropy a
// second collision in a row means something is deeply broken
func (s *Service) mintStoredToken(ctx context.Context, tokens repository.TokenRepo, userID uuid.UUID, tokenType models.TokenType, ttl time.Duration) (models.Token, error) {
	var token models.Token
	for attempt := 0; attempt < 2; attempt++ {
		value, err := s.issuer.NewOpaqueValue()
		if err != nil {
			return token, err
		}

		now := s.now().Truncate(time.Second)
		token, err = tokens.Save(ctx, models.Token{
			ID:        uuid.New(),
			UserID:    userID,
			Value:     value,
			Type:      tokenType,
			IssuedAt:  now,
			ExpiresAt: now.Add(ttl),
		})
		if errors.Is(err, apperrors.ErrTokenValueConflict) {
			continue
		}
		return token, err
	}
	return token, apperrors.ErrTokenValueConflict
}

// consumeValid consumes the token and rejects it when expired
func (s *Service) consumeValid(ctx context.Context, tokens repository.TokenRepo, tokenType models.TokenType, presented string) (models.Token, error) {
	token, err := tokens.Consume(ctx, tokenType, presented)
	if err != nil {
		return token, err
	}

	if !s.now().Before(token.ExpiresAt) {
		return token, fmt.Errorf("%s token: %w", tokenType, apperrors.ErrTokenExpired)
	}

	return token, nil
}

// revokeLineage kills every live refresh token of the owner of the
// replayed token. Reuse means either a very delayed client or someone
// replaying a stolen value: safer to force a fresh login everywhere
func (s *Service) revokeLineage(ctx context.Context, token models.Token) {
	s.logger.Warn("refresh token reuse detected, revoking user sessions",
		"user_id", token.UserID,
		"token_id", token.ID,
	)

	count, err := s.tokens.BlacklistUserTokens(ctx, token.UserID, models.TokenTypeRefresh)
	if err != nil {
		s.logger.Error("can't revoke sessions after token reuse", "user_id", token.UserID, "error", err.Error())
		return
	}
	s.logger.Info("user sessions revoked", "user_id", token.UserID, "count", count)
}
