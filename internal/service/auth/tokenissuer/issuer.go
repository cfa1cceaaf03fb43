package tokenissuer

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mavrin/marketauth/internal/apperrors"
	"github.com/mavrin/marketauth/internal/models"
)

const (
	defaultAccessTokenTTL = 15 * time.Minute
	defaultSigningMethod  = "HS256"

	// 40 random bytes = 320 bits of entropy, hex encoded.
	// Collisions are treated as negligible, not handled
	opaqueValueBytesLen = 40
)

type AccessTokenClaims struct {
	jwt.RegisteredClaims
	UserID uuid.UUID `json:"uid"`
}

// Issuer config with sensible defaults
type Config struct {
	// Secret key to sign access token
	// Required to be set
	SecretKey string

	// JWT MAC (Message Authentication Code) algorithm
	// If not set than default is used
	Alg string

	// Access token lifetime
	// If not set than default is used
	AccessTTL time.Duration

	// Clock override for tests
	Now func() time.Time
}

// Issuer mints signed access tokens and opaque random values.
// It never talks to storage: access token verification stays store-free
type Issuer struct {
	key       string
	alg       jwt.SigningMethod
	accessTTL time.Duration
	now       func() time.Time
}

func New(cfg Config) (*Issuer, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("secret key must not be empty")
	}

	if cfg.Alg == "" {
		cfg.Alg = defaultSigningMethod
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = defaultAccessTokenTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Issuer{
		key:       cfg.SecretKey,
		alg:       jwt.GetSigningMethod(cfg.Alg),
		accessTTL: cfg.AccessTTL,
		now:       cfg.Now,
	}, nil
}

// IssueAccess mints signed access token for the user. No side effects
func (i *Issuer) IssueAccess(userID uuid.UUID) (models.IssuedToken, error) {
	now := i.now().Truncate(time.Second)
	expiresAt := now.Add(i.accessTTL)

	token := jwt.NewWithClaims(
		i.alg,
		AccessTokenClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				ID:        uuid.NewString(),
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(expiresAt),
			},
			UserID: userID,
		},
	)
	value, err := token.SignedString([]byte(i.key))
	if err != nil {
		return models.IssuedToken{}, fmt.Errorf("error while signing access token. Err: %w", err)
	}

	return models.IssuedToken{Value: value, ExpiresAt: expiresAt}, nil
}

// ParseAccess parses and validates access token.
// Pure function of the signed payload, no store lookup.
// Expired tokens return apperrors.ErrTokenExpired, everything else
// that fails validation returns apperrors.ErrTokenNotFound
func (i *Issuer) ParseAccess(access string) (uuid.UUID, error) {
	claims := &AccessTokenClaims{}

	_, err := jwt.ParseWithClaims(
		access,
		claims,
		func(t *jwt.Token) (any, error) {
			return []byte(i.key), nil
		},
		jwt.WithValidMethods([]string{i.alg.Alg()}),
		jwt.WithTimeFunc(i.now),
	)

	switch {
	case err == nil:
		return claims.UserID, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return uuid.Nil, fmt.Errorf("access token expired: %w", apperrors.ErrTokenExpired)
	default:
		return uuid.Nil, fmt.Errorf("access token invalid: %w", apperrors.ErrTokenNotFound)
	}
}

// NewOpaqueValue generates unguessable random value for stored tokens
func (i *Issuer) NewOpaqueValue() (string, error) {
	b := make([]byte, opaqueValueBytesLen)
	_, err := rand.Read(b)
	if err != nil {
		return "", fmt.Errorf("error while generating token value. Err: %w", err)
	}
	return hex.EncodeToString(b), nil
}
