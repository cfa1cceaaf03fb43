package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mavrin/marketauth/internal/apperrors"
	"github.com/mavrin/marketauth/internal/models"
	"github.com/mavrin/marketauth/internal/repository/postgres"
	"github.com/mavrin/marketauth/internal/service/auth/tokenissuer"
	"github.com/mavrin/marketauth/internal/testutil"
)

// Movable clock for expiry tests
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func Test_Service(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	// Begin new db transaction and create new Service over it.
	// Rollback transaction when test stops
	withTx := func(t *testing.T, cfg Config, fn func(s *Service, clock *testClock)) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			clock := newTestClock()
			cfg.Now = clock.Now

			issuer, err := tokenissuer.New(tokenissuer.Config{
				SecretKey: "test-secret-key",
				Now:       clock.Now,
			})
			require.NoError(t, err, "issuer should be created without errors")

			s, err := NewService(cfg, issuer, postgres.NewStorage(tx))
			require.NoError(t, err, "auth service couldn't be started")

			fn(s, clock)
		})
	}

	t.Run("new service defaults", func(t *testing.T) {
		issuer, err := tokenissuer.New(tokenissuer.Config{SecretKey: "secret"})
		require.NoError(t, err)

		s, err := NewService(Config{}, issuer, postgres.NewStorage(pg.Pool))
		require.NoError(t, err, "auth service should be created without errors")

		require.Equal(t, BcryptHasher{}, s.hasher, "default hasher should be set to BcryptHasher")
		require.Equal(t, defaultRefreshTokenTTL, s.refreshTTL, "default refresh token TTL should be set")
		require.Equal(t, defaultVerificationTokenTTL, s.verificationTTL)
		require.Equal(t, defaultResetTokenTTL, s.resetTTL)
		require.True(t, s.tokensInStorage, "tokens should live in storage when no override given")
	})

	t.Run("Register", func(t *testing.T) {
		t.Run("new user ok", func(t *testing.T) {
			withTx(t, Config{}, func(s *Service, _ *testClock) {
				pair, err := s.Register(t.Context(), "nm@example.com", "pwd")

				require.NoError(t, err, "registering new user should be ok")
				require.NotEmpty(t, pair.Access.Value, "access token should not be empty")
				require.NotEmpty(t, pair.Refresh.Value, "refresh token should not be empty")
			})
		})

		t.Run("fail if user exists", func(t *testing.T) {
			withTx(t, Config{}, func(s *Service, _ *testClock) {
				_, err := s.Register(t.Context(), "nm@example.com", "pwd")
				require.NoError(t, err)

				_, err = s.Register(t.Context(), "nm@example.com", "other-pwd")

				require.ErrorIs(t, err, apperrors.ErrUserAlreadyExists)
			})
		})

		t.Run("sends verification token", func(t *testing.T) {
			withTx(t, Config{}, func(s *Service, _ *testClock) {
				notifier := &recordingNotifier{}
				s.notify = notifier

				_, err := s.Register(t.Context(), "nm@example.com", "pwd")
				require.NoError(t, err)

				require.Len(t, notifier.sent, 1, "one verification notification expected")
				require.Equal(t, NotificationVerification, notifier.sent[0].kind)
				require.NotEmpty(t, notifier.sent[0].token)
			})
		})
	})

	t.Run("Login", func(t *testing.T) {
		t.Run("existing user ok", func(t *testing.T) {
			withTx(t, Config{}, func(s *Service, _ *testClock) {
				_, err := s.Register(t.Context(), "nm@example.com", "pwd")
				require.NoError(t, err)

				pair, err := s.Login(t.Context(), "nm@example.com", "pwd")

				require.NoError(t, err)
				require.NotEmpty(t, pair.Access.Value, "access token should not be empty")
				require.NotEmpty(t, pair.Refresh.Value, "refresh token should not be empty")
			})
		})

		tests := []struct {
			name     string
			email    string
			password string
		}{
			{
				name:     "login fail if wrong password",
				email:    "nm@example.com",
				password: "wrong",
			},
			{
				name:     "login fail if user not exists",
				email:    "nobody@example.com",
				password: "pwd",
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				withTx(t, Config{}, func(s *Service, _ *testClock) {
					_, err := s.Register(t.Context(), "nm@example.com", "pwd")
					require.NoError(t, err)

					_, err = s.Login(t.Context(), tt.email, tt.password)

					require.ErrorIs(t, err, apperrors.ErrUserNotFound)
				})
			})
		}
	})

	t.Run("Refresh", func(t *testing.T) {
		t.Run("refresh once ok", func(t *testing.T) {
			withTx(t, Config{}, func(s *Service, _ *testClock) {
				initialPair, err := s.Register(t.Context(), "nm@example.com", "pwd")
				require.NoError(t, err)

				newPair, err := s.Refresh(t.Context(), initialPair.Refresh.Value)

				require.NoError(t, err)
				require.NotEqual(t, initialPair.Access.Value, newPair.Access.Value, "new access token should be different")
				require.NotEqual(t, initialPair.Refresh.Value, newPair.Refresh.Value, "new refresh token should be different")

				user, err := s.storage.User().GetUserByEmail(t.Context(), "nm@example.com")
				require.NoError(t, err)
				parsed, err := s.issuer.ParseAccess(newPair.Access.Value)
				require.NoError(t, err)
				require.Equal(t, user.ID, parsed, "new access token must resolve to the same user")

				// The lineage continues through the successor
				_, err = s.Refresh(t.Context(), newPair.Refresh.Value)
				require.NoError(t, err, "successor refresh token must work")
			})
		})

		t.Run("fail if used once", func(t *testing.T) {
			withTx(t, Config{}, func(s *Service, _ *testClock) {
				initialPair, err := s.Register(t.Context(), "nm@example.com", "pwd")
				require.NoError(t, err)

				_, err = s.Refresh(t.Context(), initialPair.Refresh.Value)
				require.NoError(t, err)

				_, err = s.Refresh(t.Context(), initialPair.Refresh.Value)
				require.ErrorIs(t, err, apperrors.ErrTokenReused, "should return error if token already rotated")
			})
		})

		t.Run("reuse revokes all user sessions", func(t *testing.T) {
			withTx(t, Config{}, func(s *Service, _ *testClock) {
				firstDevice, err := s.Register(t.Context(), "nm@example.com", "pwd")
				require.NoError(t, err)

				secondDevice, err := s.Login(t.Context(), "nm@example.com", "pwd")
				require.NoError(t, err)

				rotated, err := s.Refresh(t.Context(), firstDevice.Refresh.Value)
				require.NoError(t, err)

				// Replay of the rotated value kills the whole account's sessions
				_, err = s.Refresh(t.Context(), firstDevice.Refresh.Value)
				require.ErrorIs(t, err, apperrors.ErrTokenReused)

				_, err = s.Refresh(t.Context(), rotated.Refresh.Value)
				require.ErrorIs(t, err, apperrors.ErrTokenReused, "successor of the replayed token must be dead")

				_, err = s.Refresh(t.Context(), secondDevice.Refresh.Value)
				require.ErrorIs(t, err, apperrors.ErrTokenReused, "other device session must be dead too")
			})
		})

		t.Run("fail if expired", func(t *testing.T) {
			withTx(t, Config{RefreshTTL: time.Minute}, func(s *Service, clock *testClock) {
				initialPair, err := s.Register(t.Context(), "nm@example.com", "pwd")
				require.NoError(t, err)

				clock.Advance(2 * time.Minute)

				_, err = s.Refresh(t.Context(), initialPair.Refresh.Value)
				require.ErrorIs(t, err, apperrors.ErrTokenExpired, "should return error if token expired")
			})
		})

		t.Run("fail if unknown value", func(t *testing.T) {
			withTx(t, Config{}, func(s *Service, _ *testClock) {
				_, err := s.Refresh(t.Context(), "never-issued")
				require.ErrorIs(t, err, apperrors.ErrTokenNotFound)
			})
		})
	})

	t.Run("Logout", func(t *testing.T) {
		t.Run("kills the session", func(t *testing.T) {
			withTx(t, Config{}, func(s *Service, _ *testClock) {
				pair, err := s.Register(t.Context(), "nm@example.com", "pwd")
				require.NoError(t, err)

				require.NoError(t, s.Logout(t.Context(), pair.Refresh.Value))

				_, err = s.Refresh(t.Context(), pair.Refresh.Value)
				require.ErrorIs(t, err, apperrors.ErrTokenReused, "logged out token must not refresh")
			})
		})

		t.Run("idempotent", func(t *testing.T) {
			withTx(t, Config{}, func(s *Service, _ *testClock) {
				pair, err := s.Register(t.Context(), "nm@example.com", "pwd")
				require.NoError(t, err)

				require.NoError(t, s.Logout(t.Context(), pair.Refresh.Value))
				require.NoError(t, s.Logout(t.Context(), pair.Refresh.Value), "second logout is fine")
				require.NoError(t, s.Logout(t.Context(), "never-issued"), "unknown value is fine")
			})
		})
	})

	t.Run("VerifyEmail", func(t *testing.T) {
		register := func(t *testing.T, s *Service) (models.User, string) {
			notifier := &recordingNotifier{}
			s.notify = notifier

			_, err := s.Register(t.Context(), "nm@example.com", "pwd")
			require.NoError(t, err)

			user, err := s.storage.User().GetUserByEmail(t.Context(), "nm@example.com")
			require.NoError(t, err)
			require.False(t, user.IsVerified(), "fresh account must not be verified")

			require.Len(t, notifier.sent, 1)
			return user, notifier.sent[0].token
		}

		t.Run("marks user verified", func(t *testing.T) {
			withTx(t, Config{}, func(s *Service, _ *testClock) {
				user, token := register(t, s)

				require.NoError(t, s.VerifyEmail(t.Context(), token))

				user, err := s.storage.User().GetUserByID(t.Context(), user.ID)
				require.NoError(t, err)
				require.True(t, user.IsVerified())
			})
		})

		t.Run("token is single use", func(t *testing.T) {
			withTx(t, Config{}, func(s *Service, _ *testClock) {
				_, token := register(t, s)

				require.NoError(t, s.VerifyEmail(t.Context(), token))

				err := s.VerifyEmail(t.Context(), token)
				require.ErrorIs(t, err, apperrors.ErrTokenReused)
			})
		})

		t.Run("fail if expired", func(t *testing.T) {
			withTx(t, Config{VerificationTTL: time.Minute}, func(s *Service, clock *testClock) {
				_, token := register(t, s)

				clock.Advance(2 * time.Minute)

				err := s.VerifyEmail(t.Context(), token)
				require.ErrorIs(t, err, apperrors.ErrTokenExpired)
			})
		})

		t.Run("refresh value is not a verification token", func(t *testing.T) {
			withTx(t, Config{}, func(s *Service, _ *testClock) {
				pair, err := s.Register(t.Context(), "nm@example.com", "pwd")
				require.NoError(t, err)

				err = s.VerifyEmail(t.Context(), pair.Refresh.Value)
				require.ErrorIs(t, err, apperrors.ErrTokenNotFound, "token types must not be interchangeable")
			})
		})
	})

	t.Run("ResetPassword", func(t *testing.T) {
		t.Run("replaces password and revokes sessions", func(t *testing.T) {
			withTx(t, Config{}, func(s *Service, _ *testClock) {
				pair, err := s.Register(t.Context(), "nm@example.com", "pwd")
				require.NoError(t, err)

				token, err := s.GenerateResetToken(t.Context(), "nm@example.com")
				require.NoError(t, err)

				require.NoError(t, s.ResetPassword(t.Context(), token, "new-pwd"))

				_, err = s.Login(t.Context(), "nm@example.com", "pwd")
				require.ErrorIs(t, err, apperrors.ErrUserNotFound, "old password must not work")

				_, err = s.Login(t.Context(), "nm@example.com", "new-pwd")
				require.NoError(t, err, "new password must work")

				_, err = s.Refresh(t.Context(), pair.Refresh.Value)
				require.ErrorIs(t, err, apperrors.ErrTokenReused, "old sessions must be revoked")
			})
		})

		t.Run("token is single use", func(t *testing.T) {
			withTx(t, Config{}, func(s *Service, _ *testClock) {
				_, err := s.Register(t.Context(), "nm@example.com", "pwd")
				require.NoError(t, err)

				token, err := s.GenerateResetToken(t.Context(), "nm@example.com")
				require.NoError(t, err)

				require.NoError(t, s.ResetPassword(t.Context(), token, "new-pwd"))

				err = s.ResetPassword(t.Context(), token, "another-pwd")
				require.ErrorIs(t, err, apperrors.ErrTokenReused)

				_, err = s.Login(t.Context(), "nm@example.com", "new-pwd")
				require.NoError(t, err, "first reset must stay in effect")
			})
		})

		t.Run("fail if expired", func(t *testing.T) {
			withTx(t, Config{ResetTTL: time.Minute}, func(s *Service, clock *testClock) {
				_, err := s.Register(t.Context(), "nm@example.com", "pwd")
				require.NoError(t, err)

				token, err := s.GenerateResetToken(t.Context(), "nm@example.com")
				require.NoError(t, err)

				clock.Advance(2 * time.Minute)

				err = s.ResetPassword(t.Context(), token, "new-pwd")
				require.ErrorIs(t, err, apperrors.ErrTokenExpired)
			})
		})

		t.Run("reset token for unknown email", func(t *testing.T) {
			withTx(t, Config{}, func(s *Service, _ *testClock) {
				_, err := s.GenerateResetToken(t.Context(), "nobody@example.com")
				require.ErrorIs(t, err, apperrors.ErrUserNotFound)
			})
		})
	})

	t.Run("CleanupTokens", func(t *testing.T) {
		withTx(t, Config{RefreshTTL: time.Minute}, func(s *Service, clock *testClock) {
			expiredPair, err := s.Register(t.Context(), "nm@example.com", "pwd")
			require.NoError(t, err)

			clock.Advance(30 * time.Second)
			livePair, err := s.Login(t.Context(), "nm@example.com", "pwd")
			require.NoError(t, err)

			clock.Advance(45 * time.Second)

			count, err := s.CleanupTokens(t.Context(), clock.Now())
			require.NoError(t, err)
			assert.Equal(t, int64(1), count, "only the expired refresh token is removed")

			_, err = s.Refresh(t.Context(), expiredPair.Refresh.Value)
			require.ErrorIs(t, err, apperrors.ErrTokenNotFound, "expired row must be gone")

			_, err = s.Refresh(t.Context(), livePair.Refresh.Value)
			require.NoError(t, err, "live session must survive cleanup")
		})
	})
}

type sentNotification struct {
	user  models.User
	kind  NotificationKind
	token string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Send(_ context.Context, user models.User, kind NotificationKind, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{user: user, kind: kind, token: token})
	return nil
}
