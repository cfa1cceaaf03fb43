package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mavrin/marketauth/internal/db"
	"github.com/mavrin/marketauth/internal/handlers"
	"github.com/mavrin/marketauth/internal/logger"
	"github.com/mavrin/marketauth/internal/repository"
	"github.com/mavrin/marketauth/internal/repository/postgres"
	redisrepo "github.com/mavrin/marketauth/internal/repository/redis"
	"github.com/mavrin/marketauth/internal/service/auth"
	"github.com/mavrin/marketauth/internal/service/auth/tokenissuer"
)

type ServerApp struct {
	ListenAddr      string
	Handler         http.Handler
	CleanupInterval time.Duration

	authService *auth.Service
	logger      logger.Logger
}

func NewServerApp(ctx context.Context, c *Config) (*ServerApp, error) {
	// Initialize logger
	l, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	// Connect to the database and run migrations
	pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
	}

	// Initialize repositories
	storage := postgres.NewStorage(pool)

	// Tokens may live in redis when address is provided
	var tokenRepo repository.TokenRepo
	if c.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: c.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("error while connecting to redis. Err: %w", err)
		}
		tokenRepo = redisrepo.NewTokenRepo(client)
	}

	// Initialize services
	issuer, err := tokenissuer.New(tokenissuer.Config{SecretKey: c.SecretKey})
	if err != nil {
		return nil, fmt.Errorf("error while creating token issuer. Err: %w", err)
	}
	authService, err := auth.NewService(
		auth.Config{TokenRepo: tokenRepo, Logger: l},
		issuer,
		storage,
	)
	if err != nil {
		return nil, fmt.Errorf("error while creating auth service. Err: %w", err)
	}

	mux := handlers.NewRouter(authService, l)

	return &ServerApp{
		ListenAddr:      c.ListenAddr,
		Handler:         mux,
		CleanupInterval: c.CleanupInterval,
		authService:     authService,
		logger:          l,
	}, nil
}

// Run starts http server and the cleanup loop, closes gracefully on
// context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.ListenAddr,
		Handler: s.Handler,
	}

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	go s.runCleanup(srvCtx)

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); err == context.DeadlineExceeded {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown")
		}
		s.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	s.logger.Info("Starting server", "address", s.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed

	return err
}

// runCleanup periodically sweeps expired tokens.
// Idempotent and safe next to live traffic: everything it deletes is
// already unusable
func (s *ServerApp) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := s.authService.CleanupTokens(ctx, time.Now())
			if err != nil {
				s.logger.Error("token cleanup failed", "error", err.Error())
				continue
			}
			s.logger.Info("expired tokens deleted", "count", count)
		}
	}
}
