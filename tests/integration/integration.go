package integration

import (
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stretchr/testify/require"

	"github.com/mavrin/marketauth/internal/handlers"
	"github.com/mavrin/marketauth/internal/logger"
	"github.com/mavrin/marketauth/internal/repository/postgres"
	"github.com/mavrin/marketauth/internal/service/auth"
	"github.com/mavrin/marketauth/internal/service/auth/tokenissuer"
	"github.com/mavrin/marketauth/internal/testutil"
)

type Services struct {
	AuthService *auth.Service
}

// Create db transaction and run the full http stack over that connection
// (one connection cause one transaction). Rollback when the test stops
func RunTx(dbpool *pgxpool.Pool, t *testing.T, fn func(srvURL string, services Services)) {
	testutil.WithTx(dbpool, t, func(tx pgx.Tx) {
		storage := postgres.NewStorage(tx)

		issuer, err := tokenissuer.New(tokenissuer.Config{SecretKey: "test-secret"})
		require.NoError(t, err, "issuer should be created without errors")

		as, err := auth.NewService(auth.Config{}, issuer, storage)
		require.NoError(t, err, "auth service starting error")

		router := handlers.NewRouter(as, logger.NewNoOpLogger())

		srv := httptest.NewServer(router)
		defer srv.Close()

		fn(srv.URL, Services{AuthService: as})
	})
}
