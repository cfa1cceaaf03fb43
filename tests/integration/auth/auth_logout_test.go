package auth

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mavrin/marketauth/internal/testutil"
	"github.com/mavrin/marketauth/tests/integration"
)

const (
	LogoutURL = "/api/auth/logout"
)

func Test_AuthLogout(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	t.Run("logout kills the refresh token", func(t *testing.T) {
		integration.RunTx(pg.Pool, t, func(srvURL string, s integration.Services) {
			pair, err := s.AuthService.Register(t.Context(), "nm@example.com", "StrongEnoughPassword")
			require.NoError(t, err)

			req, err := http.NewRequest(http.MethodPost, srvURL+LogoutURL, nil)
			require.NoError(t, err)
			s.AuthService.SetTokenPairToRequest(req, pair)

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			defer resp.Body.Close() // nolint:errcheck

			require.Equalf(t, http.StatusOK, resp.StatusCode, "not expected code. Body: %s", string(body))
			require.JSONEq(t, `
				{
					"message": "Logged out"
				}`, string(body))

			// The token must not refresh anymore
			refreshReq, err := http.NewRequest(http.MethodPost, srvURL+RefreshURL, nil)
			require.NoError(t, err)
			s.AuthService.SetTokenPairToRequest(refreshReq, pair)

			refreshResp, err := http.DefaultClient.Do(refreshReq)
			require.NoError(t, err)
			defer refreshResp.Body.Close() // nolint:errcheck

			require.Equal(t, http.StatusUnauthorized, refreshResp.StatusCode, "logged out token must not refresh")
		})
	})

	t.Run("logout without cookie is ok", func(t *testing.T) {
		integration.RunTx(pg.Pool, t, func(srvURL string, s integration.Services) {
			resp, err := http.Post(srvURL+LogoutURL, "application/json", nil)
			require.NoError(t, err)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			defer resp.Body.Close() // nolint:errcheck

			require.Equalf(t, http.StatusOK, resp.StatusCode, "not expected code. Body: %s", string(body))
		})
	})
}
