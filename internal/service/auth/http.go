package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mavrin/marketauth/internal/models"
)

const (
	accessHeaderName  = "Authorization"
	accessAuthScheme  = "Bearer"
	refreshCookieName = "refresh_token"
)

var ErrNoAuthCredentials = errors.New("no auth credentials in request")

// SetTokenPairToResponse writes access token to the Authorization header
// and refresh token to an http-only cookie
func (s *Service) SetTokenPairToResponse(w http.ResponseWriter, pair models.TokenPair) {
	w.Header().Set(accessHeaderName, accessAuthScheme+" "+pair.Access.Value)
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    pair.Refresh.Value,
		Expires:  pair.Refresh.ExpiresAt,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		Path:     "/",
	})
}

// SetTokenPairToRequest mirrors SetTokenPairToResponse for outgoing
// requests. Mostly useful in tests
func (s *Service) SetTokenPairToRequest(r *http.Request, pair models.TokenPair) {
	r.Header.Set(accessHeaderName, accessAuthScheme+" "+pair.Access.Value)
	r.AddCookie(&http.Cookie{
		Name:  refreshCookieName,
		Value: pair.Refresh.Value,
	})
}

// GetRefreshString reads refresh token value from the request cookie
func (s *Service) GetRefreshString(r *http.Request) (string, error) {
	cookie, err := r.Cookie(refreshCookieName)
	if err != nil || cookie.Value == "" {
		return "", ErrNoAuthCredentials
	}
	return cookie.Value, nil
}

// GetUserFromRequest resolves the acting user from the bearer access token.
// Stateless except the final user lookup: token validation itself never
// touches the token store
func (s *Service) GetUserFromRequest(ctx context.Context, r *http.Request) (models.User, error) {
	var user models.User

	header := r.Header.Get(accessHeaderName)
	scheme, value, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, accessAuthScheme) || value == "" {
		return user, ErrNoAuthCredentials
	}

	userID, err := s.issuer.ParseAccess(value)
	if err != nil {
		return user, err
	}

	return s.storage.User().GetUserByID(ctx, userID)
}
