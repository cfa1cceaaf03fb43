package middleware

import (
	"context"
	"net/http"

	"github.com/mavrin/marketauth/internal/handlers/render"
	"github.com/mavrin/marketauth/internal/handlers/userctx"
	"github.com/mavrin/marketauth/internal/models"
)

type authService interface {
	GetUserFromRequest(ctx context.Context, r *http.Request) (models.User, error)
}

// AuthMiddleware resolves the acting user from the access token and puts
// it into the request context. Every failure reason renders the same
// generic unauthorized response
func AuthMiddleware(as authService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := as.GetUserFromRequest(r.Context(), r)
			if err != nil {
				render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := userctx.New(r.Context(), user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
