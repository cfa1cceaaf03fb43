package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mavrin/marketauth/internal/handlers/render"
	"github.com/mavrin/marketauth/internal/handlers/userctx"
)

func handleUserMe() http.Handler {
	type response struct {
		ID         uuid.UUID  `json:"id"`
		Email      string     `json:"email"`
		VerifiedAt *time.Time `json:"verified_at,omitempty"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ := userctx.FromContext(r.Context())
		render.JSON(w, response{ID: user.ID, Email: user.Email, VerifiedAt: user.VerifiedAt})
	})
}
