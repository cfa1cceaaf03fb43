package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/mavrin/marketauth/internal/apperrors"
	"github.com/mavrin/marketauth/internal/handlers/render"
	"github.com/mavrin/marketauth/internal/logger"
	"github.com/mavrin/marketauth/internal/models"
)

// Single message for every token lookup failure. Which exact way the
// token was bad (unknown, expired, blacklisted) must not leak out
const msgInvalidToken = "Invalid or expired token"

type authService interface {
	Register(ctx context.Context, email string, password string) (models.TokenPair, error)
	Login(ctx context.Context, email string, password string) (models.TokenPair, error)
	Refresh(ctx context.Context, refresh string) (models.TokenPair, error)
	Logout(ctx context.Context, refresh string) error

	GenerateVerificationToken(ctx context.Context, userID uuid.UUID) (string, error)
	VerifyEmail(ctx context.Context, token string) error
	GenerateResetToken(ctx context.Context, email string) (string, error)
	ResetPassword(ctx context.Context, token string, newPassword string) error

	SetTokenPairToResponse(w http.ResponseWriter, pair models.TokenPair)
	GetRefreshString(r *http.Request) (string, error)
	GetUserFromRequest(ctx context.Context, r *http.Request) (models.User, error)
}

func handleRegister(auth authService, l logger.Logger) http.Handler {
	type request struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required,min=8"`
	}
	type response struct {
		Message string `json:"message"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		pair, err := auth.Register(r.Context(), data.Email, data.Password)
		if err != nil {
			switch {
			case errors.Is(err, apperrors.ErrUserAlreadyExists):
				render.ServiceError(w, "User already exists", http.StatusConflict)
			default:
				l.Error("register failed", "error", err.Error())
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			}
			return
		}

		auth.SetTokenPairToResponse(w, pair)
		render.JSON(w, response{Message: "User registered successfully"})
	})
}

func handleLogin(auth authService, l logger.Logger) http.Handler {
	type request struct {
		Email    string `json:"email" validate:"required"`
		Password string `json:"password" validate:"required"`
	}
	type response struct {
		Message string `json:"message"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		pair, err := auth.Login(r.Context(), data.Email, data.Password)
		if err != nil {
			switch {
			case errors.Is(err, apperrors.ErrUserNotFound):
				render.ServiceError(w, "Invalid email or password", http.StatusUnauthorized)
			default:
				l.Error("login failed", "error", err.Error())
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			}
			return
		}

		auth.SetTokenPairToResponse(w, pair)
		render.JSON(w, response{Message: "User logged in successfully"})
	})
}

func handleTokenRefresh(auth authService, l logger.Logger) http.Handler {
	type response struct {
		Message string `json:"message"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refresh, err := auth.GetRefreshString(r)
		if err != nil {
			render.ServiceError(w, msgInvalidToken, http.StatusUnauthorized)
			return
		}

		pair, err := auth.Refresh(r.Context(), refresh)
		if err != nil {
			switch {
			case errors.Is(err, apperrors.ErrTokenNotFound),
				errors.Is(err, apperrors.ErrTokenExpired),
				errors.Is(err, apperrors.ErrTokenReused):
				render.ServiceError(w, msgInvalidToken, http.StatusUnauthorized)
			default:
				l.Error("refresh failed", "error", err.Error())
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			}
			return
		}

		auth.SetTokenPairToResponse(w, pair)
		render.JSON(w, response{Message: "Tokens refreshed successfully"})
	})
}

func handleLogout(auth authService, l logger.Logger) http.Handler {
	type response struct {
		Message string `json:"message"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refresh, err := auth.GetRefreshString(r)
		if err == nil {
			if err := auth.Logout(r.Context(), refresh); err != nil {
				l.Error("logout failed", "error", err.Error())
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
				return
			}
		}

		// No refresh cookie means logged out already, which is fine
		render.JSON(w, response{Message: "Logged out"})
	})
}

func handleVerifyEmail(auth authService, l logger.Logger) http.Handler {
	type request struct {
		Token string `json:"token" validate:"required"`
	}
	type response struct {
		Message string `json:"message"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		err = auth.VerifyEmail(r.Context(), data.Token)
		if err != nil {
			switch {
			case errors.Is(err, apperrors.ErrTokenNotFound),
				errors.Is(err, apperrors.ErrTokenExpired),
				errors.Is(err, apperrors.ErrTokenReused):
				render.ServiceError(w, msgInvalidToken, http.StatusUnauthorized)
			default:
				l.Error("email verification failed", "error", err.Error())
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			}
			return
		}

		render.JSON(w, response{Message: "Email verified"})
	})
}

func handlePasswordResetRequest(auth authService, l logger.Logger) http.Handler {
	type request struct {
		Email string `json:"email" validate:"required,email"`
	}
	type response struct {
		Message string `json:"message"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		_, err = auth.GenerateResetToken(r.Context(), data.Email)
		switch {
		case err == nil, errors.Is(err, apperrors.ErrUserNotFound):
			// Unknown email gets the same answer as known one,
			// otherwise the endpoint enumerates accounts
		default:
			l.Error("reset token request failed", "error", err.Error())
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		render.JSON(w, response{Message: "If the account exists, a reset link has been sent"})
	})
}

func handlePasswordReset(auth authService, l logger.Logger) http.Handler {
	type request struct {
		Token    string `json:"token" validate:"required"`
		Password string `json:"password" validate:"required,min=8"`
	}
	type response struct {
		Message string `json:"message"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		err = auth.ResetPassword(r.Context(), data.Token, data.Password)
		if err != nil {
			switch {
			case errors.Is(err, apperrors.ErrTokenNotFound),
				errors.Is(err, apperrors.ErrTokenExpired),
				errors.Is(err, apperrors.ErrTokenReused):
				render.ServiceError(w, msgInvalidToken, http.StatusUnauthorized)
			default:
				l.Error("password reset failed", "error", err.Error())
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			}
			return
		}

		render.JSON(w, response{Message: "Password updated"})
	})
}
