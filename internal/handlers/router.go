package handlers

import (
	"net/http"

	"github.com/mavrin/marketauth/internal/handlers/middleware"
	"github.com/mavrin/marketauth/internal/logger"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

func NewRouter(auth authService, l logger.Logger) http.Handler {
	authMiddleware := middleware.AuthMiddleware(auth)
	withAuth := func(h http.Handler) http.Handler {
		return authMiddleware(h)
	}

	apiauth := http.NewServeMux()
	apiauth.Handle("POST /register", handleRegister(auth, l))
	apiauth.Handle("POST /login", handleLogin(auth, l))
	apiauth.Handle("POST /refresh", handleTokenRefresh(auth, l))
	apiauth.Handle("POST /logout", handleLogout(auth, l))
	apiauth.Handle("POST /verify-email", handleVerifyEmail(auth, l))
	apiauth.Handle("POST /password-reset/request", handlePasswordResetRequest(auth, l))
	apiauth.Handle("POST /password-reset/confirm", handlePasswordReset(auth, l))

	apiuser := http.NewServeMux()
	apiuser.Handle("GET /me", withAuth(handleUserMe()))

	root := http.NewServeMux()
	root.Handle("/api/auth/", http.StripPrefix("/api/auth", apiauth))
	root.Handle("/api/user/", http.StripPrefix("/api/user", apiuser))

	handler := chain(root,
		middleware.LoggerMiddleware(l),
	)

	return handler
}
