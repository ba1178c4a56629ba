package middleware

import (
	"context"
	"net/http"

	"github.com/plankhq/plank/internal/domain/user"
	"github.com/plankhq/plank/internal/service"
)

type authUserCtxKey struct{}

// publicPaths are exempt from authentication.
var publicPaths = map[string]bool{
	"/health":            true,
	"/health/ready":      true,
	"/api/v1/auth/login": true,
}

// Auth returns middleware that resolves the X-API-Key header to a user.
// When authEnabled is false, a default admin context is injected so a local
// instance works without provisioning.
func Auth(authSvc *service.AuthService, authEnabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authEnabled {
				defaultUser := &user.User{
					ID:      "00000000-0000-0000-0000-000000000000",
					Email:   "admin@localhost",
					Name:    "Admin",
					Role:    user.RoleAdmin,
					Enabled: true,
				}
				ctx := context.WithValue(r.Context(), authUserCtxKey{}, defaultUser)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
				return
			}

			u, err := authSvc.ValidateAPIKey(r.Context(), apiKey)
			if err != nil {
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), authUserCtxKey{}, u)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFromContext returns the authenticated user from the request context.
func UserFromContext(ctx context.Context) *user.User {
	u, _ := ctx.Value(authUserCtxKey{}).(*user.User)
	return u
}
