package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/cloo-solutions/strata/internal/api"
	"github.com/cloo-solutions/strata/internal/domain"
)

type contextKey string

const AdminKey contextKey = "admin"

// TokenValidator checks a bearer token presented on an admin route.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) error
}

// StaticToken accepts exactly one configured token.
type StaticToken string

func (s StaticToken) ValidateToken(_ context.Context, token string) error {
	if s == "" || subtle.ConstantTimeCompare([]byte(s), []byte(token)) != 1 {
		return domain.ErrInvalidAdminToken
	}
	return nil
}

// AdminAuth guards the operator routes with a bearer token.
func AdminAuth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.Error(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			if !strings.HasPrefix(authHeader, "Bearer ") {
				api.Error(w, http.StatusUnauthorized, "invalid authorization format")
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")

			if err := validator.ValidateToken(r.Context(), token); err != nil {
				api.Error(w, http.StatusUnauthorized, "invalid admin token")
				return
			}

			ctx := context.WithValue(r.Context(), AdminKey, true)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IsAdmin reports whether the request passed AdminAuth.
func IsAdmin(ctx context.Context) bool {
	ok, _ := ctx.Value(AdminKey).(bool)
	return ok
}
