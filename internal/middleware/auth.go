// Package middleware guards HTTP routes with token validation and
// permission checks answered from the token's embedded resolved set.
package middleware

import (
	"context"
	"net/http"

	"github.com/authmesh/authmesh/internal/apperr"
	"github.com/authmesh/authmesh/internal/coordinator"
	"github.com/authmesh/authmesh/pkg/httputil"
	"github.com/authmesh/authmesh/pkg/tokens"
)

type contextKey string

const claimsKey contextKey = "claims"

// ClaimsFromContext returns the validated claims set by RequireAuth, or nil.
func ClaimsFromContext(ctx context.Context) *tokens.Claims {
	claims, ok := ctx.Value(claimsKey).(*tokens.Claims)
	if !ok {
		return nil
	}
	return claims
}

// AuthMiddleware authenticates requests through the coordinator, so every
// guarded route sees the blacklist.
type AuthMiddleware struct {
	coord *coordinator.Coordinator
}

func NewAuthMiddleware(coord *coordinator.Coordinator) *AuthMiddleware {
	return &AuthMiddleware{coord: coord}
}

// RequireAuth validates the bearer token and stores its claims in the
// request context.
func (m *AuthMiddleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := httputil.BearerToken(r)
		if token == "" {
			httputil.WriteAppError(w, apperr.New(apperr.CodeInvalidToken, "missing bearer token"))
			return
		}

		claims, err := m.coord.Authorize(r.Context(), token)
		if err != nil {
			httputil.WriteAppError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// RequirePermission guards a route behind one permission. The decision comes
// from the token payload; no resolution runs on the request path.
func (m *AuthMiddleware) RequirePermission(permission string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return m.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				httputil.WriteAppError(w, apperr.New(apperr.CodeInvalidToken, "no claims in context"))
				return
			}
			if !claims.HasPermission(permission) {
				httputil.WriteAppError(w, apperr.Newf(apperr.CodeMissingPermission, "%s permission required", permission))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAnyPermission admits holders of at least one of the permissions.
func (m *AuthMiddleware) RequireAnyPermission(permissions ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return m.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				httputil.WriteAppError(w, apperr.New(apperr.CodeInvalidToken, "no claims in context"))
				return
			}
			for _, permission := range permissions {
				if claims.HasPermission(permission) {
					next.ServeHTTP(w, r)
					return
				}
			}
			httputil.WriteAppError(w, apperr.Newf(apperr.CodeMissingPermission, "one of %v required", permissions))
		})
	}
}
