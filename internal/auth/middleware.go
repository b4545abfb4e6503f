package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	apperrors "github.com/fetchrelay/backend/internal/errors"
)

type contextKey string

const OwnerContextKey contextKey = "owner"

// OwnerContext carries the authenticated owner through a request.
type OwnerContext struct {
	OwnerID string
}

// Middleware authenticates requests with a bearer token and stores the
// owner identity in the request context.
func Middleware(authService *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apperrors.WriteError(w, requestID, apperrors.Unauthorized("missing authorization header"))
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				apperrors.WriteError(w, requestID, apperrors.Unauthorized("invalid authorization header format"))
				return
			}

			claims, err := authService.ValidateToken(parts[1])
			if err != nil {
				if errors.Is(err, ErrTokenExpired) {
					apperrors.WriteError(w, requestID, apperrors.Unauthorized("access token has expired"))
					return
				}
				apperrors.WriteError(w, requestID, apperrors.Unauthorized("invalid access token"))
				return
			}

			ctx := context.WithValue(r.Context(), OwnerContextKey, &OwnerContext{
				OwnerID: claims.OwnerID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OwnerFromContext returns the authenticated owner, or nil outside the
// middleware.
func OwnerFromContext(ctx context.Context) *OwnerContext {
	owner, ok := ctx.Value(OwnerContextKey).(*OwnerContext)
	if !ok {
		return nil
	}
	return owner
}
