package myMiddleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// 1. Context keys (exported so other packages can read them)
type contextKey string

const (
	UserKey     contextKey = "user_id"
	UsernameKey contextKey = "username"
)

// 2. What we need from the user service.
// This interface decouples 'middleware' from 'user'.
type TokenValidator interface {
	ValidateToken(tokenString string) (int64, string, error)
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

// TokenFromRequest reads a bearer token from the Authorization header,
// falling back to the ?token= query parameter (browsers cannot set headers
// on a WebSocket upgrade).
func TokenFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}

// Handle rejects requests without a valid token.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := TokenFromRequest(r)
		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		userID, username, err := am.validator.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID, username)))
	})
}

func WithUser(ctx context.Context, userID int64, username string) context.Context {
	ctx = context.WithValue(ctx, UserKey, userID)
	return context.WithValue(ctx, UsernameKey, username)
}

func UserIDFrom(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(UserKey).(int64)
	return id, ok
}

// RequireServiceToken guards internal endpoints called by other backend
// services. An empty token disables the endpoint entirely.
func RequireServiceToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Internal-Token")
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
