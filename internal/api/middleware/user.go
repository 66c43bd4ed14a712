package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// UserIDKey is the context key for the calling user's ID.
const UserIDKey contextKey = "user_id"

// AnonymousUser is used when a request carries no user header.
const AnonymousUser = "anonymous"

// UserExtractor reads the calling user from header, then from the user
// query parameter, and falls back to AnonymousUser. Identity is asserted
// by the fronting gateway; this layer does not authenticate it.
func UserExtractor(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := strings.TrimSpace(r.Header.Get(header))
			if user == "" {
				user = strings.TrimSpace(r.URL.Query().Get("user"))
			}
			if user == "" {
				user = AnonymousUser
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), UserIDKey, user)))
		})
	}
}

// GetUserID retrieves the user ID from the request context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return AnonymousUser
}
