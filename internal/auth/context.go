// ABOUTME: Identity context for tracking the authenticated user through handlers
// ABOUTME: Provides WithUser/UserFromContext for propagating identity via context

package auth

import (
	"context"
)

// userKey is the key type for storing the user ID in context.Context.
type userKey struct{}

// WithUser returns a new context with the verified user ID attached.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext retrieves the verified user ID from the context,
// returning the empty string if not present.
func UserFromContext(ctx context.Context) string {
	val := ctx.Value(userKey{})
	if val == nil {
		return ""
	}
	userID, ok := val.(string)
	if !ok {
		return ""
	}
	return userID
}

// MustUserFromContext retrieves the user ID from the context, panicking if
// not present. Use only downstream of the auth middleware.
func MustUserFromContext(ctx context.Context) string {
	userID := UserFromContext(ctx)
	if userID == "" {
		panic("auth: user ID not found in context")
	}
	return userID
}
