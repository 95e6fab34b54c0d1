package interceptors

import (
	"context"

	"school-platform/devicequota/internal/security"
)

type contextKey struct{ name string }

var identityKey = contextKey{"identity"}

// DevIdentity is attached to every request when token validation is disabled (local development only).
var DevIdentity = security.Identity{UserID: "dev", Role: "platform_admin"}

// WithIdentity returns a context carrying the verified caller.
// Handlers read it via GetIdentity or GetUserID.
func WithIdentity(ctx context.Context, id security.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity returns the caller from context and true if set; otherwise a zero Identity, false.
func GetIdentity(ctx context.Context) (security.Identity, bool) {
	v, ok := ctx.Value(identityKey).(security.Identity)
	return v, ok
}

// GetUserID returns the caller's user id from context and true if set; otherwise "", false.
func GetUserID(ctx context.Context) (string, bool) {
	id, ok := GetIdentity(ctx)
	if !ok || id.UserID == "" {
		return "", false
	}
	return id.UserID, true
}
