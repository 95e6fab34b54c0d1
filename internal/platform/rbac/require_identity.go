package rbac

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"school-platform/devicequota/internal/security"
	"school-platform/devicequota/internal/server/interceptors"
)

// RequireIdentity ensures the caller is authenticated.
// Returns the identity on success; returns a gRPC Unauthenticated error otherwise.
func RequireIdentity(ctx context.Context) (security.Identity, error) {
	id, ok := interceptors.GetIdentity(ctx)
	if !ok || id.UserID == "" {
		return security.Identity{}, status.Error(codes.Unauthenticated, "caller identity required")
	}
	return id, nil
}
