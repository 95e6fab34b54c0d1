package rbac

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"school-platform/devicequota/internal/policy/engine"
	"school-platform/devicequota/internal/security"
)

// RequireGroupAccess ensures the caller is authenticated and the admin policy allows action on groupID.
// Returns the identity on success; returns a gRPC error (Unauthenticated, PermissionDenied or Internal) on failure.
func RequireGroupAccess(ctx context.Context, policy engine.Evaluator, action, groupID string) (security.Identity, error) {
	id, err := RequireIdentity(ctx)
	if err != nil {
		return security.Identity{}, err
	}
	allowed, err := policy.Allow(ctx, engine.Request{
		Subject: engine.Subject{
			UserID:   id.UserID,
			Role:     id.Role,
			SchoolID: id.SchoolID,
			Group:    id.Group,
			Groups:   id.Groups,
		},
		Action:  action,
		GroupID: groupID,
	})
	if err != nil {
		return security.Identity{}, status.Error(codes.Internal, "failed to evaluate admin policy")
	}
	if !allowed {
		return security.Identity{}, status.Errorf(codes.PermissionDenied, "%s not permitted on group %s", action, groupID)
	}
	return id, nil
}
