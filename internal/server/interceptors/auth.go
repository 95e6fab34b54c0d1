package interceptors

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"school-platform/devicequota/internal/security"
)

const bearerPrefix = "bearer "

// TokenValidator validates access tokens. *security.TokenProvider implements it.
type TokenValidator interface {
	ValidateAccess(token string) (security.Identity, error)
}

// AuthUnary returns a unary server interceptor that validates the Bearer (access) token
// from gRPC metadata and sets the caller identity in context for protected RPCs.
// publicMethods is the set of full method names that do not require a Bearer token (e.g. health checks).
// A nil tokens disables validation and attaches DevIdentity to every call.
func AuthUnary(tokens TokenValidator, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if tokens == nil {
			return handler(WithIdentity(ctx, DevIdentity), req)
		}
		public := publicMethods[info.FullMethod]
		id, err := Authenticate(tokens, extractBearer(ctx))
		if err != nil {
			if public {
				return handler(ctx, req)
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}
		return handler(WithIdentity(ctx, id), req)
	}
}

// Authenticate validates token and returns the caller. An empty token is invalid.
func Authenticate(tokens TokenValidator, token string) (security.Identity, error) {
	if token == "" {
		return security.Identity{}, security.ErrInvalidToken
	}
	return tokens.ValidateAccess(token)
}

// extractBearer returns the Bearer token from ctx metadata, or "" if missing or malformed.
func extractBearer(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	return BearerToken(vals[0])
}

// BearerToken returns the token from an Authorization header value, or "" if missing or malformed.
func BearerToken(header string) string {
	v := strings.TrimSpace(header)
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
