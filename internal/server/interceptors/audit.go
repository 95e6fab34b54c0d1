package interceptors

import (
	"context"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"school-platform/devicequota/internal/audit"
)

type groupScoped interface{ GetGroupID() string }

type sessionScoped interface{ GetSessionID() string }

// AuditUnary returns a unary server interceptor that publishes an audit event after each audited RPC.
// auditMethods is the set of full method names to audit (the administrative mutations).
// Publishing is best-effort and never fails the RPC.
func AuditUnary(logger audit.AuditLogger, auditMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if logger == nil || !auditMethods[info.FullMethod] {
			return resp, err
		}
		ar := audit.ParseFullMethod(info.FullMethod)
		entry := audit.Entry{
			Action:   ar.Action,
			Resource: ar.Resource,
			Outcome:  status.Code(err).String(),
		}
		if id, ok := GetIdentity(ctx); ok {
			entry.Actor = id.UserID
			entry.Role = id.Role
		}
		if g, ok := req.(groupScoped); ok {
			entry.GroupID = g.GetGroupID()
		}
		if s, ok := req.(sessionScoped); ok {
			entry.Target = s.GetSessionID()
		}
		logger.LogEvent(ctx, entry)
		return resp, err
	}
}

// ClientIP returns the client IP from gRPC metadata (x-forwarded-for, x-real-ip) or peer, or "unknown".
func ClientIP(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				if i := strings.Index(s, ","); i > 0 {
					s = strings.TrimSpace(s[:i])
				}
				return s
			}
		}
		if vals := md.Get("x-real-ip"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				return s
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}
