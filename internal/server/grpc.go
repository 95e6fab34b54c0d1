package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"school-platform/devicequota/internal/audit"
	quotahandler "school-platform/devicequota/internal/devicesession/handler"
	"school-platform/devicequota/internal/server/interceptors"
)

// PublicMethods do not require a Bearer token.
var PublicMethods = map[string]bool{
	healthpb.Health_Check_FullMethodName: true,
	healthpb.Health_List_FullMethodName:  true,
	healthpb.Health_Watch_FullMethodName: true,
}

// AuditedMethods publish an audit event after each call.
var AuditedMethods = map[string]bool{
	quotahandler.MethodLogout:      true,
	quotahandler.MethodResetGroup:  true,
	quotahandler.MethodUpdateLimit: true,
}

// Deps holds the service implementations registered on the gRPC server.
type Deps struct {
	// Quota serves DeviceQuotaService. Required.
	Quota quotahandler.DeviceQuotaServiceServer
	// Health serves grpc.health.v1. If nil, health checks are not registered.
	Health healthpb.HealthServer
}

// Options configure the interceptor chain of NewGRPCServer.
type Options struct {
	Logger *zap.Logger
	// Tokens validates access tokens. Nil disables validation (local development only).
	Tokens interceptors.TokenValidator
	// Audit publishes admin actions. If nil, nothing is audited.
	Audit audit.AuditLogger
}

// NewGRPCServer returns a gRPC server with recovery, logging, auth and audit interceptors and the
// OTel stats handler installed.
func NewGRPCServer(opts Options) *grpc.Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.RecoveryUnary(logger),
			interceptors.LoggingUnary(logger, PublicMethods),
			interceptors.AuthUnary(opts.Tokens, PublicMethods),
			interceptors.AuditUnary(opts.Audit, AuditedMethods),
		),
	)
}

// RegisterServices registers the gRPC services with the given server.
//
// Service → handler mapping:
//   - devicequota.v1.DeviceQuotaService → internal/devicesession/handler
//   - grpc.health.v1.Health             → internal/health/handler
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	quotahandler.RegisterDeviceQuotaServiceServer(s, deps.Quota)
	if deps.Health != nil {
		healthpb.RegisterHealthServer(s, deps.Health)
	}
}
