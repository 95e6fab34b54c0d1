package handler

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

const checkTimeout = 2 * time.Second

// Pinger checks the session store (e.g. *quota.Ledger).
type Pinger interface {
	Ping(ctx context.Context) error
}

// PolicyChecker checks the admin policy engine (e.g. *engine.OPAEvaluator).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Report is the readiness result shared by the gRPC health service and the REST /healthz route.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Healthy reports whether every check passed.
func (r Report) Healthy() bool { return r.Status == "ok" }

// Server implements grpc.health.v1.Health for readiness/liveness. Each Check pings the store and
// evaluates the admin policy.
type Server struct {
	healthpb.UnimplementedHealthServer
	pinger   Pinger
	policy   PolicyChecker
	services map[string]bool
}

// NewServer returns a health server. pinger and policy may be nil to skip those checks.
// services lists the service names Check answers for besides the overall "" service.
func NewServer(pinger Pinger, policy PolicyChecker, services ...string) *Server {
	known := map[string]bool{"": true}
	for _, s := range services {
		known[s] = true
	}
	return &Server{pinger: pinger, policy: policy, services: known}
}

// Report runs all checks.
func (s *Server) Report(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	r := Report{Status: "ok", Checks: map[string]string{}}
	if s.pinger != nil {
		if err := s.pinger.Ping(ctx); err != nil {
			r.Status = "unavailable"
			r.Checks["store"] = err.Error()
		} else {
			r.Checks["store"] = "ok"
		}
	}
	if s.policy != nil {
		if err := s.policy.HealthCheck(ctx); err != nil {
			r.Status = "unavailable"
			r.Checks["policy"] = err.Error()
		} else {
			r.Checks["policy"] = "ok"
		}
	}
	return r
}

// Check returns SERVING when every readiness check passes.
func (s *Server) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if !s.services[req.GetService()] {
		return nil, status.Error(codes.NotFound, "unknown service")
	}
	if !s.Report(ctx).Healthy() {
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}
