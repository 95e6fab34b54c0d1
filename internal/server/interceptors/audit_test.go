package interceptors

import (
	"context"
	"errors"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"school-platform/devicequota/internal/audit"
	"school-platform/devicequota/internal/security"
)

type captureAudit struct {
	entries []audit.Entry
}

func (c *captureAudit) LogEvent(ctx context.Context, e audit.Entry) { c.entries = append(c.entries, e) }

type resetReq struct{ group string }

func (r resetReq) GetGroupID() string { return r.group }

type logoutReq struct{ session string }

func (r logoutReq) GetSessionID() string { return r.session }

const (
	resetMethod  = "/devicequota.v1.DeviceQuotaService/ResetGroup"
	logoutMethod = "/devicequota.v1.DeviceQuotaService/Logout"
)

func TestAuditUnary_AuditsListedMethods(t *testing.T) {
	rec := &captureAudit{}
	interceptor := AuditUnary(rec, map[string]bool{resetMethod: true, logoutMethod: true})
	ctx := WithIdentity(context.Background(), security.Identity{UserID: "admin-1", Role: "school_admin"})
	ok := func(ctx context.Context, req interface{}) (interface{}, error) { return "ok", nil }

	if _, err := interceptor(ctx, resetReq{group: "class:7b"}, &grpc.UnaryServerInfo{FullMethod: resetMethod}, ok); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if _, err := interceptor(ctx, logoutReq{session: "s-1"}, &grpc.UnaryServerInfo{FullMethod: logoutMethod}, ok); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if _, err := interceptor(ctx, "req", &grpc.UnaryServerInfo{FullMethod: "/devicequota.v1.DeviceQuotaService/Admit"}, ok); err != nil {
		t.Fatalf("interceptor: %v", err)
	}

	if len(rec.entries) != 2 {
		t.Fatalf("audited %d calls, want 2", len(rec.entries))
	}
	reset := rec.entries[0]
	if reset.Action != "group_reset" || reset.GroupID != "class:7b" || reset.Actor != "admin-1" || reset.Role != "school_admin" || reset.Outcome != "OK" {
		t.Errorf("reset entry = %+v", reset)
	}
	if logout := rec.entries[1]; logout.Action != "session_logout" || logout.Target != "s-1" {
		t.Errorf("logout entry = %+v", logout)
	}
}

func TestAuditUnary_RecordsFailures(t *testing.T) {
	rec := &captureAudit{}
	interceptor := AuditUnary(rec, map[string]bool{resetMethod: true})
	denied := func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.PermissionDenied, "no")
	}
	_, err := interceptor(context.Background(), resetReq{group: "class:7b"}, &grpc.UnaryServerInfo{FullMethod: resetMethod}, denied)
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("err = %v, want PermissionDenied passthrough", err)
	}
	if len(rec.entries) != 1 || rec.entries[0].Outcome != "PermissionDenied" || rec.entries[0].Actor != "" {
		t.Errorf("entries = %+v", rec.entries)
	}
}

func TestAuditUnary_NilLogger(t *testing.T) {
	interceptor := AuditUnary(nil, map[string]bool{resetMethod: true})
	want := errors.New("boom")
	_, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: resetMethod},
		func(ctx context.Context, req interface{}) (interface{}, error) { return nil, want })
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want handler error", err)
	}
}

func TestClientIP(t *testing.T) {
	md := func(kv ...string) context.Context {
		return metadata.NewIncomingContext(context.Background(), metadata.Pairs(kv...))
	}
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"x-forwarded-for", md("x-forwarded-for", "192.168.1.1"), "192.168.1.1"},
		{"x-forwarded-for list", md("x-forwarded-for", "192.168.1.1, 10.0.0.1"), "192.168.1.1"},
		{"x-forwarded-for whitespace", md("x-forwarded-for", "  192.168.1.1  "), "192.168.1.1"},
		{"x-real-ip", md("x-real-ip", "192.168.1.2"), "192.168.1.2"},
		{"forwarded wins", md("x-forwarded-for", "192.168.1.1", "x-real-ip", "192.168.1.2"), "192.168.1.1"},
		{"peer", peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("192.168.1.3"), Port: 12345}}), "192.168.1.3"},
		{"unknown", context.Background(), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClientIP(tt.ctx); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
