package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/grpc/codes"

	"school-platform/devicequota/internal/audit"
	"school-platform/devicequota/internal/devicesession/handler"
	"school-platform/devicequota/internal/devicesession/repository"
	healthhandler "school-platform/devicequota/internal/health/handler"
	"school-platform/devicequota/internal/policy/engine"
	"school-platform/devicequota/internal/quota"
	"school-platform/devicequota/internal/security"
	"school-platform/devicequota/internal/sweeper"
)

type recordingAudit struct{ entries []audit.Entry }

func (r *recordingAudit) LogEvent(_ context.Context, e audit.Entry) { r.entries = append(r.entries, e) }

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type fixture struct {
	router http.Handler
	tokens *security.TokenProvider
	audit  *recordingAudit
}

func newFixture(t *testing.T, withTokens bool) *fixture {
	t.Helper()
	policy, err := engine.NewOPAEvaluator(context.Background(), "")
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	ledger := quota.NewLedger(repository.NewMemoryRepository(), quota.LimitPolicy{Fallback: 1, Class: 1}, quota.Options{}, nil, nil)
	f := &fixture{audit: &recordingAudit{}}
	opts := Options{
		Quota:   handler.NewServer(ledger, policy),
		Health:  healthhandler.NewServer(nil, policy),
		Sweeper: sweeper.New(ledger, time.Minute, nil),
		Policy:  policy,
		Audit:   f.audit,
	}
	if withTokens {
		f.tokens, err = security.NewTestTokenProvider()
		if err != nil {
			t.Fatalf("NewTestTokenProvider: %v", err)
		}
		opts.Tokens = f.tokens
	}
	f.router = New(opts)
	return f
}

func (f *fixture) token(t *testing.T, id security.Identity) string {
	t.Helper()
	tok, _, err := f.tokens.IssueAccess(id)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0 Safari/537.36")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestGateway_DeviceLifecycle(t *testing.T) {
	f := newFixture(t, true)
	student := f.token(t, security.Identity{UserID: "u1", Role: "student", Group: "class:7b"})

	rec := f.do(t, http.MethodPost, "/v1/devices/admit", student, map[string]any{"groupId": "class:7b", "clientFingerprint": "laptop"})
	if rec.Code != http.StatusOK {
		t.Fatalf("admit status = %d body %s", rec.Code, rec.Body)
	}
	first := decode[handler.AdmitResponse](t, rec)
	if first.Decision != "ADMITTED" || first.SessionID == "" {
		t.Fatalf("admit = %+v", first)
	}

	rec = f.do(t, http.MethodPost, "/v1/devices/admit", student, map[string]any{"groupId": "class:7b", "clientFingerprint": "phone"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second device status = %d, want 409", rec.Code)
	}
	if got := decode[handler.AdmitResponse](t, rec); got.Decision != "REJECTED" || got.CurrentCount != 1 || got.Limit != 1 {
		t.Errorf("second device = %+v", got)
	}

	rec = f.do(t, http.MethodPost, "/v1/devices/heartbeat", student, map[string]any{"sessionId": first.SessionID})
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat status = %d body %s", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodGet, "/v1/groups/class:7b/devices?currentSessionId="+first.SessionID, student, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d body %s", rec.Code, rec.Body)
	}
	devices := decode[[]handler.Device](t, rec)
	if len(devices) != 1 || !devices[0].IsCurrent || devices[0].OS == "" {
		t.Errorf("devices = %+v", devices)
	}

	rec = f.do(t, http.MethodPost, "/v1/devices/logout", student, map[string]any{"sessionId": first.SessionID})
	if got := decode[handler.LogoutResponse](t, rec); rec.Code != http.StatusOK || !got.Success {
		t.Fatalf("logout = %d %s", rec.Code, rec.Body)
	}
	if len(f.audit.entries) != 1 || f.audit.entries[0].Target != first.SessionID {
		t.Errorf("audit entries = %+v", f.audit.entries)
	}

	rec = f.do(t, http.MethodPost, "/v1/devices/admit", student, map[string]any{"groupId": "class:7b", "clientFingerprint": "phone"})
	if rec.Code != http.StatusOK {
		t.Errorf("admit after logout status = %d", rec.Code)
	}
}

func TestGateway_HeartbeatUnknownSession(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodPost, "/v1/devices/heartbeat", "", map[string]any{"sessionId": "6f1c1e5e-8d2a-4f7e-9c55-0b7f0c2f6a10"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := decode[handler.HeartbeatResponse](t, rec); got.Status != "NOT_FOUND" {
		t.Errorf("status = %q", got.Status)
	}
}

func TestGateway_AdminRoutes(t *testing.T) {
	f := newFixture(t, true)
	admin := f.token(t, security.Identity{UserID: "a1", Role: "school_admin", SchoolID: "s9", Groups: []string{"class:7b"}})
	student := f.token(t, security.Identity{UserID: "u1", Role: "student", Group: "class:7b"})

	rec := f.do(t, http.MethodPatch, "/v1/groups/class:7b/limit", student, map[string]any{"newLimit": 3})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("student update limit status = %d, want 403", rec.Code)
	}
	if got := decode[errorBody](t, rec); got.Code != "PERMISSION_DENIED" {
		t.Errorf("error body = %+v", got)
	}

	rec = f.do(t, http.MethodPatch, "/v1/groups/class:7b/limit", admin, map[string]any{"newLimit": 3})
	if rec.Code != http.StatusOK {
		t.Fatalf("update limit status = %d body %s", rec.Code, rec.Body)
	}
	rec = f.do(t, http.MethodGet, "/v1/groups/class:7b/usage", admin, nil)
	if got := decode[handler.GetUsageResponse](t, rec); got.Limit != 3 || got.ActiveCount != 0 {
		t.Errorf("usage = %+v", got)
	}

	f.do(t, http.MethodPost, "/v1/devices/admit", student, map[string]any{"groupId": "class:7b", "clientFingerprint": "laptop"})
	rec = f.do(t, http.MethodPost, "/v1/groups/class:7b/reset", admin, nil)
	if got := decode[handler.ResetGroupResponse](t, rec); rec.Code != http.StatusOK || got.ClearedCount != 1 {
		t.Errorf("reset = %d %s", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodPatch, "/v1/groups/class:7b/limit", admin, map[string]any{"newLimit": 0})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("zero limit status = %d, want 400", rec.Code)
	}

	actions := map[string]bool{}
	for _, e := range f.audit.entries {
		actions[e.Action] = true
	}
	if !actions["limit_changed"] || !actions["group_reset"] {
		t.Errorf("audited actions = %v", actions)
	}
}

func TestGateway_Unauthenticated(t *testing.T) {
	f := newFixture(t, true)
	for _, token := range []string{"", "not-a-jwt"} {
		rec := f.do(t, http.MethodGet, "/v1/groups/class:7b/usage", token, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rec.Code)
		}
	}
}

func TestGateway_InvalidBody(t *testing.T) {
	f := newFixture(t, false)
	req := httptest.NewRequest(http.MethodPost, "/v1/devices/admit", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGateway_Sweep(t *testing.T) {
	f := newFixture(t, true)
	admin := f.token(t, security.Identity{UserID: "p1", Role: "platform_admin"})
	schoolAdmin := f.token(t, security.Identity{UserID: "a1", Role: "school_admin", SchoolID: "s9"})

	if rec := f.do(t, http.MethodPost, "/v1/admin/sweep", schoolAdmin, nil); rec.Code != http.StatusForbidden {
		t.Errorf("school admin sweep status = %d, want 403", rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/v1/admin/sweep", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sweep status = %d body %s", rec.Code, rec.Body)
	}
	rec = f.do(t, http.MethodGet, "/v1/admin/sweep", admin, nil)
	if got := decode[sweeper.Status](t, rec); got.Runs != 1 || got.LastRunAt == nil {
		t.Errorf("sweep status = %+v", got)
	}
}

func TestGateway_Healthz(t *testing.T) {
	f := newFixture(t, false)
	if rec := f.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}

	down := New(Options{Health: healthhandler.NewServer(failingPinger{}, nil)})
	rec := httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d, want 503", rec.Code)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code codes.Code
		want int
	}{
		{codes.InvalidArgument, http.StatusBadRequest},
		{codes.Unauthenticated, http.StatusUnauthorized},
		{codes.PermissionDenied, http.StatusForbidden},
		{codes.NotFound, http.StatusNotFound},
		{codes.Unavailable, http.StatusServiceUnavailable},
		{codes.DeadlineExceeded, http.StatusGatewayTimeout},
		{codes.Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := httpStatus(tt.code); got != tt.want {
			t.Errorf("httpStatus(%v) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
