package handler

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"school-platform/devicequota/internal/devicesession/domain"
	"school-platform/devicequota/internal/fingerprint"
	"school-platform/devicequota/internal/platform/rbac"
	"school-platform/devicequota/internal/policy/engine"
	"school-platform/devicequota/internal/quota"
	"school-platform/devicequota/internal/server/interceptors"
)

// Ledger is the quota ledger as used by the transport. *quota.Ledger implements it.
type Ledger interface {
	Admit(ctx context.Context, req quota.AdmitRequest) (domain.Decision, error)
	Heartbeat(ctx context.Context, sessionID string) (domain.HeartbeatResult, error)
	Lookup(ctx context.Context, sessionID string) (*domain.DeviceSession, error)
	Logout(ctx context.Context, sessionID string, reason domain.EndReason, actor string) (bool, error)
	ListActive(ctx context.Context, groupID string) ([]*domain.DeviceSession, error)
	ResetGroup(ctx context.Context, groupID, actor string) (int, error)
	UpdateLimit(ctx context.Context, groupID string, newLimit int, actor string) error
	Usage(ctx context.Context, groupID string) (domain.QuotaGroup, error)
}

// Server implements DeviceQuotaService: device admission, heartbeats and group administration.
type Server struct {
	ledger Ledger
	policy engine.Evaluator
}

var _ DeviceQuotaServiceServer = (*Server)(nil)

// NewServer returns a new DeviceQuotaService server.
func NewServer(ledger Ledger, policy engine.Evaluator) *Server {
	return &Server{ledger: ledger, policy: policy}
}

// Admit resolves the device identity from the request and asks the ledger for a slot.
// A REJECTED decision is a normal response, not an error.
func (s *Server) Admit(ctx context.Context, req *AdmitRequest) (*AdmitResponse, error) {
	if req.GetGroupID() == "" {
		return nil, status.Error(codes.InvalidArgument, "groupId is required")
	}
	id, err := rbac.RequireGroupAccess(ctx, s.policy, engine.ActionAdmit, req.GroupID)
	if err != nil {
		return nil, err
	}
	if req.Limit != 0 {
		if _, err := rbac.RequireGroupAccess(ctx, s.policy, engine.ActionUpdateLimit, req.GroupID); err != nil {
			return nil, err
		}
	}
	signals := fingerprint.Signals{
		ClientFingerprint: req.ClientFingerprint,
		SourceAddress:     interceptors.ClientIP(ctx),
	}
	if req.DeviceInfo != nil {
		signals.UserAgent = req.DeviceInfo.UserAgent
		signals.Platform = req.DeviceInfo.Platform
	}
	if signals.UserAgent == "" {
		signals.UserAgent = incomingUserAgent(ctx)
	}
	device := fingerprint.Resolve(signals)

	dec, err := s.ledger.Admit(ctx, quota.AdmitRequest{
		GroupID:         req.GroupID,
		FingerprintHash: device.Hash,
		Meta:            device.Meta,
		Limit:           req.Limit,
		Actor:           id.UserID,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &AdmitResponse{
		Decision:     string(dec.Outcome),
		SessionID:    dec.SessionID,
		Limit:        dec.Limit,
		CurrentCount: dec.CurrentCount,
		Degraded:     dec.Degraded,
	}
	if dec.Outcome != domain.OutcomeRejected {
		resp.ExpiresAt = timePtr(dec.ExpiresAt)
	}
	return resp, nil
}

// Heartbeat extends the session's liveness window.
func (s *Server) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	if _, err := rbac.RequireIdentity(ctx); err != nil {
		return nil, err
	}
	res, err := s.ledger.Heartbeat(ctx, req.GetSessionID())
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &HeartbeatResponse{Status: string(res.Status)}
	if res.Status == domain.HeartbeatRenewed {
		resp.ExpiresAt = timePtr(res.ExpiresAt)
	}
	return resp, nil
}

// Logout ends a session. Callers may end sessions of their own group; administrators may end any
// session of a group they administer, which is recorded as an eviction.
func (s *Server) Logout(ctx context.Context, req *LogoutRequest) (*LogoutResponse, error) {
	caller, err := rbac.RequireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := s.ledger.Lookup(ctx, req.GetSessionID())
	if err != nil {
		return nil, toStatus(err)
	}
	if sess == nil || !sess.IsActive {
		return &LogoutResponse{Success: false}, nil
	}
	if _, err := rbac.RequireGroupAccess(ctx, s.policy, engine.ActionLogout, sess.GroupID); err != nil {
		return nil, err
	}
	reason := domain.EndReasonLogout
	if caller.Group != sess.GroupID {
		reason = domain.EndReasonEvicted
	}
	ok, err := s.ledger.Logout(ctx, sess.ID, reason, caller.UserID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &LogoutResponse{Success: ok}, nil
}

// ListDevices returns the group's live devices, marking the caller's current session.
func (s *Server) ListDevices(ctx context.Context, req *ListDevicesRequest) (*ListDevicesResponse, error) {
	if _, err := rbac.RequireGroupAccess(ctx, s.policy, engine.ActionList, req.GetGroupID()); err != nil {
		return nil, err
	}
	list, err := s.ledger.ListActive(ctx, req.GroupID)
	if err != nil {
		return nil, toStatus(err)
	}
	devices := make([]Device, 0, len(list))
	for _, d := range list {
		devices = append(devices, Device{
			SessionID:             d.ID,
			FingerprintHashPrefix: fingerprint.Prefix(d.FingerprintHash),
			DeviceType:            d.DeviceType,
			Browser:               d.Browser,
			OS:                    d.OS,
			LastActive:            d.LastActive.UTC(),
			IsCurrent:             req.CurrentSessionID != "" && d.ID == req.CurrentSessionID,
		})
	}
	return &ListDevicesResponse{Devices: devices}, nil
}

// ResetGroup ends every active session of the group.
func (s *Server) ResetGroup(ctx context.Context, req *ResetGroupRequest) (*ResetGroupResponse, error) {
	id, err := rbac.RequireGroupAccess(ctx, s.policy, engine.ActionReset, req.GetGroupID())
	if err != nil {
		return nil, err
	}
	n, err := s.ledger.ResetGroup(ctx, req.GroupID, id.UserID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ResetGroupResponse{ClearedCount: n}, nil
}

// UpdateLimit stores a new device limit for the group. Live sessions are not evicted.
func (s *Server) UpdateLimit(ctx context.Context, req *UpdateLimitRequest) (*UpdateLimitResponse, error) {
	id, err := rbac.RequireGroupAccess(ctx, s.policy, engine.ActionUpdateLimit, req.GetGroupID())
	if err != nil {
		return nil, err
	}
	if err := s.ledger.UpdateLimit(ctx, req.GroupID, req.NewLimit, id.UserID); err != nil {
		return nil, toStatus(err)
	}
	return &UpdateLimitResponse{GroupID: req.GroupID, Limit: req.NewLimit}, nil
}

// GetUsage returns the group's effective limit and live device count.
func (s *Server) GetUsage(ctx context.Context, req *GetUsageRequest) (*GetUsageResponse, error) {
	if _, err := rbac.RequireGroupAccess(ctx, s.policy, engine.ActionUsage, req.GetGroupID()); err != nil {
		return nil, err
	}
	u, err := s.ledger.Usage(ctx, req.GroupID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetUsageResponse{GroupID: u.GroupID, Limit: u.Limit, ActiveCount: u.ActiveCount}, nil
}

// toStatus maps ledger errors to gRPC status errors.
func toStatus(err error) error {
	switch {
	case errors.Is(err, quota.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, quota.ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func incomingUserAgent(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get("user-agent"); len(v) > 0 {
		return v[0]
	}
	return ""
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
