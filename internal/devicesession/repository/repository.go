package repository

import (
	"context"
	"errors"
	"time"

	"school-platform/devicequota/internal/devicesession/domain"
)

// ErrConflict is returned when an atomic step lost a race (unique violation, serialization failure).
// Callers may retry; the retry re-reads state from the store.
var ErrConflict = errors.New("device session store: conflicting concurrent write")

// AdmitParams describes one admission attempt against a group's quota.
type AdmitParams struct {
	GroupID         string
	FingerprintHash string
	Meta            domain.DeviceMeta
	// Limit overrides the group's stored limit when > 0.
	Limit int
	// DefaultLimit applies when Limit is 0 and the group has no stored limit.
	DefaultLimit int
	// SessionID is the id to use if a new session is created.
	SessionID string
	Now       time.Time
	TTL       time.Duration
}

// EffectiveLimit picks the limit for an admission: explicit, then stored, then default; never below 1.
func (p AdmitParams) EffectiveLimit(stored int) int {
	limit := p.Limit
	if limit <= 0 {
		limit = stored
	}
	if limit <= 0 {
		limit = p.DefaultLimit
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Repository defines persistence for device sessions and group limits.
// Admit is the only operation that may create a session and it must be atomic per group:
// renew-or-count-and-insert runs as a single indivisible step.
type Repository interface {
	Admit(ctx context.Context, p AdmitParams) (domain.Decision, error)
	Heartbeat(ctx context.Context, sessionID string, now time.Time, ttl time.Duration) (domain.HeartbeatResult, error)
	// GetByID returns the session for id, or nil if not found.
	GetByID(ctx context.Context, id string) (*domain.DeviceSession, error)
	// Deactivate ends an active session. It returns the ended session, or nil when the id is unknown or already inactive.
	Deactivate(ctx context.Context, id string, reason domain.EndReason, now time.Time) (*domain.DeviceSession, error)
	// DeactivateGroup ends every active session of the group and returns how many were ended.
	DeactivateGroup(ctx context.Context, groupID string, reason domain.EndReason, now time.Time) (int, error)
	ListActive(ctx context.Context, groupID string, now time.Time) ([]*domain.DeviceSession, error)
	CountActive(ctx context.Context, groupID string, now time.Time) (int, error)
	// GetLimit returns the stored limit for the group, or 0 when none is stored.
	GetLimit(ctx context.Context, groupID string) (int, error)
	SetLimit(ctx context.Context, groupID string, limit int, now time.Time) error
	// ExpireDue ends up to batch active sessions whose expiry is at or before now, re-checking each one at update time.
	ExpireDue(ctx context.Context, now time.Time, batch int) ([]*domain.DeviceSession, error)
	// PurgeInactive physically removes up to batch sessions that ended before the cutoff.
	PurgeInactive(ctx context.Context, endedBefore time.Time, batch int) (int, error)
	Ping(ctx context.Context) error
}
