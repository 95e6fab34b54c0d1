package quota

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"school-platform/devicequota/internal/devicesession/domain"
	eventdomain "school-platform/devicequota/internal/telemetry/domain"
)

// MaxDeviceLimit bounds UpdateLimit.
const MaxDeviceLimit = 1000

// Lookup returns the session for id, or nil if it does not exist.
func (l *Ledger) Lookup(ctx context.Context, sessionID string) (*domain.DeviceSession, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, invalid("session id %q", sessionID)
	}
	return withRetry(ctx, l, "lookup", func(ctx context.Context) (*domain.DeviceSession, error) {
		return l.repo.GetByID(ctx, sessionID)
	})
}

// Logout ends the session and frees its slot immediately. It reports false when the session is unknown
// or already inactive. reason defaults to logout.
func (l *Ledger) Logout(ctx context.Context, sessionID string, reason domain.EndReason, actor string) (bool, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return false, invalid("session id %q", sessionID)
	}
	if reason == "" {
		reason = domain.EndReasonLogout
	}
	now := l.now()
	ended, err := withRetry(ctx, l, "logout", func(ctx context.Context) (*domain.DeviceSession, error) {
		return l.repo.Deactivate(ctx, sessionID, reason, now)
	})
	if err != nil {
		return false, err
	}
	if ended == nil {
		return false, nil
	}
	e := eventdomain.NewEvent(eventdomain.TypeLoggedOut, eventSource, now)
	e.GroupID = ended.GroupID
	e.SessionID = ended.ID
	e.Actor = actor
	e.With("reason", string(reason))
	l.emit(ctx, e)
	l.logger.Info("session ended",
		zap.String("group_id", ended.GroupID), zap.String("session_id", ended.ID), zap.String("reason", string(reason)))
	return true, nil
}

// ResetGroup ends every active session of the group and returns how many were cleared.
func (l *Ledger) ResetGroup(ctx context.Context, groupID, actor string) (int, error) {
	if err := domain.ValidateGroupID(groupID); err != nil {
		return 0, invalid("group id %q", groupID)
	}
	now := l.now()
	n, err := withRetry(ctx, l, "reset", func(ctx context.Context) (int, error) {
		return l.repo.DeactivateGroup(ctx, groupID, domain.EndReasonReset, now)
	})
	if err != nil {
		return 0, err
	}
	e := eventdomain.NewEvent(eventdomain.TypeGroupReset, eventSource, now)
	e.GroupID = groupID
	e.Actor = actor
	e.With("cleared", strconv.Itoa(n))
	l.emit(ctx, e)
	l.logger.Info("group reset", zap.String("group_id", groupID), zap.Int("cleared", n), zap.String("actor", actor))
	return n, nil
}

// ListActive returns the group's live sessions, oldest first. The list is informational only;
// admission never consults it.
func (l *Ledger) ListActive(ctx context.Context, groupID string) ([]*domain.DeviceSession, error) {
	if err := domain.ValidateGroupID(groupID); err != nil {
		return nil, invalid("group id %q", groupID)
	}
	now := l.now()
	return withRetry(ctx, l, "list", func(ctx context.Context) ([]*domain.DeviceSession, error) {
		return l.repo.ListActive(ctx, groupID, now)
	})
}

// UpdateLimit stores a new limit for the group. Existing sessions are never evicted; when the limit
// drops below the live count, new devices are rejected until enough sessions end.
func (l *Ledger) UpdateLimit(ctx context.Context, groupID string, newLimit int, actor string) error {
	if err := domain.ValidateGroupID(groupID); err != nil {
		return invalid("group id %q", groupID)
	}
	if newLimit < 1 || newLimit > MaxDeviceLimit {
		return invalid("limit must be between 1 and %d", MaxDeviceLimit)
	}
	now := l.now()
	if _, err := withRetry(ctx, l, "update limit", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, l.repo.SetLimit(ctx, groupID, newLimit, now)
	}); err != nil {
		return err
	}
	e := eventdomain.NewEvent(eventdomain.TypeLimitChanged, eventSource, now)
	e.GroupID = groupID
	e.Actor = actor
	e.With("limit", strconv.Itoa(newLimit))
	l.emit(ctx, e)
	l.logger.Info("group limit updated", zap.String("group_id", groupID), zap.Int("limit", newLimit), zap.String("actor", actor))
	return nil
}

// Usage returns the group's effective limit and live session count.
func (l *Ledger) Usage(ctx context.Context, groupID string) (domain.QuotaGroup, error) {
	if err := domain.ValidateGroupID(groupID); err != nil {
		return domain.QuotaGroup{}, invalid("group id %q", groupID)
	}
	now := l.now()
	return withRetry(ctx, l, "usage", func(ctx context.Context) (domain.QuotaGroup, error) {
		stored, err := l.repo.GetLimit(ctx, groupID)
		if err != nil {
			return domain.QuotaGroup{}, err
		}
		count, err := l.repo.CountActive(ctx, groupID, now)
		if err != nil {
			return domain.QuotaGroup{}, err
		}
		limit := stored
		if limit <= 0 {
			limit = l.limits.For(groupID)
		}
		return domain.QuotaGroup{GroupID: groupID, Limit: limit, ActiveCount: count}, nil
	})
}
