package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"school-platform/devicequota/internal/devicesession/domain"
)

// MemoryRepository is an in-process Repository. Each group has its own mutex, so groups never
// contend with each other; the session-id index is a sync.Map.
type MemoryRepository struct {
	groups sync.Map // groupID -> *memGroup
	index  sync.Map // sessionID -> groupID
}

type memGroup struct {
	mu            sync.Mutex
	limit         int
	sessions      map[string]*domain.DeviceSession
	byFingerprint map[string]string // fingerprint -> active session id
}

// NewMemoryRepository returns an empty in-memory device session store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) group(groupID string) *memGroup {
	if g, ok := r.groups.Load(groupID); ok {
		return g.(*memGroup)
	}
	g, _ := r.groups.LoadOrStore(groupID, &memGroup{
		sessions:      make(map[string]*domain.DeviceSession),
		byFingerprint: make(map[string]string),
	})
	return g.(*memGroup)
}

// existing returns the group's state without creating it; read-only paths use it.
func (r *MemoryRepository) existing(groupID string) (*memGroup, bool) {
	g, ok := r.groups.Load(groupID)
	if !ok {
		return nil, false
	}
	return g.(*memGroup), true
}

func (r *MemoryRepository) lookup(sessionID string) (*memGroup, bool) {
	groupID, ok := r.index.Load(sessionID)
	if !ok {
		return nil, false
	}
	g, ok := r.groups.Load(groupID)
	if !ok {
		return nil, false
	}
	return g.(*memGroup), true
}

// end deactivates s and drops its fingerprint mapping. Caller holds g.mu.
func (g *memGroup) end(s *domain.DeviceSession, reason domain.EndReason, now time.Time) {
	s.End(now, reason)
	if g.byFingerprint[s.FingerprintHash] == s.ID {
		delete(g.byFingerprint, s.FingerprintHash)
	}
}

// expireLocked ends every active session whose expiry has passed. Caller holds g.mu.
func (g *memGroup) expireLocked(now time.Time) []*domain.DeviceSession {
	var out []*domain.DeviceSession
	for _, s := range g.sessions {
		if s.IsActive && !now.Before(s.ExpiresAt) {
			g.end(s, domain.EndReasonExpired, now)
			out = append(out, s.Clone())
		}
	}
	return out
}

func (g *memGroup) liveCount(now time.Time) int {
	n := 0
	for _, s := range g.sessions {
		if s.Live(now) {
			n++
		}
	}
	return n
}

// Admit renews the live session for the fingerprint, or inserts a new one if the group is under its limit.
func (r *MemoryRepository) Admit(ctx context.Context, p AdmitParams) (domain.Decision, error) {
	if err := ctx.Err(); err != nil {
		return domain.Decision{}, err
	}
	g := r.group(p.GroupID)
	g.mu.Lock()
	defer g.mu.Unlock()

	g.expireLocked(p.Now)
	limit := p.EffectiveLimit(g.limit)

	if id, ok := g.byFingerprint[p.FingerprintHash]; ok {
		if s := g.sessions[id]; s.Live(p.Now) {
			s.Touch(p.Now, p.TTL)
			return domain.Decision{
				Outcome:      domain.OutcomeRenewed,
				SessionID:    s.ID,
				Limit:        limit,
				CurrentCount: g.liveCount(p.Now),
				ExpiresAt:    s.ExpiresAt,
			}, nil
		}
	}

	count := g.liveCount(p.Now)
	if count >= limit {
		return domain.Decision{Outcome: domain.OutcomeRejected, Limit: limit, CurrentCount: count}, nil
	}
	if _, taken := g.sessions[p.SessionID]; taken {
		return domain.Decision{}, ErrConflict
	}
	s := &domain.DeviceSession{
		ID:              p.SessionID,
		GroupID:         p.GroupID,
		FingerprintHash: p.FingerprintHash,
		IPAddress:       p.Meta.IPAddress,
		UserAgent:       p.Meta.UserAgent,
		DeviceType:      p.Meta.DeviceType,
		Browser:         p.Meta.Browser,
		OS:              p.Meta.OS,
		CreatedAt:       p.Now,
		IsActive:        true,
	}
	s.Touch(p.Now, p.TTL)
	g.sessions[s.ID] = s
	g.byFingerprint[s.FingerprintHash] = s.ID
	r.index.Store(s.ID, p.GroupID)
	return domain.Decision{
		Outcome:      domain.OutcomeAdmitted,
		SessionID:    s.ID,
		Limit:        limit,
		CurrentCount: count + 1,
		ExpiresAt:    s.ExpiresAt,
	}, nil
}

// Heartbeat extends a live session; an active session found past its expiry is ended as expired.
func (r *MemoryRepository) Heartbeat(ctx context.Context, sessionID string, now time.Time, ttl time.Duration) (domain.HeartbeatResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.HeartbeatResult{}, err
	}
	g, ok := r.lookup(sessionID)
	if !ok {
		return domain.HeartbeatResult{Status: domain.HeartbeatNotFound}, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return domain.HeartbeatResult{Status: domain.HeartbeatNotFound}, nil
	}
	if !s.IsActive {
		return domain.HeartbeatResult{Status: domain.HeartbeatExpired}, nil
	}
	if !now.Before(s.ExpiresAt) {
		g.end(s, domain.EndReasonExpired, now)
		return domain.HeartbeatResult{Status: domain.HeartbeatExpired}, nil
	}
	s.Touch(now, ttl)
	return domain.HeartbeatResult{Status: domain.HeartbeatRenewed, ExpiresAt: s.ExpiresAt}, nil
}

// GetByID returns a copy of the session for id, or nil if not found.
func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.DeviceSession, error) {
	g, ok := r.lookup(id)
	if !ok {
		return nil, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions[id].Clone(), nil
}

// Deactivate ends the session if it is still active.
func (r *MemoryRepository) Deactivate(ctx context.Context, id string, reason domain.EndReason, now time.Time) (*domain.DeviceSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g, ok := r.lookup(id)
	if !ok {
		return nil, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	if !ok || !s.IsActive {
		return nil, nil
	}
	g.end(s, reason, now)
	return s.Clone(), nil
}

// DeactivateGroup ends all active sessions in the group.
func (r *MemoryRepository) DeactivateGroup(ctx context.Context, groupID string, reason domain.EndReason, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	g, ok := r.existing(groupID)
	if !ok {
		return 0, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, s := range g.sessions {
		if s.IsActive {
			g.end(s, reason, now)
			n++
		}
	}
	return n, nil
}

// ListActive returns live sessions ordered by creation time.
func (r *MemoryRepository) ListActive(ctx context.Context, groupID string, now time.Time) ([]*domain.DeviceSession, error) {
	g, ok := r.existing(groupID)
	if !ok {
		return []*domain.DeviceSession{}, nil
	}
	g.mu.Lock()
	out := make([]*domain.DeviceSession, 0, len(g.byFingerprint))
	for _, s := range g.sessions {
		if s.Live(now) {
			out = append(out, s.Clone())
		}
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CountActive returns the number of live sessions in the group.
func (r *MemoryRepository) CountActive(ctx context.Context, groupID string, now time.Time) (int, error) {
	g, ok := r.existing(groupID)
	if !ok {
		return 0, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.liveCount(now), nil
}

// GetLimit returns the stored limit, or 0.
func (r *MemoryRepository) GetLimit(ctx context.Context, groupID string) (int, error) {
	g, ok := r.existing(groupID)
	if !ok {
		return 0, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit, nil
}

// SetLimit stores the group's limit.
func (r *MemoryRepository) SetLimit(ctx context.Context, groupID string, limit int, now time.Time) error {
	g := r.group(groupID)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limit = limit
	return nil
}

// ExpireDue visits groups one at a time and ends sessions past their expiry.
func (r *MemoryRepository) ExpireDue(ctx context.Context, now time.Time, batch int) ([]*domain.DeviceSession, error) {
	var out []*domain.DeviceSession
	r.groups.Range(func(_, v any) bool {
		if ctx.Err() != nil || (batch > 0 && len(out) >= batch) {
			return false
		}
		g := v.(*memGroup)
		g.mu.Lock()
		out = append(out, g.expireLocked(now)...)
		g.mu.Unlock()
		return true
	})
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// PurgeInactive drops sessions that ended before the cutoff.
func (r *MemoryRepository) PurgeInactive(ctx context.Context, endedBefore time.Time, batch int) (int, error) {
	n := 0
	r.groups.Range(func(_, v any) bool {
		g := v.(*memGroup)
		g.mu.Lock()
		for id, s := range g.sessions {
			if batch > 0 && n >= batch {
				break
			}
			if !s.IsActive && s.EndedAt != nil && s.EndedAt.Before(endedBefore) {
				delete(g.sessions, id)
				r.index.Delete(id)
				n++
			}
		}
		g.mu.Unlock()
		return batch <= 0 || n < batch
	})
	return n, nil
}

// Ping always succeeds for the in-memory store.
func (r *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}
