package domain

import "time"

// EndReason records why a device session stopped counting against its group's quota.
type EndReason string

const (
	EndReasonLogout     EndReason = "logout"
	EndReasonExpired    EndReason = "expired"
	EndReasonEvicted    EndReason = "evicted"
	EndReasonReset      EndReason = "reset"
	EndReasonSuperseded EndReason = "superseded"
)

// DeviceSession is one admitted device's claim on a group's quota.
type DeviceSession struct {
	ID              string
	GroupID         string
	FingerprintHash string
	IPAddress       string
	UserAgent       string
	DeviceType      string
	Browser         string
	OS              string
	CreatedAt       time.Time
	LastActive      time.Time
	ExpiresAt       time.Time
	IsActive        bool
	EndedAt         *time.Time // nil while active
	EndReason       EndReason  // empty while active
}

// Live reports whether the session is active and not yet past its expiry at now.
func (s *DeviceSession) Live(now time.Time) bool {
	return s != nil && s.IsActive && now.Before(s.ExpiresAt)
}

// Touch moves lastActive to now and pushes expiresAt out by ttl.
func (s *DeviceSession) Touch(now time.Time, ttl time.Duration) {
	s.LastActive = now
	s.ExpiresAt = now.Add(ttl)
}

// End marks the session inactive with the given reason.
func (s *DeviceSession) End(now time.Time, reason EndReason) {
	s.IsActive = false
	t := now
	s.EndedAt = &t
	s.EndReason = reason
}

// Clone returns a copy that shares no pointers with s.
func (s *DeviceSession) Clone() *DeviceSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// DeviceMeta is descriptive device metadata; never used for uniqueness.
type DeviceMeta struct {
	IPAddress  string
	UserAgent  string
	DeviceType string
	Browser    string
	OS         string
}

// QuotaGroup is the usage view of a group: its effective limit and live session count.
type QuotaGroup struct {
	GroupID     string
	Limit       int
	ActiveCount int
}
