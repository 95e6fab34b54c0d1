package handler

import "time"

// DeviceInfo carries client-reported device hints.
type DeviceInfo struct {
	UserAgent string `json:"userAgent,omitempty"`
	Platform  string `json:"platform,omitempty"`
}

type AdmitRequest struct {
	GroupID           string      `json:"groupId"`
	ClientFingerprint string      `json:"clientFingerprint,omitempty"`
	DeviceInfo        *DeviceInfo `json:"deviceInfo,omitempty"`
	// Limit overrides the group's limit for this decision; only group administrators may set it.
	Limit int `json:"limit,omitempty"`
}

func (r *AdmitRequest) GetGroupID() string {
	if r == nil {
		return ""
	}
	return r.GroupID
}

type AdmitResponse struct {
	Decision     string     `json:"decision"`
	SessionID    string     `json:"sessionId,omitempty"`
	Limit        int        `json:"limit"`
	CurrentCount int        `json:"currentCount"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	Degraded     bool       `json:"degraded,omitempty"`
}

type HeartbeatRequest struct {
	SessionID string `json:"sessionId"`
}

func (r *HeartbeatRequest) GetSessionID() string {
	if r == nil {
		return ""
	}
	return r.SessionID
}

type HeartbeatResponse struct {
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type LogoutRequest struct {
	SessionID string `json:"sessionId"`
}

func (r *LogoutRequest) GetSessionID() string {
	if r == nil {
		return ""
	}
	return r.SessionID
}

type LogoutResponse struct {
	Success bool `json:"success"`
}

type ListDevicesRequest struct {
	GroupID          string `json:"groupId"`
	CurrentSessionID string `json:"currentSessionId,omitempty"`
}

func (r *ListDevicesRequest) GetGroupID() string {
	if r == nil {
		return ""
	}
	return r.GroupID
}

// Device is one entry of a group's device listing.
type Device struct {
	SessionID             string    `json:"sessionId"`
	FingerprintHashPrefix string    `json:"fingerprintHashPrefix"`
	DeviceType            string    `json:"deviceType"`
	Browser               string    `json:"browser"`
	OS                    string    `json:"os"`
	LastActive            time.Time `json:"lastActive"`
	IsCurrent             bool      `json:"isCurrent"`
}

type ListDevicesResponse struct {
	Devices []Device `json:"devices"`
}

type ResetGroupRequest struct {
	GroupID string `json:"groupId"`
}

func (r *ResetGroupRequest) GetGroupID() string {
	if r == nil {
		return ""
	}
	return r.GroupID
}

type ResetGroupResponse struct {
	ClearedCount int `json:"clearedCount"`
}

type UpdateLimitRequest struct {
	GroupID  string `json:"groupId"`
	NewLimit int    `json:"newLimit"`
}

func (r *UpdateLimitRequest) GetGroupID() string {
	if r == nil {
		return ""
	}
	return r.GroupID
}

type UpdateLimitResponse struct {
	GroupID string `json:"groupId"`
	Limit   int    `json:"limit"`
}

type GetUsageRequest struct {
	GroupID string `json:"groupId"`
}

func (r *GetUsageRequest) GetGroupID() string {
	if r == nil {
		return ""
	}
	return r.GroupID
}

type GetUsageResponse struct {
	GroupID     string `json:"groupId"`
	Limit       int    `json:"limit"`
	ActiveCount int    `json:"activeCount"`
}
