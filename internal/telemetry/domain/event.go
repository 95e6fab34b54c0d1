package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event types published for device session lifecycle changes and administrative actions.
const (
	TypeAdmitted      = "device.admitted"
	TypeRenewed       = "device.renewed"
	TypeRejected      = "device.rejected"
	TypeDegraded      = "device.admitted_degraded"
	TypeHeartbeatMiss = "device.heartbeat_missed"
	TypeLoggedOut     = "device.logged_out"
	TypeExpired       = "device.expired"
	TypeGroupReset    = "group.reset"
	TypeLimitChanged  = "group.limit_changed"
	TypeAdminAction   = "audit.admin_action"
)

// Event is one quota lifecycle or audit record. It is serialized as JSON onto the event stream.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"eventType"`
	Source     string            `json:"source"`
	GroupID    string            `json:"groupId,omitempty"`
	SessionID  string            `json:"sessionId,omitempty"`
	Actor      string            `json:"actor,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// NewEvent returns an event with a fresh id and the given creation time.
func NewEvent(eventType, source string, at time.Time) *Event {
	return &Event{ID: uuid.NewString(), Type: eventType, Source: source, CreatedAt: at.UTC()}
}

// With sets an attribute and returns e for chaining. Empty values are skipped.
func (e *Event) With(key, value string) *Event {
	if value == "" {
		return e
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}
