package domain

import "time"

// Outcome is the result of an admission attempt.
type Outcome string

const (
	OutcomeAdmitted Outcome = "ADMITTED"
	OutcomeRenewed  Outcome = "RENEWED"
	OutcomeRejected Outcome = "REJECTED"
)

// Decision is the discriminated result of admitting a (group, fingerprint) pair.
// SessionID and ExpiresAt are set for ADMITTED and RENEWED; CurrentCount and Limit are always set.
type Decision struct {
	Outcome      Outcome
	SessionID    string
	Limit        int
	CurrentCount int
	ExpiresAt    time.Time
	// Degraded is true only when the store was unavailable and fail-open admission is configured.
	Degraded bool
}

// HeartbeatStatus is the result of a liveness ping.
type HeartbeatStatus string

const (
	HeartbeatRenewed  HeartbeatStatus = "RENEWED"
	HeartbeatNotFound HeartbeatStatus = "NOT_FOUND"
	HeartbeatExpired  HeartbeatStatus = "EXPIRED"
)

// HeartbeatResult carries the new expiry when Status is RENEWED.
type HeartbeatResult struct {
	Status    HeartbeatStatus
	ExpiresAt time.Time
}
