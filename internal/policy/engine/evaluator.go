package engine

import "context"

// Administrative actions checked by the admin policy.
const (
	ActionAdmit       = "admit"
	ActionLogout      = "logout"
	ActionList        = "list"
	ActionUsage       = "usage"
	ActionReset       = "reset"
	ActionUpdateLimit = "update_limit"
	ActionSweep       = "sweep"
)

// Subject is the authenticated caller as seen by the policy.
type Subject struct {
	UserID   string
	Role     string
	SchoolID string
	Group    string
	Groups   []string
}

// Request asks whether Subject may perform Action on GroupID.
type Request struct {
	Subject Subject
	Action  string
	GroupID string
}

// Evaluator evaluates admin authorization policies using OPA or other engines.
type Evaluator interface {
	// Allow reports whether the request is permitted. Evaluation errors deny.
	Allow(ctx context.Context, req Request) (bool, error)
}
