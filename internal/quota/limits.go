package quota

import (
	"school-platform/devicequota/internal/devicesession/domain"
)

// LimitPolicy supplies the default device limit of a group that has no stored override.
type LimitPolicy struct {
	// Fallback applies to groups that are neither class nor school role groups, and to unknown roles.
	Fallback int
	// Class applies to class:<id> groups.
	Class int
	// Roles maps a role name to the default for school:<id>:role:<role> groups.
	Roles map[string]int
}

// For returns the default limit for groupID; never below 1.
func (p LimitPolicy) For(groupID string) int {
	limit := p.Fallback
	if ref, err := domain.ParseGroupID(groupID); err == nil {
		switch ref.Kind {
		case domain.GroupKindClass:
			if p.Class > 0 {
				limit = p.Class
			}
		case domain.GroupKindSchoolRole:
			if n, ok := p.Roles[ref.Role]; ok && n > 0 {
				limit = n
			}
		}
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}
