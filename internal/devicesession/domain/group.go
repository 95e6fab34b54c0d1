package domain

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidGroupID is returned when a group id is empty, too long, or has disallowed characters.
var ErrInvalidGroupID = errors.New("invalid group id")

const maxGroupIDLen = 128

var groupIDPattern = regexp.MustCompile(`^[A-Za-z0-9:_\-.]+$`)

// GroupKind classifies a group id for default limits and authorization.
type GroupKind string

const (
	GroupKindClass      GroupKind = "class"
	GroupKindSchoolRole GroupKind = "school_role"
	GroupKindOther      GroupKind = "other"
)

// GroupRef is a parsed group id.
//   - class:<classId>                  → Kind class, ClassID set
//   - school:<schoolId>:role:<role>    → Kind school_role, SchoolID and Role set
//   - anything else that validates     → Kind other
type GroupRef struct {
	ID       string
	Kind     GroupKind
	ClassID  string
	SchoolID string
	Role     string
}

// ValidateGroupID checks the group id grammar shared by every store.
func ValidateGroupID(id string) error {
	if id == "" || len(id) > maxGroupIDLen || !groupIDPattern.MatchString(id) {
		return ErrInvalidGroupID
	}
	return nil
}

// ParseGroupID validates id and classifies it.
func ParseGroupID(id string) (GroupRef, error) {
	if err := ValidateGroupID(id); err != nil {
		return GroupRef{}, err
	}
	parts := strings.Split(id, ":")
	switch {
	case len(parts) == 2 && parts[0] == "class" && parts[1] != "":
		return GroupRef{ID: id, Kind: GroupKindClass, ClassID: parts[1]}, nil
	case len(parts) == 4 && parts[0] == "school" && parts[2] == "role" && parts[1] != "" && parts[3] != "":
		return GroupRef{ID: id, Kind: GroupKindSchoolRole, SchoolID: parts[1], Role: parts[3]}, nil
	default:
		return GroupRef{ID: id, Kind: GroupKindOther}, nil
	}
}
