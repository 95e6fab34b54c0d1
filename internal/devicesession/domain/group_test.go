package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseGroupID(t *testing.T) {
	testCases := []struct {
		name     string
		id       string
		kind     GroupKind
		classID  string
		schoolID string
		role     string
	}{
		{"class", "class:7b", GroupKindClass, "7b", "", ""},
		{"school role", "school:s-1:role:teacher", GroupKindSchoolRole, "", "s-1", "teacher"},
		{"other", "kiosk.lobby", GroupKindOther, "", "", ""},
		{"class missing id", "class:", GroupKindOther, "", "", ""},
		{"school missing role keyword", "school:s-1:teacher", GroupKindOther, "", "", ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ref, err := ParseGroupID(tc.id)
			if err != nil {
				t.Fatalf("ParseGroupID(%q): %v", tc.id, err)
			}
			if ref.Kind != tc.kind {
				t.Errorf("Kind = %q, want %q", ref.Kind, tc.kind)
			}
			if ref.ClassID != tc.classID || ref.SchoolID != tc.schoolID || ref.Role != tc.role {
				t.Errorf("ref = %+v", ref)
			}
		})
	}
}

func TestValidateGroupID_Invalid(t *testing.T) {
	for _, id := range []string{"", "has space", "slash/bad", strings.Repeat("a", 129)} {
		if err := ValidateGroupID(id); !errors.Is(err, ErrInvalidGroupID) {
			t.Errorf("ValidateGroupID(%q) = %v, want ErrInvalidGroupID", id, err)
		}
	}
}

func TestDeviceSession_Live(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := &DeviceSession{IsActive: true}
	s.Touch(now, time.Minute)
	if !s.Live(now.Add(59 * time.Second)) {
		t.Error("session should be live before expiry")
	}
	if s.Live(now.Add(time.Minute)) {
		t.Error("session should not be live at expiry")
	}
	s.End(now, EndReasonLogout)
	if s.Live(now) {
		t.Error("ended session should not be live")
	}
	if s.EndedAt == nil || s.EndReason != EndReasonLogout {
		t.Errorf("End did not record reason: %+v", s)
	}
	var nilSession *DeviceSession
	if nilSession.Live(now) {
		t.Error("nil session should not be live")
	}
}

func TestDeviceSession_CloneIsIndependent(t *testing.T) {
	now := time.Now().UTC()
	s := &DeviceSession{ID: "a", IsActive: true}
	s.End(now, EndReasonReset)
	c := s.Clone()
	*c.EndedAt = now.Add(time.Hour)
	if !s.EndedAt.Equal(now) {
		t.Error("Clone shares EndedAt with the original")
	}
}
