package interceptors

import (
	"context"
	"testing"

	"school-platform/devicequota/internal/security"
)

func TestWithIdentity(t *testing.T) {
	want := security.Identity{UserID: "u1", Role: "group_admin", Group: "class:7b", Groups: []string{"class:8a"}}
	ctx := WithIdentity(context.Background(), want)

	got, ok := GetIdentity(ctx)
	if !ok {
		t.Fatal("GetIdentity: not set")
	}
	if got.UserID != want.UserID || got.Role != want.Role || got.Group != want.Group || len(got.Groups) != 1 {
		t.Errorf("GetIdentity = %+v, want %+v", got, want)
	}
	if uid, ok := GetUserID(ctx); !ok || uid != "u1" {
		t.Errorf("GetUserID = %q, %v", uid, ok)
	}
}

func TestGetIdentity_NotSet(t *testing.T) {
	if _, ok := GetIdentity(context.Background()); ok {
		t.Error("GetIdentity on empty context should report false")
	}
	if _, ok := GetUserID(context.Background()); ok {
		t.Error("GetUserID on empty context should report false")
	}
	if _, ok := GetUserID(WithIdentity(context.Background(), security.Identity{Role: "student"})); ok {
		t.Error("GetUserID with empty user id should report false")
	}
}

func TestWithIdentity_Overrides(t *testing.T) {
	ctx := WithIdentity(context.Background(), security.Identity{UserID: "first"})
	child := WithIdentity(ctx, security.Identity{UserID: "second"})
	if uid, _ := GetUserID(ctx); uid != "first" {
		t.Errorf("parent user = %q", uid)
	}
	if uid, _ := GetUserID(child); uid != "second" {
		t.Errorf("child user = %q", uid)
	}
}
