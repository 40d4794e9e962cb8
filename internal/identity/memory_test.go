package identity

import (
	"context"
	"errors"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Upsert creates and then merges profile fields only
// ---------------------------------------------------------------------------

func TestMemStore_UpsertMergesProfileFields(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if err := s.Upsert(ctx, User{ID: "alice", DisplayName: "Alice", Email: "a@example.com"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.SetPushToken(ctx, "alice", "tok-1"); err != nil {
		t.Fatalf("set push token: %v", err)
	}
	if err := s.SetAvatarURL(ctx, "alice", "/media/alice.png"); err != nil {
		t.Fatalf("set avatar: %v", err)
	}

	// A second upsert must update the profile but leave token and avatar.
	if err := s.Upsert(ctx, User{ID: "alice", DisplayName: "Alice W", Email: "aw@example.com"}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	u, err := s.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u.DisplayName != "Alice W" {
		t.Errorf("display name = %q, want %q", u.DisplayName, "Alice W")
	}
	if u.PushToken != "tok-1" {
		t.Errorf("push token = %q, want %q (upsert must not touch it)", u.PushToken, "tok-1")
	}
	if u.AvatarURL != "/media/alice.png" {
		t.Errorf("avatar = %q, want unchanged", u.AvatarURL)
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown users return ErrNotFound
// ---------------------------------------------------------------------------

func TestMemStore_NotFound(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if _, err := s.Get(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get: err = %v, want ErrNotFound", err)
	}
	if err := s.SetPushToken(ctx, "ghost", "tok"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetPushToken: err = %v, want ErrNotFound", err)
	}
	if err := s.SetDisplayName(ctx, "ghost", "Ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetDisplayName: err = %v, want ErrNotFound", err)
	}
	if err := s.SetPresence(ctx, "ghost", PresenceOnline, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetPresence: err = %v, want ErrNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Presence transitions update status and last-seen together
// ---------------------------------------------------------------------------

func TestMemStore_SetPresence(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if err := s.Upsert(ctx, User{ID: "bob", DisplayName: "Bob"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := s.SetPresence(ctx, "bob", PresenceOnline, nil); err != nil {
		t.Fatalf("set online: %v", err)
	}
	u, _ := s.Get(ctx, "bob")
	if u.Presence != PresenceOnline || u.LastSeenAt != nil {
		t.Errorf("after online: presence = %q last_seen = %v", u.Presence, u.LastSeenAt)
	}

	seen := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	if err := s.SetPresence(ctx, "bob", PresenceOffline, &seen); err != nil {
		t.Fatalf("set offline: %v", err)
	}
	u, _ = s.Get(ctx, "bob")
	if u.Presence != PresenceOffline {
		t.Errorf("after offline: presence = %q", u.Presence)
	}
	if u.LastSeenAt == nil || !u.LastSeenAt.Equal(seen) {
		t.Errorf("after offline: last_seen = %v, want %v", u.LastSeenAt, seen)
	}
}

// ---------------------------------------------------------------------------
// Test: List orders by display name, ties broken by id
// ---------------------------------------------------------------------------

func TestMemStore_ListOrdered(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	for _, u := range []User{
		{ID: "u1", DisplayName: "Charlie"},
		{ID: "u2", DisplayName: "Alice"},
		{ID: "u4", DisplayName: "Bob"},
		{ID: "u3", DisplayName: "Bob"},
	} {
		if err := s.Upsert(ctx, u); err != nil {
			t.Fatalf("upsert %s: %v", u.ID, err)
		}
	}

	users, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"u2", "u3", "u4", "u1"}
	if len(users) != len(want) {
		t.Fatalf("got %d users, want %d", len(users), len(want))
	}
	for i, w := range want {
		if users[i].ID != w {
			t.Errorf("users[%d] = %s (%q), want %s", i, users[i].ID, users[i].DisplayName, w)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: An empty push token clears the stored one
// ---------------------------------------------------------------------------

func TestMemStore_ClearPushToken(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if err := s.Upsert(ctx, User{ID: "carol", DisplayName: "Carol"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.SetPushToken(ctx, "carol", "tok-1"); err != nil {
		t.Fatalf("set push token: %v", err)
	}
	if err := s.SetPushToken(ctx, "carol", ""); err != nil {
		t.Fatalf("clear push token: %v", err)
	}

	u, err := s.Get(ctx, "carol")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u.PushToken != "" {
		t.Errorf("push token = %q, want cleared", u.PushToken)
	}
}
