// Package identity holds user records: stable id, profile fields, presence
// mirror, and the push token used for offline notification delivery.
package identity

import (
	"context"
	"errors"
	"time"
)

// Presence values mirrored onto the user record by the presence tracker.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// ErrNotFound is returned when no user exists for the requested id.
var ErrNotFound = errors.New("identity: user not found")

// User is a single user record. ID is immutable; DisplayName, AvatarURL
// and PushToken are last-write-wins; Presence and LastSeenAt are owned by
// the presence tracker.
type User struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Email       string     `json:"email,omitempty"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
	Presence    string     `json:"presence"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
	PushToken   string     `json:"-"`
	CreatedAt   time.Time  `json:"-"`
}

// Store is the user record store. Upsert is idempotent on ID and merges
// profile fields; all setters are last-write-wins on their field. Records
// are never deleted.
type Store interface {
	// Upsert creates the user if absent, otherwise updates DisplayName
	// and Email. Presence, push token and avatar are left untouched.
	Upsert(ctx context.Context, u User) error

	// Get returns the user record, or ErrNotFound.
	Get(ctx context.Context, id string) (*User, error)

	// List returns all users ordered by display name, ties broken by id.
	List(ctx context.Context) ([]User, error)

	// SetPushToken overwrites the push token. An empty token clears it.
	SetPushToken(ctx context.Context, id, token string) error

	// SetDisplayName overwrites the display name.
	SetDisplayName(ctx context.Context, id, name string) error

	// SetAvatarURL overwrites the profile picture URL.
	SetAvatarURL(ctx context.Context, id, url string) error

	// SetPresence records a presence transition. lastSeen is nil for
	// online, the disconnect time for offline.
	SetPresence(ctx context.Context, id, presence string, lastSeen *time.Time) error
}
