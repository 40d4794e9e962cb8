package presence

import (
	"context"
	"errors"
	"time"

	"github.com/courier/chat-backend/internal/identity"
)

// IdentityMirror writes presence transitions onto the durable user record,
// keeping User.Presence and User.LastSeenAt consistent with the tracker.
type IdentityMirror struct {
	Users identity.Store
}

// SetOnline implements StateStore. Transitions for users not yet
// registered are dropped silently; the record picks up presence on the
// next transition after registration.
func (m IdentityMirror) SetOnline(ctx context.Context, userID string) error {
	err := m.Users.SetPresence(ctx, userID, identity.PresenceOnline, nil)
	if errors.Is(err, identity.ErrNotFound) {
		return nil
	}
	return err
}

// SetOffline implements StateStore.
func (m IdentityMirror) SetOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	err := m.Users.SetPresence(ctx, userID, identity.PresenceOffline, &lastSeen)
	if errors.Is(err, identity.ErrNotFound) {
		return nil
	}
	return err
}

// Refresh implements StateStore. The durable record has no expiry to renew.
func (m IdentityMirror) Refresh(ctx context.Context, userID string) error {
	return nil
}
