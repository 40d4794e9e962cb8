package identity

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests and development setups.
type MemStore struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{users: make(map[string]*User)}
}

// Upsert implements Store.
func (s *MemStore) Upsert(ctx context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[u.ID]
	if !ok {
		s.users[u.ID] = &User{
			ID:          u.ID,
			DisplayName: u.DisplayName,
			Email:       u.Email,
			Presence:    PresenceOffline,
			CreatedAt:   time.Now(),
		}
		return nil
	}
	existing.DisplayName = u.DisplayName
	existing.Email = u.Email
	return nil
}

// Get implements Store.
func (s *MemStore) Get(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// List implements Store.
func (s *MemStore) List(ctx context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SetPushToken implements Store.
func (s *MemStore) SetPushToken(ctx context.Context, id, token string) error {
	return s.update(id, func(u *User) { u.PushToken = token })
}

// SetDisplayName implements Store.
func (s *MemStore) SetDisplayName(ctx context.Context, id, name string) error {
	return s.update(id, func(u *User) { u.DisplayName = name })
}

// SetAvatarURL implements Store.
func (s *MemStore) SetAvatarURL(ctx context.Context, id, url string) error {
	return s.update(id, func(u *User) { u.AvatarURL = url })
}

// SetPresence implements Store.
func (s *MemStore) SetPresence(ctx context.Context, id, presence string, lastSeen *time.Time) error {
	return s.update(id, func(u *User) {
		u.Presence = presence
		u.LastSeenAt = lastSeen
	})
}

func (s *MemStore) update(id string, fn func(*User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	return nil
}
