package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PGStore is the PostgreSQL-backed Store.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates a Store backed by the given database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Upsert implements Store.
func (s *PGStore) Upsert(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    email        = EXCLUDED.email,
		    updated_at   = NOW()`,
		u.ID, u.DisplayName, u.Email)
	if err != nil {
		return fmt.Errorf("identity: upsert: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PGStore) Get(ctx context.Context, id string) (*User, error) {
	var (
		u        User
		lastSeen sql.NullTime
		token    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, avatar_url, presence, last_seen_at, push_token, created_at
		FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.DisplayName, &u.Email, &u.AvatarURL, &u.Presence, &lastSeen, &token, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: get: %w", err)
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		u.LastSeenAt = &t
	}
	if token.Valid {
		u.PushToken = token.String
	}
	return &u, nil
}

// List implements Store.
func (s *PGStore) List(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, email, avatar_url, presence, last_seen_at, created_at
		FROM users ORDER BY display_name, id`)
	if err != nil {
		return nil, fmt.Errorf("identity: list: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var (
			u        User
			lastSeen sql.NullTime
		)
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Email, &u.AvatarURL, &u.Presence, &lastSeen, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("identity: list scan: %w", err)
		}
		if lastSeen.Valid {
			t := lastSeen.Time
			u.LastSeenAt = &t
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("identity: list rows: %w", err)
	}
	return out, nil
}

// SetPushToken implements Store.
func (s *PGStore) SetPushToken(ctx context.Context, id, token string) error {
	var val interface{}
	if token != "" {
		val = token
	}
	return s.exec(ctx, "set push token",
		`UPDATE users SET push_token = $2, updated_at = NOW() WHERE id = $1`, id, val)
}

// SetDisplayName implements Store.
func (s *PGStore) SetDisplayName(ctx context.Context, id, name string) error {
	return s.exec(ctx, "set display name",
		`UPDATE users SET display_name = $2, updated_at = NOW() WHERE id = $1`, id, name)
}

// SetAvatarURL implements Store.
func (s *PGStore) SetAvatarURL(ctx context.Context, id, url string) error {
	return s.exec(ctx, "set avatar url",
		`UPDATE users SET avatar_url = $2, updated_at = NOW() WHERE id = $1`, id, url)
}

// SetPresence implements Store.
func (s *PGStore) SetPresence(ctx context.Context, id, presence string, lastSeen *time.Time) error {
	var val interface{}
	if lastSeen != nil {
		val = lastSeen.UTC()
	}
	return s.exec(ctx, "set presence",
		`UPDATE users SET presence = $2, last_seen_at = $3, updated_at = NOW() WHERE id = $1`,
		id, presence, val)
}

func (s *PGStore) exec(ctx context.Context, verb, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("identity: %s: %w", verb, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("identity: %s: %w", verb, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
