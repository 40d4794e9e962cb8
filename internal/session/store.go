// Package session records which user each live WebSocket connection
// belongs to and which server instance holds it. Records live in Redis so
// operational tooling and other instances can resolve a connection without
// asking the owning process.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for all session hashes.
	KeyPrefix = "session:"

	// TTL is the time-to-live for session keys. Renewed on activity; an
	// instance crash leaves records to expire on their own.
	TTL = 1 * time.Hour
)

// Session is one live connection's record.
type Session struct {
	ID         string `redis:"id"`          // connection id (UUID)
	UserID     string `redis:"user_id"`     // authenticated principal, empty until auth completes
	Server     string `redis:"server"`      // which server instance holds the connection
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session records in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a session store on an existing Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a record for a freshly upgraded, not yet authenticated
// connection.
func (s *Store) Create(ctx context.Context, connID string) error {
	key := KeyPrefix + connID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          connID,
		"user_id":     "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

// Bind attaches the authenticated user id to a connection's record.
func (s *Store) Bind(ctx context.Context, connID, userID string) error {
	key := KeyPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "user_id", userID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: bind: %w", err)
	}
	return nil
}

// Get retrieves a session record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, KeyPrefix+connID).Scan(&sess); err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// Touch refreshes the activity timestamp and TTL.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := KeyPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session record.
func (s *Store) Delete(ctx context.Context, connID string) error {
	return s.client.Del(ctx, KeyPrefix+connID).Err()
}
