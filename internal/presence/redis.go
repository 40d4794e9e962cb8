package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for presence hashes.
	KeyPrefix = "presence:"

	// OnlineTTL bounds how long an online record survives without renewal,
	// so a crashed server instance cannot leave users online forever.
	OnlineTTL = 2 * time.Minute
)

// RedisStore mirrors presence transitions into Redis hashes:
//
//	Key:    presence:<user_id>
//	Fields: status, last_seen (unix seconds, 0 while online)
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a StateStore backed by the given Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// SetOnline implements StateStore.
func (s *RedisStore) SetOnline(ctx context.Context, userID string) error {
	key := KeyPrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "status", string(Online), "last_seen", 0)
	pipe.Expire(ctx, key, OnlineTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: redis set online: %w", err)
	}
	return nil
}

// SetOffline implements StateStore. Offline records persist without TTL;
// last-seen stays readable until the next transition.
func (s *RedisStore) SetOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	key := KeyPrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "status", string(Offline), "last_seen", lastSeen.Unix())
	pipe.Persist(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: redis set offline: %w", err)
	}
	return nil
}

// Refresh renews the online TTL for a user. The tracker's sweeper calls it
// on every sweep for users with live connections, so the record outlives
// OnlineTTL as long as the user stays connected.
func (s *RedisStore) Refresh(ctx context.Context, userID string) error {
	return s.client.Expire(ctx, KeyPrefix+userID, OnlineTTL).Err()
}

// Get reads a user's mirrored presence. Users with no record (or an
// expired online record) read as offline with no last-seen.
func (s *RedisStore) Get(ctx context.Context, userID string) (Status, *time.Time, error) {
	result, err := s.client.HGetAll(ctx, KeyPrefix+userID).Result()
	if err != nil {
		return Offline, nil, fmt.Errorf("presence: redis get: %w", err)
	}
	if len(result) == 0 || result["status"] != string(Online) {
		ts, _ := strconv.ParseInt(result["last_seen"], 10, 64)
		if ts > 0 {
			t := time.Unix(ts, 0)
			return Offline, &t, nil
		}
		return Offline, nil, nil
	}
	return Online, nil, nil
}
