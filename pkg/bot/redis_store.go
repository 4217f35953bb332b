package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps sessions in Redis so multiple replicas share the
// conversation state. Keys expire after the TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a session store on an existing Redis client.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisStore{client: client, ttl: ttl}
}

// NewRedisStoreFromURL dials Redis from a URL such as
// redis://localhost:6379/0.
func NewRedisStoreFromURL(url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts), ttl), nil
}

// Client exposes the underlying client for health checks.
func (r *RedisStore) Client() *redis.Client {
	return r.client
}

func sessionKey(userID int64) string {
	return fmt.Sprintf("session:%d", userID)
}

// Get returns the user's live session or ErrNoSession.
func (r *RedisStore) Get(ctx context.Context, userID int64) (*Session, error) {
	data, err := r.client.Get(ctx, sessionKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

// Put stores the session, resetting its TTL.
func (r *RedisStore) Put(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(session.UserID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Delete removes the user's session.
func (r *RedisStore) Delete(ctx context.Context, userID int64) error {
	if err := r.client.Del(ctx, sessionKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
