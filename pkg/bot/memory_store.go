package bot

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore keeps sessions in an in-process LRU with a TTL. Suitable
// for single-instance deployments; use RedisStore when running more than
// one replica behind the webhook.
type MemoryStore struct {
	cache *expirable.LRU[int64, *Session]
}

// NewMemoryStore creates a session store holding up to size sessions,
// each expiring ttl after its last write.
func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &MemoryStore{
		cache: expirable.NewLRU[int64, *Session](size, nil, ttl),
	}
}

// Get returns the user's live session or ErrNoSession.
func (m *MemoryStore) Get(ctx context.Context, userID int64) (*Session, error) {
	session, ok := m.cache.Get(userID)
	if !ok {
		return nil, ErrNoSession
	}
	cp := *session
	return &cp, nil
}

// Put stores the session, resetting its TTL.
func (m *MemoryStore) Put(ctx context.Context, session *Session) error {
	cp := *session
	m.cache.Add(session.UserID, &cp)
	return nil
}

// Delete removes the user's session.
func (m *MemoryStore) Delete(ctx context.Context, userID int64) error {
	m.cache.Remove(userID)
	return nil
}

// Len reports the number of live sessions.
func (m *MemoryStore) Len() int {
	return m.cache.Len()
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
