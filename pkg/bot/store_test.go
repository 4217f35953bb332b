package bot

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutGetDelete(t *testing.T) {
	store := NewMemoryStore(100, time.Minute)
	ctx := context.Background()

	_, err := store.Get(ctx, 42)
	assert.ErrorIs(t, err, ErrNoSession)

	s := NewSession(42)
	s.PlanID = "kenya"
	require.NoError(t, store.Put(ctx, s))

	got, err := store.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "kenya", got.PlanID)

	// The store holds a copy; mutating the result must not leak back.
	got.PlanID = "weekly"
	again, err := store.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "kenya", again.PlanID)

	require.NoError(t, store.Delete(ctx, 42))
	_, err = store.Get(ctx, 42)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	store := NewMemoryStore(100, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, NewSession(42)))
	_, err := store.Get(ctx, 42)
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)

	_, err = store.Get(ctx, 42)
	assert.ErrorIs(t, err, ErrNoSession, "session should expire after the TTL")
}

func TestRedisStore_PutGetDelete(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, time.Minute)
	defer store.Close()
	ctx := context.Background()

	_, err := store.Get(ctx, 42)
	assert.ErrorIs(t, err, ErrNoSession)

	s := NewSession(42)
	require.NoError(t, s.Transition(StatePlanChosen))
	s.PlanID = "international"
	require.NoError(t, store.Put(ctx, s))

	got, err := store.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, StatePlanChosen, got.State)
	assert.Equal(t, "international", got.PlanID)

	require.NoError(t, store.Delete(ctx, 42))
	_, err = store.Get(ctx, 42)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, time.Minute)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, NewSession(42)))

	// miniredis advances TTLs manually.
	mr.FastForward(2 * time.Minute)

	_, err := store.Get(ctx, 42)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestNewRedisStoreFromURL(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := NewRedisStoreFromURL("redis://"+mr.Addr(), time.Minute)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(context.Background(), NewSession(7)))
	got, err := store.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.UserID)
}

func TestNewRedisStoreFromURL_Invalid(t *testing.T) {
	_, err := NewRedisStoreFromURL("not-a-url", time.Minute)
	assert.Error(t, err)
}
