package sweeper

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pouchon/gatekeeper/pkg/observability"
	"github.com/pouchon/gatekeeper/pkg/storage"
)

type recordingRevoker struct {
	mu      sync.Mutex
	revoked []int64
	store   *storage.SQLiteStore
	failFor map[int64]bool
}

func (r *recordingRevoker) Revoke(ctx context.Context, sub *storage.Subscription) error {
	r.mu.Lock()
	fail := r.failFor[sub.UserID]
	r.mu.Unlock()
	if fail {
		return fmt.Errorf("kick failed for user %d", sub.UserID)
	}
	if err := r.store.DeactivateSubscription(ctx, sub.UserID); err != nil {
		return err
	}
	r.mu.Lock()
	r.revoked = append(r.revoked, sub.UserID)
	r.mu.Unlock()
	return nil
}

func (r *recordingRevoker) revokedIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.revoked...)
}

func testSweeper(t *testing.T, revoker *recordingRevoker) (*Sweeper, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	revoker.store = store
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	s := New(store, revoker, logger, nil, Config{
		Interval:      time.Minute,
		Workers:       2,
		RevokeTimeout: time.Second,
	})
	return s, store
}

func seedSubscription(t *testing.T, store *storage.SQLiteStore, userID int64, expiresAt time.Time, active bool) {
	t.Helper()
	require.NoError(t, store.UpsertSubscription(context.Background(), &storage.Subscription{
		UserID:    userID,
		PlanID:    "kenya",
		Reference: fmt.Sprintf("ref-%d", userID),
		GrantedAt: expiresAt.Add(-12 * time.Hour),
		ExpiresAt: expiresAt,
		Active:    active,
	}))
}

func TestSweep_RevokesOnlyExpired(t *testing.T) {
	revoker := &recordingRevoker{failFor: map[int64]bool{}}
	s, store := testSweeper(t, revoker)

	now := time.Now().UTC()
	seedSubscription(t, store, 1, now.Add(-time.Hour), true)  // expired
	seedSubscription(t, store, 2, now.Add(time.Hour), true)   // still valid
	seedSubscription(t, store, 3, now.Add(-time.Hour), false) // already inactive

	require.NoError(t, s.Sweep(context.Background()))

	assert.ElementsMatch(t, []int64{1}, revoker.revokedIDs())

	active, err := store.ListActiveSubscriptions(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(2), active[0].UserID)
}

func TestSweep_EmptyIsNoop(t *testing.T) {
	revoker := &recordingRevoker{failFor: map[int64]bool{}}
	s, _ := testSweeper(t, revoker)

	require.NoError(t, s.Sweep(context.Background()))
	assert.Empty(t, revoker.revokedIDs())
}

func TestSweep_FailedRevokeStaysActive(t *testing.T) {
	revoker := &recordingRevoker{failFor: map[int64]bool{1: true}}
	s, store := testSweeper(t, revoker)

	now := time.Now().UTC()
	seedSubscription(t, store, 1, now.Add(-time.Hour), true)
	seedSubscription(t, store, 2, now.Add(-time.Hour), true)

	err := s.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 revocations failed")

	// User 2 was still revoked; user 1 remains for the next sweep.
	assert.ElementsMatch(t, []int64{2}, revoker.revokedIDs())

	expired, err := store.ListExpiredSubscriptions(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, int64(1), expired[0].UserID)
}

func TestSweeper_StartStop(t *testing.T) {
	revoker := &recordingRevoker{failFor: map[int64]bool{}}
	s, _ := testSweeper(t, revoker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx), "double start should fail")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, s.Stop(stopCtx))
}

func TestSweeper_StopWithoutStart(t *testing.T) {
	revoker := &recordingRevoker{failFor: map[int64]bool{}}
	s, _ := testSweeper(t, revoker)
	assert.NoError(t, s.Stop(context.Background()))
}
