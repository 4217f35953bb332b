package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenSQLite_RequiresPath(t *testing.T) {
	_, err := OpenSQLite("")
	assert.Error(t, err)
}

func TestPaymentLifecycle(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	payment := &Payment{
		Reference: "ref-1",
		UserID:    42,
		PlanID:    "kenya",
		Amount:    6000,
		Currency:  "KES",
		Status:    PaymentPending,
	}
	require.NoError(t, store.CreatePayment(ctx, payment))
	assert.False(t, payment.CreatedAt.IsZero(), "CreatePayment fills created_at")

	got, err := store.GetPayment(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.UserID)
	assert.Equal(t, PaymentPending, got.Status)

	won, err := store.SettlePayment(ctx, "ref-1", PaymentSuccess)
	require.NoError(t, err)
	assert.True(t, won)

	got, err = store.GetPayment(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, PaymentSuccess, got.Status)
}

func TestGetPayment_NotFound(t *testing.T) {
	store := newSQLiteStore(t)
	_, err := store.GetPayment(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreatePayment_DuplicateReference(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	p := &Payment{Reference: "ref-1", UserID: 42, PlanID: "kenya", Amount: 6000, Currency: "KES", Status: PaymentPending}
	require.NoError(t, store.CreatePayment(ctx, p))
	assert.Error(t, store.CreatePayment(ctx, p))
}

func TestSettlePayment_SecondCallerLoses(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePayment(ctx, &Payment{
		Reference: "ref-1", UserID: 42, PlanID: "kenya", Amount: 6000, Currency: "KES", Status: PaymentPending,
	}))

	won, err := store.SettlePayment(ctx, "ref-1", PaymentSuccess)
	require.NoError(t, err)
	assert.True(t, won)

	// The losing side of the webhook/poll race.
	won, err = store.SettlePayment(ctx, "ref-1", PaymentSuccess)
	require.NoError(t, err)
	assert.False(t, won)

	// Nor can a failure overwrite a settled payment.
	won, err = store.SettlePayment(ctx, "ref-1", PaymentFailed)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestSettlePayment_ConcurrentExactlyOneWinner(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePayment(ctx, &Payment{
		Reference: "ref-1", UserID: 42, PlanID: "kenya", Amount: 6000, Currency: "KES", Status: PaymentPending,
	}))

	const callers = 8
	wins := make(chan bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.SettlePayment(ctx, "ref-1", PaymentSuccess)
			assert.NoError(t, err)
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestSettlePayment_RejectsPendingTarget(t *testing.T) {
	store := newSQLiteStore(t)
	_, err := store.SettlePayment(context.Background(), "ref-1", PaymentPending)
	assert.Error(t, err)
}

func TestSubscriptionUpsertAndGet(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	sub := &Subscription{
		UserID:     42,
		PlanID:     "kenya",
		Reference:  "ref-1",
		Phone:      "254712345678",
		GrantedAt:  now,
		ExpiresAt:  now.Add(12 * time.Hour),
		InviteLink: "https://t.me/+abc",
		Active:     true,
	}
	require.NoError(t, store.UpsertSubscription(ctx, sub))

	got, err := store.GetSubscription(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "kenya", got.PlanID)
	assert.Equal(t, "254712345678", got.Phone)
	assert.Equal(t, "https://t.me/+abc", got.InviteLink)
	assert.True(t, got.Active)

	// A repeat purchase replaces the row.
	sub.PlanID = "weekly"
	sub.Reference = "ref-2"
	sub.ExpiresAt = now.Add(168 * time.Hour)
	require.NoError(t, store.UpsertSubscription(ctx, sub))

	got, err = store.GetSubscription(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "weekly", got.PlanID)
	assert.Equal(t, "ref-2", got.Reference)
}

func TestGetSubscription_NotFound(t *testing.T) {
	store := newSQLiteStore(t)
	_, err := store.GetSubscription(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListExpiredSubscriptions(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	put := func(userID int64, expiresAt time.Time, active bool) {
		require.NoError(t, store.UpsertSubscription(ctx, &Subscription{
			UserID: userID, PlanID: "kenya", Reference: "ref",
			GrantedAt: now.Add(-24 * time.Hour), ExpiresAt: expiresAt, Active: active,
		}))
	}

	put(1, now.Add(-time.Hour), true)   // expired, active
	put(2, now.Add(time.Hour), true)    // still running
	put(3, now.Add(-time.Hour), false)  // already revoked
	put(4, now.Add(-2*time.Hour), true) // expired, active

	expired, err := store.ListExpiredSubscriptions(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	// Ordered by expiry, oldest first.
	assert.Equal(t, int64(4), expired[0].UserID)
	assert.Equal(t, int64(1), expired[1].UserID)

	active, err := store.ListActiveSubscriptions(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func TestDeactivateSubscription(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.UpsertSubscription(ctx, &Subscription{
		UserID: 42, PlanID: "kenya", Reference: "ref-1",
		GrantedAt: now, ExpiresAt: now.Add(time.Hour), Active: true,
	}))

	require.NoError(t, store.DeactivateSubscription(ctx, 42))

	got, err := store.GetSubscription(ctx, 42)
	require.NoError(t, err)
	assert.False(t, got.Active)

	assert.ErrorIs(t, store.DeactivateSubscription(ctx, 999), ErrNotFound)
}

func TestPing(t *testing.T) {
	store := newSQLiteStore(t)
	assert.NoError(t, store.Ping(context.Background()))
}
