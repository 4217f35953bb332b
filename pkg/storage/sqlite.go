package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
// Use ":memory:" for an ephemeral database in tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	// _busy_timeout avoids spurious SQLITE_BUSY under the webhook/poll race.
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite handles a single writer; cap the pool so writes serialize in Go
	// rather than erroring in the driver.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS payments (
		reference TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		plan_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_user_id ON payments(user_id);

	CREATE TABLE IF NOT EXISTS subscriptions (
		user_id INTEGER PRIMARY KEY,
		plan_id TEXT NOT NULL,
		reference TEXT NOT NULL,
		phone TEXT,
		granted_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		invite_link TEXT,
		active INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_expires_at ON subscriptions(active, expires_at);
	`
	_, err := s.db.Exec(query)
	return err
}

// CreatePayment inserts a new pending payment row.
func (s *SQLiteStore) CreatePayment(ctx context.Context, p *Payment) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO payments (reference, user_id, plan_id, amount, currency, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		p.Reference, p.UserID, p.PlanID, p.Amount, p.Currency, p.Status, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by its gateway reference.
func (s *SQLiteStore) GetPayment(ctx context.Context, reference string) (*Payment, error) {
	query := `
		SELECT reference, user_id, plan_id, amount, currency, status, created_at
		FROM payments WHERE reference = ?
	`
	p := &Payment{}
	err := s.db.QueryRowContext(ctx, query, reference).Scan(
		&p.Reference, &p.UserID, &p.PlanID, &p.Amount, &p.Currency, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: payment %s", ErrNotFound, reference)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// SettlePayment transitions a payment out of pending. The WHERE clause is
// the compare-and-set: only the caller whose UPDATE touches a row wins.
func (s *SQLiteStore) SettlePayment(ctx context.Context, reference string, status PaymentStatus) (bool, error) {
	if status != PaymentSuccess && status != PaymentFailed {
		return false, fmt.Errorf("cannot settle payment to %q", status)
	}
	query := `UPDATE payments SET status = ? WHERE reference = ? AND status = ?`
	result, err := s.db.ExecContext(ctx, query, status, reference, PaymentPending)
	if err != nil {
		return false, fmt.Errorf("failed to settle payment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected == 1, nil
}

// UpsertSubscription replaces the subscription row for the user.
func (s *SQLiteStore) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	query := `
		INSERT INTO subscriptions (user_id, plan_id, reference, phone, granted_at, expires_at, invite_link, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			plan_id = excluded.plan_id,
			reference = excluded.reference,
			phone = excluded.phone,
			granted_at = excluded.granted_at,
			expires_at = excluded.expires_at,
			invite_link = excluded.invite_link,
			active = excluded.active
	`
	_, err := s.db.ExecContext(ctx, query,
		sub.UserID, sub.PlanID, sub.Reference, sub.Phone,
		sub.GrantedAt, sub.ExpiresAt, sub.InviteLink, sub.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// GetSubscription retrieves the subscription row for a user.
func (s *SQLiteStore) GetSubscription(ctx context.Context, userID int64) (*Subscription, error) {
	query := `
		SELECT user_id, plan_id, reference, phone, granted_at, expires_at, invite_link, active
		FROM subscriptions WHERE user_id = ?
	`
	return scanSubscriptionRow(s.db.QueryRowContext(ctx, query, userID))
}

// ListActiveSubscriptions returns all subscriptions with active=true.
func (s *SQLiteStore) ListActiveSubscriptions(ctx context.Context) ([]*Subscription, error) {
	query := `
		SELECT user_id, plan_id, reference, phone, granted_at, expires_at, invite_link, active
		FROM subscriptions WHERE active = 1 ORDER BY expires_at
	`
	return s.querySubscriptions(ctx, query)
}

// ListExpiredSubscriptions returns active subscriptions whose window has
// elapsed at the given time.
func (s *SQLiteStore) ListExpiredSubscriptions(ctx context.Context, now time.Time) ([]*Subscription, error) {
	query := `
		SELECT user_id, plan_id, reference, phone, granted_at, expires_at, invite_link, active
		FROM subscriptions WHERE active = 1 AND expires_at <= ? ORDER BY expires_at
	`
	return s.querySubscriptions(ctx, query, now)
}

// DeactivateSubscription flips active to false for the user.
func (s *SQLiteStore) DeactivateSubscription(ctx context.Context, userID int64) error {
	query := `UPDATE subscriptions SET active = 0 WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("failed to deactivate subscription: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: subscription for user %d", ErrNotFound, userID)
	}
	return nil
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLiteStore) querySubscriptions(ctx context.Context, query string, args ...interface{}) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscriptionRow(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
