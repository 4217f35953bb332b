package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to the database at url and ensures the schema.
func OpenPostgres(url string, maxConns int) (*PostgresStore, error) {
	if url == "" {
		return nil, fmt.Errorf("postgres URL is required")
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return s, nil
}

// NewPostgresStore wraps an existing connection without touching the
// schema (used by tests).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ensureSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS payments (
		reference TEXT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		plan_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_user_id ON payments(user_id);

	CREATE TABLE IF NOT EXISTS subscriptions (
		user_id BIGINT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		reference TEXT NOT NULL,
		phone TEXT,
		granted_at TIMESTAMP WITH TIME ZONE NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		invite_link TEXT,
		active BOOLEAN NOT NULL DEFAULT FALSE
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_expires_at ON subscriptions(active, expires_at);
	`
	_, err := s.db.Exec(query)
	return err
}

// CreatePayment inserts a new pending payment row.
func (s *PostgresStore) CreatePayment(ctx context.Context, p *Payment) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO payments (reference, user_id, plan_id, amount, currency, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		p.Reference, p.UserID, p.PlanID, p.Amount, p.Currency, p.Status, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by its gateway reference.
func (s *PostgresStore) GetPayment(ctx context.Context, reference string) (*Payment, error) {
	query := `
		SELECT reference, user_id, plan_id, amount, currency, status, created_at
		FROM payments WHERE reference = $1
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

// SettlePayment transitions a payment out of pending with a
// compare-and-set UPDATE; only one concurrent caller wins.
func (s *PostgresStore) SettlePayment(ctx context.Context, reference string, status PaymentStatus) (bool, error) {
	if status != PaymentSuccess && status != PaymentFailed {
		return false, fmt.Errorf("cannot settle payment to %q", status)
	}
	query := `UPDATE payments SET status = $1 WHERE reference = $2 AND status = $3`
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
func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	query := `
		INSERT INTO subscriptions (user_id, plan_id, reference, phone, granted_at, expires_at, invite_link, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			reference = EXCLUDED.reference,
			phone = EXCLUDED.phone,
			granted_at = EXCLUDED.granted_at,
			expires_at = EXCLUDED.expires_at,
			invite_link = EXCLUDED.invite_link,
			active = EXCLUDED.active
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
func (s *PostgresStore) GetSubscription(ctx context.Context, userID int64) (*Subscription, error) {
	query := `
		SELECT user_id, plan_id, reference, phone, granted_at, expires_at, invite_link, active
		FROM subscriptions WHERE user_id = $1
	`
	return scanSubscriptionRow(s.db.QueryRowContext(ctx, query, userID))
}

// ListActiveSubscriptions returns all subscriptions with active=true.
func (s *PostgresStore) ListActiveSubscriptions(ctx context.Context) ([]*Subscription, error) {
	query := `
		SELECT user_id, plan_id, reference, phone, granted_at, expires_at, invite_link, active
		FROM subscriptions WHERE active ORDER BY expires_at
	`
	return s.querySubscriptions(ctx, query)
}

// ListExpiredSubscriptions returns active subscriptions whose window has
// elapsed at the given time.
func (s *PostgresStore) ListExpiredSubscriptions(ctx context.Context, now time.Time) ([]*Subscription, error) {
	query := `
		SELECT user_id, plan_id, reference, phone, granted_at, expires_at, invite_link, active
		FROM subscriptions WHERE active AND expires_at <= $1 ORDER BY expires_at
	`
	return s.querySubscriptions(ctx, query, now)
}

// DeactivateSubscription flips active to false for the user.
func (s *PostgresStore) DeactivateSubscription(ctx context.Context, userID int64) error {
	query := `UPDATE subscriptions SET active = FALSE WHERE user_id = $1`
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
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func scanSubscriptionRow(row rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	var phone, inviteLink sql.NullString
	err := row.Scan(&sub.UserID, &sub.PlanID, &sub.Reference, &phone,
		&sub.GrantedAt, &sub.ExpiresAt, &inviteLink, &sub.Active)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: subscription", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	sub.Phone = phone.String
	sub.InviteLink = inviteLink.String
	return sub, nil
}

func (s *PostgresStore) querySubscriptions(ctx context.Context, query string, args ...interface{}) ([]*Subscription, error) {
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
