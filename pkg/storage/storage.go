// Package storage persists the two durable records of the service:
// payments (audit trail, keyed by gateway reference) and subscriptions
// (at most one row per user). Two backends are provided, SQLite for
// single-node deployments and PostgreSQL for production.
package storage

import (
	"context"
	"fmt"
	"time"
)

// PaymentStatus is the lifecycle state of a payment record.
// Transitions: pending -> success | failed, terminal either way.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
)

// Payment is a durable record of one gateway transaction. Rows are never
// deleted; they are the audit trail.
type Payment struct {
	Reference string        `json:"reference"`
	UserID    int64         `json:"user_id"`
	PlanID    string        `json:"plan_id"`
	Amount    int64         `json:"amount"` // minor currency units
	Currency  string        `json:"currency"`
	Status    PaymentStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// Subscription is the single active-access record for a user. A repeat
// purchase replaces the row (upsert keyed by user_id).
type Subscription struct {
	UserID     int64     `json:"user_id"`
	PlanID     string    `json:"plan_id"`
	Reference  string    `json:"reference"`
	Phone      string    `json:"phone,omitempty"`
	GrantedAt  time.Time `json:"granted_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	InviteLink string    `json:"invite_link,omitempty"`
	Active     bool      `json:"active"`
}

// Expired reports whether the access window has elapsed at the given time.
func (s *Subscription) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = fmt.Errorf("record not found")

// Store is the persistence contract. Implementations must make
// SettlePayment an atomic compare-and-set on status: under a concurrent
// webhook delivery and user poll for the same reference, exactly one
// caller observes won=true.
type Store interface {
	// Payment operations
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, reference string) (*Payment, error)
	SettlePayment(ctx context.Context, reference string, status PaymentStatus) (won bool, err error)

	// Subscription operations
	UpsertSubscription(ctx context.Context, s *Subscription) error
	GetSubscription(ctx context.Context, userID int64) (*Subscription, error)
	ListActiveSubscriptions(ctx context.Context) ([]*Subscription, error)
	ListExpiredSubscriptions(ctx context.Context, now time.Time) ([]*Subscription, error)
	DeactivateSubscription(ctx context.Context, userID int64) error

	// Health checks
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and configures a storage backend.
type Config struct {
	Type string // "sqlite" or "postgres"

	// SQLite config
	SQLitePath string

	// PostgreSQL config
	PostgresURL      string
	PostgresMaxConns int
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Type:             "sqlite",
		SQLitePath:       "gatekeeper.db",
		PostgresMaxConns: 20,
	}
}

// Open creates the backend described by cfg.
func Open(cfg Config) (Store, error) {
	switch cfg.Type {
	case "", "sqlite":
		return OpenSQLite(cfg.SQLitePath)
	case "postgres":
		return OpenPostgres(cfg.PostgresURL, cfg.PostgresMaxConns)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
