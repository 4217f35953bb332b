// Package access owns the group membership lifecycle: granting entry
// after a verified payment and revoking it when the window lapses.
package access

import (
	"context"
	"fmt"
	"time"

	"github.com/pouchon/gatekeeper/pkg/observability"
	"github.com/pouchon/gatekeeper/pkg/plans"
	"github.com/pouchon/gatekeeper/pkg/storage"
	"github.com/pouchon/gatekeeper/pkg/telegram"
)

// Config holds the knobs for the access manager.
type Config struct {
	// GroupChatID is the Telegram chat the bot gates.
	GroupChatID int64

	// AdminContact is shown to users when invite creation fails and a
	// human has to let them in.
	AdminContact string

	// Retry shapes the backoff applied to failed revocations.
	Retry RetryConfig
}

// Manager grants and revokes group access. All settlement goes through
// the payment row's compare-and-set, so concurrent webhook and poll
// deliveries of the same reference produce exactly one grant.
type Manager struct {
	store     storage.Store
	messenger telegram.Messenger
	catalog   *plans.Catalog
	logger    *observability.Logger
	metrics   *observability.Metrics
	cfg       Config
	retry     *RetryPolicy

	now func() time.Time
}

// NewManager creates an access manager.
func NewManager(store storage.Store, messenger telegram.Messenger, catalog *plans.Catalog,
	logger *observability.Logger, metrics *observability.Metrics, cfg Config) *Manager {
	return &Manager{
		store:     store,
		messenger: messenger,
		catalog:   catalog,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
		retry:     NewRetryPolicy(cfg.Retry),
		now:       time.Now,
	}
}

// Grant settles the payment and admits the user. Returns the written
// subscription and true when this call won the settlement race; (nil,
// false, nil) means another delivery already granted and there is
// nothing to do.
func (m *Manager) Grant(ctx context.Context, reference string) (*storage.Subscription, bool, error) {
	payment, err := m.store.GetPayment(ctx, reference)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load payment %s: %w", reference, err)
	}

	plan, err := m.catalog.Lookup(payment.PlanID)
	if err != nil {
		return nil, false, fmt.Errorf("payment %s names unknown plan %q: %w", reference, payment.PlanID, err)
	}

	won, err := m.store.SettlePayment(ctx, reference, storage.PaymentSuccess)
	if err != nil {
		return nil, false, fmt.Errorf("failed to settle payment %s: %w", reference, err)
	}
	if !won {
		m.logger.WithField("reference", reference).Debug("payment already settled, skipping grant")
		return nil, false, nil
	}

	now := m.now().UTC()
	expiresAt := now.Add(plan.Duration())

	// Invite failure must not lose the grant: the payment is settled, so
	// record the subscription and route the user to a human.
	inviteLink, inviteErr := m.messenger.CreateInviteLink(ctx, m.cfg.GroupChatID, expiresAt)
	if inviteErr != nil {
		m.logger.WithError(inviteErr).WithField("reference", reference).
			Warn("invite link creation failed, falling back to manual delivery")
		if m.metrics != nil {
			m.metrics.InviteFallbackTotal.Inc()
		}
	}

	sub := &storage.Subscription{
		UserID:     payment.UserID,
		PlanID:     plan.ID,
		Reference:  reference,
		GrantedAt:  now,
		ExpiresAt:  expiresAt,
		InviteLink: inviteLink,
		Active:     true,
	}
	if err := m.store.UpsertSubscription(ctx, sub); err != nil {
		if m.metrics != nil {
			m.metrics.GrantsTotal.WithLabelValues(plan.ID, "error").Inc()
		}
		return nil, true, fmt.Errorf("payment %s settled but subscription write failed: %w", reference, err)
	}

	m.notifyGrant(ctx, sub, plan, inviteErr != nil)

	if m.metrics != nil {
		m.metrics.GrantsTotal.WithLabelValues(plan.ID, "ok").Inc()
	}
	m.logger.WithFields(map[string]interface{}{
		"user_id":    sub.UserID,
		"plan":       plan.ID,
		"reference":  reference,
		"expires_at": expiresAt,
	}).Info("access granted")

	return sub, true, nil
}

func (m *Manager) notifyGrant(ctx context.Context, sub *storage.Subscription, plan plans.Plan, fallback bool) {
	var text string
	if fallback || sub.InviteLink == "" {
		text = fmt.Sprintf(
			"Payment received for the %s plan. We could not generate your invite link automatically; please contact %s to be added to the group.",
			plan.Label, m.cfg.AdminContact)
	} else {
		text = fmt.Sprintf(
			"Payment received! Here is your invite link for the %s plan (valid until %s):\n%s\n\nThe link admits one member and expires with your access.",
			plan.Label, sub.ExpiresAt.Format("2 Jan 2006 15:04 MST"), sub.InviteLink)
	}

	// Delivery is best effort: the grant is durable either way and
	// /status re-sends the link.
	if err := m.messenger.SendMessage(ctx, sub.UserID, text); err != nil {
		m.logger.WithError(err).WithField("user_id", sub.UserID).
			Warn("failed to deliver grant message")
	}
}

// MarkFailed settles the payment as failed. Returns true when this call
// performed the transition.
func (m *Manager) MarkFailed(ctx context.Context, reference string) (bool, error) {
	won, err := m.store.SettlePayment(ctx, reference, storage.PaymentFailed)
	if err != nil {
		return false, fmt.Errorf("failed to mark payment %s failed: %w", reference, err)
	}
	if won {
		m.logger.WithField("reference", reference).Info("payment marked failed")
	}
	return won, nil
}

// Revoke removes the user from the group and deactivates the
// subscription. The kick is retried with backoff; the subscription row
// stays active until the kick lands so the next sweep picks it up again.
func (m *Manager) Revoke(ctx context.Context, sub *storage.Subscription) error {
	err := m.retry.Do(ctx, func(ctx context.Context) error {
		return m.messenger.Kick(ctx, m.cfg.GroupChatID, sub.UserID)
	}, func(attempt int, err error) {
		if m.metrics != nil {
			m.metrics.RevokeRetriesTotal.Inc()
		}
		m.logger.WithError(err).WithFields(map[string]interface{}{
			"user_id": sub.UserID,
			"attempt": attempt,
		}).Warn("kick failed, retrying")
	})
	if err != nil {
		if m.metrics != nil {
			m.metrics.RevokesTotal.WithLabelValues("error").Inc()
		}
		return fmt.Errorf("failed to kick user %d: %w", sub.UserID, err)
	}

	if err := m.store.DeactivateSubscription(ctx, sub.UserID); err != nil {
		if m.metrics != nil {
			m.metrics.RevokesTotal.WithLabelValues("error").Inc()
		}
		return fmt.Errorf("kicked user %d but failed to deactivate subscription: %w", sub.UserID, err)
	}

	text := "Your subscription has expired and you have been removed from the group. Send /start to renew."
	if err := m.messenger.SendMessage(ctx, sub.UserID, text); err != nil {
		m.logger.WithError(err).WithField("user_id", sub.UserID).
			Debug("failed to deliver expiry notice")
	}

	if m.metrics != nil {
		m.metrics.RevokesTotal.WithLabelValues("ok").Inc()
	}
	m.logger.WithFields(map[string]interface{}{
		"user_id": sub.UserID,
		"plan":    sub.PlanID,
	}).Info("access revoked")
	return nil
}
