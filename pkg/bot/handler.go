package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/pouchon/gatekeeper/pkg/observability"
	"github.com/pouchon/gatekeeper/pkg/paystack"
	"github.com/pouchon/gatekeeper/pkg/phone"
	"github.com/pouchon/gatekeeper/pkg/plans"
	"github.com/pouchon/gatekeeper/pkg/storage"
)

// Sender is the slice of the Bot API the handler uses to reply.
// *tgbotapi.BotAPI satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Gateway initiates and verifies payments. *paystack.Client satisfies it.
type Gateway interface {
	Initialize(ctx context.Context, req paystack.InitializeRequest) (*paystack.Authorization, error)
	Verify(ctx context.Context, reference string) (*paystack.Transaction, error)
}

// Granter settles payments and admits users. *access.Manager satisfies it.
type Granter interface {
	Grant(ctx context.Context, reference string) (*storage.Subscription, bool, error)
	MarkFailed(ctx context.Context, reference string) (bool, error)
}

// Config holds handler settings.
type Config struct {
	// EmailDomain builds the synthetic customer email the gateway
	// requires, as user<id>@<domain>.
	EmailDomain string

	// AdminIDs may run /subs.
	AdminIDs []int64

	// AdminContact is shown when users need a human.
	AdminContact string
}

// Handler routes Telegram updates through the purchase conversation.
type Handler struct {
	sender   Sender
	sessions SessionStore
	catalog  *plans.Catalog
	store    storage.Store
	gateway  Gateway
	granter  Granter
	logger   *observability.Logger
	metrics  *observability.Metrics
	cfg      Config

	now func() time.Time
}

// NewHandler creates an update handler.
func NewHandler(sender Sender, sessions SessionStore, catalog *plans.Catalog, store storage.Store,
	gateway Gateway, granter Granter, logger *observability.Logger,
	metrics *observability.Metrics, cfg Config) *Handler {
	if cfg.EmailDomain == "" {
		cfg.EmailDomain = "gatekeeper.invalid"
	}
	return &Handler{
		sender:   sender,
		sessions: sessions,
		catalog:  catalog,
		store:    store,
		gateway:  gateway,
		granter:  granter,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
	}
}

func (h *Handler) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

// HandleUpdate dispatches one Telegram update. Errors are handled by
// messaging the user; the returned error is for logging only.
func (h *Handler) HandleUpdate(ctx context.Context, update tgbotapi.Update) error {
	switch {
	case update.CallbackQuery != nil:
		return h.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.IsCommand():
		return h.handleCommand(ctx, update.Message)
	case update.Message != nil:
		return h.handleText(ctx, update.Message)
	default:
		return nil
	}
}

func (h *Handler) handleCommand(ctx context.Context, msg *tgbotapi.Message) error {
	userID := msg.From.ID
	ctx = observability.WithUserID(ctx, userID)

	switch msg.Command() {
	case "start":
		return h.handleStart(ctx, userID)
	case "status":
		return h.handleStatus(ctx, userID)
	case "subs":
		return h.handleSubs(ctx, userID)
	case "help":
		return h.reply(userID,
			"Commands:\n/start - choose a plan\n/status - check your payment or subscription\n/help - this message")
	default:
		return h.reply(userID, "Unknown command. Send /help for the command list.")
	}
}

func (h *Handler) handleStart(ctx context.Context, userID int64) error {
	// An active subscriber gets their standing instead of the menu.
	sub, err := h.store.GetSubscription(ctx, userID)
	if err == nil && sub.Active && !sub.Expired(h.clock()) {
		text := fmt.Sprintf("You already have access until %s.", sub.ExpiresAt.Format("2 Jan 2006 15:04 MST"))
		if sub.InviteLink != "" {
			text += "\nYour invite link: " + sub.InviteLink
		}
		return h.reply(userID, text)
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.logger.WithError(err).WithField("user_id", userID).Error("failed to load subscription")
	}

	session := NewSession(userID)
	if err := h.sessions.Put(ctx, session); err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("failed to store session")
	}

	return h.sendPlanMenu(userID)
}

func (h *Handler) sendPlanMenu(userID int64) error {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, plan := range h.catalog.List() {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(plan.Label, "plan:"+plan.ID),
		))
	}

	msg := tgbotapi.NewMessage(userID, "Choose a subscription plan:")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := h.sender.Send(msg); err != nil {
		return fmt.Errorf("failed to send plan menu: %w", err)
	}
	return nil
}

func (h *Handler) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) error {
	userID := cq.From.ID
	ctx = observability.WithUserID(ctx, userID)

	// Ack first so the client stops its spinner regardless of outcome.
	if _, err := h.sender.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		h.logger.WithError(err).Debug("failed to answer callback query")
	}

	if !strings.HasPrefix(cq.Data, "plan:") {
		return nil
	}
	planID := strings.TrimPrefix(cq.Data, "plan:")

	plan, err := h.catalog.Lookup(planID)
	if err != nil {
		return h.reply(userID, "That plan is no longer available. Send /start to see current plans.")
	}

	session, err := h.sessions.Get(ctx, userID)
	if err != nil {
		session = NewSession(userID)
	}
	// Selecting a plan restarts the funnel; a stale pending payment can
	// still be finished with /status.
	session.Transition(StateIdle)
	if err := session.Transition(StatePlanChosen); err != nil {
		return h.reply(userID, "Something went wrong. Send /start to begin again.")
	}
	session.PlanID = plan.ID

	if plan.RequiresPhone {
		if err := session.Transition(StateAwaitingPhone); err != nil {
			return h.reply(userID, "Something went wrong. Send /start to begin again.")
		}
		if err := h.sessions.Put(ctx, session); err != nil {
			h.logger.WithError(err).Error("failed to store session")
		}
		return h.reply(userID,
			fmt.Sprintf("You chose %s.\nEnter your M-Pesa phone number (e.g. 0712345678):", plan.Label))
	}

	return h.initiatePayment(ctx, session, plan)
}

func (h *Handler) handleText(ctx context.Context, msg *tgbotapi.Message) error {
	userID := msg.From.ID
	ctx = observability.WithUserID(ctx, userID)

	session, err := h.sessions.Get(ctx, userID)
	if err != nil || session.State != StateAwaitingPhone {
		return h.reply(userID, "Send /start to choose a plan or /status to check a payment.")
	}

	normalized, err := phone.Parse(msg.Text)
	if err != nil {
		return h.reply(userID,
			"That doesn't look like a valid Kenyan phone number. Try again, e.g. 0712345678.")
	}
	session.Phone = normalized

	plan, err := h.catalog.Lookup(session.PlanID)
	if err != nil {
		session.Transition(StateIdle)
		h.sessions.Put(ctx, session)
		return h.reply(userID, "That plan is no longer available. Send /start to see current plans.")
	}

	return h.initiatePayment(ctx, session, plan)
}

func (h *Handler) initiatePayment(ctx context.Context, session *Session, plan plans.Plan) error {
	userID := session.UserID

	req := paystack.InitializeRequest{
		Email:    fmt.Sprintf("user%d@%s", userID, h.cfg.EmailDomain),
		Amount:   plan.AmountMinor(),
		Currency: plan.Currency,
		Metadata: paystack.TransactionMeta{
			UserID: userID,
			Plan:   plan.ID,
			Hours:  plan.Hours,
			Phone:  session.Phone,
		},
	}
	if plan.RequiresPhone {
		req.Channels = []string{"mobile_money"}
		req.Mobile = &paystack.MobileMoney{Provider: "mpesa", Phone: session.Phone}
	}

	auth, err := h.gateway.Initialize(ctx, req)
	if err != nil {
		if h.metrics != nil {
			h.metrics.PaymentsInitiatedTotal.WithLabelValues(plan.ID, "error").Inc()
		}
		h.logger.WithError(err).WithField("user_id", userID).Error("payment initiation failed")
		return h.reply(userID, "The payment service is unavailable right now. Please try again in a few minutes.")
	}

	payment := &storage.Payment{
		Reference: auth.Reference,
		UserID:    userID,
		PlanID:    plan.ID,
		Amount:    plan.AmountMinor(),
		Currency:  plan.Currency,
		Status:    storage.PaymentPending,
		CreatedAt: h.clock().UTC(),
	}
	if err := h.store.CreatePayment(ctx, payment); err != nil {
		h.logger.WithError(err).WithField("reference", auth.Reference).Error("failed to record payment")
		return h.reply(userID, "Something went wrong on our side. Please try again.")
	}

	session.Reference = auth.Reference
	if err := session.Transition(StatePaymentPending); err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("session transition failed")
	}
	if err := h.sessions.Put(ctx, session); err != nil {
		h.logger.WithError(err).Error("failed to store session")
	}

	if h.metrics != nil {
		h.metrics.PaymentsInitiatedTotal.WithLabelValues(plan.ID, "ok").Inc()
	}
	h.logger.WithFields(map[string]interface{}{
		"user_id":   userID,
		"plan":      plan.ID,
		"reference": auth.Reference,
	}).Info("payment initiated")

	return h.reply(userID, fmt.Sprintf(
		"Complete your payment of %s %d here:\n%s\n\nAccess is granted automatically once the payment lands. Send /status to check.",
		plan.Currency, plan.Price, auth.URL))
}

func (h *Handler) handleStatus(ctx context.Context, userID int64) error {
	session, err := h.sessions.Get(ctx, userID)
	if err == nil && session.State == StatePaymentPending && session.Reference != "" {
		return h.pollPayment(ctx, session)
	}

	sub, err := h.store.GetSubscription(ctx, userID)
	if err == nil && sub.Active && !sub.Expired(h.clock()) {
		text := fmt.Sprintf("Your subscription is active until %s.", sub.ExpiresAt.Format("2 Jan 2006 15:04 MST"))
		if sub.InviteLink != "" {
			text += "\nInvite link: " + sub.InviteLink
		}
		return h.reply(userID, text)
	}

	return h.reply(userID, "No pending payment or active subscription. Send /start to choose a plan.")
}

func (h *Handler) pollPayment(ctx context.Context, session *Session) error {
	userID := session.UserID

	txn, err := h.gateway.Verify(ctx, session.Reference)
	if err != nil {
		h.logger.WithError(err).WithField("reference", session.Reference).Warn("verify failed")
		return h.reply(userID, "Could not reach the payment service. Please try /status again shortly.")
	}

	switch {
	case txn.Succeeded():
		sub, won, err := h.granter.Grant(ctx, session.Reference)
		if err != nil {
			h.logger.WithError(err).WithField("reference", session.Reference).Error("grant failed")
			return h.reply(userID, fmt.Sprintf(
				"Your payment went through but granting access failed. Please contact %s.", h.cfg.AdminContact))
		}
		if h.metrics != nil && won {
			h.metrics.PaymentsSettledTotal.WithLabelValues(string(storage.PaymentSuccess), "poll").Inc()
		}
		session.Transition(StateIdle)
		h.sessions.Delete(ctx, userID)
		if !won {
			// A webhook delivery raced us and already granted; surface
			// the standing it recorded.
			if sub == nil {
				return h.handleStatus(ctx, userID)
			}
		}
		return nil // the access manager messaged the invite link

	case txn.Status == "failed" || txn.Status == "abandoned":
		if _, err := h.granter.MarkFailed(ctx, session.Reference); err != nil {
			h.logger.WithError(err).WithField("reference", session.Reference).Error("mark failed errored")
		}
		session.Transition(StateIdle)
		h.sessions.Put(ctx, session)
		return h.reply(userID, "Your payment did not go through. Send /start to try again.")

	default:
		return h.reply(userID, "Your payment is still pending. Send /status again in a moment.")
	}
}

func (h *Handler) handleSubs(ctx context.Context, userID int64) error {
	if !h.isAdmin(userID) {
		return h.reply(userID, "Unknown command. Send /help for the command list.")
	}

	subs, err := h.store.ListActiveSubscriptions(ctx)
	if err != nil {
		h.logger.WithError(err).Error("failed to list subscriptions")
		return h.reply(userID, "Failed to load subscriptions.")
	}
	if len(subs) == 0 {
		return h.reply(userID, "No active subscriptions.")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d active subscriptions:\n", len(subs))
	for _, sub := range subs {
		fmt.Fprintf(&b, "- user %d, plan %s, expires %s\n",
			sub.UserID, sub.PlanID, sub.ExpiresAt.Format("2 Jan 15:04"))
	}
	return h.reply(userID, b.String())
}

func (h *Handler) isAdmin(userID int64) bool {
	for _, id := range h.cfg.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (h *Handler) reply(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := h.sender.Send(msg); err != nil {
		return fmt.Errorf("failed to send reply to %d: %w", chatID, err)
	}
	return nil
}
