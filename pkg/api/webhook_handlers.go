package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/pouchon/gatekeeper/pkg/async"
	"github.com/pouchon/gatekeeper/pkg/httputil"
	"github.com/pouchon/gatekeeper/pkg/paystack"
	"github.com/pouchon/gatekeeper/pkg/storage"
)

// webhookEvent is the envelope of a Paystack webhook delivery. Only the
// event name and the reference are trusted enough to act on; everything
// else is re-fetched from the gateway before any state changes.
type webhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
	} `json:"data"`
}

// handlePaystackWebhook processes gateway deliveries. The signature check
// runs on the raw body before any parsing; an unsigned or mis-signed
// request never touches the JSON decoder.
func (s *Server) handlePaystackWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.rejectWebhook(w, "paystack", "unreadable_body", http.StatusBadRequest, "failed to read body")
		return
	}

	signature := r.Header.Get(paystack.SignatureHeader)
	if !paystack.VerifySignature(body, signature, s.cfg.PaystackSecret) {
		s.rejectWebhook(w, "paystack", "bad_signature", http.StatusForbidden, "invalid signature")
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.rejectWebhook(w, "paystack", "bad_payload", http.StatusBadRequest, "invalid payload")
		return
	}

	if s.metrics != nil {
		s.metrics.WebhookEventsTotal.WithLabelValues("paystack", event.Event).Inc()
		defer func() {
			s.metrics.WebhookProcessDuration.Observe(time.Since(start).Seconds())
		}()
	}

	log := s.logger.WithFields(map[string]interface{}{
		"event":     event.Event,
		"reference": event.Data.Reference,
	})

	switch event.Event {
	case "charge.success":
		// handled below
	case "charge.failed":
		if event.Data.Reference != "" {
			if _, err := s.granter.MarkFailed(r.Context(), event.Data.Reference); err != nil {
				log.WithError(err).Error("failed to mark payment failed")
			}
		}
		httputil.WriteSuccess(w, map[string]string{"status": "ok"})
		return
	default:
		log.Debug("ignoring webhook event")
		httputil.WriteSuccess(w, map[string]string{"status": "ignored"})
		return
	}

	if event.Data.Reference == "" {
		s.rejectWebhook(w, "paystack", "bad_payload", http.StatusBadRequest, "missing reference")
		return
	}

	// Never trust the delivered status. The event only names a reference;
	// the authoritative state comes from a verify call on our own
	// connection to the gateway.
	txn, err := s.verifier.Verify(r.Context(), event.Data.Reference)
	if err != nil {
		log.WithError(err).Error("webhook verify failed")
		httputil.WriteServiceUnavailable(w, "verification unavailable")
		return
	}
	if !txn.Succeeded() {
		s.rejectWebhook(w, "paystack", "verify_mismatch", http.StatusOK, "")
		return
	}

	sub, won, err := s.granter.Grant(r.Context(), event.Data.Reference)
	if err != nil {
		log.WithError(err).Error("webhook grant failed")
		httputil.WriteInternalError(w, err)
		return
	}
	if won {
		if s.metrics != nil {
			s.metrics.PaymentsSettledTotal.WithLabelValues(string(storage.PaymentSuccess), "webhook").Inc()
		}
		log.WithField("user_id", sub.UserID).Info("payment settled via webhook")
	} else {
		log.Debug("payment already settled, webhook delivery is a duplicate")
	}

	httputil.WriteSuccess(w, map[string]string{"status": "ok"})
}

func (s *Server) rejectWebhook(w http.ResponseWriter, source, reason string, status int, message string) {
	if s.metrics != nil {
		s.metrics.WebhookRejectedTotal.WithLabelValues(source, reason).Inc()
	}
	s.logger.WithFields(map[string]interface{}{
		"source": source,
		"reason": reason,
	}).Warn("webhook rejected")

	if status == http.StatusOK {
		httputil.WriteSuccess(w, map[string]string{"status": "ignored"})
		return
	}
	httputil.WriteErrorMessage(w, status, message)
}

// handleTelegramWebhook accepts a Bot API update and queues it. Telegram
// resends undelivered updates, so a full queue answers 503 and lets the
// retry find room later.
func (s *Server) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	var update tgbotapi.Update
	if err := httputil.ParseJSON(r, &update); err != nil {
		s.rejectWebhook(w, "telegram", "bad_payload", http.StatusBadRequest, "invalid update")
		return
	}

	if s.metrics != nil {
		s.metrics.WebhookEventsTotal.WithLabelValues("telegram", "update").Inc()
	}

	err := s.pool.TrySubmit(func(ctx context.Context) error {
		return s.updates.HandleUpdate(ctx, update)
	})
	if s.metrics != nil {
		s.metrics.WebhookQueueDepth.Set(float64(s.pool.QueueDepth()))
	}
	if err != nil {
		if err == async.ErrQueueFull && s.metrics != nil {
			s.metrics.WebhookDroppedTotal.Inc()
		}
		s.logger.WithError(err).Warn("telegram update dropped")
		httputil.WriteServiceUnavailable(w, "update queue full")
		return
	}

	httputil.WriteSuccess(w, map[string]bool{"ok": true})
}
