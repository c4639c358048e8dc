// This file implements the Stripe webhook handler.
//
// Route:
//   - POST /webhooks/stripe -> HandleStripeWebhook
//
// This route is PUBLIC because Stripe calls it directly. Authentication is
// via the Stripe webhook signature verification.

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v79"

	"github.com/DukeRupert/gatekeeper/internal/billing"
	"github.com/DukeRupert/gatekeeper/internal/domain"
	"github.com/DukeRupert/gatekeeper/internal/metrics"
	"github.com/DukeRupert/gatekeeper/internal/store"
)

const (
	maxWebhookBytes     = 65536
	webhookStoreTimeout = 5 * time.Second
)

// WebhookHandler handles incoming webhook events from Stripe.
type WebhookHandler struct {
	verifier billing.WebhookVerifier
	store    store.Store
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// NewWebhookHandler creates a new WebhookHandler.
// verifier may be nil when no webhook secret is configured.
func NewWebhookHandler(verifier billing.WebhookVerifier, s store.Store, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		verifier: verifier,
		store:    s,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// RegisterRoutes registers webhook routes on the provided mux.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/stripe", h.HandleStripeWebhook)
}

// HandleStripeWebhook processes incoming Stripe webhook events. Once the
// signature checks out the response is always 200 so Stripe does not retry
// events the ledger cannot use.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil {
		h.logger.Warn("stripe webhook received but webhook secret is not configured")
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	event, err := h.verifier.VerifyWebhookSignature(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.logger.Info("stripe webhook received", "type", event.Type, "id", event.ID)
	metrics.WebhookEvents.WithLabelValues(string(event.Type)).Inc()

	ctx, cancel := context.WithTimeout(r.Context(), webhookStoreTimeout)
	defer cancel()

	switch event.Type {
	case "checkout.session.completed":
		h.handleCheckoutCompleted(ctx, event)
	case "charge.refunded":
		h.handleChargeRefunded(ctx, event)
	case "charge.failed":
		h.handleChargeFailed(event)
	default:
		h.logger.Debug("unhandled webhook event type", "type", event.Type)
	}

	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		h.logger.Error("failed to parse checkout session", "error", err)
		return
	}

	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		h.logger.Info("checkout completed without payment",
			"session_id", session.ID, "payment_status", session.PaymentStatus)
		return
	}

	email := session.CustomerEmail
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		email = session.CustomerDetails.Email
	}
	if email == "" {
		h.logger.Warn("checkout session has no customer email", "session_id", session.ID)
		return
	}

	now := h.nowFunc()
	e := domain.Entitlement{
		SessionID:   session.ID,
		Kind:        domain.EntitlementPaid,
		Email:       domain.NormalizeEmail(email),
		AmountTotal: session.AmountTotal,
		Currency:    string(session.Currency),
		VerifiedAt:  &now,
	}
	if session.PaymentIntent != nil {
		e.PaymentIntentID = session.PaymentIntent.ID
	}

	if _, err := h.store.UpsertVerifiedEntitlement(ctx, e); err != nil {
		h.logger.Error("failed to record checkout session", "error", err, "session_id", session.ID)
		return
	}
	h.logger.Info("checkout session recorded",
		"session_id", session.ID,
		"payment_intent", e.PaymentIntentID,
		"amount", session.AmountTotal,
	)
}

func (h *WebhookHandler) handleChargeRefunded(ctx context.Context, event stripe.Event) {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		h.logger.Error("failed to parse refunded charge", "error", err)
		return
	}
	if charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
		h.logger.Warn("refunded charge has no payment intent", "charge_id", charge.ID)
		return
	}

	err := h.store.MarkRefunded(ctx, charge.PaymentIntent.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.logger.Info("refund for unknown payment intent", "payment_intent", charge.PaymentIntent.ID)
	case err != nil:
		h.logger.Error("failed to mark entitlement refunded", "error", err, "payment_intent", charge.PaymentIntent.ID)
	default:
		h.logger.Info("entitlement refunded", "payment_intent", charge.PaymentIntent.ID, "amount", charge.AmountRefunded)
	}
}

func (h *WebhookHandler) handleChargeFailed(event stripe.Event) {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		h.logger.Error("failed to parse failed charge", "error", err)
		return
	}
	h.logger.Warn("charge failed",
		"charge_id", charge.ID,
		"failure_code", charge.FailureCode,
		"failure_message", charge.FailureMessage,
	)
}
