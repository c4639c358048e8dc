package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/gatekeeper/internal/billing"
	"github.com/DukeRupert/gatekeeper/internal/domain"
)

// SessionVerifier confirms a paid session and records it in the ledger.
type SessionVerifier interface {
	VerifySession(ctx context.Context, sessionID, fallbackEmail string) (billing.Verification, domain.Entitlement, error)
}

// PaymentResponse is returned by the payment verification endpoint.
type PaymentResponse struct {
	Verified      bool   `json:"verified"`
	Reason        string `json:"reason,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	AmountTotal   int64  `json:"amount_total,omitempty"`
	Currency      string `json:"currency,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
	Created       int64  `json:"created,omitempty"`
	Used          bool   `json:"used,omitempty"`
}

// PaymentHandler lets the front end confirm a checkout before uploading.
type PaymentHandler struct {
	verifier SessionVerifier
	logger   *slog.Logger
}

// NewPaymentHandler creates a PaymentHandler.
func NewPaymentHandler(verifier SessionVerifier, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{verifier: verifier, logger: logger}
}

// RegisterRoutes registers payment routes. wrap is applied to each handler,
// typically an IP throttle.
func (h *PaymentHandler) RegisterRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("GET /api/v1/payments/{sessionID}", wrap(http.HandlerFunc(h.HandleVerify)))
}

// HandleVerify verifies a Checkout session with the payment provider.
func (h *PaymentHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	const op = "handler.verify_payment"

	sessionID := r.PathValue("sessionID")
	if !billing.IsValidSessionID(sessionID) {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "Invalid payment session."))
		return
	}

	v, e, err := h.verifier.VerifySession(r.Context(), sessionID, "")
	if err != nil {
		if domain.ErrorCode(err) == domain.EVERIFICATIONFAILED {
			h.logger.Info("payment not verified", "session_id", sessionID, "reason", v.Reason)
			writeJSON(w, http.StatusForbidden, PaymentResponse{Verified: false, Reason: v.Reason})
			return
		}
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, PaymentResponse{
		Verified:      true,
		SessionID:     sessionID,
		AmountTotal:   v.AmountTotal,
		Currency:      v.Currency,
		CustomerEmail: e.Email,
		Created:       v.CreatedAt.Unix(),
		Used:          e.IsUsed(),
	})
}
