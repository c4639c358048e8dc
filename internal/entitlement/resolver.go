// Package entitlement decides which entitlement, if any, a submission runs
// under.
//
// Resolution is read-only with respect to consumption: it may record a
// freshly verified paid session in the ledger, but it never marks anything
// used. Consumption happens later, atomically, in the store.
package entitlement

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/DukeRupert/gatekeeper/internal/billing"
	"github.com/DukeRupert/gatekeeper/internal/domain"
	"github.com/DukeRupert/gatekeeper/internal/metrics"
	"github.com/DukeRupert/gatekeeper/internal/store"
)

// Default per-call timeouts.
const (
	DefaultVerifyTimeout = 10 * time.Second
	DefaultStoreTimeout  = 5 * time.Second
)

// Resolution is the outcome of a successful resolve.
type Resolution struct {
	Entitlement  domain.Entitlement
	Verification *billing.Verification // nil for free entitlements
}

// IsFree reports whether the submission runs on the free allowance.
func (r Resolution) IsFree() bool {
	return r.Entitlement.IsFree()
}

// Config tunes the resolver's timeouts.
type Config struct {
	VerifyTimeout time.Duration
	StoreTimeout  time.Duration
}

// Resolver resolves entitlements against the ledger and payment provider.
type Resolver struct {
	store    store.Store
	verifier billing.Verifier
	cfg      Config
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver(s store.Store, v billing.Verifier, cfg Config, logger *slog.Logger) *Resolver {
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = DefaultVerifyTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	return &Resolver{
		store:    s,
		verifier: v,
		cfg:      cfg,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Resolve determines the entitlement for email, using sessionID when the
// free allowance is gone.
//
// Errors are *domain.Error with one of MISSING_SESSION, VERIFICATION_FAILED,
// VERIFICATION_UNAVAILABLE, EMAIL_MISMATCH, PAYMENT_ALREADY_USED or INTERNAL.
// A store failure is INTERNAL rather than a free pass.
func (r *Resolver) Resolve(ctx context.Context, email, sessionID string) (Resolution, error) {
	const op = "entitlement.resolve"

	email = domain.NormalizeEmail(email)
	sessionID = strings.TrimSpace(sessionID)

	storeCtx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	prior, err := r.store.PriorSuccessfulCount(storeCtx, email)
	cancel()
	if err != nil {
		return Resolution{}, domain.Internal(err, op, "failed to read usage history")
	}

	if prior == 0 {
		r.logger.Debug("free entitlement resolved", "email", email)
		return Resolution{Entitlement: domain.FreeEntitlement(email)}, nil
	}

	return r.resolvePaid(ctx, op, email, sessionID)
}

// ResolvePaid resolves sessionID as a paid entitlement for email without
// consulting the free allowance. The pipeline uses it when the free claim is
// refused at consumption but a session was presented.
func (r *Resolver) ResolvePaid(ctx context.Context, email, sessionID string) (Resolution, error) {
	return r.resolvePaid(ctx, "entitlement.resolve_paid",
		domain.NormalizeEmail(email), strings.TrimSpace(sessionID))
}

func (r *Resolver) resolvePaid(ctx context.Context, op, email, sessionID string) (Resolution, error) {
	if sessionID == "" {
		return Resolution{}, domain.Denied(domain.EMISSINGSESSION, op,
			"Free analysis already used. Please purchase a report to continue.")
	}

	v, e, err := r.verifyAndRecord(ctx, op, sessionID, email)
	if err != nil {
		return Resolution{}, err
	}

	stripeEmail := domain.NormalizeEmail(v.Email)
	if !e.BelongsTo(email) || (stripeEmail != "" && stripeEmail != email) {
		return Resolution{}, domain.Denied(domain.EEMAILMISMATCH, op,
			"This payment was made with a different email address.")
	}
	if e.IsUsed() {
		return Resolution{}, domain.Denied(domain.EPAYMENTUSED, op,
			"This payment has already been used to generate a report.")
	}

	return Resolution{Entitlement: e, Verification: &v}, nil
}

// VerifySession confirms a paid session with the provider and records it in
// the ledger. The recorded email is the one Stripe holds for the session,
// falling back to fallbackEmail.
func (r *Resolver) VerifySession(ctx context.Context, sessionID, fallbackEmail string) (billing.Verification, domain.Entitlement, error) {
	return r.verifyAndRecord(ctx, "entitlement.verify_session", strings.TrimSpace(sessionID), domain.NormalizeEmail(fallbackEmail))
}

func (r *Resolver) verifyAndRecord(ctx context.Context, op, sessionID, email string) (billing.Verification, domain.Entitlement, error) {
	verifyCtx, cancel := context.WithTimeout(ctx, r.cfg.VerifyTimeout)
	v, err := r.verifier.Verify(verifyCtx, sessionID)
	cancel()
	if err != nil {
		metrics.PaymentVerifications.WithLabelValues("unavailable").Inc()
		r.logger.Warn("payment verification unavailable", "session_id", sessionID, "error", err)
		return billing.Verification{}, domain.Entitlement{}, &domain.Error{
			Code:    domain.EVERIFICATIONUNAVAIL,
			Op:      op,
			Message: "Payment verification is temporarily unavailable. Please try again shortly.",
			Err:     err,
		}
	}
	if !v.Verified {
		metrics.PaymentVerifications.WithLabelValues("rejected").Inc()
		r.logger.Info("payment verification rejected", "session_id", sessionID, "reason", v.Reason)
		return v, domain.Entitlement{}, domain.Denied(domain.EVERIFICATIONFAILED, op,
			"Payment verification failed: "+v.Reason)
	}
	metrics.PaymentVerifications.WithLabelValues("verified").Inc()

	recordEmail := domain.NormalizeEmail(v.Email)
	if recordEmail == "" {
		recordEmail = email
	}
	now := r.nowFunc()

	storeCtx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	e, err := r.store.UpsertVerifiedEntitlement(storeCtx, domain.Entitlement{
		SessionID:       sessionID,
		Kind:            domain.EntitlementPaid,
		Email:           recordEmail,
		AmountTotal:     v.AmountTotal,
		Currency:        v.Currency,
		PaymentIntentID: v.PaymentIntentID,
		VerifiedAt:      &now,
	})
	if err != nil {
		return v, domain.Entitlement{}, domain.Internal(err, op, "failed to record payment")
	}
	return v, e, nil
}

// DenialForConsumption maps a store consumption error to the caller-facing
// denial. Unknown errors become INTERNAL.
func DenialForConsumption(err error, op string) *domain.Error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domain.Denied(domain.EPAYMENTNOTFOUND, op, "No payment found for this session.")
	case errors.Is(err, store.ErrAlreadyUsed):
		return domain.Denied(domain.EPAYMENTUSED, op, "This payment has already been used to generate a report.")
	case errors.Is(err, store.ErrEmailMismatch):
		return domain.Denied(domain.EEMAILMISMATCH, op, "This payment was made with a different email address.")
	case errors.Is(err, store.ErrFreeExhausted):
		return domain.Denied(domain.EMISSINGSESSION, op, "Free analysis already used. Please purchase a report to continue.")
	default:
		return domain.Internal(err, op, "failed to consume entitlement")
	}
}
