// Package billing verifies payments with Stripe.
//
// A paid entitlement is a Stripe Checkout session. The Verifier confirms a
// session with the Stripe API before the ledger trusts it; the webhook
// signature check authenticates ledger updates pushed by Stripe.
package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/webhook"
)

// Defaults for the single product sold.
const (
	DefaultAmount   int64 = 3000 // £30.00 in pence
	DefaultCurrency       = "gbp"
	DefaultMaxAge         = 24 * time.Hour
)

// Rejection reasons returned in Verification.Reason.
const (
	ReasonInvalidFormat   = "Invalid session format"
	ReasonNotFound        = "Session not found"
	ReasonAmountIncorrect = "Payment amount incorrect"
	ReasonCurrency        = "Payment currency incorrect"
	ReasonExpired         = "Session expired"
)

// ErrUnavailable means the payment provider could not answer. Callers must
// not treat it as a rejection.
var ErrUnavailable = errors.New("payment verification unavailable")

var sessionIDPattern = regexp.MustCompile(`^cs_[A-Za-z0-9_-]{2,125}$`)

// IsValidSessionID reports whether id is shaped like a Checkout session id.
func IsValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Verification is the provider's verdict on a session.
type Verification struct {
	Verified        bool
	Reason          string
	SessionID       string
	AmountTotal     int64
	Currency        string
	Email           string
	PaymentIntentID string
	CreatedAt       time.Time
}

// Verifier confirms a paid session with the payment provider.
type Verifier interface {
	// Verify returns Verified=false with a Reason when the provider rejects
	// the session, and ErrUnavailable when the provider cannot be reached.
	Verify(ctx context.Context, sessionID string) (Verification, error)
}

// WebhookVerifier authenticates webhook payloads.
type WebhookVerifier interface {
	VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error)
}

// StripeConfig configures the Stripe service.
type StripeConfig struct {
	SecretKey      string
	WebhookSecret  string
	ExpectedAmount int64
	Currency       string
	MaxAge         time.Duration

	// BackendURL overrides the Stripe API base URL. Used by tests.
	BackendURL string
	HTTPClient *http.Client
}

// StripeService implements Verifier and WebhookVerifier against Stripe.
type StripeService struct {
	sessions      *checkoutsession.Client
	webhookSecret string
	amount        int64
	currency      string
	maxAge        time.Duration
	nowFunc       func() time.Time
}

// NewStripeService creates a Stripe-backed verifier.
func NewStripeService(cfg StripeConfig) *StripeService {
	if cfg.ExpectedAmount == 0 {
		cfg.ExpectedAmount = DefaultAmount
	}
	if cfg.Currency == "" {
		cfg.Currency = DefaultCurrency
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = DefaultMaxAge
	}

	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(1),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if cfg.BackendURL != "" {
		backendCfg.URL = stripe.String(cfg.BackendURL)
		backendCfg.MaxNetworkRetries = stripe.Int64(0)
	}
	if cfg.HTTPClient != nil {
		backendCfg.HTTPClient = cfg.HTTPClient
	}

	return &StripeService{
		sessions: &checkoutsession.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
			Key: cfg.SecretKey,
		},
		webhookSecret: cfg.WebhookSecret,
		amount:        cfg.ExpectedAmount,
		currency:      strings.ToLower(cfg.Currency),
		maxAge:        cfg.MaxAge,
		nowFunc:       time.Now,
	}
}

// Verify implements Verifier.
func (s *StripeService) Verify(ctx context.Context, sessionID string) (Verification, error) {
	if !IsValidSessionID(sessionID) {
		return Verification{SessionID: sessionID, Reason: ReasonInvalidFormat}, nil
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := s.sessions.Get(sessionID, params)
	if err != nil {
		return s.classify(ctx, sessionID, err)
	}

	return s.check(sess), nil
}

func (s *StripeService) classify(ctx context.Context, sessionID string, err error) (Verification, error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Type == stripe.ErrorTypeInvalidRequest && stripeErr.HTTPStatusCode < 500 {
			return Verification{SessionID: sessionID, Reason: ReasonNotFound}, nil
		}
		return Verification{}, fmt.Errorf("%w: stripe %s (status %d)", ErrUnavailable, stripeErr.Type, stripeErr.HTTPStatusCode)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Verification{}, fmt.Errorf("%w: %w", ErrUnavailable, ctxErr)
	}
	return Verification{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// check applies the payment rules to a retrieved session.
func (s *StripeService) check(sess *stripe.CheckoutSession) Verification {
	v := Verification{
		SessionID:   sess.ID,
		AmountTotal: sess.AmountTotal,
		Currency:    strings.ToLower(string(sess.Currency)),
		Email:       sessionEmail(sess),
		CreatedAt:   time.Unix(sess.Created, 0).UTC(),
	}
	if sess.PaymentIntent != nil {
		v.PaymentIntentID = sess.PaymentIntent.ID
	}

	switch {
	case sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid:
		v.Reason = fmt.Sprintf("Payment status: %s", sess.PaymentStatus)
	case sess.AmountTotal != s.amount:
		v.Reason = ReasonAmountIncorrect
	case v.Currency != s.currency:
		v.Reason = ReasonCurrency
	case s.nowFunc().Sub(v.CreatedAt) > s.maxAge:
		v.Reason = ReasonExpired
	default:
		v.Verified = true
	}
	return v
}

func sessionEmail(sess *stripe.CheckoutSession) string {
	if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
		return sess.CustomerDetails.Email
	}
	return sess.CustomerEmail
}

// VerifyWebhookSignature implements WebhookVerifier.
func (s *StripeService) VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("stripe webhook signature verification failed: %w", err)
	}
	return event, nil
}

var (
	_ Verifier        = (*StripeService)(nil)
	_ WebhookVerifier = (*StripeService)(nil)
)
