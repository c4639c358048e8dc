// Package mock provides a deterministic payment verifier for development
// and tests.
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/DukeRupert/gatekeeper/internal/billing"
)

// Verifier answers verification requests from a configurable table.
//
// Sessions registered with Pay verify successfully. Any other well-formed id
// beginning with "cs_test_paid" verifies too when AcceptTestSessions is set,
// which lets a local environment run end to end without Stripe.
type Verifier struct {
	mu        sync.Mutex
	sessions  map[string]billing.Verification
	err       error
	delay     time.Duration
	callCount int

	AcceptTestSessions bool
}

// NewVerifier creates an empty mock verifier.
func NewVerifier() *Verifier {
	return &Verifier{sessions: make(map[string]billing.Verification)}
}

// Pay registers a verified session for email.
func (v *Verifier) Pay(sessionID, email string) {
	v.Set(sessionID, billing.Verification{
		Verified:        true,
		SessionID:       sessionID,
		AmountTotal:     billing.DefaultAmount,
		Currency:        billing.DefaultCurrency,
		Email:           email,
		PaymentIntentID: "pi_" + strings.TrimPrefix(sessionID, "cs_"),
		CreatedAt:       time.Now().UTC(),
	})
}

// Set registers an arbitrary verdict for a session.
func (v *Verifier) Set(sessionID string, result billing.Verification) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sessions[sessionID] = result
}

// SetError makes every call fail with err.
func (v *Verifier) SetError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.err = err
}

// SetDelay makes every call block for d or until the context is done.
func (v *Verifier) SetDelay(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.delay = d
}

// CallCount returns how many times Verify was called.
func (v *Verifier) CallCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.callCount
}

// Verify implements billing.Verifier.
func (v *Verifier) Verify(ctx context.Context, sessionID string) (billing.Verification, error) {
	v.mu.Lock()
	v.callCount++
	delay, err := v.delay, v.err
	result, ok := v.sessions[sessionID]
	accept := v.AcceptTestSessions
	v.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return billing.Verification{}, billing.ErrUnavailable
		case <-t.C:
		}
	}
	if err != nil {
		return billing.Verification{}, err
	}
	if !billing.IsValidSessionID(sessionID) {
		return billing.Verification{SessionID: sessionID, Reason: billing.ReasonInvalidFormat}, nil
	}
	if ok {
		return result, nil
	}
	if accept && strings.HasPrefix(sessionID, "cs_test_paid") {
		return billing.Verification{
			Verified:    true,
			SessionID:   sessionID,
			AmountTotal: billing.DefaultAmount,
			Currency:    billing.DefaultCurrency,
			CreatedAt:   time.Now().UTC(),
		}, nil
	}
	return billing.Verification{SessionID: sessionID, Reason: billing.ReasonNotFound}, nil
}

var _ billing.Verifier = (*Verifier)(nil)
