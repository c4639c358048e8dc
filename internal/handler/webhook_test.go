package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"

	"github.com/DukeRupert/gatekeeper/internal/domain"
	"github.com/DukeRupert/gatekeeper/internal/store/memory"
)

type fakeWebhookVerifier struct {
	event stripe.Event
	err   error
}

func (f *fakeWebhookVerifier) VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error) {
	if f.err != nil {
		return stripe.Event{}, f.err
	}
	return f.event, nil
}

func stripeEvent(typ, raw string) stripe.Event {
	return stripe.Event{
		ID:   "evt_1",
		Type: stripe.EventType(typ),
		Data: &stripe.EventData{Raw: json.RawMessage(raw)},
	}
}

func postWebhook(t *testing.T, h *WebhookHandler) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

const paidSession = `{
	"id": "cs_test_hook",
	"object": "checkout.session",
	"payment_status": "paid",
	"amount_total": 3000,
	"currency": "gbp",
	"customer_details": {"email": "Manager@Example.org"},
	"payment_intent": "pi_hook"
}`

func TestWebhook_CheckoutCompletedRecordsEntitlement(t *testing.T) {
	s := memory.New()
	v := &fakeWebhookVerifier{event: stripeEvent("checkout.session.completed", paidSession)}

	rec := postWebhook(t, NewWebhookHandler(v, s, discardLogger()))
	assert.Equal(t, http.StatusOK, rec.Code)

	e, err := s.GetEntitlement(context.Background(), "cs_test_hook")
	require.NoError(t, err)
	assert.Equal(t, "manager@example.org", e.Email)
	assert.Equal(t, "pi_hook", e.PaymentIntentID)
	assert.Equal(t, int64(3000), e.AmountTotal)
	assert.Nil(t, e.UsedAt)
}

func TestWebhook_CheckoutUnpaidIgnored(t *testing.T) {
	s := memory.New()
	raw := strings.Replace(paidSession, `"paid"`, `"unpaid"`, 1)
	v := &fakeWebhookVerifier{event: stripeEvent("checkout.session.completed", raw)}

	rec := postWebhook(t, NewWebhookHandler(v, s, discardLogger()))
	assert.Equal(t, http.StatusOK, rec.Code)

	_, err := s.GetEntitlement(context.Background(), "cs_test_hook")
	assert.Error(t, err)
}

func TestWebhook_ChargeRefundedMarksEntitlement(t *testing.T) {
	s := memory.New()
	_, err := s.UpsertVerifiedEntitlement(context.Background(), domain.Entitlement{
		SessionID:       "cs_test_hook",
		Kind:            domain.EntitlementPaid,
		Email:           "manager@example.org",
		PaymentIntentID: "pi_hook",
	})
	require.NoError(t, err)

	v := &fakeWebhookVerifier{event: stripeEvent("charge.refunded",
		`{"id":"ch_1","object":"charge","amount_refunded":3000,"payment_intent":"pi_hook"}`)}

	rec := postWebhook(t, NewWebhookHandler(v, s, discardLogger()))
	assert.Equal(t, http.StatusOK, rec.Code)

	e, err := s.GetEntitlement(context.Background(), "cs_test_hook")
	require.NoError(t, err)
	assert.NotNil(t, e.RefundedAt)
}

func TestWebhook_UnknownRefundStill200(t *testing.T) {
	v := &fakeWebhookVerifier{event: stripeEvent("charge.refunded",
		`{"id":"ch_1","object":"charge","payment_intent":"pi_unknown"}`)}

	rec := postWebhook(t, NewWebhookHandler(v, memory.New(), discardLogger()))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhook_OtherEvents200(t *testing.T) {
	for _, typ := range []string{"charge.failed", "customer.created"} {
		v := &fakeWebhookVerifier{event: stripeEvent(typ,
			`{"id":"ch_1","object":"charge","failure_code":"card_declined","failure_message":"Your card was declined."}`)}
		rec := postWebhook(t, NewWebhookHandler(v, memory.New(), discardLogger()))
		assert.Equal(t, http.StatusOK, rec.Code, typ)
	}
}

func TestWebhook_BadSignature(t *testing.T) {
	v := &fakeWebhookVerifier{err: errors.New("no signatures found matching the expected signature")}

	rec := postWebhook(t, NewWebhookHandler(v, memory.New(), discardLogger()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_NotConfigured(t *testing.T) {
	rec := postWebhook(t, NewWebhookHandler(nil, memory.New(), discardLogger()))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
