package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/gatekeeper/internal/billing"
	"github.com/DukeRupert/gatekeeper/internal/domain"
)

type fakeSessionVerifier struct {
	v   billing.Verification
	e   domain.Entitlement
	err error
	ids []string
}

func (f *fakeSessionVerifier) VerifySession(ctx context.Context, sessionID, fallbackEmail string) (billing.Verification, domain.Entitlement, error) {
	f.ids = append(f.ids, sessionID)
	return f.v, f.e, f.err
}

func servePayment(t *testing.T, v SessionVerifier, path string, wrap func(http.Handler) http.Handler) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	NewPaymentHandler(v, discardLogger()).RegisterRoutes(mux, wrap)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandleVerify_Verified(t *testing.T) {
	created := time.Date(2024, 3, 12, 9, 30, 0, 0, time.UTC)
	v := &fakeSessionVerifier{
		v: billing.Verification{
			Verified:    true,
			SessionID:   "cs_test_abc",
			AmountTotal: 3000,
			Currency:    "gbp",
			CreatedAt:   created,
		},
		e: domain.Entitlement{SessionID: "cs_test_abc", Email: "manager@example.org"},
	}

	rec := servePayment(t, v, "/api/v1/payments/cs_test_abc", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp PaymentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, PaymentResponse{
		Verified:      true,
		SessionID:     "cs_test_abc",
		AmountTotal:   3000,
		Currency:      "gbp",
		CustomerEmail: "manager@example.org",
		Created:       created.Unix(),
	}, resp)
	assert.Equal(t, []string{"cs_test_abc"}, v.ids)
}

func TestHandleVerify_Rejected(t *testing.T) {
	v := &fakeSessionVerifier{
		v:   billing.Verification{Reason: billing.ReasonAmountIncorrect},
		err: domain.Denied(domain.EVERIFICATIONFAILED, "x", "Payment verification failed"),
	}

	rec := servePayment(t, v, "/api/v1/payments/cs_test_abc", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var resp PaymentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Verified)
	assert.Equal(t, billing.ReasonAmountIncorrect, resp.Reason)
}

func TestHandleVerify_Unavailable(t *testing.T) {
	v := &fakeSessionVerifier{err: &domain.Error{Code: domain.EVERIFICATIONUNAVAIL, Message: "later"}}

	rec := servePayment(t, v, "/api/v1/payments/cs_test_abc", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, domain.EVERIFICATIONUNAVAIL, decodeError(t, rec).Error.Code)
}

func TestHandleVerify_InvalidSessionID(t *testing.T) {
	v := &fakeSessionVerifier{}

	rec := servePayment(t, v, "/api/v1/payments/pi_123", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, v.ids)
}

func TestPaymentRoutes_Wrapped(t *testing.T) {
	blocked := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})
	}
	v := &fakeSessionVerifier{}

	rec := servePayment(t, v, "/api/v1/payments/cs_test_abc", blocked)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Empty(t, v.ids)
}
