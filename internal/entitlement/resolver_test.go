package entitlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/gatekeeper/internal/billing"
	billingmock "github.com/DukeRupert/gatekeeper/internal/billing/mock"
	"github.com/DukeRupert/gatekeeper/internal/domain"
	"github.com/DukeRupert/gatekeeper/internal/store"
	"github.com/DukeRupert/gatekeeper/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// brokenStore fails every read of the usage history.
type brokenStore struct {
	store.Store
}

func (brokenStore) PriorSuccessfulCount(context.Context, string) (int, error) {
	return 0, errors.New("connection refused")
}

// useFreeAllowance records one successful attempt for email.
func useFreeAllowance(t *testing.T, s store.Store, email string) {
	t.Helper()
	ctx := context.Background()
	a := domain.UploadAttempt{ID: uuid.NewString(), Email: email}
	require.NoError(t, s.ConsumeFree(ctx, email, a, 0))
	require.NoError(t, s.FinalizeAttempt(ctx, a.ID, domain.Finalization{Status: domain.AttemptStatusSuccess}))
}

func TestResolve_FirstTimeIsFree(t *testing.T) {
	v := billingmock.NewVerifier()
	r := NewResolver(memory.New(), v, Config{}, testLogger())

	res, err := r.Resolve(context.Background(), " Manager@Home.org ", "")
	require.NoError(t, err)
	assert.True(t, res.IsFree())
	assert.Equal(t, "manager@home.org", res.Entitlement.Email)
	assert.Nil(t, res.Verification)
	assert.Equal(t, 0, v.CallCount(), "free resolution must not call the payment provider")
}

func TestResolve_MissingSession(t *testing.T) {
	s := memory.New()
	useFreeAllowance(t, s, "manager@home.org")
	r := NewResolver(s, billingmock.NewVerifier(), Config{}, testLogger())

	_, err := r.Resolve(context.Background(), "manager@home.org", "  ")
	assert.Equal(t, domain.EMISSINGSESSION, domain.ErrorCode(err))
}

func TestResolve_StoreFailureIsInternal(t *testing.T) {
	r := NewResolver(brokenStore{memory.New()}, billingmock.NewVerifier(), Config{}, testLogger())

	_, err := r.Resolve(context.Background(), "manager@home.org", "")
	assert.Equal(t, domain.EINTERNAL, domain.ErrorCode(err))
}

func TestResolve_PaidSession(t *testing.T) {
	s := memory.New()
	useFreeAllowance(t, s, "manager@home.org")
	v := billingmock.NewVerifier()
	v.Pay("cs_test_paid1", "manager@home.org")
	r := NewResolver(s, v, Config{}, testLogger())

	res, err := r.Resolve(context.Background(), "MANAGER@home.org", "cs_test_paid1")
	require.NoError(t, err)
	assert.False(t, res.IsFree())
	assert.Equal(t, "cs_test_paid1", res.Entitlement.SessionID)
	require.NotNil(t, res.Verification)
	assert.True(t, res.Verification.Verified)

	e, err := s.GetEntitlement(context.Background(), "cs_test_paid1")
	require.NoError(t, err)
	assert.False(t, e.IsUsed(), "resolution must never consume")
	assert.NotNil(t, e.VerifiedAt)
}

func TestResolve_Denials(t *testing.T) {
	const email = "manager@home.org"

	tests := []struct {
		name    string
		setup   func(s store.Store, v *billingmock.Verifier)
		session string
		code    string
	}{
		{
			name:    "rejected by provider",
			setup:   func(s store.Store, v *billingmock.Verifier) {},
			session: "cs_test_unknown",
			code:    domain.EVERIFICATIONFAILED,
		},
		{
			name:    "malformed session",
			setup:   func(s store.Store, v *billingmock.Verifier) {},
			session: "fake_123",
			code:    domain.EVERIFICATIONFAILED,
		},
		{
			name: "provider unavailable",
			setup: func(s store.Store, v *billingmock.Verifier) {
				v.SetError(billing.ErrUnavailable)
			},
			session: "cs_test_any",
			code:    domain.EVERIFICATIONUNAVAIL,
		},
		{
			name: "paid with another email",
			setup: func(s store.Store, v *billingmock.Verifier) {
				v.Pay("cs_test_other", "someone@else.org")
			},
			session: "cs_test_other",
			code:    domain.EEMAILMISMATCH,
		},
		{
			name: "stored email matches but provider email changed",
			setup: func(s store.Store, v *billingmock.Verifier) {
				_, _ = s.UpsertVerifiedEntitlement(context.Background(), domain.Entitlement{SessionID: "cs_test_moved", Email: email, AmountTotal: 3000, Currency: "gbp"})
				v.Pay("cs_test_moved", "new.owner@else.org")
			},
			session: "cs_test_moved",
			code:    domain.EEMAILMISMATCH,
		},
		{
			name: "already used",
			setup: func(s store.Store, v *billingmock.Verifier) {
				v.Pay("cs_test_used", email)
				ctx := context.Background()
				_, _ = s.UpsertVerifiedEntitlement(ctx, domain.Entitlement{SessionID: "cs_test_used", Email: email, AmountTotal: 3000, Currency: "gbp"})
				_ = s.ConsumePaid(ctx, "cs_test_used", email, domain.UploadAttempt{ID: uuid.NewString(), Email: email})
			},
			session: "cs_test_used",
			code:    domain.EPAYMENTUSED,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memory.New()
			useFreeAllowance(t, s, email)
			v := billingmock.NewVerifier()
			tt.setup(s, v)
			r := NewResolver(s, v, Config{}, testLogger())

			_, err := r.Resolve(context.Background(), email, tt.session)
			require.Error(t, err)
			assert.Equal(t, tt.code, domain.ErrorCode(err))
		})
	}
}

func TestResolvePaid_IgnoresFreeAllowance(t *testing.T) {
	s := memory.New()
	v := billingmock.NewVerifier()
	v.Pay("cs_test_paid2", "manager@home.org")
	r := NewResolver(s, v, Config{}, testLogger())

	res, err := r.ResolvePaid(context.Background(), " Manager@home.org", "cs_test_paid2")
	require.NoError(t, err)
	assert.False(t, res.IsFree())
	assert.Equal(t, "cs_test_paid2", res.Entitlement.SessionID)
	assert.Equal(t, 1, v.CallCount())

	_, err = r.ResolvePaid(context.Background(), "manager@home.org", "")
	assert.Equal(t, domain.EMISSINGSESSION, domain.ErrorCode(err))
}

func TestResolve_VerifyTimeout(t *testing.T) {
	s := memory.New()
	useFreeAllowance(t, s, "manager@home.org")
	v := billingmock.NewVerifier()
	v.SetDelay(time.Second)
	r := NewResolver(s, v, Config{VerifyTimeout: 20 * time.Millisecond}, testLogger())

	start := time.Now()
	_, err := r.Resolve(context.Background(), "manager@home.org", "cs_test_slow")
	assert.Equal(t, domain.EVERIFICATIONUNAVAIL, domain.ErrorCode(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestVerifySession_UsesProviderEmail(t *testing.T) {
	s := memory.New()
	v := billingmock.NewVerifier()
	v.Pay("cs_test_abc", "Buyer@Example.org")
	r := NewResolver(s, v, Config{}, testLogger())

	ver, e, err := r.VerifySession(context.Background(), "cs_test_abc", "ignored@example.org")
	require.NoError(t, err)
	assert.True(t, ver.Verified)
	assert.Equal(t, "buyer@example.org", e.Email)
}

func TestDenialForConsumption(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{store.ErrNotFound, domain.EPAYMENTNOTFOUND},
		{store.ErrAlreadyUsed, domain.EPAYMENTUSED},
		{store.ErrEmailMismatch, domain.EEMAILMISMATCH},
		{store.ErrFreeExhausted, domain.EMISSINGSESSION},
		{errors.New("disk full"), domain.EINTERNAL},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, DenialForConsumption(tt.err, "test").Code, tt.err.Error())
	}
}
