// Package storetest is a conformance suite for store.Store implementations.
//
// Every backend runs the same suite so the single-use and free-tier
// invariants hold no matter which ledger is configured. Identifiers are
// randomized per test so durable backends can share one database.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/gatekeeper/internal/domain"
	"github.com/DukeRupert/gatekeeper/internal/store"
)

// Factory returns a ready store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the full suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"FreeAllowanceLifecycle", testFreeAllowanceLifecycle},
		{"FreeRetryAfterFailure", testFreeRetryAfterFailure},
		{"FreeClaimInFlight", testFreeClaimInFlight},
		{"StaleFreeClaimTakeover", testStaleFreeClaimTakeover},
		{"PaidWhileFreeClaimHeld", testPaidWhileFreeClaimHeld},
		{"UpsertKeepsConsumption", testUpsertKeepsConsumption},
		{"ConsumePaid", testConsumePaid},
		{"ConsumePaidEmailMismatch", testConsumePaidEmailMismatch},
		{"ConcurrentPaidConsumption", testConcurrentPaidConsumption},
		{"ConcurrentFreeConsumption", testConcurrentFreeConsumption},
		{"FinalizeIsIdempotent", testFinalizeIsIdempotent},
		{"PaidSuccessCountsTowardsEmail", testPaidSuccessCounts},
		{"ListAttempts", testListAttempts},
		{"LedgerMarks", testLedgerMarks},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// =============================================================================
// Helpers
// =============================================================================

func uniqueEmail() string {
	return fmt.Sprintf("manager+%s@home.org", uuid.NewString()[:8])
}

func uniqueSession() string {
	return "cs_test_" + uuid.NewString()[:12]
}

func newAttempt(email string) domain.UploadAttempt {
	return domain.UploadAttempt{
		ID:           uuid.NewString(),
		Email:        email,
		ArtifactName: "report.pdf",
		ArtifactSize: 1024,
	}
}

func verified(sessionID, email string) domain.Entitlement {
	return domain.Entitlement{
		SessionID:       sessionID,
		Email:           email,
		AmountTotal:     3000,
		Currency:        "gbp",
		PaymentIntentID: "pi_" + sessionID,
	}
}

func success() domain.Finalization {
	return domain.Finalization{
		Status:          domain.AttemptStatusSuccess,
		DeliveryRef:     "msg-1",
		ActionItemCount: 3,
		PageCount:       9,
		Result:          json.RawMessage(`{"action_items":[]}`),
	}
}

func failed(detail string) domain.Finalization {
	return domain.Finalization{Status: domain.AttemptStatusFailed, ErrorDetail: detail}
}

// =============================================================================
// Tests
// =============================================================================

func testFreeAllowanceLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	email := uniqueEmail()

	n, err := s.PriorSuccessfulCount(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	a := newAttempt(email)
	require.NoError(t, s.ConsumeFree(ctx, email, a, 0))

	got, err := s.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusProcessing, got.Status)
	assert.True(t, got.IsFree)
	assert.Empty(t, got.SessionID)

	require.NoError(t, s.FinalizeAttempt(ctx, a.ID, success()))

	n, err = s.PriorSuccessfulCount(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = s.ConsumeFree(ctx, email, newAttempt(email), 0)
	assert.ErrorIs(t, err, store.ErrFreeExhausted)

	got, err = s.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusSuccess, got.Status)
	assert.Equal(t, 3, got.ActionItemCount)
	assert.Equal(t, 9, got.PageCount)
	assert.Equal(t, "msg-1", got.DeliveryRef)
	assert.JSONEq(t, `{"action_items":[]}`, string(got.Result))
}

func testFreeRetryAfterFailure(t *testing.T, s store.Store) {
	ctx := context.Background()
	email := uniqueEmail()

	a := newAttempt(email)
	require.NoError(t, s.ConsumeFree(ctx, email, a, 0))
	require.NoError(t, s.FinalizeAttempt(ctx, a.ID, failed("analysis failed")))

	n, err := s.PriorSuccessfulCount(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "failed attempts must not count as prior successes")

	assert.NoError(t, s.ConsumeFree(ctx, email, newAttempt(email), 0), "free allowance is available again after failure")
}

func testFreeClaimInFlight(t *testing.T, s store.Store) {
	ctx := context.Background()
	email := uniqueEmail()

	require.NoError(t, s.ConsumeFree(ctx, email, newAttempt(email), 0))
	err := s.ConsumeFree(ctx, email, newAttempt(email), 0)
	assert.ErrorIs(t, err, store.ErrFreeExhausted)
}

func testStaleFreeClaimTakeover(t *testing.T, s store.Store) {
	ctx := context.Background()
	email := uniqueEmail()

	abandoned := newAttempt(email)
	require.NoError(t, s.ConsumeFree(ctx, email, abandoned, 0))

	err := s.ConsumeFree(ctx, email, newAttempt(email), time.Hour)
	assert.ErrorIs(t, err, store.ErrFreeExhausted, "a fresh claim is not taken over")

	time.Sleep(50 * time.Millisecond)

	next := newAttempt(email)
	require.NoError(t, s.ConsumeFree(ctx, email, next, 10*time.Millisecond))

	got, err := s.GetAttempt(ctx, abandoned.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusFailed, got.Status)
	assert.Equal(t, domain.DetailClaimExpired, got.ErrorDetail)

	err = s.FinalizeAttempt(ctx, abandoned.ID, success())
	assert.ErrorIs(t, err, store.ErrAttemptFinalized, "a late finalize of the expired attempt is a no-op")

	err = s.ConsumeFree(ctx, email, newAttempt(email), time.Hour)
	assert.ErrorIs(t, err, store.ErrFreeExhausted, "the new claim is held")

	require.NoError(t, s.FinalizeAttempt(ctx, next.ID, success()))
	n, err := s.PriorSuccessfulCount(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	time.Sleep(50 * time.Millisecond)
	err = s.ConsumeFree(ctx, email, newAttempt(email), 10*time.Millisecond)
	assert.ErrorIs(t, err, store.ErrFreeExhausted, "a success is never taken over")
}

func testPaidWhileFreeClaimHeld(t *testing.T, s store.Store) {
	ctx := context.Background()
	email := uniqueEmail()
	session := uniqueSession()

	free := newAttempt(email)
	require.NoError(t, s.ConsumeFree(ctx, email, free, 0))

	_, err := s.UpsertVerifiedEntitlement(ctx, verified(session, email))
	require.NoError(t, err)

	paid := newAttempt(email)
	require.NoError(t, s.ConsumePaid(ctx, session, email, paid))
	require.NoError(t, s.FinalizeAttempt(ctx, paid.ID, success()))

	err = s.ConsumeFree(ctx, email, newAttempt(email), 0)
	assert.ErrorIs(t, err, store.ErrFreeExhausted)

	got, err := s.GetAttempt(ctx, free.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusProcessing, got.Status, "paid finalization leaves the free attempt alone")
	require.NoError(t, s.FinalizeAttempt(ctx, free.ID, failed("analysis failed")))
}

func testUpsertKeepsConsumption(t *testing.T, s store.Store) {
	ctx := context.Background()
	email := uniqueEmail()
	session := uniqueSession()

	e, err := s.UpsertVerifiedEntitlement(ctx, verified(session, email))
	require.NoError(t, err)
	assert.Equal(t, domain.EntitlementPaid, e.Kind)
	assert.NotNil(t, e.VerifiedAt)
	assert.Nil(t, e.UsedAt)

	require.NoError(t, s.ConsumePaid(ctx, session, email, newAttempt(email)))

	// Re-verification must neither reset UsedAt nor move the entitlement to
	// another email.
	again := verified(session, uniqueEmail())
	e, err = s.UpsertVerifiedEntitlement(ctx, again)
	require.NoError(t, err)
	assert.NotNil(t, e.UsedAt)
	assert.Equal(t, email, e.Email)

	got, err := s.GetEntitlement(ctx, session)
	require.NoError(t, err)
	assert.True(t, got.IsUsed())
	assert.Equal(t, int64(3000), got.AmountTotal)
	assert.Equal(t, "gbp", got.Currency)
}

func testConsumePaid(t *testing.T, s store.Store) {
	ctx := context.Background()
	email := uniqueEmail()
	session := uniqueSession()

	err := s.ConsumePaid(ctx, session, email, newAttempt(email))
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetEntitlement(ctx, session)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.UpsertVerifiedEntitlement(ctx, verified(session, email))
	require.NoError(t, err)

	a := newAttempt(email)
	require.NoError(t, s.ConsumePaid(ctx, session, email, a))

	got, err := s.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, session, got.SessionID)
	assert.False(t, got.IsFree)
	assert.Equal(t, domain.AttemptStatusProcessing, got.Status)

	second := newAttempt(email)
	err = s.ConsumePaid(ctx, session, email, second)
	assert.ErrorIs(t, err, store.ErrAlreadyUsed)

	_, err = s.GetAttempt(ctx, second.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "a denied consumption must not create an attempt")
}

func testConsumePaidEmailMismatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	email := uniqueEmail()
	session := uniqueSession()

	_, err := s.UpsertVerifiedEntitlement(ctx, verified(session, email))
	require.NoError(t, err)

	other := uniqueEmail()
	err = s.ConsumePaid(ctx, session, other, newAttempt(other))
	assert.ErrorIs(t, err, store.ErrEmailMismatch)

	e, err := s.GetEntitlement(ctx, session)
	require.NoError(t, err)
	assert.False(t, e.IsUsed())
}

func testConcurrentPaidConsumption(t *testing.T, s store.Store) {
	ctx := context.Background()
	email := uniqueEmail()
	session := uniqueSession()

	_, err := s.UpsertVerifiedEntitlement(ctx, verified(session, email))
	require.NoError(t, err)

	const n = 16
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = s.ConsumePaid(ctx, session, email, newAttempt(email))
		}(i)
	}
	close(start)
	wg.Wait()

	wins, used := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrAlreadyUsed):
			used++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins, "exactly one consumption must win")
	assert.Equal(t, n-1, used)

	attempts, err := s.ListAttempts(ctx, domain.AttemptFilter{Email: email})
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func testConcurrentFreeConsumption(t *testing.T, s store.Store) {
	ctx := context.Background()
	email := uniqueEmail()

	const n = 16
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = s.ConsumeFree(ctx, email, newAttempt(email), 0)
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, store.ErrFreeExhausted)
	}
	assert.Equal(t, 1, wins)
}

func testFinalizeIsIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	email := uniqueEmail()

	err := s.FinalizeAttempt(ctx, uuid.NewString(), success())
	assert.ErrorIs(t, err, store.ErrNotFound)

	a := newAttempt(email)
	require.NoError(t, s.ConsumeFree(ctx, email, a, 0))
	require.NoError(t, s.FinalizeAttempt(ctx, a.ID, success()))

	err = s.FinalizeAttempt(ctx, a.ID, success())
	assert.ErrorIs(t, err, store.ErrAttemptFinalized)
	err = s.FinalizeAttempt(ctx, a.ID, failed(domain.DetailNotDelivered))
	assert.ErrorIs(t, err, store.ErrAttemptFinalized)

	n, err := s.PriorSuccessfulCount(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a repeated finalize must not double count")

	got, err := s.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusSuccess, got.Status)
	assert.Empty(t, got.ErrorDetail)
}

func testPaidSuccessCounts(t *testing.T, s store.Store) {
	ctx := context.Background()
	email := uniqueEmail()
	session := uniqueSession()

	_, err := s.UpsertVerifiedEntitlement(ctx, verified(session, email))
	require.NoError(t, err)

	a := newAttempt(email)
	require.NoError(t, s.ConsumePaid(ctx, session, email, a))
	require.NoError(t, s.FinalizeAttempt(ctx, a.ID, success()))

	n, err := s.PriorSuccessfulCount(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testListAttempts(t *testing.T, s store.Store) {
	ctx := context.Background()
	email := uniqueEmail()

	first := newAttempt(email)
	require.NoError(t, s.ConsumeFree(ctx, email, first, 0))
	require.NoError(t, s.FinalizeAttempt(ctx, first.ID, failed(domain.DetailNotDelivered)))

	time.Sleep(5 * time.Millisecond)

	second := newAttempt(email)
	require.NoError(t, s.ConsumeFree(ctx, email, second, 0))

	all, err := s.ListAttempts(ctx, domain.AttemptFilter{Email: email})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")

	failedOnly, err := s.ListAttempts(ctx, domain.AttemptFilter{Email: email, Status: domain.AttemptStatusFailed})
	require.NoError(t, err)
	require.Len(t, failedOnly, 1)
	assert.Equal(t, domain.DetailNotDelivered, failedOnly[0].ErrorDetail)

	limited, err := s.ListAttempts(ctx, domain.AttemptFilter{Email: email, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testLedgerMarks(t *testing.T, s store.Store) {
	ctx := context.Background()
	email := uniqueEmail()
	session := uniqueSession()

	_, err := s.UpsertVerifiedEntitlement(ctx, verified(session, email))
	require.NoError(t, err)

	require.NoError(t, s.MarkReportSent(ctx, session))
	require.NoError(t, s.MarkRefunded(ctx, "pi_"+session))

	e, err := s.GetEntitlement(ctx, session)
	require.NoError(t, err)
	assert.NotNil(t, e.ReportSentAt)
	assert.NotNil(t, e.RefundedAt)

	assert.ErrorIs(t, s.MarkReportSent(ctx, uniqueSession()), store.ErrNotFound)
	assert.ErrorIs(t, s.MarkRefunded(ctx, "pi_unknown_"+uuid.NewString()[:8]), store.ErrNotFound)
}
