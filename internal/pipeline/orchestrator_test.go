package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/gatekeeper/internal/admission"
	"github.com/DukeRupert/gatekeeper/internal/ai"
	aimock "github.com/DukeRupert/gatekeeper/internal/ai/mock"
	billingmock "github.com/DukeRupert/gatekeeper/internal/billing/mock"
	"github.com/DukeRupert/gatekeeper/internal/delivery"
	deliverymock "github.com/DukeRupert/gatekeeper/internal/delivery/mock"
	"github.com/DukeRupert/gatekeeper/internal/domain"
	"github.com/DukeRupert/gatekeeper/internal/entitlement"
	"github.com/DukeRupert/gatekeeper/internal/extract"
	"github.com/DukeRupert/gatekeeper/internal/ratelimit"
	"github.com/DukeRupert/gatekeeper/internal/storage"
	"github.com/DukeRupert/gatekeeper/internal/store"
	"github.com/DukeRupert/gatekeeper/internal/store/memory"
)

// =============================================================================
// Fixtures
// =============================================================================

// reportText matches three gate keywords.
var reportText = strings.Repeat("This Ofsted inspection of the children's home found areas to improve. ", 4)

// weakText matches a single gate keyword.
var weakText = strings.Repeat("A general Ofsted newsletter about school holidays and term dates. ", 4)

var document = []byte("%PDF-1.4 test document")

type fakeExtractor struct {
	mu        sync.Mutex
	text      string
	pages     int
	err       error
	delay     time.Duration
	onExtract func()
}

func (f *fakeExtractor) set(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text = text
}

func (f *fakeExtractor) Extract(ctx context.Context, data []byte) (extract.Extraction, error) {
	f.mu.Lock()
	text, pages, err, delay, hook := f.text, f.pages, f.err, f.delay, f.onExtract
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return extract.Extraction{}, ctx.Err()
		}
	}
	if err != nil {
		return extract.Extraction{}, err
	}
	return extract.Extraction{Text: text, PageCount: pages}, nil
}

type harness struct {
	store     *memory.Store
	verifier  *billingmock.Verifier
	analyzer  *aimock.Provider
	channel   *deliverymock.Channel
	extractor *fakeExtractor
	orch      *Orchestrator
}

type option func(*harness, *Deps, *Config, *ratelimit.Config)

func withRateLimit(limit int) option {
	return func(_ *harness, _ *Deps, _ *Config, rc *ratelimit.Config) { rc.Limit = limit }
}

func withConfig(fn func(*Config)) option {
	return func(_ *harness, _ *Deps, c *Config, _ *ratelimit.Config) { fn(c) }
}

func withAnalyzer(a ai.Analyzer) option {
	return func(_ *harness, d *Deps, _ *Config, _ *ratelimit.Config) { d.Analyzer = a }
}

func withArchive(a *storage.Archive) option {
	return func(_ *harness, d *Deps, _ *Config, _ *ratelimit.Config) { d.Archive = a }
}

// withAuditStore makes the recorder finalize attempts through wrap(h.store)
// while consumption still goes to h.store.
func withAuditStore(wrap func(*memory.Store) store.Store) option {
	return func(h *harness, d *Deps, _ *Config, _ *ratelimit.Config) {
		d.Recorder = delivery.NewRecorder(wrap(h.store), h.channel, d.Logger)
	}
}

// finalizeFailingStore loses every audit write while failing is set.
type finalizeFailingStore struct {
	*memory.Store
	failing atomic.Bool
}

func (s *finalizeFailingStore) FinalizeAttempt(ctx context.Context, id string, f domain.Finalization) error {
	if s.failing.Load() {
		return errors.New("connection reset by peer")
	}
	return s.Store.FinalizeAttempt(ctx, id, f)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	logger := discardLogger()

	h := &harness{
		store:     memory.New(),
		verifier:  billingmock.NewVerifier(),
		analyzer:  aimock.New(logger),
		channel:   deliverymock.NewChannel(),
		extractor: &fakeExtractor{text: reportText, pages: 4},
	}

	rlCfg := ratelimit.Config{Limit: 1000}
	cfg := Config{}
	deps := Deps{
		Resolver:  entitlement.NewResolver(h.store, h.verifier, entitlement.Config{}, logger),
		Extractor: h.extractor,
		Gate: admission.NewGate(admission.Config{
			MinLength:    50,
			PlausibleMin: 100,
			PlausibleMax: 100000,
		}),
		Store:    h.store,
		Analyzer: h.analyzer,
		Recorder: delivery.NewRecorder(h.store, h.channel, logger),
		Logger:   logger,
	}
	for _, opt := range opts {
		opt(h, &deps, &cfg, &rlCfg)
	}
	deps.Limiter = ratelimit.New(ratelimit.NewMemoryStore(), rlCfg, logger)

	orch, err := New(deps, cfg)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) submit(email, sessionID string) (*Outcome, error) {
	return h.orch.Submit(context.Background(), Submission{
		Document:      document,
		ArtifactName:  "report.pdf",
		Email:         email,
		SubmitterName: "Sam Carter",
		SessionID:     sessionID,
		ClientIP:      "203.0.113.7",
	})
}

// useFreeAllowance runs one successful free submission for email.
func (h *harness) useFreeAllowance(t *testing.T, email string) {
	t.Helper()
	out, err := h.submit(email, "")
	require.NoError(t, err)
	require.Equal(t, domain.EntitlementFree, out.Kind)
}

func (h *harness) attempts(t *testing.T, email string) []domain.UploadAttempt {
	t.Helper()
	list, err := h.store.ListAttempts(context.Background(), domain.AttemptFilter{Email: email})
	require.NoError(t, err)
	return list
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, domain.ErrorCode(err), "error: %v", err)
}

// =============================================================================
// End-to-end scenarios
// =============================================================================

func TestSubmit_FreeSubmissionCompletes(t *testing.T) {
	h := newHarness(t)

	out, err := h.submit("New.Manager@Example.org", "")
	require.NoError(t, err)

	assert.Equal(t, domain.StageAudited, out.Stage)
	assert.Equal(t, domain.EntitlementFree, out.Kind)
	assert.True(t, out.Delivered)
	assert.Equal(t, 3, out.ActionItemCount)
	assert.Equal(t, 4, out.PageCount)
	assert.NotEmpty(t, out.AttemptID)
	assert.NotEmpty(t, out.DeliveryRef)

	attempt, err := h.store.GetAttempt(context.Background(), out.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusSuccess, attempt.Status)
	assert.True(t, attempt.IsFree)
	assert.Equal(t, "new.manager@example.org", attempt.Email)
	assert.Equal(t, out.DeliveryRef, attempt.DeliveryRef)
	assert.Equal(t, 3, attempt.ActionItemCount)
	assert.NotEmpty(t, attempt.Result)

	prior, err := h.store.PriorSuccessfulCount(context.Background(), "new.manager@example.org")
	require.NoError(t, err)
	assert.Equal(t, 1, prior)

	sent := h.channel.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "new.manager@example.org", sent[0].Recipient.Email)
	assert.Equal(t, "Sam Carter", sent[0].Recipient.Name)
	assert.Empty(t, sent[0].Recipient.SessionID)
	assert.Equal(t, out.AttemptID, h.analyzer.LastParams().AttemptID)
}

func TestSubmit_SecondFreeSubmissionNeedsSession(t *testing.T) {
	h := newHarness(t)
	h.useFreeAllowance(t, "manager@example.org")

	out, err := h.submit("manager@example.org", "")
	assertCode(t, err, domain.EMISSINGSESSION)
	assert.Equal(t, domain.StageRateChecked, out.Stage)
	assert.Empty(t, out.AttemptID)
	assert.Equal(t, 1, h.analyzer.AnalyzeCalls())
	assert.Len(t, h.attempts(t, "manager@example.org"), 1)
}

func TestSubmit_UsedSessionIsRejected(t *testing.T) {
	h := newHarness(t)
	const email = "manager@example.org"
	h.useFreeAllowance(t, email)
	h.verifier.Pay("cs_test_paid_used", email)

	out, err := h.submit(email, "cs_test_paid_used")
	require.NoError(t, err)
	assert.Equal(t, domain.EntitlementPaid, out.Kind)
	require.Len(t, h.attempts(t, email), 2)

	_, err = h.submit(email, "cs_test_paid_used")
	assertCode(t, err, domain.EPAYMENTUSED)
	assert.Len(t, h.attempts(t, email), 2, "no new attempt for a used session")
	assert.Equal(t, 2, h.analyzer.AnalyzeCalls())
}

func TestSubmit_InadmissibleContentLeavesSessionUnused(t *testing.T) {
	h := newHarness(t)
	const email = "manager@example.org"
	const session = "cs_test_paid_retry"
	h.useFreeAllowance(t, email)
	h.verifier.Pay(session, email)

	h.extractor.set(weakText)
	out, err := h.submit(email, session)
	assertCode(t, err, domain.ECONTENTNOTADMISSIBLE)
	assert.Equal(t, domain.StageExtracted, out.Stage)
	conf := domain.ErrorConfidence(err)
	require.NotNil(t, conf)
	assert.Equal(t, 17, *conf) // 1 of 6 keywords

	e, err := h.store.GetEntitlement(context.Background(), session)
	require.NoError(t, err)
	assert.Nil(t, e.UsedAt)
	assert.Equal(t, 1, h.analyzer.AnalyzeCalls())

	h.extractor.set(reportText)
	out, err = h.submit(email, session)
	require.NoError(t, err)
	assert.Equal(t, domain.StageAudited, out.Stage)

	e, err = h.store.GetEntitlement(context.Background(), session)
	require.NoError(t, err)
	assert.NotNil(t, e.UsedAt)
	assert.NotNil(t, e.ReportSentAt)
}

// =============================================================================
// Resolution failures
// =============================================================================

func TestSubmit_ResolutionDenials(t *testing.T) {
	const email = "manager@example.org"

	t.Run("email mismatch", func(t *testing.T) {
		h := newHarness(t)
		h.useFreeAllowance(t, email)
		h.verifier.Pay("cs_test_paid_other", "someone.else@example.org")

		_, err := h.submit(email, "cs_test_paid_other")
		assertCode(t, err, domain.EEMAILMISMATCH)
	})

	t.Run("verifier unavailable fails secure", func(t *testing.T) {
		h := newHarness(t)
		h.useFreeAllowance(t, email)
		h.verifier.Pay("cs_test_paid_ok", email)
		h.verifier.SetError(errors.New("connection reset"))

		_, err := h.submit(email, "cs_test_paid_ok")
		assertCode(t, err, domain.EVERIFICATIONUNAVAIL)
		assert.Len(t, h.attempts(t, email), 1)
	})

	t.Run("verification rejected", func(t *testing.T) {
		h := newHarness(t)
		h.useFreeAllowance(t, email)

		_, err := h.submit(email, "cs_test_unknown")
		assertCode(t, err, domain.EVERIFICATIONFAILED)
	})
}

func TestSubmit_InvalidInput(t *testing.T) {
	h := newHarness(t)

	out, err := h.orch.Submit(context.Background(), Submission{Document: document, ClientIP: "203.0.113.7"})
	assertCode(t, err, domain.EINVALID)
	assert.Equal(t, domain.StageRateChecked, out.Stage)

	_, err = h.orch.Submit(context.Background(), Submission{Email: "a@example.org"})
	assertCode(t, err, domain.EINVALID)
}

// =============================================================================
// Rate limiting
// =============================================================================

func TestSubmit_RateLimited(t *testing.T) {
	h := newHarness(t, withRateLimit(5))
	const email = "busy@example.org"

	for i := 0; i < 5; i++ {
		_, err := h.submit(email, "")
		assert.NotEqual(t, domain.ERATELIMITED, domain.ErrorCode(err), "attempt %d", i+1)
	}

	out, err := h.submit(email, "")
	assertCode(t, err, domain.ERATELIMITED)
	assert.Equal(t, domain.StageReceived, out.Stage)
	assert.Greater(t, domain.ErrorRetryAfter(err), time.Duration(0))
}

func TestSubmit_RateLimitFallsBackToClientIP(t *testing.T) {
	h := newHarness(t, withRateLimit(2))
	sub := Submission{Document: document, ClientIP: "198.51.100.1"}

	for i := 0; i < 2; i++ {
		_, err := h.orch.Submit(context.Background(), sub)
		assertCode(t, err, domain.EINVALID)
	}
	_, err := h.orch.Submit(context.Background(), sub)
	assertCode(t, err, domain.ERATELIMITED)

	// A different address has its own window.
	sub.ClientIP = "198.51.100.2"
	_, err = h.orch.Submit(context.Background(), sub)
	assertCode(t, err, domain.EINVALID)
}

// =============================================================================
// Extraction
// =============================================================================

func TestSubmit_ExtractionFailures(t *testing.T) {
	t.Run("unreadable", func(t *testing.T) {
		h := newHarness(t)
		h.extractor.err = extract.ErrUnreadable

		out, err := h.submit("a@example.org", "")
		assertCode(t, err, domain.EEXTRACTIONFAILED)
		assert.Equal(t, domain.StageEntitlementResolved, out.Stage)
		assert.Empty(t, h.attempts(t, "a@example.org"))
	})

	t.Run("empty text", func(t *testing.T) {
		h := newHarness(t)
		h.extractor.set("   ")

		_, err := h.submit("a@example.org", "")
		assertCode(t, err, domain.EEXTRACTIONFAILED)
	})

	t.Run("timeout", func(t *testing.T) {
		h := newHarness(t, withConfig(func(c *Config) { c.ExtractTimeout = 20 * time.Millisecond }))
		h.extractor.delay = time.Second

		_, err := h.submit("a@example.org", "")
		assertCode(t, err, domain.EEXTRACTIONFAILED)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

// =============================================================================
// Post-consumption failures
// =============================================================================

func TestSubmit_AnalysisFailure(t *testing.T) {
	h := newHarness(t)
	const email = "a@example.org"
	h.analyzer.AnalyzeError = ai.EAIUnavailable

	out, err := h.submit(email, "")
	assertCode(t, err, domain.EANALYSISFAILED)
	assert.Equal(t, domain.StageEntitlementConsumed, out.Stage)
	assert.Contains(t, domain.ErrorMessage(err), out.AttemptID)

	attempt, err := h.store.GetAttempt(context.Background(), out.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusFailed, attempt.Status)
	assert.True(t, strings.HasPrefix(attempt.ErrorDetail, "analysis failed: "), attempt.ErrorDetail)
	assert.Equal(t, 0, h.channel.CallCount())

	// A failed attempt does not spend the free allowance.
	h.analyzer.AnalyzeError = nil
	out, err = h.submit(email, "")
	require.NoError(t, err)
	assert.Equal(t, domain.EntitlementFree, out.Kind)
}

func TestSubmit_AnalysisFailureKeepsPaidSessionConsumed(t *testing.T) {
	h := newHarness(t)
	const email = "a@example.org"
	h.useFreeAllowance(t, email)
	h.verifier.Pay("cs_test_paid_lost", email)
	h.analyzer.AnalyzeError = ai.EAITimeout

	_, err := h.submit(email, "cs_test_paid_lost")
	assertCode(t, err, domain.EANALYSISFAILED)

	e, err := h.store.GetEntitlement(context.Background(), "cs_test_paid_lost")
	require.NoError(t, err)
	assert.NotNil(t, e.UsedAt)

	h.analyzer.AnalyzeError = nil
	_, err = h.submit(email, "cs_test_paid_lost")
	assertCode(t, err, domain.EPAYMENTUSED)
}

func TestSubmit_DeliveryFailure(t *testing.T) {
	h := newHarness(t)
	h.channel.SetError(errors.New("smtp: 421 service not available"))

	out, err := h.submit("a@example.org", "")
	assertCode(t, err, domain.EDELIVERYFAILED)
	assert.Equal(t, domain.StageAnalyzed, out.Stage)
	assert.False(t, out.Delivered)

	attempt, err := h.store.GetAttempt(context.Background(), out.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusFailed, attempt.Status)
	assert.Equal(t, domain.DetailNotDelivered, attempt.ErrorDetail)
	assert.Equal(t, 3, attempt.ActionItemCount)
	assert.NotEmpty(t, attempt.Result)
}

// =============================================================================
// Cancellation
// =============================================================================

func TestSubmit_CancelledBeforeConsumption(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.extractor.onExtract = cancel

	out, err := h.orch.Submit(ctx, Submission{Document: document, Email: "a@example.org"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, out.Stage.Consumed())
	assert.Empty(t, h.attempts(t, "a@example.org"))
	assert.Equal(t, 0, h.analyzer.AnalyzeCalls())
}

// cancelingAnalyzer cancels the caller's context as analysis starts.
type cancelingAnalyzer struct {
	ai.Analyzer
	cancel context.CancelFunc
}

func (a *cancelingAnalyzer) Analyze(ctx context.Context, p ai.AnalyzeParams) (*ai.AnalysisResult, error) {
	a.cancel()
	return a.Analyzer.Analyze(ctx, p)
}

func TestSubmit_CancelledAfterConsumptionCompletes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inner := aimock.New(discardLogger())
	inner.Delay = 20 * time.Millisecond
	h := newHarness(t, withAnalyzer(&cancelingAnalyzer{Analyzer: inner, cancel: cancel}))

	out, err := h.orch.Submit(ctx, Submission{Document: document, Email: "a@example.org"})
	require.NoError(t, err)
	assert.Error(t, ctx.Err())
	assert.Equal(t, domain.StageAudited, out.Stage)
	assert.Equal(t, 1, h.channel.CallCount())
}

// =============================================================================
// Concurrency
// =============================================================================

func TestSubmit_ConcurrentPaidSessionSingleWinner(t *testing.T) {
	h := newHarness(t)
	const email = "a@example.org"
	const session = "cs_test_paid_race"
	h.useFreeAllowance(t, email)
	h.verifier.Pay(session, email)

	const n = 20
	codes := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.submit(email, session)
			codes[i] = domain.ErrorCode(err)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, code := range codes {
		if code == "" {
			wins++
			continue
		}
		assert.Equal(t, domain.EPAYMENTUSED, code)
	}
	assert.Equal(t, 1, wins)
	assert.Len(t, h.attempts(t, email), 2)
}

func TestSubmit_ConcurrentFreeSingleWinner(t *testing.T) {
	h := newHarness(t)
	const email = "new@example.org"

	const n = 20
	codes := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.submit(email, "")
			codes[i] = domain.ErrorCode(err)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, code := range codes {
		if code == "" {
			wins++
			continue
		}
		assert.Equal(t, domain.EMISSINGSESSION, code)
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, h.analyzer.AnalyzeCalls())
}

// =============================================================================
// Free claims
// =============================================================================

func TestSubmit_LostAuditKeepsSubmitterServed(t *testing.T) {
	audit := &finalizeFailingStore{}
	h := newHarness(t, withAuditStore(func(s *memory.Store) store.Store {
		audit.Store = s
		return audit
	}))
	const email = "manager@example.org"
	audit.failing.Store(true)

	out, err := h.submit(email, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StageDelivered, out.Stage, "audit never written")
	assert.True(t, out.Delivered)

	attempt, err := h.store.GetAttempt(context.Background(), out.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusProcessing, attempt.Status)

	audit.failing.Store(false)

	_, err = h.submit(email, "")
	assertCode(t, err, domain.EMISSINGSESSION)

	h.verifier.Pay("cs_test_paid_after_lost_audit", email)
	out, err = h.submit(email, "cs_test_paid_after_lost_audit")
	require.NoError(t, err)
	assert.Equal(t, domain.StageAudited, out.Stage)
	assert.Equal(t, domain.EntitlementPaid, out.Kind)

	e, err := h.store.GetEntitlement(context.Background(), "cs_test_paid_after_lost_audit")
	require.NoError(t, err)
	assert.True(t, e.IsUsed())
}

func TestSubmit_StaleFreeClaimIsTakenOver(t *testing.T) {
	audit := &finalizeFailingStore{}
	h := newHarness(t,
		withConfig(func(c *Config) { c.FreeClaimTTL = 20 * time.Millisecond }),
		withAuditStore(func(s *memory.Store) store.Store {
			audit.Store = s
			return audit
		}),
	)
	const email = "manager@example.org"
	audit.failing.Store(true)

	first, err := h.submit(email, "")
	require.NoError(t, err)
	require.Equal(t, domain.StageDelivered, first.Stage)

	audit.failing.Store(false)
	time.Sleep(50 * time.Millisecond)

	second, err := h.submit(email, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StageAudited, second.Stage)
	assert.Equal(t, domain.EntitlementFree, second.Kind)

	expired, err := h.store.GetAttempt(context.Background(), first.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusFailed, expired.Status)
	assert.Equal(t, domain.DetailClaimExpired, expired.ErrorDetail)

	_, err = h.submit(email, "")
	assertCode(t, err, domain.EMISSINGSESSION)
}

func TestSubmit_PaidSessionWhileFreeClaimHeld(t *testing.T) {
	h := newHarness(t)
	const email = "manager@example.org"
	ctx := context.Background()

	inFlight := domain.UploadAttempt{ID: "in-flight-free", Email: email}
	require.NoError(t, h.store.ConsumeFree(ctx, email, inFlight, 0))

	out, err := h.submit(email, "")
	assertCode(t, err, domain.EMISSINGSESSION)
	assert.Equal(t, domain.StageContentAdmitted, out.Stage)
	assert.Empty(t, out.AttemptID)

	h.verifier.Pay("cs_test_paid_in_flight", email)
	out, err = h.submit(email, "cs_test_paid_in_flight")
	require.NoError(t, err)
	assert.Equal(t, domain.StageAudited, out.Stage)
	assert.Equal(t, domain.EntitlementPaid, out.Kind)

	e, err := h.store.GetEntitlement(ctx, "cs_test_paid_in_flight")
	require.NoError(t, err)
	assert.True(t, e.IsUsed())

	held, err := h.store.GetAttempt(ctx, inFlight.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusProcessing, held.Status)

	sent := h.channel.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "cs_test_paid_in_flight", sent[0].Recipient.SessionID)
}

func TestSubmit_HeldFreeClaimWithBadSession(t *testing.T) {
	h := newHarness(t)
	const email = "manager@example.org"
	require.NoError(t, h.store.ConsumeFree(context.Background(), email,
		domain.UploadAttempt{ID: "in-flight-free", Email: email}, 0))

	out, err := h.submit(email, "cs_test_unknown")
	assertCode(t, err, domain.EVERIFICATIONFAILED)
	assert.Empty(t, out.AttemptID)
	assert.Equal(t, 0, h.analyzer.AnalyzeCalls())
}

// gaugeAnalyzer tracks the peak number of concurrent calls.
type gaugeAnalyzer struct {
	inflight atomic.Int32
	peak     atomic.Int32
}

func (g *gaugeAnalyzer) Analyze(ctx context.Context, p ai.AnalyzeParams) (*ai.AnalysisResult, error) {
	n := g.inflight.Add(1)
	defer g.inflight.Add(-1)
	for {
		peak := g.peak.Load()
		if n <= peak || g.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return &ai.AnalysisResult{Plan: aimock.SamplePlan()}, nil
}

func TestSubmit_AnalysisConcurrencyIsBounded(t *testing.T) {
	g := &gaugeAnalyzer{}
	h := newHarness(t,
		withAnalyzer(g),
		withConfig(func(c *Config) { c.MaxConcurrentAnalyses = 2 }),
	)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.submit(string(rune('a'+i))+"@example.org", "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, g.peak.Load(), int32(2))
	assert.Equal(t, 8, h.channel.CallCount())
}

// =============================================================================
// Archive
// =============================================================================

func TestSubmit_ArchivesDocument(t *testing.T) {
	local, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir()}, discardLogger())
	require.NoError(t, err)
	h := newHarness(t, withArchive(storage.NewArchive(local, discardLogger())))

	out, err := h.submit("a@example.org", "")
	require.NoError(t, err)

	ok, err := local.Exists(context.Background(), storage.ArtifactKey(out.AttemptID, "report.pdf"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Config{})
	assert.Error(t, err)
}

func TestAdvance_RejectsSkippedStage(t *testing.T) {
	out := &Outcome{Stage: domain.StageReceived}
	assert.Panics(t, func() { advance(out, domain.StageExtracted) })
	assert.NotPanics(t, func() { advance(out, domain.StageRateChecked) })
}
