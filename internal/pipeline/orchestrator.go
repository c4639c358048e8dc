// Package pipeline runs a submission through the gating stages in order:
// rate check, entitlement resolution, extraction, content admission,
// consumption, analysis, delivery and audit.
//
// Everything before consumption is free of side effects on the ledger (apart
// from recording a freshly verified payment). Consumption is a single atomic
// store call. Once it succeeds the submission is committed: the rest of the
// run ignores caller cancellation and always leaves a terminal audit record.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/DukeRupert/gatekeeper/internal/admission"
	"github.com/DukeRupert/gatekeeper/internal/ai"
	"github.com/DukeRupert/gatekeeper/internal/delivery"
	"github.com/DukeRupert/gatekeeper/internal/domain"
	"github.com/DukeRupert/gatekeeper/internal/entitlement"
	"github.com/DukeRupert/gatekeeper/internal/extract"
	"github.com/DukeRupert/gatekeeper/internal/metrics"
	"github.com/DukeRupert/gatekeeper/internal/ratelimit"
	"github.com/DukeRupert/gatekeeper/internal/storage"
	"github.com/DukeRupert/gatekeeper/internal/store"
)

// Default per-call timeouts and limits.
const (
	DefaultExtractTimeout        = 30 * time.Second
	DefaultAnalysisTimeout       = 120 * time.Second
	DefaultDeliveryTimeout       = 30 * time.Second
	DefaultStoreTimeout          = 5 * time.Second
	DefaultArchiveTimeout        = 30 * time.Second
	DefaultMaxConcurrentAnalyses = 4
)

// =============================================================================
// Types
// =============================================================================

// Submission is one upload presented for analysis.
type Submission struct {
	Document      []byte
	ArtifactName  string
	Email         string
	SubmitterName string
	SessionID     string // Optional paid session
	ClientIP      string // Rate limit identifier when email is empty
}

// Outcome describes how far a submission got. Submit returns it on failure
// too, so callers can report the stage reached and any attempt id.
type Outcome struct {
	AttemptID       string
	ActionItemCount int
	PageCount       int
	Delivered       bool
	DeliveryRef     string
	Kind            domain.EntitlementKind
	Stage           domain.Stage
}

// Config holds per-call timeouts. Zero values take the defaults.
type Config struct {
	ExtractTimeout        time.Duration
	AnalysisTimeout       time.Duration
	DeliveryTimeout       time.Duration
	StoreTimeout          time.Duration
	ArchiveTimeout        time.Duration
	MaxConcurrentAnalyses int64

	// FreeClaimTTL is how long a free claim may stay unfinalized before a
	// later submission from the same email may take it over. Zero derives it
	// from the post-consumption budget.
	FreeClaimTTL time.Duration
}

func (c *Config) setDefaults() {
	if c.ExtractTimeout <= 0 {
		c.ExtractTimeout = DefaultExtractTimeout
	}
	if c.AnalysisTimeout <= 0 {
		c.AnalysisTimeout = DefaultAnalysisTimeout
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	if c.ArchiveTimeout <= 0 {
		c.ArchiveTimeout = DefaultArchiveTimeout
	}
	if c.MaxConcurrentAnalyses <= 0 {
		c.MaxConcurrentAnalyses = DefaultMaxConcurrentAnalyses
	}
	if c.FreeClaimTTL <= 0 {
		c.FreeClaimTTL = c.postConsumptionBudget() + time.Minute
	}
}

// postConsumptionBudget bounds how long a committed run can take: archive,
// analysis (including the wait for a slot), delivery and the audit writes.
func (c *Config) postConsumptionBudget() time.Duration {
	return c.ArchiveTimeout + c.AnalysisTimeout + c.DeliveryTimeout + 3*c.StoreTimeout
}

// Deps are the collaborators the orchestrator drives. Archive is optional.
type Deps struct {
	Limiter   *ratelimit.Limiter
	Resolver  *entitlement.Resolver
	Extractor extract.Extractor
	Gate      *admission.Gate
	Store     store.Store
	Analyzer  ai.Analyzer
	Recorder  *delivery.Recorder
	Archive   *storage.Archive
	Logger    *slog.Logger
}

// Orchestrator runs submissions through the pipeline. It is safe for
// concurrent use; the only shared state is the analysis semaphore.
type Orchestrator struct {
	limiter   *ratelimit.Limiter
	resolver  *entitlement.Resolver
	extractor extract.Extractor
	gate      *admission.Gate
	store     store.Store
	analyzer  ai.Analyzer
	recorder  *delivery.Recorder
	archive   *storage.Archive
	logger    *slog.Logger

	cfg   Config
	sem   *semaphore.Weighted
	newID func() string
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Limiter == nil:
		return nil, errors.New("pipeline: limiter is required")
	case deps.Resolver == nil:
		return nil, errors.New("pipeline: resolver is required")
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: extractor is required")
	case deps.Gate == nil:
		return nil, errors.New("pipeline: gate is required")
	case deps.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case deps.Analyzer == nil:
		return nil, errors.New("pipeline: analyzer is required")
	case deps.Recorder == nil:
		return nil, errors.New("pipeline: recorder is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg.setDefaults()

	return &Orchestrator{
		limiter:   deps.Limiter,
		resolver:  deps.Resolver,
		extractor: deps.Extractor,
		gate:      deps.Gate,
		store:     deps.Store,
		analyzer:  deps.Analyzer,
		recorder:  deps.Recorder,
		archive:   deps.Archive,
		logger:    deps.Logger,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentAnalyses),
		newID:     uuid.NewString,
	}, nil
}

// =============================================================================
// Submit
// =============================================================================

// Submit runs sub through every stage. Errors are *domain.Error carrying a
// stable code; the returned Outcome is never nil.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{Stage: domain.StageReceived}

	err := o.submit(ctx, sub, out)
	o.finish(sub, out, err, time.Since(start))
	return out, err
}

func (o *Orchestrator) submit(ctx context.Context, sub Submission, out *Outcome) error {
	const op = "pipeline.submit"

	email := domain.NormalizeEmail(sub.Email)
	sessionID := strings.TrimSpace(sub.SessionID)

	// RATE_CHECKED
	identifier := email
	if identifier == "" {
		identifier = sub.ClientIP
	}
	if d := o.limiter.Check(ctx, identifier); !d.Allowed {
		return domain.RateLimited(op, d.RetryAfter)
	}
	advance(out, domain.StageRateChecked)

	if email == "" {
		return domain.Invalid(op, "Email address is required.")
	}
	if len(sub.Document) == 0 {
		return domain.Invalid(op, "No file uploaded.")
	}

	// ENTITLEMENT_RESOLVED
	res, err := o.resolver.Resolve(ctx, email, sessionID)
	if err != nil {
		return err
	}
	out.Kind = res.Entitlement.Kind
	advance(out, domain.StageEntitlementResolved)

	// EXTRACTED
	ext, err := o.extractText(ctx, op, sub.Document)
	if err != nil {
		return err
	}
	out.PageCount = ext.PageCount
	advance(out, domain.StageExtracted)

	// CONTENT_ADMITTED
	decision := o.gate.Admit(ext.Text)
	if !decision.Admitted {
		o.logger.Info("content not admitted",
			"email", email,
			"reason", decision.Reason,
			"length", decision.Length,
			"matched", decision.Matched,
		)
		return &domain.Error{
			Code:       domain.ECONTENTNOTADMISSIBLE,
			Op:         op,
			Message:    decision.Message,
			Confidence: decision.Confidence,
		}
	}
	advance(out, domain.StageContentAdmitted)

	// ENTITLEMENT_CONSUMED. A caller that has gone away must not spend the
	// entitlement.
	if err := ctx.Err(); err != nil {
		return domain.Wrap(err, domain.EINTERNAL, op, "request cancelled before processing")
	}
	work := context.WithoutCancel(ctx)

	attemptID := o.newID()
	attempt := domain.UploadAttempt{
		ID:           attemptID,
		Email:        email,
		ArtifactName: sub.ArtifactName,
		ArtifactSize: int64(len(sub.Document)),
	}
	err = o.consume(work, res, attempt)
	if errors.Is(err, store.ErrFreeExhausted) && res.IsFree() && sessionID != "" {
		// The free claim went to a concurrent or unfinished attempt. The
		// presented session still entitles this one.
		o.logger.Info("free claim unavailable, resolving presented session",
			"email", email,
			"session_id", sessionID,
		)
		if res, err = o.resolver.ResolvePaid(ctx, email, sessionID); err != nil {
			return err
		}
		out.Kind = res.Entitlement.Kind
		if err := ctx.Err(); err != nil {
			return domain.Wrap(err, domain.EINTERNAL, op, "request cancelled before processing")
		}
		err = o.consume(work, res, attempt)
	}
	if err != nil {
		return entitlement.DenialForConsumption(err, op)
	}
	out.AttemptID = attemptID
	metrics.EntitlementsConsumed.WithLabelValues(string(res.Entitlement.Kind)).Inc()
	advance(out, domain.StageEntitlementConsumed)

	o.logger.Info("entitlement consumed",
		"attempt_id", attemptID,
		"email", email,
		"kind", res.Entitlement.Kind,
		"session_id", res.Entitlement.SessionID,
	)

	o.archiveDocument(work, attemptID, sub)

	// ANALYZED
	plan, err := o.analyze(work, attemptID, ext.Text)
	if err != nil {
		o.record(work, attemptID, domain.Finalization{
			Status:      domain.AttemptStatusFailed,
			ErrorDetail: "analysis failed: " + err.Error(),
			PageCount:   ext.PageCount,
		})
		return domain.Wrap(err, domain.EANALYSISFAILED, op,
			"Failed to generate the action plan. Please contact support quoting reference "+attemptID+".")
	}
	out.ActionItemCount = len(plan.ActionItems)
	advance(out, domain.StageAnalyzed)

	result, err := json.Marshal(plan)
	if err != nil {
		o.logger.Warn("failed to encode action plan", "attempt_id", attemptID, "error", err)
		result = nil
	}

	// DELIVERED
	rcpt := domain.Recipient{
		Email:     email,
		Name:      sub.SubmitterName,
		AttemptID: attemptID,
	}
	if !res.IsFree() {
		rcpt.SessionID = res.Entitlement.SessionID
	}
	dctx, cancel := context.WithTimeout(work, o.cfg.DeliveryTimeout)
	receipt, err := o.recorder.Deliver(dctx, rcpt, plan)
	cancel()
	if err != nil {
		o.logger.Error("delivery failed", "attempt_id", attemptID, "error", err)
		o.record(work, attemptID, domain.Finalization{
			Status:          domain.AttemptStatusFailed,
			ErrorDetail:     domain.DetailNotDelivered,
			ActionItemCount: len(plan.ActionItems),
			PageCount:       ext.PageCount,
			Result:          result,
		})
		return domain.Wrap(err, domain.EDELIVERYFAILED, op,
			"Your action plan was generated but could not be delivered. Please contact support quoting reference "+attemptID+".")
	}
	out.Delivered = true
	out.DeliveryRef = receipt.MessageID
	advance(out, domain.StageDelivered)

	// AUDITED. The report is already with the submitter, so a failed write
	// is logged and the attempt stays processing for manual follow-up.
	if o.record(work, attemptID, domain.Finalization{
		Status:          domain.AttemptStatusSuccess,
		DeliveryRef:     receipt.MessageID,
		ActionItemCount: len(plan.ActionItems),
		PageCount:       ext.PageCount,
		Result:          result,
	}) {
		advance(out, domain.StageAudited)
	}
	return nil
}

// advance moves out to the next stage. Skipping a stage is a programming
// error.
func advance(out *Outcome, target domain.Stage) {
	if !out.Stage.CanAdvanceTo(target) {
		panic(fmt.Sprintf("pipeline: invalid stage transition %s -> %s", out.Stage, target))
	}
	out.Stage = target
}

// =============================================================================
// Stage helpers
// =============================================================================

func (o *Orchestrator) extractText(ctx context.Context, op string, data []byte) (extract.Extraction, error) {
	ectx, cancel := context.WithTimeout(ctx, o.cfg.ExtractTimeout)
	defer cancel()

	ext, err := o.extractor.Extract(ectx, data)
	if err == nil && strings.TrimSpace(ext.Text) == "" {
		err = errors.New("no text layer found")
	}
	if err == nil {
		return ext, nil
	}

	msg := "Could not read text from the PDF. Scanned or image-only documents are not supported."
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "Reading the document took too long. Please try a smaller file."
	}
	return extract.Extraction{}, domain.Wrap(err, domain.EEXTRACTIONFAILED, op, msg)
}

// consume returns the raw store error so the caller can react to a refused
// free claim before mapping it to a denial.
func (o *Orchestrator) consume(ctx context.Context, res entitlement.Resolution, attempt domain.UploadAttempt) error {
	sctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()

	if res.IsFree() {
		return o.store.ConsumeFree(sctx, attempt.Email, attempt, o.cfg.FreeClaimTTL)
	}
	return o.store.ConsumePaid(sctx, res.Entitlement.SessionID, attempt.Email, attempt)
}

func (o *Orchestrator) archiveDocument(ctx context.Context, attemptID string, sub Submission) {
	if o.archive == nil {
		return
	}
	actx, cancel := context.WithTimeout(ctx, o.cfg.ArchiveTimeout)
	defer cancel()
	// Best effort; Store logs and counts its own failures.
	_, _ = o.archive.Store(actx, attemptID, sub.ArtifactName, sub.Document)
}

func (o *Orchestrator) analyze(ctx context.Context, attemptID, text string) (*domain.ActionPlan, error) {
	actx, cancel := context.WithTimeout(ctx, o.cfg.AnalysisTimeout)
	defer cancel()

	if err := o.sem.Acquire(actx, 1); err != nil {
		return nil, fmt.Errorf("waiting for analysis slot: %w", err)
	}
	defer o.sem.Release(1)

	result, err := o.analyzer.Analyze(actx, ai.AnalyzeParams{Text: text, AttemptID: attemptID})
	if err != nil {
		o.logger.Error("analysis failed", "attempt_id", attemptID, "error", err)
		return nil, err
	}
	if result == nil || result.Plan == nil {
		return nil, ai.EAIMalformedOutput
	}
	return result.Plan, nil
}

// record finalizes an attempt and reports whether the write succeeded.
func (o *Orchestrator) record(ctx context.Context, attemptID string, f domain.Finalization) bool {
	sctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()
	return o.recorder.Record(sctx, attemptID, f) == nil
}

func (o *Orchestrator) finish(sub Submission, out *Outcome, err error, elapsed time.Duration) {
	stage := out.Stage.String()
	switch {
	case err == nil:
		metrics.SubmissionFinished("success", stage, elapsed)
		o.logger.Info("submission completed",
			"attempt_id", out.AttemptID,
			"kind", out.Kind,
			"action_items", out.ActionItemCount,
			"pages", out.PageCount,
			"stage", stage,
			"duration", elapsed,
		)
	case out.Stage.Consumed():
		metrics.SubmissionFinished("failed", stage, elapsed)
		o.logger.Error("submission failed after consumption",
			"attempt_id", out.AttemptID,
			"email", domain.NormalizeEmail(sub.Email),
			"code", domain.ErrorCode(err),
			"stage", stage,
			"error", err,
		)
	default:
		code := domain.ErrorCode(err)
		metrics.SubmissionFinished("denied", stage, elapsed)
		metrics.Denied(code)
		o.logger.Info("submission denied",
			"email", domain.NormalizeEmail(sub.Email),
			"code", code,
			"stage", stage,
		)
	}
}
