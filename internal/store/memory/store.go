// Package memory provides an in-process implementation of store.Store.
//
// All operations take a single mutex, so every call is atomic with respect to
// every other call. Data is lost on restart; use it for tests and local
// development only.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/DukeRupert/gatekeeper/internal/domain"
	"github.com/DukeRupert/gatekeeper/internal/store"
)

type freeUsage struct {
	successCount int
	claimedBy    string
	claimedAt    time.Time
}

// Store is an in-memory entitlement ledger.
type Store struct {
	mu           sync.Mutex
	entitlements map[string]domain.Entitlement // by session id
	attempts     map[string]domain.UploadAttempt
	free         map[string]*freeUsage // by normalized email

	nowFunc func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		entitlements: make(map[string]domain.Entitlement),
		attempts:     make(map[string]domain.UploadAttempt),
		free:         make(map[string]*freeUsage),
		nowFunc:      time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = now
}

// PriorSuccessfulCount implements store.Store.
func (s *Store) PriorSuccessfulCount(ctx context.Context, email string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if fu, ok := s.free[domain.NormalizeEmail(email)]; ok {
		return fu.successCount, nil
	}
	return 0, nil
}

// UpsertVerifiedEntitlement implements store.Store.
func (s *Store) UpsertVerifiedEntitlement(ctx context.Context, e domain.Entitlement) (domain.Entitlement, error) {
	if err := ctx.Err(); err != nil {
		return domain.Entitlement{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	existing, ok := s.entitlements[e.SessionID]
	if !ok {
		e.Kind = domain.EntitlementPaid
		e.Email = domain.NormalizeEmail(e.Email)
		e.UsedAt = nil
		e.CreatedAt = now
		if e.VerifiedAt == nil {
			e.VerifiedAt = &now
		}
		s.entitlements[e.SessionID] = e
		return e, nil
	}

	verifiedAt := now
	if e.VerifiedAt != nil {
		verifiedAt = *e.VerifiedAt
	}
	existing.VerifiedAt = &verifiedAt
	existing.AmountTotal = e.AmountTotal
	existing.Currency = e.Currency
	if e.PaymentIntentID != "" {
		existing.PaymentIntentID = e.PaymentIntentID
	}
	s.entitlements[e.SessionID] = existing
	return existing, nil
}

// GetEntitlement implements store.Store.
func (s *Store) GetEntitlement(ctx context.Context, sessionID string) (domain.Entitlement, error) {
	if err := ctx.Err(); err != nil {
		return domain.Entitlement{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entitlements[sessionID]
	if !ok {
		return domain.Entitlement{}, store.ErrNotFound
	}
	return e, nil
}

// ConsumePaid implements store.Store.
func (s *Store) ConsumePaid(ctx context.Context, sessionID, email string, attempt domain.UploadAttempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entitlements[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	if !e.BelongsTo(email) {
		return store.ErrEmailMismatch
	}
	if e.IsUsed() {
		return store.ErrAlreadyUsed
	}
	if _, exists := s.attempts[attempt.ID]; exists {
		return store.ErrAttemptExists
	}

	now := s.nowFunc()
	e.UsedAt = &now
	s.entitlements[sessionID] = e

	attempt.SessionID = sessionID
	attempt.IsFree = false
	s.insertAttempt(attempt, now)
	return nil
}

// ConsumeFree implements store.Store.
func (s *Store) ConsumeFree(ctx context.Context, email string, attempt domain.UploadAttempt, claimTTL time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	key := domain.NormalizeEmail(email)
	fu, ok := s.free[key]
	if !ok {
		fu = &freeUsage{}
		s.free[key] = fu
	}
	if fu.successCount > 0 {
		return store.ErrFreeExhausted
	}
	stale := fu.claimedBy != "" && claimTTL > 0 && now.Sub(fu.claimedAt) > claimTTL
	if fu.claimedBy != "" && !stale {
		return store.ErrFreeExhausted
	}
	if _, exists := s.attempts[attempt.ID]; exists {
		return store.ErrAttemptExists
	}

	if stale {
		if prev, ok := s.attempts[fu.claimedBy]; ok && !prev.Status.IsTerminal() {
			prev.Status = domain.AttemptStatusFailed
			prev.ErrorDetail = domain.DetailClaimExpired
			prev.UpdatedAt = now
			s.attempts[prev.ID] = prev
		}
	}

	fu.claimedBy = attempt.ID
	fu.claimedAt = now
	attempt.SessionID = ""
	attempt.IsFree = true
	s.insertAttempt(attempt, now)
	return nil
}

func (s *Store) insertAttempt(a domain.UploadAttempt, now time.Time) {
	a.Email = domain.NormalizeEmail(a.Email)
	a.Status = domain.AttemptStatusProcessing
	a.CreatedAt = now
	a.UpdatedAt = now
	s.attempts[a.ID] = a
}

// FinalizeAttempt implements store.Store.
func (s *Store) FinalizeAttempt(ctx context.Context, id string, f domain.Finalization) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[id]
	if !ok {
		return store.ErrNotFound
	}
	if a.Status.IsTerminal() {
		return store.ErrAttemptFinalized
	}
	if err := f.Apply(&a, s.nowFunc()); err != nil {
		return err
	}
	s.attempts[id] = a

	fu, ok := s.free[a.Email]
	if !ok {
		fu = &freeUsage{}
		s.free[a.Email] = fu
	}
	if f.Status == domain.AttemptStatusSuccess {
		fu.successCount++
	}
	if fu.claimedBy == id {
		fu.claimedBy = ""
		fu.claimedAt = time.Time{}
	}
	return nil
}

// GetAttempt implements store.Store.
func (s *Store) GetAttempt(ctx context.Context, id string) (domain.UploadAttempt, error) {
	if err := ctx.Err(); err != nil {
		return domain.UploadAttempt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[id]
	if !ok {
		return domain.UploadAttempt{}, store.ErrNotFound
	}
	return a, nil
}

// ListAttempts implements store.Store.
func (s *Store) ListAttempts(ctx context.Context, filter domain.AttemptFilter) ([]domain.UploadAttempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	email := domain.NormalizeEmail(filter.Email)
	out := make([]domain.UploadAttempt, 0)
	for _, a := range s.attempts {
		if email != "" && a.Email != email {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkReportSent implements store.Store.
func (s *Store) MarkReportSent(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entitlements[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	now := s.nowFunc()
	e.ReportSentAt = &now
	s.entitlements[sessionID] = e
	return nil
}

// MarkRefunded implements store.Store.
func (s *Store) MarkRefunded(ctx context.Context, paymentIntentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entitlements {
		if paymentIntentID != "" && e.PaymentIntentID == paymentIntentID {
			now := s.nowFunc()
			e.RefundedAt = &now
			s.entitlements[id] = e
			return nil
		}
	}
	return store.ErrNotFound
}

var _ store.Store = (*Store)(nil)
