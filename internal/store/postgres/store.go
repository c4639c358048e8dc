// Package postgres implements store.Store on PostgreSQL.
//
// Single-use is enforced by conditional UPDATE statements: the row lock taken
// by the first writer makes every concurrent writer re-evaluate its WHERE
// clause after commit and match zero rows. The attempt insert shares the
// transaction with the consumption, so a consumed entitlement always has its
// attempt on record.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sqlc-dev/pqtype"

	"github.com/DukeRupert/gatekeeper/internal/domain"
	"github.com/DukeRupert/gatekeeper/internal/store"
)

// Store is a PostgreSQL-backed entitlement ledger.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle. Migrations must already be applied.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// =============================================================================
// Queries
// =============================================================================

const getFreeUsage = `
SELECT success_count FROM free_usage WHERE email = $1`

const upsertPayment = `
INSERT INTO payments (session_id, email, amount_total, currency, payment_intent_id, verified_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
ON CONFLICT (session_id) DO UPDATE
SET amount_total      = EXCLUDED.amount_total,
    currency          = EXCLUDED.currency,
    payment_intent_id = CASE WHEN EXCLUDED.payment_intent_id <> '' THEN EXCLUDED.payment_intent_id
                             ELSE payments.payment_intent_id END,
    verified_at       = EXCLUDED.verified_at
RETURNING session_id, email, amount_total, currency, payment_intent_id,
          verified_at, used_at, report_sent_at, refunded_at, created_at`

const getPayment = `
SELECT session_id, email, amount_total, currency, payment_intent_id,
       verified_at, used_at, report_sent_at, refunded_at, created_at
FROM payments WHERE session_id = $1`

const consumePayment = `
UPDATE payments SET used_at = NOW()
WHERE session_id = $1 AND email = $2 AND used_at IS NULL`

const lockFreeClaim = `
SELECT claimed_by FROM free_usage WHERE email = $1 FOR UPDATE`

// claimFree takes an unclaimed allowance, or one whose claim is older than
// $3 milliseconds when $3 is positive.
const claimFree = `
INSERT INTO free_usage (email, success_count, claimed_by, claimed_at, updated_at)
VALUES ($1, 0, $2, NOW(), NOW())
ON CONFLICT (email) DO UPDATE
SET claimed_by = EXCLUDED.claimed_by, claimed_at = NOW(), updated_at = NOW()
WHERE free_usage.success_count = 0
  AND (free_usage.claimed_by IS NULL
       OR ($3::bigint > 0 AND free_usage.claimed_at < NOW() - $3::bigint * INTERVAL '1 millisecond'))`

const expireAttempt = `
UPDATE upload_attempts SET status = 'failed', error_detail = $2, updated_at = NOW()
WHERE id = $1 AND status = 'processing'`

const insertAttempt = `
INSERT INTO upload_attempts (id, session_id, email, artifact_name, artifact_size, status, is_free)
VALUES ($1, $2, $3, $4, $5, 'processing', $6)
ON CONFLICT (id) DO NOTHING`

const finalizeAttempt = `
UPDATE upload_attempts
SET status = $2, error_detail = $3, delivery_ref = $4, action_item_count = $5,
    page_count = $6, result = $7, updated_at = NOW()
WHERE id = $1 AND status = 'processing'
RETURNING email`

const recordSuccess = `
INSERT INTO free_usage (email, success_count, claimed_by, updated_at)
VALUES ($1, 1, NULL, NOW())
ON CONFLICT (email) DO UPDATE
SET success_count = free_usage.success_count + 1,
    claimed_by    = CASE WHEN free_usage.claimed_by = $2 THEN NULL ELSE free_usage.claimed_by END,
    claimed_at    = CASE WHEN free_usage.claimed_by = $2 THEN NULL ELSE free_usage.claimed_at END,
    updated_at    = NOW()`

const releaseClaim = `
UPDATE free_usage SET claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
WHERE email = $1 AND claimed_by = $2`

const attemptColumns = `
id, session_id, email, artifact_name, artifact_size, status, is_free,
error_detail, delivery_ref, action_item_count, page_count, result, created_at, updated_at`

// =============================================================================
// Entitlements
// =============================================================================

// PriorSuccessfulCount implements store.Store.
func (s *Store) PriorSuccessfulCount(ctx context.Context, email string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, getFreeUsage, domain.NormalizeEmail(email)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query free usage: %w", err)
	}
	return n, nil
}

// UpsertVerifiedEntitlement implements store.Store.
func (s *Store) UpsertVerifiedEntitlement(ctx context.Context, e domain.Entitlement) (domain.Entitlement, error) {
	var verifiedAt sql.NullTime
	if e.VerifiedAt != nil {
		verifiedAt = sql.NullTime{Time: *e.VerifiedAt, Valid: true}
	}
	row := s.db.QueryRowContext(ctx, upsertPayment,
		e.SessionID,
		domain.NormalizeEmail(e.Email),
		e.AmountTotal,
		e.Currency,
		e.PaymentIntentID,
		verifiedAt,
	)
	out, err := scanEntitlement(row)
	if err != nil {
		return domain.Entitlement{}, fmt.Errorf("upsert payment: %w", err)
	}
	return out, nil
}

// GetEntitlement implements store.Store.
func (s *Store) GetEntitlement(ctx context.Context, sessionID string) (domain.Entitlement, error) {
	e, err := scanEntitlement(s.db.QueryRowContext(ctx, getPayment, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Entitlement{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Entitlement{}, fmt.Errorf("get payment: %w", err)
	}
	return e, nil
}

// ConsumePaid implements store.Store.
func (s *Store) ConsumePaid(ctx context.Context, sessionID, email string, attempt domain.UploadAttempt) error {
	email = domain.NormalizeEmail(email)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, consumePayment, sessionID, email)
		if err != nil {
			return fmt.Errorf("consume payment: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("consume payment: %w", err)
		}
		if n == 0 {
			return diagnoseConsumption(ctx, tx, sessionID, email)
		}

		attempt.SessionID = sessionID
		attempt.IsFree = false
		return insertAttemptTx(ctx, tx, attempt)
	})
}

// diagnoseConsumption explains why the conditional update matched no row.
func diagnoseConsumption(ctx context.Context, tx *sql.Tx, sessionID, email string) error {
	e, err := scanEntitlement(tx.QueryRowContext(ctx, getPayment, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get payment: %w", err)
	}
	if !e.BelongsTo(email) {
		return store.ErrEmailMismatch
	}
	return store.ErrAlreadyUsed
}

// ConsumeFree implements store.Store.
func (s *Store) ConsumeFree(ctx context.Context, email string, attempt domain.UploadAttempt, claimTTL time.Duration) error {
	email = domain.NormalizeEmail(email)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var prior sql.NullString
		err := tx.QueryRowContext(ctx, lockFreeClaim, email).Scan(&prior)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lock free usage: %w", err)
		}

		res, err := tx.ExecContext(ctx, claimFree, email, attempt.ID, claimTTL.Milliseconds())
		if err != nil {
			return fmt.Errorf("claim free usage: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim free usage: %w", err)
		}
		if n == 0 {
			return store.ErrFreeExhausted
		}

		if prior.Valid && prior.String != "" {
			if _, err := tx.ExecContext(ctx, expireAttempt, prior.String, domain.DetailClaimExpired); err != nil {
				return fmt.Errorf("expire stale attempt: %w", err)
			}
		}

		attempt.SessionID = ""
		attempt.IsFree = true
		return insertAttemptTx(ctx, tx, attempt)
	})
}

// MarkReportSent implements store.Store.
func (s *Store) MarkReportSent(ctx context.Context, sessionID string) error {
	return s.execOne(ctx, `UPDATE payments SET report_sent_at = NOW() WHERE session_id = $1`, sessionID)
}

// MarkRefunded implements store.Store.
func (s *Store) MarkRefunded(ctx context.Context, paymentIntentID string) error {
	if paymentIntentID == "" {
		return store.ErrNotFound
	}
	return s.execOne(ctx, `UPDATE payments SET refunded_at = NOW() WHERE payment_intent_id = $1`, paymentIntentID)
}

// =============================================================================
// Attempts
// =============================================================================

func insertAttemptTx(ctx context.Context, tx *sql.Tx, a domain.UploadAttempt) error {
	sessionID := sql.NullString{String: a.SessionID, Valid: a.SessionID != ""}
	res, err := tx.ExecContext(ctx, insertAttempt,
		a.ID,
		sessionID,
		domain.NormalizeEmail(a.Email),
		a.ArtifactName,
		a.ArtifactSize,
		a.IsFree,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrAttemptExists
	}
	return nil
}

// FinalizeAttempt implements store.Store.
func (s *Store) FinalizeAttempt(ctx context.Context, id string, f domain.Finalization) error {
	if !domain.AttemptStatusProcessing.CanTransitionTo(f.Status) {
		return fmt.Errorf("cannot finalize attempt with status %q", f.Status)
	}

	result := pqtype.NullRawMessage{RawMessage: f.Result, Valid: len(f.Result) > 0}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var email string
		err := tx.QueryRowContext(ctx, finalizeAttempt,
			id, string(f.Status), f.ErrorDetail, f.DeliveryRef,
			f.ActionItemCount, f.PageCount, result,
		).Scan(&email)
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM upload_attempts WHERE id = $1)`, id,
			).Scan(&exists); err != nil {
				return fmt.Errorf("check attempt: %w", err)
			}
			if exists {
				return store.ErrAttemptFinalized
			}
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("finalize attempt: %w", err)
		}

		if f.Status == domain.AttemptStatusSuccess {
			_, err = tx.ExecContext(ctx, recordSuccess, email, id)
		} else {
			_, err = tx.ExecContext(ctx, releaseClaim, email, id)
		}
		if err != nil {
			return fmt.Errorf("update free usage: %w", err)
		}
		return nil
	})
}

// GetAttempt implements store.Store.
func (s *Store) GetAttempt(ctx context.Context, id string) (domain.UploadAttempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM upload_attempts WHERE id = $1`, id)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UploadAttempt{}, store.ErrNotFound
	}
	if err != nil {
		return domain.UploadAttempt{}, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

// ListAttempts implements store.Store.
func (s *Store) ListAttempts(ctx context.Context, filter domain.AttemptFilter) ([]domain.UploadAttempt, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+attemptColumns+` FROM upload_attempts
WHERE ($1 = '' OR email = $1) AND ($2 = '' OR status = $2)
ORDER BY created_at DESC, id DESC
LIMIT $3`,
		domain.NormalizeEmail(filter.Email), string(filter.Status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	out := make([]domain.UploadAttempt, 0)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// Helpers
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanEntitlement(row scanner) (domain.Entitlement, error) {
	var (
		e                                domain.Entitlement
		verifiedAt                       sql.NullTime
		usedAt, reportSentAt, refundedAt sql.NullTime
	)
	err := row.Scan(
		&e.SessionID, &e.Email, &e.AmountTotal, &e.Currency, &e.PaymentIntentID,
		&verifiedAt, &usedAt, &reportSentAt, &refundedAt, &e.CreatedAt,
	)
	if err != nil {
		return domain.Entitlement{}, err
	}
	e.Kind = domain.EntitlementPaid
	e.VerifiedAt = timePtr(verifiedAt)
	e.UsedAt = timePtr(usedAt)
	e.ReportSentAt = timePtr(reportSentAt)
	e.RefundedAt = timePtr(refundedAt)
	return e, nil
}

func scanAttempt(row scanner) (domain.UploadAttempt, error) {
	var (
		a         domain.UploadAttempt
		sessionID sql.NullString
		status    string
		result    pqtype.NullRawMessage
	)
	err := row.Scan(
		&a.ID, &sessionID, &a.Email, &a.ArtifactName, &a.ArtifactSize, &status, &a.IsFree,
		&a.ErrorDetail, &a.DeliveryRef, &a.ActionItemCount, &a.PageCount, &result,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return domain.UploadAttempt{}, err
	}
	a.SessionID = sessionID.String
	a.Status = domain.AttemptStatus(status)
	if result.Valid {
		a.Result = result.RawMessage
	}
	return a, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

var _ store.Store = (*Store)(nil)
