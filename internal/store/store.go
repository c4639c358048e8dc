// Package store defines the entitlement ledger contract.
//
// The Store is the single source of truth for paid entitlements, the per-email
// free usage counter and upload attempts. Every mutation that governs
// single-use or eligibility is one atomic operation in the backend (a
// conditional update, a transaction, or a mutex-guarded section); callers
// never read-then-write.
//
// Implementations:
//   - memory.Store: process memory, for tests and development
//   - postgres.Store: PostgreSQL via pgx
//   - dynamo.Store: DynamoDB conditional writes
package store

import (
	"context"
	"errors"
	"time"

	"github.com/DukeRupert/gatekeeper/internal/domain"
)

// Backend names accepted by configuration.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendDynamo   = "dynamodb"
)

var (
	// ErrNotFound is returned when an entitlement or attempt does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyUsed is returned when a paid entitlement was already consumed.
	ErrAlreadyUsed = errors.New("entitlement already used")

	// ErrEmailMismatch is returned when the consuming email differs from the
	// entitlement's email.
	ErrEmailMismatch = errors.New("entitlement email mismatch")

	// ErrFreeExhausted is returned when an email has a successful attempt on
	// record or another free attempt is already in flight.
	ErrFreeExhausted = errors.New("free allowance not available")

	// ErrAttemptFinalized is returned when an attempt already has a terminal
	// status. Recorders treat it as an idempotent no-op.
	ErrAttemptFinalized = errors.New("attempt already finalized")

	// ErrAttemptExists is returned when an attempt id is reused.
	ErrAttemptExists = errors.New("attempt already exists")
)

// Store is the entitlement ledger.
type Store interface {
	// PriorSuccessfulCount returns how many attempts for email finished with
	// status success.
	PriorSuccessfulCount(ctx context.Context, email string) (int, error)

	// UpsertVerifiedEntitlement records a verified paid session, refreshing
	// verification fields if it exists. It never modifies UsedAt, and never
	// changes the email of an existing entitlement. Returns the stored row.
	UpsertVerifiedEntitlement(ctx context.Context, e domain.Entitlement) (domain.Entitlement, error)

	// GetEntitlement returns the paid entitlement for sessionID.
	GetEntitlement(ctx context.Context, sessionID string) (domain.Entitlement, error)

	// ConsumePaid sets UsedAt on the entitlement if, and only if, it is unused
	// and belongs to email, and creates attempt in the same atomic unit.
	// Under concurrent calls for one session exactly one succeeds.
	ConsumePaid(ctx context.Context, sessionID, email string, attempt domain.UploadAttempt) error

	// ConsumeFree claims the free allowance for email and creates attempt.
	// It fails with ErrFreeExhausted if the email has any successful attempt
	// or another free claim is in flight. A claim older than claimTTL is
	// stale: it is taken over in the same atomic unit and its attempt is
	// failed with domain.DetailClaimExpired. A zero claimTTL never expires
	// claims.
	ConsumeFree(ctx context.Context, email string, attempt domain.UploadAttempt, claimTTL time.Duration) error

	// FinalizeAttempt moves a processing attempt to a terminal status. On
	// success the email's success counter is incremented in the same atomic
	// unit; any free claim held by the attempt is released.
	FinalizeAttempt(ctx context.Context, id string, f domain.Finalization) error

	// GetAttempt returns one attempt.
	GetAttempt(ctx context.Context, id string) (domain.UploadAttempt, error)

	// ListAttempts returns attempts newest first.
	ListAttempts(ctx context.Context, filter domain.AttemptFilter) ([]domain.UploadAttempt, error)

	// MarkReportSent records that the action plan for sessionID was delivered.
	MarkReportSent(ctx context.Context, sessionID string) error

	// MarkRefunded flags the entitlement paid through paymentIntentID as
	// refunded. Returns ErrNotFound if no entitlement carries that intent.
	MarkRefunded(ctx context.Context, paymentIntentID string) error
}

// DefaultListLimit caps attempt listings when the filter sets no limit.
const DefaultListLimit = 50
