// Package domain contains core business types shared across the gating
// pipeline: entitlements, upload attempts, pipeline stages and action plans.
package domain

import (
	"strings"
	"time"
)

// EntitlementKind distinguishes free allowances from paid sessions.
type EntitlementKind string

const (
	EntitlementPaid EntitlementKind = "paid"
	EntitlementFree EntitlementKind = "free"
)

// Entitlement is one unit of permission to run the paid analysis.
//
// Paid entitlements are keyed by the payment provider's session id. Free
// entitlements are synthesized per email and never persisted as rows; their
// consumption is tracked through the email's free usage record.
type Entitlement struct {
	SessionID       string
	Kind            EntitlementKind
	Email           string
	AmountTotal     int64  // Minor currency units
	Currency        string // ISO code, lower case
	PaymentIntentID string
	VerifiedAt      *time.Time
	UsedAt          *time.Time
	ReportSentAt    *time.Time
	RefundedAt      *time.Time
	CreatedAt       time.Time
}

// IsUsed reports whether the entitlement has been consumed.
func (e *Entitlement) IsUsed() bool {
	return e.UsedAt != nil
}

// IsFree reports whether this is a free-tier entitlement.
func (e *Entitlement) IsFree() bool {
	return e.Kind == EntitlementFree
}

// BelongsTo reports whether the entitlement was issued for email.
func (e *Entitlement) BelongsTo(email string) bool {
	return NormalizeEmail(e.Email) == NormalizeEmail(email)
}

// FreeEntitlement synthesizes the free allowance for an email.
func FreeEntitlement(email string) Entitlement {
	return Entitlement{
		Kind:  EntitlementFree,
		Email: NormalizeEmail(email),
	}
}

// NormalizeEmail lower-cases and trims an email address so that ledger
// lookups and rate limit keys are stable.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
