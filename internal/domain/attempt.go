package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// Attempt Status
// =============================================================================

// AttemptStatus represents the lifecycle state of an upload attempt.
type AttemptStatus string

const (
	// AttemptStatusProcessing is set when the entitlement is consumed and the
	// costly analysis is about to be dispatched.
	AttemptStatusProcessing AttemptStatus = "processing"

	// AttemptStatusSuccess means the plan was generated and delivered.
	AttemptStatusSuccess AttemptStatus = "success"

	// AttemptStatusFailed means analysis or delivery failed after consumption.
	AttemptStatusFailed AttemptStatus = "failed"
)

// String returns the string representation of the status.
func (s AttemptStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a recognized value.
func (s AttemptStatus) IsValid() bool {
	switch s {
	case AttemptStatusProcessing, AttemptStatusSuccess, AttemptStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptStatusSuccess || s == AttemptStatusFailed
}

// CanTransitionTo checks if the attempt can move to target.
// Only processing -> success and processing -> failed are allowed.
func (s AttemptStatus) CanTransitionTo(target AttemptStatus) bool {
	return s == AttemptStatusProcessing && target.IsTerminal()
}

// Detail recorded when analysis succeeded but the result never reached the
// submitter. Support tooling searches for this exact string.
const DetailNotDelivered = "generated but not delivered"

// Detail recorded on a free attempt whose claim went stale and was taken
// over by a later submission from the same email.
const DetailClaimExpired = "free claim expired before the attempt was finalized"

// =============================================================================
// Upload Attempt
// =============================================================================

// UploadAttempt is the audit trail of one submission that reached consumption.
type UploadAttempt struct {
	ID              string
	SessionID       string // Empty for free attempts
	Email           string
	ArtifactName    string
	ArtifactSize    int64
	Status          AttemptStatus
	IsFree          bool
	ErrorDetail     string
	DeliveryRef     string
	ActionItemCount int
	PageCount       int
	Result          json.RawMessage
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TransitionTo moves the attempt to target, refusing invalid transitions.
func (a *UploadAttempt) TransitionTo(target AttemptStatus) error {
	if !a.Status.CanTransitionTo(target) {
		return fmt.Errorf("cannot transition attempt from %s to %s", a.Status, target)
	}
	a.Status = target
	return nil
}

// Finalization carries the terminal state written to an attempt.
type Finalization struct {
	Status          AttemptStatus
	ErrorDetail     string
	DeliveryRef     string
	ActionItemCount int
	PageCount       int
	Result          json.RawMessage
}

// Apply writes the finalization onto the attempt.
func (f Finalization) Apply(a *UploadAttempt, now time.Time) error {
	if err := a.TransitionTo(f.Status); err != nil {
		return err
	}
	a.ErrorDetail = f.ErrorDetail
	a.DeliveryRef = f.DeliveryRef
	a.ActionItemCount = f.ActionItemCount
	a.PageCount = f.PageCount
	a.Result = f.Result
	a.UpdatedAt = now
	return nil
}

// AttemptFilter narrows attempt listings for support workflows.
type AttemptFilter struct {
	Email  string
	Status AttemptStatus
	Limit  int
}
