// Package delivery sends finished action plans to submitters and writes the
// terminal audit record for each upload attempt.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/DukeRupert/gatekeeper/internal/domain"
	"github.com/DukeRupert/gatekeeper/internal/metrics"
	"github.com/DukeRupert/gatekeeper/internal/store"
)

// Provider names accepted by configuration.
const (
	ProviderEmail = "email"
	ProviderSQS   = "sqs"
	ProviderMock  = "mock"
)

// Channel delivers an action plan to its recipient.
type Channel interface {
	Name() string
	Send(ctx context.Context, rcpt domain.Recipient, plan *domain.ActionPlan) (domain.Receipt, error)
}

// Recorder delivers plans through a Channel and finalizes attempts in the
// ledger.
type Recorder struct {
	store   store.Store
	channel Channel
	logger  *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(s store.Store, channel Channel, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, channel: channel, logger: logger}
}

// Deliver sends plan to rcpt. For paid attempts the entitlement is then
// marked as having had its report sent; a failure to mark is logged only.
func (r *Recorder) Deliver(ctx context.Context, rcpt domain.Recipient, plan *domain.ActionPlan) (domain.Receipt, error) {
	name := r.channel.Name()

	receipt, err := r.channel.Send(ctx, rcpt, plan)
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues(name, "failed").Inc()
		return domain.Receipt{}, fmt.Errorf("deliver via %s: %w", name, err)
	}
	metrics.DeliveriesTotal.WithLabelValues(name, "success").Inc()

	if receipt.Channel == "" {
		receipt.Channel = name
	}

	if rcpt.SessionID != "" {
		if err := r.store.MarkReportSent(ctx, rcpt.SessionID); err != nil {
			r.logger.Warn("failed to mark report sent",
				"attempt_id", rcpt.AttemptID,
				"session_id", rcpt.SessionID,
				"error", err,
			)
		}
	}

	return receipt, nil
}

// Record writes the terminal state of an attempt. Recording an attempt that
// is already final is a no-op, so retries and duplicate calls are safe.
func (r *Recorder) Record(ctx context.Context, attemptID string, f domain.Finalization) error {
	err := r.store.FinalizeAttempt(ctx, attemptID, f)
	switch {
	case errors.Is(err, store.ErrAttemptFinalized):
		r.logger.Info("attempt already finalized", "attempt_id", attemptID, "status", f.Status)
		return nil
	case err != nil:
		r.logger.Error("failed to record attempt",
			"attempt_id", attemptID,
			"status", f.Status,
			"error", err,
		)
		return fmt.Errorf("record attempt %s: %w", attemptID, err)
	}

	r.logger.Info("attempt recorded",
		"attempt_id", attemptID,
		"status", f.Status,
		"action_items", f.ActionItemCount,
		"delivery_ref", f.DeliveryRef,
		"error_detail", f.ErrorDetail,
	)
	return nil
}
