package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/DukeRupert/gatekeeper/internal/aws"
	"github.com/DukeRupert/gatekeeper/internal/domain"
)

// queueMessage is the JSON body published for downstream consumers.
type queueMessage struct {
	AttemptID string             `json:"attempt_id"`
	Email     string             `json:"email"`
	Name      string             `json:"name,omitempty"`
	SessionID string             `json:"session_id,omitempty"`
	Plan      *domain.ActionPlan `json:"plan"`
}

// SQSChannel publishes action plans to a queue for an external mailer.
type SQSChannel struct {
	publisher *aws.Publisher
}

// NewSQSChannel creates a queue-backed Channel.
func NewSQSChannel(publisher *aws.Publisher) *SQSChannel {
	return &SQSChannel{publisher: publisher}
}

// Name implements Channel.
func (c *SQSChannel) Name() string { return ProviderSQS }

// Send implements Channel. The receipt carries the SQS message id.
func (c *SQSChannel) Send(ctx context.Context, rcpt domain.Recipient, plan *domain.ActionPlan) (domain.Receipt, error) {
	body, err := json.Marshal(queueMessage{
		AttemptID: rcpt.AttemptID,
		Email:     rcpt.Email,
		Name:      rcpt.Name,
		SessionID: rcpt.SessionID,
		Plan:      plan,
	})
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("marshal plan message: %w", err)
	}

	id, err := c.publisher.Publish(ctx, string(body), map[string]string{
		"attempt_id": rcpt.AttemptID,
		"email":      rcpt.Email,
		"type":       "action_plan",
	})
	if err != nil {
		return domain.Receipt{}, err
	}
	return domain.Receipt{MessageID: id, Channel: ProviderSQS}, nil
}

var _ Channel = (*SQSChannel)(nil)
