// Package events records domain events in a transactional outbox and
// relays them to external subscribers. The engine emits events; formatting
// and delivering user-facing notifications is someone else's job.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/escrowd/internal/ledger"
)

// Topics emitted by the engine.
const (
	TopicMilestoneFunded    = "milestone.funded"
	TopicMilestoneVerified  = "milestone.verified"
	TopicMilestoneDisputed  = "milestone.disputed"
	TopicMilestoneCompleted = "milestone.completed"
	TopicPaymentCompleted   = "payment.completed"
	TopicPaymentFailed      = "payment.failed"
	TopicDisputeEscalated   = "dispute.escalated"
	TopicDisputeResolved    = "dispute.resolved"
)

// Envelope is the wire shape of every emitted event.
type Envelope struct {
	Topic      string          `json:"topic"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Emit appends an event to the outbox inside the caller's transaction, so
// the event becomes visible exactly when the state change it describes
// commits.
func Emit(ctx context.Context, tx ledger.Tx, topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	env, err := json.Marshal(Envelope{
		Topic:      topic,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	})
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	return tx.AppendOutbox(ctx, topic, env)
}

// MilestoneEvent is the payload for milestone.* topics.
type MilestoneEvent struct {
	MilestoneID string `json:"milestone_id"`
	ProjectID   string `json:"project_id"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
}

// PaymentEvent is the payload for payment.* topics.
type PaymentEvent struct {
	PaymentID   string `json:"payment_id"`
	MilestoneID string `json:"milestone_id"`
	PayeeRef    string `json:"payee_ref"`
	Amount      string `json:"amount"`
	Direction   string `json:"direction"`
	FailureCode string `json:"failure_code,omitempty"`
}

// DisputeEvent is the payload for dispute.* topics.
type DisputeEvent struct {
	DisputeID   string `json:"dispute_id"`
	MilestoneID string `json:"milestone_id"`
	Status      string `json:"status"`
	Outcome     string `json:"outcome,omitempty"`
	DecidedBy   string `json:"decided_by,omitempty"`
}
