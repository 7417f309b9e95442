package ledger

import (
	"context"
	"time"
)

// Tx exposes the mutations available inside one entity-graph transaction.
// A Tx is scoped to a single milestone and its dependent records; the store
// guarantees that two transactions against the same milestone never
// interleave.
type Tx interface {
	InsertMilestone(ctx context.Context, m *Milestone) error
	GetMilestone(ctx context.Context, id string) (*Milestone, error)
	UpdateMilestone(ctx context.Context, m *Milestone) error

	InsertHold(ctx context.Context, h *EscrowHold) error
	GetHoldByMilestone(ctx context.Context, milestoneID string) (*EscrowHold, error)
	UpdateHold(ctx context.Context, h *EscrowHold) error

	InsertDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	GetDisputeByMilestone(ctx context.Context, milestoneID string) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error

	InsertMediationCase(ctx context.Context, c *MediationCase) error
	GetMediationCase(ctx context.Context, id string) (*MediationCase, error)
	GetMediationCaseByDispute(ctx context.Context, disputeID string) (*MediationCase, error)
	UpdateMediationCase(ctx context.Context, c *MediationCase) error

	InsertResolution(ctx context.Context, r *Resolution) error
	GetResolutionByMilestone(ctx context.Context, milestoneID string) (*Resolution, error)

	InsertPayment(ctx context.Context, p *Payment) error
	GetPaymentByKey(ctx context.Context, idempotencyKey string) (*Payment, error)
	UpdatePayment(ctx context.Context, p *Payment) error
	ListPaymentsByMilestone(ctx context.Context, milestoneID string) ([]*Payment, error)

	AppendTransition(ctx context.Context, t *Transition) error
	LatestTransition(ctx context.Context, kind EntityKind, entityID string) (*Transition, error)

	// InsertIdempotencyKey records that a keyed side effect has been applied.
	// Returns ErrDuplicateIdempotencyKey if the key was already recorded.
	InsertIdempotencyKey(ctx context.Context, key string) error
	HasIdempotencyKey(ctx context.Context, key string) (bool, error)

	AppendOutbox(ctx context.Context, topic string, payload []byte) error
}

// Store is the single source of truth for milestones, holds, payments,
// disputes and resolutions. All other components read and write through it.
type Store interface {
	// Within runs fn inside a transaction serialized on milestoneID.
	// Mutations are atomic: either every write in fn lands or none do.
	Within(ctx context.Context, milestoneID string, fn func(tx Tx) error) error

	// Read-only accessors for queries outside a transaction.
	GetMilestone(ctx context.Context, id string) (*Milestone, error)
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	GetMediationCase(ctx context.Context, id string) (*MediationCase, error)
	GetHoldByMilestone(ctx context.Context, milestoneID string) (*EscrowHold, error)
	GetResolutionByMilestone(ctx context.Context, milestoneID string) (*Resolution, error)
	ListPaymentsByMilestone(ctx context.Context, milestoneID string) ([]*Payment, error)
	TransitionHistory(ctx context.Context, kind EntityKind, entityID string) ([]*Transition, error)

	// Sweep queries. Each returns at most limit IDs ordered by deadline.
	DueVerifications(ctx context.Context, now time.Time, limit int) ([]string, error)
	ExpiredEvidenceWindows(ctx context.Context, now time.Time, limit int) ([]string, error)
	StalledDisputes(ctx context.Context, inactiveSince time.Time, limit int) ([]string, error)
	UnassignedMediationCases(ctx context.Context, limit int) ([]string, error)
	PendingPayments(ctx context.Context, limit int) ([]string, error)
	OpenHolds(ctx context.Context, limit int) ([]string, error)

	// Outbox relay.
	UnpublishedOutbox(ctx context.Context, limit int) ([]*OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
}
