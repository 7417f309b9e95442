// Package milestone governs a milestone's lifecycle from creation through
// funding, verification, completion and dispute hand-off.
package milestone

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/escrowd/internal/ledger"
)

// InvalidTransitionError reports a milestone status change that the state
// graph does not allow.
type InvalidTransitionError struct {
	From        ledger.MilestoneStatus
	To          ledger.MilestoneStatus
	MilestoneID string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid milestone transition from %s to %s for %s", e.From, e.To, e.MilestoneID)
}

// AllowedTransitions defines the valid milestone status graph.
func AllowedTransitions() map[ledger.MilestoneStatus][]ledger.MilestoneStatus {
	return map[ledger.MilestoneStatus][]ledger.MilestoneStatus{
		ledger.MilestoneDraft:               {ledger.MilestoneFunded, ledger.MilestoneCancelled},
		ledger.MilestoneFunded:              {ledger.MilestonePendingVerification},
		ledger.MilestonePendingVerification: {ledger.MilestoneVerified, ledger.MilestoneDisputed},
		ledger.MilestoneVerified:            {ledger.MilestoneCompleted, ledger.MilestonePayoutFailed},
		ledger.MilestoneDisputed:            {ledger.MilestoneMediation, ledger.MilestoneCompleted, ledger.MilestonePayoutFailed},
		ledger.MilestoneMediation:           {ledger.MilestoneCompleted, ledger.MilestonePayoutFailed},
		ledger.MilestonePayoutFailed:        {ledger.MilestoneCompleted},
		ledger.MilestoneCompleted:           {},
		ledger.MilestoneCancelled:           {},
	}
}

// IsValidTransition checks whether from -> to is in the state graph.
func IsValidTransition(from, to ledger.MilestoneStatus) bool {
	for _, allowed := range AllowedTransitions()[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no outgoing transitions.
func IsTerminal(status ledger.MilestoneStatus) bool {
	return len(AllowedTransitions()[status]) == 0
}

// Apply moves a milestone to a new status inside the caller's transaction,
// appending a hash-chained journal entry. The milestone passed in must have
// been read inside the same transaction so no transition is applied against
// a stale state.
func Apply(ctx context.Context, tx ledger.Tx, m *ledger.Milestone, to ledger.MilestoneStatus, reason, actor string) error {
	if !IsValidTransition(m.Status, to) {
		return &InvalidTransitionError{From: m.Status, To: to, MilestoneID: m.ID}
	}
	if err := Journal(ctx, tx, ledger.KindMilestone, m.ID, string(m.Status), string(to), reason, actor); err != nil {
		return err
	}
	m.Status = to
	m.UpdatedAt = time.Now().UTC()
	return tx.UpdateMilestone(ctx, m)
}

// Journal appends one chained transition row for any entity kind. Dispute
// and mediation packages reuse it for their own state changes.
func Journal(ctx context.Context, tx ledger.Tx, kind ledger.EntityKind, entityID, from, to, reason, actor string) error {
	prev, err := tx.LatestTransition(ctx, kind, entityID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("load latest transition: %w", err)
	}
	t := &ledger.Transition{
		ID:         uuid.NewString(),
		EntityKind: kind,
		EntityID:   entityID,
		FromState:  from,
		ToState:    to,
		Reason:     reason,
		Actor:      actor,
		CreatedAt:  time.Now().UTC(),
	}
	ledger.ChainTransition(t, prev)
	if err := tx.AppendTransition(ctx, t); err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}
