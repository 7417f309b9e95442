// Package payout executes the final fund movement once a resolution is
// determined, whether that came from plain approval, direct negotiation,
// or mediation.
package payout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/escrowd/internal/escrow"
	"github.com/example/escrowd/internal/events"
	"github.com/example/escrowd/internal/ledger"
	"github.com/example/escrowd/internal/milestone"
)

// Distributor turns a resolution into payments. It is safe to invoke
// repeatedly, including after a crash: payment idempotency keys are
// deterministic, so retries converge on the same payment set.
type Distributor struct {
	store  ledger.Store
	escrow *escrow.Manager
	logger *slog.Logger
}

// NewDistributor creates a payout distributor.
func NewDistributor(store ledger.Store, escrowMgr *escrow.Manager, logger *slog.Logger) *Distributor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Distributor{store: store, escrow: escrowMgr, logger: logger}
}

// PaymentKey derives the deterministic idempotency key for one payment leg.
func PaymentKey(milestoneID, resolutionID, payeeRef string, direction ledger.PaymentDirection) string {
	sum := sha256.Sum256([]byte(milestoneID + "|" + resolutionID + "|" + payeeRef + "|" + string(direction)))
	return hex.EncodeToString(sum[:])
}

// Execute runs the two-phase release for a milestone's resolution.
// Phase 1 durably records the intended distribution as pending payments;
// phase 2 releases funds at the provider; a final transaction marks the
// payments completed and the milestone done. The sweeper finishes any run
// that stalls between phases.
func (d *Distributor) Execute(ctx context.Context, milestoneID string) ([]*ledger.Payment, error) {
	var (
		m        *ledger.Milestone
		res      *ledger.Resolution
		hold     *ledger.EscrowHold
		payments []*ledger.Payment
		done     bool
	)

	// Phase 1: record intent.
	err := d.store.Within(ctx, milestoneID, func(tx ledger.Tx) error {
		var err error
		m, err = tx.GetMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		if m.Status == ledger.MilestoneCompleted {
			done = true
			payments, err = tx.ListPaymentsByMilestone(ctx, milestoneID)
			return err
		}
		switch m.Status {
		case ledger.MilestoneVerified, ledger.MilestoneDisputed, ledger.MilestoneMediation, ledger.MilestonePayoutFailed:
		default:
			return fmt.Errorf("payout: milestone %s is %s, nothing to distribute", milestoneID, m.Status)
		}

		res, err = tx.GetResolutionByMilestone(ctx, milestoneID)
		if err != nil {
			return fmt.Errorf("load resolution: %w", err)
		}
		hold, err = tx.GetHoldByMilestone(ctx, milestoneID)
		if err != nil {
			return fmt.Errorf("load hold: %w", err)
		}
		if err := ledger.ValidateResolution(res, hold.Amount); err != nil {
			return err
		}

		payments = payments[:0]
		for _, leg := range legsFor(m, res) {
			key := PaymentKey(m.ID, res.ID, leg.payeeRef, leg.direction)
			existing, err := tx.GetPaymentByKey(ctx, key)
			if err == nil {
				payments = append(payments, existing)
				continue
			}
			if !errors.Is(err, ledger.ErrNotFound) {
				return err
			}
			p := &ledger.Payment{
				ID:             uuid.NewString(),
				MilestoneID:    m.ID,
				ResolutionID:   res.ID,
				PayeeRef:       leg.payeeRef,
				Amount:         leg.amount,
				Direction:      leg.direction,
				Status:         ledger.PaymentPending,
				IdempotencyKey: key,
				CreatedAt:      time.Now().UTC(),
			}
			if err := tx.InsertPayment(ctx, p); err != nil {
				return err
			}
			payments = append(payments, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if done {
		return payments, nil
	}
	if allCompleted(payments) {
		return payments, d.finalize(ctx, milestoneID, payments)
	}

	// Phase 2: move the funds.
	distributions := make([]escrow.Distribution, 0, len(payments))
	for _, p := range payments {
		if p.Status == ledger.PaymentCompleted {
			continue
		}
		distributions = append(distributions, escrow.Distribution{
			PayeeRef: p.PayeeRef,
			Amount:   p.Amount,
			Refund:   p.Direction == ledger.DirectionRefund,
		})
	}
	if _, err := d.escrow.Release(ctx, milestoneID, res.ID, distributions); err != nil {
		if escrow.IsTransient(err) || errors.Is(err, escrow.ErrOutcomeUnknown) {
			return nil, err
		}
		return nil, d.markFailed(ctx, milestoneID, payments, err)
	}

	if err := d.finalize(ctx, milestoneID, payments); err != nil {
		return nil, err
	}
	return d.store.ListPaymentsByMilestone(ctx, milestoneID)
}

type leg struct {
	payeeRef  string
	amount    decimal.Decimal
	direction ledger.PaymentDirection
}

func legsFor(m *ledger.Milestone, res *ledger.Resolution) []leg {
	var legs []leg
	if res.ContractorShare.IsPositive() {
		legs = append(legs, leg{payeeRef: m.ContractorRef, amount: res.ContractorShare, direction: ledger.DirectionPayout})
	}
	if res.HomeownerShare.IsPositive() {
		legs = append(legs, leg{payeeRef: m.HomeownerRef, amount: res.HomeownerShare, direction: ledger.DirectionRefund})
	}
	return legs
}

func allCompleted(payments []*ledger.Payment) bool {
	if len(payments) == 0 {
		return false
	}
	for _, p := range payments {
		if p.Status != ledger.PaymentCompleted {
			return false
		}
	}
	return true
}

// finalize marks payments completed and the milestone done in one
// transaction, emitting the corresponding events.
func (d *Distributor) finalize(ctx context.Context, milestoneID string, payments []*ledger.Payment) error {
	return d.store.Within(ctx, milestoneID, func(tx ledger.Tx) error {
		m, err := tx.GetMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, p := range payments {
			if p.Status == ledger.PaymentCompleted {
				continue
			}
			p.Status = ledger.PaymentCompleted
			p.CompletedAt = &now
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return err
			}
			if err := events.Emit(ctx, tx, events.TopicPaymentCompleted, events.PaymentEvent{
				PaymentID:   p.ID,
				MilestoneID: m.ID,
				PayeeRef:    p.PayeeRef,
				Amount:      p.Amount.String(),
				Direction:   string(p.Direction),
			}); err != nil {
				return err
			}
		}
		if m.Status == ledger.MilestoneCompleted {
			return nil
		}
		m.FailureCode = ""
		if err := milestone.Apply(ctx, tx, m, ledger.MilestoneCompleted, "payout completed", "system"); err != nil {
			return err
		}
		return events.Emit(ctx, tx, events.TopicMilestoneCompleted, events.MilestoneEvent{
			MilestoneID: m.ID,
			ProjectID:   m.ProjectID,
			Status:      string(m.Status),
		})
	})
}

// markFailed records a permanent payout failure: payments fail, the
// milestone enters payout_failed, and an operator has to intervene.
// Nothing is silently dropped.
func (d *Distributor) markFailed(ctx context.Context, milestoneID string, payments []*ledger.Payment, cause error) error {
	err := d.store.Within(ctx, milestoneID, func(tx ledger.Tx) error {
		m, err := tx.GetMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		for _, p := range payments {
			if p.Status != ledger.PaymentPending {
				continue
			}
			p.Status = ledger.PaymentFailed
			p.FailureCode = "payout_destination_invalid"
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return err
			}
			if err := events.Emit(ctx, tx, events.TopicPaymentFailed, events.PaymentEvent{
				PaymentID:   p.ID,
				MilestoneID: m.ID,
				PayeeRef:    p.PayeeRef,
				Amount:      p.Amount.String(),
				Direction:   string(p.Direction),
				FailureCode: p.FailureCode,
			}); err != nil {
				return err
			}
		}
		if m.Status == ledger.MilestonePayoutFailed {
			return nil
		}
		m.FailureCode = "payout_failed"
		return milestone.Apply(ctx, tx, m, ledger.MilestonePayoutFailed, "payout failed permanently", "system")
	})
	if err != nil {
		return fmt.Errorf("record payout failure: %w", err)
	}
	d.logger.Error("payout failed permanently, manual intervention required",
		"milestone_id", milestoneID, "error", cause)
	return fmt.Errorf("payout: permanent failure for milestone %s: %w", milestoneID, cause)
}

// Retry re-runs a payout for a milestone in payout_failed after an
// operator fixed the underlying issue. Failed payments are reset to
// pending first so Execute picks them back up.
func (d *Distributor) Retry(ctx context.Context, milestoneID string) ([]*ledger.Payment, error) {
	err := d.store.Within(ctx, milestoneID, func(tx ledger.Tx) error {
		m, err := tx.GetMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		if m.Status != ledger.MilestonePayoutFailed {
			return fmt.Errorf("payout: milestone %s is %s, not payout_failed", milestoneID, m.Status)
		}
		payments, err := tx.ListPaymentsByMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		for _, p := range payments {
			if p.Status == ledger.PaymentFailed {
				p.Status = ledger.PaymentPending
				p.FailureCode = ""
				if err := tx.UpdatePayment(ctx, p); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d.Execute(ctx, milestoneID)
}
