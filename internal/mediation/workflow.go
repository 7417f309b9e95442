// Package mediation handles disputes that could not be settled directly:
// a human mediator is assigned, reviews the evidence, and issues a
// binding split of the escrowed funds.
package mediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/escrowd/internal/events"
	"github.com/example/escrowd/internal/ledger"
	"github.com/example/escrowd/internal/milestone"
)

var (
	// ErrNoMediator means assignment failed and the case stays blocked.
	ErrNoMediator = errors.New("mediation: no mediator available")
	// ErrWrongMediator rejects decisions from anyone but the assigned mediator.
	ErrWrongMediator = errors.New("mediation: decision from unassigned mediator")
)

// AssignmentService picks a mediator for a case. External rosters plug
// in here; assignment may fail and is retried by the sweeper.
type AssignmentService interface {
	Assign(ctx context.Context, mc *ledger.MediationCase) (string, error)
}

// RoundRobinAssigner hands out mediators from a fixed roster in turn.
type RoundRobinAssigner struct {
	Mediators []string
	next      atomic.Uint64
}

func (r *RoundRobinAssigner) Assign(_ context.Context, _ *ledger.MediationCase) (string, error) {
	if len(r.Mediators) == 0 {
		return "", ErrNoMediator
	}
	n := r.next.Add(1) - 1
	return r.Mediators[n%uint64(len(r.Mediators))], nil
}

// Workflow drives mediation cases from creation to a binding decision.
type Workflow struct {
	store    ledger.Store
	payout   milestone.PayoutExecutor
	assigner AssignmentService
	logger   *slog.Logger
}

// NewWorkflow creates a mediation workflow.
func NewWorkflow(store ledger.Store, payout milestone.PayoutExecutor, assigner AssignmentService, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{store: store, payout: payout, assigner: assigner, logger: logger}
}

// AssignMediator attempts to staff a case. A case without a mediator is
// blocked; the sweeper calls this until assignment succeeds.
func (w *Workflow) AssignMediator(ctx context.Context, caseID string) (*ledger.MediationCase, error) {
	mc, err := w.store.GetMediationCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if mc.MediatorRef != "" {
		return mc, nil
	}
	mediator, err := w.assigner.Assign(ctx, mc)
	if err != nil {
		w.logger.Warn("mediation case blocked, no mediator assigned",
			"case_id", caseID, "dispute_id", mc.DisputeID, "error", err)
		return nil, err
	}
	err = w.store.Within(ctx, mc.MilestoneID, func(tx ledger.Tx) error {
		mc, err = tx.GetMediationCase(ctx, caseID)
		if err != nil {
			return err
		}
		if mc.MediatorRef != "" {
			return nil
		}
		if err := milestone.Journal(ctx, tx, ledger.KindMediation, mc.ID, string(mc.Status), string(ledger.MediationInReview), "mediator "+mediator+" assigned", "system"); err != nil {
			return err
		}
		mc.MediatorRef = mediator
		mc.Status = ledger.MediationInReview
		return tx.UpdateMediationCase(ctx, mc)
	})
	if err != nil {
		return nil, err
	}
	return mc, nil
}

// Decide records the mediator's binding split. The split must account
// for the full held amount; the decision is final and immediately paid
// out. Deciding an already decided case is a no-op returning the
// existing resolution.
func (w *Workflow) Decide(ctx context.Context, caseID, mediatorRef string, contractorShare, homeownerShare decimal.Decimal, rationale string) (*ledger.Resolution, error) {
	mc, err := w.store.GetMediationCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	var res *ledger.Resolution
	err = w.store.Within(ctx, mc.MilestoneID, func(tx ledger.Tx) error {
		mc, err = tx.GetMediationCase(ctx, caseID)
		if err != nil {
			return err
		}
		if mc.Status == ledger.MediationDecided {
			res, err = tx.GetResolutionByMilestone(ctx, mc.MilestoneID)
			return err
		}
		if mc.Status != ledger.MediationInReview {
			return fmt.Errorf("mediation: case %s is %s, not in review", caseID, mc.Status)
		}
		if mediatorRef == "" || mediatorRef != mc.MediatorRef {
			return ErrWrongMediator
		}

		hold, err := tx.GetHoldByMilestone(ctx, mc.MilestoneID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		res = &ledger.Resolution{
			ID:              uuid.NewString(),
			MilestoneID:     mc.MilestoneID,
			DisputeID:       mc.DisputeID,
			Outcome:         outcomeFor(contractorShare, homeownerShare),
			ContractorShare: contractorShare,
			HomeownerShare:  homeownerShare,
			DecidedBy:       ledger.DecidedMediation,
			CreatedAt:       now,
		}
		if err := ledger.ValidateResolution(res, hold.Amount); err != nil {
			return err
		}
		if err := tx.InsertResolution(ctx, res); err != nil {
			return err
		}

		if err := milestone.Journal(ctx, tx, ledger.KindMediation, mc.ID, string(mc.Status), string(ledger.MediationDecided), rationale, mediatorRef); err != nil {
			return err
		}
		mc.Status = ledger.MediationDecided
		mc.DecidedAt = &now
		if err := tx.UpdateMediationCase(ctx, mc); err != nil {
			return err
		}

		d, err := tx.GetDispute(ctx, mc.DisputeID)
		if err != nil {
			return err
		}
		if err := milestone.Journal(ctx, tx, ledger.KindDispute, d.ID, string(d.Status), string(ledger.DisputeResolved), "mediator decision is binding", mediatorRef); err != nil {
			return err
		}
		d.Status = ledger.DisputeResolved
		d.LastActivityAt = now
		d.UpdatedAt = now
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}
		return events.Emit(ctx, tx, events.TopicDisputeResolved, events.DisputeEvent{
			DisputeID:   d.ID,
			MilestoneID: d.MilestoneID,
			Status:      string(d.Status),
			Outcome:     string(res.Outcome),
			DecidedBy:   string(res.DecidedBy),
		})
	})
	if err != nil {
		return nil, err
	}
	if _, err := w.payout.Execute(ctx, mc.MilestoneID); err != nil {
		w.logger.Warn("payout deferred after mediation decision",
			"milestone_id", mc.MilestoneID, "error", err)
	}
	return res, nil
}

func outcomeFor(contractorShare, homeownerShare decimal.Decimal) ledger.Outcome {
	switch {
	case homeownerShare.IsZero():
		return ledger.OutcomeFullRelease
	case contractorShare.IsZero():
		return ledger.OutcomeFullRefund
	default:
		return ledger.OutcomePartialRelease
	}
}
