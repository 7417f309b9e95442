// Package dispute coordinates the lifecycle of milestone disputes, from
// opening through evidence collection to resolution or escalation.
package dispute

import (
	"context"
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

var (
	// ErrDisputeWindowClosed means the homeowner waited too long to contest.
	ErrDisputeWindowClosed = errors.New("dispute: window closed")
	// ErrEvidenceWindowClosed means the evidence deadline has passed.
	ErrEvidenceWindowClosed = errors.New("dispute: evidence window closed")
	// ErrNotContestable means the milestone is not awaiting verification.
	ErrNotContestable = errors.New("dispute: milestone is not awaiting verification")
	// ErrNoProposal means there is no automatic proposal awaiting review.
	ErrNoProposal = errors.New("dispute: no proposal pending")
)

// Policy holds the dispute deadlines.
type Policy struct {
	EvidenceWindow    time.Duration
	InactivityTimeout time.Duration
}

// Coordinator drives disputes through their state machine. All ledger
// writes for a dispute happen inside the owning milestone's transaction
// scope, so freezes, status changes, and journal entries land atomically.
type Coordinator struct {
	store  ledger.Store
	escrow *escrow.Manager
	payout milestone.PayoutExecutor
	rules  RulesEngine
	policy Policy
	logger *slog.Logger
}

// NewCoordinator creates a dispute coordinator.
func NewCoordinator(store ledger.Store, escrowMgr *escrow.Manager, payout milestone.PayoutExecutor, rules RulesEngine, policy Policy, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: store, escrow: escrowMgr, payout: payout, rules: rules, policy: policy, logger: logger}
}

// Open contests a milestone that is pending verification. The escrow hold
// is frozen in the same transaction that makes the dispute visible, so no
// release can slip through between the two. Evidence refs supplied at open
// land in that same transaction. Opening twice returns the existing
// dispute.
func (c *Coordinator) Open(ctx context.Context, milestoneID string, openedBy ledger.Party, reason string, evidenceRefs ...string) (*ledger.Dispute, error) {
	if reason == "" {
		return nil, errors.New("dispute: reason is required")
	}
	var d *ledger.Dispute
	err := c.store.Within(ctx, milestoneID, func(tx ledger.Tx) error {
		existing, err := tx.GetDisputeByMilestone(ctx, milestoneID)
		if err == nil {
			d = existing
			return nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}

		m, err := tx.GetMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		if m.Status != ledger.MilestonePendingVerification {
			return fmt.Errorf("%w: status %s", ErrNotContestable, m.Status)
		}
		now := time.Now().UTC()
		if m.DisputeWindowEnds != nil && now.After(*m.DisputeWindowEnds) {
			return ErrDisputeWindowClosed
		}

		if err := c.escrow.FreezeInTx(ctx, tx, milestoneID); err != nil {
			return fmt.Errorf("freeze hold: %w", err)
		}

		var evidence []ledger.Evidence
		for _, ref := range evidenceRefs {
			if ref == "" {
				continue
			}
			evidence = append(evidence, ledger.Evidence{
				Ref:         ref,
				SubmittedBy: openedBy,
				SubmittedAt: now,
			})
		}
		d = &ledger.Dispute{
			ID:                 uuid.NewString(),
			MilestoneID:        milestoneID,
			OpenedBy:           openedBy,
			Reason:             reason,
			Evidence:           evidence,
			Status:             ledger.DisputeEvidenceCollection,
			OpenedAt:           now,
			EvidenceDeadline:   now.Add(c.policy.EvidenceWindow),
			ResolutionDeadline: now.Add(c.policy.EvidenceWindow + c.policy.InactivityTimeout),
			LastActivityAt:     now,
			UpdatedAt:          now,
		}
		if err := tx.InsertDispute(ctx, d); err != nil {
			return err
		}
		if err := milestone.Journal(ctx, tx, ledger.KindDispute, d.ID, "", string(ledger.DisputeOpened), reason, string(openedBy)); err != nil {
			return err
		}
		if err := milestone.Journal(ctx, tx, ledger.KindDispute, d.ID, string(ledger.DisputeOpened), string(ledger.DisputeEvidenceCollection), "evidence window started", "system"); err != nil {
			return err
		}
		if err := milestone.Apply(ctx, tx, m, ledger.MilestoneDisputed, reason, string(openedBy)); err != nil {
			return err
		}
		return events.Emit(ctx, tx, events.TopicMilestoneDisputed, events.MilestoneEvent{
			MilestoneID: m.ID,
			ProjectID:   m.ProjectID,
			Status:      string(m.Status),
			Reason:      reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// SubmitEvidence attaches a piece of evidence to an open dispute.
// Submissions after the evidence deadline are rejected.
func (c *Coordinator) SubmitEvidence(ctx context.Context, disputeID string, party ledger.Party, ref string) (*ledger.Dispute, error) {
	if ref == "" {
		return nil, errors.New("dispute: evidence ref is required")
	}
	d, err := c.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	err = c.store.Within(ctx, d.MilestoneID, func(tx ledger.Tx) error {
		d, err = tx.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Status != ledger.DisputeEvidenceCollection {
			return fmt.Errorf("dispute: %s is %s, not collecting evidence", disputeID, d.Status)
		}
		now := time.Now().UTC()
		if now.After(d.EvidenceDeadline) {
			return ErrEvidenceWindowClosed
		}
		d.Evidence = append(d.Evidence, ledger.Evidence{
			Ref:         ref,
			SubmittedBy: party,
			SubmittedAt: now,
		})
		d.LastActivityAt = now
		d.UpdatedAt = now
		return tx.UpdateDispute(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ResolveByAgreement records a settlement both parties accepted out of
// band. The agreed split is validated against the held amount and paid
// out immediately.
func (c *Coordinator) ResolveByAgreement(ctx context.Context, disputeID string, contractorShare, homeownerShare decimal.Decimal) (*ledger.Resolution, error) {
	d, err := c.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	var res *ledger.Resolution
	err = c.store.Within(ctx, d.MilestoneID, func(tx ledger.Tx) error {
		d, err = tx.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		switch d.Status {
		case ledger.DisputeEvidenceCollection, ledger.DisputeUnderReview:
		default:
			return fmt.Errorf("dispute: %s is %s, cannot settle directly", disputeID, d.Status)
		}
		hold, err := tx.GetHoldByMilestone(ctx, d.MilestoneID)
		if err != nil {
			return err
		}
		res = &ledger.Resolution{
			ID:              uuid.NewString(),
			MilestoneID:     d.MilestoneID,
			DisputeID:       d.ID,
			Outcome:         outcomeFor(contractorShare, homeownerShare),
			ContractorShare: contractorShare,
			HomeownerShare:  homeownerShare,
			DecidedBy:       ledger.DecidedNegotiation,
			CreatedAt:       time.Now().UTC(),
		}
		if err := ledger.ValidateResolution(res, hold.Amount); err != nil {
			return err
		}
		return c.closeDispute(ctx, tx, d, res, ledger.DisputeDirectResolution, "parties agreed on settlement", "system")
	})
	if err != nil {
		return nil, err
	}
	c.runPayout(ctx, d.MilestoneID)
	return res, nil
}

// EvaluateExpired handles a dispute whose evidence window has closed.
// The rules engine either produces an automatic split, recorded as a
// proposal the parties must accept, or declares the evidence conflicting,
// which forces mediation immediately.
func (c *Coordinator) EvaluateExpired(ctx context.Context, disputeID string) error {
	d, err := c.store.GetDispute(ctx, disputeID)
	if err != nil {
		return err
	}
	var escalated bool
	err = c.store.Within(ctx, d.MilestoneID, func(tx ledger.Tx) error {
		d, err = tx.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Status != ledger.DisputeEvidenceCollection {
			return nil
		}
		now := time.Now().UTC()
		if now.Before(d.EvidenceDeadline) {
			return nil
		}
		m, err := tx.GetMilestone(ctx, d.MilestoneID)
		if err != nil {
			return err
		}
		if err := milestone.Journal(ctx, tx, ledger.KindDispute, d.ID, string(d.Status), string(ledger.DisputeUnderReview), "evidence window closed", "system"); err != nil {
			return err
		}
		d.Status = ledger.DisputeUnderReview
		d.UpdatedAt = now
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}

		hold, err := tx.GetHoldByMilestone(ctx, d.MilestoneID)
		if err != nil {
			return err
		}
		proposal, err := c.rules.Evaluate(ctx, m, d, hold.Amount)
		if errors.Is(err, ErrUnresolvable) {
			escalated = true
			return c.escalateInTx(ctx, tx, m, d, "conflicting evidence")
		}
		if err != nil {
			return fmt.Errorf("evaluate dispute: %w", err)
		}
		if !proposal.ContractorShare.Add(proposal.HomeownerShare).Equal(hold.Amount) {
			return fmt.Errorf("%w: proposal does not cover the held amount", ledger.ErrInvalidResolution)
		}

		d.Proposal = &ledger.Proposal{
			Outcome:         proposal.Outcome,
			ContractorShare: proposal.ContractorShare,
			HomeownerShare:  proposal.HomeownerShare,
			Rationale:       proposal.Rationale,
			ProposedAt:      now,
		}
		d.LastActivityAt = now
		d.UpdatedAt = now
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}
		return milestone.Journal(ctx, tx, ledger.KindDispute, d.ID, string(d.Status), string(d.Status), "automatic proposal recorded: "+proposal.Rationale, "system")
	})
	if err != nil {
		return err
	}
	if escalated {
		c.logger.Info("dispute escalated to mediation", "dispute_id", disputeID, "reason", "conflicting evidence")
	}
	return nil
}

// AcceptProposal records a party's acceptance of the automatic proposal.
// Once both parties have accepted, the proposal becomes the resolution and
// the payout runs.
func (c *Coordinator) AcceptProposal(ctx context.Context, disputeID string, party ledger.Party) (*ledger.Dispute, error) {
	d, err := c.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	var resolved bool
	err = c.store.Within(ctx, d.MilestoneID, func(tx ledger.Tx) error {
		d, err = tx.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Status != ledger.DisputeUnderReview || d.Proposal == nil {
			return ErrNoProposal
		}
		if d.Proposal.Accepted(party) {
			return nil
		}
		now := time.Now().UTC()
		d.Proposal.AcceptedBy = append(d.Proposal.AcceptedBy, party)
		d.LastActivityAt = now
		d.UpdatedAt = now
		if err := milestone.Journal(ctx, tx, ledger.KindDispute, d.ID, string(d.Status), string(d.Status), "proposal accepted", string(party)); err != nil {
			return err
		}
		if !d.Proposal.Accepted(ledger.PartyHomeowner) || !d.Proposal.Accepted(ledger.PartyContractor) {
			return tx.UpdateDispute(ctx, d)
		}

		hold, err := tx.GetHoldByMilestone(ctx, d.MilestoneID)
		if err != nil {
			return err
		}
		res := &ledger.Resolution{
			ID:              uuid.NewString(),
			MilestoneID:     d.MilestoneID,
			DisputeID:       d.ID,
			Outcome:         d.Proposal.Outcome,
			ContractorShare: d.Proposal.ContractorShare,
			HomeownerShare:  d.Proposal.HomeownerShare,
			DecidedBy:       ledger.DecidedAuto,
			CreatedAt:       now,
		}
		if err := ledger.ValidateResolution(res, hold.Amount); err != nil {
			return err
		}
		rationale := d.Proposal.Rationale
		d.Proposal = nil
		resolved = true
		return c.closeDispute(ctx, tx, d, res, ledger.DisputeAutoResolved, rationale, "system")
	})
	if err != nil {
		return nil, err
	}
	if resolved {
		c.runPayout(ctx, d.MilestoneID)
	}
	return d, nil
}

// RejectProposal voids the automatic proposal and escalates the dispute
// to mediation.
func (c *Coordinator) RejectProposal(ctx context.Context, disputeID string, party ledger.Party, reason string) (*ledger.MediationCase, error) {
	if reason == "" {
		reason = "automatic proposal rejected by " + string(party)
	}
	d, err := c.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	var mc *ledger.MediationCase
	err = c.store.Within(ctx, d.MilestoneID, func(tx ledger.Tx) error {
		d, err = tx.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Status != ledger.DisputeUnderReview || d.Proposal == nil {
			return ErrNoProposal
		}
		m, err := tx.GetMilestone(ctx, d.MilestoneID)
		if err != nil {
			return err
		}
		if err := c.escalateInTx(ctx, tx, m, d, reason); err != nil {
			return err
		}
		mc, err = tx.GetMediationCaseByDispute(ctx, d.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return mc, nil
}

// Escalate moves a dispute into mediation, either on explicit request by
// a party or because it stalled past the inactivity timeout.
func (c *Coordinator) Escalate(ctx context.Context, disputeID, reason string) (*ledger.MediationCase, error) {
	d, err := c.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	var mc *ledger.MediationCase
	err = c.store.Within(ctx, d.MilestoneID, func(tx ledger.Tx) error {
		d, err = tx.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Status == ledger.DisputeMediation {
			mc, err = tx.GetMediationCaseByDispute(ctx, d.ID)
			return err
		}
		switch d.Status {
		case ledger.DisputeEvidenceCollection, ledger.DisputeUnderReview:
		default:
			return fmt.Errorf("dispute: %s is %s, cannot escalate", disputeID, d.Status)
		}
		m, err := tx.GetMilestone(ctx, d.MilestoneID)
		if err != nil {
			return err
		}
		if err := c.escalateInTx(ctx, tx, m, d, reason); err != nil {
			return err
		}
		mc, err = tx.GetMediationCaseByDispute(ctx, d.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return mc, nil
}

// escalateInTx performs the escalation writes inside an open transaction:
// dispute and milestone both move to mediation and a case row is created
// awaiting mediator assignment.
func (c *Coordinator) escalateInTx(ctx context.Context, tx ledger.Tx, m *ledger.Milestone, d *ledger.Dispute, reason string) error {
	now := time.Now().UTC()
	if err := milestone.Journal(ctx, tx, ledger.KindDispute, d.ID, string(d.Status), string(ledger.DisputeMediation), reason, "system"); err != nil {
		return err
	}
	d.Status = ledger.DisputeMediation
	d.Proposal = nil
	d.LastActivityAt = now
	d.UpdatedAt = now
	if err := tx.UpdateDispute(ctx, d); err != nil {
		return err
	}
	if m.Status != ledger.MilestoneMediation {
		if err := milestone.Apply(ctx, tx, m, ledger.MilestoneMediation, reason, "system"); err != nil {
			return err
		}
	}
	mc := &ledger.MediationCase{
		ID:          uuid.NewString(),
		DisputeID:   d.ID,
		MilestoneID: d.MilestoneID,
		Status:      ledger.MediationAssigned,
		CreatedAt:   now,
	}
	if err := tx.InsertMediationCase(ctx, mc); err != nil {
		return err
	}
	if err := milestone.Journal(ctx, tx, ledger.KindMediation, mc.ID, "", string(ledger.MediationAssigned), "case opened, awaiting mediator", "system"); err != nil {
		return err
	}
	return events.Emit(ctx, tx, events.TopicDisputeEscalated, events.DisputeEvent{
		DisputeID:   d.ID,
		MilestoneID: d.MilestoneID,
		Status:      string(d.Status),
	})
}

// closeDispute writes the resolution and the terminal dispute states in
// the caller's transaction. via is the intermediate state that explains
// how the dispute got resolved.
func (c *Coordinator) closeDispute(ctx context.Context, tx ledger.Tx, d *ledger.Dispute, res *ledger.Resolution, via ledger.DisputeStatus, reason, actor string) error {
	if err := tx.InsertResolution(ctx, res); err != nil {
		return err
	}
	if err := milestone.Journal(ctx, tx, ledger.KindDispute, d.ID, string(d.Status), string(via), reason, actor); err != nil {
		return err
	}
	if err := milestone.Journal(ctx, tx, ledger.KindDispute, d.ID, string(via), string(ledger.DisputeResolved), "resolution recorded", actor); err != nil {
		return err
	}
	now := time.Now().UTC()
	d.Status = ledger.DisputeResolved
	d.Proposal = nil
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
}

// runPayout triggers the distributor after a resolution commit. Failures
// are logged, not returned: the resolution is durable and the sweeper
// retries pending payments.
func (c *Coordinator) runPayout(ctx context.Context, milestoneID string) {
	if _, err := c.payout.Execute(ctx, milestoneID); err != nil {
		c.logger.Warn("payout deferred after dispute resolution",
			"milestone_id", milestoneID, "error", err)
	}
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
