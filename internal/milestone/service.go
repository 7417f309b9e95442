package milestone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/escrowd/internal/escrow"
	"github.com/example/escrowd/internal/events"
	"github.com/example/escrowd/internal/ledger"
)

// Policy holds the tunable lifecycle deadlines. The source documentation
// quotes both 72h and 7d figures for verification, so nothing here is
// hard-coded; defaults come from configuration.
type Policy struct {
	VerificationDeadline time.Duration
	DisputeWindow        time.Duration
	FundingAttempts      uint64
	FundingBackoffBase   time.Duration
}

// FundingFailedError is surfaced to the homeowner when a funding attempt
// exhausts its retry budget or fails permanently. Code is a stable reason
// code, never the raw provider error.
type FundingFailedError struct {
	MilestoneID string
	Code        string
	Err         error
}

func (e *FundingFailedError) Error() string {
	return fmt.Sprintf("funding failed for milestone %s (%s): %v", e.MilestoneID, e.Code, e.Err)
}

func (e *FundingFailedError) Unwrap() error { return e.Err }

// PayoutExecutor executes the fund movement once a resolution exists.
// Implemented by the payout distributor.
type PayoutExecutor interface {
	Execute(ctx context.Context, milestoneID string) ([]*ledger.Payment, error)
}

// Service drives the milestone state machine.
type Service struct {
	store  ledger.Store
	escrow *escrow.Manager
	payout PayoutExecutor
	policy Policy
	logger *slog.Logger
}

// NewService creates a milestone service.
func NewService(store ledger.Store, escrowMgr *escrow.Manager, payout PayoutExecutor, policy Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		escrow: escrowMgr,
		payout: payout,
		policy: policy,
		logger: logger,
	}
}

// CreateMilestoneRequest carries the milestone definition emitted by the
// project/contract service when a contract is finalized.
type CreateMilestoneRequest struct {
	ProjectID     string
	Sequence      int
	Amount        decimal.Decimal
	CurrencyCode  string
	HomeownerRef  string
	ContractorRef string
	DueDate       time.Time
}

// Create records a new draft milestone.
func (s *Service) Create(ctx context.Context, req CreateMilestoneRequest) (*ledger.Milestone, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("milestone: amount must be positive")
	}
	if req.ProjectID == "" || req.HomeownerRef == "" || req.ContractorRef == "" {
		return nil, fmt.Errorf("milestone: project_id, homeowner_ref and contractor_ref are required")
	}
	if len(req.CurrencyCode) != 3 {
		return nil, fmt.Errorf("milestone: currency code must be 3 characters")
	}

	now := time.Now().UTC()
	m := &ledger.Milestone{
		ID:            uuid.NewString(),
		ProjectID:     req.ProjectID,
		Sequence:      req.Sequence,
		Amount:        req.Amount,
		CurrencyCode:  req.CurrencyCode,
		HomeownerRef:  req.HomeownerRef,
		ContractorRef: req.ContractorRef,
		Status:        ledger.MilestoneDraft,
		DueDate:       req.DueDate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := s.store.Within(ctx, m.ID, func(tx ledger.Tx) error {
		if err := tx.InsertMilestone(ctx, m); err != nil {
			return err
		}
		return Journal(ctx, tx, ledger.KindMilestone, m.ID, "", string(ledger.MilestoneDraft), "contract finalized", "system")
	})
	if err != nil {
		return nil, fmt.Errorf("create milestone: %w", err)
	}
	return m, nil
}

// Fund creates the escrow hold and moves the milestone to funded. Transient
// provider errors are retried with exponential backoff up to the configured
// attempt budget; permanent failures leave the milestone in draft with a
// reason code for the homeowner.
func (s *Service) Fund(ctx context.Context, milestoneID string) (*ledger.Milestone, error) {
	m, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if m.Status == ledger.MilestoneFunded {
		return m, nil
	}
	if m.Status != ledger.MilestoneDraft {
		return nil, &InvalidTransitionError{From: m.Status, To: ledger.MilestoneFunded, MilestoneID: m.ID}
	}

	holdOp := func() error {
		_, err := s.escrow.CreateHold(ctx, m.ID, m.Amount, m.HomeownerRef, m.CurrencyCode)
		if err != nil {
			if escrow.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	if s.policy.FundingBackoffBase > 0 {
		bo.InitialInterval = s.policy.FundingBackoffBase
	}
	attempts := s.policy.FundingAttempts
	if attempts == 0 {
		attempts = 3
	}

	if err := backoff.Retry(holdOp, backoff.WithContext(backoff.WithMaxRetries(bo, attempts-1), ctx)); err != nil {
		code := fundingFailureCode(err)
		s.recordFundingFailure(ctx, m.ID, code)
		return nil, &FundingFailedError{MilestoneID: m.ID, Code: code, Err: err}
	}

	var funded *ledger.Milestone
	err = s.store.Within(ctx, m.ID, func(tx ledger.Tx) error {
		cur, err := tx.GetMilestone(ctx, m.ID)
		if err != nil {
			return err
		}
		if cur.Status == ledger.MilestoneFunded {
			funded = cur
			return nil
		}
		cur.FailureCode = ""
		if err := Apply(ctx, tx, cur, ledger.MilestoneFunded, "escrow hold active", "system"); err != nil {
			return err
		}
		funded = cur
		return events.Emit(ctx, tx, events.TopicMilestoneFunded, events.MilestoneEvent{
			MilestoneID: cur.ID,
			ProjectID:   cur.ProjectID,
			Status:      string(cur.Status),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("record funding: %w", err)
	}
	return funded, nil
}

func fundingFailureCode(err error) string {
	switch {
	case errors.Is(err, escrow.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, escrow.ErrPayerMethodInvalid):
		return "payer_method_invalid"
	default:
		return "provider_unavailable"
	}
}

func (s *Service) recordFundingFailure(ctx context.Context, milestoneID, code string) {
	err := s.store.Within(ctx, milestoneID, func(tx ledger.Tx) error {
		m, err := tx.GetMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		m.FailureCode = code
		m.UpdatedAt = time.Now().UTC()
		return tx.UpdateMilestone(ctx, m)
	})
	if err != nil {
		s.logger.Error("failed to record funding failure", "milestone_id", milestoneID, "error", err)
	}
}

// MarkComplete is the contractor's "work done" action. It starts the
// verification deadline and the dispute window, both persisted so they
// survive restarts.
func (s *Service) MarkComplete(ctx context.Context, milestoneID, actor string) (*ledger.Milestone, error) {
	var out *ledger.Milestone
	err := s.store.Within(ctx, milestoneID, func(tx ledger.Tx) error {
		m, err := tx.GetMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		verification := now.Add(s.policy.VerificationDeadline)
		window := now.Add(s.policy.DisputeWindow)
		m.VerificationDeadline = &verification
		m.DisputeWindowEnds = &window
		if err := Apply(ctx, tx, m, ledger.MilestonePendingVerification, "contractor marked complete", actor); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Approve is the homeowner's explicit acceptance of the work. It writes
// the implicit full-release resolution and hands off to the payout
// distributor.
func (s *Service) Approve(ctx context.Context, milestoneID, actor string) (*ledger.Milestone, error) {
	return s.verify(ctx, milestoneID, "homeowner approved", actor, ledger.DecidedNegotiation)
}

// AutoApprove is the timer-driven variant: the verification deadline
// elapsed with no dispute opened. Called by the sweeper, never implicitly.
func (s *Service) AutoApprove(ctx context.Context, milestoneID string) (*ledger.Milestone, error) {
	m, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if m.VerificationDeadline == nil || m.VerificationDeadline.After(time.Now().UTC()) {
		return nil, fmt.Errorf("milestone: verification deadline has not elapsed for %s", milestoneID)
	}
	return s.verify(ctx, milestoneID, "verification deadline elapsed", "system", ledger.DecidedAuto)
}

func (s *Service) verify(ctx context.Context, milestoneID, reason, actor string, decidedBy ledger.DecidedBy) (*ledger.Milestone, error) {
	err := s.store.Within(ctx, milestoneID, func(tx ledger.Tx) error {
		m, err := tx.GetMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		if err := Apply(ctx, tx, m, ledger.MilestoneVerified, reason, actor); err != nil {
			return err
		}
		res := &ledger.Resolution{
			ID:              uuid.NewString(),
			MilestoneID:     m.ID,
			Outcome:         ledger.OutcomeFullRelease,
			HomeownerShare:  decimal.Zero,
			ContractorShare: m.Amount,
			DecidedBy:       decidedBy,
			CreatedAt:       time.Now().UTC(),
		}
		if err := ledger.ValidateResolution(res, m.Amount); err != nil {
			return err
		}
		if err := tx.InsertResolution(ctx, res); err != nil {
			return err
		}
		return events.Emit(ctx, tx, events.TopicMilestoneVerified, events.MilestoneEvent{
			MilestoneID: m.ID,
			ProjectID:   m.ProjectID,
			Status:      string(m.Status),
			Reason:      reason,
		})
	})
	if err != nil {
		return nil, err
	}

	// Fund movement happens outside the transaction; a crash here leaves a
	// verified milestone with pending payments for the sweeper to finish.
	if _, err := s.payout.Execute(ctx, milestoneID); err != nil {
		s.logger.Warn("payout did not complete, sweeper will retry",
			"milestone_id", milestoneID, "error", err)
	}
	return s.store.GetMilestone(ctx, milestoneID)
}

// Cancel voids a milestone that was never funded.
func (s *Service) Cancel(ctx context.Context, milestoneID, reason, actor string) (*ledger.Milestone, error) {
	var out *ledger.Milestone
	err := s.store.Within(ctx, milestoneID, func(tx ledger.Tx) error {
		m, err := tx.GetMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		if err := Apply(ctx, tx, m, ledger.MilestoneCancelled, reason, actor); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the current milestone state.
func (s *Service) Get(ctx context.Context, milestoneID string) (*ledger.Milestone, error) {
	return s.store.GetMilestone(ctx, milestoneID)
}
