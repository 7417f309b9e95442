// Package sweeper runs the timer-driven side of the engine: deadline
// enforcement, retries for stalled work, and reconciliation between the
// ledger and the escrow provider.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/escrowd/internal/dispute"
	"github.com/example/escrowd/internal/escrow"
	"github.com/example/escrowd/internal/ledger"
	"github.com/example/escrowd/internal/mediation"
	"github.com/example/escrowd/internal/milestone"
)

// Config controls sweep cadence and batch sizing.
type Config struct {
	Interval          time.Duration
	BatchSize         int
	InactivityTimeout time.Duration
	RepairBudget      int
}

// Sweeper periodically scans for work the request path left behind:
// verification deadlines, expired evidence windows, stalled disputes,
// unassigned mediation cases, pending payments, and provider drift.
// Every action it takes is idempotent, so overlapping sweeps are safe.
type Sweeper struct {
	store      ledger.Store
	milestones *milestone.Service
	disputes   *dispute.Coordinator
	mediation  *mediation.Workflow
	payout     milestone.PayoutExecutor
	escrow     *escrow.Manager
	cfg        Config
	logger     *slog.Logger

	mu       sync.Mutex
	attempts map[string]int
}

// New creates a sweeper.
func New(store ledger.Store, milestones *milestone.Service, disputes *dispute.Coordinator, med *mediation.Workflow, payout milestone.PayoutExecutor, escrowMgr *escrow.Manager, cfg Config, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RepairBudget <= 0 {
		cfg.RepairBudget = 5
	}
	return &Sweeper{
		store:      store,
		milestones: milestones,
		disputes:   disputes,
		mediation:  med,
		payout:     payout,
		escrow:     escrowMgr,
		cfg:        cfg,
		logger:     logger,
		attempts:   make(map[string]int),
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce runs all sweep categories concurrently. Individual item
// failures are logged and retried on the next pass; only query failures
// propagate.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sweepVerifications(ctx) })
	g.Go(func() error { return s.sweepEvidenceWindows(ctx) })
	g.Go(func() error { return s.sweepStalledDisputes(ctx) })
	g.Go(func() error { return s.sweepMediationAssignments(ctx) })
	g.Go(func() error { return s.sweepPendingPayments(ctx) })
	g.Go(func() error { return s.reconcileHolds(ctx) })
	return g.Wait()
}

func (s *Sweeper) sweepVerifications(ctx context.Context) error {
	ids, err := s.store.DueVerifications(ctx, time.Now().UTC(), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.milestones.AutoApprove(ctx, id); err != nil {
			s.logger.Warn("auto-approve failed", "milestone_id", id, "error", err)
		}
	}
	return nil
}

func (s *Sweeper) sweepEvidenceWindows(ctx context.Context) error {
	ids, err := s.store.ExpiredEvidenceWindows(ctx, time.Now().UTC(), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.disputes.EvaluateExpired(ctx, id); err != nil {
			s.logger.Warn("dispute evaluation failed", "dispute_id", id, "error", err)
		}
	}
	return nil
}

func (s *Sweeper) sweepStalledDisputes(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.cfg.InactivityTimeout)
	ids, err := s.store.StalledDisputes(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.disputes.Escalate(ctx, id, "dispute stalled past inactivity timeout"); err != nil {
			s.logger.Warn("dispute escalation failed", "dispute_id", id, "error", err)
		}
	}
	return nil
}

func (s *Sweeper) sweepMediationAssignments(ctx context.Context) error {
	ids, err := s.store.UnassignedMediationCases(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.mediation.AssignMediator(ctx, id); err != nil {
			if errors.Is(err, mediation.ErrNoMediator) {
				continue
			}
			s.logger.Warn("mediator assignment failed", "case_id", id, "error", err)
		}
	}
	return nil
}

// sweepPendingPayments finishes payout runs that stalled between the
// intent and the provider release, typically after a crash or a
// transient provider outage.
func (s *Sweeper) sweepPendingPayments(ctx context.Context) error {
	ids, err := s.store.PendingPayments(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.payout.Execute(ctx, id); err != nil {
			s.logger.Warn("payment retry failed", "milestone_id", id, "error", err)
		}
	}
	return nil
}

// reconcileHolds compares ledger holds against the provider's view.
// A provider that released more than the ledger recorded is the crash
// window between the provider call and the commit; re-running the payout
// repairs it because every leg is keyed. The opposite drift means the
// ledger claims money moved that the provider never sent, which no
// automatic action can fix safely.
func (s *Sweeper) reconcileHolds(ctx context.Context) error {
	ids, err := s.store.OpenHolds(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, id := range ids {
		s.reconcileOne(ctx, id)
	}
	return nil
}

func (s *Sweeper) reconcileOne(ctx context.Context, milestoneID string) {
	hold, providerHold, err := s.escrow.ProviderState(ctx, milestoneID)
	if err != nil {
		s.logger.Warn("reconciliation query failed", "milestone_id", milestoneID, "error", err)
		return
	}
	if providerHold == nil {
		return
	}
	cmp := hold.ReleasedAmount.Cmp(providerHold.Released)
	if cmp == 0 {
		s.forget(milestoneID)
		return
	}
	if !s.spendBudget(milestoneID) {
		s.logger.Error("hold drift exceeds repair budget, manual intervention required",
			"milestone_id", milestoneID,
			"ledger_released", hold.ReleasedAmount.String(),
			"provider_released", providerHold.Released.String())
		return
	}
	if cmp < 0 {
		// Provider is ahead. Replay the payout; keyed legs make it converge.
		s.logger.Warn("provider ahead of ledger, replaying payout",
			"milestone_id", milestoneID,
			"ledger_released", hold.ReleasedAmount.String(),
			"provider_released", providerHold.Released.String())
		if _, err := s.payout.Execute(ctx, milestoneID); err != nil {
			s.logger.Warn("reconciliation replay failed", "milestone_id", milestoneID, "error", err)
		}
		return
	}
	s.logger.Error("ledger ahead of provider, funds unaccounted for",
		"milestone_id", milestoneID,
		"ledger_released", hold.ReleasedAmount.String(),
		"provider_released", providerHold.Released.String())
}

func (s *Sweeper) spendBudget(milestoneID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts[milestoneID] >= s.cfg.RepairBudget {
		return false
	}
	s.attempts[milestoneID]++
	return true
}

func (s *Sweeper) forget(milestoneID string) {
	s.mu.Lock()
	delete(s.attempts, milestoneID)
	s.mu.Unlock()
}
