package sweeper_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/escrowd/internal/dispute"
	"github.com/example/escrowd/internal/escrow"
	"github.com/example/escrowd/internal/ledger"
	"github.com/example/escrowd/internal/mediation"
	"github.com/example/escrowd/internal/milestone"
	"github.com/example/escrowd/internal/payout"
	"github.com/example/escrowd/internal/sweeper"
)

type fixture struct {
	store      ledger.Store
	provider   *escrow.SandboxProvider
	milestones *milestone.Service
	disputes   *dispute.Coordinator
	sweeper    *sweeper.Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	provider := escrow.NewSandboxProvider()
	mgr := escrow.NewManager(store, provider, nil)
	distributor := payout.NewDistributor(store, mgr, nil)
	milestones := milestone.NewService(store, mgr, distributor, milestone.Policy{
		VerificationDeadline: 72 * time.Hour,
		DisputeWindow:        120 * time.Hour,
		FundingAttempts:      3,
		FundingBackoffBase:   time.Millisecond,
	}, nil)
	disputes := dispute.NewCoordinator(store, mgr, distributor, dispute.StandardRules{}, dispute.Policy{
		EvidenceWindow:    72 * time.Hour,
		InactivityTimeout: 72 * time.Hour,
	}, nil)
	assigner := &mediation.RoundRobinAssigner{Mediators: []string{"med-1"}}
	workflow := mediation.NewWorkflow(store, distributor, assigner, nil)
	sw := sweeper.New(store, milestones, disputes, workflow, distributor, mgr, sweeper.Config{
		Interval:          time.Minute,
		BatchSize:         50,
		InactivityTimeout: 72 * time.Hour,
		RepairBudget:      3,
	}, nil)
	return &fixture{store: store, provider: provider, milestones: milestones, disputes: disputes, sweeper: sw}
}

func (f *fixture) pendingMilestone(t *testing.T) *ledger.Milestone {
	t.Helper()
	ctx := context.Background()
	m, err := f.milestones.Create(ctx, milestone.CreateMilestoneRequest{
		ProjectID: "proj-1", Sequence: 1,
		Amount: decimal.RequireFromString("1000.00"), CurrencyCode: "USD",
		HomeownerRef: "ho-1", ContractorRef: "co-1",
		DueDate: time.Now().UTC().Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	_, err = f.milestones.Fund(ctx, m.ID)
	require.NoError(t, err)
	_, err = f.milestones.MarkComplete(ctx, m.ID, "co-1")
	require.NoError(t, err)
	return m
}

func TestSweepAutoApprovesDueVerifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.pendingMilestone(t)

	require.NoError(t, f.store.Within(ctx, m.ID, func(tx ledger.Tx) error {
		cur, err := tx.GetMilestone(ctx, m.ID)
		if err != nil {
			return err
		}
		past := time.Now().UTC().Add(-time.Minute)
		cur.VerificationDeadline = &past
		return tx.UpdateMilestone(ctx, cur)
	}))

	require.NoError(t, f.sweeper.SweepOnce(ctx))

	cur, err := f.store.GetMilestone(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneCompleted, cur.Status)

	res, err := f.store.GetResolutionByMilestone(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.DecidedAuto, res.DecidedBy)
}

func TestSweepEvaluatesExpiredEvidenceWindows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.pendingMilestone(t)
	d, err := f.disputes.Open(ctx, m.ID, ledger.PartyHomeowner, "tile work incomplete")
	require.NoError(t, err)
	_, err = f.disputes.SubmitEvidence(ctx, d.ID, ledger.PartyHomeowner, "photo-17")
	require.NoError(t, err)

	require.NoError(t, f.store.Within(ctx, m.ID, func(tx ledger.Tx) error {
		cur, err := tx.GetDispute(ctx, d.ID)
		if err != nil {
			return err
		}
		cur.EvidenceDeadline = time.Now().UTC().Add(-time.Minute)
		return tx.UpdateDispute(ctx, cur)
	}))

	require.NoError(t, f.sweeper.SweepOnce(ctx))

	cur, err := f.store.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeUnderReview, cur.Status)
	require.NotNil(t, cur.Proposal)
	assert.Equal(t, ledger.OutcomeFullRefund, cur.Proposal.Outcome)

	// Both parties accept and the proposal becomes the resolution.
	_, err = f.disputes.AcceptProposal(ctx, d.ID, ledger.PartyHomeowner)
	require.NoError(t, err)
	_, err = f.disputes.AcceptProposal(ctx, d.ID, ledger.PartyContractor)
	require.NoError(t, err)

	cur, err = f.store.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeResolved, cur.Status)
}

func TestSweepAssignsMediators(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.pendingMilestone(t)
	d, err := f.disputes.Open(ctx, m.ID, ledger.PartyHomeowner, "tile work incomplete")
	require.NoError(t, err)
	mc, err := f.disputes.Escalate(ctx, d.ID, "direct resolution failed")
	require.NoError(t, err)
	require.Empty(t, mc.MediatorRef)

	require.NoError(t, f.sweeper.SweepOnce(ctx))

	assigned, err := f.store.GetMediationCase(ctx, mc.ID)
	require.NoError(t, err)
	assert.Equal(t, "med-1", assigned.MediatorRef)
	assert.Equal(t, ledger.MediationInReview, assigned.Status)
}

func TestSweepEscalatesStalledDisputes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.pendingMilestone(t)
	d, err := f.disputes.Open(ctx, m.ID, ledger.PartyHomeowner, "tile work incomplete")
	require.NoError(t, err)

	// Age the dispute past the inactivity timeout.
	require.NoError(t, f.store.Within(ctx, m.ID, func(tx ledger.Tx) error {
		cur, err := tx.GetDispute(ctx, d.ID)
		if err != nil {
			return err
		}
		cur.LastActivityAt = time.Now().UTC().Add(-100 * time.Hour)
		return tx.UpdateDispute(ctx, cur)
	}))

	require.NoError(t, f.sweeper.SweepOnce(ctx))

	cur, err := f.store.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeMediation, cur.Status)
}

func TestSweepRetriesPendingPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.pendingMilestone(t)

	// The approval's payout fails transiently, leaving a pending payment.
	f.provider.FailRelease = 1
	_, err := f.milestones.Approve(ctx, m.ID, "ho-1")
	require.NoError(t, err)

	payments, err := f.store.ListPaymentsByMilestone(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	require.Equal(t, ledger.PaymentPending, payments[0].Status)

	require.NoError(t, f.sweeper.SweepOnce(ctx))

	payments, err = f.store.ListPaymentsByMilestone(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentCompleted, payments[0].Status)

	cur, err := f.store.GetMilestone(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneCompleted, cur.Status)
}
