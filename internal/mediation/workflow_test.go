package mediation_test

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
)

type fixture struct {
	store     ledger.Store
	workflow  *mediation.Workflow
	assigner  *mediation.RoundRobinAssigner
	caseID    string
	milestone *ledger.Milestone
}

// newEscalatedCase builds a milestone whose dispute has already been
// escalated to mediation, awaiting a mediator.
func newEscalatedCase(t *testing.T, mediators ...string) *fixture {
	t.Helper()
	ctx := context.Background()
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

	m, err := milestones.Create(ctx, milestone.CreateMilestoneRequest{
		ProjectID: "proj-1", Sequence: 1,
		Amount: decimal.RequireFromString("1000.00"), CurrencyCode: "USD",
		HomeownerRef: "ho-1", ContractorRef: "co-1",
		DueDate: time.Now().UTC().Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	_, err = milestones.Fund(ctx, m.ID)
	require.NoError(t, err)
	_, err = milestones.MarkComplete(ctx, m.ID, "co-1")
	require.NoError(t, err)
	d, err := disputes.Open(ctx, m.ID, ledger.PartyHomeowner, "workmanship below contract spec")
	require.NoError(t, err)
	mc, err := disputes.Escalate(ctx, d.ID, "direct resolution failed")
	require.NoError(t, err)

	assigner := &mediation.RoundRobinAssigner{Mediators: mediators}
	return &fixture{
		store:     store,
		workflow:  mediation.NewWorkflow(store, distributor, assigner, nil),
		assigner:  assigner,
		caseID:    mc.ID,
		milestone: m,
	}
}

func TestAssignMediatorBlockedWithoutRoster(t *testing.T) {
	f := newEscalatedCase(t)
	_, err := f.workflow.AssignMediator(context.Background(), f.caseID)
	assert.ErrorIs(t, err, mediation.ErrNoMediator)

	// The case stays queued for the next assignment pass.
	ids, err := f.store.UnassignedMediationCases(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{f.caseID}, ids)
}

func TestAssignMediatorMovesCaseToReview(t *testing.T) {
	f := newEscalatedCase(t, "med-1")
	ctx := context.Background()

	mc, err := f.workflow.AssignMediator(ctx, f.caseID)
	require.NoError(t, err)
	assert.Equal(t, "med-1", mc.MediatorRef)
	assert.Equal(t, ledger.MediationInReview, mc.Status)

	// Assigning again is a no-op.
	again, err := f.workflow.AssignMediator(ctx, f.caseID)
	require.NoError(t, err)
	assert.Equal(t, "med-1", again.MediatorRef)

	ids, err := f.store.UnassignedMediationCases(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDecideSplitsFundsAndResolvesDispute(t *testing.T) {
	f := newEscalatedCase(t, "med-1")
	ctx := context.Background()
	_, err := f.workflow.AssignMediator(ctx, f.caseID)
	require.NoError(t, err)

	res, err := f.workflow.Decide(ctx, f.caseID, "med-1",
		decimal.RequireFromString("600.00"), decimal.RequireFromString("400.00"),
		"work substantially complete, finish defects documented")
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomePartialRelease, res.Outcome)
	assert.Equal(t, ledger.DecidedMediation, res.DecidedBy)

	payments, err := f.store.ListPaymentsByMilestone(ctx, f.milestone.ID)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	var contractorAmount, homeownerAmount decimal.Decimal
	for _, p := range payments {
		assert.Equal(t, ledger.PaymentCompleted, p.Status)
		switch p.Direction {
		case ledger.DirectionPayout:
			contractorAmount = p.Amount
		case ledger.DirectionRefund:
			homeownerAmount = p.Amount
		}
	}
	assert.True(t, contractorAmount.Equal(decimal.RequireFromString("600.00")))
	assert.True(t, homeownerAmount.Equal(decimal.RequireFromString("400.00")))

	m, err := f.store.GetMilestone(ctx, f.milestone.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneCompleted, m.Status)

	d, err := f.store.GetDispute(ctx, res.DisputeID)
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeResolved, d.Status)

	hold, err := f.store.GetHoldByMilestone(ctx, f.milestone.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.HoldFullyReleased, hold.State)
	assert.False(t, hold.Frozen)
}

func TestDecideRejectsWrongMediator(t *testing.T) {
	f := newEscalatedCase(t, "med-1")
	ctx := context.Background()
	_, err := f.workflow.AssignMediator(ctx, f.caseID)
	require.NoError(t, err)

	_, err = f.workflow.Decide(ctx, f.caseID, "med-2",
		decimal.RequireFromString("600.00"), decimal.RequireFromString("400.00"), "")
	assert.ErrorIs(t, err, mediation.ErrWrongMediator)
}

func TestDecideRejectsSplitNotCoveringHold(t *testing.T) {
	f := newEscalatedCase(t, "med-1")
	ctx := context.Background()
	_, err := f.workflow.AssignMediator(ctx, f.caseID)
	require.NoError(t, err)

	_, err = f.workflow.Decide(ctx, f.caseID, "med-1",
		decimal.RequireFromString("600.00"), decimal.RequireFromString("500.00"), "")
	assert.ErrorIs(t, err, ledger.ErrInvalidResolution)
}

func TestDecideTwiceReturnsExistingResolution(t *testing.T) {
	f := newEscalatedCase(t, "med-1")
	ctx := context.Background()
	_, err := f.workflow.AssignMediator(ctx, f.caseID)
	require.NoError(t, err)

	first, err := f.workflow.Decide(ctx, f.caseID, "med-1",
		decimal.RequireFromString("600.00"), decimal.RequireFromString("400.00"), "initial decision")
	require.NoError(t, err)

	second, err := f.workflow.Decide(ctx, f.caseID, "med-1",
		decimal.RequireFromString("1000.00"), decimal.Zero, "attempted revision")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.ContractorShare.Equal(decimal.RequireFromString("600.00")))
}

func TestRoundRobinAssignerCycles(t *testing.T) {
	assigner := &mediation.RoundRobinAssigner{Mediators: []string{"med-1", "med-2"}}
	a, err := assigner.Assign(context.Background(), nil)
	require.NoError(t, err)
	b, err := assigner.Assign(context.Background(), nil)
	require.NoError(t, err)
	c, err := assigner.Assign(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "med-1", a)
	assert.Equal(t, "med-2", b)
	assert.Equal(t, "med-1", c)
}
