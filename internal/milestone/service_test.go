package milestone_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/escrowd/internal/escrow"
	"github.com/example/escrowd/internal/ledger"
	"github.com/example/escrowd/internal/milestone"
	"github.com/example/escrowd/internal/payout"
)

func newFixture(t *testing.T) (*milestone.Service, *escrow.SandboxProvider, ledger.Store) {
	t.Helper()
	store := ledger.NewMemoryStore()
	provider := escrow.NewSandboxProvider()
	mgr := escrow.NewManager(store, provider, nil)
	distributor := payout.NewDistributor(store, mgr, nil)
	svc := milestone.NewService(store, mgr, distributor, milestone.Policy{
		VerificationDeadline: 72 * time.Hour,
		DisputeWindow:        120 * time.Hour,
		FundingAttempts:      3,
		FundingBackoffBase:   time.Millisecond,
	}, nil)
	return svc, provider, store
}

func createDraft(t *testing.T, svc *milestone.Service) *ledger.Milestone {
	t.Helper()
	m, err := svc.Create(context.Background(), milestone.CreateMilestoneRequest{
		ProjectID:     "proj-1",
		Sequence:      1,
		Amount:        decimal.RequireFromString("1000.00"),
		CurrencyCode:  "USD",
		HomeownerRef:  "ho-1",
		ContractorRef: "co-1",
		DueDate:       time.Now().UTC().Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	return m
}

func TestCreateValidatesInput(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, milestone.CreateMilestoneRequest{
		ProjectID: "proj-1", Amount: decimal.Zero, CurrencyCode: "USD",
		HomeownerRef: "ho-1", ContractorRef: "co-1",
	})
	assert.Error(t, err)

	_, err = svc.Create(ctx, milestone.CreateMilestoneRequest{
		ProjectID: "proj-1", Amount: decimal.RequireFromString("10"), CurrencyCode: "US",
		HomeownerRef: "ho-1", ContractorRef: "co-1",
	})
	assert.Error(t, err)
}

func TestCreateJournalsGenesis(t *testing.T) {
	svc, _, store := newFixture(t)
	m := createDraft(t, svc)

	history, err := store.TransitionHistory(context.Background(), ledger.KindMilestone, m.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ledger.GenesisHash(), history[0].PrevHash)
	assert.Equal(t, string(ledger.MilestoneDraft), history[0].ToState)
	require.NoError(t, ledger.VerifyChain(history))
}

func TestFundMovesDraftToFunded(t *testing.T) {
	svc, _, store := newFixture(t)
	ctx := context.Background()
	m := createDraft(t, svc)

	funded, err := svc.Fund(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneFunded, funded.Status)

	hold, err := store.GetHoldByMilestone(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.HoldActive, hold.State)
	assert.True(t, hold.Amount.Equal(m.Amount))

	// Funding again is a no-op.
	again, err := svc.Fund(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneFunded, again.Status)
}

func TestFundRetriesTransientProviderFailures(t *testing.T) {
	svc, provider, _ := newFixture(t)
	ctx := context.Background()
	m := createDraft(t, svc)

	provider.FailHold = 2
	funded, err := svc.Fund(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneFunded, funded.Status)
}

func TestFundExhaustedRetriesLeavesDraftWithReason(t *testing.T) {
	svc, provider, store := newFixture(t)
	ctx := context.Background()
	m := createDraft(t, svc)

	provider.FailHold = 10
	_, err := svc.Fund(ctx, m.ID)
	var failed *milestone.FundingFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "provider_unavailable", failed.Code)

	cur, err := store.GetMilestone(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneDraft, cur.Status)
	assert.Equal(t, "provider_unavailable", cur.FailureCode)

	// Funding can be retried once the provider recovers.
	provider.FailHold = 0
	funded, err := svc.Fund(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneFunded, funded.Status)
	assert.Empty(t, funded.FailureCode)
}

func TestMarkCompleteStartsDeadlines(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()
	m := createDraft(t, svc)
	_, err := svc.Fund(ctx, m.ID)
	require.NoError(t, err)

	pending, err := svc.MarkComplete(ctx, m.ID, "co-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestonePendingVerification, pending.Status)
	require.NotNil(t, pending.VerificationDeadline)
	require.NotNil(t, pending.DisputeWindowEnds)
	assert.True(t, pending.DisputeWindowEnds.After(*pending.VerificationDeadline))
}

func TestApproveReleasesFullAmountToContractor(t *testing.T) {
	svc, _, store := newFixture(t)
	ctx := context.Background()
	m := createDraft(t, svc)
	_, err := svc.Fund(ctx, m.ID)
	require.NoError(t, err)
	_, err = svc.MarkComplete(ctx, m.ID, "co-1")
	require.NoError(t, err)

	done, err := svc.Approve(ctx, m.ID, "ho-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneCompleted, done.Status)

	res, err := store.GetResolutionByMilestone(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeFullRelease, res.Outcome)
	assert.Equal(t, ledger.DecidedNegotiation, res.DecidedBy)
	assert.True(t, res.ContractorShare.Equal(m.Amount))

	payments, err := store.ListPaymentsByMilestone(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, "co-1", payments[0].PayeeRef)
	assert.Equal(t, ledger.PaymentCompleted, payments[0].Status)
	assert.True(t, payments[0].Amount.Equal(m.Amount))

	hold, err := store.GetHoldByMilestone(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.HoldFullyReleased, hold.State)

	history, err := store.TransitionHistory(ctx, ledger.KindMilestone, m.ID)
	require.NoError(t, err)
	require.NoError(t, ledger.VerifyChain(history))
	last := history[len(history)-1]
	assert.Equal(t, string(ledger.MilestoneCompleted), last.ToState)
}

func TestAutoApproveRequiresElapsedDeadline(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()
	m := createDraft(t, svc)
	_, err := svc.Fund(ctx, m.ID)
	require.NoError(t, err)
	_, err = svc.MarkComplete(ctx, m.ID, "co-1")
	require.NoError(t, err)

	_, err = svc.AutoApprove(ctx, m.ID)
	assert.Error(t, err, "deadline has not elapsed yet")
}

func TestAutoApproveAfterDeadline(t *testing.T) {
	svc, _, store := newFixture(t)
	ctx := context.Background()
	m := createDraft(t, svc)
	_, err := svc.Fund(ctx, m.ID)
	require.NoError(t, err)
	_, err = svc.MarkComplete(ctx, m.ID, "co-1")
	require.NoError(t, err)

	// Push the deadline into the past.
	require.NoError(t, store.Within(ctx, m.ID, func(tx ledger.Tx) error {
		cur, err := tx.GetMilestone(ctx, m.ID)
		if err != nil {
			return err
		}
		past := time.Now().UTC().Add(-time.Minute)
		cur.VerificationDeadline = &past
		return tx.UpdateMilestone(ctx, cur)
	}))

	done, err := svc.AutoApprove(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneCompleted, done.Status)

	res, err := store.GetResolutionByMilestone(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.DecidedAuto, res.DecidedBy)
}

func TestCancelOnlyFromDraft(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()
	m := createDraft(t, svc)

	cancelled, err := svc.Cancel(ctx, m.ID, "homeowner withdrew", "ho-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneCancelled, cancelled.Status)

	m2 := createDraft(t, svc)
	_, err = svc.Fund(ctx, m2.ID)
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, m2.ID, "too late", "ho-1")
	var invalid *milestone.InvalidTransitionError
	assert.True(t, errors.As(err, &invalid))
}

func TestFundRejectsNonDraft(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()
	m := createDraft(t, svc)
	_, err := svc.Cancel(ctx, m.ID, "withdrawn", "ho-1")
	require.NoError(t, err)

	_, err = svc.Fund(ctx, m.ID)
	var invalid *milestone.InvalidTransitionError
	assert.True(t, errors.As(err, &invalid))
}
