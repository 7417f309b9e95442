package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "escrow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreMilestoneRoundTrip(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	m := newTestMilestone("m-1")
	deadline := time.Now().UTC().Add(72 * time.Hour).Truncate(time.Second)
	m.VerificationDeadline = &deadline

	require.NoError(t, store.Within(ctx, "m-1", func(tx Tx) error {
		return tx.InsertMilestone(ctx, m)
	}))

	got, err := store.GetMilestone(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, m.ProjectID, got.ProjectID)
	assert.True(t, got.Amount.Equal(m.Amount))
	require.NotNil(t, got.VerificationDeadline)
	assert.True(t, got.VerificationDeadline.Equal(deadline))

	_, err = store.GetMilestone(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStoreRollsBackOnError(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.Within(ctx, "m-1", func(tx Tx) error {
		if err := tx.InsertMilestone(ctx, newTestMilestone("m-1")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetMilestone(ctx, "m-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStoreResolutionWriteOnce(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Within(ctx, "m-1", func(tx Tx) error {
		return tx.InsertMilestone(ctx, newTestMilestone("m-1"))
	}))

	res := &Resolution{
		ID:              "r-1",
		MilestoneID:     "m-1",
		Outcome:         OutcomeFullRelease,
		ContractorShare: decimal.RequireFromString("1000.00"),
		HomeownerShare:  decimal.Zero,
		DecidedBy:       DecidedAuto,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, store.Within(ctx, "m-1", func(tx Tx) error {
		return tx.InsertResolution(ctx, res)
	}))

	err := store.Within(ctx, "m-1", func(tx Tx) error {
		second := *res
		second.ID = "r-2"
		return tx.InsertResolution(ctx, &second)
	})
	assert.ErrorIs(t, err, ErrDuplicateResolution)
}

func TestSQLiteStoreIdempotencyKeys(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Within(ctx, "m-1", func(tx Tx) error {
		return tx.InsertIdempotencyKey(ctx, "release:abc")
	}))

	err := store.Within(ctx, "m-1", func(tx Tx) error {
		return tx.InsertIdempotencyKey(ctx, "release:abc")
	})
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)

	require.NoError(t, store.Within(ctx, "m-1", func(tx Tx) error {
		ok, err := tx.HasIdempotencyKey(ctx, "release:abc")
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	}))
}

func TestSQLiteStoreDisputeEvidence(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.Within(ctx, "m-1", func(tx Tx) error {
		if err := tx.InsertMilestone(ctx, newTestMilestone("m-1")); err != nil {
			return err
		}
		return tx.InsertDispute(ctx, &Dispute{
			ID:               "d-1",
			MilestoneID:      "m-1",
			OpenedBy:         PartyHomeowner,
			Reason:           "tile work incomplete",
			Status:           DisputeEvidenceCollection,
			OpenedAt:         now,
			EvidenceDeadline: now.Add(72 * time.Hour),
			LastActivityAt:   now,
			UpdatedAt:        now,
		})
	}))

	require.NoError(t, store.Within(ctx, "m-1", func(tx Tx) error {
		d, err := tx.GetDispute(ctx, "d-1")
		if err != nil {
			return err
		}
		d.Evidence = append(d.Evidence, Evidence{Ref: "photo-17", SubmittedBy: PartyHomeowner, SubmittedAt: now})
		return tx.UpdateDispute(ctx, d)
	}))

	d, err := store.GetDispute(ctx, "d-1")
	require.NoError(t, err)
	require.Len(t, d.Evidence, 1)
	assert.Equal(t, "photo-17", d.Evidence[0].Ref)

	require.NoError(t, store.Within(ctx, "m-1", func(tx Tx) error {
		byMilestone, err := tx.GetDisputeByMilestone(ctx, "m-1")
		if err != nil {
			return err
		}
		assert.Equal(t, "d-1", byMilestone.ID)
		return nil
	}))

	// A pending proposal survives the round trip and can be cleared again.
	require.NoError(t, store.Within(ctx, "m-1", func(tx Tx) error {
		d, err := tx.GetDispute(ctx, "d-1")
		if err != nil {
			return err
		}
		d.Proposal = &Proposal{
			Outcome:         OutcomeFullRefund,
			ContractorShare: decimal.Zero,
			HomeownerShare:  decimal.RequireFromString("1000.00"),
			Rationale:       "only the homeowner substantiated their position",
			ProposedAt:      now,
			AcceptedBy:      []Party{PartyHomeowner},
		}
		return tx.UpdateDispute(ctx, d)
	}))

	d, err = store.GetDispute(ctx, "d-1")
	require.NoError(t, err)
	require.NotNil(t, d.Proposal)
	assert.True(t, d.Proposal.HomeownerShare.Equal(decimal.RequireFromString("1000.00")))
	assert.True(t, d.Proposal.Accepted(PartyHomeowner))
	assert.False(t, d.Proposal.Accepted(PartyContractor))

	require.NoError(t, store.Within(ctx, "m-1", func(tx Tx) error {
		d, err := tx.GetDispute(ctx, "d-1")
		if err != nil {
			return err
		}
		d.Proposal = nil
		return tx.UpdateDispute(ctx, d)
	}))
	d, err = store.GetDispute(ctx, "d-1")
	require.NoError(t, err)
	assert.Nil(t, d.Proposal)
}

func TestSQLiteStoreOutbox(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Within(ctx, "m-1", func(tx Tx) error {
		return tx.AppendOutbox(ctx, "milestone.funded", []byte(`{"milestone_id":"m-1"}`))
	}))

	msgs, err := store.UnpublishedOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "milestone.funded", msgs[0].Topic)

	require.NoError(t, store.MarkOutboxPublished(ctx, msgs[0].ID))

	msgs, err = store.UnpublishedOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSQLiteStoreTransitionHistoryOrdered(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Within(ctx, "m-1", func(tx Tx) error {
		first := &Transition{ID: "t-1", EntityKind: KindMilestone, EntityID: "m-1", ToState: "draft", Actor: "system", CreatedAt: time.Now().UTC()}
		ChainTransition(first, nil)
		if err := tx.AppendTransition(ctx, first); err != nil {
			return err
		}
		second := &Transition{ID: "t-2", EntityKind: KindMilestone, EntityID: "m-1", FromState: "draft", ToState: "funded", Actor: "system", CreatedAt: time.Now().UTC()}
		ChainTransition(second, first)
		return tx.AppendTransition(ctx, second)
	}))

	history, err := store.TransitionHistory(ctx, KindMilestone, "m-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "t-1", history[0].ID)
	assert.Equal(t, "t-2", history[1].ID)
}
