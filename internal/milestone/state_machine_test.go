package milestone

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/escrowd/internal/ledger"
)

func TestAllowedTransitions(t *testing.T) {
	cases := []struct {
		from, to ledger.MilestoneStatus
		ok       bool
	}{
		{ledger.MilestoneDraft, ledger.MilestoneFunded, true},
		{ledger.MilestoneDraft, ledger.MilestoneCancelled, true},
		{ledger.MilestoneDraft, ledger.MilestoneVerified, false},
		{ledger.MilestoneFunded, ledger.MilestonePendingVerification, true},
		{ledger.MilestoneFunded, ledger.MilestoneCancelled, false},
		{ledger.MilestonePendingVerification, ledger.MilestoneVerified, true},
		{ledger.MilestonePendingVerification, ledger.MilestoneDisputed, true},
		{ledger.MilestonePendingVerification, ledger.MilestoneCompleted, false},
		{ledger.MilestoneVerified, ledger.MilestoneCompleted, true},
		{ledger.MilestoneVerified, ledger.MilestonePayoutFailed, true},
		{ledger.MilestoneDisputed, ledger.MilestoneMediation, true},
		{ledger.MilestoneDisputed, ledger.MilestoneCompleted, true},
		{ledger.MilestoneMediation, ledger.MilestoneCompleted, true},
		{ledger.MilestonePayoutFailed, ledger.MilestoneCompleted, true},
		{ledger.MilestoneCompleted, ledger.MilestoneDisputed, false},
		{ledger.MilestoneCancelled, ledger.MilestoneFunded, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, IsValidTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(ledger.MilestoneCompleted))
	assert.True(t, IsTerminal(ledger.MilestoneCancelled))
	assert.False(t, IsTerminal(ledger.MilestoneDisputed))
	assert.False(t, IsTerminal(ledger.MilestonePayoutFailed))
}
