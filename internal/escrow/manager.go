package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/escrowd/internal/ledger"
)

// Manager wraps the custody provider behind the ledger: intent is recorded
// durably before any provider call, and provider-side mutations only ever
// happen through idempotent calls. Operations against the same hold are
// serialized in-process on top of the store's transaction ordering.
type Manager struct {
	store    ledger.Store
	provider Provider
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates an escrow hold manager.
func NewManager(store ledger.Store, provider Provider, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		provider: provider,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *Manager) holdLock(milestoneID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[milestoneID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[milestoneID] = l
	}
	return l
}

// CreateHold reserves funds for a milestone. Idempotent by milestone ID:
// calling twice returns the existing hold and never double-charges. The
// hold row is written in `requested` state before the provider is called,
// so a crash mid-call leaves a record the sweeper can reconcile.
func (m *Manager) CreateHold(ctx context.Context, milestoneID string, amount decimal.Decimal, payerRef, currency string) (*ledger.EscrowHold, error) {
	lock := m.holdLock(milestoneID)
	lock.Lock()
	defer lock.Unlock()

	var hold *ledger.EscrowHold
	err := m.store.Within(ctx, milestoneID, func(tx ledger.Tx) error {
		existing, err := tx.GetHoldByMilestone(ctx, milestoneID)
		if err == nil {
			hold = existing
			return nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}

		now := time.Now().UTC()
		hold = &ledger.EscrowHold{
			ID:             uuid.NewString(),
			MilestoneID:    milestoneID,
			Amount:         amount,
			ReleasedAmount: decimal.Zero,
			State:          ledger.HoldRequested,
			PayerRef:       payerRef,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return tx.InsertHold(ctx, hold)
	})
	if err != nil {
		return nil, fmt.Errorf("record hold intent: %w", err)
	}

	switch hold.State {
	case ledger.HoldActive, ledger.HoldPartiallyReleased, ledger.HoldFullyReleased:
		return hold, nil
	case ledger.HoldFailed:
		// A previous attempt failed permanently; retry from scratch with the
		// same idempotency key, the provider de-duplicates.
	}

	providerHold, err := m.provider.Hold(ctx, "hold:"+milestoneID, hold.PayerRef, hold.Amount, currency)
	if err != nil {
		m.recordHoldOutcome(ctx, milestoneID, hold.ID, ledger.HoldFailed, "")
		return nil, err
	}

	if err := m.recordHoldOutcome(ctx, milestoneID, hold.ID, ledger.HoldActive, providerHold.Ref); err != nil {
		return nil, err
	}
	hold.State = ledger.HoldActive
	hold.ProviderRef = providerHold.Ref
	return hold, nil
}

func (m *Manager) recordHoldOutcome(ctx context.Context, milestoneID, holdID string, state ledger.HoldState, providerRef string) error {
	err := m.store.Within(ctx, milestoneID, func(tx ledger.Tx) error {
		h, err := tx.GetHoldByMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		if h.ID != holdID {
			return ledger.ErrStaleEntity
		}
		h.State = state
		if providerRef != "" {
			h.ProviderRef = providerRef
		}
		h.UpdatedAt = time.Now().UTC()
		return tx.UpdateHold(ctx, h)
	})
	if err != nil {
		return fmt.Errorf("record hold outcome: %w", err)
	}
	return nil
}

// FreezeInTx marks a milestone's hold as subject to dispute, inside the
// caller's transaction so the freeze lands before the dispute row becomes
// visible. No-op if already frozen.
func (m *Manager) FreezeInTx(ctx context.Context, tx ledger.Tx, milestoneID string) error {
	h, err := tx.GetHoldByMilestone(ctx, milestoneID)
	if err != nil {
		return err
	}
	if h.Frozen {
		return nil
	}
	if h.State != ledger.HoldActive && h.State != ledger.HoldPartiallyReleased {
		return ErrHoldNotActive
	}
	h.Frozen = true
	h.UpdatedAt = time.Now().UTC()
	return tx.UpdateHold(ctx, h)
}

// Release executes a partial or full release of a milestone's hold across
// one or more payees. At most once per idempotency key; safe to call
// concurrently for the same hold. The released amount may never exceed
// what remains held.
func (m *Manager) Release(ctx context.Context, milestoneID, idempotencyKey string, distributions []Distribution) (*ledger.EscrowHold, error) {
	lock := m.holdLock(milestoneID)
	lock.Lock()
	defer lock.Unlock()

	total := decimal.Zero
	for _, d := range distributions {
		if !d.Amount.IsPositive() {
			return nil, fmt.Errorf("escrow: distribution amount must be positive")
		}
		total = total.Add(d.Amount)
	}

	var hold *ledger.EscrowHold
	alreadyApplied := false
	err := m.store.Within(ctx, milestoneID, func(tx ledger.Tx) error {
		applied, err := tx.HasIdempotencyKey(ctx, "release:"+idempotencyKey)
		if err != nil {
			return err
		}
		h, err := tx.GetHoldByMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		hold = h
		if applied {
			alreadyApplied = true
			return nil
		}
		if h.State != ledger.HoldActive && h.State != ledger.HoldPartiallyReleased {
			return ErrHoldNotActive
		}
		if total.GreaterThan(h.Remaining()) {
			return ErrOverRelease
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if alreadyApplied {
		return hold, nil
	}

	if err := m.callRelease(ctx, hold, idempotencyKey, distributions); err != nil {
		return nil, err
	}

	// The key is recorded in the same transaction that applies the release
	// to the hold: a crash between provider call and this commit is repaired
	// by retrying with the same key, which the provider de-duplicates.
	err = m.store.Within(ctx, milestoneID, func(tx ledger.Tx) error {
		if err := tx.InsertIdempotencyKey(ctx, "release:"+idempotencyKey); err != nil {
			return err
		}
		h, err := tx.GetHoldByMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		h.ReleasedAmount = h.ReleasedAmount.Add(total)
		if h.ReleasedAmount.Equal(h.Amount) {
			h.State = ledger.HoldFullyReleased
			h.Frozen = false
		} else {
			h.State = ledger.HoldPartiallyReleased
		}
		h.UpdatedAt = time.Now().UTC()
		hold = h
		return tx.UpdateHold(ctx, h)
	})
	if err != nil {
		return nil, fmt.Errorf("record release: %w", err)
	}
	return hold, nil
}

// callRelease performs the provider-side release, routing refund legs to
// the provider's refund primitive. On an unknown outcome it re-queries the
// provider instead of blindly resubmitting.
func (m *Manager) callRelease(ctx context.Context, hold *ledger.EscrowHold, key string, distributions []Distribution) error {
	var payouts []Distribution
	payoutTotal := decimal.Zero
	refund := decimal.Zero
	for _, d := range distributions {
		if d.Refund {
			refund = refund.Add(d.Amount)
			continue
		}
		payouts = append(payouts, d)
		payoutTotal = payoutTotal.Add(d.Amount)
	}

	// confirmed tracks what the provider must report after each leg lands:
	// the ledger's figure plus every leg already confirmed in this call. An
	// earlier leg landing must not vouch for a later one.
	confirmed := hold.ReleasedAmount
	if len(payouts) > 0 {
		if err := m.provider.Release(ctx, key+":payout", hold.ProviderRef, payouts); err != nil {
			if recovered := m.resolveUnknownOutcome(ctx, hold, confirmed.Add(payoutTotal), err); !recovered {
				return err
			}
		}
		confirmed = confirmed.Add(payoutTotal)
	}
	if refund.IsPositive() {
		if err := m.provider.Refund(ctx, key+":refund", hold.ProviderRef, refund); err != nil {
			if recovered := m.resolveUnknownOutcome(ctx, hold, confirmed.Add(refund), err); !recovered {
				return err
			}
		}
	}
	return nil
}

// resolveUnknownOutcome decides whether a timed-out release leg actually
// landed. wantReleased is the total the provider would report if it did.
func (m *Manager) resolveUnknownOutcome(ctx context.Context, hold *ledger.EscrowHold, wantReleased decimal.Decimal, callErr error) bool {
	if !errors.Is(callErr, ErrOutcomeUnknown) {
		return false
	}
	providerHold, err := m.provider.GetHold(ctx, hold.ProviderRef)
	if err != nil {
		m.logger.Warn("release outcome unknown and provider re-query failed",
			"hold_id", hold.ID, "provider_ref", hold.ProviderRef, "error", err)
		return false
	}
	applied := providerHold.Released.GreaterThanOrEqual(wantReleased)
	m.logger.Info("resolved unknown release outcome from provider state",
		"hold_id", hold.ID, "applied", applied)
	return applied
}

// ProviderState returns the provider's authoritative view of a milestone's
// hold, for reconciliation.
func (m *Manager) ProviderState(ctx context.Context, milestoneID string) (*ledger.EscrowHold, *ProviderHold, error) {
	hold, err := m.store.GetHoldByMilestone(ctx, milestoneID)
	if err != nil {
		return nil, nil, err
	}
	if hold.ProviderRef == "" {
		return hold, nil, nil
	}
	providerHold, err := m.provider.GetHold(ctx, hold.ProviderRef)
	if err != nil {
		return hold, nil, err
	}
	return hold, providerHold, nil
}
