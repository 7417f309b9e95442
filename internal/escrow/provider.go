// Package escrow manages fund holds against the external payment provider:
// creating them when a milestone is funded, freezing them under dispute, and
// releasing them when a resolution determines the split.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Provider errors, mapped from whatever the custody provider returns.
var (
	// ErrInsufficientFunds means the payer's funding source cannot cover the
	// hold. Permanent for this attempt; surfaced to the homeowner.
	ErrInsufficientFunds = errors.New("escrow: insufficient funds")

	// ErrPayerMethodInvalid means the funding source itself is unusable.
	ErrPayerMethodInvalid = errors.New("escrow: payer funding method invalid")

	// ErrProviderUnavailable is transient and safe to retry with backoff.
	ErrProviderUnavailable = errors.New("escrow: provider unavailable")

	// ErrHoldNotActive is returned when an operation requires an active hold.
	ErrHoldNotActive = errors.New("escrow: hold not active")

	// ErrOverRelease is an invariant violation: a release was attempted for
	// more than the remaining held amount. Never retried, always surfaced.
	ErrOverRelease = errors.New("escrow: release exceeds remaining held amount")

	// ErrOutcomeUnknown means a provider call timed out with an unknown
	// result. The caller must re-query provider state before retrying.
	ErrOutcomeUnknown = errors.New("escrow: provider call outcome unknown")
)

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}

// Distribution is one leg of a release: an amount destined for one payee.
type Distribution struct {
	PayeeRef string
	Amount   decimal.Decimal
	Refund   bool
}

// ProviderHold is the provider's authoritative view of one hold.
type ProviderHold struct {
	Ref      string
	Amount   decimal.Decimal
	Released decimal.Decimal
	Active   bool
}

// Provider is the custody collaborator. All operations are idempotent when
// given the same key, which is how retries after timeouts stay safe.
type Provider interface {
	// Hold reserves amount against the payer's funding source.
	Hold(ctx context.Context, key, payerRef string, amount decimal.Decimal, currency string) (*ProviderHold, error)

	// Release moves parts of a hold to one or more payees in one call.
	Release(ctx context.Context, key, holdRef string, distributions []Distribution) error

	// Refund returns part of a hold to the payer.
	Refund(ctx context.Context, key, holdRef string, amount decimal.Decimal) error

	// GetHold returns the provider's current view of a hold.
	GetHold(ctx context.Context, holdRef string) (*ProviderHold, error)
}

// SandboxProvider is an in-memory Provider for development and tests. It
// honors idempotency keys the way a real provider does.
type SandboxProvider struct {
	mu          sync.Mutex
	holds       map[string]*ProviderHold
	holdKeys    map[string]string // idempotency key -> hold ref
	releaseKeys map[string]bool
	seq         int

	// FailHold, FailRelease inject transient failures for the next n calls.
	FailHold    int
	FailRelease int
}

// NewSandboxProvider creates an empty sandbox provider.
func NewSandboxProvider() *SandboxProvider {
	return &SandboxProvider{
		holds:       make(map[string]*ProviderHold),
		holdKeys:    make(map[string]string),
		releaseKeys: make(map[string]bool),
	}
}

func (p *SandboxProvider) Hold(ctx context.Context, key, payerRef string, amount decimal.Decimal, currency string) (*ProviderHold, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailHold > 0 {
		p.FailHold--
		return nil, ErrProviderUnavailable
	}
	if ref, ok := p.holdKeys[key]; ok {
		return copyProviderHold(p.holds[ref]), nil
	}

	p.seq++
	ref := fmt.Sprintf("sandbox-hold-%d", p.seq)
	h := &ProviderHold{
		Ref:      ref,
		Amount:   amount,
		Released: decimal.Zero,
		Active:   true,
	}
	p.holds[ref] = h
	p.holdKeys[key] = ref
	return copyProviderHold(h), nil
}

func (p *SandboxProvider) Release(ctx context.Context, key, holdRef string, distributions []Distribution) error {
	total := decimal.Zero
	for _, d := range distributions {
		total = total.Add(d.Amount)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releaseLocked(key, holdRef, total)
}

func (p *SandboxProvider) Refund(ctx context.Context, key, holdRef string, amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releaseLocked(key, holdRef, amount)
}

func (p *SandboxProvider) releaseLocked(key, holdRef string, total decimal.Decimal) error {
	if p.FailRelease > 0 {
		p.FailRelease--
		return ErrProviderUnavailable
	}
	if p.releaseKeys[key] {
		return nil
	}
	h, ok := p.holds[holdRef]
	if !ok {
		return ErrHoldNotActive
	}
	if total.GreaterThan(h.Amount.Sub(h.Released)) {
		return ErrOverRelease
	}

	h.Released = h.Released.Add(total)
	if h.Released.Equal(h.Amount) {
		h.Active = false
	}
	p.releaseKeys[key] = true
	return nil
}

func (p *SandboxProvider) GetHold(ctx context.Context, holdRef string) (*ProviderHold, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.holds[holdRef]
	if !ok {
		return nil, ErrHoldNotActive
	}
	return copyProviderHold(h), nil
}

func copyProviderHold(h *ProviderHold) *ProviderHold {
	dup := *h
	return &dup
}
