package dispute

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/example/escrowd/internal/ledger"
)

// ErrUnresolvable means the rules engine cannot pick a side and the
// dispute must go to a human mediator.
var ErrUnresolvable = errors.New("dispute: evidence is conflicting")

// Proposal is an automatic split suggested by a rules engine.
type Proposal struct {
	Outcome         ledger.Outcome
	ContractorShare decimal.Decimal
	HomeownerShare  decimal.Decimal
	Rationale       string
}

// RulesEngine evaluates a dispute once the evidence window closes.
// Implementations return ErrUnresolvable to force mediation.
type RulesEngine interface {
	Evaluate(ctx context.Context, m *ledger.Milestone, d *ledger.Dispute, heldAmount decimal.Decimal) (*Proposal, error)
}

// StandardRules is the default engine. It only decides the clear-cut
// cases: when exactly one party backed their position with evidence,
// that party wins the full amount. Anything else is conflicting and
// goes to mediation.
type StandardRules struct{}

func (StandardRules) Evaluate(_ context.Context, _ *ledger.Milestone, d *ledger.Dispute, heldAmount decimal.Decimal) (*Proposal, error) {
	var fromContractor, fromHomeowner int
	for _, ev := range d.Evidence {
		switch ev.SubmittedBy {
		case ledger.PartyContractor:
			fromContractor++
		case ledger.PartyHomeowner:
			fromHomeowner++
		}
	}
	switch {
	case fromContractor > 0 && fromHomeowner == 0:
		return &Proposal{
			Outcome:         ledger.OutcomeFullRelease,
			ContractorShare: heldAmount,
			HomeownerShare:  decimal.Zero,
			Rationale:       "only the contractor substantiated their position",
		}, nil
	case fromHomeowner > 0 && fromContractor == 0:
		return &Proposal{
			Outcome:         ledger.OutcomeFullRefund,
			ContractorShare: decimal.Zero,
			HomeownerShare:  heldAmount,
			Rationale:       "only the homeowner substantiated their position",
		}, nil
	default:
		return nil, ErrUnresolvable
	}
}
