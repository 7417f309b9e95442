package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MilestoneStatus represents the lifecycle state of a milestone.
type MilestoneStatus string

const (
	MilestoneDraft               MilestoneStatus = "draft"
	MilestoneFunded              MilestoneStatus = "funded"
	MilestonePendingVerification MilestoneStatus = "pending_verification"
	MilestoneVerified            MilestoneStatus = "verified"
	MilestoneDisputed            MilestoneStatus = "disputed"
	MilestoneMediation           MilestoneStatus = "mediation"
	MilestoneCompleted           MilestoneStatus = "completed"
	MilestoneCancelled           MilestoneStatus = "cancelled"
	MilestonePayoutFailed        MilestoneStatus = "payout_failed"
)

// Milestone is a discrete, payable unit of project work with its own
// funding/verification lifecycle. It belongs to exactly one project.
type Milestone struct {
	ID                   string          `json:"id"`
	ProjectID            string          `json:"project_id"`
	Sequence             int             `json:"sequence"`
	Amount               decimal.Decimal `json:"amount"`
	CurrencyCode         string          `json:"currency_code"`
	HomeownerRef         string          `json:"homeowner_ref"`
	ContractorRef        string          `json:"contractor_ref"`
	Status               MilestoneStatus `json:"status"`
	DueDate              time.Time       `json:"due_date"`
	VerificationDeadline *time.Time      `json:"verification_deadline,omitempty"`
	DisputeWindowEnds    *time.Time      `json:"dispute_window_ends,omitempty"`
	FailureCode          string          `json:"failure_code,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// HoldState represents the disbursement state of an escrow hold.
type HoldState string

const (
	HoldRequested         HoldState = "requested"
	HoldActive            HoldState = "active"
	HoldPartiallyReleased HoldState = "partially_released"
	HoldFullyReleased     HoldState = "fully_released"
	HoldFailed            HoldState = "failed"
)

// EscrowHold is a reserved, not-yet-disbursed amount of funds associated
// with one milestone. ReleasedAmount plus the remaining active amount must
// always equal Amount.
type EscrowHold struct {
	ID             string          `json:"id"`
	MilestoneID    string          `json:"milestone_id"`
	Amount         decimal.Decimal `json:"amount"`
	ReleasedAmount decimal.Decimal `json:"released_amount"`
	State          HoldState       `json:"state"`
	Frozen         bool            `json:"frozen"`
	PayerRef       string          `json:"payer_ref"`
	ProviderRef    string          `json:"provider_ref"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Remaining returns the amount still held and not yet released.
func (h *EscrowHold) Remaining() decimal.Decimal {
	return h.Amount.Sub(h.ReleasedAmount)
}

// PaymentDirection indicates which way a payment moves relative to escrow.
type PaymentDirection string

const (
	DirectionPayout PaymentDirection = "payout"
	DirectionRefund PaymentDirection = "refund"
)

// PaymentStatus represents the execution state of a payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Payment is a directional fund movement record tied to a milestone and,
// optionally, a resolution. The idempotency key is unique per logical
// transfer: retries never create duplicate payments.
type Payment struct {
	ID             string           `json:"id"`
	MilestoneID    string           `json:"milestone_id"`
	ResolutionID   string           `json:"resolution_id,omitempty"`
	PayeeRef       string           `json:"payee_ref"`
	Amount         decimal.Decimal  `json:"amount"`
	Direction      PaymentDirection `json:"direction"`
	Status         PaymentStatus    `json:"status"`
	IdempotencyKey string           `json:"idempotency_key"`
	FailureCode    string           `json:"failure_code,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// Party identifies which side of a milestone performed an action.
type Party string

const (
	PartyHomeowner  Party = "homeowner"
	PartyContractor Party = "contractor"
)

// DisputeStatus represents the coordinator's view of a dispute.
type DisputeStatus string

const (
	DisputeOpened             DisputeStatus = "opened"
	DisputeEvidenceCollection DisputeStatus = "evidence_collection"
	DisputeUnderReview        DisputeStatus = "under_review"
	DisputeAutoResolved       DisputeStatus = "auto_resolved"
	DisputeDirectResolution   DisputeStatus = "direct_resolution"
	DisputeMediation          DisputeStatus = "mediation"
	DisputeResolved           DisputeStatus = "resolved"
)

// Evidence is an opaque reference to material submitted by one party.
// Evidence storage itself is an external collaborator.
type Evidence struct {
	Ref         string    `json:"ref"`
	SubmittedBy Party     `json:"submitted_by"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Dispute is opened against exactly one funded or verifying milestone.
type Dispute struct {
	ID                 string        `json:"id"`
	MilestoneID        string        `json:"milestone_id"`
	OpenedBy           Party         `json:"opened_by"`
	Reason             string        `json:"reason"`
	Evidence           []Evidence    `json:"evidence"`
	Status             DisputeStatus `json:"status"`
	Proposal           *Proposal     `json:"proposal,omitempty"`
	OpenedAt           time.Time     `json:"opened_at"`
	EvidenceDeadline   time.Time     `json:"evidence_deadline"`
	ResolutionDeadline time.Time     `json:"resolution_deadline"`
	LastActivityAt     time.Time     `json:"last_activity_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Proposal is an automatic resolution awaiting review by the parties. It
// becomes a Resolution only once both parties accept; a rejection by
// either party voids it and sends the dispute to mediation.
type Proposal struct {
	Outcome         Outcome         `json:"outcome"`
	ContractorShare decimal.Decimal `json:"contractor_share"`
	HomeownerShare  decimal.Decimal `json:"homeowner_share"`
	Rationale       string          `json:"rationale"`
	ProposedAt      time.Time       `json:"proposed_at"`
	AcceptedBy      []Party         `json:"accepted_by,omitempty"`
}

// Accepted reports whether the given party has accepted the proposal.
func (p *Proposal) Accepted(party Party) bool {
	for _, accepted := range p.AcceptedBy {
		if accepted == party {
			return true
		}
	}
	return false
}

// MediationStatus represents the human-arbitration state of a case.
type MediationStatus string

const (
	MediationAssigned MediationStatus = "assigned"
	MediationInReview MediationStatus = "in_review"
	MediationDecided  MediationStatus = "decided"
)

// MediationCase is created from a dispute that failed direct resolution.
// An empty MediatorRef means assignment is still pending; the sweeper
// retries assignment and reports the case as blocked.
type MediationCase struct {
	ID          string          `json:"id"`
	DisputeID   string          `json:"dispute_id"`
	MilestoneID string          `json:"milestone_id"`
	MediatorRef string          `json:"mediator_ref,omitempty"`
	Status      MediationStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	DecidedAt   *time.Time      `json:"decided_at,omitempty"`
}

// Outcome classifies how escrowed funds were split.
type Outcome string

const (
	OutcomeFullRelease    Outcome = "full_release"
	OutcomePartialRelease Outcome = "partial_release"
	OutcomeFullRefund     Outcome = "full_refund"
)

// DecidedBy identifies the mechanism that produced a resolution.
type DecidedBy string

const (
	DecidedAuto        DecidedBy = "auto"
	DecidedNegotiation DecidedBy = "negotiation"
	DecidedMediation   DecidedBy = "mediation"
)

// Resolution is the final, immutable determination of how escrowed funds
// for a milestone are split. HomeownerShare + ContractorShare must equal
// the held amount exactly.
type Resolution struct {
	ID              string          `json:"id"`
	MilestoneID     string          `json:"milestone_id"`
	DisputeID       string          `json:"dispute_id,omitempty"`
	Outcome         Outcome         `json:"outcome"`
	HomeownerShare  decimal.Decimal `json:"homeowner_share"`
	ContractorShare decimal.Decimal `json:"contractor_share"`
	DecidedBy       DecidedBy       `json:"decided_by"`
	CreatedAt       time.Time       `json:"created_at"`
}

// OutboxMessage is a pending domain event recorded in the same transaction
// as the state change it describes.
type OutboxMessage struct {
	ID          int64      `json:"id"`
	Topic       string     `json:"topic"`
	Payload     []byte     `json:"payload"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("ledger: not found")

	// ErrDuplicateResolution is returned when a second resolution is written
	// for the same milestone. Resolutions are write-once.
	ErrDuplicateResolution = errors.New("ledger: resolution already recorded")

	// ErrDuplicatePayment is returned when a payment insert collides with an
	// existing idempotency key.
	ErrDuplicatePayment = errors.New("ledger: duplicate payment idempotency key")

	// ErrStaleEntity is returned when a transition is attempted against a
	// state that changed since it was read.
	ErrStaleEntity = errors.New("ledger: stale entity state")

	// ErrDuplicateIdempotencyKey is returned when a keyed side effect has
	// already been recorded as applied.
	ErrDuplicateIdempotencyKey = errors.New("ledger: duplicate idempotency key")

	// ErrInvalidResolution is returned when a resolution's shares do not
	// account for the held amount exactly.
	ErrInvalidResolution = errors.New("ledger: invalid resolution")
)

// ValidateResolution checks that a resolution's shares cover the held
// amount exactly. Funds must never vanish or be double-counted.
func ValidateResolution(res *Resolution, heldAmount decimal.Decimal) error {
	if res.HomeownerShare.IsNegative() || res.ContractorShare.IsNegative() {
		return fmt.Errorf("%w: shares must not be negative", ErrInvalidResolution)
	}
	if !res.HomeownerShare.Add(res.ContractorShare).Equal(heldAmount) {
		return fmt.Errorf("%w: shares %s + %s do not sum to held amount %s",
			ErrInvalidResolution, res.ContractorShare, res.HomeownerShare, heldAmount)
	}
	return nil
}
