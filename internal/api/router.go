// Package api exposes the engine over HTTP. Commands are POSTs against
// the entity the command acts on; reads are plain GETs.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/example/escrowd/internal/ledger"
	"github.com/example/escrowd/internal/milestone"
)

// MilestoneService is the milestone command surface the router needs.
type MilestoneService interface {
	Create(ctx context.Context, req milestone.CreateMilestoneRequest) (*ledger.Milestone, error)
	Fund(ctx context.Context, milestoneID string) (*ledger.Milestone, error)
	MarkComplete(ctx context.Context, milestoneID, actor string) (*ledger.Milestone, error)
	Approve(ctx context.Context, milestoneID, actor string) (*ledger.Milestone, error)
	Cancel(ctx context.Context, milestoneID, reason, actor string) (*ledger.Milestone, error)
	Get(ctx context.Context, milestoneID string) (*ledger.Milestone, error)
}

// DisputeService is the dispute command surface the router needs.
type DisputeService interface {
	Open(ctx context.Context, milestoneID string, openedBy ledger.Party, reason string, evidenceRefs ...string) (*ledger.Dispute, error)
	SubmitEvidence(ctx context.Context, disputeID string, party ledger.Party, ref string) (*ledger.Dispute, error)
	AcceptProposal(ctx context.Context, disputeID string, party ledger.Party) (*ledger.Dispute, error)
	RejectProposal(ctx context.Context, disputeID string, party ledger.Party, reason string) (*ledger.MediationCase, error)
	ResolveByAgreement(ctx context.Context, disputeID string, contractorShare, homeownerShare decimal.Decimal) (*ledger.Resolution, error)
	Escalate(ctx context.Context, disputeID, reason string) (*ledger.MediationCase, error)
}

// MediationService is the mediation command surface the router needs.
type MediationService interface {
	Decide(ctx context.Context, caseID, mediatorRef string, contractorShare, homeownerShare decimal.Decimal, rationale string) (*ledger.Resolution, error)
}

// PayoutService is the payout command surface the router needs.
type PayoutService interface {
	Retry(ctx context.Context, milestoneID string) ([]*ledger.Payment, error)
}

// StoreReader is the read-only store surface the router needs.
type StoreReader interface {
	GetDispute(ctx context.Context, id string) (*ledger.Dispute, error)
	GetResolutionByMilestone(ctx context.Context, milestoneID string) (*ledger.Resolution, error)
	ListPaymentsByMilestone(ctx context.Context, milestoneID string) ([]*ledger.Payment, error)
	TransitionHistory(ctx context.Context, kind ledger.EntityKind, entityID string) ([]*ledger.Transition, error)
}

type Dependencies struct {
	Logger     *slog.Logger
	Milestones MilestoneService
	Disputes   DisputeService
	Mediation  MediationService
	Payouts    PayoutService
	Store      StoreReader
}

func NewRouter(deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(CorrelationID)
	r.Use(RequestLogger(deps.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/milestones", func(r chi.Router) {
			r.Post("/", handleCreateMilestone(deps))

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", handleGetMilestone(deps))
				r.Post("/fund", handleFundMilestone(deps))
				r.Post("/complete", handleCompleteMilestone(deps))
				r.Post("/approve", handleApproveMilestone(deps))
				r.Post("/cancel", handleCancelMilestone(deps))
				r.Post("/disputes", handleOpenDispute(deps))
				r.Post("/payout/retry", handleRetryPayout(deps))
				r.Get("/resolution", handleGetResolution(deps))
				r.Get("/payments", handleListPayments(deps))
				r.Get("/history", handleMilestoneHistory(deps))
			})
		})

		r.Route("/disputes/{id}", func(r chi.Router) {
			r.Get("/", handleGetDispute(deps))
			r.Post("/evidence", handleSubmitEvidence(deps))
			r.Post("/proposal/accept", handleAcceptProposal(deps))
			r.Post("/proposal/reject", handleRejectProposal(deps))
			r.Post("/settlement", handleSettleDispute(deps))
			r.Post("/escalate", handleEscalateDispute(deps))
		})

		r.Post("/mediation/{id}/decision", handleMediationDecision(deps))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r
}
