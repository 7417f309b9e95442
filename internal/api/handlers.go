package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/example/escrowd/internal/dispute"
	"github.com/example/escrowd/internal/ledger"
	"github.com/example/escrowd/internal/mediation"
	"github.com/example/escrowd/internal/milestone"
)

type createMilestoneRequest struct {
	ProjectID     string    `json:"project_id"`
	Sequence      int       `json:"sequence"`
	Amount        string    `json:"amount"`
	CurrencyCode  string    `json:"currency_code"`
	HomeownerRef  string    `json:"homeowner_ref"`
	ContractorRef string    `json:"contractor_ref"`
	DueDate       time.Time `json:"due_date"`
}

type milestoneResponse struct {
	CorrelationID string            `json:"correlation_id"`
	Milestone     *ledger.Milestone `json:"milestone"`
}

type openDisputeRequest struct {
	OpenedBy     string   `json:"opened_by"`
	Reason       string   `json:"reason"`
	EvidenceRefs []string `json:"evidence_refs,omitempty"`
}

type disputeResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Dispute       *ledger.Dispute `json:"dispute"`
}

type evidenceRequest struct {
	Party string `json:"party"`
	Ref   string `json:"ref"`
}

type rejectProposalRequest struct {
	Party  string `json:"party"`
	Reason string `json:"reason"`
}

type settlementRequest struct {
	ContractorShare string `json:"contractor_share"`
	HomeownerShare  string `json:"homeowner_share"`
}

type resolutionResponse struct {
	CorrelationID string             `json:"correlation_id"`
	Resolution    *ledger.Resolution `json:"resolution"`
}

type escalateRequest struct {
	Reason string `json:"reason"`
}

type mediationCaseResponse struct {
	CorrelationID string                `json:"correlation_id"`
	Case          *ledger.MediationCase `json:"case"`
}

type decisionRequest struct {
	MediatorRef     string `json:"mediator_ref"`
	ContractorShare string `json:"contractor_share"`
	HomeownerShare  string `json:"homeowner_share"`
	Rationale       string `json:"rationale"`
}

type actorRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type paymentsResponse struct {
	CorrelationID string            `json:"correlation_id"`
	Payments      []*ledger.Payment `json:"payments"`
}

type historyResponse struct {
	CorrelationID string               `json:"correlation_id"`
	Transitions   []*ledger.Transition `json:"transitions"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}

// writeDomainError maps domain failures onto HTTP status codes and
// stable reason codes.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *milestone.InvalidTransitionError
	var funding *milestone.FundingFailedError
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeJSONError(w, r, http.StatusNotFound, "not_found")
	case errors.As(err, &invalid):
		writeJSONError(w, r, http.StatusConflict, "invalid_transition")
	case errors.As(err, &funding):
		writeJSONError(w, r, http.StatusUnprocessableEntity, funding.Code)
	case errors.Is(err, dispute.ErrDisputeWindowClosed):
		writeJSONError(w, r, http.StatusConflict, "dispute_window_closed")
	case errors.Is(err, dispute.ErrEvidenceWindowClosed):
		writeJSONError(w, r, http.StatusConflict, "evidence_window_closed")
	case errors.Is(err, dispute.ErrNotContestable):
		writeJSONError(w, r, http.StatusConflict, "not_contestable")
	case errors.Is(err, dispute.ErrNoProposal):
		writeJSONError(w, r, http.StatusConflict, "no_proposal")
	case errors.Is(err, mediation.ErrWrongMediator):
		writeJSONError(w, r, http.StatusForbidden, "wrong_mediator")
	case errors.Is(err, ledger.ErrDuplicateResolution):
		writeJSONError(w, r, http.StatusConflict, "already_resolved")
	case errors.Is(err, ledger.ErrInvalidResolution):
		writeJSONError(w, r, http.StatusBadRequest, "invalid_resolution")
	default:
		writeJSONError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func handleCreateMilestone(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createMilestoneRequest
		if !decodeBody(w, r, &req) {
			return
		}
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_amount")
			return
		}
		m, err := deps.Milestones.Create(r.Context(), milestone.CreateMilestoneRequest{
			ProjectID:     req.ProjectID,
			Sequence:      req.Sequence,
			Amount:        amount,
			CurrencyCode:  req.CurrencyCode,
			HomeownerRef:  req.HomeownerRef,
			ContractorRef: req.ContractorRef,
			DueDate:       req.DueDate,
		})
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, milestoneResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Milestone:     m,
		})
	}
}

func handleGetMilestone(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := deps.Milestones.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, milestoneResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Milestone:     m,
		})
	}
}

func handleFundMilestone(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := deps.Milestones.Fund(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, milestoneResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Milestone:     m,
		})
	}
}

func handleCompleteMilestone(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req actorRequest
		if !decodeBody(w, r, &req) {
			return
		}
		m, err := deps.Milestones.MarkComplete(r.Context(), chi.URLParam(r, "id"), req.Actor)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, milestoneResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Milestone:     m,
		})
	}
}

func handleApproveMilestone(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req actorRequest
		if !decodeBody(w, r, &req) {
			return
		}
		m, err := deps.Milestones.Approve(r.Context(), chi.URLParam(r, "id"), req.Actor)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, milestoneResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Milestone:     m,
		})
	}
}

func handleCancelMilestone(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req actorRequest
		if !decodeBody(w, r, &req) {
			return
		}
		m, err := deps.Milestones.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason, req.Actor)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, milestoneResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Milestone:     m,
		})
	}
}

func handleOpenDispute(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req openDisputeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		party := ledger.Party(req.OpenedBy)
		if party != ledger.PartyHomeowner && party != ledger.PartyContractor {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_party")
			return
		}
		d, err := deps.Disputes.Open(r.Context(), chi.URLParam(r, "id"), party, req.Reason, req.EvidenceRefs...)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, disputeResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Dispute:       d,
		})
	}
}

func handleGetDispute(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := deps.Store.GetDispute(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, disputeResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Dispute:       d,
		})
	}
}

func handleSubmitEvidence(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req evidenceRequest
		if !decodeBody(w, r, &req) {
			return
		}
		party := ledger.Party(req.Party)
		if party != ledger.PartyHomeowner && party != ledger.PartyContractor {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_party")
			return
		}
		d, err := deps.Disputes.SubmitEvidence(r.Context(), chi.URLParam(r, "id"), party, req.Ref)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, disputeResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Dispute:       d,
		})
	}
}

func handleAcceptProposal(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req evidenceRequest
		if !decodeBody(w, r, &req) {
			return
		}
		party := ledger.Party(req.Party)
		if party != ledger.PartyHomeowner && party != ledger.PartyContractor {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_party")
			return
		}
		d, err := deps.Disputes.AcceptProposal(r.Context(), chi.URLParam(r, "id"), party)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, disputeResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Dispute:       d,
		})
	}
}

func handleRejectProposal(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rejectProposalRequest
		if !decodeBody(w, r, &req) {
			return
		}
		party := ledger.Party(req.Party)
		if party != ledger.PartyHomeowner && party != ledger.PartyContractor {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_party")
			return
		}
		mc, err := deps.Disputes.RejectProposal(r.Context(), chi.URLParam(r, "id"), party, req.Reason)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, mediationCaseResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Case:          mc,
		})
	}
}

func handleSettleDispute(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req settlementRequest
		if !decodeBody(w, r, &req) {
			return
		}
		contractor, err := decimal.NewFromString(req.ContractorShare)
		if err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_amount")
			return
		}
		homeowner, err := decimal.NewFromString(req.HomeownerShare)
		if err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_amount")
			return
		}
		res, err := deps.Disputes.ResolveByAgreement(r.Context(), chi.URLParam(r, "id"), contractor, homeowner)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, resolutionResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Resolution:    res,
		})
	}
}

func handleEscalateDispute(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req escalateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Reason == "" {
			req.Reason = "escalation requested by party"
		}
		mc, err := deps.Disputes.Escalate(r.Context(), chi.URLParam(r, "id"), req.Reason)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, mediationCaseResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Case:          mc,
		})
	}
}

func handleMediationDecision(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req decisionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		contractor, err := decimal.NewFromString(req.ContractorShare)
		if err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_amount")
			return
		}
		homeowner, err := decimal.NewFromString(req.HomeownerShare)
		if err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_amount")
			return
		}
		res, err := deps.Mediation.Decide(r.Context(), chi.URLParam(r, "id"), req.MediatorRef, contractor, homeowner, req.Rationale)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, resolutionResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Resolution:    res,
		})
	}
}

func handleRetryPayout(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payments, err := deps.Payouts.Retry(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, paymentsResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Payments:      payments,
		})
	}
}

func handleGetResolution(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Store.GetResolutionByMilestone(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, resolutionResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Resolution:    res,
		})
	}
}

func handleListPayments(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payments, err := deps.Store.ListPaymentsByMilestone(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, paymentsResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Payments:      payments,
		})
	}
}

func handleMilestoneHistory(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		history, err := deps.Store.TransitionHistory(r.Context(), ledger.KindMilestone, chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		if err := ledger.VerifyChain(history); err != nil {
			writeJSONError(w, r, http.StatusInternalServerError, "journal_corrupted")
			return
		}
		writeJSON(w, r, http.StatusOK, historyResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Transitions:   history,
		})
	}
}
