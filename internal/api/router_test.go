package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/escrowd/internal/dispute"
	"github.com/example/escrowd/internal/ledger"
	"github.com/example/escrowd/internal/milestone"
)

type fakeMilestones struct {
	created   *milestone.CreateMilestoneRequest
	milestone *ledger.Milestone
	err       error
}

func (f *fakeMilestones) Create(ctx context.Context, req milestone.CreateMilestoneRequest) (*ledger.Milestone, error) {
	f.created = &req
	return f.milestone, f.err
}

func (f *fakeMilestones) Fund(ctx context.Context, milestoneID string) (*ledger.Milestone, error) {
	return f.milestone, f.err
}

func (f *fakeMilestones) MarkComplete(ctx context.Context, milestoneID, actor string) (*ledger.Milestone, error) {
	return f.milestone, f.err
}

func (f *fakeMilestones) Approve(ctx context.Context, milestoneID, actor string) (*ledger.Milestone, error) {
	return f.milestone, f.err
}

func (f *fakeMilestones) Cancel(ctx context.Context, milestoneID, reason, actor string) (*ledger.Milestone, error) {
	return f.milestone, f.err
}

func (f *fakeMilestones) Get(ctx context.Context, milestoneID string) (*ledger.Milestone, error) {
	return f.milestone, f.err
}

type fakeDisputes struct {
	dispute    *ledger.Dispute
	resolution *ledger.Resolution
	mediation  *ledger.MediationCase
	err        error
	openedWith []string
}

func (f *fakeDisputes) Open(ctx context.Context, milestoneID string, openedBy ledger.Party, reason string, evidenceRefs ...string) (*ledger.Dispute, error) {
	f.openedWith = evidenceRefs
	return f.dispute, f.err
}

func (f *fakeDisputes) SubmitEvidence(ctx context.Context, disputeID string, party ledger.Party, ref string) (*ledger.Dispute, error) {
	return f.dispute, f.err
}

func (f *fakeDisputes) AcceptProposal(ctx context.Context, disputeID string, party ledger.Party) (*ledger.Dispute, error) {
	return f.dispute, f.err
}

func (f *fakeDisputes) RejectProposal(ctx context.Context, disputeID string, party ledger.Party, reason string) (*ledger.MediationCase, error) {
	return f.mediation, f.err
}

func (f *fakeDisputes) ResolveByAgreement(ctx context.Context, disputeID string, contractorShare, homeownerShare decimal.Decimal) (*ledger.Resolution, error) {
	return f.resolution, f.err
}

func (f *fakeDisputes) Escalate(ctx context.Context, disputeID, reason string) (*ledger.MediationCase, error) {
	return f.mediation, f.err
}

type fakeMediation struct {
	resolution *ledger.Resolution
	err        error
}

func (f *fakeMediation) Decide(ctx context.Context, caseID, mediatorRef string, contractorShare, homeownerShare decimal.Decimal, rationale string) (*ledger.Resolution, error) {
	return f.resolution, f.err
}

type fakePayouts struct {
	payments []*ledger.Payment
	err      error
}

func (f *fakePayouts) Retry(ctx context.Context, milestoneID string) ([]*ledger.Payment, error) {
	return f.payments, f.err
}

type fakeStore struct {
	dispute     *ledger.Dispute
	resolution  *ledger.Resolution
	payments    []*ledger.Payment
	transitions []*ledger.Transition
	err         error
}

func (f *fakeStore) GetDispute(ctx context.Context, id string) (*ledger.Dispute, error) {
	return f.dispute, f.err
}

func (f *fakeStore) GetResolutionByMilestone(ctx context.Context, milestoneID string) (*ledger.Resolution, error) {
	if f.resolution == nil {
		return nil, ledger.ErrNotFound
	}
	return f.resolution, f.err
}

func (f *fakeStore) ListPaymentsByMilestone(ctx context.Context, milestoneID string) ([]*ledger.Payment, error) {
	return f.payments, f.err
}

func (f *fakeStore) TransitionHistory(ctx context.Context, kind ledger.EntityKind, entityID string) ([]*ledger.Transition, error) {
	return f.transitions, f.err
}

func newTestRouter(deps Dependencies) http.Handler {
	if deps.Milestones == nil {
		deps.Milestones = &fakeMilestones{}
	}
	if deps.Disputes == nil {
		deps.Disputes = &fakeDisputes{}
	}
	if deps.Mediation == nil {
		deps.Mediation = &fakeMediation{}
	}
	if deps.Payouts == nil {
		deps.Payouts = &fakePayouts{}
	}
	if deps.Store == nil {
		deps.Store = &fakeStore{}
	}
	return NewRouter(deps)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func testMilestone() *ledger.Milestone {
	return &ledger.Milestone{
		ID:            "m-1",
		ProjectID:     "proj-1",
		Sequence:      1,
		Amount:        decimal.RequireFromString("1000.00"),
		CurrencyCode:  "USD",
		HomeownerRef:  "ho-1",
		ContractorRef: "co-1",
		Status:        ledger.MilestoneDraft,
		DueDate:       time.Now().Add(30 * 24 * time.Hour).UTC(),
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(Dependencies{})
	rec := doJSON(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateMilestone(t *testing.T) {
	svc := &fakeMilestones{milestone: testMilestone()}
	router := newTestRouter(Dependencies{Milestones: svc})

	rec := doJSON(t, router, http.MethodPost, "/v1/milestones", map[string]any{
		"project_id":     "proj-1",
		"sequence":       1,
		"amount":         "1000.00",
		"currency_code":  "USD",
		"homeowner_ref":  "ho-1",
		"contractor_ref": "co-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	require.NotNil(t, svc.created)
	assert.True(t, svc.created.Amount.Equal(decimal.RequireFromString("1000.00")))

	var resp milestoneResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "m-1", resp.Milestone.ID)
	assert.NotEmpty(t, resp.CorrelationID)
}

func TestCreateMilestoneRejectsBadAmount(t *testing.T) {
	router := newTestRouter(Dependencies{Milestones: &fakeMilestones{milestone: testMilestone()}})

	rec := doJSON(t, router, http.MethodPost, "/v1/milestones", map[string]any{
		"project_id": "proj-1",
		"amount":     "a lot",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_amount", resp.Error)
}

func TestCorrelationIDEchoed(t *testing.T) {
	router := newTestRouter(Dependencies{Milestones: &fakeMilestones{milestone: testMilestone()}})

	req := httptest.NewRequest(http.MethodGet, "/v1/milestones/m-1", nil)
	req.Header.Set(CorrelationIDHeader, "corr-42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "corr-42", rec.Header().Get(CorrelationIDHeader))

	var resp milestoneResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "corr-42", resp.CorrelationID)
}

func TestDomainErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantReason string
	}{
		{"not found", ledger.ErrNotFound, http.StatusNotFound, "not_found"},
		{
			"invalid transition",
			&milestone.InvalidTransitionError{From: ledger.MilestoneCompleted, To: ledger.MilestoneFunded},
			http.StatusConflict,
			"invalid_transition",
		},
		{"window closed", dispute.ErrDisputeWindowClosed, http.StatusConflict, "dispute_window_closed"},
		{"duplicate resolution", ledger.ErrDuplicateResolution, http.StatusConflict, "already_resolved"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestRouter(Dependencies{
				Milestones: &fakeMilestones{err: tc.err},
				Disputes:   &fakeDisputes{err: tc.err},
			})

			rec := doJSON(t, router, http.MethodPost, "/v1/milestones/m-1/fund", nil)
			assert.Equal(t, tc.wantStatus, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.wantReason, resp.Error)
		})
	}
}

func TestFundingFailureSurfacesProviderCode(t *testing.T) {
	err := &milestone.FundingFailedError{Code: "card_declined"}
	router := newTestRouter(Dependencies{Milestones: &fakeMilestones{err: err}})

	rec := doJSON(t, router, http.MethodPost, "/v1/milestones/m-1/fund", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "card_declined", resp.Error)
}

func TestOpenDisputeRejectsUnknownParty(t *testing.T) {
	router := newTestRouter(Dependencies{})

	rec := doJSON(t, router, http.MethodPost, "/v1/milestones/m-1/disputes", map[string]any{
		"opened_by": "insurer",
		"reason":    "work incomplete",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_party", resp.Error)
}

func TestOpenDisputeForwardsEvidenceRefs(t *testing.T) {
	svc := &fakeDisputes{dispute: &ledger.Dispute{ID: "d-1", MilestoneID: "m-1"}}
	router := newTestRouter(Dependencies{Disputes: svc})

	rec := doJSON(t, router, http.MethodPost, "/v1/milestones/m-1/disputes", map[string]any{
		"opened_by":     "homeowner",
		"reason":        "tile work incomplete",
		"evidence_refs": []string{"photo-17", "photo-18"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{"photo-17", "photo-18"}, svc.openedWith)
}

func TestGetResolution(t *testing.T) {
	store := &fakeStore{resolution: &ledger.Resolution{
		ID:          "res-1",
		MilestoneID: "m-1",
		Outcome:     ledger.OutcomeFullRelease,
		DecidedBy:   ledger.DecidedNegotiation,
	}}
	router := newTestRouter(Dependencies{Store: store})

	rec := doJSON(t, router, http.MethodGet, "/v1/milestones/m-1/resolution", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp resolutionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "res-1", resp.Resolution.ID)

	// An unresolved milestone has no resolution yet.
	unresolved := newTestRouter(Dependencies{Store: &fakeStore{}})
	rec = doJSON(t, unresolved, http.MethodGet, "/v1/milestones/m-2/resolution", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMilestoneHistoryVerifiesChain(t *testing.T) {
	first := &ledger.Transition{
		ID:         "t-1",
		EntityKind: ledger.KindMilestone,
		EntityID:   "m-1",
		ToState:    string(ledger.MilestoneDraft),
		Actor:      "system",
		CreatedAt:  time.Now().UTC(),
	}
	ledger.ChainTransition(first, nil)
	second := &ledger.Transition{
		ID:         "t-2",
		EntityKind: ledger.KindMilestone,
		EntityID:   "m-1",
		FromState:  string(ledger.MilestoneDraft),
		ToState:    string(ledger.MilestoneFunded),
		Actor:      "system",
		CreatedAt:  time.Now().UTC(),
	}
	ledger.ChainTransition(second, first)

	store := &fakeStore{transitions: []*ledger.Transition{first, second}}
	router := newTestRouter(Dependencies{Store: store})

	rec := doJSON(t, router, http.MethodGet, "/v1/milestones/m-1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Transitions, 2)

	// A tampered journal is a server fault, not a client one.
	second.Reason = "edited after the fact"
	rec = doJSON(t, router, http.MethodGet, "/v1/milestones/m-1/history", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "journal_corrupted", errResp.Error)
}

func TestUnknownRouteReturnsJSONError(t *testing.T) {
	router := newTestRouter(Dependencies{})

	rec := doJSON(t, router, http.MethodGet, "/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not_found", resp.Error)
}
