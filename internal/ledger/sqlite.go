package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteStore is a file- or memory-backed Store for single-process
// deployments and tests. SQLite is a single-writer database, so a store
// wide mutex around each transaction doubles as the per-milestone
// serialization guarantee.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS milestones (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	amount TEXT NOT NULL,
	currency_code TEXT NOT NULL,
	homeowner_ref TEXT NOT NULL,
	contractor_ref TEXT NOT NULL,
	status TEXT NOT NULL,
	due_date TIMESTAMP NOT NULL,
	verification_deadline TIMESTAMP,
	dispute_window_ends TIMESTAMP,
	failure_code TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS escrow_holds (
	id TEXT PRIMARY KEY,
	milestone_id TEXT NOT NULL UNIQUE REFERENCES milestones(id),
	amount TEXT NOT NULL,
	released_amount TEXT NOT NULL,
	state TEXT NOT NULL,
	frozen INTEGER NOT NULL DEFAULT 0,
	payer_ref TEXT NOT NULL,
	provider_ref TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS disputes (
	id TEXT PRIMARY KEY,
	milestone_id TEXT NOT NULL UNIQUE REFERENCES milestones(id),
	opened_by TEXT NOT NULL,
	reason TEXT NOT NULL,
	evidence TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	proposal TEXT,
	opened_at TIMESTAMP NOT NULL,
	evidence_deadline TIMESTAMP NOT NULL,
	resolution_deadline TIMESTAMP NOT NULL,
	last_activity_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS mediation_cases (
	id TEXT PRIMARY KEY,
	dispute_id TEXT NOT NULL UNIQUE REFERENCES disputes(id),
	milestone_id TEXT NOT NULL,
	mediator_ref TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	decided_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS resolutions (
	id TEXT PRIMARY KEY,
	milestone_id TEXT NOT NULL UNIQUE REFERENCES milestones(id),
	dispute_id TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	homeowner_share TEXT NOT NULL,
	contractor_share TEXT NOT NULL,
	decided_by TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS payments (
	id TEXT PRIMARY KEY,
	milestone_id TEXT NOT NULL REFERENCES milestones(id),
	resolution_id TEXT NOT NULL DEFAULT '',
	payee_ref TEXT NOT NULL,
	amount TEXT NOT NULL,
	direction TEXT NOT NULL,
	status TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	failure_code TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS transitions (
	id TEXT PRIMARY KEY,
	entity_kind TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	reason TEXT NOT NULL,
	actor TEXT NOT NULL,
	hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	seq INTEGER
);

CREATE INDEX IF NOT EXISTS idx_transitions_entity ON transitions(entity_kind, entity_id, seq);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	topic TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL,
	published_at TIMESTAMP
);
`

// NewSQLiteStore opens (and migrates) a SQLite-backed store at path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Within runs fn inside a SQLite transaction. All writers are serialized,
// which satisfies the per-milestone ordering guarantee.
func (s *SQLiteStore) Within(ctx context.Context, milestoneID string, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer dbTx.Rollback()

	if err := fn(&sqliteTx{tx: dbTx}); err != nil {
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type sqliteQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteTx struct {
	tx *sql.Tx
}

const milestoneColumns = `id, project_id, sequence, amount, currency_code, homeowner_ref, contractor_ref,
	status, due_date, verification_deadline, dispute_window_ends, failure_code, created_at, updated_at`

func (t *sqliteTx) InsertMilestone(ctx context.Context, m *Milestone) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO milestones (`+milestoneColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProjectID, m.Sequence, m.Amount.String(), m.CurrencyCode, m.HomeownerRef, m.ContractorRef,
		string(m.Status), m.DueDate, nullTime(m.VerificationDeadline), nullTime(m.DisputeWindowEnds),
		m.FailureCode, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert milestone: %w", err)
	}
	return nil
}

func scanMilestone(row interface{ Scan(...any) error }) (*Milestone, error) {
	var m Milestone
	var amount, status string
	var verification, window sql.NullTime
	err := row.Scan(&m.ID, &m.ProjectID, &m.Sequence, &amount, &m.CurrencyCode, &m.HomeownerRef,
		&m.ContractorRef, &status, &m.DueDate, &verification, &window, &m.FailureCode,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan milestone: %w", err)
	}
	m.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse milestone amount: %w", err)
	}
	m.Status = MilestoneStatus(status)
	if verification.Valid {
		v := verification.Time
		m.VerificationDeadline = &v
	}
	if window.Valid {
		w := window.Time
		m.DisputeWindowEnds = &w
	}
	return &m, nil
}

func getMilestone(ctx context.Context, q sqliteQuerier, id string) (*Milestone, error) {
	return scanMilestone(q.QueryRowContext(ctx, `
		SELECT `+milestoneColumns+` FROM milestones WHERE id = ?`, id))
}

func (t *sqliteTx) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	return getMilestone(ctx, t.tx, id)
}

func (t *sqliteTx) UpdateMilestone(ctx context.Context, m *Milestone) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE milestones
		SET status = ?, verification_deadline = ?, dispute_window_ends = ?, failure_code = ?, updated_at = ?
		WHERE id = ?`,
		string(m.Status), nullTime(m.VerificationDeadline), nullTime(m.DisputeWindowEnds),
		m.FailureCode, m.UpdatedAt, m.ID)
	if err != nil {
		return fmt.Errorf("update milestone: %w", err)
	}
	return requireRow(res)
}

const holdColumns = `id, milestone_id, amount, released_amount, state, frozen, payer_ref, provider_ref, created_at, updated_at`

func (t *sqliteTx) InsertHold(ctx context.Context, h *EscrowHold) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO escrow_holds (`+holdColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.MilestoneID, h.Amount.String(), h.ReleasedAmount.String(), string(h.State),
		h.Frozen, h.PayerRef, h.ProviderRef, h.CreatedAt, h.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrStaleEntity
		}
		return fmt.Errorf("insert hold: %w", err)
	}
	return nil
}

func scanHold(row interface{ Scan(...any) error }) (*EscrowHold, error) {
	var h EscrowHold
	var amount, released, state string
	err := row.Scan(&h.ID, &h.MilestoneID, &amount, &released, &state, &h.Frozen,
		&h.PayerRef, &h.ProviderRef, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan hold: %w", err)
	}
	if h.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse hold amount: %w", err)
	}
	if h.ReleasedAmount, err = decimal.NewFromString(released); err != nil {
		return nil, fmt.Errorf("parse hold released amount: %w", err)
	}
	h.State = HoldState(state)
	return &h, nil
}

func getHoldByMilestone(ctx context.Context, q sqliteQuerier, milestoneID string) (*EscrowHold, error) {
	return scanHold(q.QueryRowContext(ctx, `
		SELECT `+holdColumns+` FROM escrow_holds WHERE milestone_id = ?`, milestoneID))
}

func (t *sqliteTx) GetHoldByMilestone(ctx context.Context, milestoneID string) (*EscrowHold, error) {
	return getHoldByMilestone(ctx, t.tx, milestoneID)
}

func (t *sqliteTx) UpdateHold(ctx context.Context, h *EscrowHold) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE escrow_holds
		SET released_amount = ?, state = ?, frozen = ?, provider_ref = ?, updated_at = ?
		WHERE id = ?`,
		h.ReleasedAmount.String(), string(h.State), h.Frozen, h.ProviderRef, h.UpdatedAt, h.ID)
	if err != nil {
		return fmt.Errorf("update hold: %w", err)
	}
	return requireRow(res)
}

const disputeColumns = `id, milestone_id, opened_by, reason, evidence, status, proposal, opened_at,
	evidence_deadline, resolution_deadline, last_activity_at, updated_at`

func marshalProposal(p *Proposal) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal proposal: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func (t *sqliteTx) InsertDispute(ctx context.Context, d *Dispute) error {
	evidence, err := json.Marshal(d.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	proposal, err := marshalProposal(d.Proposal)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.MilestoneID, string(d.OpenedBy), d.Reason, string(evidence), string(d.Status),
		proposal, d.OpenedAt, d.EvidenceDeadline, d.ResolutionDeadline, d.LastActivityAt, d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrStaleEntity
		}
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func scanDispute(row interface{ Scan(...any) error }) (*Dispute, error) {
	var d Dispute
	var openedBy, evidence, status string
	var proposal sql.NullString
	err := row.Scan(&d.ID, &d.MilestoneID, &openedBy, &d.Reason, &evidence, &status,
		&proposal, &d.OpenedAt, &d.EvidenceDeadline, &d.ResolutionDeadline, &d.LastActivityAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan dispute: %w", err)
	}
	if err := json.Unmarshal([]byte(evidence), &d.Evidence); err != nil {
		return nil, fmt.Errorf("unmarshal evidence: %w", err)
	}
	if proposal.Valid {
		d.Proposal = &Proposal{}
		if err := json.Unmarshal([]byte(proposal.String), d.Proposal); err != nil {
			return nil, fmt.Errorf("unmarshal proposal: %w", err)
		}
	}
	d.OpenedBy = Party(openedBy)
	d.Status = DisputeStatus(status)
	return &d, nil
}

func getDispute(ctx context.Context, q sqliteQuerier, id string) (*Dispute, error) {
	return scanDispute(q.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes WHERE id = ?`, id))
}

func (t *sqliteTx) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return getDispute(ctx, t.tx, id)
}

func (t *sqliteTx) GetDisputeByMilestone(ctx context.Context, milestoneID string) (*Dispute, error) {
	return scanDispute(t.tx.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes WHERE milestone_id = ?`, milestoneID))
}

func (t *sqliteTx) UpdateDispute(ctx context.Context, d *Dispute) error {
	evidence, err := json.Marshal(d.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	proposal, err := marshalProposal(d.Proposal)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE disputes
		SET evidence = ?, status = ?, proposal = ?, evidence_deadline = ?, resolution_deadline = ?,
			last_activity_at = ?, updated_at = ?
		WHERE id = ?`,
		string(evidence), string(d.Status), proposal, d.EvidenceDeadline, d.ResolutionDeadline,
		d.LastActivityAt, d.UpdatedAt, d.ID)
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	return requireRow(res)
}

const mediationColumns = `id, dispute_id, milestone_id, mediator_ref, status, created_at, decided_at`

func (t *sqliteTx) InsertMediationCase(ctx context.Context, c *MediationCase) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO mediation_cases (`+mediationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DisputeID, c.MilestoneID, c.MediatorRef, string(c.Status), c.CreatedAt, nullTime(c.DecidedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrStaleEntity
		}
		return fmt.Errorf("insert mediation case: %w", err)
	}
	return nil
}

func scanMediationCase(row interface{ Scan(...any) error }) (*MediationCase, error) {
	var c MediationCase
	var status string
	var decided sql.NullTime
	err := row.Scan(&c.ID, &c.DisputeID, &c.MilestoneID, &c.MediatorRef, &status, &c.CreatedAt, &decided)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan mediation case: %w", err)
	}
	c.Status = MediationStatus(status)
	if decided.Valid {
		d := decided.Time
		c.DecidedAt = &d
	}
	return &c, nil
}

func getMediationCase(ctx context.Context, q sqliteQuerier, id string) (*MediationCase, error) {
	return scanMediationCase(q.QueryRowContext(ctx, `
		SELECT `+mediationColumns+` FROM mediation_cases WHERE id = ?`, id))
}

func (t *sqliteTx) GetMediationCase(ctx context.Context, id string) (*MediationCase, error) {
	return getMediationCase(ctx, t.tx, id)
}

func (t *sqliteTx) GetMediationCaseByDispute(ctx context.Context, disputeID string) (*MediationCase, error) {
	return scanMediationCase(t.tx.QueryRowContext(ctx, `
		SELECT `+mediationColumns+` FROM mediation_cases WHERE dispute_id = ?`, disputeID))
}

func (t *sqliteTx) UpdateMediationCase(ctx context.Context, c *MediationCase) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE mediation_cases
		SET mediator_ref = ?, status = ?, decided_at = ?
		WHERE id = ?`,
		c.MediatorRef, string(c.Status), nullTime(c.DecidedAt), c.ID)
	if err != nil {
		return fmt.Errorf("update mediation case: %w", err)
	}
	return requireRow(res)
}

const resolutionColumns = `id, milestone_id, dispute_id, outcome, homeowner_share, contractor_share, decided_by, created_at`

func (t *sqliteTx) InsertResolution(ctx context.Context, r *Resolution) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO resolutions (`+resolutionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.MilestoneID, r.DisputeID, string(r.Outcome),
		r.HomeownerShare.String(), r.ContractorShare.String(), string(r.DecidedBy), r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateResolution
		}
		return fmt.Errorf("insert resolution: %w", err)
	}
	return nil
}

func scanResolution(row interface{ Scan(...any) error }) (*Resolution, error) {
	var r Resolution
	var outcome, homeowner, contractor, decidedBy string
	err := row.Scan(&r.ID, &r.MilestoneID, &r.DisputeID, &outcome, &homeowner, &contractor, &decidedBy, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan resolution: %w", err)
	}
	if r.HomeownerShare, err = decimal.NewFromString(homeowner); err != nil {
		return nil, fmt.Errorf("parse homeowner share: %w", err)
	}
	if r.ContractorShare, err = decimal.NewFromString(contractor); err != nil {
		return nil, fmt.Errorf("parse contractor share: %w", err)
	}
	r.Outcome = Outcome(outcome)
	r.DecidedBy = DecidedBy(decidedBy)
	return &r, nil
}

func getResolutionByMilestone(ctx context.Context, q sqliteQuerier, milestoneID string) (*Resolution, error) {
	return scanResolution(q.QueryRowContext(ctx, `
		SELECT `+resolutionColumns+` FROM resolutions WHERE milestone_id = ?`, milestoneID))
}

func (t *sqliteTx) GetResolutionByMilestone(ctx context.Context, milestoneID string) (*Resolution, error) {
	return getResolutionByMilestone(ctx, t.tx, milestoneID)
}

const paymentColumns = `id, milestone_id, resolution_id, payee_ref, amount, direction, status,
	idempotency_key, failure_code, created_at, completed_at`

func (t *sqliteTx) InsertPayment(ctx context.Context, p *Payment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.MilestoneID, p.ResolutionID, p.PayeeRef, p.Amount.String(), string(p.Direction),
		string(p.Status), p.IdempotencyKey, p.FailureCode, p.CreatedAt, nullTime(p.CompletedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePayment
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func scanPayment(row interface{ Scan(...any) error }) (*Payment, error) {
	var p Payment
	var amount, direction, status string
	var completed sql.NullTime
	err := row.Scan(&p.ID, &p.MilestoneID, &p.ResolutionID, &p.PayeeRef, &amount, &direction,
		&status, &p.IdempotencyKey, &p.FailureCode, &p.CreatedAt, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse payment amount: %w", err)
	}
	p.Direction = PaymentDirection(direction)
	p.Status = PaymentStatus(status)
	if completed.Valid {
		c := completed.Time
		p.CompletedAt = &c
	}
	return &p, nil
}

func (t *sqliteTx) GetPaymentByKey(ctx context.Context, idempotencyKey string) (*Payment, error) {
	return scanPayment(t.tx.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = ?`, idempotencyKey))
}

func (t *sqliteTx) UpdatePayment(ctx context.Context, p *Payment) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE payments
		SET status = ?, failure_code = ?, completed_at = ?
		WHERE id = ?`,
		string(p.Status), p.FailureCode, nullTime(p.CompletedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	return requireRow(res)
}

func listPaymentsByMilestone(ctx context.Context, q sqliteQuerier, milestoneID string) ([]*Payment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE milestone_id = ? ORDER BY created_at, idempotency_key`,
		milestoneID)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *sqliteTx) ListPaymentsByMilestone(ctx context.Context, milestoneID string) ([]*Payment, error) {
	return listPaymentsByMilestone(ctx, t.tx, milestoneID)
}

const transitionColumns = `id, entity_kind, entity_id, from_state, to_state, reason, actor, hash, prev_hash, created_at`

func (t *sqliteTx) AppendTransition(ctx context.Context, tr *Transition) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transitions (`+transitionColumns+`, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM transitions WHERE entity_kind = ? AND entity_id = ?))`,
		tr.ID, string(tr.EntityKind), tr.EntityID, tr.FromState, tr.ToState, tr.Reason, tr.Actor,
		tr.Hash, tr.PrevHash, tr.CreatedAt, string(tr.EntityKind), tr.EntityID)
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

func scanTransition(row interface{ Scan(...any) error }) (*Transition, error) {
	var tr Transition
	var kind string
	err := row.Scan(&tr.ID, &kind, &tr.EntityID, &tr.FromState, &tr.ToState, &tr.Reason,
		&tr.Actor, &tr.Hash, &tr.PrevHash, &tr.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan transition: %w", err)
	}
	tr.EntityKind = EntityKind(kind)
	return &tr, nil
}

func (t *sqliteTx) LatestTransition(ctx context.Context, kind EntityKind, entityID string) (*Transition, error) {
	return scanTransition(t.tx.QueryRowContext(ctx, `
		SELECT `+transitionColumns+` FROM transitions
		WHERE entity_kind = ? AND entity_id = ?
		ORDER BY seq DESC LIMIT 1`, string(kind), entityID))
}

func (t *sqliteTx) InsertIdempotencyKey(ctx context.Context, key string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, created_at) VALUES (?, ?)`, key, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert idempotency key: %w", err)
	}
	return nil
}

func (t *sqliteTx) HasIdempotencyKey(ctx context.Context, key string) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx, `SELECT 1 FROM idempotency_keys WHERE key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check idempotency key: %w", err)
	}
	return true, nil
}

func (t *sqliteTx) AppendOutbox(ctx context.Context, topic string, payload []byte) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO outbox (topic, payload, created_at) VALUES (?, ?, ?)`,
		topic, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}
	return nil
}

// Read-only Store methods.

func (s *SQLiteStore) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	return getMilestone(ctx, s.db, id)
}

func (s *SQLiteStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return getDispute(ctx, s.db, id)
}

func (s *SQLiteStore) GetMediationCase(ctx context.Context, id string) (*MediationCase, error) {
	return getMediationCase(ctx, s.db, id)
}

func (s *SQLiteStore) GetHoldByMilestone(ctx context.Context, milestoneID string) (*EscrowHold, error) {
	return getHoldByMilestone(ctx, s.db, milestoneID)
}

func (s *SQLiteStore) GetResolutionByMilestone(ctx context.Context, milestoneID string) (*Resolution, error) {
	return getResolutionByMilestone(ctx, s.db, milestoneID)
}

func (s *SQLiteStore) ListPaymentsByMilestone(ctx context.Context, milestoneID string) ([]*Payment, error) {
	return listPaymentsByMilestone(ctx, s.db, milestoneID)
}

func (s *SQLiteStore) TransitionHistory(ctx context.Context, kind EntityKind, entityID string) ([]*Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transitionColumns+` FROM transitions
		WHERE entity_kind = ? AND entity_id = ?
		ORDER BY seq`, string(kind), entityID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []*Transition
	for rows.Next() {
		tr, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DueVerifications(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM milestones
		WHERE status = ? AND verification_deadline IS NOT NULL AND verification_deadline <= ?
		ORDER BY verification_deadline LIMIT ?`,
		string(MilestonePendingVerification), now, limitOrMax(limit))
}

func (s *SQLiteStore) ExpiredEvidenceWindows(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM disputes
		WHERE status = ? AND evidence_deadline <= ?
		ORDER BY evidence_deadline LIMIT ?`,
		string(DisputeEvidenceCollection), now, limitOrMax(limit))
}

func (s *SQLiteStore) StalledDisputes(ctx context.Context, inactiveSince time.Time, limit int) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM disputes
		WHERE status IN (?, ?) AND last_activity_at < ?
		ORDER BY last_activity_at LIMIT ?`,
		string(DisputeEvidenceCollection), string(DisputeUnderReview), inactiveSince, limitOrMax(limit))
}

func (s *SQLiteStore) UnassignedMediationCases(ctx context.Context, limit int) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM mediation_cases
		WHERE status = ? AND mediator_ref = ''
		ORDER BY created_at LIMIT ?`,
		string(MediationAssigned), limitOrMax(limit))
}

func (s *SQLiteStore) PendingPayments(ctx context.Context, limit int) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT DISTINCT milestone_id FROM payments
		WHERE status = ?
		ORDER BY milestone_id LIMIT ?`,
		string(PaymentPending), limitOrMax(limit))
}

func (s *SQLiteStore) OpenHolds(ctx context.Context, limit int) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT milestone_id FROM escrow_holds
		WHERE state IN (?, ?, ?)
		ORDER BY milestone_id LIMIT ?`,
		string(HoldRequested), string(HoldActive), string(HoldPartiallyReleased), limitOrMax(limit))
}

func (s *SQLiteStore) UnpublishedOutbox(ctx context.Context, limit int) ([]*OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, payload, created_at FROM outbox
		WHERE published_at IS NULL
		ORDER BY id LIMIT ?`, limitOrMax(limit))
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []*OutboxMessage
	for rows.Next() {
		var o OutboxMessage
		if err := rows.Scan(&o.ID, &o.Topic, &o.Payload, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkOutboxPublished(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ? AND published_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func limitOrMax(limit int) int {
	if limit <= 0 {
		return 1000
	}
	return limit
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
