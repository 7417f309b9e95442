package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore is the production Store. Entity-graph transactions run at
// SERIALIZABLE isolation with bounded retry on serialization failure; a
// per-milestone advisory lock keeps transactions against the same milestone
// from interleaving.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed store over an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS milestones (
			id UUID PRIMARY KEY,
			project_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			amount NUMERIC(20,8) NOT NULL CHECK (amount > 0),
			currency_code CHAR(3) NOT NULL,
			homeowner_ref TEXT NOT NULL,
			contractor_ref TEXT NOT NULL,
			status TEXT NOT NULL,
			due_date TIMESTAMPTZ NOT NULL,
			verification_deadline TIMESTAMPTZ,
			dispute_window_ends TIMESTAMPTZ,
			failure_code TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS escrow_holds (
			id UUID PRIMARY KEY,
			milestone_id UUID NOT NULL UNIQUE REFERENCES milestones(id),
			amount NUMERIC(20,8) NOT NULL CHECK (amount > 0),
			released_amount NUMERIC(20,8) NOT NULL DEFAULT 0 CHECK (released_amount >= 0 AND released_amount <= amount),
			state TEXT NOT NULL,
			frozen BOOLEAN NOT NULL DEFAULT FALSE,
			payer_ref TEXT NOT NULL,
			provider_ref TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS disputes (
			id UUID PRIMARY KEY,
			milestone_id UUID NOT NULL UNIQUE REFERENCES milestones(id),
			opened_by TEXT NOT NULL,
			reason TEXT NOT NULL,
			evidence JSONB NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			proposal JSONB,
			opened_at TIMESTAMPTZ NOT NULL,
			evidence_deadline TIMESTAMPTZ NOT NULL,
			resolution_deadline TIMESTAMPTZ NOT NULL,
			last_activity_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mediation_cases (
			id UUID PRIMARY KEY,
			dispute_id UUID NOT NULL UNIQUE REFERENCES disputes(id),
			milestone_id UUID NOT NULL,
			mediator_ref TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			decided_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS resolutions (
			id UUID PRIMARY KEY,
			milestone_id UUID NOT NULL UNIQUE REFERENCES milestones(id),
			dispute_id TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			homeowner_share NUMERIC(20,8) NOT NULL CHECK (homeowner_share >= 0),
			contractor_share NUMERIC(20,8) NOT NULL CHECK (contractor_share >= 0),
			decided_by TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id UUID PRIMARY KEY,
			milestone_id UUID NOT NULL REFERENCES milestones(id),
			resolution_id TEXT NOT NULL DEFAULT '',
			payee_ref TEXT NOT NULL,
			amount NUMERIC(20,8) NOT NULL CHECK (amount > 0),
			direction TEXT NOT NULL,
			status TEXT NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			failure_code TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS transitions (
			id UUID PRIMARY KEY,
			entity_kind TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			reason TEXT NOT NULL,
			actor TEXT NOT NULL,
			hash TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			seq BIGSERIAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_entity ON transitions(entity_kind, entity_id, seq)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS outbox (
			id BIGSERIAL PRIMARY KEY,
			topic TEXT NOT NULL,
			payload BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			published_at TIMESTAMPTZ
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Within runs fn at SERIALIZABLE isolation, retrying bounded times on
// serialization failure (SQLSTATE 40001), the same way the ledger posts
// journal entries. An advisory transaction lock on the milestone ID keeps
// same-milestone transactions strictly ordered.
func (s *PostgresStore) Within(ctx context.Context, milestoneID string, fn func(tx Tx) error) error {
	const maxRetries = 3

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := s.withinOnce(ctx, milestoneID, fn)
		if err == nil {
			return nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "40001" {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("transaction failed after %d retries due to serialization failure: %w", 3, lastErr)
}

func (s *PostgresStore) withinOnce(ctx context.Context, milestoneID string, fn func(tx Tx) error) error {
	conn, err := s.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	dbTx, err := conn.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer dbTx.Rollback(ctx)

	if _, err := dbTx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, milestoneID); err != nil {
		return fmt.Errorf("acquire milestone lock: %w", err)
	}

	if err := fn(&pgTx{tx: dbTx}); err != nil {
		return err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) InsertMilestone(ctx context.Context, m *Milestone) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO milestones (`+milestoneColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		m.ID, m.ProjectID, m.Sequence, m.Amount.String(), m.CurrencyCode, m.HomeownerRef, m.ContractorRef,
		string(m.Status), m.DueDate, m.VerificationDeadline, m.DisputeWindowEnds,
		m.FailureCode, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		if isPgUnique(err) {
			return ErrStaleEntity
		}
		return fmt.Errorf("insert milestone: %w", err)
	}
	return nil
}

func pgScanMilestone(row pgx.Row) (*Milestone, error) {
	var m Milestone
	var amount, status string
	err := row.Scan(&m.ID, &m.ProjectID, &m.Sequence, &amount, &m.CurrencyCode, &m.HomeownerRef,
		&m.ContractorRef, &status, &m.DueDate, &m.VerificationDeadline, &m.DisputeWindowEnds,
		&m.FailureCode, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan milestone: %w", err)
	}
	if m.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse milestone amount: %w", err)
	}
	m.Status = MilestoneStatus(status)
	return &m, nil
}

const pgMilestoneSelect = `
	SELECT id, project_id, sequence, amount::text, currency_code, homeowner_ref, contractor_ref,
		status, due_date, verification_deadline, dispute_window_ends, failure_code, created_at, updated_at
	FROM milestones`

func (t *pgTx) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	return pgScanMilestone(t.tx.QueryRow(ctx, pgMilestoneSelect+` WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateMilestone(ctx context.Context, m *Milestone) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE milestones
		SET status = $1, verification_deadline = $2, dispute_window_ends = $3, failure_code = $4, updated_at = $5
		WHERE id = $6`,
		string(m.Status), m.VerificationDeadline, m.DisputeWindowEnds, m.FailureCode, m.UpdatedAt, m.ID)
	if err != nil {
		return fmt.Errorf("update milestone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertHold(ctx context.Context, h *EscrowHold) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO escrow_holds (`+holdColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		h.ID, h.MilestoneID, h.Amount.String(), h.ReleasedAmount.String(), string(h.State),
		h.Frozen, h.PayerRef, h.ProviderRef, h.CreatedAt, h.UpdatedAt)
	if err != nil {
		if isPgUnique(err) {
			return ErrStaleEntity
		}
		return fmt.Errorf("insert hold: %w", err)
	}
	return nil
}

func pgScanHold(row pgx.Row) (*EscrowHold, error) {
	var h EscrowHold
	var amount, released, state string
	err := row.Scan(&h.ID, &h.MilestoneID, &amount, &released, &state, &h.Frozen,
		&h.PayerRef, &h.ProviderRef, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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

const pgHoldSelect = `
	SELECT id, milestone_id, amount::text, released_amount::text, state, frozen, payer_ref, provider_ref,
		created_at, updated_at
	FROM escrow_holds`

func (t *pgTx) GetHoldByMilestone(ctx context.Context, milestoneID string) (*EscrowHold, error) {
	return pgScanHold(t.tx.QueryRow(ctx, pgHoldSelect+` WHERE milestone_id = $1 FOR UPDATE`, milestoneID))
}

func (t *pgTx) UpdateHold(ctx context.Context, h *EscrowHold) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE escrow_holds
		SET released_amount = $1, state = $2, frozen = $3, provider_ref = $4, updated_at = $5
		WHERE id = $6`,
		h.ReleasedAmount.String(), string(h.State), h.Frozen, h.ProviderRef, h.UpdatedAt, h.ID)
	if err != nil {
		return fmt.Errorf("update hold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertDispute(ctx context.Context, d *Dispute) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.MilestoneID, string(d.OpenedBy), d.Reason, d.Evidence, string(d.Status),
		d.Proposal, d.OpenedAt, d.EvidenceDeadline, d.ResolutionDeadline, d.LastActivityAt, d.UpdatedAt)
	if err != nil {
		if isPgUnique(err) {
			return ErrStaleEntity
		}
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func pgScanDispute(row pgx.Row) (*Dispute, error) {
	var d Dispute
	var openedBy, status string
	err := row.Scan(&d.ID, &d.MilestoneID, &openedBy, &d.Reason, &d.Evidence, &status,
		&d.Proposal, &d.OpenedAt, &d.EvidenceDeadline, &d.ResolutionDeadline, &d.LastActivityAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan dispute: %w", err)
	}
	d.OpenedBy = Party(openedBy)
	d.Status = DisputeStatus(status)
	return &d, nil
}

const pgDisputeSelect = `
	SELECT id, milestone_id, opened_by, reason, evidence, status, opened_at,
		evidence_deadline, resolution_deadline, last_activity_at, updated_at
	FROM disputes`

func (t *pgTx) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return pgScanDispute(t.tx.QueryRow(ctx, pgDisputeSelect+` WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) GetDisputeByMilestone(ctx context.Context, milestoneID string) (*Dispute, error) {
	return pgScanDispute(t.tx.QueryRow(ctx, pgDisputeSelect+` WHERE milestone_id = $1 FOR UPDATE`, milestoneID))
}

func (t *pgTx) UpdateDispute(ctx context.Context, d *Dispute) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE disputes
		SET evidence = $1, status = $2, proposal = $3, evidence_deadline = $4, resolution_deadline = $5,
			last_activity_at = $6, updated_at = $7
		WHERE id = $8`,
		d.Evidence, string(d.Status), d.Proposal, d.EvidenceDeadline, d.ResolutionDeadline,
		d.LastActivityAt, d.UpdatedAt, d.ID)
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertMediationCase(ctx context.Context, c *MediationCase) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO mediation_cases (`+mediationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.DisputeID, c.MilestoneID, c.MediatorRef, string(c.Status), c.CreatedAt, c.DecidedAt)
	if err != nil {
		if isPgUnique(err) {
			return ErrStaleEntity
		}
		return fmt.Errorf("insert mediation case: %w", err)
	}
	return nil
}

func pgScanMediationCase(row pgx.Row) (*MediationCase, error) {
	var c MediationCase
	var status string
	err := row.Scan(&c.ID, &c.DisputeID, &c.MilestoneID, &c.MediatorRef, &status, &c.CreatedAt, &c.DecidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan mediation case: %w", err)
	}
	c.Status = MediationStatus(status)
	return &c, nil
}

const pgMediationSelect = `
	SELECT id, dispute_id, milestone_id, mediator_ref, status, created_at, decided_at
	FROM mediation_cases`

func (t *pgTx) GetMediationCase(ctx context.Context, id string) (*MediationCase, error) {
	return pgScanMediationCase(t.tx.QueryRow(ctx, pgMediationSelect+` WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) GetMediationCaseByDispute(ctx context.Context, disputeID string) (*MediationCase, error) {
	return pgScanMediationCase(t.tx.QueryRow(ctx, pgMediationSelect+` WHERE dispute_id = $1 FOR UPDATE`, disputeID))
}

func (t *pgTx) UpdateMediationCase(ctx context.Context, c *MediationCase) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE mediation_cases
		SET mediator_ref = $1, status = $2, decided_at = $3
		WHERE id = $4`,
		c.MediatorRef, string(c.Status), c.DecidedAt, c.ID)
	if err != nil {
		return fmt.Errorf("update mediation case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertResolution(ctx context.Context, r *Resolution) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO resolutions (`+resolutionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.MilestoneID, r.DisputeID, string(r.Outcome),
		r.HomeownerShare.String(), r.ContractorShare.String(), string(r.DecidedBy), r.CreatedAt)
	if err != nil {
		if isPgUnique(err) {
			return ErrDuplicateResolution
		}
		return fmt.Errorf("insert resolution: %w", err)
	}
	return nil
}

func pgScanResolution(row pgx.Row) (*Resolution, error) {
	var r Resolution
	var outcome, homeowner, contractor, decidedBy string
	err := row.Scan(&r.ID, &r.MilestoneID, &r.DisputeID, &outcome, &homeowner, &contractor, &decidedBy, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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

const pgResolutionSelect = `
	SELECT id, milestone_id, dispute_id, outcome, homeowner_share::text, contractor_share::text,
		decided_by, created_at
	FROM resolutions`

func (t *pgTx) GetResolutionByMilestone(ctx context.Context, milestoneID string) (*Resolution, error) {
	return pgScanResolution(t.tx.QueryRow(ctx, pgResolutionSelect+` WHERE milestone_id = $1`, milestoneID))
}

func (t *pgTx) InsertPayment(ctx context.Context, p *Payment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.MilestoneID, p.ResolutionID, p.PayeeRef, p.Amount.String(), string(p.Direction),
		string(p.Status), p.IdempotencyKey, p.FailureCode, p.CreatedAt, p.CompletedAt)
	if err != nil {
		if isPgUnique(err) {
			return ErrDuplicatePayment
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func pgScanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var amount, direction, status string
	err := row.Scan(&p.ID, &p.MilestoneID, &p.ResolutionID, &p.PayeeRef, &amount, &direction,
		&status, &p.IdempotencyKey, &p.FailureCode, &p.CreatedAt, &p.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse payment amount: %w", err)
	}
	p.Direction = PaymentDirection(direction)
	p.Status = PaymentStatus(status)
	return &p, nil
}

const pgPaymentSelect = `
	SELECT id, milestone_id, resolution_id, payee_ref, amount::text, direction, status,
		idempotency_key, failure_code, created_at, completed_at
	FROM payments`

func (t *pgTx) GetPaymentByKey(ctx context.Context, idempotencyKey string) (*Payment, error) {
	return pgScanPayment(t.tx.QueryRow(ctx, pgPaymentSelect+` WHERE idempotency_key = $1 FOR UPDATE`, idempotencyKey))
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *Payment) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE payments
		SET status = $1, failure_code = $2, completed_at = $3
		WHERE id = $4`,
		string(p.Status), p.FailureCode, p.CompletedAt, p.ID)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func pgListPayments(ctx context.Context, q pgQuerier, milestoneID string) ([]*Payment, error) {
	rows, err := q.Query(ctx, pgPaymentSelect+` WHERE milestone_id = $1 ORDER BY created_at, idempotency_key`, milestoneID)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		p, err := pgScanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *pgTx) ListPaymentsByMilestone(ctx context.Context, milestoneID string) ([]*Payment, error) {
	return pgListPayments(ctx, t.tx, milestoneID)
}

func (t *pgTx) AppendTransition(ctx context.Context, tr *Transition) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transitions (`+transitionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tr.ID, string(tr.EntityKind), tr.EntityID, tr.FromState, tr.ToState, tr.Reason, tr.Actor,
		tr.Hash, tr.PrevHash, tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

func pgScanTransition(row pgx.Row) (*Transition, error) {
	var tr Transition
	var kind string
	err := row.Scan(&tr.ID, &kind, &tr.EntityID, &tr.FromState, &tr.ToState, &tr.Reason,
		&tr.Actor, &tr.Hash, &tr.PrevHash, &tr.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan transition: %w", err)
	}
	tr.EntityKind = EntityKind(kind)
	return &tr, nil
}

const pgTransitionSelect = `
	SELECT id, entity_kind, entity_id, from_state, to_state, reason, actor, hash, prev_hash, created_at
	FROM transitions`

func (t *pgTx) LatestTransition(ctx context.Context, kind EntityKind, entityID string) (*Transition, error) {
	return pgScanTransition(t.tx.QueryRow(ctx, pgTransitionSelect+`
		WHERE entity_kind = $1 AND entity_id = $2
		ORDER BY seq DESC LIMIT 1`, string(kind), entityID))
}

func (t *pgTx) InsertIdempotencyKey(ctx context.Context, key string) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO idempotency_keys (key) VALUES ($1)`, key)
	if err != nil {
		if isPgUnique(err) {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert idempotency key: %w", err)
	}
	return nil
}

func (t *pgTx) HasIdempotencyKey(ctx context.Context, key string) (bool, error) {
	var one int
	err := t.tx.QueryRow(ctx, `SELECT 1 FROM idempotency_keys WHERE key = $1`, key).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check idempotency key: %w", err)
	}
	return true, nil
}

func (t *pgTx) AppendOutbox(ctx context.Context, topic string, payload []byte) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO outbox (topic, payload, created_at) VALUES ($1, $2, now())`, topic, payload)
	if err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}
	return nil
}

// Read-only Store methods.

func (s *PostgresStore) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	return pgScanMilestone(s.Pool.QueryRow(ctx, pgMilestoneSelect+` WHERE id = $1`, id))
}

func (s *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return pgScanDispute(s.Pool.QueryRow(ctx, pgDisputeSelect+` WHERE id = $1`, id))
}

func (s *PostgresStore) GetMediationCase(ctx context.Context, id string) (*MediationCase, error) {
	return pgScanMediationCase(s.Pool.QueryRow(ctx, pgMediationSelect+` WHERE id = $1`, id))
}

func (s *PostgresStore) GetHoldByMilestone(ctx context.Context, milestoneID string) (*EscrowHold, error) {
	return pgScanHold(s.Pool.QueryRow(ctx, pgHoldSelect+` WHERE milestone_id = $1`, milestoneID))
}

func (s *PostgresStore) GetResolutionByMilestone(ctx context.Context, milestoneID string) (*Resolution, error) {
	return pgScanResolution(s.Pool.QueryRow(ctx, pgResolutionSelect+` WHERE milestone_id = $1`, milestoneID))
}

func (s *PostgresStore) ListPaymentsByMilestone(ctx context.Context, milestoneID string) ([]*Payment, error) {
	return pgListPayments(ctx, s.Pool, milestoneID)
}

func (s *PostgresStore) TransitionHistory(ctx context.Context, kind EntityKind, entityID string) ([]*Transition, error) {
	rows, err := s.Pool.Query(ctx, pgTransitionSelect+`
		WHERE entity_kind = $1 AND entity_id = $2
		ORDER BY seq`, string(kind), entityID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []*Transition
	for rows.Next() {
		tr, err := pgScanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DueVerifications(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM milestones
		WHERE status = $1 AND verification_deadline IS NOT NULL AND verification_deadline <= $2
		ORDER BY verification_deadline LIMIT $3`,
		string(MilestonePendingVerification), now, limitOrMax(limit))
}

func (s *PostgresStore) ExpiredEvidenceWindows(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM disputes
		WHERE status = $1 AND evidence_deadline <= $2
		ORDER BY evidence_deadline LIMIT $3`,
		string(DisputeEvidenceCollection), now, limitOrMax(limit))
}

func (s *PostgresStore) StalledDisputes(ctx context.Context, inactiveSince time.Time, limit int) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM disputes
		WHERE status = ANY($1) AND last_activity_at < $2
		ORDER BY last_activity_at LIMIT $3`,
		[]string{string(DisputeEvidenceCollection), string(DisputeUnderReview)}, inactiveSince, limitOrMax(limit))
}

func (s *PostgresStore) UnassignedMediationCases(ctx context.Context, limit int) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM mediation_cases
		WHERE status = $1 AND mediator_ref = ''
		ORDER BY created_at LIMIT $2`,
		string(MediationAssigned), limitOrMax(limit))
}

func (s *PostgresStore) PendingPayments(ctx context.Context, limit int) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT DISTINCT milestone_id::text FROM payments
		WHERE status = $1
		ORDER BY milestone_id::text LIMIT $2`,
		string(PaymentPending), limitOrMax(limit))
}

func (s *PostgresStore) OpenHolds(ctx context.Context, limit int) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT milestone_id::text FROM escrow_holds
		WHERE state = ANY($1)
		ORDER BY milestone_id::text LIMIT $2`,
		[]string{string(HoldRequested), string(HoldActive), string(HoldPartiallyReleased)}, limitOrMax(limit))
}

func (s *PostgresStore) UnpublishedOutbox(ctx context.Context, limit int) ([]*OutboxMessage, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, topic, payload, created_at FROM outbox
		WHERE published_at IS NULL
		ORDER BY id LIMIT $1`, limitOrMax(limit))
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

func (s *PostgresStore) MarkOutboxPublished(ctx context.Context, id int64) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE outbox SET published_at = now() WHERE id = $1 AND published_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.Pool.Query(ctx, query, args...)
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

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
