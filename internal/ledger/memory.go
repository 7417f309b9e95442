package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and single-process
// development runs. Transactions stage their writes and commit atomically;
// a per-milestone mutex provides the serialization guarantee.
type MemoryStore struct {
	mu    sync.RWMutex
	locks sync.Map // milestoneID -> *sync.Mutex

	milestones  map[string]*Milestone
	holds       map[string]*EscrowHold // keyed by milestone ID
	disputes    map[string]*Dispute
	mediations  map[string]*MediationCase
	resolutions map[string]*Resolution // keyed by milestone ID
	payments    map[string]*Payment    // keyed by idempotency key
	idemKeys    map[string]bool
	transitions map[string][]*Transition
	outbox      []*OutboxMessage
	outboxSeq   int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		milestones:  make(map[string]*Milestone),
		holds:       make(map[string]*EscrowHold),
		disputes:    make(map[string]*Dispute),
		mediations:  make(map[string]*MediationCase),
		resolutions: make(map[string]*Resolution),
		payments:    make(map[string]*Payment),
		idemKeys:    make(map[string]bool),
		transitions: make(map[string][]*Transition),
	}
}

func (ms *MemoryStore) milestoneLock(milestoneID string) *sync.Mutex {
	v, _ := ms.locks.LoadOrStore(milestoneID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Within runs fn inside a staged transaction serialized on milestoneID.
func (ms *MemoryStore) Within(ctx context.Context, milestoneID string, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := ms.milestoneLock(milestoneID)
	lock.Lock()
	defer lock.Unlock()

	tx := &memTx{
		store:       ms,
		milestones:  make(map[string]*Milestone),
		holds:       make(map[string]*EscrowHold),
		disputes:    make(map[string]*Dispute),
		mediations:  make(map[string]*MediationCase),
		resolutions: make(map[string]*Resolution),
		payments:    make(map[string]*Payment),
		idemKeys:    make(map[string]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	store *MemoryStore

	milestones  map[string]*Milestone
	holds       map[string]*EscrowHold
	disputes    map[string]*Dispute
	mediations  map[string]*MediationCase
	resolutions map[string]*Resolution
	payments    map[string]*Payment
	idemKeys    map[string]bool
	transitions []*Transition
	outbox      []*OutboxMessage
}

func (tx *memTx) commit() {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, m := range tx.milestones {
		s.milestones[id] = m
	}
	for id, h := range tx.holds {
		s.holds[id] = h
	}
	for id, d := range tx.disputes {
		s.disputes[id] = d
	}
	for id, c := range tx.mediations {
		s.mediations[id] = c
	}
	for id, r := range tx.resolutions {
		s.resolutions[id] = r
	}
	for key, p := range tx.payments {
		s.payments[key] = p
	}
	for key := range tx.idemKeys {
		s.idemKeys[key] = true
	}
	for _, t := range tx.transitions {
		key := string(t.EntityKind) + "|" + t.EntityID
		s.transitions[key] = append(s.transitions[key], copyTransition(t))
	}
	for _, o := range tx.outbox {
		s.outboxSeq++
		o.ID = s.outboxSeq
		s.outbox = append(s.outbox, o)
	}
}

func (tx *memTx) InsertMilestone(ctx context.Context, m *Milestone) error {
	tx.store.mu.RLock()
	_, exists := tx.store.milestones[m.ID]
	tx.store.mu.RUnlock()
	if exists {
		return ErrStaleEntity
	}
	tx.milestones[m.ID] = copyMilestone(m)
	return nil
}

func (tx *memTx) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	if m, ok := tx.milestones[id]; ok {
		return copyMilestone(m), nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	m, ok := tx.store.milestones[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMilestone(m), nil
}

func (tx *memTx) UpdateMilestone(ctx context.Context, m *Milestone) error {
	if _, err := tx.GetMilestone(ctx, m.ID); err != nil {
		return err
	}
	tx.milestones[m.ID] = copyMilestone(m)
	return nil
}

func (tx *memTx) InsertHold(ctx context.Context, h *EscrowHold) error {
	if _, err := tx.GetHoldByMilestone(ctx, h.MilestoneID); err == nil {
		return ErrStaleEntity
	}
	tx.holds[h.MilestoneID] = copyHold(h)
	return nil
}

func (tx *memTx) GetHoldByMilestone(ctx context.Context, milestoneID string) (*EscrowHold, error) {
	if h, ok := tx.holds[milestoneID]; ok {
		return copyHold(h), nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	h, ok := tx.store.holds[milestoneID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyHold(h), nil
}

func (tx *memTx) UpdateHold(ctx context.Context, h *EscrowHold) error {
	if _, err := tx.GetHoldByMilestone(ctx, h.MilestoneID); err != nil {
		return err
	}
	tx.holds[h.MilestoneID] = copyHold(h)
	return nil
}

func (tx *memTx) InsertDispute(ctx context.Context, d *Dispute) error {
	if _, err := tx.GetDisputeByMilestone(ctx, d.MilestoneID); err == nil {
		return ErrStaleEntity
	}
	tx.disputes[d.ID] = copyDispute(d)
	return nil
}

func (tx *memTx) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	if d, ok := tx.disputes[id]; ok {
		return copyDispute(d), nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	d, ok := tx.store.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDispute(d), nil
}

func (tx *memTx) GetDisputeByMilestone(ctx context.Context, milestoneID string) (*Dispute, error) {
	for _, d := range tx.disputes {
		if d.MilestoneID == milestoneID {
			return copyDispute(d), nil
		}
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	for _, d := range tx.store.disputes {
		if d.MilestoneID == milestoneID {
			return copyDispute(d), nil
		}
	}
	return nil, ErrNotFound
}

func (tx *memTx) UpdateDispute(ctx context.Context, d *Dispute) error {
	if _, err := tx.GetDispute(ctx, d.ID); err != nil {
		return err
	}
	tx.disputes[d.ID] = copyDispute(d)
	return nil
}

func (tx *memTx) InsertMediationCase(ctx context.Context, c *MediationCase) error {
	if _, err := tx.GetMediationCaseByDispute(ctx, c.DisputeID); err == nil {
		return ErrStaleEntity
	}
	tx.mediations[c.ID] = copyMediationCase(c)
	return nil
}

func (tx *memTx) GetMediationCase(ctx context.Context, id string) (*MediationCase, error) {
	if c, ok := tx.mediations[id]; ok {
		return copyMediationCase(c), nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	c, ok := tx.store.mediations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMediationCase(c), nil
}

func (tx *memTx) GetMediationCaseByDispute(ctx context.Context, disputeID string) (*MediationCase, error) {
	for _, c := range tx.mediations {
		if c.DisputeID == disputeID {
			return copyMediationCase(c), nil
		}
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	for _, c := range tx.store.mediations {
		if c.DisputeID == disputeID {
			return copyMediationCase(c), nil
		}
	}
	return nil, ErrNotFound
}

func (tx *memTx) UpdateMediationCase(ctx context.Context, c *MediationCase) error {
	if _, err := tx.GetMediationCase(ctx, c.ID); err != nil {
		return err
	}
	tx.mediations[c.ID] = copyMediationCase(c)
	return nil
}

func (tx *memTx) InsertResolution(ctx context.Context, r *Resolution) error {
	if _, err := tx.GetResolutionByMilestone(ctx, r.MilestoneID); err == nil {
		return ErrDuplicateResolution
	}
	tx.resolutions[r.MilestoneID] = copyResolution(r)
	return nil
}

func (tx *memTx) GetResolutionByMilestone(ctx context.Context, milestoneID string) (*Resolution, error) {
	if r, ok := tx.resolutions[milestoneID]; ok {
		return copyResolution(r), nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	r, ok := tx.store.resolutions[milestoneID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyResolution(r), nil
}

func (tx *memTx) InsertPayment(ctx context.Context, p *Payment) error {
	if _, err := tx.GetPaymentByKey(ctx, p.IdempotencyKey); err == nil {
		return ErrDuplicatePayment
	}
	tx.payments[p.IdempotencyKey] = copyPayment(p)
	return nil
}

func (tx *memTx) GetPaymentByKey(ctx context.Context, idempotencyKey string) (*Payment, error) {
	if p, ok := tx.payments[idempotencyKey]; ok {
		return copyPayment(p), nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	p, ok := tx.store.payments[idempotencyKey]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPayment(p), nil
}

func (tx *memTx) UpdatePayment(ctx context.Context, p *Payment) error {
	if _, err := tx.GetPaymentByKey(ctx, p.IdempotencyKey); err != nil {
		return err
	}
	tx.payments[p.IdempotencyKey] = copyPayment(p)
	return nil
}

func (tx *memTx) ListPaymentsByMilestone(ctx context.Context, milestoneID string) ([]*Payment, error) {
	var out []*Payment
	for _, p := range tx.payments {
		if p.MilestoneID == milestoneID {
			out = append(out, copyPayment(p))
		}
	}
	tx.store.mu.RLock()
	for key, p := range tx.store.payments {
		if _, staged := tx.payments[key]; staged {
			continue
		}
		if p.MilestoneID == milestoneID {
			out = append(out, copyPayment(p))
		}
	}
	tx.store.mu.RUnlock()
	sortPayments(out)
	return out, nil
}

func (tx *memTx) InsertIdempotencyKey(ctx context.Context, key string) error {
	exists, err := tx.HasIdempotencyKey(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateIdempotencyKey
	}
	tx.idemKeys[key] = true
	return nil
}

func (tx *memTx) HasIdempotencyKey(ctx context.Context, key string) (bool, error) {
	if tx.idemKeys[key] {
		return true, nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return tx.store.idemKeys[key], nil
}

func (tx *memTx) AppendTransition(ctx context.Context, t *Transition) error {
	tx.transitions = append(tx.transitions, copyTransition(t))
	return nil
}

func (tx *memTx) LatestTransition(ctx context.Context, kind EntityKind, entityID string) (*Transition, error) {
	for i := len(tx.transitions) - 1; i >= 0; i-- {
		if tx.transitions[i].EntityKind == kind && tx.transitions[i].EntityID == entityID {
			return copyTransition(tx.transitions[i]), nil
		}
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	history := tx.store.transitions[string(kind)+"|"+entityID]
	if len(history) == 0 {
		return nil, ErrNotFound
	}
	return copyTransition(history[len(history)-1]), nil
}

func (tx *memTx) AppendOutbox(ctx context.Context, topic string, payload []byte) error {
	tx.outbox = append(tx.outbox, &OutboxMessage{
		Topic:     topic,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// Read-only Store methods.

func (ms *MemoryStore) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	m, ok := ms.milestones[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMilestone(m), nil
}

func (ms *MemoryStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	d, ok := ms.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDispute(d), nil
}

func (ms *MemoryStore) GetMediationCase(ctx context.Context, id string) (*MediationCase, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	c, ok := ms.mediations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMediationCase(c), nil
}

func (ms *MemoryStore) GetHoldByMilestone(ctx context.Context, milestoneID string) (*EscrowHold, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	h, ok := ms.holds[milestoneID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyHold(h), nil
}

func (ms *MemoryStore) GetResolutionByMilestone(ctx context.Context, milestoneID string) (*Resolution, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	r, ok := ms.resolutions[milestoneID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyResolution(r), nil
}

func (ms *MemoryStore) ListPaymentsByMilestone(ctx context.Context, milestoneID string) ([]*Payment, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var out []*Payment
	for _, p := range ms.payments {
		if p.MilestoneID == milestoneID {
			out = append(out, copyPayment(p))
		}
	}
	sortPayments(out)
	return out, nil
}

func (ms *MemoryStore) TransitionHistory(ctx context.Context, kind EntityKind, entityID string) ([]*Transition, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	history := ms.transitions[string(kind)+"|"+entityID]
	out := make([]*Transition, 0, len(history))
	for _, t := range history {
		out = append(out, copyTransition(t))
	}
	return out, nil
}

func (ms *MemoryStore) DueVerifications(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var out []string
	for id, m := range ms.milestones {
		if m.Status == MilestonePendingVerification && m.VerificationDeadline != nil && !m.VerificationDeadline.After(now) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return clip(out, limit), nil
}

func (ms *MemoryStore) ExpiredEvidenceWindows(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var out []string
	for id, d := range ms.disputes {
		if d.Status == DisputeEvidenceCollection && !d.EvidenceDeadline.After(now) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return clip(out, limit), nil
}

func (ms *MemoryStore) StalledDisputes(ctx context.Context, inactiveSince time.Time, limit int) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var out []string
	for id, d := range ms.disputes {
		switch d.Status {
		case DisputeEvidenceCollection, DisputeUnderReview:
			if d.LastActivityAt.Before(inactiveSince) {
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return clip(out, limit), nil
}

func (ms *MemoryStore) UnassignedMediationCases(ctx context.Context, limit int) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var out []string
	for id, c := range ms.mediations {
		if c.Status == MediationAssigned && c.MediatorRef == "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return clip(out, limit), nil
}

func (ms *MemoryStore) PendingPayments(ctx context.Context, limit int) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, p := range ms.payments {
		if p.Status == PaymentPending && !seen[p.MilestoneID] {
			seen[p.MilestoneID] = true
			out = append(out, p.MilestoneID)
		}
	}
	sort.Strings(out)
	return clip(out, limit), nil
}

func (ms *MemoryStore) OpenHolds(ctx context.Context, limit int) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var out []string
	for milestoneID, h := range ms.holds {
		switch h.State {
		case HoldRequested, HoldActive, HoldPartiallyReleased:
			out = append(out, milestoneID)
		}
	}
	sort.Strings(out)
	return clip(out, limit), nil
}

func (ms *MemoryStore) UnpublishedOutbox(ctx context.Context, limit int) ([]*OutboxMessage, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var out []*OutboxMessage
	for _, o := range ms.outbox {
		if o.PublishedAt == nil {
			dup := *o
			dup.Payload = append([]byte(nil), o.Payload...)
			out = append(out, &dup)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (ms *MemoryStore) MarkOutboxPublished(ctx context.Context, id int64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, o := range ms.outbox {
		if o.ID == id {
			now := time.Now().UTC()
			o.PublishedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

func clip(ids []string, limit int) []string {
	if limit > 0 && len(ids) > limit {
		return ids[:limit]
	}
	return ids
}

func sortPayments(ps []*Payment) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].IdempotencyKey < ps[j].IdempotencyKey
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}

func copyMilestone(m *Milestone) *Milestone {
	dup := *m
	dup.VerificationDeadline = copyTime(m.VerificationDeadline)
	dup.DisputeWindowEnds = copyTime(m.DisputeWindowEnds)
	return &dup
}

func copyHold(h *EscrowHold) *EscrowHold {
	dup := *h
	return &dup
}

func copyDispute(d *Dispute) *Dispute {
	dup := *d
	dup.Evidence = append([]Evidence(nil), d.Evidence...)
	if d.Proposal != nil {
		p := *d.Proposal
		p.AcceptedBy = append([]Party(nil), d.Proposal.AcceptedBy...)
		dup.Proposal = &p
	}
	return &dup
}

func copyMediationCase(c *MediationCase) *MediationCase {
	dup := *c
	dup.DecidedAt = copyTime(c.DecidedAt)
	return &dup
}

func copyResolution(r *Resolution) *Resolution {
	dup := *r
	return &dup
}

func copyPayment(p *Payment) *Payment {
	dup := *p
	dup.CompletedAt = copyTime(p.CompletedAt)
	return &dup
}

func copyTransition(t *Transition) *Transition {
	dup := *t
	return &dup
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	dup := *t
	return &dup
}
