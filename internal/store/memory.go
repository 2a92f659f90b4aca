package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/payswitch/internal/domain"
)

// Memory is an in-process Store for single-node runs and tests.
type Memory struct {
	mu          sync.Mutex
	txns        map[string]*domain.Transaction
	dedupe      map[string]string
	transitions map[string][]domain.Transition
	banks       map[string]domain.Bank
	vpas        map[string]string
	events      []*domain.OutboxEvent
	batches     map[string]*domain.SettlementBatch
	seq         int64
}

func NewMemory() *Memory {
	return &Memory{
		txns:        map[string]*domain.Transaction{},
		dedupe:      map[string]string{},
		transitions: map[string][]domain.Transition{},
		banks:       map[string]domain.Bank{},
		vpas:        map[string]string{},
		batches:     map[string]*domain.SettlementBatch{},
	}
}

func dedupeKey(payer, key string) string { return payer + "\x00" + key }

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}

func (m *Memory) CreateTransaction(_ context.Context, t *domain.Transaction, tr domain.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := dedupeKey(t.PayerVPA, t.DedupeKey)
	if _, ok := m.dedupe[k]; ok {
		return domain.ErrDuplicateDedupeKey
	}
	m.dedupe[k] = t.ID
	m.txns[t.ID] = t.Clone()
	m.transitions[t.ID] = append(m.transitions[t.ID], tr)
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) GetTransactionByDedupe(_ context.Context, payerVPA, key string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.dedupe[dedupeKey(payerVPA, key)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return m.txns[id].Clone(), nil
}

func (m *Memory) UpdateTransaction(_ context.Context, u TransactionUpdate) error {
	if err := checkUpdate(u); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.txns[u.Txn.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != u.ExpectedVersion {
		return domain.ErrVersionConflict
	}
	if u.Transition != nil && cur.State != u.Transition.From {
		return domain.ErrVersionConflict
	}
	if u.Transition == nil && cur.State != u.Txn.State {
		return domain.ErrInvalidTransition
	}
	m.txns[u.Txn.ID] = u.Txn.Clone()
	if u.Transition != nil {
		m.transitions[u.Txn.ID] = append(m.transitions[u.Txn.ID], *u.Transition)
	}
	if u.Event != nil {
		m.appendEvent(*u.Event)
	}
	return nil
}

func (m *Memory) appendEvent(ev domain.OutboxEvent) {
	m.seq++
	ev.Seq = m.seq
	m.events = append(m.events, &ev)
}

func (m *Memory) ClaimStale(_ context.Context, now, leaseUntil time.Time, limit int) ([]*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []*domain.Transaction
	for _, t := range m.txns {
		if !t.State.Terminal() && t.LeaseUntil.Before(now) {
			stale = append(stale, t)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		if !stale[i].LeaseUntil.Equal(stale[j].LeaseUntil) {
			return stale[i].LeaseUntil.Before(stale[j].LeaseUntil)
		}
		return stale[i].ID < stale[j].ID
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	out := make([]*domain.Transaction, 0, len(stale))
	for _, t := range stale {
		t.LeaseUntil = leaseUntil
		t.Version++
		out = append(out, t.Clone())
	}
	return out, nil
}

func (m *Memory) ListTransitions(_ context.Context, id string) ([]domain.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Transition(nil), m.transitions[id]...), nil
}

func (m *Memory) ListSettleable(_ context.Context, start, end time.Time) ([]*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Transaction
	for _, t := range m.txns {
		if t.State != domain.StateSuccess || t.TerminalAt == nil {
			continue
		}
		if t.TerminalAt.Before(start) || !t.TerminalAt.Before(end) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TerminalAt.Equal(*out[j].TerminalAt) {
			return out[i].TerminalAt.Before(*out[j].TerminalAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpsertBank(_ context.Context, b domain.Bank) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.banks[b.Code]; ok {
		b.CreatedAt = prev.CreatedAt
	}
	m.banks[b.Code] = b
	return nil
}

func (m *Memory) ListBanks(context.Context) ([]domain.Bank, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Bank, 0, len(m.banks))
	for _, b := range m.banks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *Memory) ResolveVPA(_ context.Context, vpa string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, ok := m.vpas[vpa]
	if !ok {
		return "", domain.ErrUnknownVPA
	}
	return code, nil
}

func (m *Memory) UpsertVPA(_ context.Context, vpa, bankCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vpas[vpa] = bankCode
	return nil
}

func (m *Memory) DeleteVPA(_ context.Context, vpa string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vpas[vpa]; !ok {
		return domain.ErrUnknownVPA
	}
	delete(m.vpas, vpa)
	return nil
}

func (m *Memory) PendingEvents(_ context.Context, limit int) ([]domain.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OutboxEvent
	for _, ev := range m.events {
		if ev.PublishedAt != nil {
			continue
		}
		out = append(out, *ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) findEvent(id string) *domain.OutboxEvent {
	for _, ev := range m.events {
		if ev.ID == id {
			return ev
		}
	}
	return nil
}

func (m *Memory) MarkPublished(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.findEvent(id)
	if ev == nil {
		return false, domain.ErrNotFound
	}
	if ev.PublishedAt != nil {
		return false, nil
	}
	ev.PublishedAt = &at
	ev.PublishAttempts++
	return true, nil
}

func (m *Memory) MarkFailed(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.findEvent(id)
	if ev == nil {
		return domain.ErrNotFound
	}
	ev.PublishAttempts++
	ev.LastError = reason
	return nil
}

// Events returns every event, published or not, in creation order.
func (m *Memory) Events() []domain.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.OutboxEvent, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, *ev)
	}
	return out
}

func cloneBatch(b *domain.SettlementBatch) *domain.SettlementBatch {
	c := *b
	c.TransactionIDs = append([]string(nil), b.TransactionIDs...)
	c.Nets = append([]domain.PairNet(nil), b.Nets...)
	c.Mismatches = append([]domain.Mismatch(nil), b.Mismatches...)
	c.Reports = make([]domain.BankReport, 0, len(b.Reports))
	for _, r := range b.Reports {
		nets := make(map[string]int64, len(r.NetByCounterparty))
		for k, v := range r.NetByCounterparty {
			nets[k] = v
		}
		r.NetByCounterparty = nets
		c.Reports = append(c.Reports, r)
	}
	return &c
}

func (m *Memory) CreateBatch(_ context.Context, b *domain.SettlementBatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[b.ID]; ok {
		return false, nil
	}
	m.batches[b.ID] = cloneBatch(b)
	return true, nil
}

func (m *Memory) GetBatch(_ context.Context, id string) (*domain.SettlementBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneBatch(b), nil
}

func (m *Memory) CloseBatch(_ context.Context, b *domain.SettlementBatch, ev domain.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.batches[b.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != domain.BatchOpen {
		return domain.ErrVersionConflict
	}
	next := cloneBatch(b)
	next.Status = domain.BatchClosed
	m.batches[b.ID] = next
	m.appendEvent(ev)
	return nil
}

func (m *Memory) SaveReport(_ context.Context, batchID string, r domain.BankReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.batches[batchID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != domain.BatchClosed {
		return domain.ErrBatchNotClosed
	}
	for i := range cur.Reports {
		if cur.Reports[i].BankCode == r.BankCode {
			cur.Reports[i] = r
			return nil
		}
	}
	cur.Reports = append(cur.Reports, r)
	return nil
}

func (m *Memory) FinalizeBatch(_ context.Context, b *domain.SettlementBatch, ev domain.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.batches[b.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != domain.BatchClosed {
		return domain.ErrVersionConflict
	}
	if b.Status != domain.BatchReconciled && b.Status != domain.BatchMismatched {
		return domain.ErrInvalidTransition
	}
	cur.Status = b.Status
	cur.Mismatches = append([]domain.Mismatch(nil), b.Mismatches...)
	cur.ReconciledAt = b.ReconciledAt
	m.appendEvent(ev)
	return nil
}
