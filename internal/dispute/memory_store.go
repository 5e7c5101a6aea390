package dispute

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu       sync.Mutex
	disputes map[string]*Dispute
	history  map[string][]*HistoryEntry
	nextID   int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		history:  make(map[string][]*HistoryEntry),
		nextID:   1,
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.disputes {
		if existing.PaymentID == d.PaymentID && existing.Status == StatusPending {
			return ErrAlreadyOpen
		}
	}
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetOpenByPayment(ctx context.Context, paymentID string) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.disputes {
		if d.PaymentID == paymentID && d.Status == StatusPending {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByPayment(ctx context.Context, paymentID string) ([]*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Dispute
	for _, d := range m.disputes {
		if d.PaymentID == paymentID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Dispute
	for _, d := range m.disputes {
		if d.Status == StatusPending {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Resolve(ctx context.Context, id string, res Resolution, resolvedBy, note string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status != StatusPending {
		return ErrResolved
	}
	d.Status = StatusResolved
	d.Resolution = res
	d.ResolvedBy = resolvedBy
	d.ResolutionNote = note
	d.ResolvedAt = &now
	return nil
}

func (m *MemoryStore) SetOnchainTxHash(ctx context.Context, id, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return ErrNotFound
	}
	d.OnchainTxHash = txHash
	return nil
}

func (m *MemoryStore) SetRefundRef(ctx context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return ErrNotFound
	}
	d.RefundRef = ref
	return nil
}

func (m *MemoryStore) AppendHistory(ctx context.Context, e *HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	cp.ID = m.nextID
	m.nextID++
	m.history[e.DisputeID] = append(m.history[e.DisputeID], &cp)
	return nil
}

func (m *MemoryStore) ListHistory(ctx context.Context, disputeID string) ([]*HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.history[disputeID]
	out := make([]*HistoryEntry, 0, len(entries))
	for _, e := range entries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}
