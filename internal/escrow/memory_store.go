package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	escrows map[string]*Escrow
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{escrows: make(map[string]*Escrow)}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetByPayment(ctx context.Context, paymentID string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.escrows {
		if e.PaymentID == paymentID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetByOnchainRef(ctx context.Context, onchainEscrowID string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.escrows {
		if e.OnchainEscrowID != "" && e.OnchainEscrowID == onchainEscrowID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[e.ID]; !ok {
		return ErrNotFound
	}
	cp := *e
	cp.UpdatedAt = time.Now()
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) MarkFunded(ctx context.Context, id, fundingRef string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.Status == StatusActive && e.FundingRef == fundingRef {
		return false, nil
	}
	if e.Status != StatusPending {
		return false, ErrInvalidState
	}
	e.Status = StatusActive
	e.FundingRef = fundingRef
	e.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) MarkReleased(ctx context.Context, id, txHash string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusActive || e.DisputeStatus == DisputePending {
		return ErrInvalidState
	}
	e.Status = StatusReleased
	e.ReleaseTxHash = txHash
	e.PayoutStatus = PayoutPending
	e.UpdatedAt = now
	return nil
}

func (m *MemoryStore) MarkRefunded(ctx context.Context, id, ref string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusActive {
		return ErrInvalidState
	}
	e.Status = StatusRefunded
	e.RefundTxHash = ref
	e.UpdatedAt = now
	return nil
}

func (m *MemoryStore) SetDisputeStatus(ctx context.Context, id string, ds DisputeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return ErrNotFound
	}
	e.DisputeStatus = ds
	e.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetOnchainRef(ctx context.Context, id, onchainEscrowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return ErrNotFound
	}
	e.OnchainEscrowID = onchainEscrowID
	e.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) MarkPaidOut(ctx context.Context, id, payoutRef string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return ErrNotFound
	}
	if e.PayoutStatus != PayoutPending {
		return ErrInvalidState
	}
	e.PayoutStatus = PayoutPaid
	e.PayoutRef = payoutRef
	e.UpdatedAt = now
	return nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == StatusActive && e.DisputeStatus != DisputePending && e.CustodyEnd.Before(before) {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CustodyEnd.Before(result[j].CustodyEnd) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByPayoutStatus(ctx context.Context, ps PayoutStatus, limit int) ([]*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Escrow
	for _, e := range m.escrows {
		if e.PayoutStatus == ps {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
