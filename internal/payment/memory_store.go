package payment

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/custodia-pay/custodia/internal/pagination"
)

// MemoryStore is an in-memory payment store for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	payments map[string]*Payment
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*Payment)}
}

func (m *MemoryStore) Create(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.payments {
		if existing.DepositRef != "" && existing.DepositRef == p.DepositRef {
			return ErrDuplicateRef
		}
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetByDepositRef(ctx context.Context, ref string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.DepositRef == ref {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Update(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	cp.UpdatedAt = time.Now()
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != from || !CanTransition(from, to) {
		return ErrInvalidState
	}
	p.Status = to
	p.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Approve(ctx context.Context, id string, role Role, now time.Time) (*Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if p.Status != StatusFunded {
		return nil, false, ErrInvalidState
	}

	switch role {
	case RolePayer:
		if p.PayerApproved {
			return nil, false, ErrAlreadyApproved
		}
		p.PayerApproved = true
		p.PayerApprovedAt = &now
	case RolePayee:
		if p.PayeeApproved {
			return nil, false, ErrAlreadyApproved
		}
		p.PayeeApproved = true
		p.PayeeApprovedAt = &now
	default:
		return nil, false, ErrUnauthorized
	}

	triggered := false
	if p.DualApproved() {
		p.Status = StatusReleasing
		triggered = true
	}
	p.UpdatedAt = now

	cp := *p
	return &cp, triggered, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Payment
	for _, p := range m.payments {
		if p.Status == status {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByParticipant(ctx context.Context, email string, cursor *pagination.Cursor, limit int) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Payment
	for _, p := range m.payments {
		if !strings.EqualFold(p.PayerEmail, email) && !strings.EqualFold(p.PayeeEmail, email) {
			continue
		}
		if cursor != nil && !beforeCursor(p, cursor) {
			continue
		}
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// beforeCursor reports whether p sorts strictly after the cursor position
// in the newest-first order.
func beforeCursor(p *Payment, c *pagination.Cursor) bool {
	if p.CreatedAt.Equal(c.CreatedAt) {
		return p.ID < c.ID
	}
	return p.CreatedAt.Before(c.CreatedAt)
}

// MemoryEventStore is an in-memory append-only event log.
type MemoryEventStore struct {
	mu     sync.Mutex
	nextID int64
	events []*Event
}

// NewMemoryEventStore creates a new in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{nextID: 1}
}

func (m *MemoryEventStore) Append(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	cp.ID = m.nextID
	m.nextID++
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryEventStore) List(ctx context.Context, paymentID string) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Event
	for _, e := range m.events {
		if e.PaymentID == paymentID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Compile-time assertions.
var (
	_ Store      = (*MemoryStore)(nil)
	_ EventStore = (*MemoryEventStore)(nil)
)
