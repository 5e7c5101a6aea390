package rail

import (
	"context"
	"sync"
	"time"

	"github.com/custodia-pay/custodia/internal/idgen"
	"github.com/custodia-pay/custodia/internal/payment"
)

// Mock is an in-memory Provider for tests and local development. Deposits
// are simulated with SimulateDeposit.
type Mock struct {
	mu        sync.Mutex
	incoming  []Transfer
	payouts   map[string]string // idempotency concept -> ref
	refunds   map[string]string // payment ID -> ref
	FailNext  bool
}

// NewMock creates an empty mock provider.
func NewMock() *Mock {
	return &Mock{
		payouts: make(map[string]string),
		refunds: make(map[string]string),
	}
}

var _ Provider = (*Mock)(nil)

// SimulateDeposit records an incoming transfer for the given reference.
func (m *Mock) SimulateDeposit(ref string, amount int64, currency string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incoming = append(m.incoming, Transfer{
		Ref:         ref,
		TrackingKey: idgen.Hex(8),
		Amount:      amount,
		Currency:    currency,
		ReceivedAt:  time.Now(),
	})
}

func (m *Mock) CreateDepositReference(ctx context.Context) (string, error) {
	if err := m.maybeFail(); err != nil {
		return "", err
	}
	return idgen.WithPrefix("dep_"), nil
}

func (m *Mock) IncomingTransfers(ctx context.Context, since time.Time) ([]Transfer, error) {
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transfer
	for _, t := range m.incoming {
		if t.ReceivedAt.After(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Mock) SendPayout(ctx context.Context, payeeEmail string, amount int64, currency, concept string) (string, error) {
	if err := m.maybeFail(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref, ok := m.payouts[concept]; ok {
		return ref, nil // idempotent re-send
	}
	ref := idgen.WithPrefix("out_")
	m.payouts[concept] = ref
	return ref, nil
}

func (m *Mock) SendRefund(ctx context.Context, p *payment.Payment, amount int64) (string, error) {
	if err := m.maybeFail(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref, ok := m.refunds[p.ID]; ok {
		return ref, nil
	}
	ref := idgen.WithPrefix("rfd_")
	m.refunds[p.ID] = ref
	return ref, nil
}

// PayoutCount returns the number of distinct payouts sent.
func (m *Mock) PayoutCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payouts)
}

func (m *Mock) maybeFail() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNext {
		m.FailNext = false
		return ErrProviderUnavailable
	}
	return nil
}
