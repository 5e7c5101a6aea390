package multisig

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu         sync.Mutex
	wallets    map[string]*WalletConfig
	requests   map[string]*Request
	signatures map[string][]*Signature
	nextSigID  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:    make(map[string]*WalletConfig),
		requests:   make(map[string]*Request),
		signatures: make(map[string][]*Signature),
		nextSigID:  1,
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateWallet(ctx context.Context, w *WalletConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// A new version of a wallet deactivates previous versions.
	maxVersion := 0
	for _, prev := range m.wallets {
		if prev.Name == w.Name {
			if prev.Version > maxVersion {
				maxVersion = prev.Version
			}
			prev.Active = false
		}
	}
	w.Version = maxVersion + 1
	cp := *w
	m.wallets[w.ID] = &cp
	return nil
}

func (m *MemoryStore) GetActiveWallet(ctx context.Context, name string) (*WalletConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.wallets {
		if w.Name == name && w.Active {
			cp := *w
			return &cp, nil
		}
	}
	return nil, ErrWalletNotFound
}

func (m *MemoryStore) ListWallets(ctx context.Context) ([]*WalletConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*WalletConfig, 0, len(m.wallets))
	for _, w := range m.wallets {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (m *MemoryStore) CreateRequest(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetOpenByPayment(ctx context.Context, paymentID string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.PaymentID == paymentID && !r.Status.IsTerminal() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) AddSignature(ctx context.Context, requestID string, sig *Signature) (SignatureCounts, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[requestID]
	if !ok {
		return SignatureCounts{}, false, ErrNotFound
	}
	for _, existing := range m.signatures[requestID] {
		if existing.Signer == sig.Signer {
			return SignatureCounts{}, false, ErrAlreadySigned
		}
	}

	cp := *sig
	cp.ID = m.nextSigID
	m.nextSigID++
	m.signatures[requestID] = append(m.signatures[requestID], &cp)

	var counts SignatureCounts
	for _, s := range m.signatures[requestID] {
		if s.Approved {
			counts.Approvals++
		} else {
			counts.Rejections++
		}
	}

	crossed := false
	if r.Status == StatusPending && counts.Approvals >= r.RequiredSigs {
		r.Status = StatusApproved
		r.UpdatedAt = time.Now()
		crossed = true
	}
	return counts, crossed, nil
}

func (m *MemoryStore) ListSignatures(ctx context.Context, requestID string) ([]*Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sigs := m.signatures[requestID]
	out := make([]*Signature, 0, len(sigs))
	for _, s := range sigs {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) CAS(ctx context.Context, id string, from, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) SetExecuted(ctx context.Context, id, txHash string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = StatusExecuted
	r.TxHash = txHash
	r.UpdatedAt = now
	return nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ClearExecuteAfter(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.ExecuteAfter = nil
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Request
	for _, r := range m.requests {
		if r.Status == StatusPending && r.ExpiresAt.Before(before) {
			cp := *r
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) ListDuePreApprovals(ctx context.Context, now time.Time, limit int) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Request
	for _, r := range m.requests {
		if r.Status == StatusApproved && r.ExecuteAfter != nil && !r.ExecuteAfter.After(now) {
			cp := *r
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
