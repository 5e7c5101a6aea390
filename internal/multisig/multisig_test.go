package multisig

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/custodia-pay/custodia/internal/escrow"
	"github.com/custodia-pay/custodia/internal/payment"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls int32
	fail  bool
}

func (f *fakeExecutor) Transfer(ctx context.Context, toAddress string, amount int64, currency string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("rpc unavailable")
	}
	return "0xabc123", nil
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	exec     *fakeExecutor
	payments *payment.MemoryStore
	escrows  *escrow.MemoryStore
	events   *payment.MemoryEventStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	payments := payment.NewMemoryStore()
	escrowStore := escrow.NewMemoryStore()
	events := payment.NewMemoryEventStore()
	recorder := payment.NewEventRecorder(events)
	logger := slog.Default()
	mgr := escrow.NewManager(escrowStore, payments, recorder, logger)
	store := NewMemoryStore()
	exec := &fakeExecutor{}
	return &fixture{
		svc:      NewService(store, mgr, exec, recorder, logger),
		store:    store,
		exec:     exec,
		payments: payments,
		escrows:  escrowStore,
		events:   events,
	}
}

// seedReleasing creates a releasing payment with an active escrow and a
// 2-of-3 wallet, returning the payment.
func (f *fixture) seedReleasing(t *testing.T) *payment.Payment {
	t.Helper()
	ctx := context.Background()

	if _, err := f.svc.CreateWallet(ctx, "high_value",
		"0xWallet", []string{"0xOwner1", "0xOwner2", "0xOwner3"}, 2, 0); err != nil {
		t.Fatalf("CreateWallet: %v", err)
	}

	now := time.Now()
	p := &payment.Payment{
		ID:         "pay_1",
		Amount:     30000000, // 300,000.00 MXN
		Currency:   "MXN",
		AmountUSD:  1650000, // $16,500
		PayerEmail: "payer@example.com",
		PayeeEmail: "payee@example.com",
		Status:     payment.StatusReleasing,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := f.payments.Create(ctx, p); err != nil {
		t.Fatalf("create payment: %v", err)
	}
	e := &escrow.Escrow{
		ID:            "esc_1",
		PaymentID:     p.ID,
		Currency:      "MXN",
		CustodyAmount: 15000000,
		ReleaseAmount: 15000000,
		CustodyEnd:    now.Add(24 * time.Hour),
		Status:        escrow.StatusActive,
		DisputeStatus: escrow.DisputeNone,
		PayoutStatus:  escrow.PayoutNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := f.escrows.Create(ctx, e); err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	return p
}

func (f *fixture) openRequest(t *testing.T, p *payment.Payment) *Request {
	t.Helper()
	req, err := f.store.GetOpenByPayment(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("GetOpenByPayment: %v", err)
	}
	return req
}

func TestProposeRelease_CreatesRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedReleasing(t)

	if err := f.svc.ProposeRelease(ctx, p, "high_value", false); err != nil {
		t.Fatalf("ProposeRelease: %v", err)
	}

	req := f.openRequest(t, p)
	if req.Status != StatusPending {
		t.Errorf("status = %s, want pending", req.Status)
	}
	if req.RequiredSigs != 2 {
		t.Errorf("requiredSigs = %d, want 2", req.RequiredSigs)
	}
	if req.ExecuteAfter != nil {
		t.Error("non-pre-approval request should have no execute_after")
	}
}

func TestProposeRelease_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedReleasing(t)

	if err := f.svc.ProposeRelease(ctx, p, "high_value", false); err != nil {
		t.Fatalf("first propose: %v", err)
	}
	first := f.openRequest(t, p)
	if err := f.svc.ProposeRelease(ctx, p, "high_value", false); err != nil {
		t.Fatalf("second propose: %v", err)
	}
	second := f.openRequest(t, p)
	if first.ID != second.ID {
		t.Error("second propose created a new request")
	}
}

func TestApprove_ThresholdExecutesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedReleasing(t)

	if err := f.svc.ProposeRelease(ctx, p, "high_value", false); err != nil {
		t.Fatalf("ProposeRelease: %v", err)
	}
	req := f.openRequest(t, p)

	if _, err := f.svc.Approve(ctx, req.ID, "0xOwner1", "sig1"); err != nil {
		t.Fatalf("first approval: %v", err)
	}
	got, _ := f.svc.Get(ctx, req.ID)
	if got.Status != StatusPending {
		t.Fatalf("after 1 of 2: status = %s, want pending", got.Status)
	}
	if n := atomic.LoadInt32(&f.exec.calls); n != 0 {
		t.Fatalf("executed before threshold: %d calls", n)
	}

	if _, err := f.svc.Approve(ctx, req.ID, "0xOwner2", "sig2"); err != nil {
		t.Fatalf("second approval: %v", err)
	}
	got, _ = f.svc.Get(ctx, req.ID)
	if got.Status != StatusExecuted {
		t.Errorf("after 2 of 2: status = %s, want executed", got.Status)
	}
	if got.TxHash == "" {
		t.Error("executed request missing tx hash")
	}
	if n := atomic.LoadInt32(&f.exec.calls); n != 1 {
		t.Errorf("transfer called %d times, want 1", n)
	}

	// Escrow released, payment completed.
	e, err := f.escrows.Get(ctx, "esc_1")
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	if e.Status != escrow.StatusReleased {
		t.Errorf("escrow status = %s, want released", e.Status)
	}
	pp, _ := f.payments.Get(ctx, p.ID)
	if pp.Status != payment.StatusCompleted {
		t.Errorf("payment status = %s, want completed", pp.Status)
	}
}

func TestApprove_DuplicateSigner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedReleasing(t)

	if err := f.svc.ProposeRelease(ctx, p, "high_value", false); err != nil {
		t.Fatalf("ProposeRelease: %v", err)
	}
	req := f.openRequest(t, p)

	if _, err := f.svc.Approve(ctx, req.ID, "0xOwner1", "sig1"); err != nil {
		t.Fatalf("first approval: %v", err)
	}
	if _, err := f.svc.Approve(ctx, req.ID, "0xOwner1", "sig1"); !errors.Is(err, ErrAlreadySigned) {
		t.Errorf("duplicate approval error = %v, want ErrAlreadySigned", err)
	}
}

func TestApprove_NonOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedReleasing(t)

	if err := f.svc.ProposeRelease(ctx, p, "high_value", false); err != nil {
		t.Fatalf("ProposeRelease: %v", err)
	}
	req := f.openRequest(t, p)

	if _, err := f.svc.Approve(ctx, req.ID, "0xStranger", "sig"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("non-owner approval error = %v, want ErrNotOwner", err)
	}
}

func TestApprove_AfterExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedReleasing(t)

	if err := f.svc.ProposeRelease(ctx, p, "high_value", false); err != nil {
		t.Fatalf("ProposeRelease: %v", err)
	}
	req := f.openRequest(t, p)
	f.svc.Approve(ctx, req.ID, "0xOwner1", "s1")
	f.svc.Approve(ctx, req.ID, "0xOwner2", "s2")

	if _, err := f.svc.Approve(ctx, req.ID, "0xOwner3", "s3"); !errors.Is(err, ErrAlreadyExecuted) {
		t.Errorf("post-execution approval error = %v, want ErrAlreadyExecuted", err)
	}
}

func TestExecute_FailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedReleasing(t)

	if err := f.svc.ProposeRelease(ctx, p, "high_value", false); err != nil {
		t.Fatalf("ProposeRelease: %v", err)
	}
	req := f.openRequest(t, p)

	f.exec.fail = true
	f.svc.Approve(ctx, req.ID, "0xOwner1", "s1")
	f.svc.Approve(ctx, req.ID, "0xOwner2", "s2")

	// Threshold crossed but the transfer failed; request rolled back to
	// approved so execution can be retried.
	got, _ := f.svc.Get(ctx, req.ID)
	if got.Status != StatusApproved {
		t.Fatalf("status after failed execution = %s, want approved", got.Status)
	}

	f.exec.fail = false
	if err := f.svc.Execute(ctx, req.ID); err != nil {
		t.Fatalf("retry execute: %v", err)
	}
	got, _ = f.svc.Get(ctx, req.ID)
	if got.Status != StatusExecuted {
		t.Errorf("status after retry = %s, want executed", got.Status)
	}
}

func TestExecute_ExactlyOnceUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedReleasing(t)

	if err := f.svc.ProposeRelease(ctx, p, "high_value", false); err != nil {
		t.Fatalf("ProposeRelease: %v", err)
	}
	req := f.openRequest(t, p)
	f.svc.Approve(ctx, req.ID, "0xOwner1", "s1")
	f.svc.Approve(ctx, req.ID, "0xOwner2", "s2")

	// Concurrent manual retries after execution are all no-ops.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.svc.Execute(ctx, req.ID)
			if err != nil && !errors.Is(err, ErrAlreadyExecuted) {
				t.Errorf("concurrent execute: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&f.exec.calls); n != 1 {
		t.Errorf("transfer called %d times, want exactly 1", n)
	}
}

func TestReject_ThresholdRejectsRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreateWallet(ctx, "high_value",
		"0xWallet", []string{"0xOwner1", "0xOwner2", "0xOwner3"}, 3, 2); err != nil {
		t.Fatalf("CreateWallet: %v", err)
	}
	p := &payment.Payment{
		ID: "pay_r", Amount: 1000, Currency: "MXN", AmountUSD: 1500000,
		PayerEmail: "a@x.com", PayeeEmail: "b@x.com",
		Status: payment.StatusReleasing, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	f.payments.Create(ctx, p)
	f.escrows.Create(ctx, &escrow.Escrow{
		ID: "esc_r", PaymentID: p.ID, Currency: "MXN",
		Status: escrow.StatusActive, CustodyEnd: time.Now().Add(time.Hour),
	})

	if err := f.svc.ProposeRelease(ctx, p, "high_value", false); err != nil {
		t.Fatalf("ProposeRelease: %v", err)
	}
	req := f.openRequest(t, p)

	if _, err := f.svc.Reject(ctx, req.ID, "0xOwner1"); err != nil {
		t.Fatalf("first reject: %v", err)
	}
	got, _ := f.svc.Get(ctx, req.ID)
	if got.Status != StatusPending {
		t.Fatalf("after 1 of 2 rejections: status = %s, want pending", got.Status)
	}
	if _, err := f.svc.Reject(ctx, req.ID, "0xOwner2"); err != nil {
		t.Fatalf("second reject: %v", err)
	}
	got, _ = f.svc.Get(ctx, req.ID)
	if got.Status != StatusRejected {
		t.Errorf("after reject threshold: status = %s, want rejected", got.Status)
	}
}

func TestReject_InformationalByDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedReleasing(t) // reject threshold 0

	if err := f.svc.ProposeRelease(ctx, p, "high_value", false); err != nil {
		t.Fatalf("ProposeRelease: %v", err)
	}
	req := f.openRequest(t, p)

	f.svc.Reject(ctx, req.ID, "0xOwner1")
	f.svc.Reject(ctx, req.ID, "0xOwner2")
	got, _ := f.svc.Get(ctx, req.ID)
	if got.Status != StatusPending {
		t.Errorf("rejections with threshold 0 changed status to %s", got.Status)
	}

	// Approvals still win.
	if _, err := f.svc.Approve(ctx, req.ID, "0xOwner1", "s"); !errors.Is(err, ErrAlreadySigned) {
		t.Errorf("signer who rejected re-signing: err = %v, want ErrAlreadySigned", err)
	}
	f.svc.Approve(ctx, req.ID, "0xOwner3", "s3")
	got, _ = f.svc.Get(ctx, req.ID)
	if got.Status != StatusPending {
		t.Errorf("1 approval of 2 required flipped status to %s", got.Status)
	}
}

func TestPreApproval_HoldsUntilDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedReleasing(t)

	if err := f.svc.ProposeRelease(ctx, p, "high_value", true); err != nil {
		t.Fatalf("ProposeRelease pre-approval: %v", err)
	}
	req := f.openRequest(t, p)
	if req.ExecuteAfter == nil {
		t.Fatal("pre-approval request missing execute_after deadline")
	}

	f.svc.Approve(ctx, req.ID, "0xOwner1", "s1")
	f.svc.Approve(ctx, req.ID, "0xOwner2", "s2")

	got, _ := f.svc.Get(ctx, req.ID)
	if got.Status != StatusApproved {
		t.Fatalf("pre-approved status = %s, want approved (held)", got.Status)
	}
	if n := atomic.LoadInt32(&f.exec.calls); n != 0 {
		t.Fatalf("pre-approval executed early: %d transfer calls", n)
	}

	// At the custody deadline, the scheduler sweep executes it.
	n, err := f.svc.ExecuteDuePreApprovals(ctx, req.ExecuteAfter.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ExecuteDuePreApprovals: %v", err)
	}
	if n != 1 {
		t.Errorf("executed %d pre-approvals, want 1", n)
	}
	got, _ = f.svc.Get(ctx, req.ID)
	if got.Status != StatusExecuted {
		t.Errorf("status after sweep = %s, want executed", got.Status)
	}
}

func TestPreApproval_ProposeAgainExecutesApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedReleasing(t)

	if err := f.svc.ProposeRelease(ctx, p, "high_value", true); err != nil {
		t.Fatalf("propose: %v", err)
	}
	req := f.openRequest(t, p)
	f.svc.Approve(ctx, req.ID, "0xOwner1", "s1")
	f.svc.Approve(ctx, req.ID, "0xOwner2", "s2")

	// Dual approval arrives before the deadline: re-proposing without the
	// pre-approval hold fires the transfer now.
	if err := f.svc.ProposeRelease(ctx, p, "high_value", false); err != nil {
		t.Fatalf("re-propose: %v", err)
	}
	got, _ := f.svc.Get(ctx, req.ID)
	if got.Status != StatusExecuted {
		t.Errorf("status = %s, want executed", got.Status)
	}
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedReleasing(t)

	if err := f.svc.ProposeRelease(ctx, p, "high_value", false); err != nil {
		t.Fatalf("propose: %v", err)
	}
	req := f.openRequest(t, p)

	n, err := f.svc.ExpireStale(ctx, time.Now().Add(DefaultRequestTTL+time.Hour), 10)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d requests, want 1", n)
	}
	got, _ := f.svc.Get(ctx, req.ID)
	if got.Status != StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
}

func TestCreateWallet_VersioningDeactivatesPrevious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v1, err := f.svc.CreateWallet(ctx, "enterprise", "0xA", []string{"0x1", "0x2", "0x3"}, 2, 0)
	if err != nil {
		t.Fatalf("v1: %v", err)
	}
	v2, err := f.svc.CreateWallet(ctx, "enterprise", "0xA", []string{"0x1", "0x2", "0x3", "0x4"}, 3, 0)
	if err != nil {
		t.Fatalf("v2: %v", err)
	}
	if v2.Version != v1.Version+1 {
		t.Errorf("v2 version = %d, want %d", v2.Version, v1.Version+1)
	}

	active, err := f.store.GetActiveWallet(ctx, "enterprise")
	if err != nil {
		t.Fatalf("GetActiveWallet: %v", err)
	}
	if active.ID != v2.ID {
		t.Errorf("active wallet = %s, want latest version %s", active.ID, v2.ID)
	}
	if active.RequiredSigs != 3 {
		t.Errorf("active requiredSigs = %d, want 3", active.RequiredSigs)
	}
}

func TestCreateWallet_InvalidThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.CreateWallet(ctx, "bad", "0xA", []string{"0x1"}, 2, 0); err == nil {
		t.Error("expected error for threshold above owner count")
	}
	if _, err := f.svc.CreateWallet(ctx, "bad", "0xA", []string{"0x1"}, 0, 0); err == nil {
		t.Error("expected error for zero threshold")
	}
}
