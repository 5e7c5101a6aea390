package automation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/custodia-pay/custodia/internal/approval"
	"github.com/custodia-pay/custodia/internal/escrow"
	"github.com/custodia-pay/custodia/internal/payment"
	"github.com/custodia-pay/custodia/internal/rail"
	"github.com/custodia-pay/custodia/internal/router"
)

func TestScheduler_TriggerUnknownJob(t *testing.T) {
	s := NewScheduler(slog.Default())
	if _, err := s.Trigger(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("err = %v, want ErrUnknownJob", err)
	}
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	s := NewScheduler(slog.Default())
	started := make(chan struct{})
	release := make(chan struct{})
	s.Register("slow", time.Hour, func(ctx context.Context) (int, error) {
		close(started)
		<-release
		return 1, nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Trigger(context.Background(), "slow")
	}()
	<-started

	// Second trigger while the first is in flight is skipped.
	res, err := s.Trigger(context.Background(), "slow")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if res.Err == "" {
		t.Error("overlapping run was not skipped")
	}

	close(release)
	wg.Wait()
}

func TestScheduler_RecoversFromPanic(t *testing.T) {
	s := NewScheduler(slog.Default())
	s.Register("bad", time.Hour, func(ctx context.Context) (int, error) {
		panic("boom")
	})
	res, err := s.Trigger(context.Background(), "bad")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if res.Err == "" {
		t.Error("panic not reported in result")
	}

	// The job can run again after a panic.
	res, _ = s.Trigger(context.Background(), "bad")
	if res.Err == "" {
		t.Error("second run after panic should also report the panic, not a skip")
	}
}

type fixture struct {
	payments    *payment.MemoryStore
	escrowStore *escrow.MemoryStore
	escrows     *escrow.Manager
	provider    *rail.Mock
	events      *payment.MemoryEventStore
	recorder    *payment.EventRecorder
	coordinator *approval.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	payments := payment.NewMemoryStore()
	escrowStore := escrow.NewMemoryStore()
	events := payment.NewMemoryEventStore()
	recorder := payment.NewEventRecorder(events)
	logger := slog.Default()
	escrows := escrow.NewManager(escrowStore, payments, recorder, logger)
	rt := router.New(router.Config{HighValueThresholdUSD: 1000000, EnterpriseThresholdUSD: 10000000})
	coordinator := approval.NewCoordinator(payments, escrows, rt, nil, recorder, logger)
	return &fixture{
		payments:    payments,
		escrowStore: escrowStore,
		escrows:     escrows,
		provider:    rail.NewMock(),
		events:      events,
		recorder:    recorder,
		coordinator: coordinator,
	}
}

func (f *fixture) seed(t *testing.T, id string, status payment.Status, escrowStatus escrow.Status, custodyEnd time.Time) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	p := &payment.Payment{
		ID:         id,
		Amount:     100000,
		Currency:   "MXN",
		AmountUSD:  5500,
		PayerEmail: "payer@example.com",
		PayeeEmail: "payee@example.com",
		Status:     status,
		DepositRef: "dep_" + id,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := f.payments.Create(ctx, p); err != nil {
		t.Fatalf("create payment: %v", err)
	}
	e := &escrow.Escrow{
		ID:            "esc_" + id,
		PaymentID:     id,
		Currency:      "MXN",
		CustodyAmount: 50000,
		ReleaseAmount: 50000,
		CustodyEnd:    custodyEnd,
		Status:        escrowStatus,
		DisputeStatus: escrow.DisputeNone,
		PayoutStatus:  escrow.PayoutNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := f.escrowStore.Create(ctx, e); err != nil {
		t.Fatalf("create escrow: %v", err)
	}
}

func TestDepositJob_FundsMatchingPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "pay_1", payment.StatusPending, escrow.StatusPending, time.Now().Add(72*time.Hour))
	f.provider.SimulateDeposit("dep_pay_1", 100000, "MXN")

	job := NewDepositJob(f.provider, f.payments, f.escrows, slog.Default())
	n, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Errorf("funded = %d, want 1", n)
	}

	p, _ := f.payments.Get(ctx, "pay_1")
	if p.Status != payment.StatusFunded {
		t.Errorf("payment status = %s, want funded", p.Status)
	}
	e, _ := f.escrowStore.Get(ctx, "esc_pay_1")
	if e.Status != escrow.StatusActive {
		t.Errorf("escrow status = %s, want active", e.Status)
	}

	// Re-running over the overlap window does not double-fund.
	f.provider.SimulateDeposit("dep_pay_1", 100000, "MXN")
	if _, err := job.Run(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	p, _ = f.payments.Get(ctx, "pay_1")
	if p.Status != payment.StatusFunded {
		t.Errorf("payment status after re-delivery = %s, want funded", p.Status)
	}
}

func TestDepositJob_SkipsUnderpaymentAndUnknownRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "pay_1", payment.StatusPending, escrow.StatusPending, time.Now().Add(72*time.Hour))
	f.provider.SimulateDeposit("dep_pay_1", 50000, "MXN") // half the amount
	f.provider.SimulateDeposit("dep_unknown", 999999, "MXN")

	job := NewDepositJob(f.provider, f.payments, f.escrows, slog.Default())
	if _, err := job.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	p, _ := f.payments.Get(ctx, "pay_1")
	if p.Status != payment.StatusPending {
		t.Errorf("underpaid payment status = %s, want pending", p.Status)
	}
}

func TestCustodyJob_ReleasesExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Expired and funded: release triggers.
	f.seed(t, "pay_old", payment.StatusFunded, escrow.StatusActive, time.Now().Add(-time.Hour))
	// Not yet expired: untouched.
	f.seed(t, "pay_new", payment.StatusFunded, escrow.StatusActive, time.Now().Add(time.Hour))

	job := NewCustodyJob(f.escrowStore, f.escrows, f.payments, f.coordinator, nil, slog.Default())
	n, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Errorf("processed = %d, want 1", n)
	}

	// Low-value payment routes direct: released and completed.
	old, _ := f.payments.Get(ctx, "pay_old")
	if old.Status != payment.StatusCompleted {
		t.Errorf("expired payment status = %s, want completed", old.Status)
	}
	fresh, _ := f.payments.Get(ctx, "pay_new")
	if fresh.Status != payment.StatusFunded {
		t.Errorf("unexpired payment status = %s, want funded", fresh.Status)
	}
}

func TestCustodyJob_SecondRunReleasesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "pay_old", payment.StatusFunded, escrow.StatusActive, time.Now().Add(-time.Hour))

	job := NewCustodyJob(f.escrowStore, f.escrows, f.payments, f.coordinator, nil, slog.Default())
	if n, err := job.Run(ctx); err != nil || n != 1 {
		t.Fatalf("first run: n=%d err=%v, want 1 release", n, err)
	}

	// The released escrow is no longer expired-and-active, so a second
	// sweep finds nothing and the payment stays completed.
	n, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if n != 0 {
		t.Errorf("second run processed %d, want 0", n)
	}

	p, _ := f.payments.Get(ctx, "pay_old")
	if p.Status != payment.StatusCompleted {
		t.Errorf("payment status = %s, want completed", p.Status)
	}

	released := 0
	timeline, _ := f.events.List(ctx, "pay_old")
	for _, e := range timeline {
		if e.Type == payment.EventEscrowReleased {
			released++
		}
	}
	if released != 1 {
		t.Errorf("escrow_released recorded %d times, want exactly 1", released)
	}
}

func TestCustodyJob_SkipsCorruptedEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "pay_bad", payment.StatusFunded, escrow.StatusActive, time.Now().Add(-time.Hour))

	// Break the custody invariant.
	e, _ := f.escrowStore.Get(ctx, "esc_pay_bad")
	e.CustodyAmount = 999999
	f.escrowStore.Update(ctx, e)

	job := NewCustodyJob(f.escrowStore, f.escrows, f.payments, f.coordinator, nil, slog.Default())
	n, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 0 {
		t.Errorf("processed = %d, want 0 (corrupted record skipped)", n)
	}
	p, _ := f.payments.Get(ctx, "pay_bad")
	if p.Status != payment.StatusFunded {
		t.Errorf("corrupted escrow's payment moved to %s", p.Status)
	}
}

func TestPayoutJob_SendsAndMarks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "pay_1", payment.StatusCompleted, escrow.StatusReleased, time.Now().Add(-time.Hour))

	e, _ := f.escrowStore.Get(ctx, "esc_pay_1")
	e.PayoutStatus = escrow.PayoutPending
	f.escrowStore.Update(ctx, e)

	job := NewPayoutJob(f.escrowStore, f.payments, f.provider, f.recorder, slog.Default())
	n, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Errorf("sent = %d, want 1", n)
	}
	e, _ = f.escrowStore.Get(ctx, "esc_pay_1")
	if e.PayoutStatus != escrow.PayoutPaid {
		t.Errorf("payout status = %s, want paid", e.PayoutStatus)
	}
	if e.PayoutRef == "" {
		t.Error("payout ref not recorded")
	}

	// A second run finds nothing pending.
	n, _ = job.Run(ctx)
	if n != 0 {
		t.Errorf("second run sent = %d, want 0", n)
	}
	if f.provider.PayoutCount() != 1 {
		t.Errorf("provider payouts = %d, want 1", f.provider.PayoutCount())
	}
}
