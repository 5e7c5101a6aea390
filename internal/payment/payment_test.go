package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusRequested, StatusPending},
		{StatusRequested, StatusRejected},
		{StatusPending, StatusFunded},
		{StatusPending, StatusCancelled},
		{StatusFunded, StatusInDispute},
		{StatusFunded, StatusReleasing},
		{StatusInDispute, StatusReleasing},
		{StatusInDispute, StatusFunded},
		{StatusInDispute, StatusRefunded},
		{StatusReleasing, StatusCompleted},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	forbidden := []struct{ from, to Status }{
		{StatusPending, StatusReleasing}, // must be funded first
		{StatusPending, StatusCompleted},
		{StatusFunded, StatusCompleted}, // must pass through releasing
		{StatusCompleted, StatusFunded}, // terminal
		{StatusRefunded, StatusPending}, // terminal
		{StatusReleasing, StatusFunded}, // no going back
		{StatusRequested, StatusFunded}, // must be accepted first
	}
	for _, tc := range forbidden {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be forbidden", tc.from, tc.to)
		}
	}
}

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusRejected, StatusCancelled, StatusRefunded}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []Status{StatusRequested, StatusPending, StatusFunded, StatusInDispute, StatusReleasing}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestResolveRole(t *testing.T) {
	p := &Payment{PayerEmail: "payer@example.com", PayeeEmail: "payee@example.com"}

	if got := ResolveRole(p, "payer@example.com"); got != RolePayer {
		t.Errorf("Expected payer, got %s", got)
	}
	if got := ResolveRole(p, "PAYER@example.com"); got != RolePayer {
		t.Errorf("Role matching should be case-insensitive, got %s", got)
	}
	if got := ResolveRole(p, "payee@example.com"); got != RolePayee {
		t.Errorf("Expected payee, got %s", got)
	}
	if got := ResolveRole(p, "other@example.com"); got != RoleNone {
		t.Errorf("Expected none, got %s", got)
	}
}

// ---------------------------------------------------------------------------
// Service tests
// ---------------------------------------------------------------------------

type fakeCustody struct {
	created []string
	err     error
}

func (f *fakeCustody) CreateCustody(ctx context.Context, p *Payment) error {
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, p.ID)
	return nil
}

type fakeKYC struct {
	verified map[string]bool
}

func (f *fakeKYC) IsVerified(ctx context.Context, email string) bool {
	return f.verified[email]
}

func testDefaults() Defaults {
	return Defaults{
		Currency:              "MXN",
		CustodyPercent:        100,
		CustodyPeriodDays:     5,
		CommissionPercent:     1.5,
		CommissionBeneficiary: "fees@custodia.example",
		FXRateUSD:             "0.055",
	}
}

func newTestService() (*Service, *MemoryStore, *fakeCustody, *MemoryEventStore) {
	store := NewMemoryStore()
	events := NewMemoryEventStore()
	custody := &fakeCustody{}
	svc := NewService(store, NewEventRecorder(events), custody, testDefaults())
	return svc, store, custody, events
}

func TestService_Create(t *testing.T) {
	svc, _, custody, events := newTestService()

	p, err := svc.Create(context.Background(), CreateRequest{
		Amount:     "1500.00",
		PayerEmail: "payer@example.com",
		PayeeEmail: "payee@example.com",
	}, "payer@example.com")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if p.Status != StatusPending {
		t.Errorf("Expected pending, got %s", p.Status)
	}
	if p.Amount != 150000 {
		t.Errorf("Expected 150000 minor units, got %d", p.Amount)
	}
	if p.Currency != "MXN" {
		t.Errorf("Expected default currency MXN, got %s", p.Currency)
	}
	if p.CustodyPercent != 100 {
		t.Errorf("Expected default custody percent, got %f", p.CustodyPercent)
	}
	if p.CustodyPeriodDays != 5 {
		t.Errorf("Expected default custody days, got %d", p.CustodyPeriodDays)
	}
	if p.CommissionAmount == 0 {
		t.Error("Expected non-zero commission at 1.5%")
	}
	if p.AmountUSD == 0 {
		t.Error("Expected USD equivalent for routing")
	}
	if p.DepositRef == "" {
		t.Error("Expected a deposit reference")
	}

	if len(custody.created) != 1 || custody.created[0] != p.ID {
		t.Errorf("Expected custody record for %s, got %v", p.ID, custody.created)
	}

	timeline, _ := events.List(context.Background(), p.ID)
	if len(timeline) != 1 || timeline[0].Type != EventCreated {
		t.Errorf("Expected one %s event, got %v", EventCreated, timeline)
	}
}

func TestService_Create_PullFlow(t *testing.T) {
	svc, _, _, _ := newTestService()

	// Payee opens a payment request (cobro)
	p, err := svc.Create(context.Background(), CreateRequest{
		Amount:     "200.00",
		PayerEmail: "payer@example.com",
		PayeeEmail: "payee@example.com",
		Requested:  true,
	}, "payee@example.com")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if p.Status != StatusRequested {
		t.Errorf("Pull flow should start in requested, got %s", p.Status)
	}

	// The payer cannot open a request on the payee's behalf
	_, err = svc.Create(context.Background(), CreateRequest{
		Amount:     "200.00",
		PayerEmail: "payer@example.com",
		PayeeEmail: "payee@example.com",
		Requested:  true,
	}, "payer@example.com")
	if err != ErrUnauthorized {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
}

func TestService_Create_Validation(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	// Same payer and payee
	_, err := svc.Create(ctx, CreateRequest{
		Amount: "100.00", PayerEmail: "same@example.com", PayeeEmail: "same@example.com",
	}, "same@example.com")
	if err == nil {
		t.Error("Expected error for identical participants")
	}

	// Garbage amount
	_, err = svc.Create(ctx, CreateRequest{
		Amount: "not-a-number", PayerEmail: "a@example.com", PayeeEmail: "b@example.com",
	}, "a@example.com")
	if err == nil {
		t.Error("Expected error for unparseable amount")
	}

	// Zero amount
	_, err = svc.Create(ctx, CreateRequest{
		Amount: "0", PayerEmail: "a@example.com", PayeeEmail: "b@example.com",
	}, "a@example.com")
	if err == nil {
		t.Error("Expected error for zero amount")
	}

	// Push flow opened by someone who is not the payer
	_, err = svc.Create(ctx, CreateRequest{
		Amount: "100.00", PayerEmail: "a@example.com", PayeeEmail: "b@example.com",
	}, "b@example.com")
	if err != ErrUnauthorized {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
}

func TestService_Create_KYCGate(t *testing.T) {
	svc, _, _, _ := newTestService()
	svc.WithKYC(&fakeKYC{verified: map[string]bool{"payer@example.com": true}})

	_, err := svc.Create(context.Background(), CreateRequest{
		Amount: "100.00", PayerEmail: "payer@example.com", PayeeEmail: "payee@example.com",
	}, "payer@example.com")
	if err == nil {
		t.Error("Expected rejection when the payee is unverified")
	}
}

func TestService_AcceptRequest(t *testing.T) {
	svc, store, _, _ := newTestService()
	ctx := context.Background()

	p, err := svc.Create(ctx, CreateRequest{
		Amount: "100.00", PayerEmail: "payer@example.com", PayeeEmail: "payee@example.com",
		Requested: true,
	}, "payee@example.com")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// The payee cannot accept their own request
	if _, err := svc.AcceptRequest(ctx, p.ID, "payee@example.com"); err != ErrUnauthorized {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}

	accepted, err := svc.AcceptRequest(ctx, p.ID, "payer@example.com")
	if err != nil {
		t.Fatalf("AcceptRequest failed: %v", err)
	}
	if accepted.Status != StatusPending {
		t.Errorf("Expected pending after accept, got %s", accepted.Status)
	}

	// Accepting twice fails: the payment already left requested
	if _, err := svc.AcceptRequest(ctx, p.ID, "payer@example.com"); err != ErrInvalidState {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}

	got, _ := store.Get(ctx, p.ID)
	if got.Status != StatusPending {
		t.Errorf("Store should hold pending, got %s", got.Status)
	}
}

func TestService_Reject(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	p, _ := svc.Create(ctx, CreateRequest{
		Amount: "100.00", PayerEmail: "payer@example.com", PayeeEmail: "payee@example.com",
		Requested: true,
	}, "payee@example.com")

	rejected, err := svc.Reject(ctx, p.ID, "payer@example.com")
	if err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if rejected.Status != StatusRejected {
		t.Errorf("Expected rejected, got %s", rejected.Status)
	}
}

func TestService_Cancel(t *testing.T) {
	svc, store, _, _ := newTestService()
	ctx := context.Background()

	p, _ := svc.Create(ctx, CreateRequest{
		Amount: "100.00", PayerEmail: "payer@example.com", PayeeEmail: "payee@example.com",
	}, "payer@example.com")

	// A stranger cannot cancel
	if _, err := svc.Cancel(ctx, p.ID, "other@example.com"); err != ErrUnauthorized {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}

	// Pending: either side may cancel
	cancelled, err := svc.Cancel(ctx, p.ID, "payee@example.com")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("Expected cancelled, got %s", cancelled.Status)
	}

	// Funded: only the payee may waive
	p2, _ := svc.Create(ctx, CreateRequest{
		Amount: "100.00", PayerEmail: "payer@example.com", PayeeEmail: "payee@example.com",
	}, "payer@example.com")
	if err := store.Transition(ctx, p2.ID, StatusPending, StatusFunded); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if _, err := svc.Cancel(ctx, p2.ID, "payer@example.com"); err != ErrUnauthorized {
		t.Errorf("Payer should not cancel a funded payment, got %v", err)
	}
	if _, err := svc.Cancel(ctx, p2.ID, "payee@example.com"); err != nil {
		t.Errorf("Payee waive should succeed, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Memory store tests
// ---------------------------------------------------------------------------

func seedPayment(t *testing.T, store *MemoryStore, status Status) *Payment {
	t.Helper()
	now := time.Now()
	p := &Payment{
		ID:         "pay_" + string(status),
		Amount:     10000,
		Currency:   "MXN",
		AmountUSD:  550,
		PayerEmail: "payer@example.com",
		PayeeEmail: "payee@example.com",
		Status:     status,
		DepositRef: "dep_" + string(status),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.Create(context.Background(), p); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return p
}

func TestMemoryStore_DuplicateDepositRef(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := seedPayment(t, store, StatusPending)
	dup := *p
	dup.ID = "pay_other"
	if err := store.Create(ctx, &dup); err != ErrDuplicateRef {
		t.Errorf("Expected ErrDuplicateRef, got %v", err)
	}
}

func TestMemoryStore_Transition(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	p := seedPayment(t, store, StatusPending)

	if err := store.Transition(ctx, p.ID, StatusPending, StatusFunded); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	// Wrong from-state
	if err := store.Transition(ctx, p.ID, StatusPending, StatusFunded); err != ErrInvalidState {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}

	// Illegal edge even with the right from-state
	if err := store.Transition(ctx, p.ID, StatusFunded, StatusCompleted); err != ErrInvalidState {
		t.Errorf("Expected ErrInvalidState for illegal edge, got %v", err)
	}

	if err := store.Transition(ctx, "missing", StatusPending, StatusFunded); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_Approve_DualApproval(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	p := seedPayment(t, store, StatusFunded)
	now := time.Now()

	// First approval does not trigger release
	got, triggered, err := store.Approve(ctx, p.ID, RolePayer, now)
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if triggered {
		t.Error("Single approval should not trigger release")
	}
	if !got.PayerApproved || got.PayerApprovedAt == nil {
		t.Error("Payer approval not recorded")
	}

	// Same side approving again is rejected
	if _, _, err := store.Approve(ctx, p.ID, RolePayer, now); err != ErrAlreadyApproved {
		t.Errorf("Expected ErrAlreadyApproved, got %v", err)
	}

	// Second side completes the pair and triggers exactly once
	got, triggered, err = store.Approve(ctx, p.ID, RolePayee, now)
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if !triggered {
		t.Error("Dual approval should trigger release")
	}
	if got.Status != StatusReleasing {
		t.Errorf("Expected releasing, got %s", got.Status)
	}
}

func TestMemoryStore_Approve_ConcurrentDualApproval(t *testing.T) {
	ctx := context.Background()

	// Payer and payee approve simultaneously; whatever the interleaving,
	// exactly one call reports the release trigger.
	for i := 0; i < 50; i++ {
		store := NewMemoryStore()
		p := seedPayment(t, store, StatusFunded)

		var triggers int32
		var wg sync.WaitGroup
		for _, role := range []Role{RolePayer, RolePayee} {
			wg.Add(1)
			go func(r Role) {
				defer wg.Done()
				_, triggered, err := store.Approve(ctx, p.ID, r, time.Now())
				if err != nil {
					t.Errorf("concurrent approve as %s: %v", r, err)
				}
				if triggered {
					atomic.AddInt32(&triggers, 1)
				}
			}(role)
		}
		wg.Wait()

		if n := atomic.LoadInt32(&triggers); n != 1 {
			t.Fatalf("release triggered %d times, want exactly 1", n)
		}
		got, _ := store.Get(ctx, p.ID)
		if got.Status != StatusReleasing {
			t.Fatalf("status = %s, want releasing", got.Status)
		}
	}
}

func TestMemoryStore_Approve_RequiresFunded(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	p := seedPayment(t, store, StatusPending)

	if _, _, err := store.Approve(ctx, p.ID, RolePayer, time.Now()); err != ErrInvalidState {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
}

func TestMemoryStore_GetByDepositRef(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	p := seedPayment(t, store, StatusPending)

	got, err := store.GetByDepositRef(ctx, p.DepositRef)
	if err != nil {
		t.Fatalf("GetByDepositRef failed: %v", err)
	}
	if got.ID != p.ID {
		t.Errorf("Expected %s, got %s", p.ID, got.ID)
	}

	if _, err := store.GetByDepositRef(ctx, "dep_unknown"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestEventRecorder_NilSafe(t *testing.T) {
	var r *EventRecorder
	// Must not panic
	r.Record(context.Background(), "pay_x", EventCreated, "", "")
}

func TestService_ListByParticipant_Pagination(t *testing.T) {
	svc, store, _, _ := newTestService()
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		p := &Payment{
			ID:         fmt.Sprintf("pay_%d", i),
			Amount:     10000,
			Currency:   "MXN",
			PayerEmail: "payer@example.com",
			PayeeEmail: "payee@example.com",
			Status:     StatusPending,
			DepositRef: fmt.Sprintf("dep_%d", i),
			CreatedAt:  ts,
			UpdatedAt:  ts,
		}
		if err := store.Create(ctx, p); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	var seen []string
	cursor := ""
	for pages := 0; ; pages++ {
		if pages > 3 {
			t.Fatal("Pagination did not terminate")
		}
		items, next, err := svc.ListByParticipant(ctx, "PAYER@example.com", cursor, 2)
		if err != nil {
			t.Fatalf("ListByParticipant failed: %v", err)
		}
		for _, p := range items {
			seen = append(seen, p.ID)
		}
		if next == "" {
			break
		}
		cursor = next
	}

	if len(seen) != 5 {
		t.Fatalf("Expected all 5 payments across pages, got %d: %v", len(seen), seen)
	}
	// Newest first, no duplicates
	want := []string{"pay_4", "pay_3", "pay_2", "pay_1", "pay_0"}
	for i, id := range want {
		if seen[i] != id {
			t.Errorf("Position %d: expected %s, got %s", i, id, seen[i])
		}
	}

	if _, _, err := svc.ListByParticipant(ctx, "payer@example.com", "garbage!cursor", 2); !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("Expected ErrInvalidCursor, got %v", err)
	}
}
