package webhooks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// noopValidator allows loopback URLs so tests can target httptest servers.
func noopValidator(string) error { return nil }

func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store, slog.Default())
	d.urlValidator = noopValidator
	return d
}

func seedSub(t *testing.T, store Store, id, owner, url string, events ...EventType) *Subscription {
	t.Helper()
	sub := &Subscription{
		ID:         id,
		OwnerEmail: owner,
		URL:        url,
		Secret:     "s3cret",
		Events:     events,
		Active:     true,
		CreatedAt:  time.Now(),
	}
	if err := store.Create(context.Background(), sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return sub
}

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := seedSub(t, store, "wh_1", "alice@example.com", "https://example.com/hook", EventPaymentCreated)

	got, err := store.Get(ctx, "wh_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Unexpected URL: %s", got.URL)
	}

	sub.Active = false
	if err := store.Update(ctx, sub); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ = store.Get(ctx, "wh_1")
	if got.Active {
		t.Error("Subscription should be inactive after update")
	}

	if err := store.Delete(ctx, "wh_1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "wh_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "wh_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on double delete, got %v", err)
	}
}

func TestMemoryStore_GetByOwner(t *testing.T) {
	store := NewMemoryStore()
	seedSub(t, store, "wh_a1", "alice@example.com", "https://a.example.com", EventPaymentCreated)
	seedSub(t, store, "wh_a2", "alice@example.com", "https://b.example.com", EventDisputeOpened)
	seedSub(t, store, "wh_b1", "bob@example.com", "https://c.example.com", EventPaymentCreated)

	subs, err := store.GetByOwner(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("GetByOwner failed: %v", err)
	}
	if len(subs) != 2 {
		t.Errorf("Expected 2 subscriptions for alice, got %d", len(subs))
	}
}

func TestDispatcher_DeliversSignedEvent(t *testing.T) {
	var (
		mu       sync.Mutex
		body     []byte
		sig      string
		evHeader string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		sig = r.Header.Get("X-Custodia-Signature")
		evHeader = r.Header.Get("X-Custodia-Event")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	seedSub(t, store, "wh_1", "alice@example.com", srv.URL, EventPaymentCreated)
	d := newTestDispatcher(store)

	event := &Event{
		ID:        "evt_1",
		Type:      EventPaymentCreated,
		Timestamp: time.Now(),
		Message:   "payment created",
		Data:      map[string]string{"paymentId": "pay_1"},
	}
	if err := d.Dispatch(context.Background(), "alice@example.com", event); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if evHeader != string(EventPaymentCreated) {
		t.Errorf("Unexpected event header: %s", evHeader)
	}
	if sig != Signature(body, "s3cret") {
		t.Error("Signature does not verify against the payload")
	}

	sub, _ := store.Get(context.Background(), "wh_1")
	if sub.LastSuccess == nil {
		t.Error("LastSuccess should be set after delivery")
	}
}

func TestDispatcher_FiltersByEventType(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	store := NewMemoryStore()
	seedSub(t, store, "wh_1", "alice@example.com", srv.URL, EventDisputeOpened)
	d := newTestDispatcher(store)

	event := &Event{ID: "evt_1", Type: EventPaymentCreated, Timestamp: time.Now()}
	if err := d.Dispatch(context.Background(), "alice@example.com", event); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if hits != 0 {
		t.Errorf("Endpoint should not receive unsubscribed events, got %d hits", hits)
	}
}

func TestDispatcher_DisablesAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	seedSub(t, store, "wh_1", "alice@example.com", srv.URL, EventPaymentCreated)
	d := newTestDispatcher(store)

	event := &Event{ID: "evt_1", Type: EventPaymentCreated, Timestamp: time.Now()}
	for i := 0; i < maxConsecutiveFailures; i++ {
		if err := d.Dispatch(context.Background(), "alice@example.com", event); err == nil {
			t.Fatalf("Delivery %d should have failed", i+1)
		}
	}

	sub, _ := store.Get(context.Background(), "wh_1")
	if sub.Active {
		t.Error("Subscription should be disabled after repeated failures")
	}
	if sub.LastError == "" {
		t.Error("LastError should record the failure")
	}

	// Disabled endpoints receive nothing.
	if err := d.Dispatch(context.Background(), "alice@example.com", event); err != nil {
		t.Errorf("Dispatch to disabled subscription should be a no-op, got %v", err)
	}
}

func TestDispatcher_SuccessResetsFailureCount(t *testing.T) {
	fail := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	seedSub(t, store, "wh_1", "alice@example.com", srv.URL, EventPaymentCreated)
	d := newTestDispatcher(store)
	ctx := context.Background()

	event := &Event{ID: "evt_1", Type: EventPaymentCreated, Timestamp: time.Now()}
	_ = d.Dispatch(ctx, "alice@example.com", event)
	_ = d.Dispatch(ctx, "alice@example.com", event)

	fail = false
	if err := d.Dispatch(ctx, "alice@example.com", event); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	sub, _ := store.Get(ctx, "wh_1")
	if sub.ConsecutiveFailures != 0 {
		t.Errorf("Expected failure count reset, got %d", sub.ConsecutiveFailures)
	}
	if sub.LastError != "" {
		t.Errorf("Expected LastError cleared, got %q", sub.LastError)
	}
}

func TestValidateURL(t *testing.T) {
	valid := []string{
		"https://hooks.example.com/custodia",
		"http://example.com/path?x=1",
	}
	for _, u := range valid {
		if err := ValidateURL(u); err != nil {
			t.Errorf("ValidateURL(%q) = %v, want nil", u, err)
		}
	}

	invalid := []string{
		"",
		"ftp://example.com",
		"https://localhost/hook",
		"http://127.0.0.1:8080/hook",
		"http://10.0.0.5/hook",
		"http://169.254.169.254/latest/meta-data",
		"not a url at all\x00",
	}
	for _, u := range invalid {
		if err := ValidateURL(u); !errors.Is(err, ErrInvalidURL) {
			t.Errorf("ValidateURL(%q) = %v, want ErrInvalidURL", u, err)
		}
	}
}

func TestChannel_MapsNotificationMessages(t *testing.T) {
	cases := map[string]EventType{
		"payment created":           EventPaymentCreated,
		"payment request rejected":  EventPaymentRejected,
		"release approval recorded": EventApprovalRecorded,
		"dispute raised":            EventDisputeOpened,
		"something else entirely":   EventNotification,
	}
	for msg, want := range cases {
		if got := eventFor(msg); got != want {
			t.Errorf("eventFor(%q) = %s, want %s", msg, got, want)
		}
	}
}

func TestChannel_SendDelivers(t *testing.T) {
	var (
		mu       sync.Mutex
		evHeader string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		evHeader = r.Header.Get("X-Custodia-Event")
		mu.Unlock()
	}))
	defer srv.Close()

	store := NewMemoryStore()
	seedSub(t, store, "wh_1", "alice@example.com", srv.URL, EventDisputeOpened)
	ch := NewChannel(newTestDispatcher(store))

	if ch.Name() != "webhook" {
		t.Errorf("Unexpected channel name: %s", ch.Name())
	}
	err := ch.Send(context.Background(), "alice@example.com", "dispute raised",
		map[string]string{"paymentId": "pay_1", "disputeId": "dsp_1"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if evHeader != string(EventDisputeOpened) {
		t.Errorf("Expected dispute.opened delivery, got %q", evHeader)
	}
}
