// Package webhooks delivers signed payment lifecycle events to
// subscriber-registered endpoints. Users register a URL per event set;
// every delivery carries an HMAC-SHA256 signature the receiver verifies
// with the subscription secret. Endpoints that fail repeatedly are
// disabled until re-registered.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrNotFound is returned when a subscription does not exist.
	ErrNotFound = errors.New("webhooks: subscription not found")
	// ErrInvalidURL is returned for endpoint URLs that cannot be delivered to.
	ErrInvalidURL = errors.New("webhooks: invalid endpoint URL")
)

var (
	deliveryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodia",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Total webhook delivery attempts by event type.",
	}, []string{"event_type"})

	deliveryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodia",
		Subsystem: "webhook",
		Name:      "delivery_errors_total",
		Help:      "Total webhook delivery failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(deliveryTotal, deliveryErrors)
}

// EventType identifies a lifecycle event subscribers can receive.
type EventType string

const (
	EventPaymentCreated   EventType = "payment.created"
	EventPaymentRejected  EventType = "payment.rejected"
	EventApprovalRecorded EventType = "payment.approval_recorded"
	EventDisputeOpened    EventType = "dispute.opened"
	// EventNotification carries notifications with no dedicated type.
	EventNotification EventType = "notification"
)

// KnownEvent reports whether t is a subscribable event type.
func KnownEvent(t EventType) bool {
	switch t {
	case EventPaymentCreated, EventPaymentRejected, EventApprovalRecorded,
		EventDisputeOpened, EventNotification:
		return true
	}
	return false
}

// Event is the delivery payload.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// Subscription binds a user's endpoint to a set of event types.
type Subscription struct {
	ID                  string      `json:"id"`
	OwnerEmail          string      `json:"ownerEmail"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"`
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	ConsecutiveFailures int         `json:"-"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
}

func (s *Subscription) wants(t EventType) bool {
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByOwner(ctx context.Context, ownerEmail string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Signature computes the hex HMAC-SHA256 receivers use to verify a payload.
func Signature(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateURL rejects endpoint URLs that would let a subscriber aim
// deliveries at internal infrastructure.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return ErrInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrInvalidURL
	}
	host := u.Hostname()
	if host == "" || host == "localhost" {
		return ErrInvalidURL
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
			return ErrInvalidURL
		}
	}
	return nil
}

const maxConsecutiveFailures = 10

// Dispatcher delivers events to a user's subscribed endpoints.
type Dispatcher struct {
	store  Store
	client *http.Client
	logger *slog.Logger

	// urlValidator re-checks stored URLs at delivery time; overridden in tests.
	urlValidator func(string) error
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 5 * time.Second},
		logger:       logger,
		urlValidator: ValidateURL,
	}
}

// Dispatch sends the event to every active subscription the owner has for
// its type. Delivery failures are recorded on the subscription, and the
// first error is returned for accounting.
func (d *Dispatcher) Dispatch(ctx context.Context, ownerEmail string, event *Event) error {
	subs, err := d.store.GetByOwner(ctx, ownerEmail)
	if err != nil {
		return fmt.Errorf("failed to load subscriptions: %w", err)
	}

	var firstErr error
	for _, sub := range subs {
		if !sub.Active || !sub.wants(event.Type) {
			continue
		}
		deliveryTotal.WithLabelValues(string(event.Type)).Inc()
		if err := d.deliver(ctx, sub, event); err != nil {
			deliveryErrors.WithLabelValues(string(event.Type)).Inc()
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event) error {
	if err := d.urlValidator(sub.URL); err != nil {
		d.recordFailure(ctx, sub, err.Error())
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.recordFailure(ctx, sub, err.Error())
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Custodia-Event", string(event.Type))
	req.Header.Set("X-Custodia-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	req.Header.Set("X-Custodia-Signature", Signature(payload, sub.Secret))

	resp, err := d.client.Do(req)
	if err != nil {
		d.recordFailure(ctx, sub, err.Error())
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("endpoint returned status %d", resp.StatusCode)
		d.recordFailure(ctx, sub, err.Error())
		return err
	}

	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook success", "subscription", sub.ID, "error", err)
	}
	return nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, detail string) {
	sub.LastError = detail
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures {
		sub.Active = false
		d.logger.Warn("webhook endpoint disabled after repeated failures",
			"subscription", sub.ID, "owner", sub.OwnerEmail, "url", sub.URL)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook failure", "subscription", sub.ID, "error", err)
	}
}

// MemoryStore is an in-memory Store used in development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) GetByOwner(ctx context.Context, ownerEmail string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.OwnerEmail == ownerEmail {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
