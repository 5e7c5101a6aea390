package payment

import (
	"context"
	"time"
)

// Event types recorded on the payment timeline.
const (
	EventCreated         = "payment_created"
	EventFunded          = "payment_funded"
	EventApproved        = "approval_recorded"
	EventReleaseTrigger  = "release_triggered"
	EventEscrowReleased  = "escrow_released"
	EventCompleted       = "payment_completed"
	EventRejected        = "payment_rejected"
	EventCancelled       = "payment_cancelled"
	EventDisputeRaised   = "dispute_raised"
	EventDisputeResolved = "dispute_resolved"
	EventRefundProcessed = "refund_processed"
	EventRefundFailed    = "refund_failed"
	EventPayoutSent      = "payout_sent"
	EventMultisigCreated = "multisig_requested"
	EventMultisigSigned  = "multisig_signed"
	EventMultisigExec    = "multisig_executed"
)

// Event is an append-only timeline entry for a payment. Entries are never
// mutated after creation.
type Event struct {
	ID        int64     `json:"id"`
	PaymentID string    `json:"paymentId"`
	Type      string    `json:"type"`
	Actor     string    `json:"actor,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// EventStore persists and queries the payment timeline in creation order.
type EventStore interface {
	Append(ctx context.Context, e *Event) error
	List(ctx context.Context, paymentID string) ([]*Event, error)
}

// Recorder is the narrow event-appending interface handed to other
// components so they don't depend on the full store.
type Recorder interface {
	Record(ctx context.Context, paymentID, eventType, actor, detail string)
}

// EventRecorder implements Recorder on top of an EventStore. Append
// failures are swallowed: the timeline is auditability, not ledger truth,
// and must never block a state transition.
type EventRecorder struct {
	store EventStore
}

// NewEventRecorder creates a Recorder backed by the given store.
func NewEventRecorder(store EventStore) *EventRecorder {
	return &EventRecorder{store: store}
}

// Record appends a timeline entry, ignoring errors.
func (r *EventRecorder) Record(ctx context.Context, paymentID, eventType, actor, detail string) {
	if r == nil || r.store == nil {
		return
	}
	_ = r.store.Append(ctx, &Event{
		PaymentID: paymentID,
		Type:      eventType,
		Actor:     actor,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
}
