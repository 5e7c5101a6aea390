package webhooks

import (
	"context"
	"time"

	"github.com/custodia-pay/custodia/internal/idgen"
)

// messageEvents maps notification messages to subscribable event types.
// Messages without an entry are delivered as plain notifications.
var messageEvents = map[string]EventType{
	"payment created":           EventPaymentCreated,
	"payment request rejected":  EventPaymentRejected,
	"release approval recorded": EventApprovalRecorded,
	"dispute raised":            EventDisputeOpened,
}

func eventFor(message string) EventType {
	if t, ok := messageEvents[message]; ok {
		return t
	}
	return EventNotification
}

// Channel plugs the dispatcher into the notification fan-out, so every
// user notification also reaches the user's registered endpoints.
type Channel struct {
	dispatcher *Dispatcher
}

// NewChannel creates a webhook-backed notification channel.
func NewChannel(d *Dispatcher) *Channel {
	return &Channel{dispatcher: d}
}

func (c *Channel) Name() string { return "webhook" }

func (c *Channel) Send(ctx context.Context, userEmail, message string, meta map[string]string) error {
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventFor(message),
		Timestamp: time.Now(),
		Message:   message,
		Data:      meta,
	}
	return c.dispatcher.Dispatch(ctx, userEmail, event)
}
