// Package notify delivers fire-and-forget user notifications. Delivery
// failures are counted and logged, never returned: a notification must not
// block or fail a payment state transition.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	notifyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodia",
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Total notification send attempts by channel.",
	}, []string{"channel"})

	notifyErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodia",
		Subsystem: "notify",
		Name:      "errors_total",
		Help:      "Total notification delivery failures by channel.",
	}, []string{"channel"})
)

func init() {
	prometheus.MustRegister(notifyTotal, notifyErrors)
}

// Channel delivers one notification to one recipient.
type Channel interface {
	Name() string
	Send(ctx context.Context, userEmail, message string, meta map[string]string) error
}

// Service fans a notification out to all configured channels. Satisfies
// payment.Notifier.
type Service struct {
	channels []Channel
	logger   *slog.Logger
}

// NewService creates a notification service.
func NewService(logger *slog.Logger, channels ...Channel) *Service {
	return &Service{channels: channels, logger: logger}
}

// Notify sends to every channel, swallowing failures.
func (s *Service) Notify(ctx context.Context, userEmail, message string, meta map[string]string) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	for _, ch := range s.channels {
		notifyTotal.WithLabelValues(ch.Name()).Inc()
		if err := ch.Send(ctx, userEmail, message, meta); err != nil {
			notifyErrors.WithLabelValues(ch.Name()).Inc()
			s.logger.Warn("notification delivery failed",
				"channel", ch.Name(), "user", userEmail, "error", err)
		}
	}
}

// LogChannel writes notifications to the structured log. Used in local
// development and as the fallback channel.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a log-backed channel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(ctx context.Context, userEmail, message string, meta map[string]string) error {
	args := []any{"user", userEmail, "message", message}
	for k, v := range meta {
		args = append(args, k, v)
	}
	l.logger.Info("notification", args...)
	return nil
}

// Broadcaster pushes an event to live subscribers.
type Broadcaster interface {
	BroadcastNotification(userEmail, message string, meta map[string]string)
}

// RealtimeChannel pushes notifications to connected WebSocket clients.
type RealtimeChannel struct {
	hub Broadcaster
}

// NewRealtimeChannel creates a realtime-backed channel.
func NewRealtimeChannel(hub Broadcaster) *RealtimeChannel {
	return &RealtimeChannel{hub: hub}
}

func (r *RealtimeChannel) Name() string { return "realtime" }

func (r *RealtimeChannel) Send(ctx context.Context, userEmail, message string, meta map[string]string) error {
	r.hub.BroadcastNotification(userEmail, message, meta)
	return nil
}
