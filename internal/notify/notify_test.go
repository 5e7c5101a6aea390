package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
)

type recordingChannel struct {
	mu   sync.Mutex
	name string
	sent []string
	err  error
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(ctx context.Context, userEmail, message string, meta map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, userEmail+":"+message)
	return nil
}

func TestService_FansOutToAllChannels(t *testing.T) {
	a := &recordingChannel{name: "a"}
	b := &recordingChannel{name: "b"}
	svc := NewService(slog.Default(), a, b)

	svc.Notify(context.Background(), "alice@example.com", "payment created", map[string]string{"paymentId": "pay_1"})

	if len(a.sent) != 1 || len(b.sent) != 1 {
		t.Errorf("Expected both channels to deliver, got a=%d b=%d", len(a.sent), len(b.sent))
	}
}

func TestService_FailedChannelDoesNotBlockOthers(t *testing.T) {
	bad := &recordingChannel{name: "bad", err: errors.New("smtp down")}
	good := &recordingChannel{name: "good"}
	svc := NewService(slog.Default(), bad, good)

	// Must not panic or return an error path to the caller
	svc.Notify(context.Background(), "alice@example.com", "dispute resolved", nil)

	if len(good.sent) != 1 {
		t.Errorf("Healthy channel should still deliver, got %d", len(good.sent))
	}
}

func TestService_NilSafe(t *testing.T) {
	var svc *Service
	svc.Notify(context.Background(), "alice@example.com", "noop", nil)
}

func TestRealtimeChannel(t *testing.T) {
	var got struct {
		user, message string
		meta          map[string]string
	}
	ch := NewRealtimeChannel(broadcasterFunc(func(userEmail, message string, meta map[string]string) {
		got.user, got.message, got.meta = userEmail, message, meta
	}))

	err := ch.Send(context.Background(), "alice@example.com", "escrow released", map[string]string{"escrowId": "esc_1"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got.user != "alice@example.com" || got.message != "escrow released" {
		t.Errorf("Broadcast payload mismatch: %+v", got)
	}
	if got.meta["escrowId"] != "esc_1" {
		t.Errorf("Meta not forwarded: %v", got.meta)
	}
}

type broadcasterFunc func(userEmail, message string, meta map[string]string)

func (f broadcasterFunc) BroadcastNotification(userEmail, message string, meta map[string]string) {
	f(userEmail, message, meta)
}

func TestLogChannel(t *testing.T) {
	ch := NewLogChannel(slog.Default())
	if ch.Name() != "log" {
		t.Errorf("Expected channel name log, got %s", ch.Name())
	}
	if err := ch.Send(context.Background(), "alice@example.com", "hi", map[string]string{"k": "v"}); err != nil {
		t.Errorf("LogChannel.Send should never fail, got %v", err)
	}
}
