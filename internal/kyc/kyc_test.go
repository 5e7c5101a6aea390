package kyc

import (
	"context"
	"errors"
	"testing"
)

func TestService_RegisterAndReview(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	r, err := svc.Register(ctx, "Alice@Example.com", "Alice Ruiz", "Mexico")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if r.Email != "alice@example.com" {
		t.Errorf("Email should be lowercased, got %s", r.Email)
	}
	if r.Status != StatusPending {
		t.Errorf("Expected pending, got %s", r.Status)
	}
	if svc.IsVerified(ctx, "alice@example.com") {
		t.Error("Pending record must not count as verified")
	}

	// Registering twice is rejected
	if _, err := svc.Register(ctx, "alice@example.com", "Alice Ruiz", "Mexico"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got %v", err)
	}

	if err := svc.Approve(ctx, "ALICE@example.com"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if !svc.IsVerified(ctx, "alice@example.com") {
		t.Error("Approved record should be verified")
	}

	got, err := svc.Get(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.VerifiedAt == nil {
		t.Error("VerifiedAt should be set on approval")
	}
}

func TestService_Reject(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if _, err := svc.Register(ctx, "bob@example.com", "Bob Diaz", "Mexico"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := svc.Reject(ctx, "bob@example.com", "document mismatch"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	got, _ := svc.Get(ctx, "bob@example.com")
	if got.Status != StatusRejected {
		t.Errorf("Expected rejected, got %s", got.Status)
	}
	if got.Notes != "document mismatch" {
		t.Errorf("Rejection reason not recorded, got %q", got.Notes)
	}
	if svc.IsVerified(ctx, "bob@example.com") {
		t.Error("Rejected record must not count as verified")
	}
}

func TestService_IsVerified_Unknown(t *testing.T) {
	svc := NewService(NewMemoryStore())
	if svc.IsVerified(context.Background(), "nobody@example.com") {
		t.Error("Unknown participant must not be verified")
	}
}

func TestService_ListPending(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	_, _ = svc.Register(ctx, "a@example.com", "A", "Mexico")
	_, _ = svc.Register(ctx, "b@example.com", "B", "Mexico")
	_ = svc.Approve(ctx, "a@example.com")

	pending, err := svc.ListPending(ctx, 0)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Email != "b@example.com" {
		t.Errorf("Expected only b@example.com pending, got %v", pending)
	}
}

func TestService_Approve_NotFound(t *testing.T) {
	svc := NewService(NewMemoryStore())
	if err := svc.Approve(context.Background(), "ghost@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
