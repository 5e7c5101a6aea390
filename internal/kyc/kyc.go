// Package kyc tracks participant identity verification. Payments can only
// be created between verified participants.
package kyc

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("kyc record not found")
	ErrAlreadyExists = errors.New("kyc record already exists")
)

// Status represents the verification state of a participant.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusRejected Status = "rejected"
)

// Record is one participant's verification state.
type Record struct {
	Email      string     `json:"email"`
	FullName   string     `json:"fullName"`
	Country    string     `json:"country"`
	Status     Status     `json:"status"`
	Notes      string     `json:"notes,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	VerifiedAt *time.Time `json:"verifiedAt,omitempty"`
}

// Store persists verification records.
type Store interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, email string) (*Record, error)
	SetStatus(ctx context.Context, email string, status Status, notes string, now time.Time) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error)
}

// Service implements verification operations.
type Service struct {
	store Store
}

// NewService creates a KYC service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Register creates a pending verification record for a participant.
func (s *Service) Register(ctx context.Context, email, fullName, country string) (*Record, error) {
	r := &Record{
		Email:     strings.ToLower(email),
		FullName:  fullName,
		Country:   country,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Approve marks a participant as verified.
func (s *Service) Approve(ctx context.Context, email string) error {
	return s.store.SetStatus(ctx, strings.ToLower(email), StatusVerified, "", time.Now())
}

// Reject marks a participant as rejected with a reason.
func (s *Service) Reject(ctx context.Context, email, reason string) error {
	return s.store.SetStatus(ctx, strings.ToLower(email), StatusRejected, reason, time.Now())
}

// Get returns a participant's verification record.
func (s *Service) Get(ctx context.Context, email string) (*Record, error) {
	return s.store.Get(ctx, strings.ToLower(email))
}

// ListPending returns records awaiting review.
func (s *Service) ListPending(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, StatusPending, limit)
}

// IsVerified reports whether the participant passed verification.
// Satisfies payment.KYCChecker.
func (s *Service) IsVerified(ctx context.Context, email string) bool {
	r, err := s.store.Get(ctx, strings.ToLower(email))
	if err != nil {
		return false
	}
	return r.Status == StatusVerified
}
