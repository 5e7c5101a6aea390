// Package payment holds the escrow payment ledger: the Payment record, its
// lifecycle state machine, and the append-only event timeline.
//
// Lifecycle:
//
//	requested → pending → funded → releasing → completed
//
// Side branches: any pre-release state → rejected or cancelled;
// funded → in_dispute → releasing (dismissed) or refunded (refund approved).
package payment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/custodia-pay/custodia/internal/pagination"
)

var (
	ErrNotFound        = errors.New("payment not found")
	ErrInvalidState    = errors.New("invalid payment status for this operation")
	ErrUnauthorized    = errors.New("not authorized for this payment operation")
	ErrAlreadyApproved = errors.New("approval already recorded")
	ErrDuplicateRef    = errors.New("deposit reference already in use")
	ErrInvalidCursor   = errors.New("invalid pagination cursor")
)

// Status represents the state of a payment.
type Status string

const (
	StatusRequested Status = "requested"  // Payee requested payment (pull flow)
	StatusPending   Status = "pending"    // Awaiting deposit
	StatusFunded    Status = "funded"     // Deposit detected, custody active
	StatusInDispute Status = "in_dispute" // Dispute raised, release blocked
	StatusReleasing Status = "releasing"  // Release triggered, settlement in flight
	StatusCompleted Status = "completed"  // Funds released
	StatusRejected  Status = "rejected"   // Payer rejected the request
	StatusCancelled Status = "cancelled"  // Cancelled before release
	StatusRefunded  Status = "refunded"   // Dispute resolved with refund
)

// transitions is the allowed state machine. Terminal states have no entry.
var transitions = map[Status][]Status{
	StatusRequested: {StatusPending, StatusRejected, StatusCancelled},
	StatusPending:   {StatusFunded, StatusRejected, StatusCancelled},
	StatusFunded:    {StatusInDispute, StatusReleasing, StatusCancelled},
	StatusInDispute: {StatusReleasing, StatusFunded, StatusRefunded},
	StatusReleasing: {StatusCompleted},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Role identifies which side of a payment an actor is on.
type Role string

const (
	RolePayer Role = "payer"
	RolePayee Role = "payee"
	RoleNone  Role = "none"
)

// Payment represents one commercial transaction under escrow.
type Payment struct {
	ID                    string     `json:"id"`
	Amount                int64      `json:"amount"` // minor currency units
	Currency              string     `json:"currency"`
	AmountUSD             int64      `json:"amountUsd"` // minor USD units, for routing
	PayerEmail            string     `json:"payerEmail"`
	PayeeEmail            string     `json:"payeeEmail"`
	Status                Status     `json:"status"`
	PayerApproved         bool       `json:"payerApproved"`
	PayerApprovedAt       *time.Time `json:"payerApprovedAt,omitempty"`
	PayeeApproved         bool       `json:"payeeApproved"`
	PayeeApprovedAt       *time.Time `json:"payeeApprovedAt,omitempty"`
	CustodyPercent        float64    `json:"custodyPercent"`
	CustodyPeriodDays     int        `json:"custodyPeriodDays"`
	ReleaseConditions     string     `json:"releaseConditions,omitempty"`
	CommissionPercent     float64    `json:"commissionPercent"`
	CommissionAmount      int64      `json:"commissionAmount"`
	CommissionBeneficiary string     `json:"commissionBeneficiary,omitempty"`
	DepositRef            string     `json:"depositRef,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// ResolveRole maps an actor email to its role on the payment.
// Every command handler goes through this instead of inspecting the
// request shape.
func ResolveRole(p *Payment, actorEmail string) Role {
	switch {
	case strings.EqualFold(actorEmail, p.PayerEmail):
		return RolePayer
	case strings.EqualFold(actorEmail, p.PayeeEmail):
		return RolePayee
	default:
		return RoleNone
	}
}

// DualApproved reports whether both sides have approved release.
func (p *Payment) DualApproved() bool {
	return p.PayerApproved && p.PayeeApproved
}

// Store persists payment data.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByDepositRef(ctx context.Context, ref string) (*Payment, error)
	Update(ctx context.Context, p *Payment) error

	// Transition moves a payment from one status to another atomically.
	// Returns ErrInvalidState if the payment is not in the expected status.
	Transition(ctx context.Context, id string, from, to Status) error

	// Approve records an approval flag for the given role and reports
	// whether this call completed dual approval. The flag write, the
	// re-read of both flags, and the move to releasing happen inside a
	// single transaction holding a write lock on the payment row, so two
	// concurrent approvals can never both observe the trigger.
	Approve(ctx context.Context, id string, role Role, now time.Time) (*Payment, bool, error)

	ListByStatus(ctx context.Context, status Status, limit int) ([]*Payment, error)
	// ListByParticipant returns payments for the email, newest first,
	// starting strictly after the cursor position (nil cursor = from the top).
	ListByParticipant(ctx context.Context, email string, cursor *pagination.Cursor, limit int) ([]*Payment, error)
}
