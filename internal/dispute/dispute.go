// Package dispute implements arbitration over funded escrows.
//
// Either party may raise one dispute against a funded payment; raising it
// blocks release until an arbiter resolves it. Resolution is single-shot:
// a refund returns the escrowed funds to the payer, a dismissal puts the
// payment back on the normal release path. Every step lands on an
// append-only history that survives refund failures.
package dispute

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("dispute not found")
	ErrNotDisputable = errors.New("payment is not in a disputable state")
	ErrAlreadyOpen   = errors.New("payment already has an active dispute")
	ErrResolved      = errors.New("dispute already resolved")
	ErrUnauthorized  = errors.New("actor is not a party to this payment")
)

// Status represents the state of a dispute.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
)

// Resolution is the arbiter's decision on a resolved dispute.
type Resolution string

const (
	ResolutionRefund    Resolution = "refund"
	ResolutionDismissed Resolution = "dismissed"
)

// Dispute is one arbitration case against a payment's escrow.
type Dispute struct {
	ID             string     `json:"id"`
	PaymentID      string     `json:"paymentId"`
	EscrowID       string     `json:"escrowId"`
	RaisedBy       string     `json:"raisedBy"` // email of the raising party
	Role           string     `json:"role"`     // payer or payee
	Reason         string     `json:"reason"`
	Details        string     `json:"details,omitempty"`
	EvidenceRef    string     `json:"evidenceRef,omitempty"` // external evidence locator
	Status         Status     `json:"status"`
	Resolution     Resolution `json:"resolution,omitempty"`
	ResolvedBy     string     `json:"resolvedBy,omitempty"`
	ResolutionNote string     `json:"resolutionNote,omitempty"`
	OnchainTxHash  string     `json:"onchainTxHash,omitempty"`
	RefundRef      string     `json:"refundRef,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// HistoryEntry is one append-only step in a dispute's history. Entries are
// never updated or deleted, including entries recording failures.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	DisputeID string    `json:"disputeId"`
	Type      string    `json:"type"`
	Actor     string    `json:"actor,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// History entry types.
const (
	HistoryRaised          = "raised"
	HistoryOnchainFlagged  = "onchain_flagged"
	HistoryResolvedRefund  = "resolved_refund"
	HistoryResolvedDismiss = "resolved_dismissed"
	HistoryRefundProcessed = "refund_processed"
	HistoryRefundFailed    = "refund_failed"
)

// Store persists disputes and their history.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetOpenByPayment(ctx context.Context, paymentID string) (*Dispute, error)
	ListByPayment(ctx context.Context, paymentID string) ([]*Dispute, error)
	ListOpen(ctx context.Context, limit int) ([]*Dispute, error)

	// Resolve flips pending→resolved once, recording the decision. Returns
	// ErrResolved if the dispute was already resolved.
	Resolve(ctx context.Context, id string, res Resolution, resolvedBy, note string, now time.Time) error

	SetOnchainTxHash(ctx context.Context, id, txHash string) error
	SetRefundRef(ctx context.Context, id, ref string) error

	AppendHistory(ctx context.Context, e *HistoryEntry) error
	ListHistory(ctx context.Context, disputeID string) ([]*HistoryEntry, error)
}
