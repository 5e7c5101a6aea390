// Package escrow manages the custody record bound 1:1 to a payment.
//
// The escrow holds the custody/release split of the payment amount and
// the custody deadline. It is created together with its payment, funded
// when the deposit is detected, and finalized exactly once by either the
// direct release path or a multi-sig execution.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/custodia-pay/custodia/internal/idgen"
	"github.com/custodia-pay/custodia/internal/metrics"
	"github.com/custodia-pay/custodia/internal/money"
	"github.com/custodia-pay/custodia/internal/payment"
)

var (
	ErrNotFound      = errors.New("escrow not found")
	ErrInvalidState  = errors.New("invalid escrow status for this operation")
	ErrActiveDispute = errors.New("escrow has an active dispute")
	ErrIntegrity     = errors.New("escrow amounts violate custody invariant")
)

// Status represents the state of an escrow. Transitions are monotonic:
// a released escrow never regresses to active.
type Status string

const (
	StatusPending  Status = "pending"  // Created, awaiting deposit
	StatusActive   Status = "active"   // Funded, custody running
	StatusReleased Status = "released" // Funds released to payee
	StatusRefunded Status = "refunded" // Funds returned to payer
)

// DisputeStatus tracks arbitration state on the escrow.
type DisputeStatus string

const (
	DisputeNone    DisputeStatus = "none"
	DisputePending DisputeStatus = "pending"
	DisputeRefund  DisputeStatus = "resolved_refund"
	DisputeDismiss DisputeStatus = "dismissed"
)

// PayoutStatus tracks outbound settlement for a released escrow.
type PayoutStatus string

const (
	PayoutNone    PayoutStatus = "none"
	PayoutPending PayoutStatus = "pending"
	PayoutPaid    PayoutStatus = "paid"
)

// Escrow is the custody record for a payment.
type Escrow struct {
	ID               string        `json:"id"`
	PaymentID        string        `json:"paymentId"`
	Currency         string        `json:"currency"`
	CustodyPercent   float64       `json:"custodyPercent"`
	CustodyAmount    int64         `json:"custodyAmount"` // minor units
	ReleaseAmount    int64         `json:"releaseAmount"` // minor units
	CommissionAmount int64         `json:"commissionAmount"`
	CustodyEnd       time.Time     `json:"custodyEnd"`
	Status           Status        `json:"status"`
	DisputeStatus    DisputeStatus `json:"disputeStatus"`
	FundingRef       string        `json:"fundingRef,omitempty"`
	OnchainEscrowID  string        `json:"onchainEscrowId,omitempty"`
	ReleaseTxHash    string        `json:"releaseTxHash,omitempty"`
	RefundTxHash     string        `json:"refundTxHash,omitempty"`
	PayoutRef        string        `json:"payoutRef,omitempty"`
	PayoutStatus     PayoutStatus  `json:"payoutStatus"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.Status == StatusReleased || e.Status == StatusRefunded
}

// Store persists escrow data.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByPayment(ctx context.Context, paymentID string) (*Escrow, error)
	GetByOnchainRef(ctx context.Context, onchainEscrowID string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error

	// MarkFunded transitions pending→active, recording the funding
	// reference. Returns (false, nil) when the escrow is already active
	// with the same reference (idempotent re-delivery).
	MarkFunded(ctx context.Context, id, fundingRef string, now time.Time) (bool, error)

	// MarkReleased transitions active→released once. The store enforces
	// "no active dispute" in the same statement that flips the status.
	MarkReleased(ctx context.Context, id, txHash string, now time.Time) error

	// MarkRefunded transitions active→refunded once.
	MarkRefunded(ctx context.Context, id, ref string, now time.Time) error

	SetDisputeStatus(ctx context.Context, id string, ds DisputeStatus) error
	SetOnchainRef(ctx context.Context, id, onchainEscrowID string) error
	MarkPaidOut(ctx context.Context, id, payoutRef string, now time.Time) error

	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
	ListByPayoutStatus(ctx context.Context, ps PayoutStatus, limit int) ([]*Escrow, error)
}

// Manager implements escrow lifecycle operations.
type Manager struct {
	store    Store
	payments payment.Store
	events   payment.Recorder
	logger   *slog.Logger
}

// NewManager creates a new escrow manager.
func NewManager(store Store, payments payment.Store, events payment.Recorder, logger *slog.Logger) *Manager {
	return &Manager{store: store, payments: payments, events: events, logger: logger}
}

// CreateCustody creates the custody record for a payment. Satisfies
// payment.CustodyCreator.
func (m *Manager) CreateCustody(ctx context.Context, p *payment.Payment) error {
	split, err := money.ComputeSplit(p.Amount, p.CustodyPercent, p.CommissionPercent)
	if err != nil {
		return err
	}
	if split.Custody < 0 || split.Release < 0 {
		return ErrIntegrity
	}

	now := time.Now()
	e := &Escrow{
		ID:               idgen.WithPrefix("esc_"),
		PaymentID:        p.ID,
		Currency:         p.Currency,
		CustodyPercent:   p.CustodyPercent,
		CustodyAmount:    split.Custody,
		ReleaseAmount:    split.Release,
		CommissionAmount: split.Commission,
		CustodyEnd:       now.AddDate(0, 0, p.CustodyPeriodDays),
		Status:           StatusPending,
		DisputeStatus:    DisputeNone,
		PayoutStatus:     PayoutNone,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return m.store.Create(ctx, e)
}

// MarkFunded transitions the escrow to active when the deposit arrives and
// moves the payment to funded. Calling it twice with the same funding
// reference is a no-op.
func (m *Manager) MarkFunded(ctx context.Context, escrowID, fundingRef string) error {
	changed, err := m.store.MarkFunded(ctx, escrowID, fundingRef, time.Now())
	if err != nil {
		return err
	}
	if !changed {
		return nil // already funded with this reference
	}

	e, err := m.store.Get(ctx, escrowID)
	if err != nil {
		return err
	}
	if err := m.payments.Transition(ctx, e.PaymentID, payment.StatusPending, payment.StatusFunded); err != nil {
		// requested payments are funded directly in some rails; tolerate
		if err2 := m.payments.Transition(ctx, e.PaymentID, payment.StatusRequested, payment.StatusFunded); err2 != nil {
			return fmt.Errorf("failed to mark payment funded: %w", err)
		}
	}
	m.events.Record(ctx, e.PaymentID, payment.EventFunded, "", "funding_ref="+fundingRef)
	metrics.PaymentsTotal.WithLabelValues(string(payment.StatusFunded)).Inc()
	return nil
}

// FinalizeRelease releases the escrow exactly once and completes the
// payment. txHash is the settlement transaction when the release went
// through the chain leg; empty for fiat-only releases.
//
// The escrow status flip and the payment completion are both guarded by
// compare-and-set transitions: a failed release leaves the payment in its
// pre-release state, never half-released.
func (m *Manager) FinalizeRelease(ctx context.Context, escrowID, txHash string) error {
	e, err := m.store.Get(ctx, escrowID)
	if err != nil {
		return err
	}
	if e.DisputeStatus == DisputePending {
		return ErrActiveDispute
	}

	if err := m.store.MarkReleased(ctx, escrowID, txHash, time.Now()); err != nil {
		return err
	}

	if err := m.payments.Transition(ctx, e.PaymentID, payment.StatusReleasing, payment.StatusCompleted); err != nil {
		// Escrow is released but the payment did not complete. The
		// release is not reversible; log for the reconciler.
		m.logger.Error("escrow released but payment completion failed",
			"escrowId", escrowID, "paymentId", e.PaymentID, "error", err)
		return fmt.Errorf("failed to complete payment after release: %w", err)
	}

	m.events.Record(ctx, e.PaymentID, payment.EventEscrowReleased, "", "escrow="+escrowID)
	m.events.Record(ctx, e.PaymentID, payment.EventCompleted, "", "")
	metrics.PaymentsTotal.WithLabelValues(string(payment.StatusCompleted)).Inc()
	metrics.EscrowDuration.Observe(time.Since(e.CreatedAt).Seconds())
	return nil
}

// Refund returns escrowed funds to the payer after an approved dispute.
func (m *Manager) Refund(ctx context.Context, escrowID, ref string) error {
	e, err := m.store.Get(ctx, escrowID)
	if err != nil {
		return err
	}

	if err := m.store.MarkRefunded(ctx, escrowID, ref, time.Now()); err != nil {
		return err
	}

	if err := m.payments.Transition(ctx, e.PaymentID, payment.StatusInDispute, payment.StatusRefunded); err != nil {
		m.logger.Error("escrow refunded but payment transition failed",
			"escrowId", escrowID, "paymentId", e.PaymentID, "error", err)
		return fmt.Errorf("failed to mark payment refunded: %w", err)
	}
	metrics.PaymentsTotal.WithLabelValues(string(payment.StatusRefunded)).Inc()
	metrics.EscrowDuration.Observe(time.Since(e.CreatedAt).Seconds())
	return nil
}

// Get returns an escrow by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Escrow, error) {
	return m.store.Get(ctx, id)
}

// GetByPayment returns the escrow owned by the given payment.
func (m *Manager) GetByPayment(ctx context.Context, paymentID string) (*Escrow, error) {
	return m.store.GetByPayment(ctx, paymentID)
}

// GetByOnchainRef returns the escrow holding the given on-chain mirror ID.
func (m *Manager) GetByOnchainRef(ctx context.Context, onchainEscrowID string) (*Escrow, error) {
	return m.store.GetByOnchainRef(ctx, onchainEscrowID)
}

// SetDisputeStatus updates the arbitration state on the escrow.
func (m *Manager) SetDisputeStatus(ctx context.Context, id string, ds DisputeStatus) error {
	return m.store.SetDisputeStatus(ctx, id, ds)
}

// VerifyIntegrity checks the custody invariant against the payment amount.
// A violation is fatal for the record: callers must stop processing it.
func (m *Manager) VerifyIntegrity(e *Escrow, p *payment.Payment) error {
	if e.CustodyAmount < 0 || e.ReleaseAmount < 0 || e.CommissionAmount < 0 {
		return ErrIntegrity
	}
	if e.CustodyAmount+e.ReleaseAmount+e.CommissionAmount != p.Amount {
		return ErrIntegrity
	}
	return nil
}
