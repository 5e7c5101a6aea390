package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/custodia-pay/custodia/internal/escrow"
	"github.com/custodia-pay/custodia/internal/idgen"
	"github.com/custodia-pay/custodia/internal/metrics"
	"github.com/custodia-pay/custodia/internal/payment"
)

// ReleaseResumer returns a payment to the normal release path after a
// dismissed dispute.
type ReleaseResumer interface {
	ResumeAfterDismissal(ctx context.Context, paymentID string) error
}

// Refunder sends escrowed funds back to the payer after an approved
// dispute and returns a settlement reference.
type Refunder interface {
	SendRefund(ctx context.Context, p *payment.Payment, amount int64) (ref string, err error)
}

// ChainFlagger mirrors the dispute onto the on-chain escrow so the
// contract also blocks release. Best effort: the database is the source of
// truth and a chain failure never fails the dispute.
type ChainFlagger interface {
	FlagDispute(ctx context.Context, onchainEscrowID string) (txHash string, err error)
}

// Engine implements the dispute lifecycle.
type Engine struct {
	store    Store
	payments payment.Store
	escrows  *escrow.Manager
	resumer  ReleaseResumer
	refunder Refunder
	chain    ChainFlagger
	events   payment.Recorder
	notifier payment.Notifier
	logger   *slog.Logger
}

// NewEngine creates a dispute engine.
func NewEngine(store Store, payments payment.Store, escrows *escrow.Manager,
	resumer ReleaseResumer, events payment.Recorder, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		payments: payments,
		escrows:  escrows,
		resumer:  resumer,
		events:   events,
		logger:   logger,
	}
}

// WithRefunder adds the refund rail.
func (e *Engine) WithRefunder(r Refunder) *Engine {
	e.refunder = r
	return e
}

// WithChain adds the on-chain dispute mirror.
func (e *Engine) WithChain(c ChainFlagger) *Engine {
	e.chain = c
	return e
}

// WithNotifier adds a notification sink.
func (e *Engine) WithNotifier(n payment.Notifier) *Engine {
	e.notifier = n
	return e
}

// Raise opens a dispute on a funded payment. The funded→in_dispute
// compare-and-set transition is the gate: only one concurrent raise can
// win it, so a payment never carries two active disputes. details and
// evidenceRef are optional context for the arbiter.
func (e *Engine) Raise(ctx context.Context, paymentID, actorEmail, reason, details, evidenceRef string) (*Dispute, error) {
	p, err := e.payments.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	role := payment.ResolveRole(p, actorEmail)
	if role == payment.RoleNone {
		return nil, ErrUnauthorized
	}

	if p.Status == payment.StatusInDispute {
		return nil, ErrAlreadyOpen
	}
	if err := e.payments.Transition(ctx, paymentID, payment.StatusFunded, payment.StatusInDispute); err != nil {
		if errors.Is(err, payment.ErrInvalidState) {
			return nil, ErrNotDisputable
		}
		return nil, err
	}

	esc, err := e.escrows.GetByPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load escrow for dispute: %w", err)
	}

	d := &Dispute{
		ID:          idgen.WithPrefix("dsp_"),
		PaymentID:   paymentID,
		EscrowID:    esc.ID,
		RaisedBy:    actorEmail,
		Role:        string(role),
		Reason:      reason,
		Details:     details,
		EvidenceRef: evidenceRef,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
	if err := e.store.Create(ctx, d); err != nil {
		// Roll the payment back so the raise can be retried.
		if tErr := e.payments.Transition(ctx, paymentID, payment.StatusInDispute, payment.StatusFunded); tErr != nil {
			e.logger.Error("failed to roll back dispute transition",
				"paymentId", paymentID, "error", tErr)
		}
		return nil, err
	}

	if err := e.escrows.SetDisputeStatus(ctx, esc.ID, escrow.DisputePending); err != nil {
		e.logger.Error("failed to set escrow dispute status",
			"escrowId", esc.ID, "disputeId", d.ID, "error", err)
	}

	e.appendHistory(ctx, d.ID, HistoryRaised, actorEmail, reason)
	e.events.Record(ctx, paymentID, payment.EventDisputeRaised, actorEmail, reason)
	metrics.DisputesTotal.WithLabelValues("opened").Inc()

	if e.chain != nil && esc.OnchainEscrowID != "" {
		if txHash, err := e.chain.FlagDispute(ctx, esc.OnchainEscrowID); err != nil {
			e.logger.Warn("on-chain dispute flag failed",
				"disputeId", d.ID, "escrowId", esc.ID, "error", err)
		} else {
			d.OnchainTxHash = txHash
			if err := e.store.SetOnchainTxHash(ctx, d.ID, txHash); err != nil {
				e.logger.Warn("failed to record on-chain dispute tx", "disputeId", d.ID, "error", err)
			}
			e.appendHistory(ctx, d.ID, HistoryOnchainFlagged, "", "tx="+txHash)
		}
	}

	if e.notifier != nil {
		other := p.PayeeEmail
		if role == payment.RolePayee {
			other = p.PayerEmail
		}
		e.notifier.Notify(ctx, other, "dispute raised", map[string]string{
			"paymentId": paymentID,
			"disputeId": d.ID,
			"reason":    reason,
		})
	}

	return d, nil
}

// Resolve closes a pending dispute with the arbiter's decision. The store
// enforces single-shot resolution; a second call gets ErrResolved.
//
// On a refund decision, a refund send failure is appended to the history
// and returned, but the resolution itself stands: the dispute stays
// resolved and RetryRefund picks the refund up later.
func (e *Engine) Resolve(ctx context.Context, disputeID string, res Resolution, arbiterEmail, note string) (*Dispute, error) {
	d, err := e.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	if err := e.store.Resolve(ctx, disputeID, res, arbiterEmail, note, time.Now()); err != nil {
		return nil, err
	}

	e.events.Record(ctx, d.PaymentID, payment.EventDisputeResolved, arbiterEmail, string(res))
	metrics.DisputesTotal.WithLabelValues(string(res)).Inc()

	switch res {
	case ResolutionRefund:
		e.appendHistory(ctx, disputeID, HistoryResolvedRefund, arbiterEmail, note)
		if err := e.escrows.SetDisputeStatus(ctx, d.EscrowID, escrow.DisputeRefund); err != nil {
			e.logger.Error("failed to set escrow dispute status",
				"escrowId", d.EscrowID, "error", err)
		}
		if err := e.processRefund(ctx, d); err != nil {
			return e.store.Get(ctx, disputeID)
		}

	case ResolutionDismissed:
		e.appendHistory(ctx, disputeID, HistoryResolvedDismiss, arbiterEmail, note)
		if err := e.escrows.SetDisputeStatus(ctx, d.EscrowID, escrow.DisputeDismiss); err != nil {
			e.logger.Error("failed to set escrow dispute status",
				"escrowId", d.EscrowID, "error", err)
		}
		if err := e.resumer.ResumeAfterDismissal(ctx, d.PaymentID); err != nil {
			e.logger.Error("failed to resume release after dismissal",
				"disputeId", disputeID, "paymentId", d.PaymentID, "error", err)
		}

	default:
		return nil, fmt.Errorf("unknown resolution %q", res)
	}

	return e.store.Get(ctx, disputeID)
}

// RetryRefund re-attempts the refund for a dispute resolved with refund
// whose payout has not gone through yet.
func (e *Engine) RetryRefund(ctx context.Context, disputeID string) error {
	d, err := e.store.Get(ctx, disputeID)
	if err != nil {
		return err
	}
	if d.Status != StatusResolved || d.Resolution != ResolutionRefund {
		return ErrNotDisputable
	}
	if d.RefundRef != "" {
		return nil // refund already went out
	}
	return e.processRefund(ctx, d)
}

// processRefund sends the refund and moves the escrow and payment to
// refunded. A send failure lands on the history as refund_failed without
// rolling back the resolution.
func (e *Engine) processRefund(ctx context.Context, d *Dispute) error {
	if e.refunder == nil {
		e.appendHistory(ctx, d.ID, HistoryRefundFailed, "", "no refund rail configured")
		return fmt.Errorf("no refund rail configured")
	}

	p, err := e.payments.Get(ctx, d.PaymentID)
	if err != nil {
		return err
	}

	ref, err := e.refunder.SendRefund(ctx, p, p.Amount)
	if err != nil {
		e.appendHistory(ctx, d.ID, HistoryRefundFailed, "", err.Error())
		e.events.Record(ctx, d.PaymentID, payment.EventRefundFailed, "", err.Error())
		return fmt.Errorf("refund send failed: %w", err)
	}

	if err := e.store.SetRefundRef(ctx, d.ID, ref); err != nil {
		e.logger.Error("refund sent but reference not recorded",
			"disputeId", d.ID, "ref", ref, "error", err)
	}

	if err := e.escrows.Refund(ctx, d.EscrowID, ref); err != nil {
		e.logger.Error("refund sent but escrow transition failed",
			"disputeId", d.ID, "escrowId", d.EscrowID, "error", err)
		return err
	}

	e.appendHistory(ctx, d.ID, HistoryRefundProcessed, "", "ref="+ref)
	e.events.Record(ctx, d.PaymentID, payment.EventRefundProcessed, "", "ref="+ref)
	return nil
}

// Get returns a dispute by ID.
func (e *Engine) Get(ctx context.Context, id string) (*Dispute, error) {
	return e.store.Get(ctx, id)
}

// History returns a dispute's append-only history in creation order.
func (e *Engine) History(ctx context.Context, disputeID string) ([]*HistoryEntry, error) {
	return e.store.ListHistory(ctx, disputeID)
}

// ListOpen returns pending disputes for the arbitration queue.
func (e *Engine) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	return e.store.ListOpen(ctx, limit)
}

// appendHistory adds a history entry, logging instead of failing.
func (e *Engine) appendHistory(ctx context.Context, disputeID, typ, actor, detail string) {
	err := e.store.AppendHistory(ctx, &HistoryEntry{
		DisputeID: disputeID,
		Type:      typ,
		Actor:     actor,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
	if err != nil {
		e.logger.Warn("failed to append dispute history",
			"disputeId", disputeID, "type", typ, "error", err)
	}
}
