// Package approval coordinates dual-party release approval.
//
// Payer and payee each record an approval; the instant both flags are set
// the payment moves to releasing and the release is routed by value to
// either a direct escrow release or a multi-signature collection. The
// flag write and the both-flags check happen in one store transaction, so
// concurrent approvals from both sides produce exactly one trigger.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/custodia-pay/custodia/internal/escrow"
	"github.com/custodia-pay/custodia/internal/metrics"
	"github.com/custodia-pay/custodia/internal/payment"
	"github.com/custodia-pay/custodia/internal/router"
	"github.com/custodia-pay/custodia/internal/traces"
)

// ReleaseProposer creates (or resumes) a multi-sig release request for a
// payment. Implementations must be idempotent per payment: a second call
// while a request is already open is a no-op.
type ReleaseProposer interface {
	ProposeRelease(ctx context.Context, p *payment.Payment, wallet string, preApproval bool) error
}

// Coordinator records approvals and dispatches triggered releases.
type Coordinator struct {
	payments payment.Store
	escrows  *escrow.Manager
	router   *router.Router
	proposer ReleaseProposer
	events   payment.Recorder
	notifier payment.Notifier
	logger   *slog.Logger
}

// NewCoordinator creates a new approval coordinator.
func NewCoordinator(payments payment.Store, escrows *escrow.Manager, rt *router.Router,
	proposer ReleaseProposer, events payment.Recorder, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		payments: payments,
		escrows:  escrows,
		router:   rt,
		proposer: proposer,
		events:   events,
		logger:   logger,
	}
}

// WithNotifier adds a notification sink.
func (c *Coordinator) WithNotifier(n payment.Notifier) *Coordinator {
	c.notifier = n
	return c
}

// Approve records an approval by the actor and, when it completes dual
// approval, routes the release. Returns the updated payment.
func (c *Coordinator) Approve(ctx context.Context, paymentID, actorEmail string) (*payment.Payment, error) {
	p, err := c.payments.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	role := payment.ResolveRole(p, actorEmail)
	if role == payment.RoleNone {
		return nil, payment.ErrUnauthorized
	}

	p, triggered, err := c.payments.Approve(ctx, paymentID, role, time.Now())
	if err != nil {
		return nil, err
	}

	c.events.Record(ctx, paymentID, payment.EventApproved, actorEmail, string(role))

	if triggered {
		c.events.Record(ctx, paymentID, payment.EventReleaseTrigger, "", "dual approval")
		if err := c.dispatch(ctx, p); err != nil {
			// The payment stays in releasing; the custody expiry job and
			// manual retries pick it up. The approval itself succeeded.
			c.logger.Error("release dispatch failed", "paymentId", paymentID, "error", err)
		}
	}

	if c.notifier != nil {
		other := p.PayeeEmail
		if role == payment.RolePayee {
			other = p.PayerEmail
		}
		c.notifier.Notify(ctx, other, "release approval recorded", map[string]string{
			"paymentId": paymentID,
			"approver":  string(role),
		})
	}

	return p, nil
}

// TriggerExpiredRelease moves a funded payment whose custody deadline has
// passed into the release path. Used by the automation scheduler; the
// compare-and-set transition makes repeated runs harmless.
func (c *Coordinator) TriggerExpiredRelease(ctx context.Context, e *escrow.Escrow) error {
	if err := c.payments.Transition(ctx, e.PaymentID, payment.StatusFunded, payment.StatusReleasing); err != nil {
		return err
	}
	p, err := c.payments.Get(ctx, e.PaymentID)
	if err != nil {
		return err
	}
	c.events.Record(ctx, p.ID, payment.EventReleaseTrigger, "", "custody expired")
	return c.dispatch(ctx, p)
}

// ResumeAfterDismissal returns a payment to the normal release path after
// a dismissed dispute. If both approvals were already recorded the
// release triggers immediately.
func (c *Coordinator) ResumeAfterDismissal(ctx context.Context, paymentID string) error {
	p, err := c.payments.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.DualApproved() {
		if err := c.payments.Transition(ctx, paymentID, payment.StatusInDispute, payment.StatusReleasing); err != nil {
			return err
		}
		p.Status = payment.StatusReleasing
		c.events.Record(ctx, paymentID, payment.EventReleaseTrigger, "", "dispute dismissed")
		return c.dispatch(ctx, p)
	}
	return c.payments.Transition(ctx, paymentID, payment.StatusInDispute, payment.StatusFunded)
}

// RetryRelease re-dispatches a payment stuck in releasing after a failed
// dispatch (chain or rail outage). Admin/ops only.
func (c *Coordinator) RetryRelease(ctx context.Context, paymentID string) error {
	p, err := c.payments.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.Status != payment.StatusReleasing {
		return payment.ErrInvalidState
	}
	return c.dispatch(ctx, p)
}

// dispatch routes a releasing payment to its release path.
func (c *Coordinator) dispatch(ctx context.Context, p *payment.Payment) error {
	ctx, span := traces.StartSpan(ctx, "release.dispatch", traces.PaymentID(p.ID))
	defer span.End()

	decision := c.router.Route(p.AmountUSD, p.ID)
	metrics.ReleasesTotal.WithLabelValues(string(decision.Path)).Inc()

	if !decision.RequiresApproval {
		e, err := c.escrows.GetByPayment(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("failed to load escrow for release: %w", err)
		}
		return c.escrows.FinalizeRelease(ctx, e.ID, "")
	}

	if c.proposer == nil {
		return fmt.Errorf("release of payment %s requires multi-sig but no proposer is configured", p.ID)
	}
	return c.proposer.ProposeRelease(ctx, p, decision.Wallet, false)
}
