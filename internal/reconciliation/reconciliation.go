// Package reconciliation sweeps stored payments and escrows for records
// that drifted out of their invariants: custody splits that no longer sum
// to the payment amount, releases stuck in flight, and payouts that never
// left the queue. Findings are surfaced through metrics and the log; the
// sweep never mutates state.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/custodia-pay/custodia/internal/escrow"
	"github.com/custodia-pay/custodia/internal/payment"
)

const (
	batchLimit = 200

	// DefaultStuckReleaseAge is how long a payment may sit in releasing
	// before it counts as stuck.
	DefaultStuckReleaseAge = 30 * time.Minute

	// DefaultStalePayoutAge is how long a released escrow may wait for
	// its payout before it counts as stale.
	DefaultStalePayoutAge = time.Hour
)

// Result summarizes one reconciliation sweep.
type Result struct {
	IntegrityViolations int `json:"integrityViolations"`
	StuckReleases       int `json:"stuckReleases"`
	StalePayouts        int `json:"stalePayouts"`
}

// Total returns the number of findings in the sweep.
func (r *Result) Total() int {
	return r.IntegrityViolations + r.StuckReleases + r.StalePayouts
}

// Checker performs read-only invariant sweeps.
type Checker struct {
	payments        payment.Store
	escrowStore     escrow.Store
	escrows         *escrow.Manager
	logger          *slog.Logger
	stuckReleaseAge time.Duration
	stalePayoutAge  time.Duration
}

// NewChecker creates a reconciliation checker with default thresholds.
func NewChecker(payments payment.Store, escrowStore escrow.Store, escrows *escrow.Manager, logger *slog.Logger) *Checker {
	return &Checker{
		payments:        payments,
		escrowStore:     escrowStore,
		escrows:         escrows,
		logger:          logger,
		stuckReleaseAge: DefaultStuckReleaseAge,
		stalePayoutAge:  DefaultStalePayoutAge,
	}
}

// Run executes one sweep and reports findings. Errors abort the sweep:
// a partial result would understate the drift.
func (c *Checker) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{}

	if err := c.checkIntegrity(ctx, res); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	if err := c.checkStuckReleases(ctx, res); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	if err := c.checkStalePayouts(ctx, res); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	reconcileIntegrityViolations.Set(float64(res.IntegrityViolations))
	reconcileStuckReleases.Set(float64(res.StuckReleases))
	reconcileStalePayouts.Set(float64(res.StalePayouts))
	reconcileDuration.Observe(time.Since(start).Seconds())

	if res.Total() > 0 {
		c.logger.Warn("reconciliation found drifted records",
			"integrityViolations", res.IntegrityViolations,
			"stuckReleases", res.StuckReleases,
			"stalePayouts", res.StalePayouts)
	}
	return res, nil
}

// checkIntegrity verifies the custody split invariant on every funded
// payment's escrow.
func (c *Checker) checkIntegrity(ctx context.Context, res *Result) error {
	funded, err := c.payments.ListByStatus(ctx, payment.StatusFunded, batchLimit)
	if err != nil {
		return fmt.Errorf("failed to list funded payments: %w", err)
	}
	for _, p := range funded {
		e, err := c.escrows.GetByPayment(ctx, p.ID)
		if err != nil {
			c.logger.Error("funded payment without escrow record",
				"paymentId", p.ID, "error", err)
			res.IntegrityViolations++
			continue
		}
		if err := c.escrows.VerifyIntegrity(e, p); err != nil {
			c.logger.Error("escrow failed integrity check",
				"escrowId", e.ID, "paymentId", p.ID, "error", err)
			res.IntegrityViolations++
		}
	}
	return nil
}

// checkStuckReleases counts payments parked in releasing longer than the
// threshold. These need an operator retry via the admin release endpoint.
func (c *Checker) checkStuckReleases(ctx context.Context, res *Result) error {
	releasing, err := c.payments.ListByStatus(ctx, payment.StatusReleasing, batchLimit)
	if err != nil {
		return fmt.Errorf("failed to list releasing payments: %w", err)
	}
	cutoff := time.Now().Add(-c.stuckReleaseAge)
	for _, p := range releasing {
		if p.UpdatedAt.Before(cutoff) {
			c.logger.Warn("payment stuck in releasing",
				"paymentId", p.ID, "since", p.UpdatedAt)
			res.StuckReleases++
		}
	}
	return nil
}

// checkStalePayouts counts released escrows whose fiat payout has been
// pending longer than the threshold.
func (c *Checker) checkStalePayouts(ctx context.Context, res *Result) error {
	pending, err := c.escrowStore.ListByPayoutStatus(ctx, escrow.PayoutPending, batchLimit)
	if err != nil {
		return fmt.Errorf("failed to list pending payouts: %w", err)
	}
	cutoff := time.Now().Add(-c.stalePayoutAge)
	for _, e := range pending {
		if e.UpdatedAt.Before(cutoff) {
			c.logger.Warn("payout pending too long",
				"escrowId", e.ID, "paymentId", e.PaymentID, "since", e.UpdatedAt)
			res.StalePayouts++
		}
	}
	return nil
}
