package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/custodia-pay/custodia/internal/approval"
	"github.com/custodia-pay/custodia/internal/chain"
	"github.com/custodia-pay/custodia/internal/escrow"
	"github.com/custodia-pay/custodia/internal/metrics"
	"github.com/custodia-pay/custodia/internal/multisig"
	"github.com/custodia-pay/custodia/internal/payment"
	"github.com/custodia-pay/custodia/internal/rail"
	"github.com/custodia-pay/custodia/internal/reconciliation"
)

// Job names, used for registration and the admin trigger endpoint.
const (
	JobDeposits  = "process_deposits"
	JobCustody   = "release_expired_custodies"
	JobPayouts   = "process_payouts"
	JobChainSync = "sync_chain_events"
	JobReconcile = "reconcile_integrity"
)

const batchLimit = 100

// DepositJob sweeps the fiat rail for incoming transfers and funds the
// matching escrows.
type DepositJob struct {
	provider rail.Provider
	payments payment.Store
	escrows  *escrow.Manager
	logger   *slog.Logger

	mu        sync.Mutex
	lastSweep time.Time
}

// NewDepositJob creates the deposit detection job.
func NewDepositJob(provider rail.Provider, payments payment.Store, escrows *escrow.Manager, logger *slog.Logger) *DepositJob {
	return &DepositJob{
		provider:  provider,
		payments:  payments,
		escrows:   escrows,
		logger:    logger,
		lastSweep: time.Now().Add(-24 * time.Hour),
	}
}

// Run queries transfers since the last sweep (with overlap, relying on
// MarkFunded idempotency for the duplicates) and funds matching escrows.
func (j *DepositJob) Run(ctx context.Context) (int, error) {
	j.mu.Lock()
	since := j.lastSweep.Add(-5 * time.Minute)
	j.mu.Unlock()
	sweepStart := time.Now()

	transfers, err := j.provider.IncomingTransfers(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("failed to query incoming transfers: %w", err)
	}

	funded := 0
	for _, t := range transfers {
		if err := j.applyTransfer(ctx, t); err != nil {
			// One bad transfer never blocks the rest of the batch.
			j.logger.Warn("failed to apply incoming transfer",
				"ref", t.Ref, "amount", t.Amount, "error", err)
			continue
		}
		funded++
	}

	j.mu.Lock()
	j.lastSweep = sweepStart
	j.mu.Unlock()
	return funded, nil
}

func (j *DepositJob) applyTransfer(ctx context.Context, t rail.Transfer) error {
	p, err := j.payments.GetByDepositRef(ctx, t.Ref)
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			j.logger.Info("transfer with unknown deposit reference", "ref", t.Ref)
			return nil
		}
		return err
	}

	if t.Amount < p.Amount {
		// Partial deposits stay unfunded until topped up; the rail
		// aggregates transfers per reference.
		j.logger.Warn("deposit below payment amount",
			"paymentId", p.ID, "expected", p.Amount, "received", t.Amount)
		return nil
	}

	e, err := j.escrows.GetByPayment(ctx, p.ID)
	if err != nil {
		return err
	}
	return j.escrows.MarkFunded(ctx, e.ID, t.TrackingKey)
}

// CustodyJob releases escrows whose custody period ended and runs
// multi-sig maintenance (expiry, due pre-approvals).
type CustodyJob struct {
	escrowStore escrow.Store
	escrows     *escrow.Manager
	payments    payment.Store
	coordinator *approval.Coordinator
	multisig    *multisig.Service
	logger      *slog.Logger
}

// NewCustodyJob creates the custody expiry job.
func NewCustodyJob(escrowStore escrow.Store, escrows *escrow.Manager, payments payment.Store,
	coordinator *approval.Coordinator, ms *multisig.Service, logger *slog.Logger) *CustodyJob {
	return &CustodyJob{
		escrowStore: escrowStore,
		escrows:     escrows,
		payments:    payments,
		coordinator: coordinator,
		multisig:    ms,
		logger:      logger,
	}
}

func (j *CustodyJob) Run(ctx context.Context) (int, error) {
	expired, err := j.escrowStore.ListExpired(ctx, time.Now(), batchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired custodies: %w", err)
	}

	processed := 0
	for _, e := range expired {
		p, err := j.payments.Get(ctx, e.PaymentID)
		if err != nil {
			j.logger.Warn("expired escrow without payment", "escrowId", e.ID, "error", err)
			continue
		}
		if err := j.escrows.VerifyIntegrity(e, p); err != nil {
			// Corrupted record: never auto-release, leave for manual review.
			j.logger.Error("escrow failed integrity check, skipping release",
				"escrowId", e.ID, "paymentId", p.ID, "error", err)
			continue
		}
		if err := j.coordinator.TriggerExpiredRelease(ctx, e); err != nil {
			j.logger.Warn("failed to trigger expired release",
				"escrowId", e.ID, "paymentId", e.PaymentID, "error", err)
			continue
		}
		processed++
	}

	if j.multisig != nil {
		if n, err := j.multisig.ExecuteDuePreApprovals(ctx, time.Now(), batchLimit); err != nil {
			j.logger.Warn("pre-approval sweep failed", "error", err)
		} else {
			processed += n
		}
		if _, err := j.multisig.ExpireStale(ctx, time.Now(), batchLimit); err != nil {
			j.logger.Warn("multisig expiry sweep failed", "error", err)
		}
	}

	return processed, nil
}

// PayoutJob sends the fiat payout for released escrows.
type PayoutJob struct {
	escrowStore escrow.Store
	payments    payment.Store
	provider    rail.Provider
	events      payment.Recorder
	logger      *slog.Logger
}

// NewPayoutJob creates the payout job.
func NewPayoutJob(escrowStore escrow.Store, payments payment.Store, provider rail.Provider,
	events payment.Recorder, logger *slog.Logger) *PayoutJob {
	return &PayoutJob{
		escrowStore: escrowStore,
		payments:    payments,
		provider:    provider,
		events:      events,
		logger:      logger,
	}
}

func (j *PayoutJob) Run(ctx context.Context) (int, error) {
	pending, err := j.escrowStore.ListByPayoutStatus(ctx, escrow.PayoutPending, batchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending payouts: %w", err)
	}

	sent := 0
	for _, e := range pending {
		if err := j.payout(ctx, e); err != nil {
			metrics.PayoutsTotal.WithLabelValues("failed").Inc()
			j.logger.Warn("payout failed", "escrowId", e.ID, "error", err)
			continue
		}
		metrics.PayoutsTotal.WithLabelValues("sent").Inc()
		sent++
	}
	return sent, nil
}

func (j *PayoutJob) payout(ctx context.Context, e *escrow.Escrow) error {
	p, err := j.payments.Get(ctx, e.PaymentID)
	if err != nil {
		return err
	}

	// The payee receives everything except the platform commission. The
	// concept keys provider-side idempotency, so a crash between SendPayout
	// and MarkPaidOut re-sends harmlessly.
	amount := e.CustodyAmount + e.ReleaseAmount
	ref, err := j.provider.SendPayout(ctx, p.PayeeEmail, amount, e.Currency, "payout_"+e.ID)
	if err != nil {
		return err
	}

	if err := j.escrowStore.MarkPaidOut(ctx, e.ID, ref, time.Now()); err != nil {
		return fmt.Errorf("payout sent but not recorded: %w", err)
	}
	j.events.Record(ctx, p.ID, payment.EventPayoutSent, "", "ref="+ref)
	return nil
}

// ReconcileJob runs the read-only invariant sweep over payments and
// escrows. It counts findings; remediation is manual.
type ReconcileJob struct {
	checker *reconciliation.Checker
}

// NewReconcileJob creates the reconciliation sweep job.
func NewReconcileJob(checker *reconciliation.Checker) *ReconcileJob {
	return &ReconcileJob{checker: checker}
}

func (j *ReconcileJob) Run(ctx context.Context) (int, error) {
	res, err := j.checker.Run(ctx)
	if err != nil {
		return 0, err
	}
	return res.Total(), nil
}

// ChainSyncJob pulls escrow contract events since the persisted watermark.
type ChainSyncJob struct {
	syncer *chain.Syncer
}

// NewChainSyncJob creates the chain synchronization job.
func NewChainSyncJob(syncer *chain.Syncer) *ChainSyncJob {
	return &ChainSyncJob{syncer: syncer}
}

func (j *ChainSyncJob) Run(ctx context.Context) (int, error) {
	return j.syncer.Sync(ctx)
}

// ChainApplier reconciles escrow contract events into local state. The
// database is authoritative: events confirming transitions already made
// locally are no-ops, and only genuinely chain-originated changes apply.
type ChainApplier struct {
	escrows *escrow.Manager
	logger  *slog.Logger
}

// NewChainApplier creates an applier for the chain sync job.
func NewChainApplier(escrows *escrow.Manager, logger *slog.Logger) *ChainApplier {
	return &ChainApplier{escrows: escrows, logger: logger}
}

var _ chain.EventApplier = (*ChainApplier)(nil)

// Apply reconciles one event. Must stay idempotent: the syncer re-delivers
// whole batches after partial failures.
func (a *ChainApplier) Apply(ctx context.Context, ev chain.Event) error {
	e, err := a.escrows.GetByOnchainRef(ctx, ev.OnchainEscrowID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			a.logger.Info("chain event for unknown escrow", "onchainId", ev.OnchainEscrowID)
			return nil
		}
		return err
	}

	switch ev.Type {
	case chain.EventReleased:
		if e.Status == escrow.StatusReleased {
			return nil // locally initiated release echoed back
		}
		if err := a.escrows.FinalizeRelease(ctx, e.ID, ev.TxHash); err != nil {
			if errors.Is(err, escrow.ErrInvalidState) {
				return nil
			}
			return err
		}

	case chain.EventRefunded:
		if e.Status == escrow.StatusRefunded {
			return nil
		}
		if err := a.escrows.Refund(ctx, e.ID, ev.TxHash); err != nil {
			if errors.Is(err, escrow.ErrInvalidState) {
				return nil
			}
			return err
		}

	case chain.EventDisputed:
		// Disputes originate locally; the on-chain flag is a mirror. An
		// event with no matching local dispute means the mirror diverged.
		if e.DisputeStatus == escrow.DisputeNone {
			a.logger.Warn("on-chain dispute flag without local dispute",
				"escrowId", e.ID, "tx", ev.TxHash)
		}
	}
	return nil
}
