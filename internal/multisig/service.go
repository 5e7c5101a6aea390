package multisig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/custodia-pay/custodia/internal/escrow"
	"github.com/custodia-pay/custodia/internal/idgen"
	"github.com/custodia-pay/custodia/internal/metrics"
	"github.com/custodia-pay/custodia/internal/money"
	"github.com/custodia-pay/custodia/internal/payment"
	"github.com/custodia-pay/custodia/internal/traces"
)

// Executor performs the actual fund transfer for an approved request.
type Executor interface {
	Transfer(ctx context.Context, toAddress string, amount int64, currency string) (txHash string, err error)
}

// DefaultRequestTTL is how long a request stays open before expiring.
const DefaultRequestTTL = 7 * 24 * time.Hour

// Service implements multi-sig approval collection and execution.
type Service struct {
	store   Store
	escrows *escrow.Manager
	exec    Executor
	events  payment.Recorder
	logger  *slog.Logger
}

// NewService creates a new multisig service.
func NewService(store Store, escrows *escrow.Manager, exec Executor, events payment.Recorder, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		escrows: escrows,
		exec:    exec,
		events:  events,
		logger:  logger,
	}
}

// ProposeRelease creates a release request for a payment routed to the
// named wallet. Idempotent per payment: if an open request already exists
// it is reused — and executed immediately if it is already approved and
// the payment has entered the release path.
func (s *Service) ProposeRelease(ctx context.Context, p *payment.Payment, wallet string, preApproval bool) error {
	if existing, err := s.store.GetOpenByPayment(ctx, p.ID); err == nil {
		switch existing.Status {
		case StatusApproved:
			// Pre-approved ahead of the deadline: fire now.
			return s.Execute(ctx, existing.ID)
		case StatusPending:
			// Signatures still accumulating. Clear the pre-approval hold
			// so the threshold crossing executes immediately.
			if existing.ExecuteAfter != nil && !preApproval {
				return s.store.ClearExecuteAfter(ctx, existing.ID)
			}
			return nil
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	w, err := s.store.GetActiveWallet(ctx, wallet)
	if err != nil {
		return err
	}

	e, err := s.escrows.GetByPayment(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("failed to load escrow for multisig proposal: %w", err)
	}

	now := time.Now()
	req := &Request{
		ID:            idgen.WithPrefix("msr_"),
		PaymentID:     p.ID,
		WalletID:      w.ID,
		WalletName:    w.Name,
		TargetAddress: w.Address,
		Amount:        p.Amount,
		AmountUSD:     p.AmountUSD,
		Currency:      p.Currency,
		RequiredSigs:  w.RequiredSigs,
		Status:        StatusPending,
		PreApproval:   preApproval,
		ExpiresAt:     now.Add(DefaultRequestTTL),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if preApproval {
		// Signatures may accumulate, but execution waits for the
		// custody deadline.
		req.ExecuteAfter = &e.CustodyEnd
	}

	if err := s.store.CreateRequest(ctx, req); err != nil {
		return err
	}

	s.events.Record(ctx, p.ID, payment.EventMultisigCreated, "",
		fmt.Sprintf("wallet=%s required=%d amount=%s", w.Name, w.RequiredSigs, money.Format(p.Amount)))
	return nil
}

// Approve appends an approval signature. The call that crosses the
// threshold flips the request to approved and triggers execution exactly
// once; a concurrent signer racing past the threshold observes the flip
// already done and no-ops.
func (s *Service) Approve(ctx context.Context, requestID, signer, signature string) (*Request, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		if req.Status == StatusExecuted {
			return nil, ErrAlreadyExecuted
		}
		return nil, ErrInvalidState
	}

	w, err := s.store.GetActiveWallet(ctx, req.WalletName)
	if err != nil {
		return nil, err
	}
	if !w.IsOwner(signer) {
		return nil, ErrNotOwner
	}

	_, crossed, err := s.store.AddSignature(ctx, requestID, &Signature{
		RequestID: requestID,
		Signer:    signer,
		Signature: signature,
		Approved:  true,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return nil, err
	}

	s.events.Record(ctx, req.PaymentID, payment.EventMultisigSigned, signer, "approve")

	if crossed {
		req, err = s.store.GetRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if req.ExecuteAfter != nil && time.Now().Before(*req.ExecuteAfter) {
			// Pre-approval: stay approved until the custody deadline.
			s.logger.Info("multisig request pre-approved, holding until custody deadline",
				"requestId", requestID, "executeAfter", req.ExecuteAfter)
		} else if err := s.Execute(ctx, requestID); err != nil && !errors.Is(err, ErrAlreadyExecuted) {
			// Execution failure is retryable; the request stays approved.
			s.logger.Error("multisig execution after threshold failed",
				"requestId", requestID, "error", err)
		}
	}

	return s.store.GetRequest(ctx, requestID)
}

// Reject appends a rejection signature. Rejections are informational and
// do not block approvals unless the wallet configures a reject threshold.
func (s *Service) Reject(ctx context.Context, requestID, signer string) (*Request, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return nil, ErrInvalidState
	}

	w, err := s.store.GetActiveWallet(ctx, req.WalletName)
	if err != nil {
		return nil, err
	}
	if !w.IsOwner(signer) {
		return nil, ErrNotOwner
	}

	counts, _, err := s.store.AddSignature(ctx, requestID, &Signature{
		RequestID: requestID,
		Signer:    signer,
		Approved:  false,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return nil, err
	}

	s.events.Record(ctx, req.PaymentID, payment.EventMultisigSigned, signer, "reject")

	if w.RejectThreshold > 0 && counts.Rejections >= w.RejectThreshold {
		if ok, err := s.store.CAS(ctx, requestID, StatusPending, StatusRejected); err != nil {
			return nil, err
		} else if ok {
			s.logger.Info("multisig request rejected by threshold",
				"requestId", requestID, "rejections", counts.Rejections)
		}
	}

	return s.store.GetRequest(ctx, requestID)
}

// Execute performs the transfer for an approved request exactly once.
// The approved→executing compare-and-set is the idempotency boundary: a
// request that is already executing or executed cannot start again.
func (s *Service) Execute(ctx context.Context, requestID string) error {
	ctx, span := traces.StartSpan(ctx, "multisig.execute", traces.RequestID(requestID))
	defer span.End()

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status == StatusExecuted {
		return ErrAlreadyExecuted
	}

	ok, err := s.store.CAS(ctx, requestID, StatusApproved, StatusExecuting)
	if err != nil {
		return err
	}
	if !ok {
		// Re-read to distinguish already-executed from wrong state.
		req, err = s.store.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status == StatusExecuted || req.Status == StatusExecuting {
			return ErrAlreadyExecuted
		}
		return ErrInvalidState
	}

	txHash, err := s.exec.Transfer(ctx, req.TargetAddress, req.Amount, req.Currency)
	if err != nil {
		metrics.MultisigExecutionsTotal.WithLabelValues("failed").Inc()
		// Roll the status back so the execution can be retried.
		if _, casErr := s.store.CAS(ctx, requestID, StatusExecuting, StatusApproved); casErr != nil {
			s.logger.Error("failed to roll back executing multisig request",
				"requestId", requestID, "error", casErr)
		}
		return fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}
	metrics.MultisigExecutionsTotal.WithLabelValues("executed").Inc()

	if err := s.store.SetExecuted(ctx, requestID, txHash, time.Now()); err != nil {
		// Transfer went out but the record is stale. Log for manual
		// resolution rather than retrying the transfer.
		s.logger.Error("multisig transfer sent but status update failed",
			"requestId", requestID, "txHash", txHash, "error", err)
		return err
	}

	s.events.Record(ctx, req.PaymentID, payment.EventMultisigExec, "", "tx="+txHash)

	e, err := s.escrows.GetByPayment(ctx, req.PaymentID)
	if err != nil {
		return err
	}
	return s.escrows.FinalizeRelease(ctx, e.ID, txHash)
}

// Get returns a request by ID.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	return s.store.GetRequest(ctx, id)
}

// Signatures returns the signatures collected for a request.
func (s *Service) Signatures(ctx context.Context, requestID string) ([]*Signature, error) {
	return s.store.ListSignatures(ctx, requestID)
}

// CreateWallet registers a new wallet configuration version.
func (s *Service) CreateWallet(ctx context.Context, name, address string, owners []string, required, rejectThreshold int) (*WalletConfig, error) {
	if required <= 0 || required > len(owners) {
		return nil, fmt.Errorf("required signatures must be between 1 and the owner count")
	}
	w := &WalletConfig{
		ID:              idgen.WithPrefix("wal_"),
		Name:            name,
		Address:         address,
		Owners:          owners,
		RequiredSigs:    required,
		RejectThreshold: rejectThreshold,
		Active:          true,
		CreatedAt:       time.Now(),
	}
	if err := s.store.CreateWallet(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// ListWallets returns all wallet configuration versions.
func (s *Service) ListWallets(ctx context.Context) ([]*WalletConfig, error) {
	return s.store.ListWallets(ctx)
}

// ExpireStale marks requests past their expiry as expired. Returns the
// number of requests expired. Executed and rejected requests are left
// alone.
func (s *Service) ExpireStale(ctx context.Context, now time.Time, limit int) (int, error) {
	stale, err := s.store.ListExpired(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, req := range stale {
		ok, err := s.store.CAS(ctx, req.ID, StatusPending, StatusExpired)
		if err != nil {
			s.logger.Warn("failed to expire multisig request", "requestId", req.ID, "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// ExecuteDuePreApprovals executes approved pre-approval requests whose
// custody deadline has passed. Each record failure is logged and skipped.
func (s *Service) ExecuteDuePreApprovals(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.store.ListDuePreApprovals(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, req := range due {
		if err := s.Execute(ctx, req.ID); err != nil {
			if errors.Is(err, ErrAlreadyExecuted) {
				continue
			}
			s.logger.Warn("failed to execute due pre-approval",
				"requestId", req.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}
