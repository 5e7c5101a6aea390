package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/custodia-pay/custodia/internal/idgen"
	"github.com/custodia-pay/custodia/internal/metrics"
	"github.com/custodia-pay/custodia/internal/money"
	"github.com/custodia-pay/custodia/internal/pagination"
)

// CustodyCreator abstracts escrow creation so payment doesn't import escrow.
type CustodyCreator interface {
	CreateCustody(ctx context.Context, p *Payment) error
}

// DepositReferencer issues a deposit reference from the fiat rail provider.
type DepositReferencer interface {
	CreateDepositReference(ctx context.Context) (string, error)
}

// KYCChecker gates payment creation on participant verification.
type KYCChecker interface {
	IsVerified(ctx context.Context, email string) bool
}

// Notifier delivers fire-and-forget user notifications.
type Notifier interface {
	Notify(ctx context.Context, userEmail, message string, meta map[string]string)
}

// CreateRequest contains the parameters for creating a payment.
type CreateRequest struct {
	Amount            string  `json:"amount" binding:"required"`
	Currency          string  `json:"currency"`
	PayerEmail        string  `json:"payerEmail" binding:"required"`
	PayeeEmail        string  `json:"payeeEmail" binding:"required"`
	CustodyPercent    float64 `json:"custodyPercent"`
	CustodyPeriodDays int     `json:"custodyPeriodDays"`
	ReleaseConditions string  `json:"releaseConditions"`
	// Requested marks the pull (cobro) flow: the payee asks the payer
	// to fund the payment, which starts in requested instead of pending.
	Requested bool `json:"requested"`
}

// Defaults used when the request omits custody parameters.
type Defaults struct {
	Currency              string
	CustodyPercent        float64
	CustodyPeriodDays     int
	CommissionPercent     float64
	CommissionBeneficiary string
	FXRateUSD             string
}

// Service implements payment lifecycle commands.
type Service struct {
	store    Store
	events   Recorder
	custody  CustodyCreator
	rail     DepositReferencer
	kyc      KYCChecker
	notifier Notifier
	defaults Defaults
}

// NewService creates a new payment service.
func NewService(store Store, events Recorder, custody CustodyCreator, defaults Defaults) *Service {
	return &Service{
		store:    store,
		events:   events,
		custody:  custody,
		defaults: defaults,
	}
}

// WithRail adds a fiat-rail deposit reference issuer.
func (s *Service) WithRail(r DepositReferencer) *Service {
	s.rail = r
	return s
}

// WithKYC adds a participant verification gate.
func (s *Service) WithKYC(k KYCChecker) *Service {
	s.kyc = k
	return s
}

// WithNotifier adds a notification sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Create creates a payment and its custody record.
// actorEmail must be one of the participants: the payer for the push flow,
// the payee for the pull (requested) flow.
func (s *Service) Create(ctx context.Context, req CreateRequest, actorEmail string) (*Payment, error) {
	if strings.EqualFold(req.PayerEmail, req.PayeeEmail) {
		return nil, errors.New("payer and payee cannot be the same")
	}

	amount, err := money.Parse(req.Amount)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, money.ErrInvalidAmount
	}

	initial := StatusPending
	if req.Requested {
		if !strings.EqualFold(actorEmail, req.PayeeEmail) {
			return nil, ErrUnauthorized
		}
		initial = StatusRequested
	} else if !strings.EqualFold(actorEmail, req.PayerEmail) {
		return nil, ErrUnauthorized
	}

	if s.kyc != nil {
		if !s.kyc.IsVerified(ctx, req.PayerEmail) || !s.kyc.IsVerified(ctx, req.PayeeEmail) {
			return nil, errors.New("both participants must be verified")
		}
	}

	custodyPercent := req.CustodyPercent
	if custodyPercent == 0 {
		custodyPercent = s.defaults.CustodyPercent
	}
	custodyDays := req.CustodyPeriodDays
	if custodyDays <= 0 {
		custodyDays = s.defaults.CustodyPeriodDays
	}
	currency := req.Currency
	if currency == "" {
		currency = s.defaults.Currency
	}

	split, err := money.ComputeSplit(amount, custodyPercent, s.defaults.CommissionPercent)
	if err != nil {
		return nil, err
	}

	amountUSD, err := money.USDEquivalent(amount, s.defaults.FXRateUSD)
	if err != nil {
		return nil, err
	}

	depositRef := idgen.WithPrefix("dep_")
	if s.rail != nil {
		ref, err := s.rail.CreateDepositReference(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create deposit reference: %w", err)
		}
		depositRef = ref
	}

	now := time.Now()
	p := &Payment{
		ID:                    idgen.WithPrefix("pay_"),
		Amount:                amount,
		Currency:              currency,
		AmountUSD:             amountUSD,
		PayerEmail:            strings.ToLower(req.PayerEmail),
		PayeeEmail:            strings.ToLower(req.PayeeEmail),
		Status:                initial,
		CustodyPercent:        custodyPercent,
		CustodyPeriodDays:     custodyDays,
		ReleaseConditions:     req.ReleaseConditions,
		CommissionPercent:     s.defaults.CommissionPercent,
		CommissionAmount:      split.Commission,
		CommissionBeneficiary: s.defaults.CommissionBeneficiary,
		DepositRef:            depositRef,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if err := s.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create payment record: %w", err)
	}

	if err := s.custody.CreateCustody(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create custody record: %w", err)
	}

	s.events.Record(ctx, p.ID, EventCreated, actorEmail, fmt.Sprintf("amount=%s %s", money.Format(amount), currency))
	metrics.PaymentsTotal.WithLabelValues(string(initial)).Inc()

	if s.notifier != nil {
		counterparty := p.PayeeEmail
		if initial == StatusRequested {
			counterparty = p.PayerEmail
		}
		s.notifier.Notify(ctx, counterparty, "payment created", map[string]string{
			"paymentId": p.ID,
			"amount":    money.Format(p.Amount),
		})
	}

	return p, nil
}

// AcceptRequest moves a requested (pull-flow) payment to pending. Only the
// payer can accept.
func (s *Service) AcceptRequest(ctx context.Context, id, actorEmail string) (*Payment, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ResolveRole(p, actorEmail) != RolePayer {
		return nil, ErrUnauthorized
	}
	if err := s.store.Transition(ctx, id, StatusRequested, StatusPending); err != nil {
		return nil, err
	}
	s.events.Record(ctx, id, EventCreated, actorEmail, "request accepted")
	return s.store.Get(ctx, id)
}

// Reject rejects a requested payment. Only the payer can reject.
func (s *Service) Reject(ctx context.Context, id, actorEmail string) (*Payment, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ResolveRole(p, actorEmail) != RolePayer {
		return nil, ErrUnauthorized
	}
	if err := s.store.Transition(ctx, id, StatusRequested, StatusRejected); err != nil {
		return nil, err
	}
	s.events.Record(ctx, id, EventRejected, actorEmail, "")
	metrics.PaymentsTotal.WithLabelValues(string(StatusRejected)).Inc()
	if s.notifier != nil {
		s.notifier.Notify(ctx, p.PayeeEmail, "payment request rejected", map[string]string{"paymentId": id})
	}
	return s.store.Get(ctx, id)
}

// Cancel cancels a payment before release. Either participant may cancel
// while the payment has not been funded; after funding only the payee can
// cancel (waiving the payment).
func (s *Service) Cancel(ctx context.Context, id, actorEmail string) (*Payment, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	role := ResolveRole(p, actorEmail)
	if role == RoleNone {
		return nil, ErrUnauthorized
	}

	switch p.Status {
	case StatusRequested, StatusPending:
		// either side may cancel
	case StatusFunded:
		if role != RolePayee {
			return nil, ErrUnauthorized
		}
	default:
		return nil, ErrInvalidState
	}

	if err := s.store.Transition(ctx, id, p.Status, StatusCancelled); err != nil {
		return nil, err
	}
	s.events.Record(ctx, id, EventCancelled, actorEmail, "")
	metrics.PaymentsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	return s.store.Get(ctx, id)
}

// Get returns a payment by ID.
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.store.Get(ctx, id)
}

// ListByParticipant returns one page of payments where the email is payer
// or payee, newest first, with an opaque cursor for the next page.
func (s *Service) ListByParticipant(ctx context.Context, email, cursor string, limit int) ([]*Payment, string, error) {
	if limit <= 0 {
		limit = 50
	}
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", ErrInvalidCursor
	}
	items, err := s.store.ListByParticipant(ctx, strings.ToLower(email), cur, limit+1)
	if err != nil {
		return nil, "", err
	}
	items, next, _ := pagination.ComputePage(items, limit, func(p *Payment) (time.Time, string) {
		return p.CreatedAt, p.ID
	})
	return items, next, nil
}
