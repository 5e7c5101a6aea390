// Package rail integrates the fiat payment rail (SPEI-style bank
// transfers). The provider issues deposit references, reports incoming
// transfers and executes outbound payouts and refunds.
package rail

import (
	"context"
	"errors"
	"time"

	"github.com/custodia-pay/custodia/internal/payment"
)

var (
	ErrProviderUnavailable = errors.New("rail: provider unavailable")
	ErrRejected            = errors.New("rail: transfer rejected by provider")
	ErrCircuitOpen         = errors.New("rail: circuit open, provider calls suspended")
)

// Transfer is one incoming bank transfer reported by the provider.
type Transfer struct {
	Ref         string    `json:"ref"` // deposit reference it was sent to
	TrackingKey string    `json:"trackingKey"`
	Amount      int64     `json:"amount"` // minor units
	Currency    string    `json:"currency"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// Provider is the fiat rail surface the rest of the system uses.
type Provider interface {
	// CreateDepositReference issues a unique reference for an expected
	// deposit. Satisfies payment.DepositReferencer.
	CreateDepositReference(ctx context.Context) (string, error)

	// IncomingTransfers lists transfers received since the given time.
	IncomingTransfers(ctx context.Context, since time.Time) ([]Transfer, error)

	// SendPayout sends funds to the payee's registered account. concept
	// doubles as the idempotency key: re-sending the same concept must
	// not produce a second transfer.
	SendPayout(ctx context.Context, payeeEmail string, amount int64, currency, concept string) (ref string, err error)

	// SendRefund returns funds to the payer of the original deposit,
	// addressed by the payment's deposit reference. Satisfies
	// dispute.Refunder.
	SendRefund(ctx context.Context, p *payment.Payment, amount int64) (ref string, err error)
}
