// Package admin provides the operations surface: manual job triggers,
// stuck-release recovery and cross-status listings. All routes sit behind
// the admin guard.
package admin

import (
	"context"

	"github.com/custodia-pay/custodia/internal/automation"
	"github.com/custodia-pay/custodia/internal/payment"
)

// JobTrigger runs automation jobs on demand.
type JobTrigger interface {
	Trigger(ctx context.Context, name string) (*automation.Result, error)
	JobNames() []string
}

// ReleaseRetrier re-dispatches a payment stuck in releasing.
type ReleaseRetrier interface {
	RetryRelease(ctx context.Context, paymentID string) error
}

// PaymentLister lists payments by status for ops review.
type PaymentLister interface {
	ListByStatus(ctx context.Context, status payment.Status, limit int) ([]*payment.Payment, error)
}
