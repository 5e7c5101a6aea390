// Package multisig collects N-of-M signatures for high-value releases.
//
// A release routed to multi-sig becomes a Request against a versioned
// wallet configuration. Owners sign (approve or reject); when approvals
// reach the wallet's threshold the request flips pending→approved through
// a compare-and-set and execution fires exactly once. A request may be
// proposed before the custody deadline (pre-approval) so signatures
// accumulate ahead of time and execution fires immediately at expiry.
package multisig

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound        = errors.New("multisig request not found")
	ErrWalletNotFound  = errors.New("wallet configuration not found")
	ErrNotOwner        = errors.New("signer is not an owner of the target wallet")
	ErrAlreadySigned   = errors.New("signer already signed this request")
	ErrAlreadyExecuted = errors.New("multisig request already executed")
	ErrInvalidState    = errors.New("invalid multisig request status for this operation")
	ErrExecutionFailed = errors.New("multisig execution failed") // retryable
)

// Status represents the state of a multisig request.
type Status string

const (
	StatusPending   Status = "pending"   // Collecting signatures
	StatusApproved  Status = "approved"  // Threshold reached, awaiting execution
	StatusExecuting Status = "executing" // Execution in flight
	StatusExecuted  Status = "executed"  // Transfer done, terminal
	StatusRejected  Status = "rejected"  // Reject threshold reached, terminal
	StatusExpired   Status = "expired"   // Expired before threshold, terminal
)

// IsTerminal returns true if the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusExecuted || s == StatusRejected || s == StatusExpired
}

// WalletConfig is a versioned multi-sig wallet definition. Threshold or
// ownership changes create a new version instead of editing in place, so
// the history of who could sign what stays auditable.
type WalletConfig struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"` // high_value, enterprise
	Version         int       `json:"version"`
	Address         string    `json:"address"`
	Owners          []string  `json:"owners"`
	RequiredSigs    int       `json:"requiredSigs"`
	RejectThreshold int       `json:"rejectThreshold"` // 0 = rejections are informational
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"createdAt"`
}

// IsOwner reports whether the address is an owner of this wallet.
func (w *WalletConfig) IsOwner(addr string) bool {
	for _, o := range w.Owners {
		if strings.EqualFold(o, addr) {
			return true
		}
	}
	return false
}

// Request is a pending high-value release awaiting signatures.
type Request struct {
	ID            string     `json:"id"`
	PaymentID     string     `json:"paymentId"`
	WalletID      string     `json:"walletId"`
	WalletName    string     `json:"walletName"`
	TargetAddress string     `json:"targetAddress"`
	Amount        int64      `json:"amount"`    // minor units, native currency
	AmountUSD     int64      `json:"amountUsd"` // minor USD units, threshold classification
	Currency      string     `json:"currency"`
	RequiredSigs  int        `json:"requiredSigs"`
	Status        Status     `json:"status"`
	PreApproval   bool       `json:"preApproval"`
	ExecuteAfter  *time.Time `json:"executeAfter,omitempty"` // custody deadline for pre-approvals
	ExpiresAt     time.Time  `json:"expiresAt"`
	TxHash        string     `json:"txHash,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Signature is one owner's decision on a request. Rows are append-only.
type Signature struct {
	ID        int64     `json:"id"`
	RequestID string    `json:"requestId"`
	Signer    string    `json:"signer"`
	Signature string    `json:"signature,omitempty"`
	Approved  bool      `json:"approved"`
	CreatedAt time.Time `json:"createdAt"`
}

// SignatureCounts summarizes collected signatures for a request.
type SignatureCounts struct {
	Approvals  int
	Rejections int
}

// Store persists wallet configurations, requests and signatures.
type Store interface {
	CreateWallet(ctx context.Context, w *WalletConfig) error
	GetActiveWallet(ctx context.Context, name string) (*WalletConfig, error)
	ListWallets(ctx context.Context) ([]*WalletConfig, error)

	CreateRequest(ctx context.Context, r *Request) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	GetOpenByPayment(ctx context.Context, paymentID string) (*Request, error)

	// AddSignature appends a signature and, when approvals reach the
	// request's required count, flips pending→approved in the same
	// transaction. crossed is true only for the call that performed the
	// flip — the exactly-once guarantee for execution hangs off it.
	AddSignature(ctx context.Context, requestID string, sig *Signature) (SignatureCounts, bool, error)

	ListSignatures(ctx context.Context, requestID string) ([]*Signature, error)

	// CAS atomically moves the request between statuses. Returns false
	// when the request was not in the expected status.
	CAS(ctx context.Context, id string, from, to Status) (bool, error)

	SetExecuted(ctx context.Context, id, txHash string, now time.Time) error
	SetStatus(ctx context.Context, id string, status Status) error
	ClearExecuteAfter(ctx context.Context, id string) error

	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Request, error)
	ListDuePreApprovals(ctx context.Context, now time.Time, limit int) ([]*Request, error)
}
