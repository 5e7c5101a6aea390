// Package router classifies a pending release by USD value into a direct
// release or a multi-signature collection path.
//
// Routing is pure: no side effects, no storage. Thresholds and wallet
// names come from configuration, never from this package.
package router

// Path is the release path for a classified transaction.
type Path string

const (
	PathDirect   Path = "direct"
	PathMultiSig Path = "multi_sig"
)

// Wallet names for the multi-sig tiers. They key into the versioned
// wallet configuration, not into addresses.
const (
	WalletHighValue  = "high_value"
	WalletEnterprise = "enterprise"
)

// Config carries the routing thresholds in minor USD units.
type Config struct {
	HighValueThresholdUSD  int64
	EnterpriseThresholdUSD int64
}

// Decision is the outcome of routing one pending release.
type Decision struct {
	PaymentID        string `json:"paymentId"`
	RequiresApproval bool   `json:"requiresApproval"`
	Path             Path   `json:"path"`
	Wallet           string `json:"wallet,omitempty"`
}

// Router classifies pending releases.
type Router struct {
	cfg Config
}

// New creates a router with the given thresholds.
func New(cfg Config) *Router {
	return &Router{cfg: cfg}
}

// Route classifies a release by its USD-equivalent amount (minor units).
//
//	amount <  high-value threshold  → direct release
//	amount <  enterprise threshold  → multi-sig, high-value wallet
//	amount >= enterprise threshold  → multi-sig, enterprise wallet
func (r *Router) Route(amountUSD int64, paymentID string) Decision {
	switch {
	case amountUSD < r.cfg.HighValueThresholdUSD:
		return Decision{
			PaymentID:        paymentID,
			RequiresApproval: false,
			Path:             PathDirect,
		}
	case amountUSD < r.cfg.EnterpriseThresholdUSD:
		return Decision{
			PaymentID:        paymentID,
			RequiresApproval: true,
			Path:             PathMultiSig,
			Wallet:           WalletHighValue,
		}
	default:
		return Decision{
			PaymentID:        paymentID,
			RequiresApproval: true,
			Path:             PathMultiSig,
			Wallet:           WalletEnterprise,
		}
	}
}
