// Package chain handles the stablecoin leg: token transfers for releases
// and refunds, the on-chain escrow mirror, and event synchronization.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/custodia-pay/custodia/internal/money"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrInvalidAmount     = errors.New("chain: invalid amount")
	ErrTxFailed          = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: operation timed out")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
)

// TxError wraps transaction failures with the failing operation.
type TxError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// Minimal ABIs: the stablecoin transfer and the escrow mirror contract.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const escrowABI = `[
	{"constant":false,"inputs":[{"name":"escrowId","type":"uint256"}],"name":"flagDispute","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"escrowId","type":"uint256"}],"name":"release","outputs":[],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"escrowId","type":"uint256"}],"name":"EscrowReleased","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"escrowId","type":"uint256"}],"name":"EscrowDisputed","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"escrowId","type":"uint256"}],"name":"EscrowRefunded","type":"event"}
]`

const (
	// TokenDecimals is the decimal precision of the settlement stablecoin.
	TokenDecimals = 6

	DefaultGasLimit            = uint64(120000)
	DefaultConfirmationTimeout = 60 * time.Second
	confirmationPollInterval   = 2 * time.Second
)

// Config for the chain client.
type Config struct {
	RPCURL         string
	PrivateKey     string // hex, with or without 0x prefix
	ChainID        int64
	TokenContract  string
	EscrowContract string
}

// Option configures the client.
type Option func(*Client)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(ec EthClient) Option {
	return func(c *Client) { c.client = ec }
}

// Client signs and submits transactions for the settlement leg.
type Client struct {
	client         EthClient
	privateKey     *ecdsa.PrivateKey
	address        common.Address
	chainID        *big.Int
	tokenContract  common.Address
	escrowContract common.Address
	tokenABI       abi.ABI
	escrowParsed   abi.ABI
}

// New creates a chain client.
func New(cfg Config, opts ...Option) (*Client, error) {
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	tokenABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	escrowParsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	c := &Client{
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(*publicKey),
		chainID:        big.NewInt(cfg.ChainID),
		tokenContract:  common.HexToAddress(cfg.TokenContract),
		escrowContract: common.HexToAddress(cfg.EscrowContract),
		tokenABI:       tokenABI,
		escrowParsed:   escrowParsed,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		ec, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = ec
	}
	return c, nil
}

// Address returns the signing address.
func (c *Client) Address() string {
	return c.address.Hex()
}

// TransferToken sends stablecoin to a recipient. amountUSD is in minor USD
// units (cents); tokens carry six decimals.
func (c *Client) TransferToken(ctx context.Context, to string, amountUSD int64) (string, error) {
	if amountUSD <= 0 {
		return "", ErrInvalidAmount
	}
	raw := TokenUnits(amountUSD)
	data, err := c.tokenABI.Pack("transfer", common.HexToAddress(to), raw)
	if err != nil {
		return "", &TxError{Op: "pack", Err: err}
	}
	return c.submit(ctx, c.tokenContract, data)
}

// FlagDispute mirrors a raised dispute onto the escrow contract.
func (c *Client) FlagDispute(ctx context.Context, onchainEscrowID string) (string, error) {
	id, ok := new(big.Int).SetString(onchainEscrowID, 10)
	if !ok {
		return "", fmt.Errorf("invalid on-chain escrow id %q", onchainEscrowID)
	}
	data, err := c.escrowParsed.Pack("flagDispute", id)
	if err != nil {
		return "", &TxError{Op: "pack", Err: err}
	}
	return c.submit(ctx, c.escrowContract, data)
}

// ReleaseEscrow releases the on-chain escrow mirror.
func (c *Client) ReleaseEscrow(ctx context.Context, onchainEscrowID string) (string, error) {
	id, ok := new(big.Int).SetString(onchainEscrowID, 10)
	if !ok {
		return "", fmt.Errorf("invalid on-chain escrow id %q", onchainEscrowID)
	}
	data, err := c.escrowParsed.Pack("release", id)
	if err != nil {
		return "", &TxError{Op: "pack", Err: err}
	}
	return c.submit(ctx, c.escrowContract, data)
}

// submit signs and sends a contract call.
func (c *Client) submit(ctx context.Context, to common.Address, data []byte) (string, error) {
	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", &TxError{Op: "nonce", Err: err}
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &TxError{Op: "gas_price", Err: err}
	}
	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return "", &TxError{Op: "sign", Err: err}
	}
	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &TxError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}
	return signedTx.Hash().Hex(), nil
}

// WaitForConfirmation polls until the transaction is mined or the timeout
// expires.
func (c *Client) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*types.Receipt, error) {
	hash := common.HexToHash(txHash)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(confirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				continue // not yet mined
			}
			if receipt.Status == 0 {
				return nil, &TxError{Op: "confirm", TxHash: txHash, Err: ErrTxFailed}
			}
			return receipt, nil
		}
	}
}

// Close closes the underlying RPC connection.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// Eth exposes the underlying RPC client, used by the event syncer.
func (c *Client) Eth() EthClient {
	return c.client
}

// TokenUnits converts minor USD units (cents) to raw token units with six
// decimals.
func TokenUnits(amountUSD int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(amountUSD), big.NewInt(10000))
}

// Executor adapts the client to release executions: amounts arrive in the
// payment's native currency and settle in USD stablecoin at the configured
// rate.
type Executor struct {
	client *Client
	fxRate decimal.Decimal // USD per 1 unit of native currency
}

// NewExecutor creates a release executor. rate is USD per one major unit
// of the native currency, e.g. "0.055" for MXN.
func NewExecutor(client *Client, rate string) (*Executor, error) {
	fx, err := decimal.NewFromString(rate)
	if err != nil || fx.Sign() <= 0 {
		return nil, fmt.Errorf("invalid FX rate %q", rate)
	}
	return &Executor{client: client, fxRate: fx}, nil
}

// Transfer settles an approved release on the chain leg.
func (e *Executor) Transfer(ctx context.Context, toAddress string, amount int64, currency string) (string, error) {
	amountUSD := amount
	if currency != "USD" {
		var err error
		amountUSD, err = money.USDEquivalent(amount, e.fxRate.String())
		if err != nil {
			return "", err
		}
	}
	return e.client.TransferToken(ctx, toAddress, amountUSD)
}
