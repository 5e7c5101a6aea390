package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/custodia-pay/custodia/internal/circuitbreaker"
	"github.com/custodia-pay/custodia/internal/payment"
	"github.com/custodia-pay/custodia/internal/retry"
)

const breakerKey = "rail"

// Client talks to the rail provider's HTTP API. A circuit breaker guards
// every call: a provider outage trips the circuit instead of letting the
// automation jobs pile up timed-out requests.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// NewClient creates a rail API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

var _ Provider = (*Client)(nil)

// CreateDepositReference issues a unique deposit reference.
func (c *Client) CreateDepositReference(ctx context.Context) (string, error) {
	var out struct {
		Ref string `json:"ref"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/deposit-references", nil, &out); err != nil {
		return "", err
	}
	return out.Ref, nil
}

// IncomingTransfers lists transfers received since the given time. The
// query is idempotent, so transient provider failures are retried with
// backoff.
func (c *Client) IncomingTransfers(ctx context.Context, since time.Time) ([]Transfer, error) {
	path := "/v1/transfers/incoming?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	var out struct {
		Transfers []Transfer `json:"transfers"`
	}
	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		return c.do(ctx, http.MethodGet, path, nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return out.Transfers, nil
}

// SendPayout sends funds to the payee's registered account. The concept is
// passed as the provider-side idempotency key.
func (c *Client) SendPayout(ctx context.Context, payeeEmail string, amount int64, currency, concept string) (string, error) {
	body := map[string]any{
		"payeeEmail":     payeeEmail,
		"amount":         amount,
		"currency":       currency,
		"concept":        concept,
		"idempotencyKey": concept,
	}
	var out struct {
		Ref string `json:"ref"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/payouts", body, &out); err != nil {
		return "", err
	}
	return out.Ref, nil
}

// SendRefund returns funds to the payer of the original deposit.
func (c *Client) SendRefund(ctx context.Context, p *payment.Payment, amount int64) (string, error) {
	body := map[string]any{
		"depositRef":     p.DepositRef,
		"amount":         amount,
		"currency":       p.Currency,
		"idempotencyKey": "refund_" + p.ID,
	}
	var out struct {
		Ref string `json:"ref"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/refunds", body, &out); err != nil {
		return "", err
	}
	return out.Ref, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if !c.breaker.Allow(breakerKey) {
		return retry.Permanent(ErrCircuitOpen)
	}
	err := c.doRequest(ctx, method, path, body, out)
	if errors.Is(err, ErrProviderUnavailable) {
		c.breaker.RecordFailure(breakerKey)
	} else {
		c.breaker.RecordSuccess(breakerKey)
	}
	return err
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rail: failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("rail: failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("rail: failed to decode response: %w", err)
		}
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Client errors are not retryable.
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return retry.Permanent(fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, b))
	default:
		return fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}
}
