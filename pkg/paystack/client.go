// Package paystack is a minimal client for the Paystack REST API covering
// the two calls this service needs: transaction initialize and
// transaction verify-by-reference.
package paystack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultBaseURL is the production Paystack API endpoint.
const DefaultBaseURL = "https://api.paystack.co"

// ErrNotConfigured is returned when the client has no secret key. Callers
// treat this as fatal at startup; the process must not serve traffic.
var ErrNotConfigured = fmt.Errorf("paystack secret key is not configured")

// GatewayError is a non-success response from the gateway. It carries the
// HTTP status and body for operator logs; users only ever see a generic
// "try again" message.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("paystack returned status %d: %s", e.StatusCode, e.Body)
}

// TransientError wraps a network or timeout failure talking to the gateway.
// The caller reports "try again" to the user; there is no automatic retry
// on the initiate path.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient paystack error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Client calls the Paystack API with a bearer secret.
type Client struct {
	secret  string
	baseURL string
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (used by tests).
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// NewClient creates a Paystack client.
func NewClient(secret string, opts ...Option) *Client {
	c := &Client{
		secret:  secret,
		baseURL: DefaultBaseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InitializeRequest is the payload for a transaction-initialize call.
// Amount is in minor currency units. Metadata self-describes the
// transaction so the webhook can act without a side lookup.
type InitializeRequest struct {
	Email    string            `json:"email"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata TransactionMeta   `json:"metadata"`
	Channels []string          `json:"channels,omitempty"`
	Mobile   *MobileMoney      `json:"mobile_money,omitempty"`
}

// TransactionMeta travels with the transaction and comes back on the
// webhook event verbatim.
type TransactionMeta struct {
	UserID int64  `json:"user_id"`
	Plan   string `json:"plan"`
	Hours  int    `json:"hours"`
	Phone  string `json:"phone,omitempty"`
}

// MobileMoney selects the M-Pesa rail for a normalized phone number.
type MobileMoney struct {
	Provider string `json:"provider"`
	Phone    string `json:"phone"`
}

// Authorization is the payable part of an initialize response.
type Authorization struct {
	URL       string
	Reference string
}

// Transaction is the result of a verify-by-reference call.
type Transaction struct {
	Reference string          `json:"reference"`
	Status    string          `json:"status"`
	Amount    int64           `json:"amount"`
	Currency  string          `json:"currency"`
	Metadata  TransactionMeta `json:"metadata"`
}

// Succeeded reports whether the gateway considers the transaction paid.
func (t *Transaction) Succeeded() bool {
	return t.Status == "success"
}

type apiEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type initializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// Initialize creates a gateway transaction and returns the payable URL and
// the gateway-assigned reference.
func (c *Client) Initialize(ctx context.Context, req InitializeRequest) (*Authorization, error) {
	var data initializeData
	if err := c.post(ctx, "/transaction/initialize", req, &data); err != nil {
		return nil, err
	}
	if data.Reference == "" || data.AuthorizationURL == "" {
		return nil, &GatewayError{StatusCode: http.StatusOK, Body: "initialize response missing reference or authorization_url"}
	}
	return &Authorization{URL: data.AuthorizationURL, Reference: data.Reference}, nil
}

// Verify fetches the current state of a transaction by its reference.
func (c *Client) Verify(ctx context.Context, reference string) (*Transaction, error) {
	var txn Transaction
	if err := c.get(ctx, "/transaction/verify/"+reference, &txn); err != nil {
		return nil, err
	}
	return &txn, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.secret == "" {
		return ErrNotConfigured
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransientError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &GatewayError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return &GatewayError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if !envelope.Status {
		return &GatewayError{StatusCode: resp.StatusCode, Body: envelope.Message}
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return &GatewayError{StatusCode: resp.StatusCode, Body: string(body)}
		}
	}
	return nil
}
