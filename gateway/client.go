// Package gateway is a thin RPC client for the off-chain payment gateway:
// fetching a payment's terms and reporting on-chain settlement back. Both
// calls are fallible network operations with no effect on ledger state.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	requestpay "github.com/offblocks/requestpay/go"
)

// AuthProvider generates authentication headers for gateway requests
type AuthProvider interface {
	// GetAuthHeaders returns headers attached to every gateway call
	GetAuthHeaders(ctx context.Context) (map[string]string, error)
}

// Config configures the gateway client
type Config struct {
	// BaseURL is the base URL of the gateway service
	BaseURL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional)
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration
}

// termsSchema validates the shape of a terms response before it is trusted.
// A malformed gateway answer fails loudly instead of producing a zero-value
// intent.
const termsSchema = `{
	"type": "object",
	"required": ["id", "destinationName", "gatewayWalletId", "usdAmount"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"destinationName": {"type": "string"},
		"gatewayWalletId": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"usdAmount": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"}
	}
}`

// Client talks to the gateway's payments surface over HTTP.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	authProvider AuthProvider
	schema       *gojsonschema.Schema
}

// NewClient creates a gateway client.
func NewClient(config *Config) (*Client, error) {
	if config == nil || config.BaseURL == "" {
		return nil, fmt.Errorf("gateway: base URL is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(termsSchema))
	if err != nil {
		return nil, fmt.Errorf("gateway: compiling terms schema: %w", err)
	}

	return &Client{
		baseURL:      strings.TrimSuffix(config.BaseURL, "/"),
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
		schema:       schema,
	}, nil
}

// FetchTerms retrieves the terms of a payment via GET /v1/payments/{id}.
func (c *Client) FetchTerms(ctx context.Context, paymentID string) (*requestpay.PaymentTerms, error) {
	endpoint := c.baseURL + "/v1/payments/" + url.PathEscape(paymentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create terms request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if err := c.applyAuth(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, requestpay.NewPaymentError(requestpay.ErrCodeGatewayUnreachable,
			fmt.Sprintf("terms request failed: %v", err), nil)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, requestpay.NewPaymentError(requestpay.ErrCodeGatewayUnreachable,
			fmt.Sprintf("gateway terms failed (%d): %s", resp.StatusCode, string(responseBody)), nil)
	}

	result, err := c.schema.Validate(gojsonschema.NewBytesLoader(responseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to validate terms response: %w", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return nil, fmt.Errorf("invalid terms response: %s", strings.Join(details, "; "))
	}

	var terms requestpay.PaymentTerms
	if err := json.Unmarshal(responseBody, &terms); err != nil {
		return nil, fmt.Errorf("failed to decode terms response: %w", err)
	}

	return &terms, nil
}

// idempotencyNamespace scopes the deterministic idempotency keys attached
// to completion reports.
var idempotencyNamespace = uuid.MustParse("8f1c9d6a-4b52-4c7e-9a3f-2d67e0b51c04")

// ReportCompletion records settlement via PATCH /v1/payments/{id}/submit.
// The idempotency key is derived from the report itself, so a retried
// report carries the same key and the gateway records it once.
func (c *Client) ReportCompletion(ctx context.Context, report requestpay.CompletionReport) error {
	endpoint := c.baseURL + "/v1/payments/" + url.PathEscape(report.PaymentID) + "/submit"

	body, err := json.Marshal(map[string]string{
		"usdAmount":     report.USDAmount.StringFixed(2),
		"payerWalletId": report.PayerWalletID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal completion report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create completion request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	key := uuid.NewSHA1(idempotencyNamespace, []byte(report.PaymentID+"\x00"+report.PayerWalletID))
	req.Header.Set("Idempotency-Key", key.String())

	if err := c.applyAuth(ctx, req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return requestpay.NewPaymentError(requestpay.ErrCodeGatewayUnreachable,
			fmt.Sprintf("completion request failed: %v", err), nil)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return requestpay.NewPaymentError(requestpay.ErrCodeGatewayUnreachable,
			fmt.Sprintf("gateway completion failed (%d): %s", resp.StatusCode, string(responseBody)), nil)
	}

	return nil
}

func (c *Client) applyAuth(ctx context.Context, req *http.Request) error {
	if c.authProvider == nil {
		return nil
	}
	headers, err := c.authProvider.GetAuthHeaders(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth headers: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return nil
}

// Ensure Client implements the core gateway contract
var _ requestpay.Gateway = (*Client)(nil)
