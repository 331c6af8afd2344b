/**
 * @description
 * This package provides a client for the payment gateway's x402 facilitator.
 * The paywall middleware uses it to verify a client's signed authorization and
 * then settle it into the gateway's batched ledger.
 */
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danielabrahamx/blink/pkg/x402"
)

// Default endpoint paths on the gateway API.
const (
	VerifyPath = "/v1/x402/verify"
	SettlePath = "/v1/x402/settle"
)

// Client is a client for the facilitator API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new facilitator client. apiKey may be empty.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

// Error represents a non-2xx facilitator response.
type Error struct {
	StatusCode int
	Message    string `json:"message"`
	Reason     string `json:"error"`
}

func (e *Error) Error() string {
	detail := e.Message
	if detail == "" {
		detail = e.Reason
	}
	if detail == "" {
		return fmt.Sprintf("facilitator error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("facilitator error (status %d): %s", e.StatusCode, detail)
}

type request struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// Verify checks a payment payload against the requirements without moving funds.
func (c *Client) Verify(ctx context.Context, payload x402.PaymentPayload, req x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	var resp x402.VerifyResponse
	if err := c.post(ctx, VerifyPath, request{X402Version: x402.Version, PaymentPayload: payload, PaymentRequirements: req}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settle executes a verified payment.
func (c *Client) Settle(ctx context.Context, payload x402.PaymentPayload, req x402.PaymentRequirements) (*x402.SettleResponse, error) {
	var resp x402.SettleResponse
	if err := c.post(ctx, SettlePath, request{X402Version: x402.Version, PaymentPayload: payload, PaymentRequirements: req}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal facilitator request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create facilitator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute facilitator request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read facilitator response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ferr := &Error{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(bodyBytes, ferr)
		log.Warn().Str("component", "facilitator_client").Str("path", path).Int("status", resp.StatusCode).Msg("facilitator request failed")
		return ferr
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode facilitator response: %w", err)
	}
	return nil
}
