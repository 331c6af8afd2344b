/**
 * @description
 * This package provides a client for the developer-controlled wallets API that
 * holds the seller/reserve wallet. It encapsulates authenticated HTTP requests,
 * entity-secret ciphertext generation for write calls, contract execution,
 * transaction status lookups, wallet token balances and verification of
 * signed transaction notifications.
 *
 * @dependencies
 * - github.com/google/uuid: idempotency keys for contract executions.
 * - github.com/shopspring/decimal: token balance amounts.
 * - crypto/rsa, crypto/x509: RSA-OAEP encryption of the entity secret.
 * - crypto/ecdsa, crypto/hmac: notification signature checks.
 */
package custody

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Transaction states reported by the custody API.
const (
	StateInitiated = "INITIATED"
	StateQueued    = "QUEUED"
	StateSent      = "SENT"
	StateConfirmed = "CONFIRMED"
	StateComplete  = "COMPLETE"
	StateCleared   = "CLEARED"
	StateFailed    = "FAILED"
	StateDenied    = "DENIED"
	StateCancelled = "CANCELLED"
	StateStuck     = "STUCK"
)

// Client is a client for the developer-controlled wallets API.
type Client struct {
	BaseURL    string
	APIKey     string
	WalletID   string
	FeeLevel   string
	HTTPClient *http.Client

	entitySecret []byte

	mu        sync.Mutex
	publicKey *rsa.PublicKey

	keysMu           sync.Mutex
	notificationKeys map[string]*ecdsa.PublicKey
}

// NewClient creates a new custody API client. entitySecretHex is the 32-byte
// entity secret registered for the API key.
func NewClient(baseURL, apiKey, entitySecretHex, walletID, feeLevel string) (*Client, error) {
	secret, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(entitySecretHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid entity secret: %w", err)
	}
	if len(secret) != 32 {
		return nil, fmt.Errorf("invalid entity secret: expected 32 bytes, got %d", len(secret))
	}
	if feeLevel == "" {
		feeLevel = "MEDIUM"
	}
	return &Client{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		APIKey:       apiKey,
		WalletID:     walletID,
		FeeLevel:     feeLevel,
		entitySecret: secret,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

// ContractExecution describes one contract call from the custodial wallet.
// AbiParameters are passed through as strings in declaration order.
type ContractExecution struct {
	ContractAddress      string
	AbiFunctionSignature string
	AbiParameters        []string
}

// Transaction is the custody view of a submitted transaction.
type Transaction struct {
	ID              string    `json:"id"`
	State           string    `json:"state"`
	TxHash          string    `json:"txHash,omitempty"`
	ContractAddress string    `json:"contractAddress,omitempty"`
	ErrorReason     string    `json:"errorReason,omitempty"`
	CreateDate      time.Time `json:"createDate,omitempty"`
	UpdateDate      time.Time `json:"updateDate,omitempty"`
}

// Final reports whether the transaction reached a successful terminal state.
func (t Transaction) Final() bool {
	return IsConfirmedState(t.State)
}

// Failed reports whether the transaction reached a failing terminal state.
func (t Transaction) Failed() bool {
	return IsFailedState(t.State)
}

// IsConfirmedState reports whether state is a successful terminal state.
func IsConfirmedState(state string) bool {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case StateConfirmed, StateComplete, StateCleared:
		return true
	}
	return false
}

// IsFailedState reports whether state is a failing terminal state.
func IsFailedState(state string) bool {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case StateFailed, StateDenied, StateCancelled:
		return true
	}
	return false
}

// TokenBalance is one token held by the wallet.
type TokenBalance struct {
	Amount decimal.Decimal `json:"amount"`
	Token  struct {
		Symbol       string `json:"symbol"`
		Decimals     int    `json:"decimals"`
		TokenAddress string `json:"tokenAddress"`
	} `json:"token"`
}

// APIError represents an error from the custody API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("custody api error (status %d, code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("custody api error (status %d)", e.StatusCode)
}

type contractExecutionRequest struct {
	IdempotencyKey         string   `json:"idempotencyKey"`
	WalletID               string   `json:"walletId"`
	ContractAddress        string   `json:"contractAddress"`
	AbiFunctionSignature   string   `json:"abiFunctionSignature"`
	AbiParameters          []string `json:"abiParameters"`
	FeeLevel               string   `json:"feeLevel"`
	EntitySecretCiphertext string   `json:"entitySecretCiphertext"`
}

// ExecuteContract submits a contract call and returns the created transaction.
func (c *Client) ExecuteContract(ctx context.Context, exec ContractExecution) (*Transaction, error) {
	ciphertext, err := c.entitySecretCiphertext(ctx)
	if err != nil {
		return nil, err
	}

	payload := contractExecutionRequest{
		IdempotencyKey:         uuid.NewString(),
		WalletID:               c.WalletID,
		ContractAddress:        exec.ContractAddress,
		AbiFunctionSignature:   exec.AbiFunctionSignature,
		AbiParameters:          exec.AbiParameters,
		FeeLevel:               c.FeeLevel,
		EntitySecretCiphertext: ciphertext,
	}
	if payload.AbiParameters == nil {
		payload.AbiParameters = []string{}
	}

	var resp struct {
		Data Transaction `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/w3s/developer/transactions/contractExecution", payload, &resp); err != nil {
		return nil, err
	}
	if resp.Data.ID == "" {
		return nil, errors.New("custody api returned no transaction id")
	}
	return &resp.Data, nil
}

// GetTransaction fetches the current state of a transaction.
func (c *Client) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	var resp struct {
		Data struct {
			Transaction Transaction `json:"transaction"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/w3s/transactions/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data.Transaction, nil
}

// WalletTokenBalances lists the token balances of the configured wallet.
func (c *Client) WalletTokenBalances(ctx context.Context) ([]TokenBalance, error) {
	var resp struct {
		Data struct {
			TokenBalances []TokenBalance `json:"tokenBalances"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/w3s/wallets/"+url.PathEscape(c.WalletID)+"/balances", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data.TokenBalances, nil
}

// entitySecretCiphertext encrypts the entity secret with the account's RSA
// public key. A new ciphertext is produced for every write call.
func (c *Client) entitySecretCiphertext(ctx context.Context) (string, error) {
	key, err := c.entityPublicKey(ctx)
	if err != nil {
		return "", err
	}
	encrypted, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, key, c.entitySecret, nil)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt entity secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

func (c *Client) entityPublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.publicKey != nil {
		return c.publicKey, nil
	}

	var resp struct {
		Data struct {
			PublicKey string `json:"publicKey"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/w3s/config/entity/publicKey", nil, &resp); err != nil {
		return nil, err
	}
	key, err := parseRSAPublicKey(resp.Data.PublicKey)
	if err != nil {
		return nil, err
	}
	c.publicKey = key
	return key, nil
}

func parseRSAPublicKey(raw string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, errors.New("entity public key is not PEM encoded")
	}
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("entity public key has unexpected type %T", parsed)
		}
		return key, nil
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse entity public key: %w", err)
	}
	return key, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal custody request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create custody request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute custody request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read custody response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, apiErr); err != nil {
			log.Warn().Str("component", "custody_client").Str("path", path).Int("status", resp.StatusCode).Msg("non-2xx response (unparsable error body)")
			return apiErr
		}
		log.Warn().Str("component", "custody_client").Str("path", path).Int("status", resp.StatusCode).Int("code", apiErr.Code).Str("detail", apiErr.Message).Msg("custody request failed")
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode custody response: %w", err)
	}
	return nil
}
