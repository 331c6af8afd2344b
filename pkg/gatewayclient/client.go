/**
 * @description
 * Buyer-side client for the batching payment gateway. It pays for metered
 * endpoints with the x402 flow (challenge, EIP-3009 authorization signed with
 * EIP-712, retry), reads wallet and gateway balances, and deposits USDC into the
 * gateway wallet contract.
 *
 * @dependencies
 * - github.com/ethereum/go-ethereum: key handling, typed-data hashing, signing.
 * - github.com/shopspring/decimal: balance amounts.
 */
package gatewayclient

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/danielabrahamx/blink/pkg/chain"
	"github.com/danielabrahamx/blink/pkg/x402"
)

const tokenDecimals = 6

// authorizationValidity bounds how long a signed authorization can be settled.
// Batched settlement happens well after the request, so this is generous.
const authorizationValidity = 4 * 24 * time.Hour

// ErrPaymentRejected is returned when the server still answers 402 after a signed retry.
var ErrPaymentRejected = errors.New("payment rejected")

// Config locates the backend, the gateway API and the gateway contracts.
type Config struct {
	BackendURL    string
	GatewayAPIURL string
	GatewayWallet string
	USDCAddress   string
	Domain        uint32
	Network       string
}

// Client pays for and funds metered coverage on behalf of one buyer key.
type Client struct {
	cfg        Config
	key        *ecdsa.PrivateKey
	address    common.Address
	chain      *chain.Client
	HTTPClient *http.Client
	now        func() time.Time
}

// New creates a Client. chainClient may be nil when only Pay is needed.
func New(privateKeyHex string, chainClient *chain.Client, cfg Config) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid buyer private key: %w", err)
	}
	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")
	cfg.GatewayAPIURL = strings.TrimRight(cfg.GatewayAPIURL, "/")
	return &Client{
		cfg:     cfg,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chain:   chainClient,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}, nil
}

// Address is the buyer's address.
func (c *Client) Address() common.Address {
	return c.address
}

// PayResult describes one settled payment.
type PayResult struct {
	Transaction     string
	Amount          *big.Int
	FormattedAmount string
	Payer           string
	Network         string
	Body            []byte
}

// Pay requests path on the backend, answering a 402 challenge with a signed
// authorization.
func (c *Client) Pay(ctx context.Context, path string) (*PayResult, error) {
	url := c.cfg.BackendURL + path

	resp, body, err := c.get(ctx, url, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		return &PayResult{Body: body, Amount: new(big.Int), FormattedAmount: formatUnits(new(big.Int))}, nil
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}

	var challenge x402.PaymentRequired
	if err := x402.DecodeHeader(resp.Header.Get(x402.HeaderPaymentRequired), &challenge); err != nil {
		if jsonErr := json.Unmarshal(body, &challenge); jsonErr != nil {
			return nil, fmt.Errorf("unreadable payment challenge: %w", err)
		}
	}
	req, err := c.selectRequirements(challenge.Accepts)
	if err != nil {
		return nil, err
	}

	payload, err := c.SignPayment(req, challenge.Resource)
	if err != nil {
		return nil, err
	}
	header, err := x402.EncodeHeader(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payment: %w", err)
	}

	paid, paidBody, err := c.get(ctx, url, header)
	if err != nil {
		return nil, err
	}
	if paid.StatusCode == http.StatusPaymentRequired {
		var rejected x402.PaymentRequired
		_ = json.Unmarshal(paidBody, &rejected)
		return nil, fmt.Errorf("%w: %s", ErrPaymentRejected, firstNonEmpty(rejected.Error, "server answered 402"))
	}
	if paid.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("paid request to %s failed with status %d: %s", path, paid.StatusCode, strings.TrimSpace(string(paidBody)))
	}

	amount, _ := new(big.Int).SetString(req.Amount, 10)
	result := &PayResult{
		Amount:          amount,
		FormattedAmount: formatUnits(amount),
		Payer:           c.address.Hex(),
		Network:         req.Network,
		Body:            paidBody,
	}
	var settle x402.SettleResponse
	if err := x402.DecodeHeader(paid.Header.Get(x402.HeaderPaymentResponse), &settle); err == nil {
		result.Transaction = settle.Transaction
		result.Payer = firstNonEmpty(settle.Payer, result.Payer)
		result.Network = firstNonEmpty(settle.Network, result.Network)
	}
	return result, nil
}

func (c *Client) selectRequirements(accepts []x402.PaymentRequirements) (x402.PaymentRequirements, error) {
	for _, req := range accepts {
		if req.Scheme != x402.SchemeExact {
			continue
		}
		if c.cfg.Network != "" && req.Network != c.cfg.Network {
			continue
		}
		if _, ok := new(big.Int).SetString(req.Amount, 10); !ok {
			continue
		}
		return req, nil
	}
	return x402.PaymentRequirements{}, fmt.Errorf("no supported payment option offered")
}

// SignPayment builds the EIP-3009 authorization for req and signs it.
func (c *Client) SignPayment(req x402.PaymentRequirements, resource x402.Resource) (x402.PaymentPayload, error) {
	chainID, err := x402.ChainID(req.Network)
	if err != nil {
		return x402.PaymentPayload{}, err
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("generate nonce: %w", err)
	}
	now := c.now()
	auth := x402.Authorization{
		From:        c.address.Hex(),
		To:          common.HexToAddress(req.PayTo).Hex(),
		Value:       req.Amount,
		ValidAfter:  strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10),
		ValidBefore: strconv.FormatInt(now.Add(authorizationValidity).Unix(), 10),
		Nonce:       hexutil.Encode(nonce[:]),
	}

	typed := AuthorizationTypedData(auth, req, chainID)
	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("hash authorization: %w", err)
	}
	sig, err := crypto.Sign(hash, c.key)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("sign authorization: %w", err)
	}
	sig[64] += 27

	return x402.PaymentPayload{
		X402Version: x402.Version,
		Resource:    &resource,
		Accepted:    req,
		Payload: x402.ExactPayload{
			Signature:     hexutil.Encode(sig),
			Authorization: auth,
		},
	}, nil
}

// AuthorizationTypedData is the EIP-712 TransferWithAuthorization message for auth.
// The domain comes from the requirement's extra fields.
func AuthorizationTypedData(auth x402.Authorization, req x402.PaymentRequirements, chainID *big.Int) apitypes.TypedData {
	name := firstNonEmpty(req.Extra["name"], "GatewayWalletBatched")
	version := firstNonEmpty(req.Extra["version"], "1")
	verifying := firstNonEmpty(req.Extra["verifyingContract"], req.Asset)

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: common.HexToAddress(verifying).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
	}
}

// Balances holds the buyer's on-chain wallet and gateway balances.
type Balances struct {
	Wallet  decimal.Decimal
	Gateway decimal.Decimal
}

type balancesRequest struct {
	Token   string          `json:"token"`
	Sources []balanceSource `json:"sources"`
}

type balanceSource struct {
	Domain    uint32 `json:"domain"`
	Depositor string `json:"depositor"`
}

type balancesResponse struct {
	Balances []struct {
		Domain    uint32          `json:"domain"`
		Depositor string          `json:"depositor"`
		Balance   decimal.Decimal `json:"balance"`
	} `json:"balances"`
}

// AvailableBalance returns the spendable gateway balance.
func (c *Client) AvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	payload, err := json.Marshal(balancesRequest{
		Token:   "USDC",
		Sources: []balanceSource{{Domain: c.cfg.Domain, Depositor: c.address.Hex()}},
	})
	if err != nil {
		return decimal.Zero, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.GatewayAPIURL+"/v1/balances", bytes.NewReader(payload))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create balances request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to execute balances request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balances response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decimal.Zero, fmt.Errorf("gateway balances failed with status %d", resp.StatusCode)
	}

	var parsed balancesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode balances response: %w", err)
	}
	total := decimal.Zero
	for _, b := range parsed.Balances {
		if b.Domain == c.cfg.Domain && strings.EqualFold(b.Depositor, c.address.Hex()) {
			total = total.Add(b.Balance)
		}
	}
	return total, nil
}

// Balances returns the wallet USDC balance and the gateway balance.
func (c *Client) Balances(ctx context.Context) (*Balances, error) {
	gateway, err := c.AvailableBalance(ctx)
	if err != nil {
		return nil, err
	}
	out := &Balances{Gateway: gateway}
	if c.chain == nil {
		return out, nil
	}
	units, err := c.chain.TokenBalance(ctx, common.HexToAddress(c.cfg.USDCAddress), c.address)
	if err != nil {
		return nil, fmt.Errorf("wallet balance: %w", err)
	}
	out.Wallet = decimal.NewFromBigInt(units, -tokenDecimals)
	return out, nil
}

// DepositResult describes a completed gateway deposit.
type DepositResult struct {
	ApprovalTx      common.Hash
	DepositTx       common.Hash
	Amount          *big.Int
	FormattedAmount string
}

// Deposit moves amount USDC from the buyer's wallet into the gateway wallet:
// approve, wait for the receipt, then deposit.
func (c *Client) Deposit(ctx context.Context, amount decimal.Decimal) (*DepositResult, error) {
	if c.chain == nil {
		return nil, errors.New("deposit requires an rpc client")
	}
	units := amount.Shift(tokenDecimals).Round(0).BigInt()
	if units.Sign() <= 0 {
		return nil, fmt.Errorf("deposit amount must be > 0")
	}
	usdc := common.HexToAddress(c.cfg.USDCAddress)
	gatewayWallet := common.HexToAddress(c.cfg.GatewayWallet)

	approveData, err := chain.ERC20ABI.Pack("approve", gatewayWallet, units)
	if err != nil {
		return nil, fmt.Errorf("pack approve: %w", err)
	}
	approveTx, err := c.chain.Transact(ctx, c.key, usdc, approveData)
	if err != nil {
		return nil, fmt.Errorf("approve: %w", err)
	}
	if _, err := c.chain.WaitMined(ctx, approveTx); err != nil {
		return nil, fmt.Errorf("approve: %w", err)
	}
	log.Info().Str("component", "gateway_client").Str("tx", approveTx.Hex()).Msg("gateway allowance approved")

	depositData, err := chain.GatewayWalletABI.Pack("deposit", usdc, units)
	if err != nil {
		return nil, fmt.Errorf("pack deposit: %w", err)
	}
	depositTx, err := c.chain.Transact(ctx, c.key, gatewayWallet, depositData)
	if err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	if _, err := c.chain.WaitMined(ctx, depositTx); err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}

	return &DepositResult{
		ApprovalTx:      approveTx,
		DepositTx:       depositTx,
		Amount:          units,
		FormattedAmount: formatUnits(units),
	}, nil
}

func (c *Client) get(ctx context.Context, url, paymentHeader string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if paymentHeader != "" {
		req.Header.Set(x402.HeaderPaymentSignature, paymentHeader)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, body, nil
}

func formatUnits(units *big.Int) string {
	if units == nil {
		units = new(big.Int)
	}
	return decimal.NewFromBigInt(units, -tokenDecimals).StringFixed(tokenDecimals)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
