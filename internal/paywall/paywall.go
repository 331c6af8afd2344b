/**
 * @description
 * x402 paywall middleware for the metered coverage endpoints. A request must carry
 * a signed payment in the PAYMENT-SIGNATURE header; otherwise it is answered with
 * 402 and a PAYMENT-REQUIRED challenge before the wrapped handler runs. Valid
 * payments are verified and settled through the gateway facilitator.
 *
 * @notes
 * - The settled payment is placed in the request context (see FromContext).
 * - The facilitator's settle response is echoed in PAYMENT-RESPONSE.
 */

package paywall

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/danielabrahamx/blink/internal/domain"
	"github.com/danielabrahamx/blink/internal/metrics"
	"github.com/danielabrahamx/blink/pkg/x402"
)

// Facilitator verifies and settles x402 payments.
type Facilitator interface {
	Verify(ctx context.Context, payload x402.PaymentPayload, req x402.PaymentRequirements) (*x402.VerifyResponse, error)
	Settle(ctx context.Context, payload x402.PaymentPayload, req x402.PaymentRequirements) (*x402.SettleResponse, error)
}

// Config describes where payments go.
type Config struct {
	Network           string
	Asset             string // USDC token address
	PayTo             string // seller address
	GatewayWallet     string // EIP-712 verifying contract of the batching gateway
	MaxTimeoutSeconds int64
}

// Payment is the settled payment attached to a request.
type Payment struct {
	Payer       string
	Amount      string
	Network     string
	Transaction string
}

type contextKey struct{}

// FromContext returns the payment settled for this request.
func FromContext(ctx context.Context) (Payment, bool) {
	p, ok := ctx.Value(contextKey{}).(Payment)
	return p, ok
}

// Paywall builds per-price middleware.
type Paywall struct {
	facilitator Facilitator
	cfg         Config
}

// New creates a Paywall.
func New(facilitator Facilitator, cfg Config) *Paywall {
	if cfg.MaxTimeoutSeconds <= 0 {
		cfg.MaxTimeoutSeconds = 60
	}
	return &Paywall{facilitator: facilitator, cfg: cfg}
}

// Requirements returns what a client must pay for one request at price.
func (p *Paywall) Requirements(price decimal.Decimal) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           p.cfg.Network,
		Asset:             p.cfg.Asset,
		Amount:            domain.ToBaseUnits(price).String(),
		PayTo:             p.cfg.PayTo,
		MaxTimeoutSeconds: p.cfg.MaxTimeoutSeconds,
		Extra: map[string]string{
			"name":              "GatewayWalletBatched",
			"version":           "1",
			"verifyingContract": p.cfg.GatewayWallet,
		},
	}
}

// Require guards next behind a payment of price.
func (p *Paywall) Require(price decimal.Decimal, description string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requirements := p.Requirements(price)
			resource := x402.Resource{URL: r.URL.Path, Description: description, MimeType: "application/json"}

			header := r.Header.Get(x402.HeaderPaymentSignature)
			if strings.TrimSpace(header) == "" {
				p.challenge(w, resource, requirements, "missing", "payment required")
				return
			}

			var payload x402.PaymentPayload
			if err := x402.DecodeHeader(header, &payload); err != nil {
				p.challenge(w, resource, requirements, "invalid", "invalid payment header")
				return
			}
			if reason := mismatch(payload.Accepted, requirements); reason != "" {
				p.challenge(w, resource, requirements, "invalid", reason)
				return
			}

			verify, err := p.facilitator.Verify(r.Context(), payload, requirements)
			if err != nil {
				log.Error().Str("component", "paywall").Str("path", r.URL.Path).Err(err).Msg("payment verification unavailable")
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "payment verification unavailable"})
				return
			}
			if !verify.IsValid {
				p.challenge(w, resource, requirements, "invalid", firstNonEmpty(verify.InvalidReason, "payment invalid"))
				return
			}

			settle, err := p.facilitator.Settle(r.Context(), payload, requirements)
			if err != nil {
				log.Error().Str("component", "paywall").Str("path", r.URL.Path).Err(err).Msg("payment settlement unavailable")
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "payment settlement unavailable"})
				return
			}
			if !settle.Success {
				p.challenge(w, resource, requirements, "settle_failed", firstNonEmpty(settle.ErrorReason, "payment settlement failed"))
				return
			}

			if encoded, err := x402.EncodeHeader(settle); err == nil {
				w.Header().Set(x402.HeaderPaymentResponse, encoded)
			}

			payment := Payment{
				Payer:       firstNonEmpty(settle.Payer, verify.Payer, payload.Payload.Authorization.From),
				Amount:      domain.FormatAmount(price),
				Network:     firstNonEmpty(settle.Network, p.cfg.Network),
				Transaction: settle.Transaction,
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, payment)))
		})
	}
}

func (p *Paywall) challenge(w http.ResponseWriter, resource x402.Resource, req x402.PaymentRequirements, metric, reason string) {
	metrics.PaymentRequiredTotal.WithLabelValues(metric).Inc()

	body := x402.PaymentRequired{
		X402Version: x402.Version,
		Error:       reason,
		Resource:    resource,
		Accepts:     []x402.PaymentRequirements{req},
	}
	if encoded, err := x402.EncodeHeader(body); err == nil {
		w.Header().Set(x402.HeaderPaymentRequired, encoded)
	}
	writeJSON(w, http.StatusPaymentRequired, body)
}

// mismatch reports why the client's accepted requirements differ from ours.
func mismatch(accepted, want x402.PaymentRequirements) string {
	switch {
	case accepted.Scheme != want.Scheme:
		return "unsupported payment scheme"
	case accepted.Network != want.Network:
		return "unsupported payment network"
	case accepted.Amount != want.Amount:
		return "payment amount does not match price"
	case !strings.EqualFold(accepted.PayTo, want.PayTo):
		return "payment recipient does not match seller"
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
