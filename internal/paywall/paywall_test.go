package paywall

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/danielabrahamx/blink/pkg/x402"
)

type stubFacilitator struct {
	verify      *x402.VerifyResponse
	verifyErr   error
	settle      *x402.SettleResponse
	settleErr   error
	verifyCalls int
	settleCalls int
}

func (s *stubFacilitator) Verify(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	s.verifyCalls++
	return s.verify, s.verifyErr
}

func (s *stubFacilitator) Settle(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (*x402.SettleResponse, error) {
	s.settleCalls++
	return s.settle, s.settleErr
}

var testConfig = Config{
	Network:       "eip155:5042002",
	Asset:         "0x3600000000000000000000000000000000000000",
	PayTo:         "0xe9185F0c5F296Ed1797AaE4238D26CCaBEadb86C",
	GatewayWallet: "0x0077777d7EBA4688BDeF3E311b846F25870A19B9",
}

var idlePrice = decimal.RequireFromString("0.00001")

func newGuarded(fac Facilitator, calls *int, got *Payment) http.Handler {
	pw := New(fac, testConfig)
	return pw.Require(idlePrice, "idle coverage")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		if p, ok := FromContext(r.Context()); ok {
			*got = p
		}
		w.WriteHeader(http.StatusOK)
	}))
}

func signedHeader(t *testing.T, req x402.PaymentRequirements) string {
	t.Helper()
	header, err := x402.EncodeHeader(x402.PaymentPayload{
		X402Version: x402.Version,
		Accepted:    req,
		Payload: x402.ExactPayload{
			Signature:     "0xsig",
			Authorization: x402.Authorization{From: "0xbuyer", Value: req.Amount},
		},
	})
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	return header
}

func TestMissingSignatureReturns402WithChallenge(t *testing.T) {
	fac := &stubFacilitator{}
	var calls int
	var got Payment
	handler := newGuarded(fac, &calls, &got)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/insure/idle", nil))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
	if calls != 0 || fac.verifyCalls != 0 {
		t.Fatal("expected neither handler nor facilitator to be called")
	}

	var challenge x402.PaymentRequired
	if err := x402.DecodeHeader(rec.Header().Get(x402.HeaderPaymentRequired), &challenge); err != nil {
		t.Fatalf("failed to decode challenge header: %v", err)
	}
	if len(challenge.Accepts) != 1 || challenge.Accepts[0].Amount != "10" || challenge.Accepts[0].PayTo != testConfig.PayTo {
		t.Fatalf("unexpected challenge %+v", challenge)
	}
	if challenge.Resource.URL != "/api/insure/idle" {
		t.Fatalf("unexpected resource %+v", challenge.Resource)
	}
}

func TestAmountMismatchIsRejectedBeforeVerify(t *testing.T) {
	fac := &stubFacilitator{}
	var calls int
	var got Payment
	handler := newGuarded(fac, &calls, &got)

	req := New(fac, testConfig).Requirements(decimal.RequireFromString("0.000005"))
	r := httptest.NewRequest(http.MethodGet, "/api/insure/idle", nil)
	r.Header.Set(x402.HeaderPaymentSignature, signedHeader(t, req))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	if rec.Code != http.StatusPaymentRequired || fac.verifyCalls != 0 || calls != 0 {
		t.Fatalf("expected 402 without verify, got %d verify=%d", rec.Code, fac.verifyCalls)
	}
}

func TestValidPaymentReachesHandler(t *testing.T) {
	fac := &stubFacilitator{
		verify: &x402.VerifyResponse{IsValid: true, Payer: "0xbuyer"},
		settle: &x402.SettleResponse{Success: true, Payer: "0xbuyer", Transaction: "batch-7", Network: "eip155:5042002"},
	}
	var calls int
	var got Payment
	handler := newGuarded(fac, &calls, &got)

	r := httptest.NewRequest(http.MethodGet, "/api/insure/idle", nil)
	r.Header.Set(x402.HeaderPaymentSignature, signedHeader(t, New(fac, testConfig).Requirements(idlePrice)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK || calls != 1 {
		t.Fatalf("expected handler to run, got status %d calls %d", rec.Code, calls)
	}
	if got.Transaction != "batch-7" || got.Amount != "0.000010" || got.Payer != "0xbuyer" {
		t.Fatalf("unexpected payment in context %+v", got)
	}
	if rec.Header().Get(x402.HeaderPaymentResponse) == "" {
		t.Fatal("expected PAYMENT-RESPONSE header")
	}
}

func TestInvalidAndFailedPayments(t *testing.T) {
	tests := []struct {
		name       string
		fac        *stubFacilitator
		wantStatus int
	}{
		{
			name:       "verify rejects",
			fac:        &stubFacilitator{verify: &x402.VerifyResponse{IsValid: false, InvalidReason: "insufficient_balance"}},
			wantStatus: http.StatusPaymentRequired,
		},
		{
			name: "settle fails",
			fac: &stubFacilitator{
				verify: &x402.VerifyResponse{IsValid: true},
				settle: &x402.SettleResponse{Success: false, ErrorReason: "nonce_used"},
			},
			wantStatus: http.StatusPaymentRequired,
		},
		{
			name:       "facilitator down",
			fac:        &stubFacilitator{verifyErr: errors.New("connection refused")},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			var got Payment
			handler := newGuarded(tt.fac, &calls, &got)

			r := httptest.NewRequest(http.MethodGet, "/api/insure/idle", nil)
			r.Header.Set(x402.HeaderPaymentSignature, signedHeader(t, New(tt.fac, testConfig).Requirements(idlePrice)))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, r)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if calls != 0 {
				t.Fatal("expected handler not to run")
			}
		})
	}
}
