package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/danielabrahamx/blink/internal/domain"
	"github.com/danielabrahamx/blink/internal/metering"
	"github.com/danielabrahamx/blink/pkg/gatewayclient"
)

const testNetwork = "eip155:5042002"

type buyerStub struct {
	mu      sync.Mutex
	paths   []string
	payErr  error
	balance decimal.Decimal
}

func (s *buyerStub) Pay(_ context.Context, path string) (*gatewayclient.PayResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = append(s.paths, path)
	if s.payErr != nil {
		return nil, s.payErr
	}
	return &gatewayclient.PayResult{Transaction: "batch-1", FormattedAmount: "0.000010", Payer: "0xbuyer", Network: testNetwork}, nil
}

func (s *buyerStub) AvailableBalance(context.Context) (decimal.Decimal, error) {
	return s.balance, nil
}

func TestGatewayPayerConvertsResult(t *testing.T) {
	stub := &buyerStub{}
	payment, err := gatewayPayer{client: stub}.Pay(context.Background(), "/api/insure/idle")
	if err != nil {
		t.Fatalf("Pay returned error: %v", err)
	}
	want := metering.Payment{Transaction: "batch-1", Amount: "0.000010", Payer: "0xbuyer", Network: testNetwork}
	if payment != want {
		t.Fatalf("expected %+v, got %+v", want, payment)
	}

	stub.payErr = errors.New("insufficient_balance")
	if _, err := (gatewayPayer{client: stub}).Pay(context.Background(), "/api/insure/idle"); err == nil {
		t.Fatal("expected payment error to be returned")
	}
}

func TestRunPolicySingleSecond(t *testing.T) {
	stub := &buyerStub{balance: decimal.RequireFromString("1")}
	var out bytes.Buffer

	err := runPolicy(context.Background(), &out, stub, domain.PolicyConfig{Mode: domain.ModeIdle, DurationSeconds: 1})
	if err != nil {
		t.Fatalf("runPolicy returned error: %v", err)
	}
	if len(stub.paths) != 1 || stub.paths[0] != "/api/insure/idle" {
		t.Fatalf("expected one idle payment, got %v", stub.paths)
	}

	text := out.String()
	for _, want := range []string{
		"Gateway balance: 1.000000 USDC, estimated cost: 0.000010 USDC",
		"idle coverage: 1/1s metered",
		"Payments: 1 settled, 0 failed, 0.000010 USDC paid",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, text)
		}
	}
}

func TestPrintSummaryListsFailures(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, metering.Snapshot{
		Mode:            domain.ModeActive,
		DurationSeconds: 10,
		ElapsedSeconds:  3,
		Receipts:        []domain.PaymentReceipt{{Sequence: 1, Amount: "0.000005"}, {Sequence: 3, Amount: "0.000005"}},
		Failures:        []metering.AttemptFailure{{Sequence: 2, Reason: "timeout"}},
		Abandoned:       true,
	}, metering.Balance{Projected: decimal.RequireFromString("0.99"), Confirmed: decimal.RequireFromString("1")})

	text := out.String()
	for _, want := range []string{
		"active coverage: 3/10s metered (stopped)",
		"Payments: 2 settled, 1 failed, 0.000010 USDC paid",
		"second 2: timeout",
		"Balance: 0.990000 USDC projected, 1.000000 USDC confirmed",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, text)
		}
	}
}
