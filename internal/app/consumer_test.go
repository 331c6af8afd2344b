package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/danielabrahamx/blink/internal/domain"
	"github.com/danielabrahamx/blink/internal/store"
	"github.com/danielabrahamx/blink/pkg/custody"
	"github.com/danielabrahamx/blink/pkg/rabbitmq"
)

type failingRepoStub struct {
	store.Repository
}

func (s *failingRepoStub) UpdateSettlementByCustodyTx(ctx context.Context, custodyTxID string, update store.SettlementUpdate) (*domain.Settlement, error) {
	return nil, errors.New("connection reset")
}

func seedSubmitted(t *testing.T, repo store.Repository, custodyTxID string) {
	t.Helper()
	id := custodyTxID
	now := time.Now().UTC()
	err := repo.CreateSettlement(context.Background(), &domain.Settlement{
		ID:          uuid.New(),
		Kind:        domain.SettlementClaimPayout,
		Status:      domain.SettlementSubmitted,
		Amount:      decimal.NewFromInt(25),
		AmountUnits: "25000000",
		CustodyTxID: &id,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("seed settlement: %v", err)
	}
}

func TestSettlementStatusConsumer_TerminalStates(t *testing.T) {
	tests := []struct {
		state      string
		wantStatus string
	}{
		{state: custody.StateComplete, wantStatus: domain.SettlementConfirmed},
		{state: "confirmed", wantStatus: domain.SettlementConfirmed},
		{state: custody.StateDenied, wantStatus: domain.SettlementFailed},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			repo := store.NewMemoryRepository()
			seedSubmitted(t, repo, "tx-1")
			consumer := NewSettlementStatusConsumer(repo, nil)

			updated, err := consumer.Process(context.Background(), domain.CustodyTransactionEvent{TransactionID: "tx-1", State: tt.state, TxHash: "0xabc"})
			if err != nil {
				t.Fatalf("Process returned error: %v", err)
			}
			if updated == nil || updated.Status != tt.wantStatus {
				t.Fatalf("expected status %s, got %+v", tt.wantStatus, updated)
			}
			if tt.wantStatus == domain.SettlementFailed && (updated.FailureReason == nil || *updated.FailureReason == "") {
				t.Fatal("expected a failure reason on failed settlements")
			}
		})
	}
}

func TestSettlementStatusConsumer_IgnoresPendingAndReplays(t *testing.T) {
	repo := store.NewMemoryRepository()
	seedSubmitted(t, repo, "tx-1")
	consumer := NewSettlementStatusConsumer(repo, nil)
	ctx := context.Background()

	if updated, err := consumer.Process(ctx, domain.CustodyTransactionEvent{TransactionID: "tx-1", State: custody.StateQueued}); err != nil || updated != nil {
		t.Fatalf("expected pending state to be ignored, got %+v / %v", updated, err)
	}
	if _, err := consumer.Process(ctx, domain.CustodyTransactionEvent{TransactionID: "tx-1", State: custody.StateConfirmed}); err != nil {
		t.Fatalf("confirm returned error: %v", err)
	}
	updated, err := consumer.Process(ctx, domain.CustodyTransactionEvent{TransactionID: "tx-1", State: custody.StateFailed})
	if err != nil || updated != nil {
		t.Fatalf("expected replayed failure to be ignored, got %+v / %v", updated, err)
	}

	records, _ := repo.ListSettlements(ctx, 10)
	if records[0].Status != domain.SettlementConfirmed {
		t.Fatalf("expected settlement to stay confirmed, got %s", records[0].Status)
	}
}

func TestSettlementStatusConsumer_Binding(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	seedSubmitted(t, repo, "tx-1")
	binding := NewSettlementStatusConsumer(repo, nil).Binding()

	if binding.RoutingKey != rabbitmq.RoutingCustodyTransactionSet {
		t.Fatalf("expected custody routing key, got %q", binding.RoutingKey)
	}
	if got := binding.Handle(ctx, []byte("{not json")); got != rabbitmq.Drop {
		t.Fatalf("expected malformed payloads to be dropped, got %s", got)
	}

	body, _ := json.Marshal(domain.CustodyTransactionEvent{TransactionID: "tx-1", State: custody.StateComplete})
	if got := binding.Handle(ctx, body); got != rabbitmq.Ack {
		t.Fatalf("expected applied update to be acknowledged, got %s", got)
	}
	records, _ := repo.ListSettlements(ctx, 10)
	if records[0].Status != domain.SettlementConfirmed {
		t.Fatalf("expected settlement to be confirmed, got %s", records[0].Status)
	}

	failing := NewSettlementStatusConsumer(&failingRepoStub{}, nil).Binding()
	if got := failing.Handle(ctx, body); got != rabbitmq.Retry {
		t.Fatalf("expected store errors to be retried, got %s", got)
	}
}
