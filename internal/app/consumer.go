package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danielabrahamx/blink/internal/domain"
	"github.com/danielabrahamx/blink/internal/store"
	"github.com/danielabrahamx/blink/pkg/custody"
	"github.com/danielabrahamx/blink/pkg/rabbitmq"
)

// SettlementStatusConsumer moves submitted settlements to their terminal state
// when custody reports one.
type SettlementStatusConsumer struct {
	repo   store.Repository
	events rabbitmq.Publisher
	now    func() time.Time
}

func NewSettlementStatusConsumer(repo store.Repository, events rabbitmq.Publisher) *SettlementStatusConsumer {
	if events == nil {
		events = &rabbitmq.EventProducerFallback{}
	}
	return &SettlementStatusConsumer{repo: repo, events: events, now: func() time.Time { return time.Now().UTC() }}
}

// Binding subscribes Process to custody transaction updates on the broker.
func (c *SettlementStatusConsumer) Binding() rabbitmq.Binding {
	return rabbitmq.CustodyTransactionBinding(func(ctx context.Context, event domain.CustodyTransactionEvent) error {
		_, err := c.Process(ctx, event)
		return err
	})
}

// Process applies one custody notification. Non-terminal states and unknown
// transactions are ignored. It returns the updated settlement, if any.
func (c *SettlementStatusConsumer) Process(ctx context.Context, event domain.CustodyTransactionEvent) (*domain.Settlement, error) {
	status := normalizeCustodyState(event.State)
	if status == "" {
		return nil, nil
	}

	update := store.SettlementUpdate{Status: status, TxHash: stringPtr(event.TxHash)}
	if status == domain.SettlementFailed {
		reason := strings.TrimSpace(event.ErrorReason)
		if reason == "" {
			reason = "custody transaction " + strings.ToLower(strings.TrimSpace(event.State))
		}
		update.FailureReason = &reason
	}

	settlement, err := c.repo.UpdateSettlementByCustodyTx(ctx, event.TransactionID, update)
	if err != nil {
		if errors.Is(err, domain.ErrSettlementNotFound) {
			log.Debug().Str("component", "settlement_consumer").Str("tx_id", event.TransactionID).Msg("no submitted settlement for custody transaction; acknowledging")
			return nil, nil
		}
		return nil, fmt.Errorf("update settlement: %w", err)
	}

	log.Info().Str("component", "settlement_consumer").Str("settlement_id", settlement.ID.String()).
		Str("status", settlement.Status).Str("tx_id", event.TransactionID).Msg("settlement finalised")

	routingKey := rabbitmq.RoutingSettlementConfirmed
	if status == domain.SettlementFailed {
		routingKey = rabbitmq.RoutingSettlementFailed
	}
	if err := c.events.PublishSettlementEvent(ctx, routingKey, settlementEvent(settlement, c.now())); err != nil {
		log.Warn().Err(err).Str("component", "settlement_consumer").Msg("failed to publish settlement event")
	}
	return settlement, nil
}

func normalizeCustodyState(state string) string {
	switch {
	case custody.IsConfirmedState(state):
		return domain.SettlementConfirmed
	case custody.IsFailedState(state):
		return domain.SettlementFailed
	default:
		return ""
	}
}
