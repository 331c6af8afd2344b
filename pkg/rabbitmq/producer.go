/**
 * @description
 * This package provides a simple producer for publishing Blink events to RabbitMQ.
 * It encapsulates the logic for connecting to RabbitMQ and publishing a message
 * to the `blink.events` topic exchange under a routing key.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - github.com/rs/zerolog: Structured logging.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/danielabrahamx/blink/internal/domain"
)

// EventsExchange is the durable topic exchange every Blink event is published to.
const EventsExchange = "blink.events"

// Routing keys.
const (
	RoutingPremiumCollected      = "premium.collected"
	RoutingReserveDeposited      = "settlement.reserve.deposited"
	RoutingClaimSubmitted        = "settlement.claim.submitted"
	RoutingSettlementConfirmed   = "settlement.confirmed"
	RoutingSettlementFailed      = "settlement.failed"
	RoutingCustodyTransactionSet = "custody.transaction.updated"
)

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishPremiumCollected(ctx context.Context, event domain.PremiumCollectedEvent) error
	PublishSettlementEvent(ctx context.Context, routingKey string, event domain.SettlementEvent) error
	PublishCustodyTransactionEvent(ctx context.Context, event domain.CustodyTransactionEvent) error
	Close()
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Warn().Str("component", "rabbitmq_producer").Str("mode", "fallback").
		Str("exchange", exchange).Str("routing_key", routingKey).Msg("publish skipped")
	return nil
}

func (p *EventProducerFallback) PublishPremiumCollected(ctx context.Context, event domain.PremiumCollectedEvent) error {
	return p.Publish(ctx, EventsExchange, RoutingPremiumCollected, event)
}

func (p *EventProducerFallback) PublishSettlementEvent(ctx context.Context, routingKey string, event domain.SettlementEvent) error {
	return p.Publish(ctx, EventsExchange, routingKey, event)
}

// PublishCustodyTransactionEvent reports ErrUnavailable so callers can process
// the notification inline instead of losing it.
func (p *EventProducerFallback) PublishCustodyTransactionEvent(ctx context.Context, event domain.CustodyTransactionEvent) error {
	return ErrUnavailable
}

func (p *EventProducerFallback) Close() {}

// ErrUnavailable is returned by the fallback publisher for events that must not be dropped.
var ErrUnavailable = errors.New("rabbitmq unavailable")

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// Publish sends a message to a specific exchange with a routing key. A failed
// declare or publish reopens the channel once and retries.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Error().Err(err).Str("component", "rabbitmq_producer").
			Str("exchange", exchange).Str("routing_key", routingKey).Msg("json marshal failed")
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishLocked(ctx, exchange, routingKey, jsonBody)
	if err == nil {
		return nil
	}
	log.Warn().Err(err).Str("component", "rabbitmq_producer").
		Str("exchange", exchange).Str("routing_key", routingKey).Msg("publish failed; reopening channel")

	if p.conn == nil {
		return err
	}
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return chErr
	}
	p.channel = ch
	return p.publishLocked(ctx, exchange, routingKey, jsonBody)
}

func (p *EventProducer) publishLocked(ctx context.Context, exchange, routingKey string, body []byte) error {
	// Ensure the exchange exists (durable topic)
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		return err
	}

	return p.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// PublishPremiumCollected publishes a paid coverage second.
func (p *EventProducer) PublishPremiumCollected(ctx context.Context, event domain.PremiumCollectedEvent) error {
	return p.Publish(ctx, EventsExchange, RoutingPremiumCollected, event)
}

// PublishSettlementEvent publishes the outcome of an admin settlement flow.
func (p *EventProducer) PublishSettlementEvent(ctx context.Context, routingKey string, event domain.SettlementEvent) error {
	return p.Publish(ctx, EventsExchange, routingKey, event)
}

// PublishCustodyTransactionEvent forwards a custody webhook notification to the status consumer.
func (p *EventProducer) PublishCustodyTransactionEvent(ctx context.Context, event domain.CustodyTransactionEvent) error {
	return p.Publish(ctx, EventsExchange, RoutingCustodyTransactionSet, event)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
