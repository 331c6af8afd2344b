package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/danielabrahamx/blink/internal/domain"
)

// Disposition is what the consumer does with a delivery after handling it.
type Disposition int

const (
	// Ack removes the delivery from the queue.
	Ack Disposition = iota
	// Retry requeues the delivery once. A redelivered message that fails
	// again is dropped.
	Retry
	// Drop rejects the delivery without requeueing it.
	Drop
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case Drop:
		return "drop"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Binding routes one routing key on EventsExchange to a handler.
type Binding struct {
	RoutingKey string
	Handle     func(ctx context.Context, body []byte) Disposition
}

// CustodyTransactionBinding decodes custody transaction updates for handle.
// Undecodable updates and updates without a transaction id are dropped; a
// handler error is retried.
func CustodyTransactionBinding(handle func(ctx context.Context, event domain.CustodyTransactionEvent) error) Binding {
	return Binding{
		RoutingKey: RoutingCustodyTransactionSet,
		Handle: func(ctx context.Context, body []byte) Disposition {
			var event domain.CustodyTransactionEvent
			if err := json.Unmarshal(body, &event); err != nil {
				log.Warn().Err(err).Str("component", "custody_consumer").Msg("failed to unmarshal custody transaction update")
				return Drop
			}
			if event.TransactionID == "" {
				log.Warn().Str("component", "custody_consumer").Str("event_id", event.EventID).Msg("custody update without transaction id")
				return Drop
			}
			if err := handle(ctx, event); err != nil {
				log.Error().Err(err).Str("component", "custody_consumer").Str("tx_id", event.TransactionID).Msg("failed to apply custody update")
				return Retry
			}
			return Ack
		},
	}
}

const defaultHandlerTimeout = 15 * time.Second

// Consumer reads Blink events from a durable queue bound to EventsExchange.
type Consumer struct {
	conn           *amqp.Connection
	ch             *amqp.Channel
	handlerTimeout time.Duration
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, handlerTimeout: defaultHandlerTimeout}, nil
}

// Consume binds queueName to every binding's routing key and handles up to
// prefetch unacknowledged deliveries at a time until ctx is cancelled or the
// channel closes.
func (c *Consumer) Consume(ctx context.Context, queueName string, prefetch int, bindings ...Binding) error {
	routes := make(map[string]Binding, len(bindings))
	for _, b := range bindings {
		if b.RoutingKey == "" || b.Handle == nil {
			return fmt.Errorf("incomplete binding for routing key %q", b.RoutingKey)
		}
		routes[b.RoutingKey] = b
	}
	if len(routes) == 0 {
		return errors.New("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if prefetch > 0 {
		if err := c.ch.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("set prefetch: %w", err)
		}
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	for key := range routes {
		if err := c.ch.QueueBind(q.Name, key, EventsExchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}

	deliveries, err := c.ch.Consume(q.Name, "blink-"+q.Name, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					log.Warn().Str("component", "rabbitmq").Str("queue", q.Name).Msg("delivery channel closed")
					return
				}
				settle(d, dispatch(ctx, routes, d, c.handlerTimeout))
			}
		}
	}()

	return nil
}

// dispatch runs the handler bound to d's routing key. Deliveries nobody is
// bound to are dropped.
func dispatch(ctx context.Context, routes map[string]Binding, d amqp.Delivery, timeout time.Duration) Disposition {
	b, ok := routes[d.RoutingKey]
	if !ok {
		log.Warn().Str("component", "rabbitmq").Str("routing_key", d.RoutingKey).Msg("no binding for routing key")
		return Drop
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	outcome := b.Handle(ctx, d.Body)
	if outcome == Retry && d.Redelivered {
		log.Error().Str("component", "rabbitmq").Str("routing_key", d.RoutingKey).Str("message_id", d.MessageId).Msg("redelivered message failed again; dropping")
		return Drop
	}
	return outcome
}

func settle(d amqp.Delivery, outcome Disposition) {
	var err error
	switch outcome {
	case Retry:
		err = d.Nack(false, true)
	case Drop:
		err = d.Reject(false)
	default:
		err = d.Ack(false)
	}
	if err != nil {
		log.Warn().Err(err).Str("component", "rabbitmq").Str("routing_key", d.RoutingKey).Stringer("outcome", outcome).Msg("failed to settle delivery")
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
