package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	"github.com/jwalitptl/bulk-mail/pkg/logger"
	"github.com/jwalitptl/bulk-mail/pkg/messaging"
)

type Config struct {
	URL string
	// Prefetch bounds unacknowledged deliveries per consumer.
	Prefetch int
}

// Broker maps each topic onto a durable queue of the same name on the default exchange.
type Broker struct {
	conn     *amqp.Connection
	pubMu    sync.Mutex
	pubCh    *amqp.Channel
	declared sync.Map
	prefetch int
	logger   *logger.Logger
}

var _ messaging.AckSubscriber = (*Broker)(nil)

func NewBroker(config Config, log *logger.Logger) (messaging.Broker, error) {
	conn, err := amqp.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	prefetch := config.Prefetch
	if prefetch <= 0 {
		prefetch = 50
	}

	return &Broker{conn: conn, pubCh: ch, prefetch: prefetch, logger: log}, nil
}

func declare(ch *amqp.Channel, topic string) error {
	_, err := ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) Publish(ctx context.Context, topic string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if _, ok := b.declared.Load(topic); !ok {
		if err := declare(b.pubCh, topic); err != nil {
			return err
		}
		b.declared.Store(topic, struct{}{})
	}

	err = b.pubCh.Publish(
		"",    // exchange
		topic, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe acknowledges a delivery once the consumer has taken it off the
// channel. Consumers that must not lose messages use SubscribeAck.
func (b *Broker) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	deliveries, err := b.SubscribeAck(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		for d := range deliveries {
			select {
			case out <- d.Body:
				if err := d.Ack(); err != nil {
					b.logger.Error(err, "failed to ack delivery", "topic", topic)
				}
			case <-ctx.Done():
				_ = d.Nack(true)
			}
		}
	}()
	return out, nil
}

// SubscribeAck leaves each delivery unacknowledged until the receiver calls
// Ack or Nack. Deliveries still unsettled when the channel closes are
// requeued by the server.
func (b *Broker) SubscribeAck(ctx context.Context, topic string) (<-chan messaging.Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := declare(ch, topic); err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	out := make(chan messaging.Delivery)
	go func() {
		defer func() {
			ch.Close()
			close(out)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					b.logger.Warn("amqp delivery channel closed", "topic", topic)
					return
				}
				wrapped := messaging.NewDelivery(d.Body,
					func() error { return d.Ack(false) },
					func(requeue bool) error { return d.Nack(false, requeue) },
				)
				select {
				case out <- wrapped:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()

	return out, nil
}

func (b *Broker) Close() error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pubCh != nil {
		b.pubCh.Close()
	}
	return b.conn.Close()
}
