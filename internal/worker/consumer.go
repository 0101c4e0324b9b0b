package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/bulk-mail/internal/dispatch"
	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/internal/repository"
	"github.com/jwalitptl/bulk-mail/pkg/logger"
	"github.com/jwalitptl/bulk-mail/pkg/messaging"
	"github.com/jwalitptl/bulk-mail/pkg/metrics"
)

// errInvalidMessage marks payloads that can never be recorded and are dropped.
var errInvalidMessage = errors.New("invalid delivery event")

type ConsumerConfig struct {
	Topic         string
	RetryAttempts int
	RetryDelay    time.Duration
}

// EventRecorder appends delivery events and re-checks campaign completion.
type EventRecorder interface {
	RecordDeliveryEvent(ctx context.Context, in dispatch.DeliveryEvent) (*model.MailEvent, error)
}

// EventConsumer feeds delivery events published on the broker into the event store.
type EventConsumer struct {
	broker   messaging.Broker
	recorder EventRecorder
	config   ConsumerConfig
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

func NewEventConsumer(
	broker messaging.Broker,
	recorder EventRecorder,
	config ConsumerConfig,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *EventConsumer {
	if config.Topic == "" {
		config.Topic = messaging.TopicMailEvent
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	return &EventConsumer{
		broker:   broker,
		recorder: recorder,
		config:   config,
		logger:   logger,
		metrics:  metrics,
	}
}

// Start blocks until ctx is cancelled or the subscription ends. Brokers that
// support it see each message acknowledged only after it has been recorded.
func (c *EventConsumer) Start(ctx context.Context) error {
	deliveries, err := c.subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.config.Topic, err)
	}

	c.logger.Info("Starting delivery event consumer", "topic", c.config.Topic)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Shutting down delivery event consumer")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Info("Delivery event subscription closed")
				return nil
			}
			c.settle(d, c.handle(ctx, d.Body))
		}
	}
}

func (c *EventConsumer) subscribe(ctx context.Context) (<-chan messaging.Delivery, error) {
	if as, ok := c.broker.(messaging.AckSubscriber); ok {
		return as.SubscribeAck(ctx, c.config.Topic)
	}

	payloads, err := c.broker.Subscribe(ctx, c.config.Topic)
	if err != nil {
		return nil, err
	}
	out := make(chan messaging.Delivery)
	go func() {
		defer close(out)
		for p := range payloads {
			select {
			case out <- messaging.NewDelivery(p, nil, nil):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// settle acks handled and undeliverable messages and requeues the rest.
func (c *EventConsumer) settle(d messaging.Delivery, err error) {
	if err == nil {
		if err := d.Ack(); err != nil {
			c.logger.Error(err, "Failed to ack delivery event")
		}
		return
	}
	if err := d.Nack(true); err != nil {
		c.logger.Error(err, "Failed to requeue delivery event")
	}
}

// handle returns an error only when the message should be redelivered.
func (c *EventConsumer) handle(ctx context.Context, payload []byte) error {
	in, err := decodeDeliveryEvent(payload)
	if err != nil {
		c.metrics.ConsumedMessages.WithLabelValues("invalid").Inc()
		c.logger.Warn("Dropping delivery event", "error", err.Error())
		return nil
	}

	err = retry(ctx, c.config.RetryAttempts, c.config.RetryDelay, func() error {
		_, err := c.recorder.RecordDeliveryEvent(ctx, in)
		if errors.Is(err, repository.ErrNotFound) {
			return stop{err}
		}
		return err
	})
	if err != nil {
		c.metrics.ConsumedMessages.WithLabelValues("failed").Inc()
		c.logger.Error(err, "Failed to record delivery event",
			"campaign_id", in.CampaignID.String(),
			"recipient_id", in.RecipientID.String(),
			"event_type", string(in.Type))
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	c.metrics.ConsumedMessages.WithLabelValues("recorded").Inc()
	return nil
}

func decodeDeliveryEvent(payload []byte) (dispatch.DeliveryEvent, error) {
	var msg messaging.DeliveryEvent
	if err := json.Unmarshal(payload, &msg); err != nil {
		return dispatch.DeliveryEvent{}, fmt.Errorf("%w: %v", errInvalidMessage, err)
	}

	typ := model.MailEventType(strings.ToUpper(strings.TrimSpace(msg.Type)))
	if !typ.Valid() {
		return dispatch.DeliveryEvent{}, fmt.Errorf("%w: unknown type %q", errInvalidMessage, msg.Type)
	}
	campaignID, err := uuid.Parse(msg.CampaignID)
	if err != nil {
		return dispatch.DeliveryEvent{}, fmt.Errorf("%w: campaign id: %v", errInvalidMessage, err)
	}
	recipientID, err := uuid.Parse(msg.RecipientID)
	if err != nil {
		return dispatch.DeliveryEvent{}, fmt.Errorf("%w: recipient id: %v", errInvalidMessage, err)
	}

	out := dispatch.DeliveryEvent{Type: typ, CampaignID: campaignID, RecipientID: recipientID}
	if msg.MessageID != "" {
		id := msg.MessageID
		out.MessageID = &id
	}
	if len(msg.Metadata) > 0 {
		if err := json.Unmarshal(msg.Metadata, &out.Metadata); err != nil {
			return dispatch.DeliveryEvent{}, fmt.Errorf("%w: metadata: %v", errInvalidMessage, err)
		}
	}
	return out, nil
}

// stop wraps an error that retrying cannot fix.
type stop struct{ error }

func (s stop) Unwrap() error { return s.error }

func retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		var s stop
		if errors.As(err, &s) {
			return s.error
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return err
}
