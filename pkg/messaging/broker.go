package messaging

import (
	"context"
	"encoding/json"
	"time"
)

// Topics
const (
	TopicMailQueue = "bulk-mail.mail.queue"
	TopicMailEvent = "bulk-mail.mail.event"
)

// Broker defines the interface for message brokers
type Broker interface {
	Publish(ctx context.Context, topic string, message interface{}) error
	// Subscribe streams raw payloads until ctx is cancelled, then closes the channel.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
	Close() error
}

// AckSubscriber is implemented by brokers that hold each message until the
// handler settles it.
type AckSubscriber interface {
	SubscribeAck(ctx context.Context, topic string) (<-chan Delivery, error)
}

// Delivery is a message awaiting settlement. Exactly one of Ack or Nack should be called.
type Delivery struct {
	Body []byte

	ack  func() error
	nack func(requeue bool) error
}

func NewDelivery(body []byte, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{Body: body, ack: ack, nack: nack}
}

// Ack marks the message handled.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack rejects the message. With requeue it is redelivered later.
func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// Publisher is the publish half of a Broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, message interface{}) error
}

// CampaignQueued is published on TopicMailQueue when a campaign enters SENDING.
type CampaignQueued struct {
	CampaignID string    `json:"campaignId"`
	BatchCount int       `json:"batchCount"`
	Recipients int       `json:"recipients"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// DeliveryEvent is consumed from TopicMailEvent.
type DeliveryEvent struct {
	Type        string          `json:"type"`
	CampaignID  string          `json:"campaignId"`
	RecipientID string          `json:"recipientId"`
	MessageID   string          `json:"messageId,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}
