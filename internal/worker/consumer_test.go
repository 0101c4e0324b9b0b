package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/bulk-mail/internal/dispatch"
	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/internal/repository"
	"github.com/jwalitptl/bulk-mail/pkg/logger"
	"github.com/jwalitptl/bulk-mail/pkg/messaging"
	"github.com/jwalitptl/bulk-mail/pkg/metrics"
)

type fakeRecorder struct {
	mu       sync.Mutex
	events   []dispatch.DeliveryEvent
	failures int
	err      error
	calls    int
}

func (r *fakeRecorder) RecordDeliveryEvent(_ context.Context, in dispatch.DeliveryEvent) (*model.MailEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failures > 0 {
		r.failures--
		return nil, r.err
	}
	r.events = append(r.events, in)
	return &model.MailEvent{ID: uuid.New(), Type: in.Type}, nil
}

func (r *fakeRecorder) snapshot() ([]dispatch.DeliveryEvent, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatch.DeliveryEvent(nil), r.events...), r.calls
}

func startConsumer(t *testing.T, rec *fakeRecorder) (*messaging.MemoryBroker, *metrics.Metrics, func()) {
	t.Helper()
	broker := messaging.NewMemoryBroker(10)
	m := metrics.New("test")
	consumer := NewEventConsumer(broker, rec, ConsumerConfig{RetryDelay: time.Millisecond}, logger.Nop(), m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Start(ctx) }()

	// Subscribe happens inside Start; wait until a publish reaches someone.
	require.Eventually(t, func() bool {
		broker.Publish(ctx, messaging.TopicMailEvent, messaging.DeliveryEvent{Type: "ping"})
		return testutil.ToFloat64(m.ConsumedMessages.WithLabelValues("invalid")) > 0
	}, time.Second, 5*time.Millisecond)

	return broker, m, func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestEventConsumer_RecordsEvents(t *testing.T) {
	rec := &fakeRecorder{}
	broker, m, stop := startConsumer(t, rec)
	defer stop()

	cid, rid := uuid.New(), uuid.New()
	require.NoError(t, broker.Publish(context.Background(), messaging.TopicMailEvent, messaging.DeliveryEvent{
		Type:        "delivered",
		CampaignID:  cid.String(),
		RecipientID: rid.String(),
		MessageID:   "<abc@mail>",
		Metadata:    []byte(`{"delivery":{"smtp_response":"250 ok"}}`),
	}))

	require.Eventually(t, func() bool {
		events, _ := rec.snapshot()
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)

	events, _ := rec.snapshot()
	assert.Equal(t, model.MailEventDelivered, events[0].Type)
	assert.Equal(t, cid, events[0].CampaignID)
	assert.Equal(t, rid, events[0].RecipientID)
	require.NotNil(t, events[0].MessageID)
	assert.Equal(t, "<abc@mail>", *events[0].MessageID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsumedMessages.WithLabelValues("recorded")))
}

func TestEventConsumer_RetriesTransientFailures(t *testing.T) {
	rec := &fakeRecorder{failures: 2, err: errors.New("db timeout")}
	broker, m, stop := startConsumer(t, rec)
	defer stop()

	require.NoError(t, broker.Publish(context.Background(), messaging.TopicMailEvent, messaging.DeliveryEvent{
		Type: "SENT", CampaignID: uuid.NewString(), RecipientID: uuid.NewString(),
	}))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.ConsumedMessages.WithLabelValues("recorded")) == 1
	}, time.Second, 5*time.Millisecond)
	_, calls := rec.snapshot()
	assert.Equal(t, 3, calls)
}

func TestEventConsumer_DoesNotRetryUnknownCampaign(t *testing.T) {
	rec := &fakeRecorder{failures: 5, err: repository.ErrNotFound}
	broker, m, stop := startConsumer(t, rec)
	defer stop()

	require.NoError(t, broker.Publish(context.Background(), messaging.TopicMailEvent, messaging.DeliveryEvent{
		Type: "SENT", CampaignID: uuid.NewString(), RecipientID: uuid.NewString(),
	}))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.ConsumedMessages.WithLabelValues("failed")) == 1
	}, time.Second, 5*time.Millisecond)
	_, calls := rec.snapshot()
	assert.Equal(t, 1, calls)
}

func TestDecodeDeliveryEvent(t *testing.T) {
	cid, rid := uuid.NewString(), uuid.NewString()

	_, err := decodeDeliveryEvent([]byte(`{`))
	assert.ErrorIs(t, err, errInvalidMessage)

	_, err = decodeDeliveryEvent([]byte(`{"type":"SENT","campaignId":"nope","recipientId":"` + rid + `"}`))
	assert.ErrorIs(t, err, errInvalidMessage)

	_, err = decodeDeliveryEvent([]byte(`{"type":"EXPLODED","campaignId":"` + cid + `","recipientId":"` + rid + `"}`))
	assert.ErrorIs(t, err, errInvalidMessage)

	in, err := decodeDeliveryEvent([]byte(`{"type":"bounced","campaignId":"` + cid + `","recipientId":"` + rid + `"}`))
	require.NoError(t, err)
	assert.Equal(t, model.MailEventBounced, in.Type)
	assert.Nil(t, in.MessageID)
}

func TestConsumerStopsWhenBrokerCloses(t *testing.T) {
	broker := messaging.NewMemoryBroker(1)
	m := metrics.New("test")
	consumer := NewEventConsumer(broker, &fakeRecorder{}, ConsumerConfig{}, logger.Nop(), m)

	done := make(chan error, 1)
	go func() { done <- consumer.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		broker.Publish(context.Background(), messaging.TopicMailEvent, messaging.DeliveryEvent{Type: "ping"})
		return testutil.ToFloat64(m.ConsumedMessages.WithLabelValues("invalid")) > 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, broker.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer kept running after the broker closed")
	}
}

// ackBroker hands out deliveries from a test-fed channel and records how each was settled.
type ackBroker struct {
	*messaging.MemoryBroker
	deliveries chan messaging.Delivery
	settled    chan string
}

func newAckBroker() *ackBroker {
	return &ackBroker{
		MemoryBroker: messaging.NewMemoryBroker(1),
		deliveries:   make(chan messaging.Delivery),
		settled:      make(chan string, 10),
	}
}

func (b *ackBroker) SubscribeAck(context.Context, string) (<-chan messaging.Delivery, error) {
	return b.deliveries, nil
}

func (b *ackBroker) send(t *testing.T, ev messaging.DeliveryEvent) string {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	b.deliveries <- messaging.NewDelivery(body,
		func() error { b.settled <- "ack"; return nil },
		func(requeue bool) error {
			if requeue {
				b.settled <- "requeue"
			} else {
				b.settled <- "reject"
			}
			return nil
		},
	)
	select {
	case s := <-b.settled:
		return s
	case <-time.After(time.Second):
		t.Fatal("delivery was never settled")
		return ""
	}
}

func TestEventConsumer_AcksOnlyAfterRecording(t *testing.T) {
	rec := &fakeRecorder{failures: 3, err: errors.New("db timeout")}
	broker := newAckBroker()
	consumer := NewEventConsumer(broker, rec, ConsumerConfig{RetryAttempts: 3, RetryDelay: time.Millisecond}, logger.Nop(), metrics.New("test"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Start(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	ev := messaging.DeliveryEvent{Type: "SENT", CampaignID: uuid.NewString(), RecipientID: uuid.NewString()}

	// Every attempt fails, so the message goes back on the queue.
	assert.Equal(t, "requeue", broker.send(t, ev))
	events, calls := rec.snapshot()
	assert.Empty(t, events)
	assert.Equal(t, 3, calls)

	// The redelivery is recorded before it is acknowledged.
	assert.Equal(t, "ack", broker.send(t, ev))
	events, _ = rec.snapshot()
	assert.Len(t, events, 1)

	// Messages that can never be recorded are acknowledged and dropped.
	assert.Equal(t, "ack", broker.send(t, messaging.DeliveryEvent{Type: "EXPLODED"}))
	rec.mu.Lock()
	rec.failures, rec.err = 1, repository.ErrNotFound
	rec.mu.Unlock()
	assert.Equal(t, "ack", broker.send(t, ev))
}
