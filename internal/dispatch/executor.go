package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc/pool"

	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/internal/repository"
	"github.com/jwalitptl/bulk-mail/internal/template"
	"github.com/jwalitptl/bulk-mail/pkg/logger"
	"github.com/jwalitptl/bulk-mail/pkg/mailer"
	"github.com/jwalitptl/bulk-mail/pkg/metrics"
)

const DefaultChunkSize = 50

// Renderer produces the personalised HTML body for one recipient.
type Renderer interface {
	Render(ctx context.Context, templateID uuid.UUID, fields map[string]string) (string, error)
}

// LinkBuilder signs the per-recipient unsubscribe link.
type LinkBuilder interface {
	UnsubscribeURL(recipientID, campaignID uuid.UUID) (string, error)
}

type BatchResult struct {
	Key     string
	Sent    int
	Failed  int
	Skipped int
}

// Executor delivers one batch work item.
type Executor struct {
	queue      *Queue
	recipients repository.RecipientRepository
	events     repository.MailEventRepository
	renderer   Renderer
	links      LinkBuilder
	transport  mailer.Transport
	completion *CompletionDetector
	chunkSize  int
	logger     *logger.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Execute returns ErrStaleBatch when the payload was already gone (the key is
// removed), a *BatchError for infrastructure failures, and nil once every
// ACTIVE recipient holds a terminal event and the key is deleted.
func (e *Executor) Execute(ctx context.Context, key string) (BatchResult, error) {
	timer := prometheus.NewTimer(e.metrics.BatchLatency)
	defer timer.ObserveDuration()

	res := BatchResult{Key: key}
	log := e.logger.WithFields(map[string]interface{}{"batch_key": key})

	payload, err := e.queue.Load(ctx, key)
	if errors.Is(err, ErrStaleBatch) {
		log.Warn("discarding stale batch", "error", err.Error())
		if delErr := e.queue.Remove(ctx, key); delErr != nil {
			return res, &BatchError{Key: key, Err: delErr}
		}
		return res, err
	}
	if err != nil {
		return res, &BatchError{Key: key, Err: err}
	}

	done, err := e.events.TerminalRecipients(ctx, payload.CampaignID, payload.RecipientIDs)
	if err != nil {
		return res, &BatchError{Key: key, Err: err}
	}

	for _, chunk := range Chunk(payload.RecipientIDs, e.chunkSize) {
		if err := e.deliverChunk(ctx, payload, chunk, done, &res); err != nil {
			return res, &BatchError{Key: key, Err: err}
		}
	}

	if err := e.queue.Remove(ctx, key); err != nil {
		return res, &BatchError{Key: key, Err: fmt.Errorf("failed to delete batch: %w", err)}
	}

	e.metrics.BatchesProcessed.Inc()
	log.Info("batch delivered",
		"campaign_id", payload.CampaignID.String(),
		"sent", res.Sent,
		"failed", res.Failed,
		"skipped", res.Skipped)

	if _, err := e.completion.Reconcile(ctx, payload.CampaignID); err != nil {
		log.Error(err, "completion check after batch failed", "campaign_id", payload.CampaignID.String())
	}
	return res, nil
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeSkipped
)

func (e *Executor) deliverChunk(ctx context.Context, payload *BatchPayload, ids []uuid.UUID, done map[uuid.UUID]struct{}, res *BatchResult) error {
	// Recipients may have unsubscribed since partitioning; they are skipped without an event.
	recipients, err := e.recipients.ListActiveByIDs(ctx, ids)
	if err != nil {
		return err
	}

	outcomes := make([]outcome, len(recipients))
	p := pool.New().WithErrors().WithMaxGoroutines(e.chunkSize)
	for i, r := range recipients {
		i, r := i, r
		if _, ok := done[r.ID]; ok {
			outcomes[i] = outcomeSkipped
			continue
		}
		p.Go(func() error {
			o, err := e.deliver(ctx, payload, r)
			outcomes[i] = o
			return err
		})
	}
	err = p.Wait()

	for _, o := range outcomes {
		switch o {
		case outcomeSent:
			res.Sent++
			e.metrics.MailsDelivered.WithLabelValues("sent").Inc()
		case outcomeFailed:
			res.Failed++
			e.metrics.MailsDelivered.WithLabelValues("failed").Inc()
		case outcomeSkipped:
			res.Skipped++
			e.metrics.MailsDelivered.WithLabelValues("skipped").Inc()
		}
	}
	return err
}

// deliver sends to one recipient and records exactly one terminal event.
// Render and transport failures become FAILED events; only a failure to
// record the event is returned.
func (e *Executor) deliver(ctx context.Context, payload *BatchPayload, r *model.Recipient) (outcome, error) {
	event := &model.MailEvent{
		ID:          uuid.New(),
		CampaignID:  payload.CampaignID,
		RecipientID: r.ID,
	}

	msg, err := e.compose(ctx, payload, r)
	if err == nil {
		var sent mailer.SendResult
		if sent, err = e.transport.Send(ctx, msg); err == nil {
			event.Type = model.MailEventSent
			event.MessageID = &sent.MessageID
		}
	}
	if err != nil {
		event.Type = model.MailEventFailed
		event.Metadata = model.FailureMeta(err)
	}
	event.CreatedAt = e.now()

	if recErr := e.events.Create(ctx, event); recErr != nil {
		return outcomeFailed, fmt.Errorf("failed to record %s event for recipient %s: %w", event.Type, r.ID, recErr)
	}
	e.metrics.EventsRecorded.WithLabelValues(string(event.Type)).Inc()

	if event.Type == model.MailEventFailed {
		e.logger.Warn("delivery failed",
			"campaign_id", payload.CampaignID.String(),
			"recipient_id", r.ID.String(),
			"error", err.Error())
		return outcomeFailed, nil
	}
	return outcomeSent, nil
}

func (e *Executor) compose(ctx context.Context, payload *BatchPayload, r *model.Recipient) (mailer.Message, error) {
	fields := MergeFields(r)
	if e.links != nil {
		link, err := e.links.UnsubscribeURL(r.ID, payload.CampaignID)
		if err != nil {
			return mailer.Message{}, err
		}
		fields["unsubscribeUrl"] = link
	}

	html, err := e.renderer.Render(ctx, payload.TemplateID, fields)
	if err != nil {
		return mailer.Message{}, fmt.Errorf("render: %w", err)
	}

	return mailer.Message{
		To:       r.Email,
		Subject:  template.Merge(payload.Subject, fields),
		HTML:     html,
		From:     payload.SenderEmail,
		FromName: payload.SenderName,
		ReplyTo:  payload.ReplyTo,
	}, nil
}

// MergeFields are the recipient's custom fields overlaid with name and email.
func MergeFields(r *model.Recipient) map[string]string {
	fields := make(map[string]string, len(r.CustomFields)+3)
	for k, v := range r.CustomFields {
		fields[k] = v
	}
	fields["name"] = r.Name
	fields["email"] = r.Email
	return fields
}
