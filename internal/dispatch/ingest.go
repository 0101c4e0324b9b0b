package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/internal/repository"
)

var ErrUnknownMessage = errors.New("no sent mail with this message id")

type DeliveryEvent struct {
	Type        model.MailEventType
	CampaignID  uuid.UUID
	RecipientID uuid.UUID
	MessageID   *string
	Metadata    model.EventMetadata
}

// RecordDeliveryEvent appends an event from the webhook or bus path, then
// re-checks completion for its campaign.
func (e *Engine) RecordDeliveryEvent(ctx context.Context, in DeliveryEvent) (*model.MailEvent, error) {
	if !in.Type.Valid() {
		return nil, fmt.Errorf("unknown mail event type %q", in.Type)
	}
	if in.CampaignID == uuid.Nil || in.RecipientID == uuid.Nil {
		return nil, errors.New("campaign and recipient are required")
	}
	if _, err := e.campaigns.Get(ctx, in.CampaignID); err != nil {
		return nil, err
	}

	event := &model.MailEvent{
		ID:          uuid.New(),
		Type:        in.Type,
		CampaignID:  in.CampaignID,
		RecipientID: in.RecipientID,
		MessageID:   in.MessageID,
		Metadata:    in.Metadata,
	}
	if err := e.events.Create(ctx, event); err != nil {
		return nil, err
	}
	e.metrics.EventsRecorded.WithLabelValues(string(event.Type)).Inc()

	if _, err := e.Completion.Reconcile(ctx, in.CampaignID); err != nil {
		e.logger.Error(err, "completion check after event failed",
			"campaign_id", in.CampaignID.String(),
			"event_type", string(in.Type))
	}
	return event, nil
}

// RecordProviderEvent attributes a provider callback to the campaign and
// recipient of the SENT event carrying messageID.
func (e *Engine) RecordProviderEvent(ctx context.Context, messageID string, typ model.MailEventType, meta model.EventMetadata) (*model.MailEvent, error) {
	sent, err := e.events.FindSentByMessageID(ctx, messageID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	if err != nil {
		return nil, err
	}

	return e.RecordDeliveryEvent(ctx, DeliveryEvent{
		Type:        typ,
		CampaignID:  sent.CampaignID,
		RecipientID: sent.RecipientID,
		MessageID:   &messageID,
		Metadata:    meta,
	})
}
