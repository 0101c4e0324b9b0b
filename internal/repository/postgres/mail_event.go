package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/internal/repository"
)

type mailEventRepository struct {
	BaseRepository
}

func NewMailEventRepository(base BaseRepository) repository.MailEventRepository {
	return &mailEventRepository{base}
}

func terminalTypes() interface{} {
	types := make([]string, len(model.TerminalEventTypes))
	for i, t := range model.TerminalEventTypes {
		types[i] = string(t)
	}
	return pq.Array(types)
}

func (r *mailEventRepository) Create(ctx context.Context, e *model.MailEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO mail_events (id, type, campaign_id, recipient_id, message_id, metadata, created_at)
		VALUES (:id, :type, :campaign_id, :recipient_id, :message_id, :metadata, :created_at)
	`, e)
	if err != nil {
		return fmt.Errorf("failed to create mail event: %w", err)
	}
	return nil
}

func (r *mailEventRepository) CountTerminalRecipients(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(DISTINCT recipient_id)
		FROM mail_events
		WHERE campaign_id = $1 AND type = ANY($2::text[])
	`, campaignID, terminalTypes())
	if err != nil {
		return 0, fmt.Errorf("failed to count terminal events: %w", err)
	}
	return n, nil
}

func (r *mailEventRepository) TerminalRecipients(ctx context.Context, campaignID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]struct{}, error) {
	done := make(map[uuid.UUID]struct{})
	if len(ids) == 0 {
		return done, nil
	}

	var found []uuid.UUID
	err := r.db.SelectContext(ctx, &found, `
		SELECT DISTINCT recipient_id
		FROM mail_events
		WHERE campaign_id = $1 AND type = ANY($2::text[]) AND recipient_id = ANY($3::uuid[])
	`, campaignID, terminalTypes(), pq.Array(uuidStrings(ids)))
	if err != nil {
		return nil, fmt.Errorf("failed to load terminal recipients: %w", err)
	}
	for _, id := range found {
		done[id] = struct{}{}
	}
	return done, nil
}

func (r *mailEventRepository) Tally(ctx context.Context, campaignID uuid.UUID) (model.EventTally, error) {
	var rows []struct {
		Type  model.MailEventType `db:"type"`
		Count int                 `db:"count"`
	}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT type, COUNT(DISTINCT recipient_id) AS count
		FROM mail_events
		WHERE campaign_id = $1
		GROUP BY type
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to tally mail events: %w", err)
	}

	tally := make(model.EventTally, len(rows))
	for _, row := range rows {
		tally[row.Type] = row.Count
	}
	return tally, nil
}

func (r *mailEventRepository) FindSentByMessageID(ctx context.Context, messageID string) (*model.MailEvent, error) {
	var e model.MailEvent
	err := r.db.GetContext(ctx, &e, `
		SELECT id, type, campaign_id, recipient_id, message_id, metadata, created_at
		FROM mail_events
		WHERE message_id = $1 AND type = $2
		ORDER BY created_at
		LIMIT 1
	`, messageID, model.MailEventSent)
	if err != nil {
		return nil, fmt.Errorf("failed to find event by message id: %w", notFound(err))
	}
	return &e, nil
}
