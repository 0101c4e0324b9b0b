package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/internal/repository"
)

const campaignColumns = `
	id, user_id, name, subject, sender_email, sender_name, reply_to, template_id,
	status, scheduled_at, sent_at, completed_at, created_at, updated_at`

type campaignRepository struct {
	BaseRepository
}

func NewCampaignRepository(base BaseRepository) repository.CampaignRepository {
	return &campaignRepository{base}
}

func (r *campaignRepository) Create(ctx context.Context, c *model.Campaign, recipientIDs, groupIDs []uuid.UUID) error {
	now := time.Now().UTC()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = model.CampaignStatusDraft
	}
	c.CreatedAt = now
	c.UpdatedAt = now

	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO campaigns (` + campaignColumns + `)
			VALUES (:id, :user_id, :name, :subject, :sender_email, :sender_name, :reply_to, :template_id,
				:status, :scheduled_at, :sent_at, :completed_at, :created_at, :updated_at)
		`
		if _, err := tx.NamedExecContext(ctx, query, c); err != nil {
			return fmt.Errorf("failed to create campaign: %w", err)
		}

		if len(recipientIDs) > 0 {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO campaign_recipients (campaign_id, recipient_id, created_at)
				SELECT $1, unnest($2::uuid[]), $3
				ON CONFLICT DO NOTHING
			`, c.ID, pq.Array(uuidStrings(recipientIDs)), now)
			if err != nil {
				return fmt.Errorf("failed to link campaign recipients: %w", err)
			}
		}

		if len(groupIDs) > 0 {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO campaign_groups (campaign_id, group_id)
				SELECT $1, unnest($2::uuid[])
				ON CONFLICT DO NOTHING
			`, c.ID, pq.Array(uuidStrings(groupIDs)))
			if err != nil {
				return fmt.Errorf("failed to link campaign groups: %w", err)
			}
		}
		return nil
	})
}

func (r *campaignRepository) Get(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	var c model.Campaign
	err := r.db.GetContext(ctx, &c, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", notFound(err))
	}
	return &c, nil
}

func (r *campaignRepository) List(ctx context.Context, userID uuid.UUID, page model.Pagination) ([]*model.Campaign, error) {
	campaigns := []*model.Campaign{}
	err := r.db.SelectContext(ctx, &campaigns, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, page.Limit(), page.Offset())
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	return campaigns, nil
}

func (r *campaignRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *campaignRepository) UpdateStatus(ctx context.Context, id uuid.UUID, change model.StatusChange) (*model.Campaign, error) {
	var c model.Campaign
	err := r.db.GetContext(ctx, &c, `
		UPDATE campaigns
		SET status = $3,
			scheduled_at = COALESCE($4, scheduled_at),
			sent_at = COALESCE($5, sent_at),
			completed_at = COALESCE($6, completed_at),
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+campaignColumns,
		id, change.From, change.To, change.ScheduledAt, change.SentAt, change.CompletedAt)
	if err == nil {
		return &c, nil
	}
	if err = notFound(err); err != repository.ErrNotFound {
		return nil, fmt.Errorf("failed to update campaign status: %w", err)
	}

	// Zero rows: either the campaign is gone or its status moved on.
	if _, getErr := r.Get(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, repository.ErrStatusConflict
}

func (r *campaignRepository) SetSentAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE campaigns SET sent_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to set sent_at: %w", err)
	}
	return nil
}

func (r *campaignRepository) ListByStatus(ctx context.Context, status model.CampaignStatus, limit int) ([]*model.Campaign, error) {
	campaigns := []*model.Campaign{}
	err := r.db.SelectContext(ctx, &campaigns, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns by status: %w", err)
	}
	return campaigns, nil
}

func (r *campaignRepository) ListScheduledBefore(ctx context.Context, before time.Time, limit int) ([]*model.Campaign, error) {
	campaigns := []*model.Campaign{}
	err := r.db.SelectContext(ctx, &campaigns, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = $1 AND scheduled_at <= $2
		ORDER BY scheduled_at ASC
		LIMIT $3
	`, model.CampaignStatusScheduled, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled campaigns: %w", err)
	}
	return campaigns, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
