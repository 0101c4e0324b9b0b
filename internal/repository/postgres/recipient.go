package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/internal/repository"
)

const recipientColumns = `id, email, name, custom_fields, status, created_at, updated_at`

// campaignAudience selects distinct direct and group recipient ids of campaign $1.
const campaignAudience = `
	SELECT recipient_id FROM campaign_recipients WHERE campaign_id = $1
	UNION
	SELECT gr.recipient_id
	FROM group_recipients gr
	JOIN campaign_groups cg ON cg.group_id = gr.group_id
	WHERE cg.campaign_id = $1`

type recipientRepository struct {
	BaseRepository
}

func NewRecipientRepository(base BaseRepository) repository.RecipientRepository {
	return &recipientRepository{base}
}

func (r *recipientRepository) Create(ctx context.Context, rec *model.Recipient) error {
	now := time.Now().UTC()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = model.RecipientStatusActive
	}
	rec.Email = strings.ToLower(strings.TrimSpace(rec.Email))
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO recipients (`+recipientColumns+`)
		VALUES (:id, :email, :name, :custom_fields, :status, :created_at, :updated_at)
	`, rec)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("failed to create recipient: %w", err)
	}
	return nil
}

func (r *recipientRepository) Get(ctx context.Context, id uuid.UUID) (*model.Recipient, error) {
	var rec model.Recipient
	err := r.db.GetContext(ctx, &rec, `SELECT `+recipientColumns+` FROM recipients WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get recipient: %w", notFound(err))
	}
	return &rec, nil
}

func (r *recipientRepository) GetByEmail(ctx context.Context, email string) (*model.Recipient, error) {
	var rec model.Recipient
	err := r.db.GetContext(ctx, &rec, `SELECT `+recipientColumns+` FROM recipients WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, fmt.Errorf("failed to get recipient by email: %w", notFound(err))
	}
	return &rec, nil
}

func (r *recipientRepository) SetStatus(ctx context.Context, id uuid.UUID, status model.RecipientStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE recipients SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update recipient status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *recipientRepository) ListActiveByIDs(ctx context.Context, ids []uuid.UUID) ([]*model.Recipient, error) {
	recipients := []*model.Recipient{}
	if len(ids) == 0 {
		return recipients, nil
	}
	err := r.db.SelectContext(ctx, &recipients, `
		SELECT `+recipientColumns+`
		FROM recipients
		WHERE id = ANY($1::uuid[]) AND status = $2
	`, pq.Array(uuidStrings(ids)), model.RecipientStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active recipients: %w", err)
	}
	return recipients, nil
}

func (r *recipientRepository) ResolveActiveIDs(ctx context.Context, campaignID uuid.UUID) ([]uuid.UUID, error) {
	ids := []uuid.UUID{}
	err := r.db.SelectContext(ctx, &ids, `
		SELECT r.id
		FROM recipients r
		WHERE r.id IN (`+campaignAudience+`) AND r.status = $2
		ORDER BY r.created_at, r.id
	`, campaignID, model.RecipientStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve campaign recipients: %w", err)
	}
	return ids, nil
}

func (r *recipientRepository) CountLinked(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM (`+campaignAudience+`) audience`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("failed to count campaign recipients: %w", err)
	}
	return n, nil
}

func (r *recipientRepository) ListForCampaign(ctx context.Context, campaignID uuid.UUID, page model.Pagination) ([]*model.Recipient, error) {
	recipients := []*model.Recipient{}
	err := r.db.SelectContext(ctx, &recipients, `
		SELECT `+recipientColumns+`
		FROM recipients
		WHERE id IN (`+campaignAudience+`)
		ORDER BY created_at, id
		LIMIT $2 OFFSET $3
	`, campaignID, page.Limit(), page.Offset())
	if err != nil {
		return nil, fmt.Errorf("failed to list campaign recipients: %w", err)
	}
	return recipients, nil
}
