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

type groupRepository struct {
	BaseRepository
}

func NewGroupRepository(base BaseRepository) repository.GroupRepository {
	return &groupRepository{base}
}

func (r *groupRepository) Create(ctx context.Context, g *model.Group) error {
	now := time.Now().UTC()
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	g.CreatedAt = now
	g.UpdatedAt = now

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO groups (id, name, description, created_at, updated_at)
		VALUES (:id, :name, :description, :created_at, :updated_at)
	`, g)
	if err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}
	return nil
}

func (r *groupRepository) AddRecipients(ctx context.Context, groupID uuid.UUID, recipientIDs []uuid.UUID) error {
	if len(recipientIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO group_recipients (group_id, recipient_id)
		SELECT $1, unnest($2::uuid[])
		ON CONFLICT DO NOTHING
	`, groupID, pq.Array(uuidStrings(recipientIDs)))
	if err != nil {
		return fmt.Errorf("failed to add group recipients: %w", err)
	}
	return nil
}
