package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/internal/repository"
)

type templateRepository struct {
	BaseRepository
}

func NewTemplateRepository(base BaseRepository) repository.TemplateRepository {
	return &templateRepository{base}
}

func (r *templateRepository) Create(ctx context.Context, t *model.Template) error {
	now := time.Now().UTC()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO templates (id, name, subject, html, created_at, updated_at)
		VALUES (:id, :name, :subject, :html, :created_at, :updated_at)
	`, t)
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

func (r *templateRepository) Get(ctx context.Context, id uuid.UUID) (*model.Template, error) {
	var t model.Template
	err := r.db.GetContext(ctx, &t, `
		SELECT id, name, subject, html, created_at, updated_at
		FROM templates
		WHERE id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", notFound(err))
	}
	return &t, nil
}
