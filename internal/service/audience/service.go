// Package audience manages the recipients, groups and templates a campaign
// is addressed to and rendered from.
package audience

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/internal/repository"
	apperrors "github.com/jwalitptl/bulk-mail/pkg/errors"
	"github.com/jwalitptl/bulk-mail/pkg/logger"
	"github.com/jwalitptl/bulk-mail/pkg/validator"
)

type AudienceServicer interface {
	CreateRecipient(ctx context.Context, in RecipientInput) (*model.Recipient, error)
	GetRecipient(ctx context.Context, id uuid.UUID) (*model.Recipient, error)
	SetRecipientStatus(ctx context.Context, id uuid.UUID, status model.RecipientStatus) error
	CreateGroup(ctx context.Context, in GroupInput) (*model.Group, error)
	AddGroupMembers(ctx context.Context, groupID uuid.UUID, in MembersInput) error
	CreateTemplate(ctx context.Context, in TemplateInput) (*model.Template, error)
	GetTemplate(ctx context.Context, id uuid.UUID) (*model.Template, error)
}

type RecipientInput struct {
	Email        string            `json:"email" validate:"required,email"`
	Name         string            `json:"name" validate:"max=255"`
	CustomFields map[string]string `json:"custom_fields" validate:"omitempty,dive,keys,merge_key,endkeys"`
}

type GroupInput struct {
	Name        string `json:"name" validate:"required,max=255"`
	Description string `json:"description"`
}

type MembersInput struct {
	RecipientIDs []uuid.UUID `json:"recipient_ids" validate:"required,min=1"`
}

type TemplateInput struct {
	Name    string `json:"name" validate:"required,max=255"`
	Subject string `json:"subject"`
	HTML    string `json:"html" validate:"required"`
}

type Service struct {
	recipients repository.RecipientRepository
	groups     repository.GroupRepository
	templates  repository.TemplateRepository
	validator  *validator.Validator
	logger     *logger.Logger
}

func NewService(
	recipients repository.RecipientRepository,
	groups repository.GroupRepository,
	templates repository.TemplateRepository,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		recipients: recipients,
		groups:     groups,
		templates:  templates,
		validator:  validator.New(),
		logger:     log,
	}
}

func (s *Service) CreateRecipient(ctx context.Context, in RecipientInput) (*model.Recipient, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := s.validator.Validate(in); err != nil {
		return nil, apperrors.BadRequest("invalid recipient data", err)
	}
	r := &model.Recipient{
		Email:        in.Email,
		Name:         in.Name,
		CustomFields: model.CustomFields(in.CustomFields),
		Status:       model.RecipientStatusActive,
	}
	if err := s.recipients.Create(ctx, r); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperrors.Conflict("a recipient with this email already exists", err)
		}
		return nil, fmt.Errorf("failed to create recipient: %w", err)
	}
	return r, nil
}

func (s *Service) GetRecipient(ctx context.Context, id uuid.UUID) (*model.Recipient, error) {
	r, err := s.recipients.Get(ctx, id)
	if err != nil {
		return nil, notFound("recipient", err)
	}
	return r, nil
}

// SetRecipientStatus takes effect for batches not yet executed: the executor
// re-reads recipient status before every send.
func (s *Service) SetRecipientStatus(ctx context.Context, id uuid.UUID, status model.RecipientStatus) error {
	if status != model.RecipientStatusActive && status != model.RecipientStatusUnsubscribed {
		return apperrors.BadRequest(fmt.Sprintf("unknown recipient status %q", status), nil)
	}
	if err := s.recipients.SetStatus(ctx, id, status); err != nil {
		return notFound("recipient", err)
	}
	s.logger.Info("recipient status changed",
		"recipient_id", id.String(),
		"status", string(status))
	return nil
}

func (s *Service) CreateGroup(ctx context.Context, in GroupInput) (*model.Group, error) {
	if err := s.validator.Validate(in); err != nil {
		return nil, apperrors.BadRequest("invalid group data", err)
	}
	g := &model.Group{Name: in.Name, Description: in.Description}
	if err := s.groups.Create(ctx, g); err != nil {
		return nil, fmt.Errorf("failed to create group: %w", err)
	}
	return g, nil
}

func (s *Service) AddGroupMembers(ctx context.Context, groupID uuid.UUID, in MembersInput) error {
	if err := s.validator.Validate(in); err != nil {
		return apperrors.BadRequest("invalid group members", err)
	}
	if err := s.groups.AddRecipients(ctx, groupID, in.RecipientIDs); err != nil {
		return notFound("group", err)
	}
	return nil
}

func (s *Service) CreateTemplate(ctx context.Context, in TemplateInput) (*model.Template, error) {
	if err := s.validator.Validate(in); err != nil {
		return nil, apperrors.BadRequest("invalid template data", err)
	}
	t := &model.Template{Name: in.Name, Subject: in.Subject, HTML: in.HTML}
	if err := s.templates.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}
	return t, nil
}

func (s *Service) GetTemplate(ctx context.Context, id uuid.UUID) (*model.Template, error) {
	t, err := s.templates.Get(ctx, id)
	if err != nil {
		return nil, notFound("template", err)
	}
	return t, nil
}

func notFound(resource string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.NotFound(resource, err)
	}
	return fmt.Errorf("%s: %w", resource, err)
}
