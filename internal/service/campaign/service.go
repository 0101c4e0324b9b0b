package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/bulk-mail/internal/dispatch"
	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/internal/repository"
	apperrors "github.com/jwalitptl/bulk-mail/pkg/errors"
	"github.com/jwalitptl/bulk-mail/pkg/logger"
	"github.com/jwalitptl/bulk-mail/pkg/validator"
)

type CampaignServicer interface {
	CreateCampaign(ctx context.Context, userID uuid.UUID, in CreateInput) (*model.Campaign, error)
	GetCampaign(ctx context.Context, id uuid.UUID) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, userID uuid.UUID, page model.Pagination) ([]*model.Campaign, error)
	DeleteCampaign(ctx context.Context, id uuid.UUID) error
	ListRecipients(ctx context.Context, id uuid.UUID, page model.Pagination) ([]*model.Recipient, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, in StatusInput) (*model.Campaign, error)
	Enqueue(ctx context.Context, id uuid.UUID) (dispatch.EnqueueResult, error)
	Dispatch(ctx context.Context, id uuid.UUID) (*dispatch.Diagnostics, error)
	SendTest(ctx context.Context, id uuid.UUID, in TestSendInput) ([]dispatch.TestSendResult, error)
}

// Dispatcher is the slice of the dispatch engine the service drives.
type Dispatcher interface {
	TransitionStatus(ctx context.Context, campaignID uuid.UUID, status model.CampaignStatus, scheduledAt *time.Time) (*model.Campaign, error)
	EnqueueCampaign(ctx context.Context, campaignID uuid.UUID) (dispatch.EnqueueResult, error)
	Diagnostics(ctx context.Context, campaignID uuid.UUID) (*dispatch.Diagnostics, error)
	SendTest(ctx context.Context, campaignID uuid.UUID, emails []string) ([]dispatch.TestSendResult, error)
	Forget(ctx context.Context, campaignID uuid.UUID) error
}

type CreateInput struct {
	Name         string      `json:"name" validate:"required,max=255"`
	Subject      string      `json:"subject" validate:"required,max=998"`
	SenderEmail  string      `json:"sender_email" validate:"omitempty,email"`
	SenderName   string      `json:"sender_name" validate:"max=255"`
	ReplyTo      string      `json:"reply_to" validate:"omitempty,email"`
	TemplateID   uuid.UUID   `json:"template_id" validate:"required"`
	GroupIDs     []uuid.UUID `json:"group_ids"`
	RecipientIDs []uuid.UUID `json:"recipient_ids"`
	ScheduledAt  *time.Time  `json:"scheduled_at"`
}

type StatusInput struct {
	Status      model.CampaignStatus `json:"status" validate:"required"`
	ScheduledAt *time.Time           `json:"scheduled_at"`
}

type TestSendInput struct {
	Emails []string `json:"emails" validate:"required,min=1,max=10,dive,required,email"`
}

type Service struct {
	campaigns  repository.CampaignRepository
	recipients repository.RecipientRepository
	templates  repository.TemplateRepository
	dispatcher Dispatcher
	validator  *validator.Validator
	logger     *logger.Logger
	now        func() time.Time
}

func NewService(
	campaigns repository.CampaignRepository,
	recipients repository.RecipientRepository,
	templates repository.TemplateRepository,
	dispatcher Dispatcher,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		campaigns:  campaigns,
		recipients: recipients,
		templates:  templates,
		dispatcher: dispatcher,
		validator:  validator.New(),
		logger:     log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateCampaign stores a DRAFT campaign. A scheduled_at moves it straight on
// to SCHEDULED through the state machine.
func (s *Service) CreateCampaign(ctx context.Context, userID uuid.UUID, in CreateInput) (*model.Campaign, error) {
	if err := s.validator.Validate(in); err != nil {
		return nil, apperrors.BadRequest("invalid campaign data", err)
	}
	if in.ScheduledAt != nil && !in.ScheduledAt.After(s.now()) {
		return nil, apperrors.BadRequest("scheduled_at must be in the future", nil)
	}
	if _, err := s.templates.Get(ctx, in.TemplateID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.BadRequest("template does not exist", err)
		}
		return nil, fmt.Errorf("failed to load template: %w", err)
	}

	c := &model.Campaign{
		Base:        model.Base{ID: uuid.New()},
		UserID:      userID,
		Name:        in.Name,
		Subject:     in.Subject,
		SenderEmail: in.SenderEmail,
		SenderName:  in.SenderName,
		ReplyTo:     in.ReplyTo,
		TemplateID:  in.TemplateID,
		Status:      model.CampaignStatusDraft,
	}
	if err := s.campaigns.Create(ctx, c, dedupe(in.RecipientIDs), dedupe(in.GroupIDs)); err != nil {
		return nil, translate(fmt.Errorf("failed to create campaign: %w", err))
	}
	s.logger.Info("campaign created",
		"campaign_id", c.ID.String(),
		"user_id", userID.String(),
		"recipients", len(in.RecipientIDs),
		"groups", len(in.GroupIDs))

	if in.ScheduledAt == nil {
		return c, nil
	}
	scheduled, err := s.dispatcher.TransitionStatus(ctx, c.ID, model.CampaignStatusScheduled, in.ScheduledAt)
	if err != nil {
		return nil, translate(err)
	}
	return scheduled, nil
}

func (s *Service) GetCampaign(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return c, nil
}

func (s *Service) ListCampaigns(ctx context.Context, userID uuid.UUID, page model.Pagination) ([]*model.Campaign, error) {
	campaigns, err := s.campaigns.List(ctx, userID, page)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	return campaigns, nil
}

// DeleteCampaign removes a campaign that is not sending or completed.
func (s *Service) DeleteCampaign(ctx context.Context, id uuid.UUID) error {
	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return translate(err)
	}
	if !c.Status.Deletable() {
		return apperrors.Conflict(fmt.Sprintf("cannot delete a %s campaign", c.Status), nil)
	}
	if err := s.campaigns.Delete(ctx, id); err != nil {
		return translate(fmt.Errorf("failed to delete campaign: %w", err))
	}
	if err := s.dispatcher.Forget(ctx, id); err != nil {
		s.logger.Warn("failed to clear dispatch keys for deleted campaign",
			"campaign_id", id.String(),
			"error", err.Error())
	}
	return nil
}

func (s *Service) ListRecipients(ctx context.Context, id uuid.UUID, page model.Pagination) ([]*model.Recipient, error) {
	if _, err := s.campaigns.Get(ctx, id); err != nil {
		return nil, translate(err)
	}
	recipients, err := s.recipients.ListForCampaign(ctx, id, page)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaign recipients: %w", err)
	}
	return recipients, nil
}

func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, in StatusInput) (*model.Campaign, error) {
	if err := s.validator.Validate(in); err != nil {
		return nil, apperrors.BadRequest("invalid status change", err)
	}
	if !in.Status.Valid() {
		return nil, apperrors.BadRequest(fmt.Sprintf("unknown status %q", in.Status), nil)
	}
	c, err := s.dispatcher.TransitionStatus(ctx, id, in.Status, in.ScheduledAt)
	if err != nil {
		return nil, translate(err)
	}
	return c, nil
}

func (s *Service) Enqueue(ctx context.Context, id uuid.UUID) (dispatch.EnqueueResult, error) {
	res, err := s.dispatcher.EnqueueCampaign(ctx, id)
	if err != nil {
		return dispatch.EnqueueResult{}, translate(err)
	}
	return res, nil
}

func (s *Service) Dispatch(ctx context.Context, id uuid.UUID) (*dispatch.Diagnostics, error) {
	d, err := s.dispatcher.Diagnostics(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return d, nil
}

func (s *Service) SendTest(ctx context.Context, id uuid.UUID, in TestSendInput) ([]dispatch.TestSendResult, error) {
	if err := s.validator.Validate(in); err != nil {
		return nil, apperrors.BadRequest("invalid test send", err)
	}
	res, err := s.dispatcher.SendTest(ctx, id, in.Emails)
	if err != nil {
		return nil, translate(err)
	}
	return res, nil
}

// translate maps repository and dispatch errors onto application errors.
// Anything unrecognised passes through and surfaces as a 500.
func translate(err error) error {
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, repository.ErrNotFound):
		return apperrors.NotFound("campaign", err)
	case errors.Is(err, dispatch.ErrScheduleMissing):
		return apperrors.BadRequest(dispatch.ErrScheduleMissing.Error(), err)
	case errors.Is(err, dispatch.ErrInvalidTransition):
		return apperrors.Conflict(err.Error(), err)
	case errors.Is(err, repository.ErrStatusConflict):
		return apperrors.Conflict("campaign status changed, retry the request", err)
	case errors.Is(err, repository.ErrDuplicate):
		return apperrors.Conflict("campaign already exists", err)
	}
	return err
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
