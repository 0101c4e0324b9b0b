package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/bulk-mail/internal/model"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStatusConflict means the stored campaign status no longer matched the expected one.
	ErrStatusConflict = errors.New("campaign status changed concurrently")
	ErrDuplicate      = errors.New("record already exists")
)

// All repository interfaces in one file
type (
	CampaignRepository interface {
		// Create inserts a campaign with its direct recipient and group links.
		Create(ctx context.Context, campaign *model.Campaign, recipientIDs, groupIDs []uuid.UUID) error
		Get(ctx context.Context, id uuid.UUID) (*model.Campaign, error)
		List(ctx context.Context, userID uuid.UUID, page model.Pagination) ([]*model.Campaign, error)
		Delete(ctx context.Context, id uuid.UUID) error
		// UpdateStatus is a compare-and-set on change.From. It returns ErrStatusConflict
		// when the stored status differs.
		UpdateStatus(ctx context.Context, id uuid.UUID, change model.StatusChange) (*model.Campaign, error)
		SetSentAt(ctx context.Context, id uuid.UUID, at time.Time) error
		// ListByStatus returns campaigns oldest-updated first.
		ListByStatus(ctx context.Context, status model.CampaignStatus, limit int) ([]*model.Campaign, error)
		ListScheduledBefore(ctx context.Context, before time.Time, limit int) ([]*model.Campaign, error)
	}

	RecipientRepository interface {
		Create(ctx context.Context, recipient *model.Recipient) error
		Get(ctx context.Context, id uuid.UUID) (*model.Recipient, error)
		GetByEmail(ctx context.Context, email string) (*model.Recipient, error)
		SetStatus(ctx context.Context, id uuid.UUID, status model.RecipientStatus) error
		// ListActiveByIDs returns the ACTIVE subset of ids.
		ListActiveByIDs(ctx context.Context, ids []uuid.UUID) ([]*model.Recipient, error)
		// ResolveActiveIDs returns the deduplicated ACTIVE direct and group recipients
		// of a campaign in a stable order.
		ResolveActiveIDs(ctx context.Context, campaignID uuid.UUID) ([]uuid.UUID, error)
		// CountLinked counts distinct direct and group recipients regardless of status.
		CountLinked(ctx context.Context, campaignID uuid.UUID) (int, error)
		ListForCampaign(ctx context.Context, campaignID uuid.UUID, page model.Pagination) ([]*model.Recipient, error)
	}

	GroupRepository interface {
		Create(ctx context.Context, group *model.Group) error
		AddRecipients(ctx context.Context, groupID uuid.UUID, recipientIDs []uuid.UUID) error
	}

	MailEventRepository interface {
		Create(ctx context.Context, event *model.MailEvent) error
		// CountTerminalRecipients counts distinct recipients holding a SENT, FAILED or REJECTED event.
		CountTerminalRecipients(ctx context.Context, campaignID uuid.UUID) (int, error)
		// TerminalRecipients returns which of ids already hold a terminal event.
		TerminalRecipients(ctx context.Context, campaignID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]struct{}, error)
		Tally(ctx context.Context, campaignID uuid.UUID) (model.EventTally, error)
		// FindSentByMessageID returns the SENT event carrying the provider message id.
		FindSentByMessageID(ctx context.Context, messageID string) (*model.MailEvent, error)
	}

	TemplateRepository interface {
		Create(ctx context.Context, template *model.Template) error
		Get(ctx context.Context, id uuid.UUID) (*model.Template, error)
	}
)
