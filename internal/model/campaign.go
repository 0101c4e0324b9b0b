package model

import (
	"time"

	"github.com/google/uuid"
)

type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "DRAFT"
	CampaignStatusScheduled CampaignStatus = "SCHEDULED"
	CampaignStatusSending   CampaignStatus = "SENDING"
	CampaignStatusCompleted CampaignStatus = "COMPLETED"
	CampaignStatusCancelled CampaignStatus = "CANCELLED"
	CampaignStatusFailed    CampaignStatus = "FAILED"
)

var campaignStatuses = map[CampaignStatus]struct{}{
	CampaignStatusDraft:     {},
	CampaignStatusScheduled: {},
	CampaignStatusSending:   {},
	CampaignStatusCompleted: {},
	CampaignStatusCancelled: {},
	CampaignStatusFailed:    {},
}

func (s CampaignStatus) Valid() bool {
	_, ok := campaignStatuses[s]
	return ok
}

// Deletable reports whether a campaign in this status may be removed.
func (s CampaignStatus) Deletable() bool {
	switch s {
	case CampaignStatusDraft, CampaignStatusScheduled, CampaignStatusCancelled, CampaignStatusFailed:
		return true
	}
	return false
}

type Campaign struct {
	Base
	UserID      uuid.UUID      `json:"user_id" db:"user_id"`
	Name        string         `json:"name" db:"name"`
	Subject     string         `json:"subject" db:"subject"`
	SenderEmail string         `json:"sender_email" db:"sender_email"`
	SenderName  string         `json:"sender_name" db:"sender_name"`
	ReplyTo     string         `json:"reply_to,omitempty" db:"reply_to"`
	TemplateID  uuid.UUID      `json:"template_id" db:"template_id"`
	Status      CampaignStatus `json:"status" db:"status"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty" db:"scheduled_at"`
	SentAt      *time.Time     `json:"sent_at,omitempty" db:"sent_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}

// CampaignRecipient is a direct campaign to recipient link.
type CampaignRecipient struct {
	CampaignID  uuid.UUID `json:"campaign_id" db:"campaign_id"`
	RecipientID uuid.UUID `json:"recipient_id" db:"recipient_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// StatusChange carries the timestamps written alongside a status update.
type StatusChange struct {
	From        CampaignStatus
	To          CampaignStatus
	ScheduledAt *time.Time
	SentAt      *time.Time
	CompletedAt *time.Time
}
