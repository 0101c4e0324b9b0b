package model

import (
	"database/sql/driver"
	"time"

	"github.com/google/uuid"
)

type MailEventType string

const (
	MailEventSent       MailEventType = "SENT"
	MailEventDelivered  MailEventType = "DELIVERED"
	MailEventOpened     MailEventType = "OPENED"
	MailEventClicked    MailEventType = "CLICKED"
	MailEventBounced    MailEventType = "BOUNCED"
	MailEventComplained MailEventType = "COMPLAINED"
	MailEventRejected   MailEventType = "REJECTED"
	MailEventFailed     MailEventType = "FAILED"
	MailEventOther      MailEventType = "OTHER"
)

// TerminalEventTypes count towards campaign completion.
var TerminalEventTypes = []MailEventType{MailEventSent, MailEventFailed, MailEventRejected}

func (t MailEventType) Terminal() bool {
	switch t {
	case MailEventSent, MailEventFailed, MailEventRejected:
		return true
	}
	return false
}

func (t MailEventType) Valid() bool {
	switch t {
	case MailEventSent, MailEventDelivered, MailEventOpened, MailEventClicked, MailEventBounced,
		MailEventComplained, MailEventRejected, MailEventFailed, MailEventOther:
		return true
	}
	return false
}

type MailEvent struct {
	ID          uuid.UUID     `json:"id" db:"id"`
	Type        MailEventType `json:"type" db:"type"`
	CampaignID  uuid.UUID     `json:"campaign_id" db:"campaign_id"`
	RecipientID uuid.UUID     `json:"recipient_id" db:"recipient_id"`
	MessageID   *string       `json:"message_id,omitempty" db:"message_id"`
	Metadata    EventMetadata `json:"metadata" db:"metadata"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}

// EventMetadata holds one known shape per event type plus free-form provider extras.
// At most one of the typed fields is set.
type EventMetadata struct {
	Failure   *FailureMetadata       `json:"failure,omitempty"`
	Delivery  *DeliveryMetadata      `json:"delivery,omitempty"`
	Bounce    *BounceMetadata        `json:"bounce,omitempty"`
	Complaint *ComplaintMetadata     `json:"complaint,omitempty"`
	Open      *OpenMetadata          `json:"open,omitempty"`
	Click     *ClickMetadata         `json:"click,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// FailureMetadata is attached to FAILED and REJECTED events.
type FailureMetadata struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type DeliveryMetadata struct {
	SMTPResponse         string `json:"smtp_response,omitempty"`
	ProcessingTimeMillis int64  `json:"processing_time_millis,omitempty"`
}

type BounceMetadata struct {
	BounceType     string `json:"bounce_type"`
	BounceSubType  string `json:"bounce_sub_type,omitempty"`
	DiagnosticCode string `json:"diagnostic_code,omitempty"`
}

type ComplaintMetadata struct {
	FeedbackType string `json:"feedback_type,omitempty"`
}

type OpenMetadata struct {
	UserAgent string `json:"user_agent,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

type ClickMetadata struct {
	Link      string `json:"link"`
	UserAgent string `json:"user_agent,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

func FailureMeta(err error) EventMetadata {
	return EventMetadata{Failure: &FailureMetadata{Error: err.Error()}}
}

func (m EventMetadata) Value() (driver.Value, error) {
	return valueJSON(m)
}

func (m *EventMetadata) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// EventTally counts distinct recipients per event type for one campaign.
type EventTally map[MailEventType]int
