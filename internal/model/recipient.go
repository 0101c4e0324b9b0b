package model

import (
	"database/sql/driver"

	"github.com/google/uuid"
)

type RecipientStatus string

const (
	RecipientStatusActive       RecipientStatus = "ACTIVE"
	RecipientStatusUnsubscribed RecipientStatus = "UNSUBSCRIBED"
)

// CustomFields are per-recipient merge fields stored as jsonb.
type CustomFields map[string]string

func (f CustomFields) Value() (driver.Value, error) {
	if f == nil {
		return "{}", nil
	}
	return valueJSON(map[string]string(f))
}

func (f *CustomFields) Scan(src interface{}) error {
	return scanJSON(src, (*map[string]string)(f))
}

type Recipient struct {
	Base
	Email        string          `json:"email" db:"email"`
	Name         string          `json:"name" db:"name"`
	CustomFields CustomFields    `json:"custom_fields" db:"custom_fields"`
	Status       RecipientStatus `json:"status" db:"status"`
}

func (r *Recipient) Active() bool {
	return r.Status == RecipientStatusActive
}

type Group struct {
	Base
	Name        string `json:"name" db:"name"`
	Description string `json:"description,omitempty" db:"description"`
}

// GroupRecipient links a recipient into a group.
type GroupRecipient struct {
	GroupID     uuid.UUID `json:"group_id" db:"group_id"`
	RecipientID uuid.UUID `json:"recipient_id" db:"recipient_id"`
}
