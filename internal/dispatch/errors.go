package dispatch

import (
	"errors"
	"fmt"

	"github.com/jwalitptl/bulk-mail/internal/model"
)

var (
	ErrInvalidTransition = errors.New("invalid campaign status transition")
	// ErrStaleBatch means a batch key exists but its payload is missing or unreadable.
	ErrStaleBatch      = errors.New("stale batch reference")
	ErrLockNotHeld     = errors.New("lock not held")
	ErrScheduleMissing = errors.New("scheduled_at is required to schedule a campaign")
)

type TransitionError struct {
	From model.CampaignStatus
	To   model.CampaignStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move campaign from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// BatchError is an infrastructure failure at the batch boundary. The retry policy owns it.
type BatchError struct {
	Key string
	Err error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %s: %v", e.Key, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}
