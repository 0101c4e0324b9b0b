package dispatch

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/internal/repository"
	"github.com/jwalitptl/bulk-mail/pkg/logger"
)

type Reconciliation struct {
	Status model.CampaignStatus
	// Total is the ACTIVE audience at reconciliation time.
	Total int
	// Terminal counts distinct recipients with a SENT, FAILED or REJECTED event.
	Terminal int
	// Covered is the part of Total that holds a terminal event.
	Covered   int
	Completed bool
}

// CompletionDetector compares terminal event coverage with the campaign's
// ACTIVE audience and completes the campaign once every member is covered.
// Recipients who unsubscribed after their mail went out still count in
// Terminal but no longer in Total, so coverage is measured on the audience.
type CompletionDetector struct {
	campaigns  repository.CampaignRepository
	recipients repository.RecipientRepository
	events     repository.MailEventRepository
	machine    *StateMachine
	logger     *logger.Logger
}

// Reconcile is idempotent. Campaigns outside SENDING are reported without change.
func (d *CompletionDetector) Reconcile(ctx context.Context, campaignID uuid.UUID) (Reconciliation, error) {
	c, err := d.campaigns.Get(ctx, campaignID)
	if err != nil {
		return Reconciliation{}, err
	}

	rec := Reconciliation{Status: c.Status, Completed: c.Status == model.CampaignStatusCompleted}
	if c.Status != model.CampaignStatusSending {
		return rec, nil
	}

	audience, err := d.recipients.ResolveActiveIDs(ctx, campaignID)
	if err != nil {
		return rec, err
	}
	covered, err := d.events.TerminalRecipients(ctx, campaignID, audience)
	if err != nil {
		return rec, err
	}
	if rec.Terminal, err = d.events.CountTerminalRecipients(ctx, campaignID); err != nil {
		return rec, err
	}
	rec.Total = len(audience)
	rec.Covered = len(covered)
	if rec.Covered < rec.Total {
		return rec, nil
	}

	updated, err := d.machine.transition(ctx, c, model.CampaignStatusCompleted, nil)
	if errors.Is(err, repository.ErrStatusConflict) {
		// Someone else moved it first. Only a completed campaign counts as done.
		current, getErr := d.campaigns.Get(ctx, campaignID)
		if getErr != nil {
			return rec, getErr
		}
		rec.Status = current.Status
		rec.Completed = current.Status == model.CampaignStatusCompleted
		return rec, nil
	}
	if err != nil {
		return rec, err
	}

	rec.Status = updated.Status
	rec.Completed = true
	d.logger.Info("campaign completed",
		"campaign_id", campaignID.String(),
		"recipients", rec.Total,
		"terminal_events", rec.Terminal)
	return rec, nil
}
