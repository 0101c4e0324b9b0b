package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/internal/repository"
	"github.com/jwalitptl/bulk-mail/pkg/kvstore"
	"github.com/jwalitptl/bulk-mail/pkg/logger"
	"github.com/jwalitptl/bulk-mail/pkg/messaging"
	"github.com/jwalitptl/bulk-mail/pkg/metrics"
)

var transitions = map[model.CampaignStatus][]model.CampaignStatus{
	model.CampaignStatusDraft:     {model.CampaignStatusScheduled, model.CampaignStatusSending, model.CampaignStatusCancelled},
	model.CampaignStatusScheduled: {model.CampaignStatusSending, model.CampaignStatusCancelled},
	model.CampaignStatusSending:   {model.CampaignStatusCompleted, model.CampaignStatusFailed},
	model.CampaignStatusCompleted: {},
	model.CampaignStatusCancelled: {model.CampaignStatusDraft},
	model.CampaignStatusFailed:    {model.CampaignStatusDraft},
}

func AllowedTransitions(from model.CampaignStatus) []model.CampaignStatus {
	return append([]model.CampaignStatus(nil), transitions[from]...)
}

func CanTransition(from, to model.CampaignStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateMachine is the only writer of campaign status.
type StateMachine struct {
	campaigns   repository.CampaignRepository
	kv          kvstore.Store
	keys        Keys
	partitioner *Partitioner
	publisher   messaging.Publisher
	logger      *logger.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

func (m *StateMachine) Transition(ctx context.Context, campaignID uuid.UUID, to model.CampaignStatus, scheduledAt *time.Time) (*model.Campaign, error) {
	c, err := m.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return m.transition(ctx, c, to, scheduledAt)
}

func (m *StateMachine) transition(ctx context.Context, c *model.Campaign, to model.CampaignStatus, scheduledAt *time.Time) (*model.Campaign, error) {
	if !CanTransition(c.Status, to) {
		return nil, &TransitionError{From: c.Status, To: to}
	}

	change := model.StatusChange{From: c.Status, To: to}
	switch to {
	case model.CampaignStatusScheduled:
		if scheduledAt == nil {
			scheduledAt = c.ScheduledAt
		}
		if scheduledAt == nil {
			return nil, ErrScheduleMissing
		}
		change.ScheduledAt = scheduledAt
	case model.CampaignStatusCompleted:
		now := m.now()
		change.CompletedAt = &now
	}

	updated, err := m.write(ctx, c.ID, change)
	if err != nil {
		return nil, err
	}

	if to == model.CampaignStatusSending {
		return m.startSending(ctx, updated)
	}
	return updated, nil
}

// write persists first and mirrors second, so the cache may lag but never lead.
func (m *StateMachine) write(ctx context.Context, id uuid.UUID, change model.StatusChange) (*model.Campaign, error) {
	updated, err := m.campaigns.UpdateStatus(ctx, id, change)
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return nil, fmt.Errorf("move campaign %s from %s to %s: %w", id, change.From, change.To, err)
		}
		return nil, fmt.Errorf("failed to persist campaign status: %w", err)
	}

	if err := m.kv.Set(ctx, m.keys.CampaignStatus(id), string(change.To), 0); err != nil {
		m.logger.Warn("failed to mirror campaign status",
			"campaign_id", id.String(),
			"status", string(change.To),
			"error", err.Error())
	}
	m.metrics.CampaignTransitions.WithLabelValues(string(change.From), string(change.To)).Inc()
	m.logger.Info("campaign status changed",
		"campaign_id", id.String(),
		"from", string(change.From),
		"to", string(change.To))
	return updated, nil
}

// startSending partitions the audience. An empty audience completes immediately
// and never reaches the poller. A campaign that cannot be partitioned is moved
// to FAILED, since SENDING without batch keys would never progress.
func (m *StateMachine) startSending(ctx context.Context, c *model.Campaign) (*model.Campaign, error) {
	res, err := m.partitioner.Enqueue(ctx, c)
	if err != nil {
		err = fmt.Errorf("failed to partition campaign %s: %w", c.ID, err)
		m.abortSending(ctx, c.ID, err)
		return nil, err
	}

	now := m.now()
	if res.Recipients == 0 {
		return m.write(ctx, c.ID, model.StatusChange{
			From:        model.CampaignStatusSending,
			To:          model.CampaignStatusCompleted,
			SentAt:      &now,
			CompletedAt: &now,
		})
	}

	if err := m.campaigns.SetSentAt(ctx, c.ID, now); err != nil {
		return nil, err
	}
	c.SentAt = &now

	if m.publisher != nil {
		msg := messaging.CampaignQueued{
			CampaignID: c.ID.String(),
			BatchCount: res.Batches,
			Recipients: res.Recipients,
			EnqueuedAt: now,
		}
		if err := m.publisher.Publish(ctx, messaging.TopicMailQueue, msg); err != nil {
			m.logger.Warn("failed to publish campaign queued notification",
				"campaign_id", c.ID.String(),
				"error", err.Error())
		}
	}
	return c, nil
}

// abortSending drops whatever batch keys were written and fails the campaign.
func (m *StateMachine) abortSending(ctx context.Context, id uuid.UUID, cause error) {
	if keys, err := m.partitioner.queue.Pending(ctx, id); err == nil {
		for _, key := range keys {
			if err := m.partitioner.queue.Remove(ctx, key); err != nil {
				m.logger.Warn("failed to drop partial batch", "batch_key", key, "error", err.Error())
			}
		}
	}
	if _, err := m.write(ctx, id, model.StatusChange{
		From: model.CampaignStatusSending,
		To:   model.CampaignStatusFailed,
	}); err != nil {
		m.logger.Error(err, "failed to mark unpartitioned campaign as failed", "campaign_id", id.String())
		return
	}
	m.logger.Error(cause, "campaign failed before dispatch", "campaign_id", id.String())
}
