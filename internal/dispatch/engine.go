// Package dispatch moves campaigns from SENDING to COMPLETED: it partitions
// audiences into batch work items, drains them under a shared single-flight
// lock, retries failed batches a bounded number of times, and reconciles
// completion from recorded mail events.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/internal/repository"
	"github.com/jwalitptl/bulk-mail/pkg/kvstore"
	"github.com/jwalitptl/bulk-mail/pkg/logger"
	"github.com/jwalitptl/bulk-mail/pkg/mailer"
	"github.com/jwalitptl/bulk-mail/pkg/messaging"
	"github.com/jwalitptl/bulk-mail/pkg/metrics"
)

type Config struct {
	KeyPrefix        string
	BatchSize        int
	ChunkSize        int
	MaxRetries       int
	PollInterval     time.Duration
	LockTTL          time.Duration
	CampaignsPerTick int
	InstanceID       string
	DefaultSender    Sender
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.CampaignsPerTick <= 0 {
		c.CampaignsPerTick = DefaultCampaignsPerTick
	}
	if c.InstanceID == "" {
		host, _ := os.Hostname()
		c.InstanceID = host + "-" + uuid.NewString()[:8]
	}
	return c
}

// Deps are the collaborators the engine drives. Publisher and Links are optional.
type Deps struct {
	Campaigns  repository.CampaignRepository
	Recipients repository.RecipientRepository
	Events     repository.MailEventRepository
	KV         kvstore.Store
	Transport  mailer.Transport
	Renderer   Renderer
	Links      LinkBuilder
	Publisher  messaging.Publisher
	Logger     *logger.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

type Engine struct {
	cfg        Config
	keys       Keys
	campaigns  repository.CampaignRepository
	recipients repository.RecipientRepository
	events     repository.MailEventRepository
	kv         kvstore.Store
	logger     *logger.Logger
	metrics    *metrics.Metrics

	Machine     *StateMachine
	Partitioner *Partitioner
	Queue       *Queue
	Executor    *Executor
	Retry       *RetryPolicy
	Completion  *CompletionDetector
	Poller      *Poller
}

func NewEngine(cfg Config, deps Deps) *Engine {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New("bulk_mail")
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}

	log := deps.Logger.WithFields(map[string]interface{}{"instance_id": cfg.InstanceID})
	keys := NewKeys(cfg.KeyPrefix)
	queue := NewQueue(deps.KV, keys)

	partitioner := &Partitioner{
		recipients: deps.Recipients,
		queue:      queue,
		keys:       keys,
		batchSize:  cfg.BatchSize,
		sender:     cfg.DefaultSender,
		logger:     log,
	}
	machine := &StateMachine{
		campaigns:   deps.Campaigns,
		kv:          deps.KV,
		keys:        keys,
		partitioner: partitioner,
		publisher:   deps.Publisher,
		logger:      log,
		metrics:     deps.Metrics,
		now:         deps.Now,
	}
	completion := &CompletionDetector{
		campaigns:  deps.Campaigns,
		recipients: deps.Recipients,
		events:     deps.Events,
		machine:    machine,
		logger:     log,
	}
	executor := &Executor{
		queue:      queue,
		recipients: deps.Recipients,
		events:     deps.Events,
		renderer:   deps.Renderer,
		links:      deps.Links,
		transport:  deps.Transport,
		completion: completion,
		chunkSize:  cfg.ChunkSize,
		logger:     log,
		metrics:    deps.Metrics,
		now:        deps.Now,
	}
	retry := &RetryPolicy{
		kv:         deps.KV,
		queue:      queue,
		maxRetries: cfg.MaxRetries,
		logger:     log,
		metrics:    deps.Metrics,
	}
	poller := &Poller{
		interval:         cfg.PollInterval,
		campaignsPerTick: cfg.CampaignsPerTick,
		lock:             NewLock(deps.KV, keys.QueueLock(), cfg.LockTTL),
		campaigns:        deps.Campaigns,
		queue:            queue,
		executor:         executor,
		retry:            retry,
		completion:       completion,
		logger:           log,
		metrics:          deps.Metrics,
	}

	return &Engine{
		cfg:         cfg,
		keys:        keys,
		campaigns:   deps.Campaigns,
		recipients:  deps.Recipients,
		events:      deps.Events,
		kv:          deps.KV,
		logger:      log,
		metrics:     deps.Metrics,
		Machine:     machine,
		Partitioner: partitioner,
		Queue:       queue,
		Executor:    executor,
		Retry:       retry,
		Completion:  completion,
		Poller:      poller,
	}
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Keys() Keys {
	return e.keys
}

func (e *Engine) Start(ctx context.Context) {
	e.Poller.Start(ctx)
}

func (e *Engine) Stop() {
	e.Poller.Stop()
}

// TransitionStatus applies a status change through the state machine.
func (e *Engine) TransitionStatus(ctx context.Context, campaignID uuid.UUID, status model.CampaignStatus, scheduledAt *time.Time) (*model.Campaign, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	return e.Machine.Transition(ctx, campaignID, status, scheduledAt)
}

type EnqueueResult struct {
	Accepted bool            `json:"accepted"`
	Campaign *model.Campaign `json:"campaign"`
}

// EnqueueCampaign moves a DRAFT or SCHEDULED campaign into SENDING. A campaign
// already SENDING is reported as not accepted.
func (e *Engine) EnqueueCampaign(ctx context.Context, campaignID uuid.UUID) (EnqueueResult, error) {
	c, err := e.campaigns.Get(ctx, campaignID)
	if err != nil {
		return EnqueueResult{}, err
	}
	if c.Status == model.CampaignStatusSending {
		return EnqueueResult{Accepted: false, Campaign: c}, nil
	}

	updated, err := e.Machine.transition(ctx, c, model.CampaignStatusSending, nil)
	if errors.Is(err, repository.ErrStatusConflict) {
		// Lost a race with another enqueue; report the current state.
		current, getErr := e.campaigns.Get(ctx, campaignID)
		if getErr != nil {
			return EnqueueResult{}, getErr
		}
		return EnqueueResult{Accepted: false, Campaign: current}, nil
	}
	if err != nil {
		return EnqueueResult{}, err
	}
	return EnqueueResult{Accepted: true, Campaign: updated}, nil
}

func (e *Engine) PendingBatchCount(ctx context.Context, campaignID uuid.UUID) (int, error) {
	return e.Queue.Count(ctx, campaignID)
}

// Diagnostics describes dispatch progress. Stalled marks a SENDING campaign
// with nothing left to poll whose audience is not fully covered, which is what
// abandoned batches look like.
type Diagnostics struct {
	CampaignID       uuid.UUID            `json:"campaign_id"`
	Status           model.CampaignStatus `json:"status"`
	PendingBatches   int                  `json:"pending_batches"`
	Recipients       int                  `json:"recipients"`
	ActiveRecipients int                  `json:"active_recipients"`
	TerminalEvents   int                  `json:"terminal_events"`
	Covered          int                  `json:"covered_recipients"`
	Events           model.EventTally     `json:"events"`
	Stalled          bool                 `json:"stalled"`
	CachedStatus     string               `json:"cached_status,omitempty"`
}

func (e *Engine) Diagnostics(ctx context.Context, campaignID uuid.UUID) (*Diagnostics, error) {
	c, err := e.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	d := &Diagnostics{CampaignID: c.ID, Status: c.Status}
	if d.PendingBatches, err = e.Queue.Count(ctx, campaignID); err != nil {
		return nil, err
	}
	if d.Recipients, err = e.recipients.CountLinked(ctx, campaignID); err != nil {
		return nil, err
	}
	active, err := e.recipients.ResolveActiveIDs(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	d.ActiveRecipients = len(active)
	covered, err := e.events.TerminalRecipients(ctx, campaignID, active)
	if err != nil {
		return nil, err
	}
	d.Covered = len(covered)
	if d.TerminalEvents, err = e.events.CountTerminalRecipients(ctx, campaignID); err != nil {
		return nil, err
	}
	if d.Events, err = e.events.Tally(ctx, campaignID); err != nil {
		return nil, err
	}
	if cached, err := e.kv.Get(ctx, e.keys.CampaignStatus(campaignID)); err == nil {
		d.CachedStatus = cached
	}

	d.Stalled = c.Status == model.CampaignStatusSending &&
		d.PendingBatches == 0 &&
		d.Covered < d.ActiveRecipients
	return d, nil
}

// Forget drops every key the engine holds for a campaign: pending batches,
// their retry counters and the status mirror. Used when a campaign is deleted.
func (e *Engine) Forget(ctx context.Context, campaignID uuid.UUID) error {
	keys, err := e.Queue.Pending(ctx, campaignID)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := e.Queue.Remove(ctx, key); err != nil {
			return err
		}
	}
	return e.kv.Delete(ctx, e.keys.CampaignStatus(campaignID))
}
