package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jwalitptl/bulk-mail/internal/dispatch"
	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/internal/repository"
	"github.com/jwalitptl/bulk-mail/pkg/kvstore"
	"github.com/jwalitptl/bulk-mail/pkg/logger"
	"github.com/jwalitptl/bulk-mail/pkg/metrics"
)

const (
	JobDueCampaigns   = "due-campaigns"
	JobStaleScheduled = "stale-scheduled"
)

type SchedulerConfig struct {
	DueSpec     string
	CleanupSpec string
	// StaleAfter is how long past its scheduled time a SCHEDULED campaign may linger before it is cancelled.
	StaleAfter time.Duration
	Timezone   string
	BatchLimit int
	JobTimeout time.Duration
	LockTTL    time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.DueSpec == "" {
		c.DueSpec = "* * * * *"
	}
	if c.CleanupSpec == "" {
		c.CleanupSpec = "0 0 * * *"
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * 24 * time.Hour
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Minute
	}
	return c
}

// StatusTransitioner applies campaign status changes through the state machine.
type StatusTransitioner interface {
	TransitionStatus(ctx context.Context, campaignID uuid.UUID, status model.CampaignStatus, scheduledAt *time.Time) (*model.Campaign, error)
}

// Scheduler runs the time-based campaign jobs. Each run takes a per-job lock
// in the shared store so only one instance acts on a given minute.
type Scheduler struct {
	mu sync.Mutex

	cfg       SchedulerConfig
	parser    cron.Parser
	c         *cron.Cron
	campaigns repository.CampaignRepository
	engine    StatusTransitioner
	kv        kvstore.Store
	keys      dispatch.Keys
	logger    *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewScheduler(
	cfg SchedulerConfig,
	campaigns repository.CampaignRepository,
	engine StatusTransitioner,
	kv kvstore.Store,
	keys dispatch.Keys,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *Scheduler {
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		campaigns: campaigns,
		engine:    engine,
		kv:        kv,
		keys:      keys,
		logger:    logger,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the jobs and starts the cron loop. A second call is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	loc := time.UTC
	if s.cfg.Timezone != "" {
		l, err := time.LoadLocation(s.cfg.Timezone)
		if err != nil {
			return fmt.Errorf("invalid scheduler timezone %q: %w", s.cfg.Timezone, err)
		}
		loc = l
	}

	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(s.logger),
		cron.WithChain(cron.Recover(s.logger), cron.SkipIfStillRunning(s.logger)),
	)
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) (int, error)
	}{
		{JobDueCampaigns, s.cfg.DueSpec, s.RunDueCampaigns},
		{JobStaleScheduled, s.cfg.CleanupSpec, s.RunStaleCleanup},
	}
	for _, j := range jobs {
		j := j
		if _, err := c.AddFunc(j.spec, func() { s.runJob(ctx, j.name, j.run) }); err != nil {
			return fmt.Errorf("invalid schedule %q for %s: %w", j.spec, j.name, err)
		}
	}

	s.c = c
	c.Start()
	s.logger.Info("scheduler started", "tz", loc.String(), "due_spec", s.cfg.DueSpec, "cleanup_spec", s.cfg.CleanupSpec)
	return nil
}

// Stop waits for running jobs. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

func (s *Scheduler) runJob(parent context.Context, name string, run func(context.Context) (int, error)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.cfg.JobTimeout)
	defer cancel()

	lock := dispatch.NewLock(s.kv, s.keys.JobLock(name), s.cfg.LockTTL)
	var moved int
	acquired, err := lock.Do(ctx, func(ctx context.Context) error {
		var err error
		moved, err = run(ctx)
		return err
	})

	switch {
	case err != nil:
		s.metrics.SchedulerRuns.WithLabelValues(name, "error").Inc()
		s.logger.Error(err, "scheduled job failed", "job", name)
	case !acquired:
		s.metrics.SchedulerRuns.WithLabelValues(name, "contended").Inc()
	default:
		s.metrics.SchedulerRuns.WithLabelValues(name, "ok").Inc()
		if moved > 0 {
			s.logger.Info("scheduled job finished", "job", name, "campaigns", moved)
		}
	}
}

// RunDueCampaigns starts every SCHEDULED campaign whose time has come.
func (s *Scheduler) RunDueCampaigns(ctx context.Context) (int, error) {
	due, err := s.campaigns.ListScheduledBefore(ctx, s.now(), s.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list due campaigns: %w", err)
	}
	return s.moveAll(ctx, due, model.CampaignStatusSending), nil
}

// RunStaleCleanup cancels SCHEDULED campaigns whose time passed long ago.
func (s *Scheduler) RunStaleCleanup(ctx context.Context) (int, error) {
	stale, err := s.campaigns.ListScheduledBefore(ctx, s.now().Add(-s.cfg.StaleAfter), s.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale campaigns: %w", err)
	}
	return s.moveAll(ctx, stale, model.CampaignStatusCancelled), nil
}

// moveAll keeps going past per-campaign failures.
func (s *Scheduler) moveAll(ctx context.Context, campaigns []*model.Campaign, to model.CampaignStatus) int {
	moved := 0
	for _, c := range campaigns {
		_, err := s.engine.TransitionStatus(ctx, c.ID, to, nil)
		switch {
		case err == nil:
			moved++
			s.logger.Info("scheduled campaign moved", "campaign_id", c.ID.String(), "to", string(to))
		case errors.Is(err, repository.ErrStatusConflict), errors.Is(err, dispatch.ErrInvalidTransition):
			// Moved by a user or another instance since it was listed.
			s.logger.Debug("scheduled campaign already moved", "campaign_id", c.ID.String())
		default:
			s.logger.Error(err, "failed to move scheduled campaign", "campaign_id", c.ID.String(), "to", string(to))
		}
	}
	return moved
}
