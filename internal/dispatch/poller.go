package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/internal/repository"
	"github.com/jwalitptl/bulk-mail/pkg/logger"
	"github.com/jwalitptl/bulk-mail/pkg/metrics"
)

const (
	DefaultPollInterval     = 10 * time.Second
	DefaultCampaignsPerTick = 5
)

type TickReport struct {
	SkippedInFlight  bool
	LockAcquired     bool
	CampaignsScanned int
	BatchesExecuted  int
	Completed        int
	Stalled          int
}

// Poller drains pending batches. Every instance runs one; the shared queue
// lock lets only one of them work per tick.
type Poller struct {
	interval         time.Duration
	campaignsPerTick int
	lock             *Lock
	campaigns        repository.CampaignRepository
	queue            *Queue
	executor         *Executor
	retry            *RetryPolicy
	completion       *CompletionDetector
	logger           *logger.Logger
	metrics          *metrics.Metrics

	inFlight atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches the ticker loop. Calling it while running is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(loopCtx, p.done)
	p.logger.Info("queue poller started", "interval", p.interval.String())
}

// Stop ends the loop and waits for an in-flight tick to finish. Safe to call
// repeatedly or without Start.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Info("queue poller stopped")
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A tick in progress is never interrupted mid-batch.
			p.Tick(context.WithoutCancel(ctx))
		}
	}
}

// Tick runs one poll cycle.
func (p *Poller) Tick(ctx context.Context) TickReport {
	var report TickReport

	if !p.inFlight.CompareAndSwap(false, true) {
		report.SkippedInFlight = true
		p.metrics.PollerTicks.WithLabelValues("in_flight").Inc()
		return report
	}
	defer p.inFlight.Store(false)

	acquired, err := p.lock.Do(ctx, func(ctx context.Context) error {
		timer := prometheus.NewTimer(p.metrics.TickLatency)
		defer timer.ObserveDuration()
		return p.process(ctx, &report)
	})
	report.LockAcquired = acquired

	switch {
	case err != nil:
		p.metrics.PollerTicks.WithLabelValues("error").Inc()
		p.logger.Error(err, "poll tick failed")
	case !acquired:
		p.metrics.LockAcquisitions.WithLabelValues("contended").Inc()
		p.metrics.PollerTicks.WithLabelValues("contended").Inc()
	default:
		p.metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
		p.metrics.PollerTicks.WithLabelValues("processed").Inc()
	}
	return report
}

func (p *Poller) process(ctx context.Context, report *TickReport) error {
	campaigns, err := p.campaigns.ListByStatus(ctx, model.CampaignStatusSending, p.campaignsPerTick)
	if err != nil {
		return err
	}
	report.CampaignsScanned = len(campaigns)

	pending := 0
	for _, c := range campaigns {
		n, err := p.processCampaign(ctx, c, report)
		if err != nil {
			p.logger.Error(err, "failed to process campaign", "campaign_id", c.ID.String())
			continue
		}
		pending += n
	}
	p.metrics.PendingBatches.Set(float64(pending))
	return nil
}

// processCampaign executes at most one batch and returns how many were pending.
func (p *Poller) processCampaign(ctx context.Context, c *model.Campaign, report *TickReport) (int, error) {
	keys, err := p.queue.Pending(ctx, c.ID)
	if err != nil {
		return 0, err
	}

	if len(keys) == 0 {
		rec, err := p.completion.Reconcile(ctx, c.ID)
		if err != nil {
			return 0, err
		}
		if rec.Completed {
			report.Completed++
		} else if rec.Status == model.CampaignStatusSending {
			report.Stalled++
			p.logger.Warn("campaign has no pending batches but is not fully covered",
				"campaign_id", c.ID.String(),
				"recipients", rec.Total,
				"covered", rec.Covered)
		}
		return 0, nil
	}

	key := keys[0]
	_, err = p.executor.Execute(ctx, key)
	var batchErr *BatchError
	if err == nil || errors.As(err, &batchErr) {
		report.BatchesExecuted++
	}
	if err == nil || errors.Is(err, ErrStaleBatch) {
		return len(keys), nil
	}

	decision, retryErr := p.retry.HandleFailure(ctx, key, err)
	if retryErr != nil {
		return len(keys), retryErr
	}
	p.logger.Debug("batch failure handled",
		"campaign_id", c.ID.String(),
		"batch_key", key,
		"decision", decision.String())
	return len(keys), nil
}
