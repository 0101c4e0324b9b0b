package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/pkg/kvstore"
)

func TestPoller_SingleFlightAcrossInstances(t *testing.T) {
	h := newHarness(t)
	h.transport.blocking()
	ctx := context.Background()
	c := h.send(h.campaign(model.CampaignStatusDraft, h.recipients(1, model.RecipientStatusActive)))

	other := h.build()

	first := make(chan TickReport, 1)
	go func() { first <- h.engine.Poller.Tick(ctx) }()

	select {
	case <-h.transport.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first tick never reached the transport")
	}

	second := other.Poller.Tick(ctx)
	assert.False(t, second.LockAcquired)
	assert.Equal(t, 0, second.BatchesExecuted)

	close(h.transport.block)
	report := <-first
	assert.True(t, report.LockAcquired)
	assert.Equal(t, 1, report.BatchesExecuted)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.transport.calls))
	assert.Equal(t, model.CampaignStatusCompleted, h.status(c.ID))

	_, err := h.kv.Get(ctx, h.engine.Keys().QueueLock())
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestPoller_SkipsWhileInFlight(t *testing.T) {
	h := newHarness(t)
	h.transport.blocking()
	ctx := context.Background()
	h.send(h.campaign(model.CampaignStatusDraft, h.recipients(1, model.RecipientStatusActive)))

	first := make(chan TickReport, 1)
	go func() { first <- h.engine.Poller.Tick(ctx) }()
	<-h.transport.started

	report := h.engine.Poller.Tick(ctx)
	assert.True(t, report.SkippedInFlight)
	assert.False(t, report.LockAcquired)

	close(h.transport.block)
	assert.False(t, (<-first).SkippedInFlight)
}

func TestPoller_OneBatchPerCampaignPerTick(t *testing.T) {
	h := newHarness(t, withBatchSize(1))
	ctx := context.Background()
	c := h.send(h.campaign(model.CampaignStatusDraft, h.recipients(3, model.RecipientStatusActive)))

	for want := 2; want >= 0; want-- {
		report := h.engine.Poller.Tick(ctx)
		assert.Equal(t, 1, report.BatchesExecuted)
		assert.Len(t, h.batchKeys(c.ID), want)
	}
	assert.Equal(t, model.CampaignStatusCompleted, h.status(c.ID))

	report := h.engine.Poller.Tick(ctx)
	assert.Equal(t, 0, report.CampaignsScanned)
}

func TestPoller_CampaignsPerTickCap(t *testing.T) {
	h := newHarness(t, withCampaignsPerTick(2))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.send(h.campaign(model.CampaignStatusDraft, h.recipients(1, model.RecipientStatusActive)))
	}

	report := h.engine.Poller.Tick(ctx)
	assert.Equal(t, 2, report.CampaignsScanned)
	assert.Equal(t, 2, report.BatchesExecuted)

	report = h.engine.Poller.Tick(ctx)
	assert.Equal(t, 1, report.CampaignsScanned)
}

func TestPoller_CompletesCampaignWithNoPendingBatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rs := h.recipients(2, model.RecipientStatusActive)
	c := h.campaign(model.CampaignStatusSending, rs)
	recordAll(t, h, c, rs)

	report := h.engine.Poller.Tick(ctx)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, model.CampaignStatusCompleted, h.status(c.ID))
}

func TestPoller_StartStopIdempotent(t *testing.T) {
	h := newHarness(t)
	c := h.send(h.campaign(model.CampaignStatusDraft, h.recipients(1, model.RecipientStatusActive)))

	p := h.engine.Poller
	p.Stop()
	assert.False(t, p.Running())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	p.Start(ctx)
	assert.True(t, p.Running())

	assert.Eventually(t, func() bool {
		return h.status(c.ID) == model.CampaignStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	p.Stop()
	p.Stop()
	assert.False(t, p.Running())
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.transport.calls))

	// Restart after stop works.
	h.engine.Start(ctx)
	assert.True(t, p.Running())
	h.engine.Stop()
	assert.False(t, p.Running())
}

func TestPoller_StopWaitsForRunningBatch(t *testing.T) {
	h := newHarness(t)
	h.transport.blocking()
	c := h.send(h.campaign(model.CampaignStatusDraft, h.recipients(1, model.RecipientStatusActive)))

	h.engine.Start(context.Background())
	<-h.transport.started

	stopped := make(chan struct{})
	go func() {
		h.engine.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a batch was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.transport.block)
	<-stopped
	assert.Equal(t, model.CampaignStatusCompleted, h.status(c.ID))
}

func TestPoller_StaleBatchIsNotCountedAsExecuted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.send(h.campaign(model.CampaignStatusDraft, h.recipients(1, model.RecipientStatusActive)))
	keys := h.batchKeys(c.ID)
	require.Len(t, keys, 1)
	require.NoError(t, h.kv.Set(ctx, keys[0], "not-json", 0))

	report := h.engine.Poller.Tick(ctx)
	require.True(t, report.LockAcquired)
	assert.Zero(t, report.BatchesExecuted)
	assert.Empty(t, h.batchKeys(c.ID))
	assert.Empty(t, h.store.Events(c.ID))
}
