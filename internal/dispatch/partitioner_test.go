package dispatch

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/bulk-mail/internal/model"
)

func TestChunk(t *testing.T) {
	in := make([]uuid.UUID, 7)
	for i := range in {
		in[i] = uuid.New()
	}

	chunks := Chunk(in, 3)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 3)
	assert.Len(t, chunks[2], 1)
	assert.Equal(t, in[6], chunks[2][0])

	assert.Empty(t, Chunk(nil, 3))
	assert.Len(t, Chunk(in, 0), 1)
}

func coverage(t *testing.T, h *harness, id uuid.UUID) []uuid.UUID {
	t.Helper()
	var all []uuid.UUID
	for _, k := range h.batchKeys(id) {
		all = append(all, h.batch(k).RecipientIDs...)
	}
	return all
}

func TestPartitioner_RerunDoesNotDuplicate(t *testing.T) {
	h := newHarness(t, withBatchSize(3))
	ctx := context.Background()
	rs := h.recipients(7, model.RecipientStatusActive)
	c := h.campaign(model.CampaignStatusSending, rs)

	first, err := h.engine.Partitioner.Enqueue(ctx, c)
	require.NoError(t, err)
	second, err := h.engine.Partitioner.Enqueue(ctx, c)
	require.NoError(t, err)

	assert.Equal(t, first.Keys, second.Keys)
	assert.Equal(t, 3, second.Batches)
	assert.Equal(t, 7, second.Recipients)

	covered := coverage(t, h, c.ID)
	assert.Len(t, covered, 7)
	assert.ElementsMatch(t, ids(rs), covered)
}

func TestPartitioner_ShrunkAudienceDropsTail(t *testing.T) {
	h := newHarness(t, withBatchSize(2))
	ctx := context.Background()
	rs := h.recipients(5, model.RecipientStatusActive)
	c := h.campaign(model.CampaignStatusSending, rs)

	_, err := h.engine.Partitioner.Enqueue(ctx, c)
	require.NoError(t, err)
	require.Len(t, h.batchKeys(c.ID), 3)

	require.NoError(t, h.store.Recipients().SetStatus(ctx, rs[0].ID, model.RecipientStatusUnsubscribed))

	res, err := h.engine.Partitioner.Enqueue(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Batches)

	keys := h.batchKeys(c.ID)
	assert.Len(t, keys, 2)
	assert.False(t, hasKey(keys, ":batch:4"))
	assert.ElementsMatch(t, ids(rs[1:]), coverage(t, h, c.ID))
}

func TestPartitioner_SkipsUnsubscribed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	active := h.recipients(2, model.RecipientStatusActive)
	gone := h.recipients(1, model.RecipientStatusUnsubscribed)
	c := h.campaign(model.CampaignStatusSending, append(active, gone...))

	res, err := h.engine.Partitioner.Enqueue(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Recipients)
	assert.ElementsMatch(t, ids(active), coverage(t, h, c.ID))
}

func TestPartitioner_CampaignSenderWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := &model.Campaign{
		Name:        "own sender",
		Subject:     "s",
		TemplateID:  h.tpl.ID,
		SenderEmail: "team@acme.io",
		ReplyTo:     "support@acme.io",
		Status:      model.CampaignStatusSending,
	}
	require.NoError(t, h.store.Campaigns().Create(ctx, c, ids(h.recipients(1, model.RecipientStatusActive)), nil))

	res, err := h.engine.Partitioner.Enqueue(ctx, c)
	require.NoError(t, err)

	p := h.batch(res.Keys[0])
	assert.Equal(t, "team@acme.io", p.SenderEmail)
	assert.Equal(t, "News", p.SenderName)
	assert.Equal(t, "support@acme.io", p.ReplyTo)
}

func TestKeys(t *testing.T) {
	k := NewKeys("")
	id := uuid.MustParse("6f1c1d8e-8f5e-4a7b-9c55-2f3d0b8a1e10")

	assert.Equal(t, "bulk-mail:campaign:"+id.String()+":status", k.CampaignStatus(id))
	assert.Equal(t, "bulk-mail:queue:mail:send:"+id.String()+":batch:2000", k.Batch(id, 2000))

	start, ok := k.BatchStart(id, k.Batch(id, 2000))
	assert.True(t, ok)
	assert.Equal(t, 2000, start)

	_, ok = k.BatchStart(id, RetryKey(k.Batch(id, 0)))
	assert.False(t, ok)
	_, ok = k.BatchStart(id, NewKeys("other").Batch(id, 0))
	assert.False(t, ok)

	assert.Equal(t, "mail:queue:lock", NewKeys("mail").QueueLock())
}

func TestQueue_PendingIsNumericallyOrdered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := uuid.New()
	k := h.engine.Keys()

	for _, start := range []int{2000, 0, 10000, 1000} {
		require.NoError(t, h.engine.Queue.Put(ctx, k.Batch(id, start), &BatchPayload{CampaignID: id, BatchIndex: start}))
	}
	require.NoError(t, h.kv.Set(ctx, RetryKey(k.Batch(id, 0)), "1", 0))

	keys := h.batchKeys(id)
	assert.Equal(t, []string{k.Batch(id, 0), k.Batch(id, 1000), k.Batch(id, 2000), k.Batch(id, 10000)}, keys)

	require.NoError(t, h.engine.Queue.Remove(ctx, k.Batch(id, 0)))
	_, err := h.kv.Get(ctx, RetryKey(k.Batch(id, 0)))
	assert.Error(t, err)

	n, err := h.engine.PendingBatchCount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestQueue_LoadStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Queue.Load(ctx, "bulk-mail:queue:mail:send:x:batch:0")
	assert.ErrorIs(t, err, ErrStaleBatch)

	require.NoError(t, h.kv.Set(ctx, "garbage", "{not json", 0))
	_, err = h.engine.Queue.Load(ctx, "garbage")
	assert.ErrorIs(t, err, ErrStaleBatch)
}
