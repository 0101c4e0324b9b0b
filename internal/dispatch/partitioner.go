package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/internal/repository"
	"github.com/jwalitptl/bulk-mail/pkg/logger"
)

const DefaultBatchSize = 1000

// Chunk splits ids into consecutive slices of at most size elements.
func Chunk(ids []uuid.UUID, size int) [][]uuid.UUID {
	if size <= 0 {
		size = DefaultBatchSize
	}
	chunks := make([][]uuid.UUID, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

type PartitionResult struct {
	Recipients int
	Batches    int
	Keys       []string
}

// Partitioner turns a campaign's audience into batch work items. Keys derive
// from the start offset, so re-running it overwrites instead of duplicating.
type Partitioner struct {
	recipients repository.RecipientRepository
	queue      *Queue
	keys       Keys
	batchSize  int
	sender     Sender
	logger     *logger.Logger
}

// Sender is the fallback From identity for campaigns that leave it blank.
type Sender struct {
	Email string
	Name  string
}

func (p *Partitioner) Enqueue(ctx context.Context, c *model.Campaign) (PartitionResult, error) {
	ids, err := p.recipients.ResolveActiveIDs(ctx, c.ID)
	if err != nil {
		return PartitionResult{}, err
	}

	res := PartitionResult{Recipients: len(ids)}
	written := make(map[string]struct{})
	for i, chunk := range Chunk(ids, p.batchSize) {
		start := i * p.batchSize
		key := p.keys.Batch(c.ID, start)
		payload := &BatchPayload{
			CampaignID:   c.ID,
			BatchIndex:   start,
			RecipientIDs: chunk,
			TemplateID:   c.TemplateID,
			Subject:      c.Subject,
			SenderEmail:  firstNonEmpty(c.SenderEmail, p.sender.Email),
			SenderName:   firstNonEmpty(c.SenderName, p.sender.Name),
			ReplyTo:      c.ReplyTo,
		}
		if err := p.queue.Put(ctx, key, payload); err != nil {
			return PartitionResult{}, fmt.Errorf("failed to write batch %s: %w", key, err)
		}
		written[key] = struct{}{}
		res.Keys = append(res.Keys, key)
	}
	res.Batches = len(res.Keys)

	// A shrunken audience can leave keys from an earlier run past the new tail.
	existing, err := p.queue.Pending(ctx, c.ID)
	if err != nil {
		return PartitionResult{}, err
	}
	for _, key := range existing {
		if _, ok := written[key]; ok {
			continue
		}
		if err := p.queue.Remove(ctx, key); err != nil {
			return PartitionResult{}, fmt.Errorf("failed to drop stale batch %s: %w", key, err)
		}
	}

	p.logger.Info("campaign partitioned",
		"campaign_id", c.ID.String(),
		"recipients", res.Recipients,
		"batches", res.Batches)
	return res, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
