package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/jwalitptl/bulk-mail/pkg/kvstore"
)

// BatchPayload is the durable work item stored under a batch key.
type BatchPayload struct {
	CampaignID   uuid.UUID   `json:"campaignId"`
	BatchIndex   int         `json:"batchIndex"`
	RecipientIDs []uuid.UUID `json:"recipientIds"`
	TemplateID   uuid.UUID   `json:"templateId"`
	Subject      string      `json:"subject"`
	SenderEmail  string      `json:"senderEmail"`
	SenderName   string      `json:"senderName"`
	ReplyTo      string      `json:"replyTo,omitempty"`
}

// Queue stores batch work items in the shared store.
type Queue struct {
	kv   kvstore.Store
	keys Keys
}

func NewQueue(kv kvstore.Store, keys Keys) *Queue {
	return &Queue{kv: kv, keys: keys}
}

func (q *Queue) Put(ctx context.Context, key string, p *BatchPayload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	return q.kv.Set(ctx, key, string(raw), 0)
}

// Load returns ErrStaleBatch when the key is gone or its payload is unusable.
func (q *Queue) Load(ctx context.Context, key string) (*BatchPayload, error) {
	raw, err := q.kv.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrStaleBatch
	}
	if err != nil {
		return nil, err
	}

	var p BatchPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStaleBatch, err)
	}
	if p.CampaignID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing campaign id", ErrStaleBatch)
	}
	return &p, nil
}

// Remove deletes a batch key together with its retry counter.
func (q *Queue) Remove(ctx context.Context, key string) error {
	return q.kv.Delete(ctx, key, RetryKey(key))
}

// Pending lists a campaign's batch keys ordered by start offset.
func (q *Queue) Pending(ctx context.Context, campaignID uuid.UUID) ([]string, error) {
	all, err := q.kv.Keys(ctx, q.keys.BatchPattern(campaignID))
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	type entry struct {
		key   string
		start int
	}
	entries := make([]entry, 0, len(all))
	for _, k := range all {
		if start, ok := q.keys.BatchStart(campaignID, k); ok {
			entries = append(entries, entry{key: k, start: start})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].start < entries[j].start })

	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.key
	}
	return keys, nil
}

func (q *Queue) Count(ctx context.Context, campaignID uuid.UUID) (int, error) {
	keys, err := q.Pending(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
