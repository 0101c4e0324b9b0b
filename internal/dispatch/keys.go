package dispatch

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const DefaultKeyPrefix = "bulk-mail"

// Keys builds every key the engine writes to the shared store.
type Keys struct {
	prefix string
}

func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return Keys{prefix: prefix}
}

func (k Keys) CampaignStatus(campaignID uuid.UUID) string {
	return k.prefix + ":campaign:" + campaignID.String() + ":status"
}

func (k Keys) QueueLock() string {
	return k.prefix + ":queue:lock"
}

func (k Keys) JobLock(job string) string {
	return k.prefix + ":scheduler:" + job + ":lock"
}

func (k Keys) batchPrefix(campaignID uuid.UUID) string {
	return k.prefix + ":queue:mail:send:" + campaignID.String() + ":batch:"
}

// Batch is `{prefix}:queue:mail:send:{campaignId}:batch:{startIndex}`.
func (k Keys) Batch(campaignID uuid.UUID, start int) string {
	return k.batchPrefix(campaignID) + strconv.Itoa(start)
}

func (k Keys) BatchPattern(campaignID uuid.UUID) string {
	return k.batchPrefix(campaignID) + "*"
}

// BatchStart extracts the start offset from a batch key. Retry counters and
// foreign keys report false.
func (k Keys) BatchStart(campaignID uuid.UUID, key string) (int, bool) {
	rest, ok := strings.CutPrefix(key, k.batchPrefix(campaignID))
	if !ok || rest == "" {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func RetryKey(batchKey string) string {
	return batchKey + ":retries"
}
