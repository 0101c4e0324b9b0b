package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jwalitptl/bulk-mail/pkg/kvstore"
	"github.com/jwalitptl/bulk-mail/pkg/logger"
	"github.com/jwalitptl/bulk-mail/pkg/metrics"
)

const DefaultMaxRetries = 3

type RetryDecision int

const (
	// RetryScheduled leaves the batch in place for the next tick.
	RetryScheduled RetryDecision = iota + 1
	// RetryAbandoned dropped the batch and its counter.
	RetryAbandoned
)

func (d RetryDecision) String() string {
	switch d {
	case RetryScheduled:
		return "scheduled"
	case RetryAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// RetryPolicy bounds how often one batch may fail at the batch boundary.
// The counter holds the number of failed attempts so far; the attempt that
// reaches maxRetries abandons the batch.
type RetryPolicy struct {
	kv         kvstore.Store
	queue      *Queue
	maxRetries int
	logger     *logger.Logger
	metrics    *metrics.Metrics
}

func (r *RetryPolicy) Attempts(ctx context.Context, batchKey string) (int, error) {
	raw, err := r.kv.Get(ctx, RetryKey(batchKey))
	if errors.Is(err, kvstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		// A garbled counter restarts the count rather than wedging the batch.
		return 0, nil
	}
	return n, nil
}

func (r *RetryPolicy) HandleFailure(ctx context.Context, batchKey string, cause error) (RetryDecision, error) {
	r.metrics.BatchesFailed.Inc()

	failed, err := r.Attempts(ctx, batchKey)
	if err != nil {
		return 0, fmt.Errorf("failed to read retry counter: %w", err)
	}
	attempts := failed + 1

	if attempts >= r.maxRetries {
		if err := r.queue.Remove(ctx, batchKey); err != nil {
			return 0, fmt.Errorf("failed to abandon batch: %w", err)
		}
		r.metrics.BatchesAbandoned.Inc()
		r.logger.Error(cause, "batch permanently failed, abandoning",
			"batch_key", batchKey,
			"attempts", attempts,
			"max_retries", r.maxRetries)
		return RetryAbandoned, nil
	}

	if err := r.kv.Set(ctx, RetryKey(batchKey), strconv.Itoa(attempts), 0); err != nil {
		return 0, fmt.Errorf("failed to persist retry counter: %w", err)
	}
	r.metrics.BatchRetries.Inc()
	r.logger.Warn("batch failed, will retry",
		"batch_key", batchKey,
		"attempts", attempts,
		"max_retries", r.maxRetries,
		"error", cause.Error())
	return RetryScheduled, nil
}
