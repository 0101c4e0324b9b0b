// Package kvstore is the shared key-value store used for cross-instance
// coordination: queue locks, batch work items and retry counters.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a string key-value store with per-key expiry. A ttl <= 0 means no expiry.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetIfNotExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	// Keys lists keys matching a glob pattern (`*`, `?`, `[...]`).
	Keys(ctx context.Context, pattern string) ([]string, error)
	// CompareAndDelete removes key only while it still holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	Close() error
}
