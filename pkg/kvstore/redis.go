package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jwalitptl/bulk-mail/pkg/metrics"
)

const scanCount = 200

var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisConfig struct {
	URL          string
	MaxRetries   int
	RetryBackoff time.Duration
	PoolSize     int
	MinIdleConns int
}

// RedisStore is the multi-instance Store.
type RedisStore struct {
	client  redis.UniversalClient
	metrics *metrics.Metrics
}

func NewRedisStore(ctx context.Context, config RedisConfig, m *metrics.Metrics) (*RedisStore, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Configure connection pooling
	if config.MaxRetries > 0 {
		opts.MaxRetries = config.MaxRetries
	}
	if config.RetryBackoff > 0 {
		opts.MinRetryBackoff = config.RetryBackoff
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	opts.MinIdleConns = config.MinIdleConns

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreFromClient(client, m), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient, m *metrics.Metrics) *RedisStore {
	return &RedisStore{client: client, metrics: m}
}

func (s *RedisStore) observe(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil && !errors.Is(err, ErrNotFound) {
		status = "error"
	}
	s.metrics.KVOperations.WithLabelValues(op, status).Inc()
	s.metrics.KVLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func ttlArg(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl
}

func (s *RedisStore) Get(ctx context.Context, key string) (val string, err error) {
	defer func(start time.Time) { s.observe("get", start, err) }(time.Now())

	val, err = s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) (err error) {
	defer func(start time.Time) { s.observe("set", start, err) }(time.Now())

	if err = s.client.Set(ctx, key, value, ttlArg(ttl)).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetIfNotExists(ctx context.Context, key, value string, ttl time.Duration) (ok bool, err error) {
	defer func(start time.Time) { s.observe("setnx", start, err) }(time.Now())

	ok, err = s.client.SetNX(ctx, key, value, ttlArg(ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) (err error) {
	if len(keys) == 0 {
		return nil
	}
	defer func(start time.Time) { s.observe("del", start, err) }(time.Now())

	if err = s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// Keys walks the keyspace with SCAN so large keyspaces never block the server.
func (s *RedisStore) Keys(ctx context.Context, pattern string) (keys []string, err error) {
	defer func(start time.Time) { s.observe("scan", start, err) }(time.Now())

	seen := make(map[string]struct{})
	iter := s.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		// SCAN may return a key more than once.
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if err = iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", pattern, err)
	}
	return keys, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (ok bool, err error) {
	defer func(start time.Time) { s.observe("cad", start, err) }(time.Now())

	n, err := compareAndDelete.Run(ctx, s.client, []string{key}, expected).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
