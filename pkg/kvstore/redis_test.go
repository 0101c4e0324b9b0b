package kvstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/bulk-mail/pkg/metrics"
)

// Runs against a real server when TEST_REDIS_URL is set.
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	s, err := NewRedisStore(context.Background(), RedisConfig{URL: url}, metrics.New("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisStoreLockLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStore(t)
	key := "test:lock:" + uuid.NewString()

	ok, err := s.SetIfNotExists(ctx, key, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetIfNotExists(ctx, key, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := s.CompareAndDelete(ctx, key, "b")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = s.CompareAndDelete(ctx, key, "a")
	require.NoError(t, err)
	assert.True(t, released)

	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStore(t)
	prefix := "test:" + uuid.NewString()

	require.NoError(t, s.Set(ctx, prefix+":batch:0", "{}", time.Minute))
	require.NoError(t, s.Set(ctx, prefix+":batch:1000", "{}", time.Minute))
	t.Cleanup(func() { _ = s.Delete(ctx, prefix+":batch:0", prefix+":batch:1000") })

	keys, err := s.Keys(ctx, prefix+":batch:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{prefix + ":batch:0", prefix + ":batch:1000"}, keys)
}
