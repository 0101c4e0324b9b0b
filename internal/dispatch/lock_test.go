package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/bulk-mail/pkg/kvstore"
)

func TestLock_AcquireRelease(t *testing.T) {
	kv := kvstore.NewMemoryStore(time.Minute)
	ctx := context.Background()
	a := NewLock(kv, "bulk-mail:queue:lock", time.Minute)
	b := NewLock(kv, "bulk-mail:queue:lock", time.Minute)

	token, ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, token)

	_, ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx, token))

	_, ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLock_ReleaseByNonHolder(t *testing.T) {
	kv := kvstore.NewMemoryStore(time.Minute)
	ctx := context.Background()
	l := NewLock(kv, "lock", time.Minute)

	token, ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, l.Release(ctx, "someone-else"), ErrLockNotHeld)

	held, err := kv.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, token, held)
}

func TestLock_ExpiredHolderCannotReleaseNewOwner(t *testing.T) {
	kv := kvstore.NewMemoryStore(time.Minute)
	ctx := context.Background()
	l := NewLock(kv, "lock", 20*time.Millisecond)

	stale, ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	fresh, ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, l.Release(ctx, stale), ErrLockNotHeld)
	require.NoError(t, l.Release(ctx, fresh))
}

func TestLock_DoReleasesAfterError(t *testing.T) {
	kv := kvstore.NewMemoryStore(time.Minute)
	l := NewLock(kv, "lock", time.Minute)
	boom := errors.New("boom")

	acquired, err := l.Do(context.Background(), func(context.Context) error { return boom })
	assert.True(t, acquired)
	assert.ErrorIs(t, err, boom)

	_, err = kv.Get(context.Background(), "lock")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestLock_DoReleasesAfterCancel(t *testing.T) {
	kv := kvstore.NewMemoryStore(time.Minute)
	l := NewLock(kv, "lock", time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	acquired, err := l.Do(ctx, func(context.Context) error {
		cancel()
		return nil
	})
	assert.True(t, acquired)
	assert.NoError(t, err)

	_, err = kv.Get(context.Background(), "lock")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestLock_DoContended(t *testing.T) {
	kv := kvstore.NewMemoryStore(time.Minute)
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "lock", "other", time.Minute))

	called := false
	acquired, err := NewLock(kv, "lock", time.Minute).Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.False(t, acquired)
	assert.NoError(t, err)
	assert.False(t, called)
}
