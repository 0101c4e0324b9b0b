package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/bulk-mail/pkg/kvstore"
)

const DefaultLockTTL = 30 * time.Minute

const releaseTimeout = 5 * time.Second

// Lock is an advisory single-flight lock on one key. The stored value is a
// per-acquisition token and release only deletes a key still holding it.
type Lock struct {
	kv  kvstore.Store
	key string
	ttl time.Duration
}

func NewLock(kv kvstore.Store, key string, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Lock{kv: kv, key: key, ttl: ttl}
}

func (l *Lock) Key() string {
	return l.key
}

// Acquire returns the holder token on success. Contention is ("", false, nil).
func (l *Lock) Acquire(ctx context.Context) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.kv.SetIfNotExists(ctx, l.key, token, l.ttl)
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release returns ErrLockNotHeld when the key expired or now belongs to someone else.
func (l *Lock) Release(ctx context.Context, token string) error {
	ok, err := l.kv.CompareAndDelete(ctx, l.key, token)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if !ok {
		return ErrLockNotHeld
	}
	return nil
}

// Do runs fn while holding the lock and always releases it afterwards, even
// when ctx was cancelled during fn.
func (l *Lock) Do(ctx context.Context, fn func(context.Context) error) (acquired bool, err error) {
	token, ok, err := l.Acquire(ctx)
	if err != nil || !ok {
		return false, err
	}

	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if relErr := l.Release(relCtx, token); relErr != nil && err == nil {
			err = relErr
		}
	}()

	return true, fn(ctx)
}
