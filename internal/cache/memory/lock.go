// Package memory provides in-process lock, pub/sub and rate-limit
// implementations for dev mode and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/blpsettle/internal/domain"
)

// LockManager implements domain.LockManager with one semaphore per key.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLockManager returns a LockManager with no locks held.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]chan struct{})}
}

func (lm *LockManager) sem(key string) chan struct{} {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	ch, ok := lm.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		lm.locks[key] = ch
	}
	return ch
}

// Acquire waits at most ttl for key and fails with domain.ErrLockHeld
// after that.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	ch := lm.sem(key)
	timer := time.NewTimer(ttl)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", domain.ErrLockHeld, key)
	case <-ctx.Done():
		return nil, errors.Join(domain.ErrLockHeld, ctx.Err())
	}

	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}

var _ domain.LockManager = (*LockManager)(nil)
