package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/blpsettle/internal/domain"
)

// RateLimiter implements domain.RateLimiter with a sliding window of
// timestamps per key. Keys with no hits inside the longest window seen are
// swept at most once per that window.
type RateLimiter struct {
	mu        sync.Mutex
	hits      map[string][]time.Time
	perMinute int
	now       func() time.Time

	maxWindow time.Duration
	nextSweep time.Time
}

// NewRateLimiter returns a limiter whose Wait admits perMinute requests per
// key per minute.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &RateLimiter{hits: make(map[string][]time.Time), perMinute: perMinute, now: time.Now}
}

func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	cutoff := now.Add(-window)
	rl.sweep(now, window)

	kept := rl.hits[key][:0]
	for _, t := range rl.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		if len(kept) == 0 {
			delete(rl.hits, key)
		} else {
			rl.hits[key] = kept
		}
		return false, nil
	}
	rl.hits[key] = append(kept, now)
	return true, nil
}

// sweep drops keys whose newest hit has left the longest window. Callers
// hold rl.mu.
func (rl *RateLimiter) sweep(now time.Time, window time.Duration) {
	rl.maxWindow = max(rl.maxWindow, window)
	if now.Before(rl.nextSweep) {
		return
	}
	cutoff := now.Add(-rl.maxWindow)
	for key, ts := range rl.hits {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(rl.hits, key)
		}
	}
	rl.nextSweep = now.Add(rl.maxWindow)
}

func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	for {
		ok, err := rl.Allow(ctx, key, rl.perMinute, time.Minute)
		if err != nil || ok {
			return err
		}
		timer := time.NewTimer(50 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("memory: rate limit wait %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
