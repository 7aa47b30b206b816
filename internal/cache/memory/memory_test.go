package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/alanyoungcy/blpsettle/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLockManager(t *testing.T) {
	ctx := context.Background()
	lm := NewLockManager()

	unlock, err := lm.Acquire(ctx, "pool:blp", time.Second)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "pool:blp", 20*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	other, err := lm.Acquire(ctx, "position:1", 20*time.Millisecond)
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	again, err := lm.Acquire(ctx, "pool:blp", 20*time.Millisecond)
	require.NoError(t, err)
	again()
}

func TestSignalBusFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewSignalBus()

	exact, err := bus.Subscribe(ctx, domain.ChannelPool)
	require.NoError(t, err)
	wild, err := bus.Subscribe(ctx, "*")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, domain.ChannelPool, []byte("a")))
	require.NoError(t, bus.Publish(ctx, domain.ChannelMarkets, []byte("b")))

	assert.Equal(t, []byte("a"), <-exact)
	assert.Equal(t, []byte("a"), <-wild)
	assert.Equal(t, []byte("b"), <-wild)

	cancel()
	for range exact {
	}
	for range wild {
	}
}

func TestSignalBusStreams(t *testing.T) {
	ctx := context.Background()
	bus := NewSignalBus()
	for _, p := range []string{"1", "2", "3"} {
		require.NoError(t, bus.StreamAppend(ctx, domain.StreamSettlements, []byte(p)))
	}

	first, err := bus.StreamRead(ctx, domain.StreamSettlements, "0", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	rest, err := bus.StreamRead(ctx, domain.StreamSettlements, first[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, []byte("3"), rest[0].Payload)
}

func TestRateLimiterWindow(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter(2)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "k", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := rl.Allow(ctx, "k", 2, time.Minute)
	assert.False(t, ok)
	ok, _ = rl.Allow(ctx, "other", 2, time.Minute)
	assert.True(t, ok)

	now = now.Add(61 * time.Second)
	ok, _ = rl.Allow(ctx, "k", 2, time.Minute)
	assert.True(t, ok)
}

func TestRateLimiterForgetsIdleKeys(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter(10)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	for _, key := range []string{"a", "b", "c"} {
		ok, err := rl.Allow(ctx, key, 10, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Len(t, rl.hits, 3)

	now = now.Add(30 * time.Second)
	_, _ = rl.Allow(ctx, "a", 10, time.Minute)
	assert.Len(t, rl.hits, 3)

	now = now.Add(45 * time.Second)
	_, _ = rl.Allow(ctx, "a", 10, time.Minute)
	assert.Len(t, rl.hits, 1)
	assert.Contains(t, rl.hits, "a")

	ok, _ := rl.Allow(ctx, "z", 0, time.Minute)
	assert.False(t, ok)
	assert.NotContains(t, rl.hits, "z")
}
