package service

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/alanyoungcy/blpsettle/internal/domain"
)

func TestKeeperDrainsQueueOnceCashReturns(t *testing.T) {
	proto := testProtocol()
	proto.ReserveBps = 1_000
	f := newFixture(t, proto)
	f.deposit(t, 1_000_000)
	pos := f.open(t, true, 5_000_000, 500_000)
	_, err := f.pool.Withdraw(f.ctx, WithdrawRequest{Owner: provider, LPAmount: 800_000})
	require.NoError(t, err)

	k := NewKeeper(f.pool, nil, KeeperConfig{QueueBatch: 10}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := k.DrainQueue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Closing flat releases the reserve and returns the fee share to the pool.
	_, err = f.settlements.Close(f.ctx, CloseRequest{PositionID: pos.ID, ExitPrice: price100})
	require.NoError(t, err)
	assert.Equal(t, uint64(503_500), f.poolRecord(t).TotalLiquidity)

	n, err = k.DrainQueue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	req, err := f.pool.Request(f.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawStatusFulfilled, req.Status)
	assert.Zero(t, req.RemainingLP)
	assert.Equal(t, uint64(802_100), req.PaidOut)

	p := f.poolRecord(t)
	assert.Equal(t, uint64(1), p.WithdrawQueueTail)
	assert.Zero(t, p.QueueDepth())
	assert.Zero(t, p.PendingLPTokens)
	assert.Zero(t, f.balance(t, domain.AssetBLP, domain.LPEscrowAccount()))
	assert.Equal(t, uint64(999_802_100), f.balance(t, domain.AssetCollateral, domain.UserAccount(provider)))

	n, err = k.DrainQueue(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type countingArchiver struct {
	settlements atomic.Int32
	audit       atomic.Int32
	before      atomic.Value
}

func (a *countingArchiver) ArchiveSettlements(_ context.Context, before time.Time) (int64, error) {
	a.settlements.Add(1)
	a.before.Store(before)
	return 0, nil
}

func (a *countingArchiver) ArchiveAudit(_ context.Context, _ time.Time) (int64, error) {
	a.audit.Add(1)
	return 0, nil
}

func TestKeeperRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, testProtocol())
	arch := &countingArchiver{}
	k := NewKeeper(f.pool, arch, KeeperConfig{
		QueueInterval:   5 * time.Millisecond,
		QueueBatch:      10,
		ArchiveInterval: 5 * time.Millisecond,
		Retention:       24 * time.Hour,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	require.Eventually(t, func() bool {
		return arch.settlements.Load() > 0 && arch.audit.Load() > 0
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("keeper did not stop")
	}
	assert.Equal(t, f.clock.Now().Add(-24*time.Hour), arch.before.Load())
}

var _ domain.Archiver = (*countingArchiver)(nil)
