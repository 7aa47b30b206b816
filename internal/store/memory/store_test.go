package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/blpsettle/internal/domain"
)

func TestAtomicallyCommits(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	err := s.Atomically(ctx, func(r domain.Repos) error {
		if err := r.Pool().Save(ctx, domain.LiquidityPool{TotalLiquidity: 100}); err != nil {
			return err
		}
		return r.Positions().Create(ctx, domain.Position{ID: "p1", Status: domain.PositionStatusOpen})
	})
	require.NoError(t, err)

	p, err := s.Pool().Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), p.TotalLiquidity)
	_, err = s.Positions().GetByID(ctx, "p1")
	assert.NoError(t, err)
}

func TestAtomicallyRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.Pool().Save(ctx, domain.LiquidityPool{TotalLiquidity: 100}))

	boom := errors.New("boom")
	err := s.Atomically(ctx, func(r domain.Repos) error {
		require.NoError(t, r.Pool().Save(ctx, domain.LiquidityPool{TotalLiquidity: 1}))
		require.NoError(t, r.Withdrawals().Create(ctx, domain.WithdrawRequest{ID: 1, Status: domain.WithdrawStatusPending}))
		require.NoError(t, r.Audit().Log(ctx, "x", nil))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	p, err := s.Pool().Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), p.TotalLiquidity)
	_, err = s.Withdrawals().GetByID(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	entries, err := s.Audit().List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWithdrawalsListPendingInQueueOrder(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	for _, id := range []uint64{3, 1, 4, 2} {
		require.NoError(t, s.Withdrawals().Create(ctx, domain.WithdrawRequest{ID: id, Status: domain.WithdrawStatusPending}))
	}
	assert.ErrorIs(t, s.Withdrawals().Create(ctx, domain.WithdrawRequest{ID: 2}), domain.ErrAlreadyExists)

	done, err := s.Withdrawals().GetByID(ctx, 1)
	require.NoError(t, err)
	done.Status = domain.WithdrawStatusFulfilled
	require.NoError(t, s.Withdrawals().Update(ctx, done))

	pending, err := s.Withdrawals().ListPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, uint64(2), pending[0].ID)
	assert.Equal(t, uint64(3), pending[1].ID)

	assert.ErrorIs(t, s.Withdrawals().Update(ctx, domain.WithdrawRequest{ID: 9}), domain.ErrNotFound)
}

func TestPositionsListing(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	alice, bob := common.HexToHash("0xa"), common.HexToHash("0xb")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, p := range []domain.Position{
		{ID: "a1", Owner: alice, Status: domain.PositionStatusOpen, OpenedAt: base},
		{ID: "a2", Owner: alice, Status: domain.PositionStatusClosed, OpenedAt: base.Add(time.Hour)},
		{ID: "b1", Owner: bob, Status: domain.PositionStatusOpen, OpenedAt: base.Add(2 * time.Hour)},
	} {
		require.NoError(t, s.Positions().Create(ctx, p), i)
	}

	mine, err := s.Positions().ListByOwner(ctx, alice, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "a2", mine[0].ID)

	open, err := s.Positions().ListOpen(ctx, domain.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "b1", open[0].ID)
}

func TestJournalRetention(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.Settlements().Insert(ctx, domain.SettlementRecord{ID: "s1", PositionID: "p", SettledAt: old}))
	require.NoError(t, s.Settlements().Insert(ctx, domain.SettlementRecord{ID: "s2", PositionID: "p", SettledAt: time.Now()}))

	cutoff := time.Now().Add(-time.Hour)
	aged, err := s.Settlements().ListBefore(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, aged, 1)
	assert.Equal(t, "s1", aged[0].ID)

	n, err := s.Settlements().DeleteBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := s.Settlements().ListByPosition(ctx, "p")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "s2", left[0].ID)
}

func TestLedger(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	user := domain.UserAccount(common.HexToHash("0x1"))

	_, err := l.Mint(ctx, domain.AssetCollateral, user, 100)
	require.NoError(t, err)

	moved, err := l.Transfer(ctx, domain.AssetCollateral, user, domain.PoolAccount(), 60)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), moved)

	_, err = l.Transfer(ctx, domain.AssetCollateral, user, domain.PoolAccount(), 41)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	bal, _ := l.Balance(ctx, domain.AssetCollateral, domain.PoolAccount())
	assert.Equal(t, uint64(60), bal)
	bal, _ = l.Balance(ctx, domain.AssetBLP, domain.PoolAccount())
	assert.Zero(t, bal)

	_, err = l.Burn(ctx, domain.AssetCollateral, user, 40)
	require.NoError(t, err)
	bal, _ = l.Balance(ctx, domain.AssetCollateral, user)
	assert.Zero(t, bal)
}
