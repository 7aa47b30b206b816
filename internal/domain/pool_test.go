package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolApplyQueuedAdvancesTailOnlyWhenConsumed(t *testing.T) {
	p := LiquidityPool{TotalLiquidity: 1_000, TotalShares: 1_000}
	id, err := p.ApplyEnqueue(400)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	req := WithdrawRequest{ID: id, RemainingLP: 400, Status: WithdrawStatusPending}

	require.NoError(t, p.ApplyQueued(&req, 100, 100, 1))
	assert.Equal(t, uint64(0), p.WithdrawQueueTail)
	assert.Equal(t, uint64(300), req.RemainingLP)
	assert.Equal(t, uint64(99), req.PaidOut)
	assert.Equal(t, uint64(300), p.PendingLPTokens)

	require.NoError(t, p.ApplyQueued(&req, 300, 300, 3))
	assert.Equal(t, uint64(1), p.WithdrawQueueTail)
	assert.Equal(t, WithdrawStatusFulfilled, req.Status)
	assert.Equal(t, uint64(600), p.TotalLiquidity)
	assert.Equal(t, uint64(600), p.TotalShares)
	assert.Zero(t, p.PendingLPTokens)
	assert.Zero(t, p.QueueDepth())
}

func TestPoolApplyQueuedRejectsOutOfOrder(t *testing.T) {
	p := LiquidityPool{TotalLiquidity: 1_000, TotalShares: 1_000}
	for i := 0; i < 2; i++ {
		_, err := p.ApplyEnqueue(10)
		require.NoError(t, err)
	}
	req := WithdrawRequest{ID: 2, RemainingLP: 10}
	assert.ErrorIs(t, p.ApplyQueued(&req, 10, 10, 0), ErrInvalidInput)
	assert.Equal(t, uint64(1_000), p.TotalLiquidity)
}

func TestPoolApplySettlement(t *testing.T) {
	p := LiquidityPool{TotalLiquidity: 100, TotalShares: 100}
	require.NoError(t, p.ApplySettlement(50, 120))
	assert.Equal(t, uint64(30), p.TotalLiquidity)
	assert.ErrorIs(t, p.ApplySettlement(0, 31), ErrInsufficientLiquidity)
	assert.Equal(t, uint64(30), p.TotalLiquidity)

	require.NoError(t, p.RecordBadDebt(7))
	assert.Equal(t, uint64(7), p.CumulativeBadDebt)
	assert.Equal(t, uint64(30), p.TotalLiquidity)
}

func TestEffective(t *testing.T) {
	override := uint64(25)
	assert.Equal(t, uint64(25), Effective(&override, 10))
	assert.Equal(t, uint64(10), Effective[uint64](nil, 10))
}

func TestParseID(t *testing.T) {
	id := BasketIDFromSymbol("tech")
	assert.Equal(t, id, BasketIDFromSymbol(" TECH "))

	got, err := ParseID(id.Hex())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = ParseID("0x1234")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = ParseID("not-hex")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestPoolSettlementKeepsSharesBacked(t *testing.T) {
	p := LiquidityPool{TotalLiquidity: 1_000, TotalShares: 1_000}
	assert.ErrorIs(t, p.ApplySettlement(0, 1_000), ErrInsufficientLiquidity)
	assert.Equal(t, uint64(1_000), p.TotalLiquidity)

	require.NoError(t, p.ApplySettlement(0, 999))
	assert.Equal(t, uint64(1), p.TotalLiquidity)

	empty := LiquidityPool{}
	require.NoError(t, empty.ApplySettlement(10, 10))
	assert.Zero(t, empty.TotalLiquidity)
}

func TestPoolSettlementLeavesQueuedSharesTheirValue(t *testing.T) {
	p := LiquidityPool{TotalLiquidity: 2_000, TotalShares: 1_000}
	_, err := p.ApplyEnqueue(400)
	require.NoError(t, err)

	owed, err := p.PendingLiquidity()
	require.NoError(t, err)
	assert.Equal(t, uint64(800), owed)

	capacity, err := p.SettlementCapacity(100)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_300), capacity)

	assert.ErrorIs(t, p.ApplySettlement(100, 1_301), ErrInsufficientLiquidity)
	require.NoError(t, p.ApplySettlement(100, 1_300))
	assert.Equal(t, uint64(800), p.TotalLiquidity)
}
