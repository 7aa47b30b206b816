package service

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/blpsettle/internal/domain"
)

func TestCloseRunsTransfersInOrderAndBooksActuals(t *testing.T) {
	f := newFixture(t, testProtocol())
	f.deposit(t, 1_000_000_000)
	pos := f.open(t, true, 10_000_000, 1_000_000)
	f.ledger.reset()

	out, err := f.settlements.Close(f.ctx, CloseRequest{PositionID: pos.ID, ExitPrice: 110_000_000})
	require.NoError(t, err)

	escrow, user := domain.EscrowAccount(pos.ID).String(), domain.UserAccount(trader).String()
	assert.Equal(t, []string{
		escrow + ">treasury",
		escrow + ">" + user,
		"pool>" + user,
	}, f.ledger.recorded())

	d := out.Record.Details
	assert.Equal(t, int64(1_000_000), d.PnL)
	assert.Equal(t, uint64(11_000), d.TotalFees)
	assert.Equal(t, uint64(3_300), d.FeeToTreasury)
	assert.Equal(t, uint64(7_700), d.FeeToBLP)
	assert.Equal(t, domain.TransferAmounts{
		EscrowToTreasury: 3_300,
		EscrowToUser:     996_700,
		PoolToUser:       992_300,
	}, out.Record.Actual)

	assert.Equal(t, domain.PositionStatusClosed, out.Position.Status)
	assert.Zero(t, out.Position.Size)
	assert.Zero(t, out.Position.Collateral)
	assert.Equal(t, uint64(110_000_000), out.Position.ClosePrice)

	p := f.poolRecord(t)
	assert.Equal(t, uint64(999_007_700), p.TotalLiquidity)
	assert.Equal(t, uint64(11_000), p.CumulativeFees)
	assert.Equal(t, p.TotalLiquidity, f.balance(t, domain.AssetCollateral, domain.PoolAccount()))
	assert.Equal(t, uint64(1_000_989_000), f.balance(t, domain.AssetCollateral, domain.UserAccount(trader)))
	assert.Equal(t, uint64(3_300), f.balance(t, domain.AssetCollateral, domain.TreasuryAccount()))
	assert.Zero(t, f.balance(t, domain.AssetCollateral, domain.EscrowAccount(pos.ID)))

	recs, err := f.settlements.ListByPosition(f.ctx, pos.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, out.Record.ID, recs[0].ID)

	msgs, err := f.bus.StreamRead(f.ctx, domain.StreamSettlements, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var streamed domain.SettlementRecord
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &streamed))
	assert.Equal(t, out.Record.ID, streamed.ID)

	_, err = f.settlements.Close(f.ctx, CloseRequest{PositionID: pos.ID, ExitPrice: 110_000_000})
	assert.ErrorIs(t, err, domain.ErrPositionAlreadyClosed)
}

func TestPartialCloseSettlesAllAccruedCharges(t *testing.T) {
	f := newFixture(t, testProtocol())
	f.deposit(t, 1_000_000_000)
	pos := f.open(t, true, 10_000_000, 1_000_000)
	_, err := f.markets.PostRates(f.ctx, f.basket, 10, 5)
	require.NoError(t, err)
	f.clock.advance(time.Hour)

	out, err := f.settlements.Close(f.ctx, CloseRequest{PositionID: pos.ID, Size: 5_000_000, ExitPrice: price100})
	require.NoError(t, err)

	d := out.Record.Details
	assert.Equal(t, int64(-10_000), d.FundingAccumulated)
	assert.Equal(t, int64(-5_000), d.BorrowAccumulated)
	assert.Equal(t, uint64(500_000), d.CollateralClosed)
	assert.Equal(t, int64(485_000), d.Equity)
	assert.Equal(t, uint64(480_000), out.Record.Actual.EscrowToUser)
	assert.Equal(t, uint64(18_500), out.Record.Actual.EscrowToPool)

	left := out.Position
	assert.Equal(t, domain.PositionStatusOpen, left.Status)
	assert.Equal(t, uint64(5_000_000), left.Size)
	assert.Equal(t, uint64(500_000), left.Collateral)
	assert.Zero(t, left.FundingAccumulated)
	assert.Zero(t, left.BorrowAccumulated)
	assert.Equal(t, int64(1_001_000), left.LastFundingIndex)
	assert.Equal(t, int64(1_000_500), left.LastBorrowIndex)

	stored, err := f.positions.Get(f.ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, left, stored)
	assert.Equal(t, uint64(1_000_018_500), f.poolRecord(t).TotalLiquidity)
}

func TestQuoteMatchesCloseWithoutSideEffects(t *testing.T) {
	f := newFixture(t, testProtocol())
	f.deposit(t, 1_000_000_000)
	pos := f.open(t, false, 10_000_000, 1_000_000)
	f.ledger.reset()

	quote, err := f.settlements.Quote(f.ctx, CloseRequest{PositionID: pos.ID, ExitPrice: 90_000_000})
	require.NoError(t, err)
	assert.Empty(t, f.ledger.recorded())
	stored, err := f.positions.Get(f.ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, pos, stored)

	out, err := f.settlements.Close(f.ctx, CloseRequest{PositionID: pos.ID, ExitPrice: 90_000_000})
	require.NoError(t, err)
	assert.Equal(t, quote, out.Record.Details)
}

func TestCloseRejectsLiquidationMode(t *testing.T) {
	f := newFixture(t, testProtocol())
	pos := f.open(t, true, 10_000_000, 1_000_000)

	_, err := f.settlements.Close(f.ctx, CloseRequest{PositionID: pos.ID, ExitPrice: price100, Mode: domain.ClosingTypeLiquidation})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCloseFailsBeforeTransfersWhenPoolCannotPay(t *testing.T) {
	f := newFixture(t, testProtocol())
	f.deposit(t, 100_000)
	pos := f.open(t, true, 10_000_000, 1_000_000)
	f.ledger.reset()

	_, err := f.settlements.Close(f.ctx, CloseRequest{PositionID: pos.ID, ExitPrice: 110_000_000})
	require.ErrorIs(t, err, domain.ErrInsufficientLiquidity)
	assert.Empty(t, f.ledger.recorded())

	stored, err := f.positions.Get(f.ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsOpen())
	assert.Equal(t, uint64(1_000_000), f.balance(t, domain.AssetCollateral, domain.EscrowAccount(pos.ID)))
}

func TestLiquidateRejectsHealthyPosition(t *testing.T) {
	f := newFixture(t, testProtocol())
	f.deposit(t, 1_000_000_000)
	pos := f.open(t, true, 10_000_000, 1_000_000)
	f.ledger.reset()

	for _, price := range []uint64{price100, 95_000_000} {
		ok, err := f.settlements.Liquidatable(f.ctx, pos.ID, price)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = f.settlements.Liquidate(f.ctx, pos.ID, price)
		assert.ErrorIs(t, err, domain.ErrPositionNotLiquidatable)
	}
	assert.Empty(t, f.ledger.recorded())
	stored, err := f.positions.Get(f.ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsOpen())
}

func TestLiquidateSweepsCollateralToPool(t *testing.T) {
	f := newFixture(t, testProtocol())
	f.deposit(t, 1_000_000_000)
	pos := f.open(t, true, 10_000_000, 1_000_000)

	ok, err := f.settlements.Liquidatable(f.ctx, pos.ID, 94_000_000)
	require.NoError(t, err)
	require.True(t, ok)

	out, err := f.settlements.Liquidate(f.ctx, pos.ID, 94_000_000)
	require.NoError(t, err)

	d := out.Record.Details
	assert.Equal(t, int64(400_000), d.Equity)
	assert.Equal(t, uint64(47_000), d.BaseFee)
	assert.Zero(t, d.BadDebtAmount)
	assert.Equal(t, domain.TransferAmounts{EscrowToTreasury: 14_100, EscrowToPool: 985_900}, out.Record.Actual)
	assert.Equal(t, domain.PositionStatusLiquidated, out.Position.Status)
	assert.Equal(t, uint64(1_000_985_900), f.poolRecord(t).TotalLiquidity)
	assert.Equal(t, []string{"Position liquidated"}, f.alerts.sent())
}

func TestLiquidationWithBadDebt(t *testing.T) {
	f := newFixture(t, testProtocol())
	f.deposit(t, 1_000_000_000)
	pos := f.open(t, true, 10_000_000, 1_000_000)

	out, err := f.settlements.Liquidate(f.ctx, pos.ID, 80_000_000)
	require.NoError(t, err)

	d := out.Record.Details
	assert.Equal(t, int64(-1_000_000), d.Equity)
	assert.Equal(t, uint64(40_000), d.BadDebtAmount)
	assert.Equal(t, uint64(40_000), d.UncollectedFee)
	assert.Equal(t, domain.TransferAmounts{EscrowToPool: 1_000_000}, out.Record.Actual)

	p := f.poolRecord(t)
	assert.Equal(t, uint64(40_000), p.CumulativeBadDebt)
	assert.Equal(t, uint64(1_001_000_000), p.TotalLiquidity)
	assert.ElementsMatch(t, []string{"Bad debt recorded", "Position liquidated"}, f.alerts.sent())
}

func TestCloseMayNotDrainPoolWithSharesOutstanding(t *testing.T) {
	f := newFixture(t, testProtocol())
	f.deposit(t, 992_300)
	pos := f.open(t, true, 10_000_000, 1_000_000)
	f.ledger.reset()

	_, err := f.settlements.Close(f.ctx, CloseRequest{PositionID: pos.ID, ExitPrice: 110_000_000})
	require.ErrorIs(t, err, domain.ErrInsufficientLiquidity)
	assert.Empty(t, f.ledger.recorded())
	assert.Equal(t, uint64(992_300), f.poolRecord(t).TotalLiquidity)
}

func TestCloseMayNotSpendLiquidityOwedToQueue(t *testing.T) {
	proto := testProtocol()
	proto.ReserveBps = 1_000
	f := newFixture(t, proto)
	f.deposit(t, 1_000_000)
	pos := f.open(t, true, 10_000_000, 1_000_000)
	out, err := f.pool.Withdraw(f.ctx, WithdrawRequest{Owner: provider, LPAmount: 900_000})
	require.NoError(t, err)
	require.NotNil(t, out.Queued)
	f.ledger.reset()

	// Cash covers the payout but 900_000 of it belongs to the queued request.
	_, err = f.settlements.Close(f.ctx, CloseRequest{PositionID: pos.ID, ExitPrice: 110_000_000})
	require.ErrorIs(t, err, domain.ErrInsufficientLiquidity)
	assert.Empty(t, f.ledger.recorded())

	stored, err := f.positions.Get(f.ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsOpen())
}
