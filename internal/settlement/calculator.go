// Package settlement computes the cash-flow waterfall of closing or
// liquidating a position. Everything here is pure: callers load state,
// resolve configuration, execute the returned transfers and then apply the
// result with UpdatePositionAfterSettlement.
package settlement

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/blpsettle/internal/domain"
	"github.com/alanyoungcy/blpsettle/internal/fixedpoint"
)

// Calculate settles sizeToClose units of pos at exitPrice. Accrued funding
// and borrow are settled in full on every call, partial or not; the caller
// must roll the market indices into pos immediately beforehand.
//
// Bad debt and uncollected fees are reported in the result, never as errors.
func Calculate(
	pos domain.Position,
	sizeToClose, exitPrice uint64,
	mode domain.ClosingType,
	params Params,
	rebalanceFeeOwed uint64,
) (domain.SettlementDetails, error) {
	if !pos.IsOpen() {
		return domain.SettlementDetails{}, domain.ErrPositionAlreadyClosed
	}
	if sizeToClose == 0 || sizeToClose > pos.Size {
		return domain.SettlementDetails{}, fmt.Errorf("%w: size to close %d, position size %d", domain.ErrInvalidInput, sizeToClose, pos.Size)
	}
	if err := params.validate(); err != nil {
		return domain.SettlementDetails{}, err
	}

	collateralClosed := pos.Collateral
	if sizeToClose < pos.Size {
		c, err := fixedpoint.MulDiv(pos.Collateral, sizeToClose, pos.Size)
		if err != nil {
			return domain.SettlementDetails{}, fmt.Errorf("settlement: proportional collateral: %w", err)
		}
		collateralClosed = c
	}

	pnl, err := domain.RealizedPnL(pos.IsLong, pos.EntryPrice, exitPrice, sizeToClose)
	if err != nil {
		return domain.SettlementDetails{}, fmt.Errorf("settlement: pnl: %w", err)
	}

	equity, err := equityOf(collateralClosed, pnl, pos.FundingAccumulated, pos.BorrowAccumulated)
	if err != nil {
		return domain.SettlementDetails{}, fmt.Errorf("settlement: equity: %w", err)
	}

	notional, err := domain.Notional(sizeToClose, exitPrice, pos.EntryPrice)
	if err != nil {
		return domain.SettlementDetails{}, fmt.Errorf("settlement: notional: %w", err)
	}
	baseFee, err := fixedpoint.CalcFee(notional, params.feeBps(mode))
	if err != nil {
		return domain.SettlementDetails{}, fmt.Errorf("settlement: base fee: %w", err)
	}
	totalFees, err := fixedpoint.Add(baseFee, rebalanceFeeOwed)
	if err != nil {
		return domain.SettlementDetails{}, fmt.Errorf("settlement: total fees: %w", err)
	}

	d := domain.SettlementDetails{
		Mode:                mode,
		CollateralClosed:    collateralClosed,
		PnL:                 pnl,
		FundingAccumulated:  pos.FundingAccumulated,
		BorrowAccumulated:   pos.BorrowAccumulated,
		Equity:              equity,
		BaseFee:             baseFee,
		RebalanceFee:        rebalanceFeeOwed,
		TotalFees:           totalFees,
		CollateralToRelease: collateralClosed,
	}

	if equity < 0 {
		return insolvent(d)
	}
	return solvent(d, uint64(equity), params.TreasuryCutBps)
}

// insolvent sweeps all released collateral to the pool and reports the
// shortfall plus every fee as bad debt.
func insolvent(d domain.SettlementDetails) (domain.SettlementDetails, error) {
	var shortfall uint64
	if loss := fixedpoint.Magnitude(d.Equity); loss > d.CollateralClosed {
		shortfall = loss - d.CollateralClosed
	}
	badDebt, err := fixedpoint.Add(shortfall, d.TotalFees)
	if err != nil {
		return domain.SettlementDetails{}, fmt.Errorf("settlement: bad debt: %w", err)
	}
	d.BadDebtAmount = badDebt
	d.UncollectedFee = d.TotalFees
	d.EscrowToPool = d.CollateralClosed
	return d, nil
}

// solvent collects fees first, capped at equity, then pays the user from
// escrow and tops up from the pool when escrow cannot cover the payout.
func solvent(d domain.SettlementDetails, equity, treasuryCutBps uint64) (domain.SettlementDetails, error) {
	collectible := fixedpoint.Min(d.TotalFees, equity)
	d.UncollectedFee = d.TotalFees - collectible
	d.BadDebtAmount = d.UncollectedFee

	feeToTreasury, err := fixedpoint.Percentage(collectible, treasuryCutBps, fixedpoint.BPSDivisor)
	if err != nil {
		return domain.SettlementDetails{}, fmt.Errorf("settlement: treasury cut: %w", err)
	}
	d.FeeToTreasury = feeToTreasury
	d.FeeToBLP = collectible - feeToTreasury

	netCollateral, err := fixedpoint.Sub(d.CollateralClosed, feeToTreasury)
	if err != nil {
		return domain.SettlementDetails{}, fmt.Errorf("settlement: treasury fee %d exceeds released collateral %d: %w",
			feeToTreasury, d.CollateralClosed, err)
	}
	d.EscrowToTreasury = feeToTreasury

	if d.Mode == domain.ClosingTypeLiquidation {
		d.EscrowToPool = netCollateral
		return d, nil
	}

	userTotal := equity - collectible
	d.UserPayout = userTotal
	d.EscrowToUser = fixedpoint.Min(netCollateral, userTotal)
	d.PoolToUser = userTotal - d.EscrowToUser
	d.EscrowToPool = netCollateral - d.EscrowToUser
	return d, nil
}

func equityOf(collateral uint64, pnl, funding, borrow int64) (int64, error) {
	eq, err := fixedpoint.ToSigned(collateral)
	if err != nil {
		return 0, err
	}
	for _, v := range []int64{pnl, funding, borrow} {
		if eq, err = fixedpoint.AddSigned(eq, v); err != nil {
			return 0, err
		}
	}
	return eq, nil
}

// UpdatePositionAfterSettlement applies a completed settlement: size and
// collateral shrink by the closed portion and both accumulators reset.
// Reaching zero size sets the terminal status.
func UpdatePositionAfterSettlement(
	pos *domain.Position,
	sizeToClose, collateralReleased, exitPrice uint64,
	mode domain.ClosingType,
	now time.Time,
) error {
	if !pos.IsOpen() {
		return domain.ErrPositionAlreadyClosed
	}
	if sizeToClose == 0 || sizeToClose > pos.Size {
		return fmt.Errorf("%w: closing %d of %d", domain.ErrInvalidPositionSize, sizeToClose, pos.Size)
	}
	collateral, err := fixedpoint.Sub(pos.Collateral, collateralReleased)
	if err != nil {
		return fmt.Errorf("settlement: release %d of %d collateral: %w", collateralReleased, pos.Collateral, err)
	}

	pos.Size -= sizeToClose
	pos.Collateral = collateral
	pos.FundingAccumulated = 0
	pos.BorrowAccumulated = 0
	pos.UpdatedAt = now

	if pos.Size == 0 {
		pos.Status = domain.PositionStatusClosed
		if mode == domain.ClosingTypeLiquidation {
			pos.Status = domain.PositionStatusLiquidated
		}
		pos.ClosePrice = exitPrice
		closed := now
		pos.ClosedAt = &closed
	}
	return nil
}
