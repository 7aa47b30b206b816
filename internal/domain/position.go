package domain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/blpsettle/internal/fixedpoint"
)

// PositionStatus tracks whether a position is open or terminal.
type PositionStatus string

const (
	PositionStatusOpen       PositionStatus = "open"
	PositionStatusClosed     PositionStatus = "closed"
	PositionStatusLiquidated PositionStatus = "liquidated"
)

// Position is one leveraged exposure on a basket. Size and collateral are in
// collateral-token base units; prices carry 6 decimals.
type Position struct {
	ID                 string         `json:"id"`
	Owner              common.Hash    `json:"owner"`
	BasketID           common.Hash    `json:"basket_id"`
	Size               uint64         `json:"size"`
	Collateral         uint64         `json:"collateral"`
	IsLong             bool           `json:"is_long"`
	EntryPrice         uint64         `json:"entry_price"`
	ClosePrice         uint64         `json:"close_price,omitempty"`
	LastMarkPrice      uint64         `json:"last_mark_price"`
	FundingAccumulated int64          `json:"funding_accumulated"`
	BorrowAccumulated  int64          `json:"borrow_accumulated"`
	LastFundingIndex   int64          `json:"last_funding_index"`
	LastBorrowIndex    int64          `json:"last_borrow_index"`
	LastRebalanceIndex int64          `json:"last_rebalance_index"`
	Status             PositionStatus `json:"status"`
	OpenedAt           time.Time      `json:"opened_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	ClosedAt           *time.Time     `json:"closed_at,omitempty"`
}

// OpenParams describes an opening fill.
type OpenParams struct {
	ID         string
	Owner      common.Hash
	IsLong     bool
	Size       uint64
	Collateral uint64
	EntryPrice uint64
	OpenedAt   time.Time
}

// NewPosition builds an Open position from a fill, snapshotting the
// basket's current indices so accrual starts from the fill.
func NewPosition(p OpenParams, market MarketIndices) (Position, error) {
	if market.State != MarketStateActive {
		return Position{}, ErrMarketNotActive
	}
	if p.Size == 0 {
		return Position{}, fmt.Errorf("%w: size must be positive", ErrInvalidPositionSize)
	}
	if p.EntryPrice == 0 {
		return Position{}, fmt.Errorf("%w: entry price must be positive", ErrInvalidInput)
	}
	if p.Collateral == 0 {
		return Position{}, ErrInsufficientCollateral
	}
	return Position{
		ID:                 p.ID,
		Owner:              p.Owner,
		BasketID:           market.BasketID,
		Size:               p.Size,
		Collateral:         p.Collateral,
		IsLong:             p.IsLong,
		EntryPrice:         p.EntryPrice,
		LastMarkPrice:      p.EntryPrice,
		LastFundingIndex:   market.CumulativeFundingIndex,
		LastBorrowIndex:    market.CumulativeBorrowIndex,
		LastRebalanceIndex: market.CumulativeRebalanceIndex,
		Status:             PositionStatusOpen,
		OpenedAt:           p.OpenedAt,
		UpdatedAt:          p.OpenedAt,
	}, nil
}

// IsOpen reports whether the position can still be mutated.
func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// UpdateMarketIndices rolls the whole index movement since the last snapshot
// into the funding and borrow accumulators. Longs pay when the funding index
// rises and shorts receive; borrow is always a cost.
func (p *Position) UpdateMarketIndices(fundingIndex, borrowIndex int64, markPrice uint64) error {
	if !p.IsOpen() {
		return ErrPositionAlreadyClosed
	}
	size, err := fixedpoint.ToSigned(p.Size)
	if err != nil {
		return err
	}

	fundingDelta, err := fixedpoint.SubSigned(fundingIndex, p.LastFundingIndex)
	if err != nil {
		return err
	}
	payment, err := fixedpoint.MulDivSigned(size, fundingDelta, fixedpoint.Precision)
	if err != nil {
		return err
	}
	var funding int64
	if p.IsLong {
		funding, err = fixedpoint.SubSigned(p.FundingAccumulated, payment)
	} else {
		funding, err = fixedpoint.AddSigned(p.FundingAccumulated, payment)
	}
	if err != nil {
		return err
	}

	borrowDelta, err := fixedpoint.SubSigned(borrowIndex, p.LastBorrowIndex)
	if err != nil {
		return err
	}
	if borrowDelta < 0 {
		return fmt.Errorf("%w: borrow index moved backwards (%d -> %d)", ErrInvalidInput, p.LastBorrowIndex, borrowIndex)
	}
	cost, err := fixedpoint.MulDivSigned(size, borrowDelta, fixedpoint.Precision)
	if err != nil {
		return err
	}
	borrow, err := fixedpoint.SubSigned(p.BorrowAccumulated, cost)
	if err != nil {
		return err
	}

	p.FundingAccumulated = funding
	p.BorrowAccumulated = borrow
	p.LastFundingIndex = fundingIndex
	p.LastBorrowIndex = borrowIndex
	p.LastMarkPrice = markPrice
	return nil
}

// ApplyRebalanceFee charges the basket rebalance index movement since the
// last snapshot against the current size and returns the fee owed.
func (p *Position) ApplyRebalanceFee(rebalanceIndex int64, markPrice uint64) (uint64, error) {
	if !p.IsOpen() {
		return 0, ErrPositionAlreadyClosed
	}
	delta, err := fixedpoint.SubSigned(rebalanceIndex, p.LastRebalanceIndex)
	if err != nil {
		return 0, err
	}
	if delta < 0 {
		return 0, fmt.Errorf("%w: rebalance index moved backwards", ErrInvalidInput)
	}
	fee, err := fixedpoint.MulDiv(p.Size, uint64(delta), uint64(fixedpoint.Precision))
	if err != nil {
		return 0, err
	}
	p.LastRebalanceIndex = rebalanceIndex
	p.LastMarkPrice = markPrice
	return fee, nil
}

// UnrealizedPnL marks the open size at price.
func (p *Position) UnrealizedPnL(price uint64) (int64, error) {
	return RealizedPnL(p.IsLong, p.EntryPrice, price, p.Size)
}

// IsLiquidatable reports whether the collateral left after the unrealized
// loss at price has fallen below the maintenance requirement.
func (p *Position) IsLiquidatable(price, liquidationThresholdBps uint64) (bool, error) {
	if !p.IsOpen() {
		return false, ErrPositionAlreadyClosed
	}
	pnl, err := p.UnrealizedPnL(price)
	if err != nil {
		return false, err
	}
	if pnl >= 0 {
		return false, nil
	}
	loss := fixedpoint.Magnitude(pnl)
	var remaining uint64
	if loss < p.Collateral {
		remaining = p.Collateral - loss
	}
	maintenance, err := fixedpoint.Percentage(p.Size, liquidationThresholdBps, fixedpoint.BPSDivisor)
	if err != nil {
		return false, err
	}
	return remaining < maintenance, nil
}

// AddCollateral tops up margin on an open position.
func (p *Position) AddCollateral(amount uint64) error {
	if !p.IsOpen() {
		return ErrPositionAlreadyClosed
	}
	if amount == 0 {
		return ErrInsufficientCollateral
	}
	c, err := fixedpoint.Add(p.Collateral, amount)
	if err != nil {
		return err
	}
	p.Collateral = c
	return nil
}

// RealizedPnL returns the profit or loss of size units of exposure moved
// from entry to exit. Size is notional at entry, so the result is
// size * (exit - entry) / entry, negated for shorts.
func RealizedPnL(isLong bool, entryPrice, exitPrice, size uint64) (int64, error) {
	if entryPrice == 0 {
		return 0, ErrDivisionByZero
	}
	entry, err := fixedpoint.ToSigned(entryPrice)
	if err != nil {
		return 0, err
	}
	exit, err := fixedpoint.ToSigned(exitPrice)
	if err != nil {
		return 0, err
	}
	sz, err := fixedpoint.ToSigned(size)
	if err != nil {
		return 0, err
	}
	move := exit - entry
	if !isLong {
		move = -move
	}
	return fixedpoint.MulDivSigned(move, sz, entry)
}

// Notional values size units of exposure, opened at entryPrice, at price.
func Notional(size, price, entryPrice uint64) (uint64, error) {
	return fixedpoint.MulDiv(size, price, entryPrice)
}
