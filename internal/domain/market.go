package domain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/blpsettle/internal/fixedpoint"
)

// MarketState is the lifecycle of a basket's index record.
type MarketState string

const (
	MarketStateUninitialized MarketState = "uninitialized"
	MarketStateActive        MarketState = "active"
)

// FeeOverrides holds optional basket-level replacements for protocol
// defaults. A nil field falls back to the global value via Effective.
type FeeOverrides struct {
	ClosingFeeBps           *uint64 `json:"closing_fee_bps,omitempty"`
	LiquidationFeeBps       *uint64 `json:"liquidation_fee_bps,omitempty"`
	LiquidationThresholdBps *uint64 `json:"liquidation_threshold_bps,omitempty"`
}

// MarketIndices carries the cumulative funding and borrow indices of one
// basket. Indices are scaled by fixedpoint.Precision; rates are signed
// basis points per hour.
type MarketIndices struct {
	BasketID                 common.Hash  `json:"basket_id"`
	Symbol                   string       `json:"symbol"`
	State                    MarketState  `json:"state"`
	CumulativeFundingIndex   int64        `json:"cumulative_funding_index"`
	CumulativeBorrowIndex    int64        `json:"cumulative_borrow_index"`
	CurrentFundingRate       int64        `json:"current_funding_rate"`
	CurrentBorrowRate        int64        `json:"current_borrow_rate"`
	CumulativeRebalanceIndex int64        `json:"cumulative_rebalance_index"`
	LastUpdate               int64        `json:"last_update"`
	Overrides                FeeOverrides `json:"overrides"`
	UpdatedAt                time.Time    `json:"updated_at"`
}

// NewMarketIndices returns an uninitialized record for a basket.
func NewMarketIndices(basketID common.Hash, symbol string) MarketIndices {
	return MarketIndices{
		BasketID: basketID,
		Symbol:   symbol,
		State:    MarketStateUninitialized,
	}
}

// Initialize activates the record, starting both indices at 1.0.
func (m *MarketIndices) Initialize(now int64) error {
	if m.State == MarketStateActive {
		return fmt.Errorf("%w: market %s already initialized", ErrInvalidInput, m.BasketID.Hex())
	}
	m.State = MarketStateActive
	m.CumulativeFundingIndex = fixedpoint.Precision
	m.CumulativeBorrowIndex = fixedpoint.Precision
	m.CurrentFundingRate = 0
	m.CurrentBorrowRate = 0
	m.LastUpdate = now
	return nil
}

// UpdateIndices accrues both indices over the interval since the last
// update at the rates that were in effect during it, then installs the new
// rates. A non-positive interval only replaces the rates.
func (m *MarketIndices) UpdateIndices(newFundingRate, newBorrowRate, now int64) error {
	if m.State != MarketStateActive {
		return ErrMarketNotActive
	}

	elapsed := now - m.LastUpdate
	if elapsed <= 0 {
		m.CurrentFundingRate = newFundingRate
		m.CurrentBorrowRate = newBorrowRate
		return nil
	}

	fundingChange, err := indexChange(m.CurrentFundingRate, elapsed)
	if err != nil {
		return fmt.Errorf("funding index: %w", err)
	}
	borrowChange, err := indexChange(m.CurrentBorrowRate, elapsed)
	if err != nil {
		return fmt.Errorf("borrow index: %w", err)
	}
	funding, err := fixedpoint.AddSigned(m.CumulativeFundingIndex, fundingChange)
	if err != nil {
		return fmt.Errorf("funding index: %w", err)
	}
	borrow, err := fixedpoint.AddSigned(m.CumulativeBorrowIndex, borrowChange)
	if err != nil {
		return fmt.Errorf("borrow index: %w", err)
	}

	m.CumulativeFundingIndex = funding
	m.CumulativeBorrowIndex = borrow
	m.CurrentFundingRate = newFundingRate
	m.CurrentBorrowRate = newBorrowRate
	m.LastUpdate = now
	return nil
}

// AccruedTo returns a copy advanced to now at the rates in effect, without
// changing them. Settlements and opens snapshot this view; the stored
// record keeps accruing from its own LastUpdate, so both agree.
func (m MarketIndices) AccruedTo(now int64) (MarketIndices, error) {
	if err := m.UpdateIndices(m.CurrentFundingRate, m.CurrentBorrowRate, now); err != nil {
		return MarketIndices{}, err
	}
	return m, nil
}

// indexChange = rate * elapsed * Precision / (BPSDivisor * SecondsInHour).
func indexChange(rateBps, elapsed int64) (int64, error) {
	if rateBps == 0 {
		return 0, nil
	}
	scaled, err := fixedpoint.MulSigned(rateBps, elapsed)
	if err != nil {
		return 0, err
	}
	return fixedpoint.MulDivSigned(scaled, fixedpoint.Precision, int64(fixedpoint.BPSDivisor)*fixedpoint.SecondsInHour)
}

// PostRebalanceIndex records the basket's cumulative rebalance fee index.
// The index may only grow.
func (m *MarketIndices) PostRebalanceIndex(index int64) error {
	if m.State != MarketStateActive {
		return ErrMarketNotActive
	}
	if index < m.CumulativeRebalanceIndex {
		return fmt.Errorf("%w: rebalance index %d below current %d", ErrInvalidInput, index, m.CumulativeRebalanceIndex)
	}
	m.CumulativeRebalanceIndex = index
	return nil
}

// ValidateRates bounds posted rates before they reach UpdateIndices.
func ValidateRates(fundingRate, borrowRate, maxBps int64) error {
	if fundingRate > maxBps || fundingRate < -maxBps {
		return fmt.Errorf("%w: %d bps (max %d)", ErrFundingRateExceedsMaximum, fundingRate, maxBps)
	}
	if borrowRate < 0 || borrowRate > maxBps {
		return fmt.Errorf("%w: %d bps (max %d)", ErrBorrowRateExceedsMaximum, borrowRate, maxBps)
	}
	return nil
}
