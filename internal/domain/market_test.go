package domain

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/blpsettle/internal/fixedpoint"
)

func activeMarket(t *testing.T, now int64) MarketIndices {
	t.Helper()
	m := NewMarketIndices(BasketIDFromSymbol("TECH"), "TECH")
	require.NoError(t, m.Initialize(now))
	return m
}

func TestMarketInitialize(t *testing.T) {
	m := NewMarketIndices(BasketIDFromSymbol("TECH"), "TECH")
	assert.ErrorIs(t, m.UpdateIndices(1, 1, 10), ErrMarketNotActive)

	require.NoError(t, m.Initialize(100))
	assert.Equal(t, MarketStateActive, m.State)
	assert.Equal(t, fixedpoint.Precision, m.CumulativeFundingIndex)
	assert.Equal(t, fixedpoint.Precision, m.CumulativeBorrowIndex)
	assert.Equal(t, int64(100), m.LastUpdate)

	assert.ErrorIs(t, m.Initialize(200), ErrInvalidInput)
}

func TestUpdateIndicesAccruesAtPreviousRate(t *testing.T) {
	m := activeMarket(t, 0)

	// Installing the first rates moves nothing.
	require.NoError(t, m.UpdateIndices(10, 5, 0))
	assert.Equal(t, fixedpoint.Precision, m.CumulativeFundingIndex)
	assert.Equal(t, int64(10), m.CurrentFundingRate)

	// One hour at 10 bps then a new rate of -20.
	require.NoError(t, m.UpdateIndices(-20, 0, 3600))
	assert.Equal(t, fixedpoint.Precision+1_000, m.CumulativeFundingIndex)
	assert.Equal(t, fixedpoint.Precision+500, m.CumulativeBorrowIndex)
	assert.Equal(t, int64(-20), m.CurrentFundingRate)

	// Half an hour at -20 bps.
	require.NoError(t, m.UpdateIndices(0, 0, 5400))
	assert.Equal(t, fixedpoint.Precision, m.CumulativeFundingIndex)
	assert.Equal(t, fixedpoint.Precision+500, m.CumulativeBorrowIndex)
}

func TestUpdateIndicesClockRegression(t *testing.T) {
	m := activeMarket(t, 1_000)
	require.NoError(t, m.UpdateIndices(10, 10, 1_000))

	require.NoError(t, m.UpdateIndices(20, 30, 900))
	assert.Equal(t, fixedpoint.Precision, m.CumulativeFundingIndex)
	assert.Equal(t, fixedpoint.Precision, m.CumulativeBorrowIndex)
	assert.Equal(t, int64(20), m.CurrentFundingRate)
	assert.Equal(t, int64(30), m.CurrentBorrowRate)
	assert.Equal(t, int64(1_000), m.LastUpdate)
}

func TestUpdateIndicesTruncates(t *testing.T) {
	m := activeMarket(t, 0)
	require.NoError(t, m.UpdateIndices(1, 1, 0))
	// 1 bps for 1s is 1e6/36e6 of a unit: truncated to zero.
	require.NoError(t, m.UpdateIndices(1, 1, 1))
	assert.Equal(t, fixedpoint.Precision, m.CumulativeBorrowIndex)
	// 36 seconds reaches exactly one unit.
	require.NoError(t, m.UpdateIndices(1, 1, 37))
	assert.Equal(t, fixedpoint.Precision+1, m.CumulativeBorrowIndex)
}

func TestBorrowIndexMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	m := activeMarket(t, 0)
	now := int64(0)
	prev := m.CumulativeBorrowIndex
	for i := 0; i < 500; i++ {
		now += rng.Int63n(7_200)
		funding := rng.Int63n(2*fixedpoint.MaxFundingRateBps+1) - fixedpoint.MaxFundingRateBps
		borrow := rng.Int63n(fixedpoint.MaxFundingRateBps + 1)
		require.NoError(t, ValidateRates(funding, borrow, fixedpoint.MaxFundingRateBps))
		require.NoError(t, m.UpdateIndices(funding, borrow, now))
		require.GreaterOrEqual(t, m.CumulativeBorrowIndex, prev)
		prev = m.CumulativeBorrowIndex
	}
}

func TestValidateRates(t *testing.T) {
	tests := []struct {
		name    string
		funding int64
		borrow  int64
		err     error
	}{
		{"in bounds", 57, 57, nil},
		{"negative funding in bounds", -57, 0, nil},
		{"funding too high", 58, 0, ErrFundingRateExceedsMaximum},
		{"funding too low", -58, 0, ErrFundingRateExceedsMaximum},
		{"negative borrow", 0, -1, ErrBorrowRateExceedsMaximum},
		{"borrow too high", 0, 58, ErrBorrowRateExceedsMaximum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRates(tt.funding, tt.borrow, fixedpoint.MaxFundingRateBps)
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestPostRebalanceIndex(t *testing.T) {
	m := activeMarket(t, 0)
	require.NoError(t, m.PostRebalanceIndex(500))
	require.NoError(t, m.PostRebalanceIndex(500))
	assert.ErrorIs(t, m.PostRebalanceIndex(499), ErrInvalidInput)
	assert.Equal(t, int64(500), m.CumulativeRebalanceIndex)
}

func TestAccruedToLeavesRecordUntouched(t *testing.T) {
	m := activeMarket(t, 0)
	require.NoError(t, m.UpdateIndices(10, 5, 0))

	view, err := m.AccruedTo(3600)
	require.NoError(t, err)
	assert.Equal(t, int64(1_001_000), view.CumulativeFundingIndex)
	assert.Equal(t, int64(1_000_500), view.CumulativeBorrowIndex)
	assert.Equal(t, int64(10), view.CurrentFundingRate)

	assert.Equal(t, fixedpoint.Precision, m.CumulativeFundingIndex)
	assert.Equal(t, int64(0), m.LastUpdate)

	// A later rate change accrues the same amount from the stored base.
	require.NoError(t, m.UpdateIndices(20, 5, 3600))
	assert.Equal(t, view.CumulativeFundingIndex, m.CumulativeFundingIndex)
}
