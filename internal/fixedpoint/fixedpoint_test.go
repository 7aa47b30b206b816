package fixedpoint

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnsignedChecked(t *testing.T) {
	_, err := Add(math.MaxUint64, 1)
	assert.ErrorIs(t, err, ErrMathOverflow)

	_, err = Sub(1, 2)
	assert.ErrorIs(t, err, ErrMathOverflow)

	_, err = Mul(math.MaxUint64, 2)
	assert.ErrorIs(t, err, ErrMathOverflow)

	_, err = Div(1, 0)
	assert.ErrorIs(t, err, ErrDivisionByZero)

	v, err := Mul(1<<32, 1<<31)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<63), v)
}

func TestMulDivUsesWideIntermediate(t *testing.T) {
	// The product overflows 64 bits but the quotient fits.
	v, err := MulDiv(math.MaxUint64, 1_000, 10_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64/10), v)

	_, err = MulDiv(math.MaxUint64, 2, 1)
	assert.ErrorIs(t, err, ErrMathOverflow)

	_, err = MulDiv(1, 1, 0)
	assert.ErrorIs(t, err, ErrDivisionByZero)
}

func TestPercentageTruncates(t *testing.T) {
	tests := []struct {
		name   string
		amount uint64
		bps    uint64
		want   uint64
	}{
		{"exact", 10_000, 10, 10},
		{"truncates", 9_999, 10, 9},
		{"zero bps", 10_000, 0, 0},
		{"full", 123, 10_000, 123},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CalcFee(tt.amount, tt.bps)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSignedChecked(t *testing.T) {
	_, err := AddSigned(math.MaxInt64, 1)
	assert.ErrorIs(t, err, ErrMathOverflow)

	_, err = AddSigned(math.MinInt64, -1)
	assert.ErrorIs(t, err, ErrMathOverflow)

	_, err = SubSigned(math.MinInt64, 1)
	assert.ErrorIs(t, err, ErrMathOverflow)

	_, err = DivSigned(math.MinInt64, -1)
	assert.ErrorIs(t, err, ErrMathOverflow)

	_, err = MulSigned(math.MinInt64, -1)
	assert.ErrorIs(t, err, ErrMathOverflow)

	v, err := MulSigned(math.MinInt64, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MinInt64), v)
}

func TestMulDivSignedTruncatesTowardZero(t *testing.T) {
	v, err := MulDivSigned(-7, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(-3), v)

	v, err = MulDivSigned(7, -1, -2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = MulDivSigned(-1, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestMagnitudeRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, -1, math.MaxInt64, math.MinInt64} {
		got, err := FromMagnitude(Magnitude(v), v < 0)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	_, err := ToUnsigned(-1)
	assert.ErrorIs(t, err, ErrMathOverflow)
	_, err = ToSigned(math.MaxUint64)
	assert.ErrorIs(t, err, ErrMathOverflow)
}

func TestDecimalRescale(t *testing.T) {
	// 2.5 (exp -1) * 3.000000 (exp -6) expressed with 6 decimals.
	v, err := DecimalMul(25, -1, 3_000_000, -6, -6)
	require.NoError(t, err)
	assert.Equal(t, uint64(7_500_000), v)

	// Truncation, not rounding: 0.999999 * 0.5 at 6 decimals.
	v, err = DecimalMul(999_999, -6, 5, -1, -6)
	require.NoError(t, err)
	assert.Equal(t, uint64(499_999), v)

	// 1 / 3 at 6 decimals.
	v, err = DecimalDiv(1, 0, 3, 0, -6)
	require.NoError(t, err)
	assert.Equal(t, uint64(333_333), v)

	// Scaling up past uint64 is an overflow.
	_, err = DecimalMul(math.MaxUint64, 0, 1, 0, -1)
	assert.ErrorIs(t, err, ErrMathOverflow)

	_, err = DecimalDiv(1, 0, 0, 0, 0)
	assert.ErrorIs(t, err, ErrDivisionByZero)
}
