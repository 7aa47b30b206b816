// Package fixedpoint provides checked integer arithmetic for every money path.
// Operations either return the exact truncated result or an error; nothing
// wraps, panics, or touches floating point.
package fixedpoint

import (
	"errors"
	"math"

	"github.com/holiman/uint256"
)

// Scale constants shared by the settlement core.
const (
	// Precision is the fixed-point "1.0" for cumulative indices.
	Precision int64 = 1_000_000
	// PricePrecision is the 6-decimal scale of prices and the settlement token.
	PricePrecision uint64 = 1_000_000
	// BPSDivisor is the denominator of a basis-point value.
	BPSDivisor uint64 = 10_000
	// SecondsInHour converts hourly rates to per-second accrual.
	SecondsInHour int64 = 3_600
	// MaxFundingRateBps bounds posted funding and borrow rates (bps per hour).
	MaxFundingRateBps int64 = 57

	maxPow10 = 76
)

var (
	ErrMathOverflow   = errors.New("math overflow")
	ErrDivisionByZero = errors.New("division by zero")
)

// Add returns a+b.
func Add(a, b uint64) (uint64, error) {
	s := a + b
	if s < a {
		return 0, ErrMathOverflow
	}
	return s, nil
}

// Sub returns a-b. Underflow is reported as ErrMathOverflow.
func Sub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrMathOverflow
	}
	return a - b, nil
}

// Mul returns a*b.
func Mul(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	p := a * b
	if p/b != a {
		return 0, ErrMathOverflow
	}
	return p, nil
}

// Div returns a/b truncated.
func Div(a, b uint64) (uint64, error) {
	if b == 0 {
		return 0, ErrDivisionByZero
	}
	return a / b, nil
}

// MulDiv returns a*b/c with a 256-bit intermediate, truncated toward zero.
func MulDiv(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(uint256.NewInt(a), uint256.NewInt(b), uint256.NewInt(c))
	if overflow || !z.IsUint64() {
		return 0, ErrMathOverflow
	}
	return z.Uint64(), nil
}

// Percentage returns amount*bps/divisor.
func Percentage(amount, bps, divisor uint64) (uint64, error) {
	return MulDiv(amount, bps, divisor)
}

// CalcFee charges bps basis points on amount.
func CalcFee(amount, bps uint64) (uint64, error) {
	return Percentage(amount, bps, BPSDivisor)
}

// Min returns the smaller of a and b.
func Min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// AddSigned returns a+b.
func AddSigned(a, b int64) (int64, error) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, ErrMathOverflow
	}
	return s, nil
}

// SubSigned returns a-b.
func SubSigned(a, b int64) (int64, error) {
	d := a - b
	if (b > 0 && d > a) || (b < 0 && d < a) {
		return 0, ErrMathOverflow
	}
	return d, nil
}

// MulSigned returns a*b.
func MulSigned(a, b int64) (int64, error) {
	return MulDivSigned(a, b, 1)
}

// DivSigned returns a/b truncated toward zero.
func DivSigned(a, b int64) (int64, error) {
	if b == 0 {
		return 0, ErrDivisionByZero
	}
	if a == math.MinInt64 && b == -1 {
		return 0, ErrMathOverflow
	}
	return a / b, nil
}

// MulDivSigned returns a*b/c truncated toward zero, with a 256-bit
// intermediate on the magnitudes.
func MulDivSigned(a, b, c int64) (int64, error) {
	if c == 0 {
		return 0, ErrDivisionByZero
	}
	neg := (a < 0) != (b < 0) != (c < 0)
	mag, err := MulDiv(Magnitude(a), Magnitude(b), Magnitude(c))
	if err != nil {
		return 0, err
	}
	return FromMagnitude(mag, neg)
}

// Magnitude returns |v| as uint64. It is exact for math.MinInt64.
func Magnitude(v int64) uint64 {
	if v < 0 {
		return uint64(^v) + 1
	}
	return uint64(v)
}

// FromMagnitude rebuilds a signed value from a magnitude and a sign.
func FromMagnitude(mag uint64, negative bool) (int64, error) {
	if negative {
		if mag > 1<<63 {
			return 0, ErrMathOverflow
		}
		if mag == 1<<63 {
			return math.MinInt64, nil
		}
		return -int64(mag), nil
	}
	if mag > math.MaxInt64 {
		return 0, ErrMathOverflow
	}
	return int64(mag), nil
}

// ToSigned converts an unsigned amount to int64.
func ToSigned(v uint64) (int64, error) {
	return FromMagnitude(v, false)
}

// ToUnsigned converts a non-negative int64 to uint64.
func ToUnsigned(v int64) (uint64, error) {
	if v < 0 {
		return 0, ErrMathOverflow
	}
	return uint64(v), nil
}

// DecimalMul multiplies two values carrying decimal exponents (value =
// mantissa * 10^exp) and rescales the product to targetExp. The rescale
// truncates toward zero.
func DecimalMul(a uint64, aExp int32, b uint64, bExp int32, targetExp int32) (uint64, error) {
	num := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	return rescale(num, int64(aExp)+int64(bExp)-int64(targetExp))
}

// DecimalDiv divides a by b and expresses the quotient at targetExp,
// truncating toward zero.
func DecimalDiv(a uint64, aExp int32, b uint64, bExp int32, targetExp int32) (uint64, error) {
	if b == 0 {
		return 0, ErrDivisionByZero
	}
	shift := int64(aExp) - int64(bExp) - int64(targetExp)
	num := uint256.NewInt(a)
	den := uint256.NewInt(b)
	if shift > 0 {
		p, err := pow10(shift)
		if err != nil {
			return 0, err
		}
		if _, overflow := num.MulOverflow(num, p); overflow {
			return 0, ErrMathOverflow
		}
	} else if shift < 0 {
		// A denominator past 2^256 always truncates the quotient to zero.
		p, err := pow10(-shift)
		if err != nil {
			return 0, nil
		}
		if _, overflow := den.MulOverflow(den, p); overflow {
			return 0, nil
		}
	}
	q := new(uint256.Int).Div(num, den)
	if !q.IsUint64() {
		return 0, ErrMathOverflow
	}
	return q.Uint64(), nil
}

func rescale(v *uint256.Int, shift int64) (uint64, error) {
	switch {
	case shift > 0:
		p, err := pow10(shift)
		if err != nil {
			return 0, err
		}
		if _, overflow := v.MulOverflow(v, p); overflow {
			return 0, ErrMathOverflow
		}
	case shift < 0:
		if -shift > maxPow10 {
			return 0, nil
		}
		p, _ := pow10(-shift)
		v.Div(v, p)
	}
	if !v.IsUint64() {
		return 0, ErrMathOverflow
	}
	return v.Uint64(), nil
}

func pow10(n int64) (*uint256.Int, error) {
	if n > maxPow10 {
		return nil, ErrMathOverflow
	}
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n))), nil
}
