package fixed

import (
	"errors"
	"math"
	"math/big"
)

// Scales used across the engine. Prices, USD values and contract amounts are
// 1e6 scaled; rates, utilizations and other unit fractions are 1e9 scaled so
// hourly accrual deltas survive rounding.
const (
	PriceScale  int64 = 1_000_000
	AmountScale int64 = 1_000_000
	RateScale   int64 = 1_000_000_000
	BpsDenom    int64 = 10_000
)

var (
	ErrOverflow  = errors.New("arithmetic overflow")
	ErrUnderflow = errors.New("arithmetic underflow")
	ErrDivByZero = errors.New("division by zero")
)

// RoundingMode selects how Div and MulDiv resolve remainders.
type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // banker's rounding (default)
	RoundDown
	RoundUp
)

var bigMaxInt64 = big.NewInt(math.MaxInt64)
var bigMinInt64 = big.NewInt(math.MinInt64)

// Add returns a+b or ErrOverflow/ErrUnderflow on int64 wrap.
func Add(a, b int64) (int64, error) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		if b > 0 {
			return 0, ErrOverflow
		}
		return 0, ErrUnderflow
	}
	return s, nil
}

// Sub returns a-b or ErrOverflow/ErrUnderflow on int64 wrap.
func Sub(a, b int64) (int64, error) {
	d := a - b
	if (b < 0 && d < a) || (b > 0 && d > a) {
		if b < 0 {
			return 0, ErrOverflow
		}
		return 0, ErrUnderflow
	}
	return d, nil
}

// SubUnsigned returns a-b for non-negative inputs, ErrUnderflow if b > a.
// Balances and locked amounts must never go negative.
func SubUnsigned(a, b int64) (int64, error) {
	if b > a {
		return 0, ErrUnderflow
	}
	return a - b, nil
}

// Mul returns a*b checked against int64 range.
func Mul(a, b int64) (int64, error) {
	r := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	return toInt64(r)
}

// MulDiv computes a*b/denom with a 128-bit intermediate product, so scaled
// multiplications never wrap before the rescaling division.
func MulDiv(a, b, denom int64, mode RoundingMode) (int64, error) {
	if denom == 0 {
		return 0, ErrDivByZero
	}
	num := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	return divBig(num, denom, mode)
}

// Div computes a/denom with rounding.
func Div(a, denom int64, mode RoundingMode) (int64, error) {
	if denom == 0 {
		return 0, ErrDivByZero
	}
	return divBig(big.NewInt(a), denom, mode)
}

func divBig(num *big.Int, denom int64, mode RoundingMode) (int64, error) {
	d := big.NewInt(denom)
	q, r := new(big.Int).QuoRem(num, d, new(big.Int))

	out, err := toInt64(q)
	if err != nil {
		return 0, err
	}
	if r.Sign() == 0 {
		return out, nil
	}

	switch mode {
	case RoundDown:
		return out, nil
	case RoundUp:
		if (num.Sign() < 0) == (denom < 0) {
			return Add(out, 1)
		}
		return out, nil
	default: // RoundHalfEven
		r.Abs(r)
		r.Lsh(r, 1) // 2*|remainder|
		absDenom := new(big.Int).Abs(d)
		cmp := r.Cmp(absDenom)
		roundAway := cmp > 0 || (cmp == 0 && out%2 != 0)
		if !roundAway {
			return out, nil
		}
		if (num.Sign() < 0) == (denom < 0) {
			return Add(out, 1)
		}
		return Sub(out, 1)
	}
}

func toInt64(v *big.Int) (int64, error) {
	if v.Cmp(bigMaxInt64) > 0 {
		return 0, ErrOverflow
	}
	if v.Cmp(bigMinInt64) < 0 {
		return 0, ErrUnderflow
	}
	return v.Int64(), nil
}

// Rescale converts a value from one fixed-point scale to another.
func Rescale(v, fromScale, toScale int64) (int64, error) {
	if fromScale == toScale {
		return v, nil
	}
	return MulDiv(v, toScale, fromScale, RoundHalfEven)
}

// BpsToRate converts basis points to a RateScale fraction.
func BpsToRate(bps int64) int64 {
	return bps * (RateScale / BpsDenom)
}

// RateToBps converts a RateScale fraction to basis points, rounding half-even.
func RateToBps(rate int64) (int64, error) {
	return Div(rate, RateScale/BpsDenom, RoundHalfEven)
}

// Min returns the smaller of a, b.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a, b.
func Max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Abs returns |v|, erroring on MinInt64.
func Abs(v int64) (int64, error) {
	if v == math.MinInt64 {
		return 0, ErrOverflow
	}
	if v < 0 {
		return -v, nil
	}
	return v, nil
}
