package fixed

import (
	"errors"
	"math/big"
)

// Transcendental helpers for the pricing formulas. Everything operates on
// RateScale (1e9) fractions so the engine stays float-free end to end.

var ErrNonPositive = errors.New("argument must be positive")

const (
	ln2Rate    int64 = 693_147_181   // ln(2) * 1e9
	sqrtPiRate int64 = 1_772_453_851 // sqrt(pi) * 1e9

	// exp(x) saturates the int64 range just below x = 22; anything smaller
	// than -42 is indistinguishable from zero at 1e9 resolution.
	expMaxArg int64 = 22 * RateScale
	expMinArg int64 = -42 * RateScale
)

// Sqrt returns sqrt(x) for a RateScale-fraction x (result also RateScale).
func Sqrt(x int64) (int64, error) {
	if x < 0 {
		return 0, ErrNonPositive
	}
	if x == 0 {
		return 0, nil
	}
	// sqrt(x/S)*S == sqrt(x*S)
	v := new(big.Int).Mul(big.NewInt(x), big.NewInt(RateScale))
	return toInt64(v.Sqrt(v))
}

// Exp returns e^x for a RateScale-fraction x. Arguments beyond the int64
// range error with ErrOverflow; deeply negative arguments round to zero.
func Exp(x int64) (int64, error) {
	if x > expMaxArg {
		return 0, ErrOverflow
	}
	if x < expMinArg {
		return 0, nil
	}

	// Range-reduce: x = k*ln2 + r with |r| <= ln2/2, then e^x = 2^k * e^r.
	k := roundedQuotient(x, ln2Rate)
	r := x - k*ln2Rate

	// Taylor series for e^r; |r| < 0.35 so 14 terms are beyond 1e-9.
	sum := RateScale
	term := RateScale
	for n := int64(1); n <= 14; n++ {
		t, err := MulDiv(term, r, n*RateScale, RoundHalfEven)
		if err != nil {
			return 0, err
		}
		term = t
		if term == 0 {
			break
		}
		sum += term
	}

	switch {
	case k > 0:
		if k > 62 {
			return 0, ErrOverflow
		}
		return Mul(sum, 1<<uint(k))
	case k < 0:
		if k < -62 {
			return 0, nil
		}
		return Div(sum, 1<<uint(-k), RoundHalfEven)
	default:
		return sum, nil
	}
}

// Ln returns ln(x) for a positive RateScale-fraction x.
func Ln(x int64) (int64, error) {
	if x <= 0 {
		return 0, ErrNonPositive
	}

	// Normalize x = m * 2^k with m in [1, 2).
	m := x
	k := int64(0)
	for m >= 2*RateScale {
		m /= 2
		k++
	}
	for m < RateScale {
		m *= 2
		k--
	}

	// ln(m) = 2*atanh(z) with z = (m-1)/(m+1); z <= 1/3 so the odd series
	// converges in a handful of terms.
	z, err := MulDiv(m-RateScale, RateScale, m+RateScale, RoundHalfEven)
	if err != nil {
		return 0, err
	}
	zsq, err := MulDiv(z, z, RateScale, RoundHalfEven)
	if err != nil {
		return 0, err
	}

	sum := z
	term := z
	for n := int64(3); n <= 17; n += 2 {
		term, err = MulDiv(term, zsq, RateScale, RoundHalfEven)
		if err != nil {
			return 0, err
		}
		if term == 0 {
			break
		}
		sum += term / n
	}

	return Add(2*sum, k*ln2Rate)
}

// NormCDF approximates the standard normal CDF with the logistic fit
// 1 / (1 + e^(-sqrt(pi)*(b1*z^5 + b2*z^3 + b3*z))), accurate to ~2e-4 over
// the range option pricing ever sees.
func NormCDF(z int64) (int64, error) {
	// The fit polynomial changes sign near |z| = 10.6, so the logistic
	// inverts past that point. Saturate while still inside the monotone
	// region; N(8) is already 1 - 6e-16, far below fixed-point resolution.
	if z >= 8*RateScale {
		return RateScale, nil
	}
	if z <= -8*RateScale {
		return 0, nil
	}

	const (
		beta1 int64 = -440_600     // -0.0004406 * 1e9
		beta2 int64 = 41_819_800   // 0.0418198 * 1e9
		beta3 int64 = 900_000_000  // 0.9 * 1e9
	)

	z3, err := powScaled(z, 3)
	if err != nil {
		return 0, err
	}
	z5, err := powScaled(z, 5)
	if err != nil {
		return 0, err
	}

	p1, err := MulDiv(beta1, z5, RateScale, RoundHalfEven)
	if err != nil {
		return 0, err
	}
	p2, err := MulDiv(beta2, z3, RateScale, RoundHalfEven)
	if err != nil {
		return 0, err
	}
	p3, err := MulDiv(beta3, z, RateScale, RoundHalfEven)
	if err != nil {
		return 0, err
	}

	poly, err := Add(p1, p2)
	if err != nil {
		return 0, err
	}
	poly, err = Add(poly, p3)
	if err != nil {
		return 0, err
	}

	exponent, err := MulDiv(-sqrtPiRate, poly, RateScale, RoundHalfEven)
	if err != nil {
		return 0, err
	}

	e, err := Exp(exponent)
	if err != nil {
		if errors.Is(err, ErrOverflow) {
			return 0, nil // denominator blows up, CDF -> 0
		}
		return 0, err
	}

	denom, err := Add(RateScale, e)
	if err != nil {
		return 0, err
	}
	return MulDiv(RateScale, RateScale, denom, RoundHalfEven)
}

// powScaled computes z^n at RateScale for small odd n.
func powScaled(z int64, n int) (int64, error) {
	out := z
	var err error
	for i := 1; i < n; i++ {
		out, err = MulDiv(out, z, RateScale, RoundHalfEven)
		if err != nil {
			return 0, err
		}
	}
	return out, nil
}

// roundedQuotient returns round(a/b) for b > 0.
func roundedQuotient(a, b int64) int64 {
	if a >= 0 {
		return (a + b/2) / b
	}
	return -((-a + b/2) / b)
}
