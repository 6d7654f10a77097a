// Package rate implements the utilization-based borrow-rate curve, the
// OI-imbalance funding rate, and the time-weighted cumulative accrual both
// feed into.
package rate

import (
	"fmt"

	"OptionVault/internal/errs"
	"OptionVault/internal/fixed"
)

// CurveParams is the piecewise two-slope borrow curve. All fields are
// RateScale fractions; rates are per hour.
type CurveParams struct {
	BaseRate           int64
	Slope1             int64
	Slope2             int64
	OptimalUtilization int64
}

func (p CurveParams) Validate() error {
	if p.OptimalUtilization <= 0 || p.OptimalUtilization >= fixed.RateScale {
		return fmt.Errorf("%w: optimal utilization %d outside (0, 1)", errs.ErrInvalidParams, p.OptimalUtilization)
	}
	if p.BaseRate < 0 || p.Slope1 < 0 || p.Slope2 < 0 {
		return fmt.Errorf("%w: negative curve segment", errs.ErrInvalidParams)
	}
	return nil
}

// Utilization returns locked/owned as a RateScale fraction, defined as zero
// for an empty custody. The result is clamped to [0, 1]; locked > owned is a
// ledger invariant violation detected elsewhere.
func Utilization(locked, owned int64) int64 {
	if owned <= 0 {
		return 0
	}
	u, err := fixed.MulDiv(locked, fixed.RateScale, owned, fixed.RoundHalfEven)
	if err != nil || u > fixed.RateScale {
		return fixed.RateScale
	}
	if u < 0 {
		return 0
	}
	return u
}

// BorrowRate evaluates the curve at utilization u (RateScale).
//
//	u <= optimal: base + (u/optimal)*slope1
//	u >  optimal: base + slope1 + ((u-optimal)/(1-optimal))*slope2
//
// The two branches meet at base+slope1, so the curve is continuous at the
// optimal point by construction.
func BorrowRate(p CurveParams, u int64) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if u < 0 {
		u = 0
	}
	if u > fixed.RateScale {
		u = fixed.RateScale
	}

	if u <= p.OptimalUtilization {
		slope, err := fixed.MulDiv(u, p.Slope1, p.OptimalUtilization, fixed.RoundHalfEven)
		if err != nil {
			return 0, err
		}
		return fixed.Add(p.BaseRate, slope)
	}

	excess, err := fixed.MulDiv(u-p.OptimalUtilization, p.Slope2, fixed.RateScale-p.OptimalUtilization, fixed.RoundHalfEven)
	if err != nil {
		return 0, err
	}
	r, err := fixed.Add(p.BaseRate, p.Slope1)
	if err != nil {
		return 0, err
	}
	return fixed.Add(r, excess)
}

// fundingEpsilon keeps the skew denominator away from zero when there is no
// open interest at all.
const fundingEpsilon int64 = 1

// FundingRate returns fundingMult * (longOI - shortOI) / max(longOI+shortOI, eps)
// as a signed RateScale fraction. Positive means longs pay shorts.
func FundingRate(longOI, shortOI, fundingMult int64) (int64, error) {
	total, err := fixed.Add(longOI, shortOI)
	if err != nil {
		return 0, err
	}
	denom := fixed.Max(total, fundingEpsilon)
	skew, err := fixed.MulDiv(longOI-shortOI, fixed.RateScale, denom, fixed.RoundHalfEven)
	if err != nil {
		return 0, err
	}
	return fixed.MulDiv(fundingMult, skew, fixed.RateScale, fixed.RoundHalfEven)
}

// AccrueDelta converts a per-hour rate and an elapsed duration in seconds
// into a cumulative-accumulator increment (rate * elapsed_hours, fractional).
func AccrueDelta(ratePerHour, elapsedSeconds int64) (int64, error) {
	if elapsedSeconds <= 0 || ratePerHour <= 0 {
		return 0, nil
	}
	return fixed.MulDiv(ratePerHour, elapsedSeconds, 3600, fixed.RoundHalfEven)
}

// SettlementOwed returns the fee owed by a notional between two cumulative
// accumulator readings. Accumulators never decrease, so the result is >= 0;
// a negative delta means the caller mixed up snapshots.
func SettlementOwed(cumNow, cumAtOpen, notional int64) (int64, error) {
	if cumNow < cumAtOpen {
		return 0, fmt.Errorf("%w: cumulative rate went backwards (%d < %d)", errs.ErrInvalidParams, cumNow, cumAtOpen)
	}
	return fixed.MulDiv(cumNow-cumAtOpen, notional, fixed.RateScale, fixed.RoundHalfEven)
}
