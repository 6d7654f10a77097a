// Package fee implements the two fee curves: the ratio-deviation fee on
// liquidity operations (rewarding rebalancing toward target composition) and
// the utilization-deviation fee on trading operations.
package fee

import (
	"fmt"

	"OptionVault/internal/custody"
	"OptionVault/internal/errs"
	"OptionVault/internal/fixed"
)

// LiquidityParams configures the ratio fee.
type LiquidityParams struct {
	BaseFeeBps int64
	RatioMult  int64 // RateScale
}

// TradeParams configures the utilization fee.
type TradeParams struct {
	FeeMult       int64 // RateScale
	CustodyFeeBps int64 // base trading fee fraction of notional
	MinFee        int64 // floor for the total fee, token units

	// UtilizationDenom overrides the (1 - optimal_utilization) divisor when
	// non-zero. The divisor has no documented derivation upstream, so it is
	// tunable rather than hard-wired.
	UtilizationDenom int64
}

// RatioMultiplier returns the fee multiplier (RateScale, >= 1) for a
// prospective post-operation ratio:
//
//	new < target: 1 + mult*|new-target|/(target-min)
//	new >= target: 1 + mult*|new-target|/(max-target)
func RatioMultiplier(newBps int64, r custody.Ratio, ratioMult int64) (int64, error) {
	dev := newBps - r.TargetBps
	if dev < 0 {
		dev = -dev
	}

	denomBps := r.MaxBps - r.TargetBps
	if newBps < r.TargetBps {
		denomBps = r.TargetBps - r.MinBps
	}
	if denomBps <= 0 {
		return 0, fmt.Errorf("%w: degenerate ratio band %d/%d/%d", errs.ErrInvalidRatio, r.MinBps, r.TargetBps, r.MaxBps)
	}

	scaled, err := fixed.MulDiv(ratioMult, dev, denomBps, fixed.RoundHalfEven)
	if err != nil {
		return 0, err
	}
	return fixed.Add(fixed.RateScale, scaled)
}

// LiquidityFee computes the fee for a liquidity operation of the given token
// amount. Moves that improve alignment toward target pay base/multiplier;
// moves that worsen it pay base*multiplier.
func LiquidityFee(p LiquidityParams, amount, oldBps, newBps int64, r custody.Ratio) (int64, error) {
	mult, err := RatioMultiplier(newBps, r, p.RatioMult)
	if err != nil {
		return 0, err
	}

	base, err := fixed.MulDiv(amount, p.BaseFeeBps, fixed.BpsDenom, fixed.RoundHalfEven)
	if err != nil {
		return 0, err
	}

	oldDev, _ := fixed.Abs(oldBps - r.TargetBps)
	newDev, _ := fixed.Abs(newBps - r.TargetBps)

	if newDev < oldDev {
		// Rebalancing discount.
		return fixed.MulDiv(base, fixed.RateScale, mult, fixed.RoundHalfEven)
	}
	return fixed.MulDiv(base, mult, fixed.RateScale, fixed.RoundHalfEven)
}

// UtilizationFee returns the fee rate term feeMult*(newU-optimal)/denom as a
// signed RateScale fraction. Below-optimal utilization yields a negative
// term; TradingFee floors the result.
func UtilizationFee(p TradeParams, newUtilization, optimalUtilization int64) (int64, error) {
	denom := p.UtilizationDenom
	if denom == 0 {
		denom = fixed.RateScale - optimalUtilization
	}
	if denom <= 0 {
		return 0, fmt.Errorf("%w: utilization fee denominator %d", errs.ErrInvalidParams, denom)
	}
	return fixed.MulDiv(p.FeeMult, newUtilization-optimalUtilization, denom, fixed.RoundHalfEven)
}

// TradingFee computes custody_fee_pct * notional * utilization_fee, floored
// at MinFee so sub-optimal utilization never produces a negative charge.
func TradingFee(p TradeParams, notional, newUtilization, optimalUtilization int64) (int64, error) {
	utilFee, err := UtilizationFee(p, newUtilization, optimalUtilization)
	if err != nil {
		return 0, err
	}

	base, err := fixed.MulDiv(notional, p.CustodyFeeBps, fixed.BpsDenom, fixed.RoundHalfEven)
	if err != nil {
		return 0, err
	}
	total, err := fixed.MulDiv(base, utilFee, fixed.RateScale, fixed.RoundHalfEven)
	if err != nil {
		return 0, err
	}
	return fixed.Max(total, p.MinFee), nil
}
