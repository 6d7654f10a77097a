// Package pricing holds the closed-form option math: Black-Scholes premium
// and exercise payout. Pure functions, no state.
package pricing

import (
	"fmt"

	"OptionVault/internal/errs"
	"OptionVault/internal/fixed"
)

// Direction is the option side. It is a closed variant: every switch over it
// must handle both cases and reject anything else, so payout and order-price
// rules cannot silently skip a case.
type Direction int8

const (
	Call Direction = iota
	Put
)

func (d Direction) String() string {
	switch d {
	case Call:
		return "call"
	case Put:
		return "put"
	default:
		return "unknown"
	}
}

func (d Direction) Validate() error {
	switch d {
	case Call, Put:
		return nil
	default:
		return fmt.Errorf("%w: direction %d", errs.ErrInvalidParams, int8(d))
	}
}

// Premium prices one contract unit in PriceScale USD.
//
// spot and strike are PriceScale; timeYears, volatility and riskFree are
// RateScale fractions. Callers pass the conservative spot
// (min of instantaneous and TWAP) — see oracle.Conservative.
func Premium(spot, strike, timeYears, volatility, riskFree int64, dir Direction) (int64, error) {
	if err := dir.Validate(); err != nil {
		return 0, err
	}
	if spot <= 0 || strike <= 0 {
		return 0, fmt.Errorf("%w: non-positive spot or strike", errs.ErrInvalidParams)
	}
	if timeYears < 0 || volatility < 0 {
		return 0, fmt.Errorf("%w: negative time or volatility", errs.ErrInvalidParams)
	}

	// Degenerate inputs collapse to intrinsic value.
	if timeYears == 0 || volatility == 0 {
		return Intrinsic(dir, spot, strike)
	}

	lnSK, err := logRatio(spot, strike)
	if err != nil {
		return 0, err
	}
	sqrtT, err := fixed.Sqrt(timeYears)
	if err != nil {
		return 0, err
	}
	sigmaSqrtT, err := fixed.MulDiv(volatility, sqrtT, fixed.RateScale, fixed.RoundHalfEven)
	if err != nil {
		return 0, err
	}
	if sigmaSqrtT == 0 {
		return Intrinsic(dir, spot, strike)
	}

	halfVar, err := fixed.MulDiv(volatility, volatility, 2*fixed.RateScale, fixed.RoundHalfEven)
	if err != nil {
		return 0, err
	}
	drift, err := fixed.MulDiv(riskFree+halfVar, timeYears, fixed.RateScale, fixed.RoundHalfEven)
	if err != nil {
		return 0, err
	}
	num, err := fixed.Add(lnSK, drift)
	if err != nil {
		return 0, err
	}

	d1, err := fixed.MulDiv(num, fixed.RateScale, sigmaSqrtT, fixed.RoundHalfEven)
	if err != nil {
		return 0, err
	}
	d2 := d1 - sigmaSqrtT

	rt, err := fixed.MulDiv(riskFree, timeYears, fixed.RateScale, fixed.RoundHalfEven)
	if err != nil {
		return 0, err
	}
	discount, err := fixed.Exp(-rt)
	if err != nil {
		return 0, err
	}
	discountedStrike, err := fixed.MulDiv(strike, discount, fixed.RateScale, fixed.RoundHalfEven)
	if err != nil {
		return 0, err
	}

	var premium int64
	switch dir {
	case Call:
		nd1, err := fixed.NormCDF(d1)
		if err != nil {
			return 0, err
		}
		nd2, err := fixed.NormCDF(d2)
		if err != nil {
			return 0, err
		}
		sTerm, err := fixed.MulDiv(spot, nd1, fixed.RateScale, fixed.RoundHalfEven)
		if err != nil {
			return 0, err
		}
		kTerm, err := fixed.MulDiv(discountedStrike, nd2, fixed.RateScale, fixed.RoundHalfEven)
		if err != nil {
			return 0, err
		}
		premium = sTerm - kTerm
	case Put:
		nNegD1, err := fixed.NormCDF(-d1)
		if err != nil {
			return 0, err
		}
		nNegD2, err := fixed.NormCDF(-d2)
		if err != nil {
			return 0, err
		}
		kTerm, err := fixed.MulDiv(discountedStrike, nNegD2, fixed.RateScale, fixed.RoundHalfEven)
		if err != nil {
			return 0, err
		}
		sTerm, err := fixed.MulDiv(spot, nNegD1, fixed.RateScale, fixed.RoundHalfEven)
		if err != nil {
			return 0, err
		}
		premium = kTerm - sTerm
	}

	// The CDF approximation can dip below intrinsic deep in the money.
	// A quote under intrinsic is free money for the buyer (open, exercise
	// immediately, pocket the difference), so floor at intrinsic.
	intrinsic, err := Intrinsic(dir, spot, strike)
	if err != nil {
		return 0, err
	}
	if premium < intrinsic {
		premium = intrinsic
	}
	return premium, nil
}

// Intrinsic returns the immediate-exercise value of one contract unit.
func Intrinsic(dir Direction, spot, strike int64) (int64, error) {
	if err := dir.Validate(); err != nil {
		return 0, err
	}
	switch dir {
	case Call:
		return fixed.Max(0, spot-strike), nil
	default:
		return fixed.Max(0, strike-spot), nil
	}
}

// InTheMoney reports whether exercising at spot yields positive profit.
func InTheMoney(dir Direction, spot, strike int64) bool {
	v, err := Intrinsic(dir, spot, strike)
	return err == nil && v > 0
}

// ExercisePayout returns gross profit in PriceScale USD for an
// AmountScale-scaled contract count.
func ExercisePayout(dir Direction, spot, strike, contracts int64) (int64, error) {
	perUnit, err := Intrinsic(dir, spot, strike)
	if err != nil {
		return 0, err
	}
	return fixed.MulDiv(perUnit, contracts, fixed.AmountScale, fixed.RoundDown)
}

// PayoutSplit divides gross profit between the position owner, the exercise
// trigger (reward), and the protocol.
type PayoutSplit struct {
	UserAmount   int64
	RewardAmount int64
	ProtocolFee  int64
}

// SplitProfit carves reward and protocol fees out of a gross profit. The
// three parts always sum to exactly the input.
func SplitProfit(profit, rewardFeeBps, protocolFeeBps int64) (PayoutSplit, error) {
	if profit < 0 {
		return PayoutSplit{}, fmt.Errorf("%w: negative profit", errs.ErrInvalidParams)
	}
	if rewardFeeBps < 0 || protocolFeeBps < 0 || rewardFeeBps+protocolFeeBps > fixed.BpsDenom {
		return PayoutSplit{}, fmt.Errorf("%w: fee split %d+%d bps", errs.ErrInvalidParams, rewardFeeBps, protocolFeeBps)
	}

	reward, err := fixed.MulDiv(profit, rewardFeeBps, fixed.BpsDenom, fixed.RoundDown)
	if err != nil {
		return PayoutSplit{}, err
	}
	protocol, err := fixed.MulDiv(profit, protocolFeeBps, fixed.BpsDenom, fixed.RoundDown)
	if err != nil {
		return PayoutSplit{}, err
	}
	return PayoutSplit{
		UserAmount:   profit - reward - protocol,
		RewardAmount: reward,
		ProtocolFee:  protocol,
	}, nil
}

// logRatio computes ln(spot/strike) as a RateScale fraction.
func logRatio(spot, strike int64) (int64, error) {
	r, err := fixed.MulDiv(spot, fixed.RateScale, strike, fixed.RoundHalfEven)
	if err != nil {
		return 0, err
	}
	return fixed.Ln(r)
}
