package fee

import (
	"errors"
	"testing"

	"OptionVault/internal/custody"
	"OptionVault/internal/errs"
	"OptionVault/internal/fixed"
)

var testRatio = custody.Ratio{TargetBps: 6000, MinBps: 4000, MaxBps: 8000}

var liqParams = LiquidityParams{
	BaseFeeBps: 30,
	RatioMult:  2_000_000_000, // 2.0
}

func TestRatioMultiplierAtTarget(t *testing.T) {
	mult, err := RatioMultiplier(6000, testRatio, liqParams.RatioMult)
	if err != nil {
		t.Fatal(err)
	}
	if mult != fixed.RateScale {
		t.Errorf("at-target multiplier = %d, want 1.0", mult)
	}
}

func TestRatioMultiplierGrowsWithDeviation(t *testing.T) {
	near, err := RatioMultiplier(6500, testRatio, liqParams.RatioMult)
	if err != nil {
		t.Fatal(err)
	}
	far, err := RatioMultiplier(7500, testRatio, liqParams.RatioMult)
	if err != nil {
		t.Fatal(err)
	}
	if far <= near {
		t.Errorf("multiplier should grow with deviation: near=%d far=%d", near, far)
	}
	if near <= fixed.RateScale {
		t.Errorf("off-target multiplier should exceed 1.0: %d", near)
	}
}

func TestRatioMultiplierAtBandEdge(t *testing.T) {
	// At max: 1 + mult * (max-target)/(max-target) = 1 + mult
	mult, err := RatioMultiplier(8000, testRatio, liqParams.RatioMult)
	if err != nil {
		t.Fatal(err)
	}
	want := fixed.RateScale + liqParams.RatioMult
	if mult != want {
		t.Errorf("edge multiplier = %d, want %d", mult, want)
	}
}

func TestRatioMultiplierDegenerateBand(t *testing.T) {
	bad := custody.Ratio{TargetBps: 6000, MinBps: 6000, MaxBps: 6000}
	if _, err := RatioMultiplier(5000, bad, liqParams.RatioMult); !errors.Is(err, errs.ErrInvalidRatio) {
		t.Errorf("degenerate band accepted: %v", err)
	}
}

func TestLiquidityFeeImprovingCheaperThanBase(t *testing.T) {
	amount := int64(10_000_000)
	base := amount * liqParams.BaseFeeBps / fixed.BpsDenom

	// Custody at 65% moving toward 60% target: rebalancing discount
	improving, err := LiquidityFee(liqParams, amount, 6500, 6200, testRatio)
	if err != nil {
		t.Fatal(err)
	}
	if improving >= base {
		t.Errorf("improving deposit fee %d should be below base %d", improving, base)
	}

	// Moving away from target pays a premium
	worsening, err := LiquidityFee(liqParams, amount, 6200, 6500, testRatio)
	if err != nil {
		t.Fatal(err)
	}
	if worsening <= base {
		t.Errorf("worsening deposit fee %d should exceed base %d", worsening, base)
	}
	if improving >= worsening {
		t.Errorf("improving %d should be cheaper than worsening %d", improving, worsening)
	}
}

func TestLiquidityFeeAtTargetPaysBase(t *testing.T) {
	amount := int64(10_000_000)
	got, err := LiquidityFee(liqParams, amount, 6000, 6000, testRatio)
	if err != nil {
		t.Fatal(err)
	}
	want := amount * liqParams.BaseFeeBps / fixed.BpsDenom
	if got != want {
		t.Errorf("at-target fee = %d, want base %d", got, want)
	}
}

func TestUtilizationFeeSign(t *testing.T) {
	p := TradeParams{FeeMult: fixed.RateScale, CustodyFeeBps: 10}
	optimal := int64(800_000_000)

	above, err := UtilizationFee(p, 900_000_000, optimal)
	if err != nil {
		t.Fatal(err)
	}
	if above <= 0 {
		t.Errorf("above-optimal term should be positive: %d", above)
	}

	below, err := UtilizationFee(p, 400_000_000, optimal)
	if err != nil {
		t.Fatal(err)
	}
	if below >= 0 {
		t.Errorf("below-optimal term should be negative: %d", below)
	}

	at, err := UtilizationFee(p, optimal, optimal)
	if err != nil || at != 0 {
		t.Errorf("at-optimal term = %d, %v; want 0", at, err)
	}
}

func TestUtilizationFeeCustomDenom(t *testing.T) {
	p := TradeParams{FeeMult: fixed.RateScale, UtilizationDenom: fixed.RateScale}
	got, err := UtilizationFee(p, 900_000_000, 800_000_000)
	if err != nil {
		t.Fatal(err)
	}
	// (0.9-0.8)/1.0 = 0.1
	if got != 100_000_000 {
		t.Errorf("custom denom fee = %d, want 100_000_000", got)
	}
}

func TestTradingFeeFloor(t *testing.T) {
	p := TradeParams{FeeMult: fixed.RateScale, CustodyFeeBps: 10, MinFee: 0}

	// Below optimal: utilization term negative, floored at MinFee
	got, err := TradingFee(p, 100_000_000, 400_000_000, 800_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Errorf("below-optimal trading fee = %d, want floor 0", got)
	}

	p.MinFee = 500
	got, err = TradingFee(p, 100_000_000, 400_000_000, 800_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if got != 500 {
		t.Errorf("floored trading fee = %d, want 500", got)
	}
}

func TestTradingFeeAboveOptimal(t *testing.T) {
	p := TradeParams{FeeMult: fixed.RateScale, CustodyFeeBps: 10}

	// notional 100, base = 0.1% = 100_000; utilization term (0.9-0.8)/0.2 = 0.5
	got, err := TradingFee(p, 100_000_000, 900_000_000, 800_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if got != 50_000 {
		t.Errorf("trading fee = %d, want 50_000", got)
	}
}
