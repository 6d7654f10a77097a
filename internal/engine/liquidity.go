package engine

import (
	"fmt"

	"OptionVault/internal/custody"
	"OptionVault/internal/errs"
	"OptionVault/internal/fee"
	"OptionVault/internal/fixed"
	"OptionVault/internal/oracle"
	"OptionVault/internal/pool"
)

// ReconcileAum revalues the pool's AUM from the member custodies' live
// holdings at current oracle prices. The stored running total drifts as
// premiums flow in, settlements flow out and spot moves; liquidity operations
// must price shares against the revalued figure or LP entries and exits
// happen at the wrong mark.
func (e *Engine) ReconcileAum(p pool.Pool, custodies map[string]custody.Custody, prices map[string]oracle.Price, now int64) (pool.Pool, error) {
	var aum int64
	for _, key := range p.Custodies {
		c, ok := custodies[key]
		if !ok {
			return p, fmt.Errorf("%w: custody %s", errs.ErrUnknownRecord, key)
		}
		price, ok := prices[c.Asset]
		if !ok {
			return p, fmt.Errorf("%w: no price for asset %s", errs.ErrStaleOracle, c.Asset)
		}
		if err := price.CheckAge(now, e.params.MaxOracleAge); err != nil {
			return p, fmt.Errorf("asset %s: %w", c.Asset, err)
		}
		v, err := price.TokenToUsd(c.Owned)
		if err != nil {
			return p, err
		}
		if aum, err = fixed.Add(aum, v); err != nil {
			return p, err
		}
	}
	p.AumUsd = aum
	return p, nil
}

// ratioShift computes the custody's pool-share in bps before and after a
// deposit (positive deltaUsd) or withdrawal (negative).
func ratioShift(p pool.Pool, c custody.Custody, assetPrice oracle.Price, deltaUsd int64) (oldBps, newBps int64, err error) {
	valueUsd, err := assetPrice.TokenToUsd(c.Owned)
	if err != nil {
		return 0, 0, err
	}
	oldBps, err = pool.RatioBps(valueUsd, p.AumUsd)
	if err != nil {
		return 0, 0, err
	}
	newValue, err := fixed.Add(valueUsd, deltaUsd)
	if err != nil {
		return 0, 0, err
	}
	newAum, err := fixed.Add(p.AumUsd, deltaUsd)
	if err != nil {
		return 0, 0, err
	}
	if newValue < 0 || newAum < 0 {
		return 0, 0, fmt.Errorf("%w: withdrawal exceeds custody value", errs.ErrInsufficientLiquidity)
	}
	newBps, err = pool.RatioBps(newValue, newAum)
	if err != nil {
		return 0, 0, err
	}
	return oldBps, newBps, nil
}

// ComputeLiquidityFee quotes the ratio-deviation fee for a prospective
// liquidity operation without mutating anything.
func (e *Engine) ComputeLiquidityFee(p pool.Pool, c custody.Custody, amountIn int64, isDeposit bool, assetPrice oracle.Price) (int64, error) {
	if amountIn <= 0 {
		return 0, fmt.Errorf("%w: non-positive amount", errs.ErrInvalidParams)
	}
	deltaUsd, err := assetPrice.TokenToUsd(amountIn)
	if err != nil {
		return 0, err
	}
	if !isDeposit {
		deltaUsd = -deltaUsd
	}
	oldBps, newBps, err := ratioShift(p, c, assetPrice, deltaUsd)
	if err != nil {
		return 0, err
	}
	return fee.LiquidityFee(e.params.Liquidity, amountIn, oldBps, newBps, c.Ratio)
}

// AddLiquidityResult carries the committed state after a deposit.
type AddLiquidityResult struct {
	Pool      pool.Pool
	Custody   custody.Custody
	LPMinted  int64
	Fee       int64 // token units, retained by the custody
	Transfers []Transfer
}

// ApplyAddLiquidity deposits amountIn of the custody's asset, charges the
// ratio fee, and mints LP shares against the net contribution. The gross
// amount enters custody ownership; only the net amount earns shares, so the
// fee accrues to existing holders.
func (e *Engine) ApplyAddLiquidity(p pool.Pool, c custody.Custody, provider string, amountIn int64, assetPrice oracle.Price, now int64) (AddLiquidityResult, error) {
	var res AddLiquidityResult
	if amountIn <= 0 {
		return res, fmt.Errorf("%w: non-positive deposit", errs.ErrInvalidParams)
	}
	if !p.HasCustody(c.Key()) {
		return res, fmt.Errorf("%w: custody %s not in pool %s", errs.ErrUnknownRecord, c.Key(), p.Name)
	}
	if err := assetPrice.CheckAge(now, e.params.MaxOracleAge); err != nil {
		return res, err
	}

	c, err := c.Refresh(now)
	if err != nil {
		return res, err
	}

	grossUsd, err := assetPrice.TokenToUsd(amountIn)
	if err != nil {
		return res, err
	}
	oldBps, newBps, err := ratioShift(p, c, assetPrice, grossUsd)
	if err != nil {
		return res, err
	}
	if err := pool.CheckRatioMove(oldBps, newBps, c.Ratio); err != nil {
		return res, err
	}

	feeTokens, err := fee.LiquidityFee(e.params.Liquidity, amountIn, oldBps, newBps, c.Ratio)
	if err != nil {
		return res, err
	}
	net, err := fixed.SubUnsigned(amountIn, feeTokens)
	if err != nil || net == 0 {
		return res, fmt.Errorf("%w: fee %d consumes deposit %d", errs.ErrInvalidParams, feeTokens, amountIn)
	}

	netUsd, err := assetPrice.TokenToUsd(net)
	if err != nil {
		return res, err
	}
	shares, err := pool.SharesForDeposit(p, netUsd)
	if err != nil {
		return res, err
	}

	c, err = c.Deposit(net, now)
	if err != nil {
		return res, err
	}
	c, err = c.RecordFee(feeTokens, e.params.ProtocolShareBps, now)
	if err != nil {
		return res, err
	}
	p, err = pool.MintShares(p, shares, grossUsd)
	if err != nil {
		return res, err
	}

	res = AddLiquidityResult{
		Pool:     p,
		Custody:  c,
		LPMinted: shares,
		Fee:      feeTokens,
		Transfers: []Transfer{{
			Kind:    "liquidity_in",
			From:    provider,
			To:      c.Key(),
			Custody: c.Key(),
			Amount:  amountIn,
		}},
	}
	return res, nil
}

// RemoveLiquidityResult carries the committed state after a redemption.
type RemoveLiquidityResult struct {
	Pool      pool.Pool
	Custody   custody.Custody
	AssetOut  int64 // token units paid to the provider, net of fee
	Fee       int64
	Transfers []Transfer
}

// ApplyRemoveLiquidity burns lpAmount shares and pays out the custody's
// asset, net of the ratio fee. Redemption requires the gross amount to be
// free (unlocked) in the custody.
func (e *Engine) ApplyRemoveLiquidity(p pool.Pool, c custody.Custody, provider string, lpAmount int64, assetPrice oracle.Price, now int64) (RemoveLiquidityResult, error) {
	var res RemoveLiquidityResult
	if !p.HasCustody(c.Key()) {
		return res, fmt.Errorf("%w: custody %s not in pool %s", errs.ErrUnknownRecord, c.Key(), p.Name)
	}
	if err := assetPrice.CheckAge(now, e.params.MaxOracleAge); err != nil {
		return res, err
	}

	c, err := c.Refresh(now)
	if err != nil {
		return res, err
	}

	redeemUsd, err := pool.UsdForShares(p, lpAmount)
	if err != nil {
		return res, err
	}
	grossTokens, err := assetPrice.UsdToToken(redeemUsd)
	if err != nil {
		return res, err
	}
	if grossTokens <= 0 {
		return res, fmt.Errorf("%w: redemption rounds to zero", errs.ErrInvalidParams)
	}

	oldBps, newBps, err := ratioShift(p, c, assetPrice, -redeemUsd)
	if err != nil {
		return res, err
	}
	if err := pool.CheckRatioMove(oldBps, newBps, c.Ratio); err != nil {
		return res, err
	}

	feeTokens, err := fee.LiquidityFee(e.params.Liquidity, grossTokens, oldBps, newBps, c.Ratio)
	if err != nil {
		return res, err
	}
	assetOut, err := fixed.SubUnsigned(grossTokens, feeTokens)
	if err != nil || assetOut == 0 {
		return res, fmt.Errorf("%w: fee %d consumes redemption %d", errs.ErrInvalidParams, feeTokens, grossTokens)
	}

	// Withdraw the gross amount so the free-balance check covers the fee,
	// then book the retained fee back in.
	c, err = c.Withdraw(grossTokens, now)
	if err != nil {
		return res, err
	}
	c, err = c.RecordFee(feeTokens, e.params.ProtocolShareBps, now)
	if err != nil {
		return res, err
	}
	p, err = pool.BurnShares(p, lpAmount, redeemUsd)
	if err != nil {
		return res, err
	}

	res = RemoveLiquidityResult{
		Pool:     p,
		Custody:  c,
		AssetOut: assetOut,
		Fee:      feeTokens,
		Transfers: []Transfer{{
			Kind:    "liquidity_out",
			From:    c.Key(),
			To:      provider,
			Custody: c.Key(),
			Amount:  assetOut,
		}},
	}
	return res, nil
}
