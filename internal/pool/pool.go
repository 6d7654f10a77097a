// Package pool models the multi-asset liquidity pool: membership, AUM, the
// composition-ratio validator, and LP share mint/burn math.
package pool

import (
	"fmt"

	"OptionVault/internal/custody"
	"OptionVault/internal/errs"
	"OptionVault/internal/fixed"
)

// Pool is a value type, same copy-validate-commit discipline as Custody.
type Pool struct {
	Name      string
	Custodies []string // custody keys, creation order
	AumUsd    int64    // PriceScale USD
	LPSupply  int64    // AmountScale shares
}

// HasCustody reports membership.
func (p Pool) HasCustody(key string) bool {
	for _, k := range p.Custodies {
		if k == key {
			return true
		}
	}
	return false
}

// ValidateComposition checks the 100%-sum invariant over the member
// custodies' target ratios.
func ValidateComposition(p Pool, custodies map[string]custody.Custody) error {
	var sum int64
	for _, key := range p.Custodies {
		c, ok := custodies[key]
		if !ok {
			return fmt.Errorf("%w: custody %s", errs.ErrUnknownRecord, key)
		}
		if err := c.Ratio.Validate(); err != nil {
			return err
		}
		sum += c.Ratio.TargetBps
	}
	if sum != fixed.BpsDenom {
		return fmt.Errorf("%w: pool %s target ratios sum to %d bps, want 10000", errs.ErrInvalidRatio, p.Name, sum)
	}
	return nil
}

// RatioBps returns a custody's share of pool AUM in bps. Zero AUM means zero
// ratio, never a division.
func RatioBps(custodyValueUsd, aumUsd int64) (int64, error) {
	if aumUsd <= 0 {
		return 0, nil
	}
	return fixed.MulDiv(custodyValueUsd, fixed.BpsDenom, aumUsd, fixed.RoundHalfEven)
}

// CheckRatioMove enforces the band rule: a custody already outside its
// [min, max] band may only move back toward it. In-band results are always
// allowed.
func CheckRatioMove(oldBps, newBps int64, r custody.Ratio) error {
	if newBps < r.MinBps && newBps < oldBps {
		return fmt.Errorf("%w: ratio %d bps below min %d and moving away", errs.ErrInvalidRatio, newBps, r.MinBps)
	}
	if newBps > r.MaxBps && newBps > oldBps {
		return fmt.Errorf("%w: ratio %d bps above max %d and moving away", errs.ErrInvalidRatio, newBps, r.MaxBps)
	}
	return nil
}

// SharesForDeposit returns the LP shares to mint for a USD contribution,
// proportional to the pre-deposit AUM. The first deposit bootstraps the
// supply 1:1 with contributed USD.
func SharesForDeposit(p Pool, depositUsd int64) (int64, error) {
	if depositUsd <= 0 {
		return 0, fmt.Errorf("%w: non-positive deposit", errs.ErrInvalidParams)
	}
	if p.LPSupply == 0 || p.AumUsd == 0 {
		return fixed.Rescale(depositUsd, fixed.PriceScale, fixed.AmountScale)
	}
	return fixed.MulDiv(depositUsd, p.LPSupply, p.AumUsd, fixed.RoundDown)
}

// UsdForShares returns the USD value redeemed by burning shares.
func UsdForShares(p Pool, shares int64) (int64, error) {
	if shares <= 0 {
		return 0, fmt.Errorf("%w: non-positive share amount", errs.ErrInvalidParams)
	}
	if p.LPSupply == 0 || p.AumUsd == 0 {
		return 0, fmt.Errorf("%w: pool %s has no supply to redeem against", errs.ErrPoolEmpty, p.Name)
	}
	if shares > p.LPSupply {
		return 0, fmt.Errorf("%w: burn %d exceeds supply %d", errs.ErrInvalidParams, shares, p.LPSupply)
	}
	return fixed.MulDiv(shares, p.AumUsd, p.LPSupply, fixed.RoundDown)
}

// MintShares commits an AUM contribution and the matching share mint.
func MintShares(p Pool, shares, depositUsd int64) (Pool, error) {
	var err error
	if p.LPSupply, err = fixed.Add(p.LPSupply, shares); err != nil {
		return p, err
	}
	if p.AumUsd, err = fixed.Add(p.AumUsd, depositUsd); err != nil {
		return p, err
	}
	return p, nil
}

// BurnShares commits a share burn and the matching AUM reduction.
func BurnShares(p Pool, shares, redeemUsd int64) (Pool, error) {
	var err error
	if p.LPSupply, err = fixed.SubUnsigned(p.LPSupply, shares); err != nil {
		return p, err
	}
	if p.AumUsd, err = fixed.SubUnsigned(p.AumUsd, redeemUsd); err != nil {
		return p, err
	}
	return p, nil
}
