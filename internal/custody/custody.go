// Package custody holds the per-asset-per-pool sub-ledger: owned and locked
// balances, fee and open-interest stats, and the rate-curve state that
// accrues on every touch.
package custody

import (
	"fmt"

	"OptionVault/internal/errs"
	"OptionVault/internal/fixed"
	"OptionVault/internal/rate"
)

// Ratio is the composition band for a custody inside its pool, in bps.
type Ratio struct {
	TargetBps int64
	MinBps    int64
	MaxBps    int64
}

func (r Ratio) Validate() error {
	if r.MinBps < 0 || r.MaxBps > fixed.BpsDenom {
		return fmt.Errorf("%w: ratio band [%d, %d] outside [0, 10000]", errs.ErrInvalidRatio, r.MinBps, r.MaxBps)
	}
	if !(r.MinBps < r.TargetBps && r.TargetBps < r.MaxBps) {
		return fmt.Errorf("%w: require min < target < max, got %d/%d/%d", errs.ErrInvalidRatio, r.MinBps, r.TargetBps, r.MaxBps)
	}
	return nil
}

// Custody is a value type. Mutating operations take the prior snapshot by
// value and return the committed successor, so a failed validation never
// leaks a half-applied record (copy-validate-commit).
type Custody struct {
	Pool     string
	Asset    string
	Decimals uint8

	// Balances and stats, token units.
	Owned         int64
	Locked        int64
	CollectedFees int64
	ProtocolFees  int64
	LongOI        int64
	ShortOI       int64

	// Static risk parameters.
	Ratio          Ratio
	Curve          rate.CurveParams
	FundingMult    int64 // RateScale
	UtilizationCap int64 // RateScale hard cap for locks, >= Curve.OptimalUtilization

	// Accrual state. Cumulative series are RateScale * hours and never
	// decrease; LastUpdateTime is unix seconds.
	CumBorrowRate  int64
	CumFundingRate int64
	LastUpdateTime int64
}

func (c Custody) Validate() error {
	if err := c.Ratio.Validate(); err != nil {
		return err
	}
	if err := c.Curve.Validate(); err != nil {
		return err
	}
	if c.UtilizationCap < c.Curve.OptimalUtilization || c.UtilizationCap > fixed.RateScale {
		return fmt.Errorf("%w: utilization cap %d below optimal or above 1", errs.ErrInvalidParams, c.UtilizationCap)
	}
	return c.checkBalances()
}

func (c Custody) checkBalances() error {
	if c.Owned < 0 || c.Locked < 0 || c.CollectedFees < 0 || c.ProtocolFees < 0 || c.LongOI < 0 || c.ShortOI < 0 {
		return fmt.Errorf("%w: negative custody balance for %s/%s", errs.ErrUnderflow, c.Pool, c.Asset)
	}
	if c.Locked > c.Owned {
		return fmt.Errorf("%w: locked %d exceeds owned %d for %s/%s", errs.ErrInsufficientLiquidity, c.Locked, c.Owned, c.Pool, c.Asset)
	}
	return nil
}

// Utilization returns locked/owned as a RateScale fraction.
func (c Custody) Utilization() int64 {
	return rate.Utilization(c.Locked, c.Owned)
}

// BorrowRate evaluates the curve at the current utilization.
func (c Custody) BorrowRate() (int64, error) {
	return rate.BorrowRate(c.Curve, c.Utilization())
}

// Refresh accrues both cumulative series up to now. Calling twice with the
// same now is a no-op; now must not run backwards.
func (c Custody) Refresh(now int64) (Custody, error) {
	if now == c.LastUpdateTime {
		return c, nil
	}
	if now < c.LastUpdateTime {
		return c, fmt.Errorf("%w: refresh time %d before last update %d", errs.ErrInvalidParams, now, c.LastUpdateTime)
	}

	elapsed := now - c.LastUpdateTime

	borrow, err := c.BorrowRate()
	if err != nil {
		return c, err
	}
	borrowDelta, err := rate.AccrueDelta(borrow, elapsed)
	if err != nil {
		return c, err
	}

	funding, err := rate.FundingRate(c.LongOI, c.ShortOI, c.FundingMult)
	if err != nil {
		return c, err
	}
	// The cumulative series is non-decreasing: it accrues the magnitude of
	// the skew fee, charged to whichever side is crowded at settlement.
	fundingAbs, err := fixed.Abs(funding)
	if err != nil {
		return c, err
	}
	fundingDelta, err := rate.AccrueDelta(fundingAbs, elapsed)
	if err != nil {
		return c, err
	}

	if c.CumBorrowRate, err = fixed.Add(c.CumBorrowRate, borrowDelta); err != nil {
		return c, err
	}
	if c.CumFundingRate, err = fixed.Add(c.CumFundingRate, fundingDelta); err != nil {
		return c, err
	}
	c.LastUpdateTime = now
	return c, nil
}

// Deposit adds owned assets.
func (c Custody) Deposit(amount, now int64) (Custody, error) {
	c, err := c.mutate(now)
	if err != nil {
		return c, err
	}
	if c.Owned, err = fixed.Add(c.Owned, amount); err != nil {
		return c, err
	}
	return c, c.checkBalances()
}

// Withdraw removes owned assets. Only the unlocked portion is withdrawable.
func (c Custody) Withdraw(amount, now int64) (Custody, error) {
	c, err := c.mutate(now)
	if err != nil {
		return c, err
	}
	if amount > c.Owned-c.Locked {
		return c, fmt.Errorf("%w: withdraw %d exceeds free balance %d for %s/%s",
			errs.ErrInsufficientLiquidity, amount, c.Owned-c.Locked, c.Pool, c.Asset)
	}
	if c.Owned, err = fixed.SubUnsigned(c.Owned, amount); err != nil {
		return c, err
	}
	return c, c.checkBalances()
}

// Lock reserves collateral. Rejected when the post-lock utilization would
// exceed the hard cap.
func (c Custody) Lock(amount, now int64) (Custody, error) {
	c, err := c.mutate(now)
	if err != nil {
		return c, err
	}
	newLocked, err := fixed.Add(c.Locked, amount)
	if err != nil {
		return c, err
	}
	if u := rate.Utilization(newLocked, c.Owned); u > c.UtilizationCap || newLocked > c.Owned {
		return c, fmt.Errorf("%w: lock %d would push %s/%s utilization past cap",
			errs.ErrInsufficientLiquidity, amount, c.Pool, c.Asset)
	}
	c.Locked = newLocked
	return c, c.checkBalances()
}

// Unlock releases collateral. An excess unlock clamps to zero rather than
// failing: terminal position transitions must always be able to release.
func (c Custody) Unlock(amount, now int64) (Custody, error) {
	c, err := c.mutate(now)
	if err != nil {
		return c, err
	}
	if amount >= c.Locked {
		c.Locked = 0
	} else {
		c.Locked -= amount
	}
	return c, c.checkBalances()
}

// RecordFee books a fee inflow into owned assets, splitting the protocol
// share (bps) out of the pool's cut.
func (c Custody) RecordFee(amount, protocolShareBps, now int64) (Custody, error) {
	c, err := c.mutate(now)
	if err != nil {
		return c, err
	}
	if protocolShareBps < 0 || protocolShareBps > fixed.BpsDenom {
		return c, fmt.Errorf("%w: protocol share %d bps", errs.ErrInvalidParams, protocolShareBps)
	}
	protocol, err := fixed.MulDiv(amount, protocolShareBps, fixed.BpsDenom, fixed.RoundDown)
	if err != nil {
		return c, err
	}
	if c.Owned, err = fixed.Add(c.Owned, amount); err != nil {
		return c, err
	}
	if c.CollectedFees, err = fixed.Add(c.CollectedFees, amount-protocol); err != nil {
		return c, err
	}
	if c.ProtocolFees, err = fixed.Add(c.ProtocolFees, protocol); err != nil {
		return c, err
	}
	return c, c.checkBalances()
}

// RetainFee books a fee that is already part of owned assets (a deduction
// withheld from an outgoing payout) into the fee stats without moving the
// balance.
func (c Custody) RetainFee(amount, protocolShareBps, now int64) (Custody, error) {
	c, err := c.mutate(now)
	if err != nil {
		return c, err
	}
	if protocolShareBps < 0 || protocolShareBps > fixed.BpsDenom {
		return c, fmt.Errorf("%w: protocol share %d bps", errs.ErrInvalidParams, protocolShareBps)
	}
	protocol, err := fixed.MulDiv(amount, protocolShareBps, fixed.BpsDenom, fixed.RoundDown)
	if err != nil {
		return c, err
	}
	if c.CollectedFees, err = fixed.Add(c.CollectedFees, amount-protocol); err != nil {
		return c, err
	}
	if c.ProtocolFees, err = fixed.Add(c.ProtocolFees, protocol); err != nil {
		return c, err
	}
	return c, c.checkBalances()
}

// AdjustOI applies signed open-interest deltas.
func (c Custody) AdjustOI(deltaLong, deltaShort, now int64) (Custody, error) {
	c, err := c.mutate(now)
	if err != nil {
		return c, err
	}
	if c.LongOI, err = fixed.Add(c.LongOI, deltaLong); err != nil {
		return c, err
	}
	if c.ShortOI, err = fixed.Add(c.ShortOI, deltaShort); err != nil {
		return c, err
	}
	return c, c.checkBalances()
}

// mutate is the shared prologue: every mutation accrues rates first so fees
// are settled against the pre-mutation utilization.
func (c Custody) mutate(now int64) (Custody, error) {
	return c.Refresh(now)
}

// Key identifies a custody inside the venue's record maps.
func (c Custody) Key() string {
	return c.Pool + "/" + c.Asset
}
