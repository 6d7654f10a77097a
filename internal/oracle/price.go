// Package oracle defines the timestamped price inputs the orchestration
// layer supplies. The engine never fetches prices; it only validates age and
// converts between token amounts and USD.
package oracle

import (
	"fmt"

	"OptionVault/internal/errs"
	"OptionVault/internal/fixed"
)

// Price is a USD price at PriceScale (1e6) with its observation time in unix
// seconds.
type Price struct {
	Value     int64
	Timestamp int64
}

// CheckAge enforces the caller's staleness policy. maxAge <= 0 disables the
// check (the engine itself only requires a timestamp).
func (p Price) CheckAge(now, maxAge int64) error {
	if p.Value <= 0 {
		return fmt.Errorf("%w: non-positive price", errs.ErrInvalidParams)
	}
	if maxAge > 0 && now-p.Timestamp > maxAge {
		return fmt.Errorf("%w: price is %ds old, max %ds", errs.ErrStaleOracle, now-p.Timestamp, maxAge)
	}
	return nil
}

// Conservative returns the lower of the instantaneous and time-weighted
// prices, keeping premium quotes on the cheap side for the pool's
// counterparty risk.
func Conservative(spot, twap Price) Price {
	if twap.Value > 0 && twap.Value < spot.Value {
		return twap
	}
	return spot
}

// TokenToUsd converts a 1e6-scaled token amount to 1e6-scaled USD.
func (p Price) TokenToUsd(amount int64) (int64, error) {
	return fixed.MulDiv(amount, p.Value, fixed.PriceScale, fixed.RoundHalfEven)
}

// UsdToToken converts 1e6-scaled USD to a 1e6-scaled token amount.
func (p Price) UsdToToken(usd int64) (int64, error) {
	if p.Value <= 0 {
		return 0, fmt.Errorf("%w: non-positive price", errs.ErrInvalidParams)
	}
	return fixed.MulDiv(usd, fixed.PriceScale, p.Value, fixed.RoundHalfEven)
}
