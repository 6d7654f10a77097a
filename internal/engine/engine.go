// Package engine exposes the venue's state transitions as pure functions:
// every operation takes prior-state snapshots plus explicit inputs (time,
// oracle prices) and returns committed successors plus the transfers the
// caller must execute. No I/O, no locks, no background work; the hosting
// layer serializes writers per record.
package engine

import (
	"fmt"

	"OptionVault/internal/custody"
	"OptionVault/internal/errs"
	"OptionVault/internal/fee"
	"OptionVault/internal/fixed"
	"OptionVault/internal/oracle"
)

// Params are the venue-wide static risk and fee parameters. Per-custody
// parameters (curve, ratio band, caps) live on the custody records.
type Params struct {
	Liquidity fee.LiquidityParams
	Trade     fee.TradeParams

	Volatility   int64 // RateScale, annualized
	RiskFreeRate int64 // RateScale, annualized

	MaxOracleAge int64 // seconds, <= 0 disables the staleness check

	ProtocolShareBps int64 // protocol cut of ordinary fee inflows
	RewardFeeBps     int64 // exercise-trigger reward cut of gross profit
	ProtocolFeeBps   int64 // protocol cut of gross exercise profit
	CloseFeeBps      int64 // charge on value realized by a pre-expiry close

	MinPeriodDays int64
	MaxPeriodDays int64
}

func (p Params) Validate() error {
	if p.Volatility <= 0 {
		return fmt.Errorf("%w: non-positive volatility", errs.ErrInvalidParams)
	}
	if p.RiskFreeRate < 0 {
		return fmt.Errorf("%w: negative risk-free rate", errs.ErrInvalidParams)
	}
	for _, bps := range []int64{p.ProtocolShareBps, p.RewardFeeBps, p.ProtocolFeeBps, p.CloseFeeBps} {
		if bps < 0 || bps > fixed.BpsDenom {
			return fmt.Errorf("%w: bps parameter %d outside [0, 10000]", errs.ErrInvalidParams, bps)
		}
	}
	if p.RewardFeeBps+p.ProtocolFeeBps > fixed.BpsDenom {
		return fmt.Errorf("%w: exercise fee split %d+%d bps", errs.ErrInvalidParams, p.RewardFeeBps, p.ProtocolFeeBps)
	}
	if p.MinPeriodDays <= 0 || p.MaxPeriodDays < p.MinPeriodDays {
		return fmt.Errorf("%w: period bounds [%d, %d] days", errs.ErrInvalidParams, p.MinPeriodDays, p.MaxPeriodDays)
	}
	return nil
}

// Engine is stateless beyond its static parameters.
type Engine struct {
	params Params
}

func New(p Params) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Engine{params: p}, nil
}

// Params returns the configured parameters.
func (e *Engine) Params() Params {
	return e.params
}

// Transfer is a token-movement instruction for the orchestration layer. The
// engine never moves tokens itself.
type Transfer struct {
	Kind    string // premium, option_cost, liquidity_in, liquidity_out, payout, reward
	From    string // account or custody key
	To      string
	Custody string // custody key whose asset moves
	Amount  int64  // token units
}

// Quote bundles the oracle inputs one operation consumes. Twap may be zero
// when no time-weighted price exists; Pay prices the settlement asset.
type Quote struct {
	Spot oracle.Price
	Twap oracle.Price
	Pay  oracle.Price
}

func (q Quote) check(now, maxAge int64) error {
	if err := q.Spot.CheckAge(now, maxAge); err != nil {
		return fmt.Errorf("spot: %w", err)
	}
	if q.Twap.Value != 0 {
		if err := q.Twap.CheckAge(now, maxAge); err != nil {
			return fmt.Errorf("twap: %w", err)
		}
	}
	if err := q.Pay.CheckAge(now, maxAge); err != nil {
		return fmt.Errorf("pay: %w", err)
	}
	return nil
}

// conservative is the quote used for premium and payout math: the lower of
// spot and TWAP, so quotes err on the pool's side.
func (q Quote) conservative() oracle.Price {
	return oracle.Conservative(q.Spot, q.Twap)
}

// RefreshRates accrues a custody's cumulative rate series up to now.
func (e *Engine) RefreshRates(c custody.Custody, now int64) (custody.Custody, error) {
	return c.Refresh(now)
}
