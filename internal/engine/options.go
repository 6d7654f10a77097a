package engine

import (
	"fmt"

	"github.com/google/uuid"

	"OptionVault/internal/custody"
	"OptionVault/internal/errs"
	"OptionVault/internal/fee"
	"OptionVault/internal/fixed"
	"OptionVault/internal/option"
	"OptionVault/internal/pricing"
	"OptionVault/internal/rate"
)

const (
	daysPerYear    int64 = 365
	secondsPerYear int64 = daysPerYear * 24 * 3600
)

// periodToYears converts a whole-day option tenor to a RateScale year
// fraction.
func periodToYears(periodDays int64) (int64, error) {
	return fixed.MulDiv(periodDays, fixed.RateScale, daysPerYear, fixed.RoundHalfEven)
}

// remainingYears converts the seconds left to expiry to a RateScale year
// fraction.
func remainingYears(expiry, now int64) (int64, error) {
	if now >= expiry {
		return 0, nil
	}
	return fixed.MulDiv(expiry-now, fixed.RateScale, secondsPerYear, fixed.RoundHalfEven)
}

// oiDelta maps a signed contract delta onto the custody's long/short columns.
func oiDelta(dir pricing.Direction, amount int64) (long, short int64) {
	if dir == pricing.Call {
		return amount, 0
	}
	return 0, amount
}

// rateFeesUsd settles the borrow and funding accumulators for amount
// contracts against the position's open-time snapshots, in PriceScale USD at
// the instantaneous spot.
func (e *Engine) rateFeesUsd(pos option.Position, c custody.Custody, q Quote, amount int64) (int64, error) {
	borrowTok, err := rate.SettlementOwed(c.CumBorrowRate, pos.CumBorrowAtOpen, amount)
	if err != nil {
		return 0, err
	}
	fundingTok, err := rate.SettlementOwed(c.CumFundingRate, pos.CumFundingAtOpen, amount)
	if err != nil {
		return 0, err
	}
	owedTok, err := fixed.Add(borrowTok, fundingTok)
	if err != nil {
		return 0, err
	}
	return q.Spot.TokenToUsd(owedTok)
}

// checkKeys guards against the caller handing the wrong custody snapshots.
func checkKeys(pos option.Position, c custody.Custody) error {
	if pos.Custody != c.Key() {
		return fmt.Errorf("%w: position %s belongs to custody %s, got %s", errs.ErrUnknownRecord, pos.ID, pos.Custody, c.Key())
	}
	return nil
}

// OpenResult carries the committed state after an option open.
type OpenResult struct {
	Position   option.Position
	Custody    custody.Custody
	PayCustody custody.Custody
	Premium    int64 // pay-custody token units
	Fee        int64 // pay-custody token units
	Transfers  []Transfer
}

// OpenOption prices, charges and opens a covered option. The underlying
// custody locks amount as collateral; the premium plus the utilization fee
// enter the pay custody. The caller supplies the position ID so replays of
// the same command are idempotent.
func (e *Engine) OpenOption(id uuid.UUID, owner string, c, payC custody.Custody, q Quote, dir pricing.Direction, strike, amount, periodDays, now int64) (OpenResult, error) {
	var res OpenResult
	if err := dir.Validate(); err != nil {
		return res, err
	}
	if strike <= 0 || amount <= 0 {
		return res, fmt.Errorf("%w: non-positive strike or amount", errs.ErrInvalidParams)
	}
	if periodDays < e.params.MinPeriodDays || periodDays > e.params.MaxPeriodDays {
		return res, fmt.Errorf("%w: period %d days outside [%d, %d]", errs.ErrInvalidParams, periodDays, e.params.MinPeriodDays, e.params.MaxPeriodDays)
	}
	if c.Key() == payC.Key() {
		return res, fmt.Errorf("%w: pay custody must differ from collateral custody", errs.ErrInvalidParams)
	}
	if err := q.check(now, e.params.MaxOracleAge); err != nil {
		return res, err
	}

	timeYears, err := periodToYears(periodDays)
	if err != nil {
		return res, err
	}
	cons := q.conservative()
	perUnit, err := pricing.Premium(cons.Value, strike, timeYears, e.params.Volatility, e.params.RiskFreeRate, dir)
	if err != nil {
		return res, err
	}
	premiumUsd, err := fixed.MulDiv(perUnit, amount, fixed.AmountScale, fixed.RoundHalfEven)
	if err != nil {
		return res, err
	}
	premiumTok, err := q.Pay.UsdToToken(premiumUsd)
	if err != nil {
		return res, err
	}

	// Lock first: the utilization fee prices the post-lock state.
	c, err = c.Lock(amount, now)
	if err != nil {
		return res, err
	}
	feeTok, err := fee.TradingFee(e.params.Trade, premiumTok, c.Utilization(), c.Curve.OptimalUtilization)
	if err != nil {
		return res, err
	}

	deltaLong, deltaShort := oiDelta(dir, amount)
	c, err = c.AdjustOI(deltaLong, deltaShort, now)
	if err != nil {
		return res, err
	}

	payC, err = payC.Deposit(premiumTok, now)
	if err != nil {
		return res, err
	}
	payC, err = payC.RecordFee(feeTok, e.params.ProtocolShareBps, now)
	if err != nil {
		return res, err
	}

	totalCost, err := fixed.Add(premiumTok, feeTok)
	if err != nil {
		return res, err
	}

	pos := option.Position{
		ID:               id,
		Owner:            owner,
		Pool:             c.Pool,
		Custody:          c.Key(),
		PayCustody:       payC.Key(),
		Direction:        dir,
		StrikePrice:      strike,
		Amount:           amount,
		PremiumPaid:      premiumTok,
		OpenFee:          feeTok,
		OpenTime:         now,
		ExpiryTime:       now + periodDays*24*3600,
		State:            option.StateOpen,
		CumBorrowAtOpen:  c.CumBorrowRate,
		CumFundingAtOpen: c.CumFundingRate,
	}

	res = OpenResult{
		Position:   pos,
		Custody:    c,
		PayCustody: payC,
		Premium:    premiumTok,
		Fee:        feeTok,
		Transfers: []Transfer{{
			Kind:    "option_cost",
			From:    owner,
			To:      payC.Key(),
			Custody: payC.Key(),
			Amount:  totalCost,
		}},
	}
	return res, nil
}

// CloseResult carries the committed state after a close or partial close.
type CloseResult struct {
	Position   option.Position
	Custody    custody.Custody
	PayCustody custody.Custody
	Payout     int64 // pay-custody token units
	Transfers  []Transfer
}

// CloseOption settles an owner-initiated pre-expiry close. The position
// realizes its remaining model value, minus the close fee and the accrued
// borrow/funding settlement; collateral unlocks in full.
func (e *Engine) CloseOption(pos option.Position, c, payC custody.Custody, q Quote, now int64) (CloseResult, error) {
	return e.closePortion(pos, c, payC, q, now, pos.Amount)
}

// PartialClose settles sizeBps/10000 of the position and leaves the rest
// open. A 100% size delegates to the full close.
func (e *Engine) PartialClose(pos option.Position, c, payC custody.Custody, q Quote, sizeBps, now int64) (CloseResult, error) {
	if sizeBps <= 0 || sizeBps > fixed.BpsDenom {
		return CloseResult{}, fmt.Errorf("%w: close size %d bps", errs.ErrInvalidParams, sizeBps)
	}
	closeAmount, err := fixed.MulDiv(pos.Amount, sizeBps, fixed.BpsDenom, fixed.RoundDown)
	if err != nil {
		return CloseResult{}, err
	}
	if closeAmount == 0 {
		return CloseResult{}, fmt.Errorf("%w: close size rounds to zero contracts", errs.ErrInvalidParams)
	}
	return e.closePortion(pos, c, payC, q, now, closeAmount)
}

func (e *Engine) closePortion(pos option.Position, c, payC custody.Custody, q Quote, now, closeAmount int64) (CloseResult, error) {
	var res CloseResult
	if err := checkKeys(pos, c); err != nil {
		return res, err
	}
	if pos.PayCustody != payC.Key() {
		return res, fmt.Errorf("%w: position %s settles via %s, got %s", errs.ErrUnknownRecord, pos.ID, pos.PayCustody, payC.Key())
	}
	if pos.State != option.StateOpen {
		return res, fmt.Errorf("%w: close on %s position %s", errs.ErrInvalidState, pos.State, pos.ID)
	}
	if pos.IsExpired(now) {
		return res, fmt.Errorf("%w: position %s is past expiry, settle via expiry", errs.ErrInvalidState, pos.ID)
	}
	if err := q.check(now, e.params.MaxOracleAge); err != nil {
		return res, err
	}

	c, err := c.Refresh(now)
	if err != nil {
		return res, err
	}

	timeYears, err := remainingYears(pos.ExpiryTime, now)
	if err != nil {
		return res, err
	}
	cons := q.conservative()
	perUnit, err := pricing.Premium(cons.Value, pos.StrikePrice, timeYears, e.params.Volatility, e.params.RiskFreeRate, pos.Direction)
	if err != nil {
		return res, err
	}
	valueUsd, err := fixed.MulDiv(perUnit, closeAmount, fixed.AmountScale, fixed.RoundDown)
	if err != nil {
		return res, err
	}

	closeFeeUsd, err := fixed.MulDiv(valueUsd, e.params.CloseFeeBps, fixed.BpsDenom, fixed.RoundUp)
	if err != nil {
		return res, err
	}
	rateUsd, err := e.rateFeesUsd(pos, c, q, closeAmount)
	if err != nil {
		return res, err
	}

	payoutUsd := valueUsd - closeFeeUsd - rateUsd
	if payoutUsd < 0 {
		payoutUsd = 0
	}
	retainedUsd := valueUsd - payoutUsd

	payoutTok, err := q.Pay.UsdToToken(payoutUsd)
	if err != nil {
		return res, err
	}
	retainedTok, err := q.Pay.UsdToToken(retainedUsd)
	if err != nil {
		return res, err
	}

	if payoutTok > 0 {
		if payC, err = payC.Withdraw(payoutTok, now); err != nil {
			return res, err
		}
	}
	if retainedTok > 0 {
		if payC, err = payC.RetainFee(retainedTok, e.params.ProtocolShareBps, now); err != nil {
			return res, err
		}
	}

	c, err = c.Unlock(closeAmount, now)
	if err != nil {
		return res, err
	}
	deltaLong, deltaShort := oiDelta(pos.Direction, closeAmount)
	c, err = c.AdjustOI(-deltaLong, -deltaShort, now)
	if err != nil {
		return res, err
	}

	if closeAmount < pos.Amount {
		pos, err = pos.ReduceAmount(closeAmount)
	} else {
		pos, err = pos.Transition(option.StateClosed, now)
		pos.SettledProfit = payoutUsd
	}
	if err != nil {
		return res, err
	}

	res = CloseResult{
		Position:   pos,
		Custody:    c,
		PayCustody: payC,
		Payout:     payoutTok,
	}
	if payoutTok > 0 {
		res.Transfers = []Transfer{{
			Kind:    "payout",
			From:    payC.Key(),
			To:      pos.Owner,
			Custody: payC.Key(),
			Amount:  payoutTok,
		}}
	}
	return res, nil
}

// ExerciseResult carries the committed state after an exercise.
type ExerciseResult struct {
	Position  option.Position
	Custody   custody.Custody
	Split     pricing.PayoutSplit // PriceScale USD
	Transfers []Transfer
}

// ExerciseOption settles an in-the-money open position against its locked
// collateral. caller names the account that triggered the exercise and earns
// the reward cut; pass the owner for a self-exercise. Profit is clamped to
// the collateral value, so the pool can never pay out more than it locked.
func (e *Engine) ExerciseOption(pos option.Position, c custody.Custody, q Quote, now int64, caller string) (ExerciseResult, error) {
	var res ExerciseResult
	if err := checkKeys(pos, c); err != nil {
		return res, err
	}
	if pos.State != option.StateOpen {
		return res, fmt.Errorf("%w: exercise on %s position %s", errs.ErrInvalidState, pos.State, pos.ID)
	}
	if err := q.check(now, e.params.MaxOracleAge); err != nil {
		return res, err
	}

	cons := q.conservative()
	if !pricing.InTheMoney(pos.Direction, cons.Value, pos.StrikePrice) {
		return res, fmt.Errorf("%w: position %s is not in the money at %d", errs.ErrInvalidState, pos.ID, cons.Value)
	}

	c, err := c.Refresh(now)
	if err != nil {
		return res, err
	}

	profitUsd, err := pricing.ExercisePayout(pos.Direction, cons.Value, pos.StrikePrice, pos.Amount)
	if err != nil {
		return res, err
	}
	collateralUsd, err := cons.TokenToUsd(pos.Amount)
	if err != nil {
		return res, err
	}
	profitUsd = fixed.Min(profitUsd, collateralUsd)

	rateUsd, err := e.rateFeesUsd(pos, c, q, pos.Amount)
	if err != nil {
		return res, err
	}
	profitUsd = fixed.Max(profitUsd-rateUsd, 0)

	split, err := pricing.SplitProfit(profitUsd, e.params.RewardFeeBps, e.params.ProtocolFeeBps)
	if err != nil {
		return res, err
	}

	userTok, err := cons.UsdToToken(split.UserAmount)
	if err != nil {
		return res, err
	}
	rewardTok, err := cons.UsdToToken(split.RewardAmount)
	if err != nil {
		return res, err
	}
	protocolTok, err := cons.UsdToToken(split.ProtocolFee)
	if err != nil {
		return res, err
	}

	c, err = c.Unlock(pos.Amount, now)
	if err != nil {
		return res, err
	}
	outTok, err := fixed.Add(userTok, rewardTok)
	if err != nil {
		return res, err
	}
	if outTok > 0 {
		if c, err = c.Withdraw(outTok, now); err != nil {
			return res, err
		}
	}
	if protocolTok > 0 {
		// The protocol cut stays in the custody; it is all protocol share.
		if c, err = c.RetainFee(protocolTok, fixed.BpsDenom, now); err != nil {
			return res, err
		}
	}
	deltaLong, deltaShort := oiDelta(pos.Direction, pos.Amount)
	c, err = c.AdjustOI(-deltaLong, -deltaShort, now)
	if err != nil {
		return res, err
	}

	pos, err = pos.Transition(option.StateExercised, now)
	if err != nil {
		return res, err
	}
	pos.SettledProfit = profitUsd

	res = ExerciseResult{
		Position: pos,
		Custody:  c,
		Split:    split,
	}
	if userTok > 0 {
		res.Transfers = append(res.Transfers, Transfer{
			Kind: "payout", From: c.Key(), To: pos.Owner, Custody: c.Key(), Amount: userTok,
		})
	}
	if rewardTok > 0 && caller != "" {
		res.Transfers = append(res.Transfers, Transfer{
			Kind: "reward", From: c.Key(), To: caller, Custody: c.Key(), Amount: rewardTok,
		})
	}
	return res, nil
}

// ExpireResult carries the committed state after an out-of-the-money expiry.
type ExpireResult struct {
	Position option.Position
	Custody  custody.Custody
}

// ExpireOption releases collateral of a position past expiry with no payout.
// In-the-money positions must settle via ExerciseOption instead; the venue's
// expiry sweep makes that choice.
func (e *Engine) ExpireOption(pos option.Position, c custody.Custody, now int64) (ExpireResult, error) {
	var res ExpireResult
	if err := checkKeys(pos, c); err != nil {
		return res, err
	}
	if pos.State != option.StateOpen {
		return res, fmt.Errorf("%w: expire on %s position %s", errs.ErrInvalidState, pos.State, pos.ID)
	}
	if !pos.IsExpired(now) {
		return res, fmt.Errorf("%w: position %s expires at %d, now %d", errs.ErrInvalidState, pos.ID, pos.ExpiryTime, now)
	}

	c, err := c.Refresh(now)
	if err != nil {
		return res, err
	}
	c, err = c.Unlock(pos.Amount, now)
	if err != nil {
		return res, err
	}
	deltaLong, deltaShort := oiDelta(pos.Direction, pos.Amount)
	c, err = c.AdjustOI(-deltaLong, -deltaShort, now)
	if err != nil {
		return res, err
	}

	pos, err = pos.Transition(option.StateExpired, now)
	if err != nil {
		return res, err
	}
	res = ExpireResult{Position: pos, Custody: c}
	return res, nil
}
