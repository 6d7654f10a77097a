// Package option models an open option position and its one-shot terminal
// state machine.
package option

import (
	"fmt"

	"github.com/google/uuid"

	"OptionVault/internal/errs"
	"OptionVault/internal/pricing"
)

// State is the position lifecycle state. Open is the only non-terminal
// state; every transition out of it is final.
type State int32

const (
	StateOpen State = iota
	StateClosed
	StateExercised
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "Open"
	case StateClosed:
		return "Closed"
	case StateExercised:
		return "Exercised"
	case StateExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateExercised || s == StateExpired
}

// CanTransitionTo validates a transition. Terminal states accept nothing.
func (s State) CanTransitionTo(next State) bool {
	if s != StateOpen {
		return false
	}
	return next.IsTerminal()
}

// Position is a collateralized option against pool custody. Amount is both
// the contract count and the locked collateral in underlying token units
// (covered call / cash-secured put), AmountScale.
type Position struct {
	ID         uuid.UUID
	Owner      string
	Pool       string
	Custody    string // underlying custody key, holds the locked collateral
	PayCustody string // premium / settlement custody key

	Direction   pricing.Direction
	StrikePrice int64 // PriceScale
	Amount      int64 // AmountScale

	PremiumPaid int64 // pay-custody token units
	OpenFee     int64 // pay-custody token units
	OpenTime    int64
	ExpiryTime  int64

	State         State
	SettledProfit int64 // PriceScale USD, set on the terminal transition
	SettledTime   int64

	// Rate snapshots at open, for borrow/funding settlement on exit.
	CumBorrowAtOpen  int64
	CumFundingAtOpen int64

	Version int64
}

// IsExpired is the pure expiry predicate; an external poller evaluates it
// and drives the Expire transition.
func (p Position) IsExpired(now int64) bool {
	return now >= p.ExpiryTime
}

// Transition returns a copy of the position moved to next, or ErrInvalidState
// if the position is already terminal.
func (p Position) Transition(next State, now int64) (Position, error) {
	if !p.State.CanTransitionTo(next) {
		return p, fmt.Errorf("%w: %s -> %s for position %s", errs.ErrInvalidState, p.State, next, p.ID)
	}
	p.State = next
	p.SettledTime = now
	p.Version++
	return p, nil
}

// ReduceAmount shrinks an open position after a partial close. The position
// stays open; a reduction to zero is expressed by the caller as a full close.
func (p Position) ReduceAmount(by int64) (Position, error) {
	if p.State != StateOpen {
		return p, fmt.Errorf("%w: reduce on %s position %s", errs.ErrInvalidState, p.State, p.ID)
	}
	if by <= 0 || by >= p.Amount {
		return p, fmt.Errorf("%w: reduce %d of %d", errs.ErrInvalidParams, by, p.Amount)
	}
	p.Amount -= by
	p.Version++
	return p, nil
}
