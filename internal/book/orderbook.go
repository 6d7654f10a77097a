// Package book holds per-position take-profit / stop-loss instructions. The
// book only validates and stores; an external price monitor evaluates the
// trigger predicate and drives partial closes through the lifecycle engine.
package book

import (
	"fmt"

	"github.com/google/uuid"

	"OptionVault/internal/errs"
	"OptionVault/internal/fixed"
	"OptionVault/internal/pricing"
)

// MaxOrders is the per-side capacity.
const MaxOrders = 10

// Kind selects the TP or SL side of the book.
type Kind int8

const (
	TakeProfit Kind = iota
	StopLoss
)

func (k Kind) String() string {
	switch k {
	case TakeProfit:
		return "take_profit"
	case StopLoss:
		return "stop_loss"
	default:
		return "unknown"
	}
}

func (k Kind) validate() error {
	switch k {
	case TakeProfit, StopLoss:
		return nil
	default:
		return fmt.Errorf("%w: order kind %d", errs.ErrInvalidParams, int8(k))
	}
}

// Entry is one conditional partial-close instruction.
type Entry struct {
	Price          int64 // PriceScale trigger
	SizePercentBps int64 // share of the position to close, 1..10000
}

// RefPrices anchors the direction/margin price rules. Liquidation == 0 means
// no liquidation bound applies (options have none; perps supply one).
type RefPrices struct {
	Entry       int64
	Liquidation int64
}

// Orderbook is keyed by (owner, position, class) and is a value type like
// every other engine record.
type Orderbook struct {
	Owner      string
	PositionID uuid.UUID
	Direction  pricing.Direction

	TakeProfits []Entry
	StopLosses  []Entry
}

func (b Orderbook) side(k Kind) []Entry {
	if k == TakeProfit {
		return b.TakeProfits
	}
	return b.StopLosses
}

func (b *Orderbook) setSide(k Kind, entries []Entry) {
	if k == TakeProfit {
		b.TakeProfits = entries
	} else {
		b.StopLosses = entries
	}
}

// Allocated sums the side's size allocation in bps.
func (b Orderbook) Allocated(k Kind) int64 {
	var sum int64
	for _, e := range b.side(k) {
		sum += e.SizePercentBps
	}
	return sum
}

// checkPrice enforces the direction rule: a call's TP must sit above the
// reference, a put's below; SL is the mirror image and additionally must not
// cross the liquidation price when one exists.
func checkPrice(k Kind, dir pricing.Direction, price int64, ref RefPrices) error {
	if err := dir.Validate(); err != nil {
		return err
	}
	if price <= 0 {
		return fmt.Errorf("%w: non-positive price", errs.ErrInvalidOrderPrice)
	}

	long := dir == pricing.Call
	switch k {
	case TakeProfit:
		if long && price <= ref.Entry {
			return fmt.Errorf("%w: call take-profit %d not above reference %d", errs.ErrInvalidOrderPrice, price, ref.Entry)
		}
		if !long && price >= ref.Entry {
			return fmt.Errorf("%w: put take-profit %d not below reference %d", errs.ErrInvalidOrderPrice, price, ref.Entry)
		}
	case StopLoss:
		if long {
			if price >= ref.Entry {
				return fmt.Errorf("%w: call stop-loss %d not below reference %d", errs.ErrInvalidOrderPrice, price, ref.Entry)
			}
			if ref.Liquidation > 0 && price <= ref.Liquidation {
				return fmt.Errorf("%w: stop-loss %d at or beyond liquidation %d", errs.ErrInvalidOrderPrice, price, ref.Liquidation)
			}
		} else {
			if price <= ref.Entry {
				return fmt.Errorf("%w: put stop-loss %d not above reference %d", errs.ErrInvalidOrderPrice, price, ref.Entry)
			}
			if ref.Liquidation > 0 && price >= ref.Liquidation {
				return fmt.Errorf("%w: stop-loss %d at or beyond liquidation %d", errs.ErrInvalidOrderPrice, price, ref.Liquidation)
			}
		}
	}
	return nil
}

func checkSize(bps int64) error {
	if bps <= 0 || bps > fixed.BpsDenom {
		return fmt.Errorf("%w: size %d bps outside (0, 10000]", errs.ErrInvalidParams, bps)
	}
	return nil
}

// Add appends an entry to the side, enforcing capacity, total allocation and
// the price rule.
func (b Orderbook) Add(k Kind, e Entry, ref RefPrices) (Orderbook, error) {
	if err := k.validate(); err != nil {
		return b, err
	}
	if err := checkSize(e.SizePercentBps); err != nil {
		return b, err
	}
	if err := checkPrice(k, b.Direction, e.Price, ref); err != nil {
		return b, err
	}

	side := b.side(k)
	if len(side) >= MaxOrders {
		return b, fmt.Errorf("%w: %s side has %d entries", errs.ErrOrderbookFull, k, len(side))
	}
	if b.Allocated(k)+e.SizePercentBps > fixed.BpsDenom {
		return b, fmt.Errorf("%w: %s allocation %d + %d bps exceeds 10000",
			errs.ErrExceedsTotalAllocation, k, b.Allocated(k), e.SizePercentBps)
	}

	next := make([]Entry, len(side), len(side)+1)
	copy(next, side)
	b.setSide(k, append(next, e))
	return b, nil
}

// Update replaces the entry at index, validating as if re-adding it with its
// own prior allocation excluded from the running sum.
func (b Orderbook) Update(k Kind, index int, e Entry, ref RefPrices) (Orderbook, error) {
	if err := k.validate(); err != nil {
		return b, err
	}
	side := b.side(k)
	if index < 0 || index >= len(side) {
		return b, fmt.Errorf("%w: %s index %d of %d", errs.ErrInvalidParams, k, index, len(side))
	}
	if err := checkSize(e.SizePercentBps); err != nil {
		return b, err
	}
	if err := checkPrice(k, b.Direction, e.Price, ref); err != nil {
		return b, err
	}
	if b.Allocated(k)-side[index].SizePercentBps+e.SizePercentBps > fixed.BpsDenom {
		return b, fmt.Errorf("%w: %s update to %d bps exceeds 10000", errs.ErrExceedsTotalAllocation, k, e.SizePercentBps)
	}

	next := make([]Entry, len(side))
	copy(next, side)
	next[index] = e
	b.setSide(k, next)
	return b, nil
}

// Remove deletes the entry at index, preserving the order of the remainder
// and freeing its allocation.
func (b Orderbook) Remove(k Kind, index int) (Orderbook, error) {
	if err := k.validate(); err != nil {
		return b, err
	}
	side := b.side(k)
	if index < 0 || index >= len(side) {
		return b, fmt.Errorf("%w: %s index %d of %d", errs.ErrInvalidParams, k, index, len(side))
	}
	next := make([]Entry, 0, len(side)-1)
	next = append(next, side[:index]...)
	next = append(next, side[index+1:]...)
	b.setSide(k, next)
	return b, nil
}

// Clear empties both sides.
func (b Orderbook) Clear() Orderbook {
	b.TakeProfits = nil
	b.StopLosses = nil
	return b
}

// IsTriggered is the pure crossing predicate for one entry.
func IsTriggered(k Kind, dir pricing.Direction, entryPrice, spot int64) bool {
	long := dir == pricing.Call
	switch k {
	case TakeProfit:
		if long {
			return spot >= entryPrice
		}
		return spot <= entryPrice
	case StopLoss:
		if long {
			return spot <= entryPrice
		}
		return spot >= entryPrice
	}
	return false
}

// FirstTriggered scans TP before SL and returns the first crossed entry.
func (b Orderbook) FirstTriggered(spot int64) (Kind, int, bool) {
	for i, e := range b.TakeProfits {
		if IsTriggered(TakeProfit, b.Direction, e.Price, spot) {
			return TakeProfit, i, true
		}
	}
	for i, e := range b.StopLosses {
		if IsTriggered(StopLoss, b.Direction, e.Price, spot) {
			return StopLoss, i, true
		}
	}
	return 0, 0, false
}

// Consume removes a triggered entry and returns it; the caller partial-closes
// size = entry.SizePercentBps/10000 of the position.
func (b Orderbook) Consume(k Kind, index int) (Orderbook, Entry, error) {
	side := b.side(k)
	if index < 0 || index >= len(side) {
		return b, Entry{}, fmt.Errorf("%w: %s index %d of %d", errs.ErrInvalidParams, k, index, len(side))
	}
	e := side[index]
	next, err := b.Remove(k, index)
	return next, e, err
}
