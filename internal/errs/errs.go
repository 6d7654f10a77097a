// Package errs defines the error kinds the engine returns to the
// orchestration layer. Callers match with errors.Is; every engine function
// wraps these with operation context via fmt.Errorf("%w").
package errs

import (
	"errors"

	"OptionVault/internal/fixed"
)

var (
	// ErrInvalidRatio: a pool composition bound or the 100% target-sum
	// invariant was violated.
	ErrInvalidRatio = errors.New("invalid pool composition ratio")

	// ErrInsufficientLiquidity: a lock would exceed the utilization hard cap,
	// or a withdrawal exceeds owned minus locked.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")

	// ErrInvalidState: operation on a position outside the required
	// lifecycle state.
	ErrInvalidState = errors.New("invalid position state")

	ErrOrderbookFull          = errors.New("orderbook side is full")
	ErrExceedsTotalAllocation = errors.New("size allocation exceeds 100%")
	ErrInvalidOrderPrice      = errors.New("order price violates direction rule")

	// ErrStaleOracle: the caller-supplied price is older than the caller's
	// max-age policy allows.
	ErrStaleOracle = errors.New("stale oracle price")

	// ErrPoolEmpty: LP share math attempted against zero AUM or zero supply.
	ErrPoolEmpty = errors.New("pool is empty")

	// ErrUnknownRecord: the orchestration loop was asked to mutate a pool,
	// custody, position or orderbook it does not hold.
	ErrUnknownRecord = errors.New("unknown record")

	ErrInvalidParams = errors.New("invalid parameters")

	// Arithmetic kinds are shared with the fixed-point layer so errors.Is
	// matches regardless of which layer detected the wrap.
	ErrOverflow  = fixed.ErrOverflow
	ErrUnderflow = fixed.ErrUnderflow
)
