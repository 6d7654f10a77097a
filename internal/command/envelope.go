package command

import (
	"time"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeAddLiquidity
	CommandTypeRemoveLiquidity
	CommandTypeOpenOption
	CommandTypeCloseOption
	CommandTypeExerciseOption
	CommandTypePlaceOrder
	CommandTypeUpdateOrder
	CommandTypeCancelOrder
	CommandTypeClearOrders
	CommandTypePriceUpdate
	CommandTypeRateCrank
	CommandTypeExpirySweep
	CommandTypeOrderTriggered
)

// CommandEnvelope wraps every applied command in the log
type CommandEnvelope struct {
	// Global monotonic sequence assigned by the venue core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	CommandType CommandType

	// Pool context (nullable for global commands like price updates)
	PoolID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all command payloads must implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// PoolID returns the pool context (nil for global commands)
	PoolID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (ct CommandType) String() string {
	switch ct {
	case CommandTypeAddLiquidity:
		return "AddLiquidity"
	case CommandTypeRemoveLiquidity:
		return "RemoveLiquidity"
	case CommandTypeOpenOption:
		return "OpenOption"
	case CommandTypeCloseOption:
		return "CloseOption"
	case CommandTypeExerciseOption:
		return "ExerciseOption"
	case CommandTypePlaceOrder:
		return "PlaceOrder"
	case CommandTypeUpdateOrder:
		return "UpdateOrder"
	case CommandTypeCancelOrder:
		return "CancelOrder"
	case CommandTypeClearOrders:
		return "ClearOrders"
	case CommandTypePriceUpdate:
		return "PriceUpdate"
	case CommandTypeRateCrank:
		return "RateCrank"
	case CommandTypeExpirySweep:
		return "ExpirySweep"
	case CommandTypeOrderTriggered:
		return "OrderTriggered"
	default:
		return "Unknown"
	}
}
