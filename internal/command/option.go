package command

import (
	"time"

	"github.com/google/uuid"

	"OptionVault/internal/pricing"
)

// OpenOption opens a call or put against pool liquidity.
// Idempotency key: command_id; the same UUID becomes the position ID.
type OpenOption struct {
	CommandID       uuid.UUID // Idempotency key and position ID
	Owner           string
	Pool            string
	CollateralAsset string // Asset locked against the position
	PayAsset        string // Asset the premium is paid in
	Direction       pricing.Direction
	Strike          int64 // Fixed-point: price scale (scale=1_000_000)
	Amount          int64 // Contracts (scale=1_000_000)
	PeriodDays      int64
	Sequence        int64
	Timestamp       time.Time // Versioned input timestamp (NOT wall-clock)
}

func (o *OpenOption) IdempotencyKey() string {
	return o.CommandID.String()
}

func (o *OpenOption) CommandType() CommandType {
	return CommandTypeOpenOption
}

func (o *OpenOption) PoolID() *string {
	p := o.Pool
	return &p
}

func (o *OpenOption) SourceSequence() int64 {
	return o.Sequence
}

// CloseOption closes an open position before expiry, realizing its remaining
// value. SizeBps selects a partial close; 0 or 10000 closes in full.
type CloseOption struct {
	CommandID  uuid.UUID
	Owner      string
	Pool       string
	PositionID uuid.UUID
	SizeBps    int64
	Sequence   int64
	Timestamp  time.Time
}

func (c *CloseOption) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *CloseOption) CommandType() CommandType {
	return CommandTypeCloseOption
}

func (c *CloseOption) PoolID() *string {
	p := c.Pool
	return &p
}

func (c *CloseOption) SourceSequence() int64 {
	return c.Sequence
}

// ExerciseOption settles an in-the-money position. Caller may differ from the
// owner; the caller earns the trigger reward cut.
type ExerciseOption struct {
	CommandID  uuid.UUID
	Caller     string
	Pool       string
	PositionID uuid.UUID
	Sequence   int64
	Timestamp  time.Time
}

func (e *ExerciseOption) IdempotencyKey() string {
	return e.CommandID.String()
}

func (e *ExerciseOption) CommandType() CommandType {
	return CommandTypeExerciseOption
}

func (e *ExerciseOption) PoolID() *string {
	p := e.Pool
	return &p
}

func (e *ExerciseOption) SourceSequence() int64 {
	return e.Sequence
}
