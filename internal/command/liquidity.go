package command

import (
	"time"

	"github.com/google/uuid"
)

// AddLiquidity deposits pool assets in exchange for LP shares.
// Idempotency key: command_id (UUID from the gateway).
type AddLiquidity struct {
	CommandID uuid.UUID // Idempotency key
	Provider  string    // Depositing account
	Pool      string
	Asset     string
	AmountIn  int64     // Fixed-point: token units (scale=1_000_000)
	Sequence  int64     // Source sequence from the gateway
	Timestamp time.Time // Versioned input timestamp (NOT wall-clock)
}

func (a *AddLiquidity) IdempotencyKey() string {
	return a.CommandID.String()
}

func (a *AddLiquidity) CommandType() CommandType {
	return CommandTypeAddLiquidity
}

func (a *AddLiquidity) PoolID() *string {
	p := a.Pool
	return &p
}

func (a *AddLiquidity) SourceSequence() int64 {
	return a.Sequence
}

// RemoveLiquidity burns LP shares in exchange for pool assets.
// Idempotency key: command_id.
type RemoveLiquidity struct {
	CommandID uuid.UUID
	Provider  string
	Pool      string
	Asset     string
	LPAmount  int64 // LP shares to burn (scale=1_000_000)
	Sequence  int64
	Timestamp time.Time
}

func (r *RemoveLiquidity) IdempotencyKey() string {
	return r.CommandID.String()
}

func (r *RemoveLiquidity) CommandType() CommandType {
	return CommandTypeRemoveLiquidity
}

func (r *RemoveLiquidity) PoolID() *string {
	p := r.Pool
	return &p
}

func (r *RemoveLiquidity) SourceSequence() int64 {
	return r.Sequence
}
