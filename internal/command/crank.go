package command

import (
	"fmt"
	"time"
)

// RateCrank accrues a custody's cumulative borrow and funding series up to
// the command timestamp. Emitted on a timer by the keeper.
// Idempotency key: pool + asset + crank timestamp.
type RateCrank struct {
	Pool      string
	Asset     string
	Sequence  int64
	Timestamp time.Time // Versioned input timestamp (NOT wall-clock)
}

func (r *RateCrank) IdempotencyKey() string {
	return fmt.Sprintf("crank:%s:%s:%d", r.Pool, r.Asset, r.Timestamp.Unix())
}

func (r *RateCrank) CommandType() CommandType {
	return CommandTypeRateCrank
}

func (r *RateCrank) PoolID() *string {
	p := r.Pool
	return &p
}

func (r *RateCrank) SourceSequence() int64 {
	return r.Sequence
}

// ExpirySweep settles every position in a pool whose expiry has passed:
// in-the-money positions are exercised, the rest released back to the pool.
// Idempotency key: pool + sweep timestamp.
type ExpirySweep struct {
	Pool      string
	Keeper    string // Account credited with exercise trigger rewards
	Sequence  int64
	Timestamp time.Time
}

func (e *ExpirySweep) IdempotencyKey() string {
	return fmt.Sprintf("sweep:%s:%d", e.Pool, e.Timestamp.Unix())
}

func (e *ExpirySweep) CommandType() CommandType {
	return CommandTypeExpirySweep
}

func (e *ExpirySweep) PoolID() *string {
	p := e.Pool
	return &p
}

func (e *ExpirySweep) SourceSequence() int64 {
	return e.Sequence
}
