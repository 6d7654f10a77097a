package command

import (
	"fmt"
)

// PriceUpdate carries a fresh oracle observation for one asset. Gaps in the
// price sequence are tolerated; only regressions are rejected.
// Idempotency key: asset + price_sequence.
type PriceUpdate struct {
	Asset          string
	Spot           int64 // Fixed-point: price scale (scale=1_000_000)
	Twap           int64 // 0 when no time-weighted price exists
	PriceSequence  int64 // Source sequence from the oracle feed
	PriceTimestamp int64 // Unix micros, versioned input
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("price:%s:%d", p.Asset, p.PriceSequence)
}

func (p *PriceUpdate) CommandType() CommandType {
	return CommandTypePriceUpdate
}

// PoolID is nil: one asset may back custodies in several pools.
func (p *PriceUpdate) PoolID() *string {
	return nil
}

func (p *PriceUpdate) SourceSequence() int64 {
	return p.PriceSequence
}
