package venue

import (
	"sort"
)

// computeStateDigest creates canonical bytes over the records a command
// rewrote. Records are sorted by key so the digest is independent of map
// iteration order.
func (c *Core) computeStateDigest(ch Changes) []byte {
	digest := make([]byte, 0, 256)

	custodies := make([]int, len(ch.Custodies))
	for i := range custodies {
		custodies[i] = i
	}
	sort.Slice(custodies, func(i, j int) bool {
		return ch.Custodies[custodies[i]].Key() < ch.Custodies[custodies[j]].Key()
	})
	for _, i := range custodies {
		cst := ch.Custodies[i]
		key := cst.Key()
		digest = append(digest, byte(len(key)))
		digest = append(digest, []byte(key)...)
		digest = appendInt64LE(digest, cst.Owned)
		digest = appendInt64LE(digest, cst.Locked)
		digest = appendInt64LE(digest, cst.CollectedFees)
		digest = appendInt64LE(digest, cst.ProtocolFees)
		digest = appendInt64LE(digest, cst.LongOI)
		digest = appendInt64LE(digest, cst.ShortOI)
		digest = appendInt64LE(digest, cst.CumBorrowRate)
		digest = appendInt64LE(digest, cst.CumFundingRate)
	}

	pools := make([]int, len(ch.Pools))
	for i := range pools {
		pools[i] = i
	}
	sort.Slice(pools, func(i, j int) bool {
		return ch.Pools[pools[i]].Name < ch.Pools[pools[j]].Name
	})
	for _, i := range pools {
		p := ch.Pools[i]
		digest = append(digest, byte(len(p.Name)))
		digest = append(digest, []byte(p.Name)...)
		digest = appendInt64LE(digest, p.AumUsd)
		digest = appendInt64LE(digest, p.LPSupply)
	}

	positions := make([]int, len(ch.Positions))
	for i := range positions {
		positions[i] = i
	}
	sort.Slice(positions, func(i, j int) bool {
		return ch.Positions[positions[i]].ID.String() < ch.Positions[positions[j]].ID.String()
	})
	for _, i := range positions {
		pos := ch.Positions[i]
		digest = append(digest, pos.ID[:]...)
		digest = appendInt64LE(digest, int64(pos.State))
		digest = appendInt64LE(digest, pos.Amount)
		digest = appendInt64LE(digest, pos.SettledProfit)
		digest = appendInt64LE(digest, pos.Version)
	}

	books := make([]int, len(ch.Books))
	for i := range books {
		books[i] = i
	}
	sort.Slice(books, func(i, j int) bool {
		return ch.Books[books[i]].PositionID.String() < ch.Books[books[j]].PositionID.String()
	})
	for _, i := range books {
		b := ch.Books[i]
		digest = append(digest, b.PositionID[:]...)
		digest = append(digest, byte(len(b.TakeProfits)), byte(len(b.StopLosses)))
		for _, e := range b.TakeProfits {
			digest = appendInt64LE(digest, e.Price)
			digest = appendInt64LE(digest, e.SizePercentBps)
		}
		for _, e := range b.StopLosses {
			digest = appendInt64LE(digest, e.Price)
			digest = appendInt64LE(digest, e.SizePercentBps)
		}
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
