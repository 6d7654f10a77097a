package query

import "github.com/google/uuid"

// CustodyResponse represents a custody token account for API queries.
type CustodyResponse struct {
	Pool           string `json:"pool"`
	Asset          string `json:"asset"`
	Owned          int64  `json:"owned"`
	Locked         int64  `json:"locked"`
	CollectedFees  int64  `json:"collected_fees"`
	ProtocolFees   int64  `json:"protocol_fees"`
	LongOI         int64  `json:"long_oi"`
	ShortOI        int64  `json:"short_oi"`
	CumBorrowRate  int64  `json:"cum_borrow_rate"`
	CumFundingRate int64  `json:"cum_funding_rate"`
	LastUpdateTime int64  `json:"last_update_time"`
	AsOfSequence   int64  `json:"as_of_sequence"`
}

// PoolResponse represents a liquidity pool for API queries.
type PoolResponse struct {
	Name         string            `json:"name"`
	AumUsd       int64             `json:"aum_usd"`
	LPSupply     int64             `json:"lp_supply"`
	Custodies    []CustodyResponse `json:"custodies"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

// PositionResponse represents an option position for API queries.
type PositionResponse struct {
	PositionID    uuid.UUID `json:"position_id"`
	Owner         string    `json:"owner"`
	Pool          string    `json:"pool"`
	Custody       string    `json:"custody"`
	PayCustody    string    `json:"pay_custody"`
	Direction     string    `json:"direction"`
	StrikePrice   int64     `json:"strike_price"`
	Amount        int64     `json:"amount"`
	PremiumPaid   int64     `json:"premium_paid"`
	OpenFee       int64     `json:"open_fee"`
	OpenTime      int64     `json:"open_time"`
	ExpiryTime    int64     `json:"expiry_time"`
	State         string    `json:"state"`
	SettledProfit int64     `json:"settled_profit"`
	SettledTime   int64     `json:"settled_time"`
	Version       int64     `json:"version"`
	AsOfSequence  int64     `json:"as_of_sequence"`
}

// OrderEntry is one TP/SL trigger level.
type OrderEntry struct {
	Price   int64 `json:"price"`
	SizeBps int64 `json:"size_bps"`
}

// OrderbookResponse represents a position's TP/SL book for API queries.
type OrderbookResponse struct {
	PositionID   uuid.UUID    `json:"position_id"`
	Owner        string       `json:"owner"`
	TakeProfits  []OrderEntry `json:"take_profits"`
	StopLosses   []OrderEntry `json:"stop_losses"`
	AsOfSequence int64        `json:"as_of_sequence"`
}

// TransferResponse represents a settled fund movement for API queries.
type TransferResponse struct {
	Sequence    int64  `json:"sequence"`
	TransferIdx int32  `json:"transfer_idx"`
	Kind        string `json:"kind"`
	FromAccount string `json:"from_account"`
	ToAccount   string `json:"to_account"`
	Custody     string `json:"custody"`
	Amount      int64  `json:"amount"`
	Timestamp   int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy          bool               `json:"is_healthy"`
	HashChainBreaks    []int64            `json:"hash_chain_breaks,omitempty"`
	InsolventCustodies []InsolventCustody `json:"insolvent_custodies,omitempty"`
}

// InsolventCustody represents a custody whose locked balance exceeds owned.
type InsolventCustody struct {
	Pool   string `json:"pool"`
	Asset  string `json:"asset"`
	Owned  int64  `json:"owned"`
	Locked int64  `json:"locked"`
}
