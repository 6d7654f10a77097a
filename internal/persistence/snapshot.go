package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// Snapshots contain the full record set (custodies, pools, positions,
// orderbooks), the oracle price cache, sequence counters, the idempotency
// LRU contents and the last state hash.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence  int64  `json:"sequence"`
	StateHash []byte `json:"state_hash"`

	Custodies []CustodySnapshot        `json:"custodies"`
	Pools     []PoolSnapshot           `json:"pools"`
	Positions []PositionSnapshot       `json:"positions"`
	Books     []OrderbookSnapshot      `json:"orderbooks"`
	Prices    map[string]PriceSnapshot `json:"prices"` // asset -> oracle state

	SequenceState   map[string]int64 `json:"sequence_state"`   // partition -> next expected seq
	IdempotencyKeys []string         `json:"idempotency_keys"` // Recent keys for LRU warming
	CreatedAt       time.Time        `json:"created_at"`
}

// CustodySnapshot is a serializable custody record.
type CustodySnapshot struct {
	Pool           string `json:"pool"`
	Asset          string `json:"asset"`
	Decimals       uint8  `json:"decimals"`
	Owned          int64  `json:"owned"`
	Locked         int64  `json:"locked"`
	CollectedFees  int64  `json:"collected_fees"`
	ProtocolFees   int64  `json:"protocol_fees"`
	LongOI         int64  `json:"long_oi"`
	ShortOI        int64  `json:"short_oi"`
	TargetBps      int64  `json:"target_bps"`
	MinBps         int64  `json:"min_bps"`
	MaxBps         int64  `json:"max_bps"`
	BaseRate       int64  `json:"base_rate"`
	Slope1         int64  `json:"slope1"`
	Slope2         int64  `json:"slope2"`
	OptimalUtil    int64  `json:"optimal_util"`
	FundingMult    int64  `json:"funding_mult"`
	UtilizationCap int64  `json:"utilization_cap"`
	CumBorrowRate  int64  `json:"cum_borrow_rate"`
	CumFundingRate int64  `json:"cum_funding_rate"`
	LastUpdateTime int64  `json:"last_update_time"`
}

// PoolSnapshot is a serializable pool record.
type PoolSnapshot struct {
	Name      string   `json:"name"`
	Custodies []string `json:"custodies"`
	AumUsd    int64    `json:"aum_usd"`
	LPSupply  int64    `json:"lp_supply"`
}

// PositionSnapshot is a serializable option position.
type PositionSnapshot struct {
	ID               string `json:"id"`
	Owner            string `json:"owner"`
	Pool             string `json:"pool"`
	Custody          string `json:"custody"`
	PayCustody       string `json:"pay_custody"`
	Direction        int8   `json:"direction"`
	StrikePrice      int64  `json:"strike_price"`
	Amount           int64  `json:"amount"`
	PremiumPaid      int64  `json:"premium_paid"`
	OpenFee          int64  `json:"open_fee"`
	OpenTime         int64  `json:"open_time"`
	ExpiryTime       int64  `json:"expiry_time"`
	State            int32  `json:"state"`
	SettledProfit    int64  `json:"settled_profit"`
	SettledTime      int64  `json:"settled_time"`
	CumBorrowAtOpen  int64  `json:"cum_borrow_at_open"`
	CumFundingAtOpen int64  `json:"cum_funding_at_open"`
	Version          int64  `json:"version"`
}

// OrderbookSnapshot is a serializable TP/SL book.
type OrderbookSnapshot struct {
	PositionID  string          `json:"position_id"`
	Owner       string          `json:"owner"`
	Direction   int8            `json:"direction"`
	TakeProfits []OrderSnapshot `json:"take_profits"`
	StopLosses  []OrderSnapshot `json:"stop_losses"`
}

// OrderSnapshot is one serializable conditional order entry.
type OrderSnapshot struct {
	Price   int64 `json:"price"`
	SizeBps int64 `json:"size_bps"`
}

// PriceSnapshot is a serializable oracle observation.
type PriceSnapshot struct {
	Spot          int64 `json:"spot"`
	Twap          int64 `json:"twap"`
	Timestamp     int64 `json:"timestamp"`
	PriceSequence int64 `json:"price_sequence"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are taken
// periodically and verified by replaying commands from the snapshot sequence
// forward.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO command_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. On warm
// restart: load latest snapshot, then replay commands from sequence+1.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM command_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot — cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE command_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadCommandsFrom loads applied commands from a given sequence for replay.
// Used for warm restart (replay from snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]CommandRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, pool_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM command_log.commands
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []CommandRow
	for rows.Next() {
		var c CommandRow
		if err := rows.Scan(
			&c.Sequence, &c.CommandType, &c.IdempotencyKey, &c.PoolID,
			&c.Payload, &c.StateHash, &c.PrevHash, &c.Timestamp, &c.SourceSequence,
		); err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}

	return commands, rows.Err()
}

// GetLatestSequence returns the highest sequence in the command log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM command_log.commands
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty command log
	}
	return seq.Int64, nil
}
