package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"OptionVault/internal/observability"
)

// Service provides read-only access to the projection tables and the
// command log. All responses carry as_of_sequence so callers can reason
// about freshness relative to the applied command stream.
type Service struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewService(db *sql.DB, metrics *observability.Metrics) *Service {
	return &Service{db: db, metrics: metrics}
}

// GetPool returns a pool together with all its custodies.
func (s *Service) GetPool(ctx context.Context, name string) (*PoolResponse, error) {
	start := time.Now()
	defer s.observe("get_pool", start)

	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var resp PoolResponse
	resp.AsOfSequence = asOfSeq
	err = s.db.QueryRowContext(ctx, `
		SELECT name, aum_usd, lp_supply
		FROM projections.pools
		WHERE name = $1
	`, name).Scan(&resp.Name, &resp.AumUsd, &resp.LPSupply)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pool %q not found", name)
	}
	if err != nil {
		return nil, err
	}

	custodies, err := s.getCustodies(ctx, name, asOfSeq)
	if err != nil {
		return nil, err
	}
	resp.Custodies = custodies

	return &resp, nil
}

// GetCustody returns a single custody within a pool.
func (s *Service) GetCustody(ctx context.Context, pool, asset string) (*CustodyResponse, error) {
	start := time.Now()
	defer s.observe("get_custody", start)

	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var c CustodyResponse
	c.AsOfSequence = asOfSeq
	err = s.db.QueryRowContext(ctx, `
		SELECT pool, asset, owned, locked, collected_fees, protocol_fees,
		       long_oi, short_oi, cum_borrow_rate, cum_funding_rate, last_update_time
		FROM projections.custodies
		WHERE pool = $1 AND asset = $2
	`, pool, asset).Scan(
		&c.Pool, &c.Asset, &c.Owned, &c.Locked, &c.CollectedFees, &c.ProtocolFees,
		&c.LongOI, &c.ShortOI, &c.CumBorrowRate, &c.CumFundingRate, &c.LastUpdateTime,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("custody %s/%s not found", pool, asset)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Service) getCustodies(ctx context.Context, pool string, asOfSeq int64) ([]CustodyResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pool, asset, owned, locked, collected_fees, protocol_fees,
		       long_oi, short_oi, cum_borrow_rate, cum_funding_rate, last_update_time
		FROM projections.custodies
		WHERE pool = $1
		ORDER BY asset
	`, pool)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var custodies []CustodyResponse
	for rows.Next() {
		var c CustodyResponse
		c.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&c.Pool, &c.Asset, &c.Owned, &c.Locked, &c.CollectedFees, &c.ProtocolFees,
			&c.LongOI, &c.ShortOI, &c.CumBorrowRate, &c.CumFundingRate, &c.LastUpdateTime,
		); err != nil {
			return nil, err
		}
		custodies = append(custodies, c)
	}
	return custodies, rows.Err()
}

// GetPositions returns positions for an owner, optionally filtered by state.
func (s *Service) GetPositions(
	ctx context.Context,
	owner string,
	state *string,
) ([]PositionResponse, error) {
	start := time.Now()
	defer s.observe("get_positions", start)

	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT position_id, owner, pool, custody, pay_custody, direction,
		       strike_price, amount, premium_paid, open_fee, open_time, expiry_time,
		       state, settled_profit, settled_time, version
		FROM projections.positions
		WHERE owner = $1
	`
	args := []interface{}{owner}
	if state != nil {
		query += " AND state = $2"
		args = append(args, *state)
	}
	query += " ORDER BY open_time DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		var p PositionResponse
		p.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&p.PositionID, &p.Owner, &p.Pool, &p.Custody, &p.PayCustody, &p.Direction,
			&p.StrikePrice, &p.Amount, &p.PremiumPaid, &p.OpenFee, &p.OpenTime, &p.ExpiryTime,
			&p.State, &p.SettledProfit, &p.SettledTime, &p.Version,
		); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetPosition returns a single position by id.
func (s *Service) GetPosition(ctx context.Context, id uuid.UUID) (*PositionResponse, error) {
	start := time.Now()
	defer s.observe("get_position", start)

	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var p PositionResponse
	p.AsOfSequence = asOfSeq
	err = s.db.QueryRowContext(ctx, `
		SELECT position_id, owner, pool, custody, pay_custody, direction,
		       strike_price, amount, premium_paid, open_fee, open_time, expiry_time,
		       state, settled_profit, settled_time, version
		FROM projections.positions
		WHERE position_id = $1
	`, id).Scan(
		&p.PositionID, &p.Owner, &p.Pool, &p.Custody, &p.PayCustody, &p.Direction,
		&p.StrikePrice, &p.Amount, &p.PremiumPaid, &p.OpenFee, &p.OpenTime, &p.ExpiryTime,
		&p.State, &p.SettledProfit, &p.SettledTime, &p.Version,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("position %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetOrderbook returns the TP/SL book attached to a position.
func (s *Service) GetOrderbook(ctx context.Context, positionID uuid.UUID) (*OrderbookResponse, error) {
	start := time.Now()
	defer s.observe("get_orderbook", start)

	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var resp OrderbookResponse
	resp.AsOfSequence = asOfSeq
	var tps, sls []byte
	err = s.db.QueryRowContext(ctx, `
		SELECT position_id, owner, take_profits, stop_losses
		FROM projections.orderbooks
		WHERE position_id = $1
	`, positionID).Scan(&resp.PositionID, &resp.Owner, &tps, &sls)
	if err == sql.ErrNoRows {
		// No book is an empty book
		resp.PositionID = positionID
		resp.TakeProfits = []OrderEntry{}
		resp.StopLosses = []OrderEntry{}
		return &resp, nil
	}
	if err != nil {
		return nil, err
	}

	if err := unmarshalOrders(tps, &resp.TakeProfits); err != nil {
		return nil, fmt.Errorf("take_profits decode: %w", err)
	}
	if err := unmarshalOrders(sls, &resp.StopLosses); err != nil {
		return nil, fmt.Errorf("stop_losses decode: %w", err)
	}
	return &resp, nil
}

// GetTransfers returns settled fund movements touching an account, newest
// first, with cursor-based pagination on sequence.
func (s *Service) GetTransfers(
	ctx context.Context,
	account string,
	limit int,
	beforeSequence *int64,
) ([]TransferResponse, error) {
	start := time.Now()
	defer s.observe("get_transfers", start)

	query := `
		SELECT sequence, transfer_idx, kind, from_account, to_account, custody, amount,
		       EXTRACT(EPOCH FROM timestamp)::BIGINT
		FROM command_log.transfers
		WHERE (from_account = $1 OR to_account = $1)
	`
	args := []interface{}{account}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, transfer_idx ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []TransferResponse
	for rows.Next() {
		var t TransferResponse
		if err := rows.Scan(
			&t.Sequence, &t.TransferIdx, &t.Kind, &t.FromAccount, &t.ToAccount,
			&t.Custody, &t.Amount, &t.Timestamp,
		); err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the command log and the
// locked <= owned solvency invariant across all projected custodies.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	start := time.Now()
	defer s.observe("verify_integrity", start)

	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c1.sequence
		FROM command_log.commands c1
		JOIN command_log.commands c2 ON c2.sequence = c1.sequence - 1
		WHERE c1.prev_hash != c2.state_hash
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	custodyRows, err := s.db.QueryContext(ctx, `
		SELECT pool, asset, owned, locked
		FROM projections.custodies
		WHERE locked > owned
	`)
	if err != nil {
		return nil, err
	}
	defer custodyRows.Close()

	for custodyRows.Next() {
		var ic InsolventCustody
		if err := custodyRows.Scan(&ic.Pool, &ic.Asset, &ic.Owned, &ic.Locked); err != nil {
			return nil, err
		}
		report.InsolventCustodies = append(report.InsolventCustodies, ic)
	}
	if err := custodyRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.InsolventCustodies) == 0
	return report, nil
}

// --- helpers ---

func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE id = 1
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	return seq, err
}

func unmarshalOrders(raw []byte, dst *[]OrderEntry) error {
	if len(raw) == 0 {
		*dst = []OrderEntry{}
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return err
	}
	if *dst == nil {
		*dst = []OrderEntry{}
	}
	return nil
}

func (s *Service) observe(endpoint string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
