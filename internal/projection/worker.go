package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
)

// Output mirrors the data projection workers need. The orchestrator bridges
// between venue.Output and this.
type Output struct {
	Sequence    int64
	CommandType string
	Custodies   []CustodyState
	Pools       []PoolState
	Positions   []PositionState
	Books       []BookState
}

// CustodyState is a custody record in projection form.
type CustodyState struct {
	Pool           string
	Asset          string
	Owned          int64
	Locked         int64
	CollectedFees  int64
	ProtocolFees   int64
	LongOI         int64
	ShortOI        int64
	CumBorrowRate  int64
	CumFundingRate int64
	LastUpdateTime int64
}

// PoolState is a pool record in projection form.
type PoolState struct {
	Name     string
	AumUsd   int64
	LPSupply int64
}

// PositionState is a position record in projection form.
type PositionState struct {
	ID               string
	Owner            string
	Pool             string
	Custody          string
	PayCustody       string
	Direction        string
	StrikePrice      int64
	Amount           int64
	PremiumPaid      int64
	OpenFee          int64
	OpenTime         int64
	ExpiryTime       int64
	State            string
	SettledProfit    int64
	SettledTime      int64
	CumBorrowAtOpen  int64
	CumFundingAtOpen int64
	Version          int64
}

// BookState is a TP/SL book in projection form.
type BookState struct {
	PositionID  string
	Owner       string
	TakeProfits []OrderState
	StopLosses  []OrderState
}

// OrderState is one conditional order entry.
type OrderState struct {
	Price   int64 `json:"price"`
	SizeBps int64 `json:"size_bps"`
}

// Worker updates projection tables from applied commands. The projection
// channel is non-blocking with drop; if projections fall behind, they can be
// rebuilt from the latest snapshot.
type Worker struct {
	db        *sql.DB
	inputChan <-chan Output
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan Output) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
	}
}

// Run starts the projection worker loop.
func (pw *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				// Continue — projections are eventually consistent
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *Worker) processOutput(ctx context.Context, output Output) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, c := range output.Custodies {
		if err := pw.upsertCustody(ctx, tx, c, output.Sequence); err != nil {
			return fmt.Errorf("custody projection: %w", err)
		}
	}
	for _, p := range output.Pools {
		if err := pw.upsertPool(ctx, tx, p, output.Sequence); err != nil {
			return fmt.Errorf("pool projection: %w", err)
		}
	}
	for _, p := range output.Positions {
		if err := pw.upsertPosition(ctx, tx, p, output.Sequence); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
	}
	for _, b := range output.Books {
		if err := pw.upsertBook(ctx, tx, b, output.Sequence); err != nil {
			return fmt.Errorf("orderbook projection: %w", err)
		}
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.watermark SET last_sequence = $1, updated_at = NOW() WHERE id = 1
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *Worker) upsertCustody(ctx context.Context, tx *sql.Tx, c CustodyState, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.custodies
			(pool, asset, owned, locked, collected_fees, protocol_fees,
			 long_oi, short_oi, cum_borrow_rate, cum_funding_rate, last_update_time, as_of_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (pool, asset) DO UPDATE SET
			owned = $3, locked = $4, collected_fees = $5, protocol_fees = $6,
			long_oi = $7, short_oi = $8, cum_borrow_rate = $9, cum_funding_rate = $10,
			last_update_time = $11, as_of_sequence = $12
	`, c.Pool, c.Asset, c.Owned, c.Locked, c.CollectedFees, c.ProtocolFees,
		c.LongOI, c.ShortOI, c.CumBorrowRate, c.CumFundingRate, c.LastUpdateTime, seq)
	return err
}

func (pw *Worker) upsertPool(ctx context.Context, tx *sql.Tx, p PoolState, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pools (name, aum_usd, lp_supply, as_of_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			aum_usd = $2, lp_supply = $3, as_of_sequence = $4
	`, p.Name, p.AumUsd, p.LPSupply, seq)
	return err
}

func (pw *Worker) upsertPosition(ctx context.Context, tx *sql.Tx, p PositionState, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.positions
			(position_id, owner, pool, custody, pay_custody, direction, strike_price,
			 amount, premium_paid, open_fee, open_time, expiry_time, state,
			 settled_profit, settled_time, cum_borrow_at_open, cum_funding_at_open,
			 version, as_of_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (position_id) DO UPDATE SET
			amount = $8, state = $13, settled_profit = $14, settled_time = $15,
			version = $18, as_of_sequence = $19
		WHERE projections.positions.version <= $18
	`, p.ID, p.Owner, p.Pool, p.Custody, p.PayCustody, p.Direction, p.StrikePrice,
		p.Amount, p.PremiumPaid, p.OpenFee, p.OpenTime, p.ExpiryTime, p.State,
		p.SettledProfit, p.SettledTime, p.CumBorrowAtOpen, p.CumFundingAtOpen,
		p.Version, seq)
	return err
}

func (pw *Worker) upsertBook(ctx context.Context, tx *sql.Tx, b BookState, seq int64) error {
	tps, err := json.Marshal(b.TakeProfits)
	if err != nil {
		return err
	}
	sls, err := json.Marshal(b.StopLosses)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.orderbooks (position_id, owner, take_profits, stop_losses, as_of_sequence)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (position_id) DO UPDATE SET
			take_profits = $3, stop_losses = $4, as_of_sequence = $5
	`, b.PositionID, b.Owner, tps, sls, seq)
	return err
}

// Rebuild truncates the projection tables and reloads them from the latest
// venue snapshot data. Used when the non-blocking channel dropped outputs.
func Rebuild(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.custodies`,
		`TRUNCATE projections.pools`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.orderbooks`,
		`UPDATE projections.watermark SET last_sequence = -1, updated_at = NOW() WHERE id = 1`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	log.Println("INFO: projection tables reset; replay the command log to repopulate")
	return nil
}
