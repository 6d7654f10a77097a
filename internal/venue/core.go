package venue

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"OptionVault/internal/book"
	"OptionVault/internal/command"
	"OptionVault/internal/custody"
	"OptionVault/internal/engine"
	"OptionVault/internal/errs"
	"OptionVault/internal/observability"
	"OptionVault/internal/option"
	"OptionVault/internal/oracle"
	"OptionVault/internal/pool"
	"OptionVault/internal/pricing"
)

// Core is the single-threaded command processor. All venue records live in
// its maps; every mutation flows through the pure engine and commits here.
type Core struct {
	sequence          int64
	hasher            *StateHasher
	engine            *engine.Engine
	custodies         map[string]custody.Custody
	pools             map[string]pool.Pool
	positions         map[uuid.UUID]option.Position
	books             map[uuid.UUID]book.Orderbook
	prices            map[string]AssetPrice
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan    chan<- Output
	projectionChan chan<- Output
}

// AssetPrice is the cached oracle state for one asset.
type AssetPrice struct {
	Spot     oracle.Price
	Twap     oracle.Price
	Sequence int64
}

// Changes lists the records a command rewrote, for persistence and
// projections.
type Changes struct {
	Custodies []custody.Custody
	Pools     []pool.Pool
	Positions []option.Position
	Books     []book.Orderbook
}

// Output is one applied command plus everything downstream needs. Command is
// the source command for replayable rows; derived outputs (order triggers)
// carry nil because replaying their parent re-derives them.
type Output struct {
	Envelope   *command.CommandEnvelope
	Command    command.Command
	Changes    Changes
	Transfers  []engine.Transfer
	StateDelta []byte
}

type applied struct {
	changes   Changes
	transfers []engine.Transfer
}

func NewCore(
	startSequence int64,
	eng *engine.Engine,
	persistChan, projectionChan chan<- Output,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *Core {
	// Initialize with capacity of 1M entries (configurable)
	idempotencyChecker := NewIdempotencyChecker(1_000_000, dbChecker)

	return &Core{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		engine:            eng,
		custodies:         make(map[string]custody.Custody),
		pools:             make(map[string]pool.Pool),
		positions:         make(map[uuid.UUID]option.Position),
		books:             make(map[uuid.UUID]book.Orderbook),
		prices:            make(map[string]AssetPrice),
		idempotency:       idempotencyChecker,
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// RegisterCustody installs a custody record at bootstrap.
func (c *Core) RegisterCustody(cst custody.Custody) error {
	if err := cst.Validate(); err != nil {
		return err
	}
	if _, exists := c.custodies[cst.Key()]; exists {
		return fmt.Errorf("custody %s already registered", cst.Key())
	}
	c.custodies[cst.Key()] = cst
	return nil
}

// RegisterPool installs a pool record at bootstrap. Every member custody must
// be registered first and the target ratios must sum to 100%.
func (c *Core) RegisterPool(p pool.Pool) error {
	if _, exists := c.pools[p.Name]; exists {
		return fmt.Errorf("pool %s already registered", p.Name)
	}
	if err := pool.ValidateComposition(p, c.custodies); err != nil {
		return err
	}
	c.pools[p.Name] = p
	return nil
}

// ProcessCommand is the main processing pipeline
func (c *Core) ProcessCommand(cmd command.Command) error {
	start := time.Now()
	commandType := cmd.CommandType().String()
	idempotencyKey := cmd.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(commandType, idempotencyKey)

	// Step 2: Sequence validation
	// Special handling for price updates (gaps tolerated, stale ones skipped)
	if priceCmd, ok := cmd.(*command.PriceUpdate); ok {
		if !c.sequenceValidator.ValidatePriceSequence(priceCmd.Asset, priceCmd.PriceSequence) {
			return nil
		}
	} else {
		partition := c.getPartition(cmd)
		if err := c.sequenceValidator.ValidateSequence(partition, cmd.SourceSequence(), idempotencyKey, isDuplicate); err != nil {
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	// If duplicate, skip processing
	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Command dispatch
	results, err := c.dispatchCommand(cmd)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "validation").Inc()
		}
		return fmt.Errorf("dispatch failed: %w", err)
	}

	// Step 4-6: Digest, hash and emit each result
	ts := c.getCommandTimestamp(cmd)
	for _, res := range results {
		c.emit(cmd, cmd.CommandType(), idempotencyKey, cmd.PoolID(), ts, cmd.SourceSequence(), res)
	}

	// Step 7: Price updates drive the conditional-order sweep after the cache
	// moves, so triggers see the price that was just applied
	if priceCmd, ok := cmd.(*command.PriceUpdate); ok {
		c.sweepOrderTriggers(priceCmd.Asset, ts)
	}

	// Step 8: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(commandType, idempotencyKey)

	// Record metrics
	if c.metrics != nil {
		c.metrics.CoreCommandsApplied.WithLabelValues(commandType).Inc()
		c.metrics.CoreCommandDuration.WithLabelValues(commandType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}

	return nil
}

// emit assigns the next sequence, extends the hash chain and fans the output
// out to persistence (blocking) and projections (non-blocking drop).
func (c *Core) emit(cmd command.Command, ct command.CommandType, key string, poolID *string, ts time.Time, sourceSeq int64, res applied) {
	stateDigest := c.computeStateDigest(res.changes)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	output := Output{
		Envelope: &command.CommandEnvelope{
			Sequence:       c.sequence,
			IdempotencyKey: key,
			CommandType:    ct,
			PoolID:         poolID,
			Timestamp:      ts,
			SourceSequence: sourceSeq,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		Command:    cmd,
		Changes:    res.changes,
		Transfers:  res.transfers,
		StateDelta: stateDigest,
	}
	c.sequence++

	// Persistence: blocking send — the core stalls until the persistence
	// worker drains. This guarantees no applied command is lost.
	c.persistChan <- output

	// Projections: non-blocking send — drop on full. Projection workers
	// can rebuild from the command log if they fall behind.
	select {
	case c.projectionChan <- output:
	default:
		// Silently dropped — projection will catch up via rebuild
	}
}

// getPartition determines partition key for sequence validation
func (c *Core) getPartition(cmd command.Command) string {
	if poolID := cmd.PoolID(); poolID != nil {
		return fmt.Sprintf("pool:%s", *poolID)
	}
	return "global"
}

// getCommandTimestamp extracts the versioned timestamp from a command.
// The core never calls time.Now() for state; all timestamps are inputs.
func (c *Core) getCommandTimestamp(cmd command.Command) time.Time {
	switch e := cmd.(type) {
	case *command.AddLiquidity:
		return e.Timestamp
	case *command.RemoveLiquidity:
		return e.Timestamp
	case *command.OpenOption:
		return e.Timestamp
	case *command.CloseOption:
		return e.Timestamp
	case *command.ExerciseOption:
		return e.Timestamp
	case *command.PlaceOrder:
		return e.Timestamp
	case *command.UpdateOrder:
		return e.Timestamp
	case *command.CancelOrder:
		return e.Timestamp
	case *command.ClearOrders:
		return e.Timestamp
	case *command.RateCrank:
		return e.Timestamp
	case *command.ExpirySweep:
		return e.Timestamp
	case *command.PriceUpdate:
		return time.UnixMicro(e.PriceTimestamp)
	default:
		panic(fmt.Sprintf("FATAL: getCommandTimestamp called with unhandled command type %T — the core cannot use wall-clock time", cmd))
	}
}

func (c *Core) dispatchCommand(cmd command.Command) ([]applied, error) {
	switch e := cmd.(type) {
	case *command.AddLiquidity:
		return c.one(c.handleAddLiquidity(e))
	case *command.RemoveLiquidity:
		return c.one(c.handleRemoveLiquidity(e))
	case *command.OpenOption:
		return c.one(c.handleOpenOption(e))
	case *command.CloseOption:
		return c.one(c.handleCloseOption(e))
	case *command.ExerciseOption:
		return c.one(c.handleExerciseOption(e))
	case *command.PlaceOrder:
		return c.one(c.handlePlaceOrder(e))
	case *command.UpdateOrder:
		return c.one(c.handleUpdateOrder(e))
	case *command.CancelOrder:
		return c.one(c.handleCancelOrder(e))
	case *command.ClearOrders:
		return c.one(c.handleClearOrders(e))
	case *command.RateCrank:
		return c.one(c.handleRateCrank(e))
	case *command.PriceUpdate:
		return c.one(c.handlePriceUpdate(e))
	case *command.ExpirySweep:
		return c.handleExpirySweep(e)
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
}

func (c *Core) one(res applied, err error) ([]applied, error) {
	if err != nil {
		return nil, err
	}
	return []applied{res}, nil
}

// --- Record lookups ---

func (c *Core) getPool(name string) (pool.Pool, error) {
	p, ok := c.pools[name]
	if !ok {
		return pool.Pool{}, fmt.Errorf("%w: pool %s", errs.ErrUnknownRecord, name)
	}
	return p, nil
}

func (c *Core) getCustody(key string) (custody.Custody, error) {
	cst, ok := c.custodies[key]
	if !ok {
		return custody.Custody{}, fmt.Errorf("%w: custody %s", errs.ErrUnknownRecord, key)
	}
	return cst, nil
}

func (c *Core) getPosition(id uuid.UUID) (option.Position, error) {
	pos, ok := c.positions[id]
	if !ok {
		return option.Position{}, fmt.Errorf("%w: position %s", errs.ErrUnknownRecord, id)
	}
	return pos, nil
}

// assetQuote returns the conservative price for one asset from the cache.
func (c *Core) assetQuote(asset string) (oracle.Price, error) {
	ap, ok := c.prices[asset]
	if !ok {
		return oracle.Price{}, fmt.Errorf("%w: no price for asset %s", errs.ErrStaleOracle, asset)
	}
	return oracle.Conservative(ap.Spot, ap.Twap), nil
}

// fullQuote bundles the underlying spot/TWAP pair with the pay asset price.
func (c *Core) fullQuote(underlying, payAsset string) (engine.Quote, error) {
	up, ok := c.prices[underlying]
	if !ok {
		return engine.Quote{}, fmt.Errorf("%w: no price for asset %s", errs.ErrStaleOracle, underlying)
	}
	pp, ok := c.prices[payAsset]
	if !ok {
		return engine.Quote{}, fmt.Errorf("%w: no price for asset %s", errs.ErrStaleOracle, payAsset)
	}
	return engine.Quote{Spot: up.Spot, Twap: up.Twap, Pay: pp.Spot}, nil
}

// --- Handlers ---

// reconcilePoolAum revalues the pool's AUM from custody holdings before any
// share math runs, so LP pricing sees premium income, settlement losses and
// spot moves instead of the stale running total.
func (c *Core) reconcilePoolAum(p pool.Pool, now int64) (pool.Pool, error) {
	prices := make(map[string]oracle.Price, len(p.Custodies))
	for _, key := range p.Custodies {
		cst, ok := c.custodies[key]
		if !ok {
			return p, fmt.Errorf("%w: custody %s", errs.ErrUnknownRecord, key)
		}
		if _, seen := prices[cst.Asset]; seen {
			continue
		}
		price, err := c.assetQuote(cst.Asset)
		if err != nil {
			return p, err
		}
		prices[cst.Asset] = price
	}
	return c.engine.ReconcileAum(p, c.custodies, prices, now)
}

func (c *Core) handleAddLiquidity(cmd *command.AddLiquidity) (applied, error) {
	p, err := c.getPool(cmd.Pool)
	if err != nil {
		return applied{}, err
	}
	cst, err := c.getCustody(cmd.Pool + "/" + cmd.Asset)
	if err != nil {
		return applied{}, err
	}
	price, err := c.assetQuote(cmd.Asset)
	if err != nil {
		return applied{}, err
	}
	p, err = c.reconcilePoolAum(p, cmd.Timestamp.Unix())
	if err != nil {
		return applied{}, err
	}

	res, err := c.engine.ApplyAddLiquidity(p, cst, cmd.Provider, cmd.AmountIn, price, cmd.Timestamp.Unix())
	if err != nil {
		return applied{}, err
	}

	c.pools[res.Pool.Name] = res.Pool
	c.custodies[res.Custody.Key()] = res.Custody

	if c.metrics != nil {
		c.metrics.LiquidityDeposits.WithLabelValues(cmd.Pool, cmd.Asset).Inc()
		c.metrics.LiquidityFeesPaid.WithLabelValues(cmd.Pool, cmd.Asset).Add(float64(res.Fee))
		c.metrics.PoolAum.WithLabelValues(cmd.Pool).Set(float64(res.Pool.AumUsd))
		c.metrics.PoolLPSupply.WithLabelValues(cmd.Pool).Set(float64(res.Pool.LPSupply))
	}

	return applied{
		changes: Changes{
			Custodies: []custody.Custody{res.Custody},
			Pools:     []pool.Pool{res.Pool},
		},
		transfers: res.Transfers,
	}, nil
}

func (c *Core) handleRemoveLiquidity(cmd *command.RemoveLiquidity) (applied, error) {
	p, err := c.getPool(cmd.Pool)
	if err != nil {
		return applied{}, err
	}
	cst, err := c.getCustody(cmd.Pool + "/" + cmd.Asset)
	if err != nil {
		return applied{}, err
	}
	price, err := c.assetQuote(cmd.Asset)
	if err != nil {
		return applied{}, err
	}
	p, err = c.reconcilePoolAum(p, cmd.Timestamp.Unix())
	if err != nil {
		return applied{}, err
	}

	res, err := c.engine.ApplyRemoveLiquidity(p, cst, cmd.Provider, cmd.LPAmount, price, cmd.Timestamp.Unix())
	if err != nil {
		return applied{}, err
	}

	c.pools[res.Pool.Name] = res.Pool
	c.custodies[res.Custody.Key()] = res.Custody

	if c.metrics != nil {
		c.metrics.LiquidityWithdrawals.WithLabelValues(cmd.Pool, cmd.Asset).Inc()
		c.metrics.LiquidityFeesPaid.WithLabelValues(cmd.Pool, cmd.Asset).Add(float64(res.Fee))
		c.metrics.PoolAum.WithLabelValues(cmd.Pool).Set(float64(res.Pool.AumUsd))
		c.metrics.PoolLPSupply.WithLabelValues(cmd.Pool).Set(float64(res.Pool.LPSupply))
	}

	return applied{
		changes: Changes{
			Custodies: []custody.Custody{res.Custody},
			Pools:     []pool.Pool{res.Pool},
		},
		transfers: res.Transfers,
	}, nil
}

func (c *Core) handleOpenOption(cmd *command.OpenOption) (applied, error) {
	p, err := c.getPool(cmd.Pool)
	if err != nil {
		return applied{}, err
	}
	cst, err := c.getCustody(cmd.Pool + "/" + cmd.CollateralAsset)
	if err != nil {
		return applied{}, err
	}
	payCst, err := c.getCustody(cmd.Pool + "/" + cmd.PayAsset)
	if err != nil {
		return applied{}, err
	}
	if !p.HasCustody(cst.Key()) || !p.HasCustody(payCst.Key()) {
		return applied{}, fmt.Errorf("%w: custody outside pool %s", errs.ErrUnknownRecord, cmd.Pool)
	}
	q, err := c.fullQuote(cmd.CollateralAsset, cmd.PayAsset)
	if err != nil {
		return applied{}, err
	}

	res, err := c.engine.OpenOption(cmd.CommandID, cmd.Owner, cst, payCst, q,
		cmd.Direction, cmd.Strike, cmd.Amount, cmd.PeriodDays, cmd.Timestamp.Unix())
	if err != nil {
		return applied{}, err
	}

	c.custodies[res.Custody.Key()] = res.Custody
	c.custodies[res.PayCustody.Key()] = res.PayCustody
	c.positions[res.Position.ID] = res.Position

	if c.metrics != nil {
		c.metrics.OptionsOpened.WithLabelValues(cmd.Pool, cmd.Direction.String()).Inc()
		c.metrics.PremiumCollected.WithLabelValues(cmd.Pool, cmd.PayAsset).Add(float64(res.Premium))
		c.metrics.OpenPositions.WithLabelValues(cmd.Pool).Inc()
	}

	return applied{
		changes: Changes{
			Custodies: []custody.Custody{res.Custody, res.PayCustody},
			Positions: []option.Position{res.Position},
		},
		transfers: res.Transfers,
	}, nil
}

func (c *Core) handleCloseOption(cmd *command.CloseOption) (applied, error) {
	pos, err := c.getPosition(cmd.PositionID)
	if err != nil {
		return applied{}, err
	}
	if pos.Owner != cmd.Owner {
		return applied{}, fmt.Errorf("%w: position %s is not owned by %s", errs.ErrInvalidParams, pos.ID, cmd.Owner)
	}
	res, err := c.closePosition(pos, cmd.SizeBps, cmd.Timestamp.Unix())
	if err != nil {
		return applied{}, err
	}
	if c.metrics != nil {
		c.metrics.OptionsClosed.WithLabelValues(pos.Pool).Inc()
		if res.changes.Positions[0].State != option.StateOpen {
			c.metrics.OpenPositions.WithLabelValues(pos.Pool).Dec()
		}
	}
	return res, nil
}

// closePosition runs a full or partial close through the engine and commits
// the successor records. sizeBps == 0 means a full close.
func (c *Core) closePosition(pos option.Position, sizeBps, now int64) (applied, error) {
	cst, err := c.getCustody(pos.Custody)
	if err != nil {
		return applied{}, err
	}
	payCst, err := c.getCustody(pos.PayCustody)
	if err != nil {
		return applied{}, err
	}
	q, err := c.fullQuote(cst.Asset, payCst.Asset)
	if err != nil {
		return applied{}, err
	}

	var res engine.CloseResult
	if sizeBps == 0 {
		res, err = c.engine.CloseOption(pos, cst, payCst, q, now)
	} else {
		res, err = c.engine.PartialClose(pos, cst, payCst, q, sizeBps, now)
	}
	if err != nil {
		return applied{}, err
	}

	c.custodies[res.Custody.Key()] = res.Custody
	c.custodies[res.PayCustody.Key()] = res.PayCustody
	c.positions[res.Position.ID] = res.Position

	changes := Changes{
		Custodies: []custody.Custody{res.Custody, res.PayCustody},
		Positions: []option.Position{res.Position},
	}

	// A terminal close retires the position's conditional orders.
	if res.Position.State != option.StateOpen {
		if b, ok := c.books[res.Position.ID]; ok {
			b = b.Clear()
			c.books[res.Position.ID] = b
			changes.Books = append(changes.Books, b)
		}
	}

	return applied{changes: changes, transfers: res.Transfers}, nil
}

func (c *Core) handleExerciseOption(cmd *command.ExerciseOption) (applied, error) {
	pos, err := c.getPosition(cmd.PositionID)
	if err != nil {
		return applied{}, err
	}
	res, err := c.exercisePosition(pos, cmd.Caller, cmd.Timestamp.Unix())
	if err != nil {
		return applied{}, err
	}
	if c.metrics != nil {
		c.metrics.OptionsExercised.WithLabelValues(pos.Pool).Inc()
		c.metrics.OpenPositions.WithLabelValues(pos.Pool).Dec()
	}
	return res, nil
}

func (c *Core) exercisePosition(pos option.Position, caller string, now int64) (applied, error) {
	cst, err := c.getCustody(pos.Custody)
	if err != nil {
		return applied{}, err
	}
	q, err := c.fullQuote(cst.Asset, cst.Asset)
	if err != nil {
		return applied{}, err
	}

	res, err := c.engine.ExerciseOption(pos, cst, q, now, caller)
	if err != nil {
		return applied{}, err
	}

	c.custodies[res.Custody.Key()] = res.Custody
	c.positions[res.Position.ID] = res.Position

	changes := Changes{
		Custodies: []custody.Custody{res.Custody},
		Positions: []option.Position{res.Position},
	}
	if b, ok := c.books[res.Position.ID]; ok {
		b = b.Clear()
		c.books[res.Position.ID] = b
		changes.Books = append(changes.Books, b)
	}

	return applied{changes: changes, transfers: res.Transfers}, nil
}

// bookRef derives the price-rule anchors for a position's book: the current
// conservative underlying price, no liquidation bound.
func (c *Core) bookRef(pos option.Position) (book.RefPrices, error) {
	cst, err := c.getCustody(pos.Custody)
	if err != nil {
		return book.RefPrices{}, err
	}
	price, err := c.assetQuote(cst.Asset)
	if err != nil {
		return book.RefPrices{}, err
	}
	return book.RefPrices{Entry: price.Value}, nil
}

// getOrCreateBook returns the position's book, creating an empty one bound to
// the position's direction on first use.
func (c *Core) getOrCreateBook(pos option.Position, owner string) (book.Orderbook, error) {
	if pos.Owner != owner {
		return book.Orderbook{}, fmt.Errorf("%w: position %s is not owned by %s", errs.ErrInvalidParams, pos.ID, owner)
	}
	if pos.State != option.StateOpen {
		return book.Orderbook{}, fmt.Errorf("%w: orders on %s position %s", errs.ErrInvalidState, pos.State, pos.ID)
	}
	if b, ok := c.books[pos.ID]; ok {
		return b, nil
	}
	return book.Orderbook{
		Owner:      pos.Owner,
		PositionID: pos.ID,
		Direction:  pos.Direction,
	}, nil
}

func (c *Core) handlePlaceOrder(cmd *command.PlaceOrder) (applied, error) {
	pos, err := c.getPosition(cmd.PositionID)
	if err != nil {
		return applied{}, err
	}
	b, err := c.getOrCreateBook(pos, cmd.Owner)
	if err != nil {
		return applied{}, err
	}
	ref, err := c.bookRef(pos)
	if err != nil {
		return applied{}, err
	}
	b, err = b.Add(cmd.Kind, book.Entry{Price: cmd.Price, SizePercentBps: cmd.SizeBps}, ref)
	if err != nil {
		return applied{}, err
	}
	c.books[pos.ID] = b
	return applied{changes: Changes{Books: []book.Orderbook{b}}}, nil
}

func (c *Core) handleUpdateOrder(cmd *command.UpdateOrder) (applied, error) {
	pos, err := c.getPosition(cmd.PositionID)
	if err != nil {
		return applied{}, err
	}
	b, err := c.getOrCreateBook(pos, cmd.Owner)
	if err != nil {
		return applied{}, err
	}
	ref, err := c.bookRef(pos)
	if err != nil {
		return applied{}, err
	}
	b, err = b.Update(cmd.Kind, cmd.Index, book.Entry{Price: cmd.Price, SizePercentBps: cmd.SizeBps}, ref)
	if err != nil {
		return applied{}, err
	}
	c.books[pos.ID] = b
	return applied{changes: Changes{Books: []book.Orderbook{b}}}, nil
}

func (c *Core) handleCancelOrder(cmd *command.CancelOrder) (applied, error) {
	pos, err := c.getPosition(cmd.PositionID)
	if err != nil {
		return applied{}, err
	}
	b, err := c.getOrCreateBook(pos, cmd.Owner)
	if err != nil {
		return applied{}, err
	}
	b, err = b.Remove(cmd.Kind, cmd.Index)
	if err != nil {
		return applied{}, err
	}
	c.books[pos.ID] = b
	return applied{changes: Changes{Books: []book.Orderbook{b}}}, nil
}

func (c *Core) handleClearOrders(cmd *command.ClearOrders) (applied, error) {
	pos, err := c.getPosition(cmd.PositionID)
	if err != nil {
		return applied{}, err
	}
	b, err := c.getOrCreateBook(pos, cmd.Owner)
	if err != nil {
		return applied{}, err
	}
	b = b.Clear()
	c.books[pos.ID] = b
	return applied{changes: Changes{Books: []book.Orderbook{b}}}, nil
}

func (c *Core) handleRateCrank(cmd *command.RateCrank) (applied, error) {
	cst, err := c.getCustody(cmd.Pool + "/" + cmd.Asset)
	if err != nil {
		return applied{}, err
	}
	cst, err = c.engine.RefreshRates(cst, cmd.Timestamp.Unix())
	if err != nil {
		return applied{}, err
	}
	c.custodies[cst.Key()] = cst

	if c.metrics != nil {
		c.metrics.CustodyUtilization.WithLabelValues(cmd.Pool, cmd.Asset).
			Set(float64(cst.Utilization()) / 1e9)
	}

	return applied{changes: Changes{Custodies: []custody.Custody{cst}}}, nil
}

func (c *Core) handlePriceUpdate(cmd *command.PriceUpdate) (applied, error) {
	if cmd.Spot <= 0 {
		return applied{}, fmt.Errorf("%w: non-positive spot", errs.ErrInvalidParams)
	}
	ts := cmd.PriceTimestamp / 1_000_000 // micros to seconds
	ap := AssetPrice{
		Spot:     oracle.Price{Value: cmd.Spot, Timestamp: ts},
		Sequence: cmd.PriceSequence,
	}
	if cmd.Twap > 0 {
		ap.Twap = oracle.Price{Value: cmd.Twap, Timestamp: ts}
	}
	c.prices[cmd.Asset] = ap

	// Price updates rewrite no records; the envelope alone lands in the log.
	return applied{}, nil
}

// handleExpirySweep settles every expired open position in the pool: in the
// money exercises (keeper earns the reward), out of the money releases the
// collateral. One output per settled position, in position-ID order. A
// position that fails to settle (stale price, missing custody) is skipped so
// it cannot stall every other expiry; it stays open for the next sweep.
func (c *Core) handleExpirySweep(cmd *command.ExpirySweep) ([]applied, error) {
	now := cmd.Timestamp.Unix()
	ids := c.openPositionIDs(cmd.Pool)

	results := make([]applied, 0)
	for _, id := range ids {
		pos := c.positions[id]
		if !pos.IsExpired(now) {
			continue
		}

		res, err := c.settleExpired(pos, cmd.Keeper, now)
		if err != nil {
			if c.metrics != nil {
				c.metrics.CoreCommandsRejected.WithLabelValues("ExpirySweep", "settle_failed").Inc()
			}
			continue
		}
		if c.metrics != nil {
			c.metrics.OpenPositions.WithLabelValues(pos.Pool).Dec()
			c.metrics.ExpirySweepLag.Observe(float64(now - pos.ExpiryTime))
		}
		results = append(results, res)
	}

	return results, nil
}

// settleExpired routes one expired position to exercise or expiry.
func (c *Core) settleExpired(pos option.Position, keeper string, now int64) (applied, error) {
	cst, err := c.getCustody(pos.Custody)
	if err != nil {
		return applied{}, err
	}
	price, err := c.assetQuote(cst.Asset)
	if err != nil {
		return applied{}, err
	}

	if pricing.InTheMoney(pos.Direction, price.Value, pos.StrikePrice) {
		res, err := c.exercisePosition(pos, keeper, now)
		if err != nil {
			return applied{}, err
		}
		if c.metrics != nil {
			c.metrics.OptionsExercised.WithLabelValues(pos.Pool).Inc()
		}
		return res, nil
	}

	res, err := c.expirePosition(pos, now)
	if err != nil {
		return applied{}, err
	}
	if c.metrics != nil {
		c.metrics.OptionsExpired.WithLabelValues(pos.Pool).Inc()
	}
	return res, nil
}

func (c *Core) expirePosition(pos option.Position, now int64) (applied, error) {
	cst, err := c.getCustody(pos.Custody)
	if err != nil {
		return applied{}, err
	}
	res, err := c.engine.ExpireOption(pos, cst, now)
	if err != nil {
		return applied{}, err
	}

	c.custodies[res.Custody.Key()] = res.Custody
	c.positions[res.Position.ID] = res.Position

	changes := Changes{
		Custodies: []custody.Custody{res.Custody},
		Positions: []option.Position{res.Position},
	}
	if b, ok := c.books[res.Position.ID]; ok {
		b = b.Clear()
		c.books[res.Position.ID] = b
		changes.Books = append(changes.Books, b)
	}
	return applied{changes: changes}, nil
}

// openPositionIDs returns the pool's open positions in deterministic order.
// An empty pool name selects every pool.
func (c *Core) openPositionIDs(poolName string) []uuid.UUID {
	ids := make([]uuid.UUID, 0)
	for id, pos := range c.positions {
		if pos.State != option.StateOpen {
			continue
		}
		if poolName != "" && pos.Pool != poolName {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids
}

// sweepOrderTriggers walks every open position collateralized in the updated
// asset and consumes at most one crossed TP/SL entry each, driving a partial
// close through the engine. Derived outputs carry their own sequence, like
// any other applied command.
func (c *Core) sweepOrderTriggers(asset string, ts time.Time) {
	now := ts.Unix()
	ap, ok := c.prices[asset]
	if !ok {
		return
	}
	spot := ap.Spot.Value

	for _, id := range c.openPositionIDs("") {
		pos := c.positions[id]
		cst, ok := c.custodies[pos.Custody]
		if !ok || cst.Asset != asset {
			continue
		}
		b, ok := c.books[id]
		if !ok {
			continue
		}
		kind, index, triggered := b.FirstTriggered(spot)
		if !triggered {
			continue
		}

		b, entry, err := b.Consume(kind, index)
		if err != nil {
			continue
		}
		c.books[id] = b

		res, err := c.closePosition(pos, entry.SizePercentBps, now)
		if err != nil {
			// The entry is spent either way; a close that fails validation
			// (stale oracle, rounding to zero) must not wedge the sweep.
			continue
		}
		res.changes.Books = append(res.changes.Books, b)

		key := fmt.Sprintf("trigger:%s:%s:%d", pos.ID, kind, c.sequence)
		poolName := pos.Pool
		c.emit(nil, command.CommandTypeOrderTriggered, key, &poolName, ts, ap.Sequence, res)

		if c.metrics != nil {
			c.metrics.OrderTriggers.WithLabelValues(pos.Pool, kind.String()).Inc()
			if c.positions[id].State != option.StateOpen {
				c.metrics.OpenPositions.WithLabelValues(pos.Pool).Dec()
			}
		}
	}
}

// GetSequence returns the current global sequence number.
func (c *Core) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *Core) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *Core) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}
