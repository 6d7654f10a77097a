package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"OptionVault/internal/book"
	"OptionVault/internal/command"
	"OptionVault/internal/config"
	"OptionVault/internal/custody"
	"OptionVault/internal/engine"
	"OptionVault/internal/ingestion"
	"OptionVault/internal/observability"
	"OptionVault/internal/oracle"
	"OptionVault/internal/option"
	"OptionVault/internal/persistence"
	"OptionVault/internal/pool"
	"OptionVault/internal/pricing"
	"OptionVault/internal/projection"
	"OptionVault/internal/query"
	"OptionVault/internal/rate"
	"OptionVault/internal/server"
	"OptionVault/internal/venue"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: OptionVault starting...")

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime())

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	// --- Run SQL migrations ---
	migrator := persistence.NewMigrator(db, cfg.Persistence.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Println("INFO: migrations applied")

	snapMgr := persistence.NewSnapshotManager(db)

	// --- Recovery: load snapshot + replay ---
	startSequence := int64(0)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Printf("WARN: failed to load snapshot: %v", err)
	}
	if snap != nil {
		startSequence = snap.Sequence + 1
		log.Printf("INFO: loaded snapshot at sequence %d", snap.Sequence)
	} else {
		log.Println("INFO: no snapshot found, cold start from sequence 0")
	}

	// --- Channels ---
	// Persist channel blocks (backpressure), projection channel drops
	persistCoreChan := make(chan venue.Output, cfg.Channels.PersistSize)
	projectionCoreChan := make(chan venue.Output, cfg.Channels.ProjectionSize)

	// Bridge channels for workers (avoids import cycles)
	persistWorkerChan := make(chan persistence.Output, cfg.Channels.PersistSize)
	projectionWorkerChan := make(chan projection.Output, cfg.Channels.ProjectionSize)
	publishChan := make(chan ingestion.AppliedNotice, cfg.Channels.PublishSize)

	// --- Postgres idempotency checker ---
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Pricing engine + venue core ---
	eng, err := engine.New(cfg.EngineParams())
	if err != nil {
		log.Fatalf("FATAL: engine params: %v", err)
	}

	core := venue.NewCore(startSequence, eng, persistCoreChan, projectionCoreChan, dbChecker, metrics)

	// --- Snapshot restore ---
	if snap != nil {
		restoreStateFromSnapshot(core, snap)
	}

	// --- Bootstrap pool/custody registration ---
	// Records already present (restored from the snapshot) are kept as-is;
	// only new declarations from the config are installed.
	if err := registerBootstrapRecords(core, cfg); err != nil {
		log.Fatalf("FATAL: bootstrap records: %v", err)
	}

	// --- LRU warming ---
	if snap != nil && len(snap.IdempotencyKeys) > 0 {
		log.Printf("INFO: warming LRU with %d keys from snapshot", len(snap.IdempotencyKeys))
		core.WarmLRU(snap.IdempotencyKeys)
	} else {
		keys, err := dbChecker.LoadRecentKeys(ctx, 100_000)
		if err != nil {
			log.Printf("WARN: LRU warm from command log failed: %v", err)
		} else if len(keys) > 0 {
			log.Printf("INFO: warming LRU with %d keys from command log", len(keys))
			core.WarmLRU(keys)
		}
	}

	// --- Start goroutines ---
	errChan := make(chan error, 10)

	// 1. Persistence worker — must run before replay so re-emitted outputs
	// drain (duplicate rows are absorbed by ON CONFLICT DO NOTHING)
	persistWorker := persistence.NewWorker(db, persistWorkerChan, cfg.Persistence.BatchSize, cfg.FlushTimeout(), metrics)
	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	// 2. Projection worker
	projWorker := projection.NewWorker(db, projectionWorkerChan)
	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	// 3. Core output bridge: venue.Output -> persistence / projection / publish
	go func() {
		bridgeCoreOutputs(ctx, persistCoreChan, projectionCoreChan, persistWorkerChan, projectionWorkerChan, publishChan)
	}()

	// --- Command replay ---
	// Replay from snapshot.sequence+1 to head. Derived rows are skipped;
	// replaying their parent command re-derives them.
	replayCount, err := replayCommandLog(ctx, snapMgr, core, startSequence)
	if err != nil {
		log.Fatalf("FATAL: command replay failed: %v", err)
	}
	if replayCount > 0 {
		log.Printf("INFO: replayed %d commands (sequence now at %d)", replayCount, core.GetSequence())
	}

	// --- State hash verification ---
	if snap != nil && replayCount == 0 {
		var expectedHash [32]byte
		copy(expectedHash[:], snap.StateHash)
		if actualHash := core.GetStateHash(); expectedHash != actualHash {
			log.Fatalf("FATAL: state hash mismatch after restore: expected %x, got %x", expectedHash, actualHash)
		}
		log.Println("INFO: state hash verified after snapshot restore")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		log.Fatalf("FATAL: nats connect: %v", err)
	}
	defer nc.Close()
	log.Println("INFO: NATS connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure NATS streams: %v", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure outbound stream: %v", err)
	}

	rawCommandChan := make(chan ingestion.RawCommand, cfg.Channels.IngestSize)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawCommandChan)
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatalf("FATAL: nats subscribe: %v", err)
	}

	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan)

	// --- Services ---
	queryService := query.NewService(db, metrics)
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr)
	httpServer := server.NewHTTPServer(cfg.Server.HTTPAddr, queryService, db, healthChecker)

	// 4. Outbound publisher
	go func() {
		errChan <- outboundPublisher.Run(ctx)
	}()

	// 5. NATS -> core ingestion loop
	go func() {
		runIngestionLoop(ctx, rawCommandChan, core)
	}()

	// 6. gRPC health server
	go func() {
		errChan <- grpcServer.Start(ctx)
	}()

	// 7. HTTP API (queries, admin, health probes, metrics)
	go func() {
		errChan <- httpServer.Start(ctx)
	}()

	// 8. Periodic snapshot creation
	go func() {
		runPeriodicSnapshots(ctx, core, snapMgr, cfg.Persistence.SnapshotInterval, metrics)
	}()

	// Mark ready after all goroutines started
	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	log.Printf("INFO: OptionVault ready (sequence=%d, grpc=%s, http=%s)",
		core.GetSequence(), cfg.Server.GRPCAddr, cfg.Server.HTTPAddr)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	// --- Graceful shutdown ---
	cancel()
	grpcServer.SetServing(false)
	healthChecker.SetReady(false)
	natsSubscriber.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	close(persistWorkerChan)
	close(projectionWorkerChan)
	close(publishChan)

	// Take a final snapshot so the next start replays nothing
	if err := takeSnapshot(shutdownCtx, core, snapMgr, metrics); err != nil {
		log.Printf("ERROR: final snapshot failed: %v", err)
	} else {
		log.Println("INFO: final snapshot saved")
	}

	log.Println("INFO: OptionVault shutdown complete")
}

// registerBootstrapRecords installs configured custodies and pools that are
// not already present from a snapshot restore.
func registerBootstrapRecords(core *venue.Core, cfg config.Config) error {
	custodies, pools := cfg.BootstrapRecords()

	for _, cst := range custodies {
		if _, exists := core.Custody(cst.Key()); exists {
			continue
		}
		if err := core.RegisterCustody(cst); err != nil {
			return fmt.Errorf("register custody %s: %w", cst.Key(), err)
		}
		log.Printf("INFO: registered custody %s", cst.Key())
	}
	for _, p := range pools {
		if _, exists := core.Pool(p.Name); exists {
			continue
		}
		if err := core.RegisterPool(p); err != nil {
			return fmt.Errorf("register pool %s: %w", p.Name, err)
		}
		log.Printf("INFO: registered pool %s", p.Name)
	}
	return nil
}

// bridgeCoreOutputs converts venue.Output into the row formats the
// persistence and projection workers consume, and fans applied notices out
// to the outbound publisher. This avoids import cycles between venue and
// persistence/projection packages.
func bridgeCoreOutputs(
	ctx context.Context,
	persistIn <-chan venue.Output,
	projectionIn <-chan venue.Output,
	persistOut chan<- persistence.Output,
	projectionOut chan<- projection.Output,
	publishOut chan<- ingestion.AppliedNotice,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case output, ok := <-persistIn:
			if !ok {
				return
			}

			persistOut <- persistenceOutput(output)

			// Also publish outbound; drop when the publish channel is full
			select {
			case publishOut <- appliedNotice(output):
			default:
			}

		case output, ok := <-projectionIn:
			if !ok {
				return
			}

			select {
			case projectionOut <- projectionOutput(output):
			default:
				// Drop when full — projections rebuild from the log
			}
		}
	}
}

func persistenceOutput(output venue.Output) persistence.Output {
	env := output.Envelope

	payload := []byte("{}")
	if output.Command != nil {
		if data, err := persistence.MarshalCommandPayload(output.Command); err == nil {
			payload = data
		} else {
			log.Printf("WARN: marshal payload failed seq=%d: %v", env.Sequence, err)
		}
	}

	p := persistence.Output{
		CommandRow: persistence.CommandRow{
			Sequence:       env.Sequence,
			CommandType:    env.CommandType.String(),
			IdempotencyKey: env.IdempotencyKey,
			PoolID:         env.PoolID,
			Payload:        payload,
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
			Timestamp:      env.Timestamp,
			SourceSequence: env.SourceSequence,
		},
	}

	for i, t := range output.Transfers {
		p.TransferRows = append(p.TransferRows, persistence.TransferRow{
			Sequence:    env.Sequence,
			TransferIdx: int32(i),
			Kind:        t.Kind,
			FromAccount: t.From,
			ToAccount:   t.To,
			Custody:     t.Custody,
			Amount:      t.Amount,
			Timestamp:   env.Timestamp,
		})
	}
	return p
}

func projectionOutput(output venue.Output) projection.Output {
	env := output.Envelope
	p := projection.Output{
		Sequence:    env.Sequence,
		CommandType: env.CommandType.String(),
	}

	for _, c := range output.Changes.Custodies {
		p.Custodies = append(p.Custodies, projection.CustodyState{
			Pool:           c.Pool,
			Asset:          c.Asset,
			Owned:          c.Owned,
			Locked:         c.Locked,
			CollectedFees:  c.CollectedFees,
			ProtocolFees:   c.ProtocolFees,
			LongOI:         c.LongOI,
			ShortOI:        c.ShortOI,
			CumBorrowRate:  c.CumBorrowRate,
			CumFundingRate: c.CumFundingRate,
			LastUpdateTime: c.LastUpdateTime,
		})
	}
	for _, pl := range output.Changes.Pools {
		p.Pools = append(p.Pools, projection.PoolState{
			Name:     pl.Name,
			AumUsd:   pl.AumUsd,
			LPSupply: pl.LPSupply,
		})
	}
	for _, pos := range output.Changes.Positions {
		p.Positions = append(p.Positions, projection.PositionState{
			ID:               pos.ID.String(),
			Owner:            pos.Owner,
			Pool:             pos.Pool,
			Custody:          pos.Custody,
			PayCustody:       pos.PayCustody,
			Direction:        pos.Direction.String(),
			StrikePrice:      pos.StrikePrice,
			Amount:           pos.Amount,
			PremiumPaid:      pos.PremiumPaid,
			OpenFee:          pos.OpenFee,
			OpenTime:         pos.OpenTime,
			ExpiryTime:       pos.ExpiryTime,
			State:            pos.State.String(),
			SettledProfit:    pos.SettledProfit,
			SettledTime:      pos.SettledTime,
			CumBorrowAtOpen:  pos.CumBorrowAtOpen,
			CumFundingAtOpen: pos.CumFundingAtOpen,
			Version:          pos.Version,
		})
	}
	for _, b := range output.Changes.Books {
		p.Books = append(p.Books, projection.BookState{
			PositionID:  b.PositionID.String(),
			Owner:       b.Owner,
			TakeProfits: orderStates(b.TakeProfits),
			StopLosses:  orderStates(b.StopLosses),
		})
	}
	return p
}

func orderStates(entries []book.Entry) []projection.OrderState {
	states := make([]projection.OrderState, 0, len(entries))
	for _, e := range entries {
		states = append(states, projection.OrderState{
			Price:   e.Price,
			SizeBps: e.SizePercentBps,
		})
	}
	return states
}

func appliedNotice(output venue.Output) ingestion.AppliedNotice {
	env := output.Envelope
	notice := ingestion.AppliedNotice{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Pool:           env.PoolID,
		StateHash:      env.StateHash[:],
		Timestamp:      env.Timestamp,
	}
	for _, t := range output.Transfers {
		notice.Transfers = append(notice.Transfers, ingestion.TransferNotice{
			Kind:        t.Kind,
			FromAccount: t.From,
			ToAccount:   t.To,
			Custody:     t.Custody,
			Amount:      t.Amount,
		})
	}
	return notice
}

// runIngestionLoop reads raw commands from NATS, parses them and feeds them
// to the core. Messages are acked after the parse succeeds and the typed
// command is queued, NOT after core processing: this prevents AckWait expiry
// during slow processing and propagates backpressure via channel blocking.
func runIngestionLoop(ctx context.Context, rawChan <-chan ingestion.RawCommand, core *venue.Core) {
	typedChan := make(chan command.Command, cap(rawChan))

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-rawChan:
				if !ok {
					close(typedChan)
					return
				}

				cmd, err := ingestion.ParseRawCommand(raw, raw.CommandType)
				if err != nil {
					log.Printf("WARN: parse command failed (subject=%s): %v", raw.Subject, err)
					raw.AckFunc() // Ack unparseable messages to avoid redelivery loops
					continue
				}

				select {
				case typedChan <- cmd:
					raw.AckFunc() // Ack AFTER successful channel send
				case <-ctx.Done():
					raw.NakFunc()
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-typedChan:
			if !ok {
				return
			}

			if err := core.ProcessCommand(cmd); err != nil {
				log.Printf("ERROR: core.ProcessCommand failed (type=%s, key=%s): %v",
					cmd.CommandType(), cmd.IdempotencyKey(), err)
				// Already acked — validation rejections are final, and the
				// command log keeps the authoritative record
			}
		}
	}
}

// --- Snapshot restore & replay ---

// restoreStateFromSnapshot converts persistence.SnapshotData into
// venue.SnapshotState and restores the core's in-memory state.
func restoreStateFromSnapshot(core *venue.Core, snap *persistence.SnapshotData) {
	vs := &venue.SnapshotState{
		Sequence:        snap.Sequence,
		Custodies:       make(map[string]custody.Custody, len(snap.Custodies)),
		Pools:           make(map[string]pool.Pool, len(snap.Pools)),
		Positions:       make(map[uuid.UUID]option.Position, len(snap.Positions)),
		Books:           make(map[uuid.UUID]book.Orderbook, len(snap.Books)),
		Prices:          make(map[string]venue.AssetPrice, len(snap.Prices)),
		SequenceState:   snap.SequenceState,
		IdempotencyKeys: snap.IdempotencyKeys,
	}
	copy(vs.StateHash[:], snap.StateHash)

	for _, cs := range snap.Custodies {
		cst := custody.Custody{
			Pool:     cs.Pool,
			Asset:    cs.Asset,
			Decimals: cs.Decimals,
			Owned:    cs.Owned,
			Locked:   cs.Locked,

			CollectedFees: cs.CollectedFees,
			ProtocolFees:  cs.ProtocolFees,
			LongOI:        cs.LongOI,
			ShortOI:       cs.ShortOI,
			Ratio: custody.Ratio{
				TargetBps: cs.TargetBps,
				MinBps:    cs.MinBps,
				MaxBps:    cs.MaxBps,
			},
			Curve: rate.CurveParams{
				BaseRate:           cs.BaseRate,
				Slope1:             cs.Slope1,
				Slope2:             cs.Slope2,
				OptimalUtilization: cs.OptimalUtil,
			},
			FundingMult:    cs.FundingMult,
			UtilizationCap: cs.UtilizationCap,
			CumBorrowRate:  cs.CumBorrowRate,
			CumFundingRate: cs.CumFundingRate,
			LastUpdateTime: cs.LastUpdateTime,
		}
		vs.Custodies[cst.Key()] = cst
	}

	for _, ps := range snap.Pools {
		vs.Pools[ps.Name] = pool.Pool{
			Name:      ps.Name,
			Custodies: ps.Custodies,
			AumUsd:    ps.AumUsd,
			LPSupply:  ps.LPSupply,
		}
	}

	for _, ps := range snap.Positions {
		id, err := uuid.Parse(ps.ID)
		if err != nil {
			log.Printf("WARN: skip position with bad id %q: %v", ps.ID, err)
			continue
		}
		vs.Positions[id] = option.Position{
			ID:               id,
			Owner:            ps.Owner,
			Pool:             ps.Pool,
			Custody:          ps.Custody,
			PayCustody:       ps.PayCustody,
			Direction:        pricing.Direction(ps.Direction),
			StrikePrice:      ps.StrikePrice,
			Amount:           ps.Amount,
			PremiumPaid:      ps.PremiumPaid,
			OpenFee:          ps.OpenFee,
			OpenTime:         ps.OpenTime,
			ExpiryTime:       ps.ExpiryTime,
			State:            option.State(ps.State),
			SettledProfit:    ps.SettledProfit,
			SettledTime:      ps.SettledTime,
			CumBorrowAtOpen:  ps.CumBorrowAtOpen,
			CumFundingAtOpen: ps.CumFundingAtOpen,
			Version:          ps.Version,
		}
	}

	for _, bs := range snap.Books {
		id, err := uuid.Parse(bs.PositionID)
		if err != nil {
			log.Printf("WARN: skip orderbook with bad position id %q: %v", bs.PositionID, err)
			continue
		}
		vs.Books[id] = book.Orderbook{
			Owner:       bs.Owner,
			PositionID:  id,
			Direction:   pricing.Direction(bs.Direction),
			TakeProfits: bookEntries(bs.TakeProfits),
			StopLosses:  bookEntries(bs.StopLosses),
		}
	}

	for asset, ps := range snap.Prices {
		vs.Prices[asset] = venue.AssetPrice{
			Spot:     oracle.Price{Value: ps.Spot, Timestamp: ps.Timestamp},
			Twap:     oracle.Price{Value: ps.Twap, Timestamp: ps.Timestamp},
			Sequence: ps.PriceSequence,
		}
	}

	core.RestoreFromSnapshot(vs)
	log.Printf("INFO: restored in-memory state from snapshot at sequence %d", snap.Sequence)
}

func bookEntries(orders []persistence.OrderSnapshot) []book.Entry {
	entries := make([]book.Entry, 0, len(orders))
	for _, o := range orders {
		entries = append(entries, book.Entry{
			Price:          o.Price,
			SizePercentBps: o.SizeBps,
		})
	}
	return entries
}

// replayCommandLog replays commands from the log starting at fromSequence.
// Used for warm restart (replay from snapshot) and cold restart (replay all).
func replayCommandLog(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	core *venue.Core,
	fromSequence int64,
) (int64, error) {
	const batchSize = 1000
	var totalReplayed int64

	for {
		rows, err := snapMgr.LoadCommandsFrom(ctx, fromSequence, batchSize)
		if err != nil {
			return totalReplayed, fmt.Errorf("load commands from seq %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			cmd, err := command.Unmarshal(row.CommandType, row.Payload)
			if errors.Is(err, command.ErrDerivedCommand) {
				continue
			}
			if err != nil {
				log.Printf("WARN: skip undecodable command at seq=%d type=%s: %v",
					row.Sequence, row.CommandType, err)
				continue
			}

			if err := core.ProcessCommand(cmd); err != nil {
				// Duplicates and sequence errors are expected during replay
				log.Printf("DEBUG: replay skip seq=%d: %v", row.Sequence, err)
			}

			totalReplayed++
		}

		fromSequence = rows[len(rows)-1].Sequence + 1
	}

	return totalReplayed, nil
}

// --- Snapshot helpers ---

// runPeriodicSnapshots takes a snapshot every interval applied commands.
func runPeriodicSnapshots(
	ctx context.Context,
	core *venue.Core,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	metrics *observability.Metrics,
) {
	if interval <= 0 {
		interval = 100_000
	}

	lastSnapshotSeq := core.GetSequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSeq := core.GetSequence()
			if currentSeq-lastSnapshotSeq >= interval {
				if err := takeSnapshot(ctx, core, snapMgr, metrics); err != nil {
					log.Printf("WARN: periodic snapshot failed: %v", err)
				} else {
					lastSnapshotSeq = currentSeq
					log.Printf("INFO: periodic snapshot at sequence %d", currentSeq)
				}
			}
		}
	}
}

// takeSnapshot captures the core's in-memory state and persists it.
func takeSnapshot(
	ctx context.Context,
	core *venue.Core,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) error {
	start := time.Now()

	vs := core.CreateSnapshotState()

	snapData := &persistence.SnapshotData{
		Sequence:        vs.Sequence,
		StateHash:       vs.StateHash[:],
		Prices:          make(map[string]persistence.PriceSnapshot, len(vs.Prices)),
		SequenceState:   vs.SequenceState,
		IdempotencyKeys: vs.IdempotencyKeys,
		CreatedAt:       time.Now(),
	}

	for _, cst := range vs.Custodies {
		snapData.Custodies = append(snapData.Custodies, persistence.CustodySnapshot{
			Pool:           cst.Pool,
			Asset:          cst.Asset,
			Decimals:       cst.Decimals,
			Owned:          cst.Owned,
			Locked:         cst.Locked,
			CollectedFees:  cst.CollectedFees,
			ProtocolFees:   cst.ProtocolFees,
			LongOI:         cst.LongOI,
			ShortOI:        cst.ShortOI,
			TargetBps:      cst.Ratio.TargetBps,
			MinBps:         cst.Ratio.MinBps,
			MaxBps:         cst.Ratio.MaxBps,
			BaseRate:       cst.Curve.BaseRate,
			Slope1:         cst.Curve.Slope1,
			Slope2:         cst.Curve.Slope2,
			OptimalUtil:    cst.Curve.OptimalUtilization,
			FundingMult:    cst.FundingMult,
			UtilizationCap: cst.UtilizationCap,
			CumBorrowRate:  cst.CumBorrowRate,
			CumFundingRate: cst.CumFundingRate,
			LastUpdateTime: cst.LastUpdateTime,
		})
	}

	for _, p := range vs.Pools {
		snapData.Pools = append(snapData.Pools, persistence.PoolSnapshot{
			Name:      p.Name,
			Custodies: p.Custodies,
			AumUsd:    p.AumUsd,
			LPSupply:  p.LPSupply,
		})
	}

	for _, pos := range vs.Positions {
		snapData.Positions = append(snapData.Positions, persistence.PositionSnapshot{
			ID:               pos.ID.String(),
			Owner:            pos.Owner,
			Pool:             pos.Pool,
			Custody:          pos.Custody,
			PayCustody:       pos.PayCustody,
			Direction:        int8(pos.Direction),
			StrikePrice:      pos.StrikePrice,
			Amount:           pos.Amount,
			PremiumPaid:      pos.PremiumPaid,
			OpenFee:          pos.OpenFee,
			OpenTime:         pos.OpenTime,
			ExpiryTime:       pos.ExpiryTime,
			State:            int32(pos.State),
			SettledProfit:    pos.SettledProfit,
			SettledTime:      pos.SettledTime,
			CumBorrowAtOpen:  pos.CumBorrowAtOpen,
			CumFundingAtOpen: pos.CumFundingAtOpen,
			Version:          pos.Version,
		})
	}

	for _, b := range vs.Books {
		snapData.Books = append(snapData.Books, persistence.OrderbookSnapshot{
			PositionID:  b.PositionID.String(),
			Owner:       b.Owner,
			Direction:   int8(b.Direction),
			TakeProfits: orderSnapshots(b.TakeProfits),
			StopLosses:  orderSnapshots(b.StopLosses),
		})
	}

	for asset, ap := range vs.Prices {
		snapData.Prices[asset] = persistence.PriceSnapshot{
			Spot:          ap.Spot.Value,
			Twap:          ap.Twap.Value,
			Timestamp:     ap.Spot.Timestamp,
			PriceSequence: ap.Sequence,
		}
	}

	if err := snapMgr.SaveSnapshot(ctx, snapData); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	// Mark verified immediately — it was captured from live state
	if err := snapMgr.MarkVerified(ctx, snapData.Sequence); err != nil {
		log.Printf("WARN: mark snapshot verified failed: %v", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotLastSeq.Set(float64(snapData.Sequence))
	}

	return nil
}

func orderSnapshots(entries []book.Entry) []persistence.OrderSnapshot {
	orders := make([]persistence.OrderSnapshot, 0, len(entries))
	for _, e := range entries {
		orders = append(orders, persistence.OrderSnapshot{
			Price:   e.Price,
			SizeBps: e.SizePercentBps,
		})
	}
	return orders
}
