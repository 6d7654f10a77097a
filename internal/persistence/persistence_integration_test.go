package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OptionVault/internal/command"
	"OptionVault/internal/persistence"
	"OptionVault/internal/testutil"
)

func commandRow(seq int64, commandType, key string, payload []byte) persistence.CommandRow {
	pool := "majors"
	return persistence.CommandRow{
		Sequence:       seq,
		CommandType:    commandType,
		IdempotencyKey: key,
		PoolID:         &pool,
		Payload:        payload,
		StateHash:      make([]byte, 32),
		PrevHash:       make([]byte, 32),
		Timestamp:      time.Unix(1_700_000_000+seq, 0).UTC(),
		SourceSequence: seq,
	}
}

func TestCommandLogWriteAndReplay(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, persistence.NewMigrator(db, "../../migrations").Up(ctx))

	writer := persistence.NewCommandLogWriter(db, 50, 10*time.Millisecond)

	add := &command.AddLiquidity{
		CommandID: uuid.New(),
		Provider:  "lp-alice",
		Pool:      "majors",
		Asset:     "SOL",
		AmountIn:  1_000_000,
		Sequence:  0,
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
	}
	payload, err := persistence.MarshalCommandPayload(add)
	require.NoError(t, err)

	rows := []persistence.CommandRow{
		commandRow(0, "AddLiquidity", add.IdempotencyKey(), payload),
		commandRow(1, "PriceUpdate", "price:SOL:0", []byte(`{"Asset":"SOL"}`)),
	}
	require.NoError(t, writer.WriteCommandBatch(ctx, rows, nil))

	// Redelivery of the same sequences is a no-op
	require.NoError(t, writer.WriteCommandBatch(ctx, rows, nil))

	sm := persistence.NewSnapshotManager(db)
	got, err := sm.LoadCommandsFrom(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, int64(0), got[0].Sequence)
	assert.Equal(t, "AddLiquidity", got[0].CommandType)
	assert.Equal(t, add.IdempotencyKey(), got[0].IdempotencyKey)
	require.NotNil(t, got[0].PoolID)
	assert.Equal(t, "majors", *got[0].PoolID)

	// The stored payload decodes back into the typed command
	cmd, err := command.Unmarshal(got[0].CommandType, got[0].Payload)
	require.NoError(t, err)
	replayed, ok := cmd.(*command.AddLiquidity)
	require.True(t, ok)
	assert.Equal(t, add.AmountIn, replayed.AmountIn)
	assert.Equal(t, add.CommandID, replayed.CommandID)

	latest, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest)
}

func TestTransferBatchWrite(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, persistence.NewMigrator(db, "../../migrations").Up(ctx))

	writer := persistence.NewCommandLogWriter(db, 50, 10*time.Millisecond)
	require.NoError(t, writer.WriteCommandBatch(ctx, []persistence.CommandRow{
		commandRow(0, "AddLiquidity", uuid.NewString(), []byte("{}")),
	}, nil))

	transfers := []persistence.TransferRow{
		{
			Sequence: 0, TransferIdx: 0, Kind: "liquidity_in",
			FromAccount: "lp-alice", ToAccount: "majors/SOL", Custody: "majors/SOL",
			Amount: 1_000_000, Timestamp: time.Unix(1_700_000_000, 0).UTC(),
		},
	}
	require.NoError(t, writer.WriteTransferBatch(ctx, transfers, nil))
	require.NoError(t, writer.WriteTransferBatch(ctx, transfers, nil)) // idempotent

	var count int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM command_log.transfers WHERE sequence = 0`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestPostgresIdempotencyChecker(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, persistence.NewMigrator(db, "../../migrations").Up(ctx))

	writer := persistence.NewCommandLogWriter(db, 50, 10*time.Millisecond)
	key := uuid.NewString()
	require.NoError(t, writer.WriteCommandBatch(ctx, []persistence.CommandRow{
		commandRow(0, "OpenOption", key, []byte("{}")),
	}, nil))

	checker := persistence.NewPostgresIdempotencyChecker(db)

	dup, err := checker.IsDuplicate("OpenOption", key)
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = checker.IsDuplicate("OpenOption", uuid.NewString())
	require.NoError(t, err)
	assert.False(t, dup)

	// Same key under a different type is a different command
	dup, err = checker.IsDuplicate("CloseOption", key)
	require.NoError(t, err)
	assert.False(t, dup)

	keys, err := checker.LoadRecentKeys(ctx, 10)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "OpenOption:"+key, keys[0])
}

func TestSnapshotSaveAndLoad(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, persistence.NewMigrator(db, "../../migrations").Up(ctx))

	sm := persistence.NewSnapshotManager(db)

	snap := &persistence.SnapshotData{
		Sequence:  42,
		StateHash: make([]byte, 32),
		Custodies: []persistence.CustodySnapshot{{
			Pool: "majors", Asset: "SOL", Decimals: 6,
			Owned: 5_000_000, Locked: 1_000_000,
			TargetBps: 6000, MinBps: 4000, MaxBps: 8000,
			BaseRate: 10_000_000, Slope1: 40_000_000, Slope2: 500_000_000,
			OptimalUtil: 800_000_000, UtilizationCap: 900_000_000,
			LastUpdateTime: 1_700_000_000,
		}},
		Pools: []persistence.PoolSnapshot{{
			Name: "majors", Custodies: []string{"majors/SOL"},
			AumUsd: 1_000_000_000, LPSupply: 1_000_000_000,
		}},
		Prices: map[string]persistence.PriceSnapshot{
			"SOL": {Spot: 150_000_000, Timestamp: 1_700_000_000, PriceSequence: 3},
		},
		SequenceState:   map[string]int64{"pool:majors": 5},
		IdempotencyKeys: []string{"AddLiquidity:abc"},
		CreatedAt:       time.Unix(1_700_000_000, 0).UTC(),
	}
	require.NoError(t, sm.SaveSnapshot(ctx, snap))

	// Unverified snapshots are invisible to recovery
	loaded, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	require.NoError(t, sm.MarkVerified(ctx, 42))

	loaded, err = sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(42), loaded.Sequence)
	require.Len(t, loaded.Custodies, 1)
	assert.Equal(t, int64(5_000_000), loaded.Custodies[0].Owned)
	assert.Equal(t, int64(5), loaded.SequenceState["pool:majors"])
	assert.Equal(t, int64(150_000_000), loaded.Prices["SOL"].Spot)
}
