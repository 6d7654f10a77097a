package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testTOML = `
[postgres]
dsn = "postgres://vault:pw@db:5432/optionvault?sslmode=disable"
max_open_conns = 40

[nats]
url = "nats://broker:4222"

[server]
grpc_addr = ":19090"
http_addr = ":18080"

[persistence]
batch_size = 100
flush_timeout_ms = 25
snapshot_interval = 50000

[engine]
volatility = 800000000
max_period_days = 14

[engine.liquidity_fee]
base_fee_bps = 25
ratio_mult = 1500000000

[[pools]]
name = "majors"

[[pools.custodies]]
asset = "SOL"
decimals = 9
target_bps = 6000
min_bps = 4000
max_bps = 8000
base_rate = 10000000
slope1 = 40000000
slope2 = 500000000
optimal_utilization = 800000000
funding_mult = 100000000
utilization_cap = 900000000

[[pools.custodies]]
asset = "USDC"
decimals = 6
target_bps = 4000
min_bps = 2000
max_bps = 6000
base_rate = 5000000
slope1 = 20000000
slope2 = 300000000
optimal_utilization = 800000000
funding_mult = 0
utilization_cap = 900000000
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "optionvault.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if err := cfg.EngineParams().Validate(); err != nil {
		t.Errorf("default engine params invalid: %v", err)
	}
}

func TestLoadAppliesTOML(t *testing.T) {
	path := writeTestConfig(t, testTOML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Postgres.DSN != "postgres://vault:pw@db:5432/optionvault?sslmode=disable" {
		t.Errorf("dsn = %s", cfg.Postgres.DSN)
	}
	if cfg.Postgres.MaxOpenConns != 40 {
		t.Errorf("max open conns = %d", cfg.Postgres.MaxOpenConns)
	}
	if cfg.NATS.URL != "nats://broker:4222" {
		t.Errorf("nats url = %s", cfg.NATS.URL)
	}
	if cfg.Server.GRPCAddr != ":19090" || cfg.Server.HTTPAddr != ":18080" {
		t.Errorf("addrs = %s / %s", cfg.Server.GRPCAddr, cfg.Server.HTTPAddr)
	}
	if cfg.Engine.Volatility != 800_000_000 {
		t.Errorf("volatility = %d", cfg.Engine.Volatility)
	}
	if cfg.Engine.MaxPeriodDays != 14 {
		t.Errorf("max period = %d", cfg.Engine.MaxPeriodDays)
	}
	// Fields absent from the file keep their defaults
	if cfg.Engine.RiskFreeRate != Default().Engine.RiskFreeRate {
		t.Errorf("risk-free rate = %d, want default", cfg.Engine.RiskFreeRate)
	}
	if cfg.Channels.PersistSize != Default().Channels.PersistSize {
		t.Errorf("persist size = %d, want default", cfg.Channels.PersistSize)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NATS.URL != Default().NATS.URL {
		t.Errorf("nats url = %s, want default", cfg.NATS.URL)
	}
}

func TestEnvOverridesWinOverTOML(t *testing.T) {
	t.Setenv("OV_POSTGRES_DSN", "postgres://override:pw@other:5432/ov")
	t.Setenv("OV_NATS_URL", "nats://override:4222")
	t.Setenv("OV_SNAPSHOT_INTERVAL", "12345")

	path := writeTestConfig(t, testTOML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Postgres.DSN != "postgres://override:pw@other:5432/ov" {
		t.Errorf("dsn = %s", cfg.Postgres.DSN)
	}
	if cfg.NATS.URL != "nats://override:4222" {
		t.Errorf("nats url = %s", cfg.NATS.URL)
	}
	if cfg.Persistence.SnapshotInterval != 12345 {
		t.Errorf("snapshot interval = %d", cfg.Persistence.SnapshotInterval)
	}
}

func TestEnvOverrideBadIntIgnored(t *testing.T) {
	t.Setenv("OV_SNAPSHOT_INTERVAL", "not-a-number")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Persistence.SnapshotInterval != Default().Persistence.SnapshotInterval {
		t.Errorf("snapshot interval = %d, want default", cfg.Persistence.SnapshotInterval)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"empty dsn", func(c *Config) { c.Postgres.DSN = "" }, "postgres.dsn"},
		{"empty nats url", func(c *Config) { c.NATS.URL = "" }, "nats.url"},
		{"zero batch size", func(c *Config) { c.Persistence.BatchSize = 0 }, "batch_size"},
		{"pool without name", func(c *Config) {
			c.Pools = []PoolConfig{{Custodies: []CustodyConfig{{Asset: "SOL"}}}}
		}, "empty name"},
		{"pool without custodies", func(c *Config) {
			c.Pools = []PoolConfig{{Name: "majors"}}
		}, "no custodies"},
		{"duplicate custody asset", func(c *Config) {
			c.Pools = []PoolConfig{{Name: "majors", Custodies: []CustodyConfig{{Asset: "SOL"}, {Asset: "SOL"}}}}
		}, "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("accepted")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestEngineParamsMapping(t *testing.T) {
	path := writeTestConfig(t, testTOML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	p := cfg.EngineParams()
	if p.Volatility != 800_000_000 {
		t.Errorf("volatility = %d", p.Volatility)
	}
	if p.Liquidity.BaseFeeBps != 25 || p.Liquidity.RatioMult != 1_500_000_000 {
		t.Errorf("liquidity params = %+v", p.Liquidity)
	}
	if p.MaxOracleAge != Default().Engine.MaxOracleAgeSecs {
		t.Errorf("oracle age = %d", p.MaxOracleAge)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("mapped params invalid: %v", err)
	}
}

func TestBootstrapRecords(t *testing.T) {
	path := writeTestConfig(t, testTOML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	custodies, pools := cfg.BootstrapRecords()

	if len(custodies) != 2 {
		t.Fatalf("custodies = %d", len(custodies))
	}
	if custodies[0].Key() != "majors/SOL" || custodies[1].Key() != "majors/USDC" {
		t.Errorf("keys = %s, %s", custodies[0].Key(), custodies[1].Key())
	}
	if custodies[0].Decimals != 9 || custodies[0].Ratio.TargetBps != 6000 {
		t.Errorf("SOL custody = %+v", custodies[0])
	}
	if custodies[0].Curve.BaseRate != 10_000_000 {
		t.Errorf("SOL base rate = %d", custodies[0].Curve.BaseRate)
	}

	if len(pools) != 1 {
		t.Fatalf("pools = %d", len(pools))
	}
	if pools[0].Name != "majors" || len(pools[0].Custodies) != 2 {
		t.Errorf("pool = %+v", pools[0])
	}
	if pools[0].Custodies[0] != "majors/SOL" {
		t.Errorf("pool custody ref = %s", pools[0].Custodies[0])
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	cfg.Persistence.FlushTimeoutMs = 25
	cfg.Postgres.ConnMaxLifetime = 300
	if cfg.FlushTimeout() != 25*time.Millisecond {
		t.Errorf("flush timeout = %s", cfg.FlushTimeout())
	}
	if cfg.ConnMaxLifetime() != 5*time.Minute {
		t.Errorf("conn lifetime = %s", cfg.ConnMaxLifetime())
	}
}
