package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"OptionVault/internal/book"
	"OptionVault/internal/command"
	"OptionVault/internal/ingestion"
	"OptionVault/internal/pricing"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawCommand {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawCommand{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseAddLiquidity(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "550e8400-e29b-41d4-a716-446655440000",
		"provider":     "lp-alice",
		"pool":         "majors",
		"asset":        "SOL",
		"amount_in":    int64(5_000_000),
		"sequence":     int64(7),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "AddLiquidity")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	al, ok := cmd.(*command.AddLiquidity)
	if !ok {
		t.Fatalf("expected *command.AddLiquidity, got %T", cmd)
	}

	if al.Provider != "lp-alice" {
		t.Errorf("provider: got %s, want lp-alice", al.Provider)
	}
	if al.Pool != "majors" {
		t.Errorf("pool: got %s, want majors", al.Pool)
	}
	if al.AmountIn != 5_000_000 {
		t.Errorf("amount_in: got %d, want 5_000_000", al.AmountIn)
	}
	if al.Sequence != 7 {
		t.Errorf("sequence: got %d, want 7", al.Sequence)
	}
	if al.CommandType() != command.CommandTypeAddLiquidity {
		t.Errorf("command type: got %v, want AddLiquidity", al.CommandType())
	}
}

func TestParseOpenOption(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":       "550e8400-e29b-41d4-a716-446655440000",
		"owner":            "trader-bob",
		"pool":             "majors",
		"collateral_asset": "SOL",
		"pay_asset":        "USDC",
		"direction":        "call",
		"strike":           int64(130_000_000),
		"amount":           int64(1_000_000),
		"period_days":      int64(7),
		"sequence":         int64(3),
		"timestamp_us":     int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "OpenOption")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	oo, ok := cmd.(*command.OpenOption)
	if !ok {
		t.Fatalf("expected *command.OpenOption, got %T", cmd)
	}

	if oo.Direction != pricing.Call {
		t.Errorf("direction: got %v, want Call", oo.Direction)
	}
	if oo.Strike != 130_000_000 {
		t.Errorf("strike: got %d, want 130_000_000", oo.Strike)
	}
	if oo.PeriodDays != 7 {
		t.Errorf("period_days: got %d, want 7", oo.PeriodDays)
	}
	if oo.CollateralAsset != "SOL" || oo.PayAsset != "USDC" {
		t.Errorf("assets: got %s/%s, want SOL/USDC", oo.CollateralAsset, oo.PayAsset)
	}
}

func TestParseOpenOptionPut(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":       "550e8400-e29b-41d4-a716-446655440000",
		"owner":            "trader-bob",
		"pool":             "majors",
		"collateral_asset": "USDC",
		"pay_asset":        "USDC",
		"direction":        "put",
		"strike":           int64(120_000_000),
		"amount":           int64(500_000),
		"period_days":      int64(14),
		"sequence":         int64(4),
		"timestamp_us":     int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "OpenOption")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.(*command.OpenOption).Direction != pricing.Put {
		t.Error("expected Put direction")
	}
}

func TestParsePlaceOrder(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "550e8400-e29b-41d4-a716-446655440000",
		"owner":        "trader-bob",
		"pool":         "majors",
		"position_id":  "660e8400-e29b-41d4-a716-446655440001",
		"kind":         "take_profit",
		"price":        int64(160_000_000),
		"size_bps":     int64(5000),
		"sequence":     int64(9),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "PlaceOrder")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	po, ok := cmd.(*command.PlaceOrder)
	if !ok {
		t.Fatalf("expected *command.PlaceOrder, got %T", cmd)
	}

	if po.Kind != book.TakeProfit {
		t.Errorf("kind: got %v, want TakeProfit", po.Kind)
	}
	if po.Price != 160_000_000 {
		t.Errorf("price: got %d, want 160_000_000", po.Price)
	}
	if po.SizeBps != 5000 {
		t.Errorf("size_bps: got %d, want 5000", po.SizeBps)
	}
}

func TestParsePlaceOrderStopLoss(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "550e8400-e29b-41d4-a716-446655440000",
		"owner":        "trader-bob",
		"pool":         "majors",
		"position_id":  "660e8400-e29b-41d4-a716-446655440001",
		"kind":         "stop_loss",
		"price":        int64(110_000_000),
		"size_bps":     int64(10000),
		"sequence":     int64(10),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "PlaceOrder")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.(*command.PlaceOrder).Kind != book.StopLoss {
		t.Error("expected StopLoss kind")
	}
}

func TestParsePriceUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"asset":              "SOL",
		"spot":               int64(150_000_000),
		"twap":               int64(149_500_000),
		"price_sequence":     int64(100),
		"price_timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "PriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	pu, ok := cmd.(*command.PriceUpdate)
	if !ok {
		t.Fatalf("expected *command.PriceUpdate, got %T", cmd)
	}

	if pu.Asset != "SOL" {
		t.Errorf("asset: got %s, want SOL", pu.Asset)
	}
	if pu.Spot != 150_000_000 {
		t.Errorf("spot: got %d, want 150_000_000", pu.Spot)
	}
	if pu.Twap != 149_500_000 {
		t.Errorf("twap: got %d, want 149_500_000", pu.Twap)
	}
	if pu.PriceSequence != 100 {
		t.Errorf("price_sequence: got %d, want 100", pu.PriceSequence)
	}
}

func TestParseExpirySweep(t *testing.T) {
	payload := map[string]interface{}{
		"pool":         "majors",
		"keeper":       "keeper-1",
		"sequence":     int64(55),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "ExpirySweep")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	es, ok := cmd.(*command.ExpirySweep)
	if !ok {
		t.Fatalf("expected *command.ExpirySweep, got %T", cmd)
	}

	if es.Keeper != "keeper-1" {
		t.Errorf("keeper: got %s, want keeper-1", es.Keeper)
	}
	if es.Pool != "majors" {
		t.Errorf("pool: got %s, want majors", es.Pool)
	}
}

func TestParseUnknownCommandType_Fails(t *testing.T) {
	raw := ingestion.RawCommand{Data: []byte(`{}`)}
	_, err := ingestion.ParseRawCommand(raw, "NonExistentType")
	if err == nil {
		t.Fatal("expected error for unknown command type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawCommand{Data: []byte(`{invalid json`)}
	_, err := ingestion.ParseRawCommand(raw, "AddLiquidity")
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "not-a-uuid",
		"provider":     "lp-alice",
		"pool":         "majors",
		"asset":        "SOL",
		"amount_in":    int64(1),
		"sequence":     int64(1),
		"timestamp_us": int64(0),
	}

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawCommand(raw, "AddLiquidity")
	if err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}

func TestParseInvalidDirection_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":       "550e8400-e29b-41d4-a716-446655440000",
		"owner":            "trader-bob",
		"pool":             "majors",
		"collateral_asset": "SOL",
		"pay_asset":        "USDC",
		"direction":        "sideways",
		"strike":           int64(1),
		"amount":           int64(1),
		"period_days":      int64(7),
		"sequence":         int64(1),
		"timestamp_us":     int64(0),
	}

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawCommand(raw, "OpenOption")
	if err == nil {
		t.Fatal("expected error for invalid direction")
	}
}

func TestParseInvalidOrderKind_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "550e8400-e29b-41d4-a716-446655440000",
		"owner":        "trader-bob",
		"pool":         "majors",
		"position_id":  "660e8400-e29b-41d4-a716-446655440001",
		"kind":         "trailing_stop",
		"price":        int64(1),
		"size_bps":     int64(1),
		"sequence":     int64(1),
		"timestamp_us": int64(0),
	}

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawCommand(raw, "PlaceOrder")
	if err == nil {
		t.Fatal("expected error for invalid order kind")
	}
}
