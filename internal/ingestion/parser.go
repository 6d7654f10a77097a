package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"OptionVault/internal/book"
	"OptionVault/internal/command"
	"OptionVault/internal/pricing"
)

// ParseRawCommand converts a RawCommand (JSON bytes + command type string)
// into a typed command.Command. The ingestion shell validates, parses, and
// converts raw messages before sending to the deterministic core.
func ParseRawCommand(raw RawCommand, commandType string) (command.Command, error) {
	switch commandType {
	case "AddLiquidity":
		return parseAddLiquidity(raw.Data)
	case "RemoveLiquidity":
		return parseRemoveLiquidity(raw.Data)
	case "OpenOption":
		return parseOpenOption(raw.Data)
	case "CloseOption":
		return parseCloseOption(raw.Data)
	case "ExerciseOption":
		return parseExerciseOption(raw.Data)
	case "PlaceOrder":
		return parsePlaceOrder(raw.Data)
	case "UpdateOrder":
		return parseUpdateOrder(raw.Data)
	case "CancelOrder":
		return parseCancelOrder(raw.Data)
	case "ClearOrders":
		return parseClearOrders(raw.Data)
	case "PriceUpdate":
		return parsePriceUpdate(raw.Data)
	case "RateCrank":
		return parseRateCrank(raw.Data)
	case "ExpirySweep":
		return parseExpirySweep(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type addLiquidityJSON struct {
	CommandID   string `json:"command_id"`
	Provider    string `json:"provider"`
	Pool        string `json:"pool"`
	Asset       string `json:"asset"`
	AmountIn    int64  `json:"amount_in"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseAddLiquidity(data []byte) (*command.AddLiquidity, error) {
	var j addLiquidityJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AddLiquidity: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	return &command.AddLiquidity{
		CommandID: commandID,
		Provider:  j.Provider,
		Pool:      j.Pool,
		Asset:     j.Asset,
		AmountIn:  j.AmountIn,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type removeLiquidityJSON struct {
	CommandID   string `json:"command_id"`
	Provider    string `json:"provider"`
	Pool        string `json:"pool"`
	Asset       string `json:"asset"`
	LPAmount    int64  `json:"lp_amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseRemoveLiquidity(data []byte) (*command.RemoveLiquidity, error) {
	var j removeLiquidityJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RemoveLiquidity: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	return &command.RemoveLiquidity{
		CommandID: commandID,
		Provider:  j.Provider,
		Pool:      j.Pool,
		Asset:     j.Asset,
		LPAmount:  j.LPAmount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type openOptionJSON struct {
	CommandID       string `json:"command_id"`
	Owner           string `json:"owner"`
	Pool            string `json:"pool"`
	CollateralAsset string `json:"collateral_asset"`
	PayAsset        string `json:"pay_asset"`
	Direction       string `json:"direction"` // "call" or "put"
	Strike          int64  `json:"strike"`
	Amount          int64  `json:"amount"`
	PeriodDays      int64  `json:"period_days"`
	Sequence        int64  `json:"sequence"`
	TimestampUs     int64  `json:"timestamp_us"`
}

func parseOpenOption(data []byte) (*command.OpenOption, error) {
	var j openOptionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OpenOption: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	direction, err := parseDirection(j.Direction)
	if err != nil {
		return nil, err
	}
	return &command.OpenOption{
		CommandID:       commandID,
		Owner:           j.Owner,
		Pool:            j.Pool,
		CollateralAsset: j.CollateralAsset,
		PayAsset:        j.PayAsset,
		Direction:       direction,
		Strike:          j.Strike,
		Amount:          j.Amount,
		PeriodDays:      j.PeriodDays,
		Sequence:        j.Sequence,
		Timestamp:       time.UnixMicro(j.TimestampUs),
	}, nil
}

type closeOptionJSON struct {
	CommandID   string `json:"command_id"`
	Owner       string `json:"owner"`
	Pool        string `json:"pool"`
	PositionID  string `json:"position_id"`
	SizeBps     int64  `json:"size_bps"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCloseOption(data []byte) (*command.CloseOption, error) {
	var j closeOptionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CloseOption: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	positionID, err := uuid.Parse(j.PositionID)
	if err != nil {
		return nil, fmt.Errorf("parse position_id: %w", err)
	}
	return &command.CloseOption{
		CommandID:  commandID,
		Owner:      j.Owner,
		Pool:       j.Pool,
		PositionID: positionID,
		SizeBps:    j.SizeBps,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type exerciseOptionJSON struct {
	CommandID   string `json:"command_id"`
	Caller      string `json:"caller"`
	Pool        string `json:"pool"`
	PositionID  string `json:"position_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseExerciseOption(data []byte) (*command.ExerciseOption, error) {
	var j exerciseOptionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ExerciseOption: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	positionID, err := uuid.Parse(j.PositionID)
	if err != nil {
		return nil, fmt.Errorf("parse position_id: %w", err)
	}
	return &command.ExerciseOption{
		CommandID:  commandID,
		Caller:     j.Caller,
		Pool:       j.Pool,
		PositionID: positionID,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type placeOrderJSON struct {
	CommandID   string `json:"command_id"`
	Owner       string `json:"owner"`
	Pool        string `json:"pool"`
	PositionID  string `json:"position_id"`
	Kind        string `json:"kind"` // "take_profit" or "stop_loss"
	Price       int64  `json:"price"`
	SizeBps     int64  `json:"size_bps"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parsePlaceOrder(data []byte) (*command.PlaceOrder, error) {
	var j placeOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PlaceOrder: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	positionID, err := uuid.Parse(j.PositionID)
	if err != nil {
		return nil, fmt.Errorf("parse position_id: %w", err)
	}
	kind, err := parseOrderKind(j.Kind)
	if err != nil {
		return nil, err
	}
	return &command.PlaceOrder{
		CommandID:  commandID,
		Owner:      j.Owner,
		Pool:       j.Pool,
		PositionID: positionID,
		Kind:       kind,
		Price:      j.Price,
		SizeBps:    j.SizeBps,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type updateOrderJSON struct {
	CommandID   string `json:"command_id"`
	Owner       string `json:"owner"`
	Pool        string `json:"pool"`
	PositionID  string `json:"position_id"`
	Kind        string `json:"kind"`
	Index       int    `json:"index"`
	Price       int64  `json:"price"`
	SizeBps     int64  `json:"size_bps"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseUpdateOrder(data []byte) (*command.UpdateOrder, error) {
	var j updateOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse UpdateOrder: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	positionID, err := uuid.Parse(j.PositionID)
	if err != nil {
		return nil, fmt.Errorf("parse position_id: %w", err)
	}
	kind, err := parseOrderKind(j.Kind)
	if err != nil {
		return nil, err
	}
	return &command.UpdateOrder{
		CommandID:  commandID,
		Owner:      j.Owner,
		Pool:       j.Pool,
		PositionID: positionID,
		Kind:       kind,
		Index:      j.Index,
		Price:      j.Price,
		SizeBps:    j.SizeBps,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type cancelOrderJSON struct {
	CommandID   string `json:"command_id"`
	Owner       string `json:"owner"`
	Pool        string `json:"pool"`
	PositionID  string `json:"position_id"`
	Kind        string `json:"kind"`
	Index       int    `json:"index"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCancelOrder(data []byte) (*command.CancelOrder, error) {
	var j cancelOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CancelOrder: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	positionID, err := uuid.Parse(j.PositionID)
	if err != nil {
		return nil, fmt.Errorf("parse position_id: %w", err)
	}
	kind, err := parseOrderKind(j.Kind)
	if err != nil {
		return nil, err
	}
	return &command.CancelOrder{
		CommandID:  commandID,
		Owner:      j.Owner,
		Pool:       j.Pool,
		PositionID: positionID,
		Kind:       kind,
		Index:      j.Index,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type clearOrdersJSON struct {
	CommandID   string `json:"command_id"`
	Owner       string `json:"owner"`
	Pool        string `json:"pool"`
	PositionID  string `json:"position_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseClearOrders(data []byte) (*command.ClearOrders, error) {
	var j clearOrdersJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ClearOrders: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	positionID, err := uuid.Parse(j.PositionID)
	if err != nil {
		return nil, fmt.Errorf("parse position_id: %w", err)
	}
	return &command.ClearOrders{
		CommandID:  commandID,
		Owner:      j.Owner,
		Pool:       j.Pool,
		PositionID: positionID,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type priceUpdateJSON struct {
	Asset            string `json:"asset"`
	Spot             int64  `json:"spot"`
	Twap             int64  `json:"twap"`
	PriceSequence    int64  `json:"price_sequence"`
	PriceTimestampUs int64  `json:"price_timestamp_us"`
}

func parsePriceUpdate(data []byte) (*command.PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	return &command.PriceUpdate{
		Asset:          j.Asset,
		Spot:           j.Spot,
		Twap:           j.Twap,
		PriceSequence:  j.PriceSequence,
		PriceTimestamp: j.PriceTimestampUs,
	}, nil
}

type rateCrankJSON struct {
	Pool        string `json:"pool"`
	Asset       string `json:"asset"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseRateCrank(data []byte) (*command.RateCrank, error) {
	var j rateCrankJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RateCrank: %w", err)
	}
	return &command.RateCrank{
		Pool:      j.Pool,
		Asset:     j.Asset,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type expirySweepJSON struct {
	Pool        string `json:"pool"`
	Keeper      string `json:"keeper"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseExpirySweep(data []byte) (*command.ExpirySweep, error) {
	var j expirySweepJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ExpirySweep: %w", err)
	}
	return &command.ExpirySweep{
		Pool:      j.Pool,
		Keeper:    j.Keeper,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseDirection(s string) (pricing.Direction, error) {
	switch s {
	case "call":
		return pricing.Call, nil
	case "put":
		return pricing.Put, nil
	default:
		return 0, fmt.Errorf("unknown direction: %q", s)
	}
}

func parseOrderKind(s string) (book.Kind, error) {
	switch s {
	case "take_profit":
		return book.TakeProfit, nil
	case "stop_loss":
		return book.StopLoss, nil
	default:
		return 0, fmt.Errorf("unknown order kind: %q", s)
	}
}
