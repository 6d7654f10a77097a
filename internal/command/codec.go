package command

import (
	"encoding/json"
	"fmt"
)

// ErrDerivedCommand marks log rows that have no source command to replay.
// Derived rows (order triggers) are re-created by replaying their parent.
var ErrDerivedCommand = fmt.Errorf("derived command has no replayable payload")

// Unmarshal decodes a persisted command payload back into its typed form.
// The payload is the JSON encoding of the typed command struct as written by
// the persistence bridge; commandType selects the concrete type.
func Unmarshal(commandType string, payload []byte) (Command, error) {
	var cmd Command
	switch commandType {
	case CommandTypeAddLiquidity.String():
		cmd = &AddLiquidity{}
	case CommandTypeRemoveLiquidity.String():
		cmd = &RemoveLiquidity{}
	case CommandTypeOpenOption.String():
		cmd = &OpenOption{}
	case CommandTypeCloseOption.String():
		cmd = &CloseOption{}
	case CommandTypeExerciseOption.String():
		cmd = &ExerciseOption{}
	case CommandTypePlaceOrder.String():
		cmd = &PlaceOrder{}
	case CommandTypeUpdateOrder.String():
		cmd = &UpdateOrder{}
	case CommandTypeCancelOrder.String():
		cmd = &CancelOrder{}
	case CommandTypeClearOrders.String():
		cmd = &ClearOrders{}
	case CommandTypePriceUpdate.String():
		cmd = &PriceUpdate{}
	case CommandTypeRateCrank.String():
		cmd = &RateCrank{}
	case CommandTypeExpirySweep.String():
		cmd = &ExpirySweep{}
	case CommandTypeOrderTriggered.String():
		return nil, ErrDerivedCommand
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}

	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", commandType, err)
	}
	return cmd, nil
}
