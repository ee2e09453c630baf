package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"command-outbox/internal/client"
)

// DryRun acknowledges commands without executing them. Payload flags
// simulate other outcomes: {"should_fail":true} errors, {"hold":true} holds
// and {"duration_ms":N} sleeps first.
func DryRun(ctx context.Context, cmd client.Command) (Outcome, error) {
	var flags struct {
		ShouldFail bool   `json:"should_fail"`
		Hold       bool   `json:"hold"`
		DurationMS int    `json:"duration_ms"`
		Symbol     string `json:"symbol"`
	}
	_ = json.Unmarshal(cmd.Payload, &flags)

	if flags.DurationMS > 0 {
		t := time.NewTimer(time.Duration(flags.DurationMS) * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return Outcome{}, context.Cause(ctx)
		case <-t.C:
		}
	}
	if flags.ShouldFail {
		return Outcome{}, errors.New("simulated failure requested by payload.should_fail")
	}
	if flags.Hold {
		return Outcome{Status: StatusHeld, Message: "held by dry-run policy"}, nil
	}
	result, _ := json.Marshal(map[string]any{"dry_run": true, "type": cmd.Type, "symbol": flags.Symbol})
	return Outcome{
		Status:  StatusDone,
		TxID:    "dry-" + cmd.ID,
		Message: "dry-run",
		Result:  result,
	}, nil
}
