package modules

import (
	"context"
	"strings"
	"time"
)

const ModuleAirplaneMode = "airplane_mode"

func airplaneModeModule() Module {
	return Define(Metadata{
		ID:          ModuleAirplaneMode,
		Name:        "Airplane mode",
		Description: "Enable or disable airplane mode and confirm the setting",
		Params: []ParamSpec{
			{Name: "enabled", Type: "bool", Required: true},
			{Name: "timeout", Type: "seconds", Default: 15, Description: "confirmation window"},
			{Name: "poll_interval", Type: "seconds", Default: 1},
		},
	}, runAirplaneMode)
}

// readAirplaneMode returns the current setting; ok is false when it cannot be read.
func readAirplaneMode(ctx context.Context, env Env, deviceID string) (enabled bool, ok bool) {
	res := env.shell(ctx, deviceID, "settings", "get", "global", "airplane_mode_on")
	if !res.Success {
		return false, false
	}
	switch res.Output() {
	case "1":
		return true, true
	case "0":
		return false, true
	}
	return false, false
}

func runAirplaneMode(ctx context.Context, env Env, deviceID string, p Params) Result {
	if !p.Has("enabled") {
		return InputFailure(ModuleAirplaneMode, "enabled is required")
	}
	target, err := p.Bool("enabled", false)
	if err != nil {
		return InputFailure(ModuleAirplaneMode, err.Error())
	}
	timeout, err := p.Duration("timeout", 15*time.Second)
	if err != nil {
		return InputFailure(ModuleAirplaneMode, err.Error())
	}
	interval, err := p.Duration("poll_interval", time.Second)
	if err != nil {
		return InputFailure(ModuleAirplaneMode, err.Error())
	}

	res := NewResult(ModuleAirplaneMode)
	res.Set("target_state", target)

	current, readable := readAirplaneMode(ctx, env, deviceID)
	if readable {
		res.Set("previous_state", current)
	}
	if readable && current == target {
		res.Success = true
		res.Set("already_in_state", true)
		res.Set("confirmed", true)
		res.Set("final_state", current)
		return res
	}
	res.Set("already_in_state", false)
	if err := ctx.Err(); err != nil {
		return Cancelled(ModuleAirplaneMode)
	}

	value, verb := "0", "disable"
	if target {
		value, verb = "1", "enable"
	}
	commands := [][]string{
		{"settings", "put", "global", "airplane_mode_on", value},
		{"cmd", "connectivity", "airplane-mode", verb},
		{"am", "broadcast", "-a", "android.intent.action.AIRPLANE_MODE", "--ez", "state", boolWord(target)},
	}
	anyOK := false
	var failures []string
	for _, cmd := range commands {
		out := env.shell(ctx, deviceID, cmd...)
		if out.Success {
			anyOK = true
			continue
		}
		failures = append(failures, cmd[0]+": "+out.Error)
	}
	res.Set("commands_ok", anyOK)

	if !readable {
		if _, ok := readAirplaneMode(ctx, env, deviceID); !ok {
			res.Success = anyOK
			res.Set("confirmed", false)
			res.Warn("airplane mode state could not be read back")
			if !anyOK {
				res.Error = "all airplane mode commands failed: " + strings.Join(failures, "; ")
			}
			return res
		}
	}

	confirmed, err := pollUntil(ctx, env.clk(), interval, timeout, func() bool {
		v, ok := readAirplaneMode(ctx, env, deviceID)
		return ok && v == target
	})
	if err != nil {
		return Cancelled(ModuleAirplaneMode)
	}
	res.Set("confirmed", confirmed)
	if final, ok := readAirplaneMode(ctx, env, deviceID); ok {
		res.Set("final_state", final)
	}
	if confirmed {
		res.Success = anyOK
		if !anyOK {
			res.Error = "state changed but every airplane mode command reported failure: " + strings.Join(failures, "; ")
		}
		return res
	}
	res.Error = "airplane mode did not reach requested state within " + timeout.String()
	if len(failures) > 0 {
		res.Warn(strings.Join(failures, "; "))
	}
	return res
}

func boolWord(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
