package modules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/droidctl/internal/tools"
)

const (
	ModuleWrongAPN = "wrong_apn"
	maxAPNLength   = 64
)

// apnKeys are the two settings locations written and verified.
var apnKeys = [][2]string{
	{"global", "apn"},
	{"secure", "apn_override"},
}

func wrongAPNModule() Module {
	return Define(Metadata{
		ID:          ModuleWrongAPN,
		Name:        "Wrong APN",
		Description: "Write a deliberately wrong APN and verify it was applied",
		Params: []ParamSpec{
			{Name: "apn", Type: "string", Required: true},
			{Name: "use_ui", Type: "bool", Default: false, Description: "also retype the selected APN in settings"},
		},
	}, runWrongAPN)
}

// SanitizeAPN keeps [A-Za-z0-9._-] and truncates to 64 characters.
func SanitizeAPN(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if b.Len() >= maxAPNLength {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func runWrongAPN(ctx context.Context, env Env, deviceID string, p Params) Result {
	raw := p.Str("apn")
	if raw == "" {
		return InputFailure(ModuleWrongAPN, "apn is required")
	}
	apn := SanitizeAPN(raw)
	if apn == "" {
		return InputFailure(ModuleWrongAPN, fmt.Sprintf("apn %q has no allowed characters", raw))
	}
	useUI, err := p.Bool("use_ui", false)
	if err != nil {
		return InputFailure(ModuleWrongAPN, err.Error())
	}

	res := NewResult(ModuleWrongAPN)
	res.Set("apn", apn)
	if apn != raw {
		res.Set("sanitized", true)
		res.Warn(fmt.Sprintf("apn sanitized from %q", raw))
	}

	writesOK := true
	for _, key := range apnKeys {
		out := env.shell(ctx, deviceID, "settings", "put", key[0], key[1], tools.Quote(apn))
		if !out.Success {
			writesOK = false
			res.Warn(fmt.Sprintf("write %s/%s failed: %s", key[0], key[1], out.Error))
		}
	}
	res.Set("writes_ok", writesOK)

	uiOK := true
	if useUI {
		steps, err := editSelectedAPN(ctx, env, deviceID, apn)
		res.Set("ui_steps", steps)
		if ctx.Err() != nil {
			return Cancelled(ModuleWrongAPN)
		}
		if err != nil {
			uiOK = false
			res.Warn("ui flow: " + err.Error())
		}
		res.Set("ui_ok", uiOK)
	}

	verified := true
	readback := map[string]string{}
	for _, key := range apnKeys {
		out := env.shell(ctx, deviceID, "settings", "get", key[0], key[1])
		value := out.Output()
		readback[key[0]+"/"+key[1]] = value
		if !out.Success || value != apn {
			verified = false
		}
	}
	res.Set("readback", readback)
	res.Set("verified", verified)

	res.Success = writesOK && uiOK && verified
	if !res.Success {
		switch {
		case !writesOK:
			res.Error = "apn settings write failed"
		case !uiOK:
			res.Error = "apn ui flow failed"
		default:
			res.Error = "apn readback did not match"
		}
	}
	return res
}

// editSelectedAPN opens APN settings, enters the currently selected entry by
// its checked state and retypes the APN field.
func editSelectedAPN(ctx context.Context, env Env, deviceID, apn string) ([]string, error) {
	ui := env.automator(deviceID)
	clk := env.clk()
	var steps []string
	step := func(name string, ok bool) {
		state := "ok"
		if !ok {
			state = "failed"
		}
		steps = append(steps, name+":"+state)
	}

	open := env.shell(ctx, deviceID, "am", "start", "-a", "android.settings.APN_SETTINGS")
	step("open_settings", open.Success)
	if !open.Success {
		return steps, fmt.Errorf("open apn settings: %s", open.Error)
	}
	if err := clk.Sleep(ctx, 1500*time.Millisecond); err != nil {
		return steps, err
	}
	for i := 0; i < 2; i++ {
		moved := env.shell(ctx, deviceID, "input", "keyevent", "KEYCODE_DPAD_DOWN")
		if !moved.Success {
			step("dpad", false)
			return steps, fmt.Errorf("dpad down: %s", moved.Error)
		}
	}
	step("dpad", true)

	target, err := ui.TapSelectedEntry(ctx)
	step("select_entry", err == nil)
	if err != nil {
		return steps, fmt.Errorf("locate selected apn: %w", err)
	}
	steps = append(steps, "confidence:"+string(target.Confidence))
	if err := clk.Sleep(ctx, time.Second); err != nil {
		return steps, err
	}

	if _, err := ui.TapText(ctx, "APN"); err != nil {
		step("open_field", false)
		return steps, fmt.Errorf("open apn field: %w", err)
	}
	step("open_field", true)

	erase := []string{"input", "keyevent", "KEYCODE_MOVE_END"}
	for i := 0; i < maxAPNLength; i++ {
		erase = append(erase, "KEYCODE_DEL")
	}
	env.shell(ctx, deviceID, erase...)
	typed := env.shell(ctx, deviceID, "input", "text", tools.Quote(apn))
	step("type", typed.Success)
	if !typed.Success {
		return steps, fmt.Errorf("type apn: %s", typed.Error)
	}

	if _, err := ui.TapText(ctx, "OK"); err != nil {
		step("confirm_field", false)
		return steps, fmt.Errorf("confirm apn field: %w", err)
	}
	step("confirm_field", true)

	env.shell(ctx, deviceID, "input", "keyevent", "KEYCODE_MENU")
	if _, err := ui.TapText(ctx, "Save"); err != nil {
		step("save", false)
		return steps, fmt.Errorf("save apn: %w", err)
	}
	step("save", true)
	return steps, nil
}
