package modules

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	ModuleRFLogging  = "rf_logging"
	defaultRFCode    = "*#9900#"
	defaultRFMenuTxt = "RF Logging"
)

func rfLoggingModule() Module {
	return Define(Metadata{
		ID:          ModuleRFLogging,
		Name:        "RF diagnostic logging",
		Description: "Start or stop vendor RF logging through the dialer diagnostic code",
		Params: []ParamSpec{
			{Name: "action", Type: "string", Required: true, Description: "start or stop"},
			{Name: "code", Type: "string", Default: defaultRFCode},
			{Name: "menu_text", Type: "string", Default: defaultRFMenuTxt},
		},
	}, runRFLogging)
}

var dialerKeycodes = map[rune]string{
	'*': "KEYCODE_STAR",
	'#': "KEYCODE_POUND",
}

// DialerKeycodes maps a diagnostic code to input keyevent names.
func DialerKeycodes(code string) ([]string, error) {
	keys := make([]string, 0, len(code))
	for _, r := range code {
		switch {
		case r >= '0' && r <= '9':
			keys = append(keys, "KEYCODE_"+string(r))
		case dialerKeycodes[r] != "":
			keys = append(keys, dialerKeycodes[r])
		default:
			return nil, fmt.Errorf("code contains %q; only digits, * and # are allowed", r)
		}
	}
	return keys, nil
}

func secretCodeDigits(code string) string {
	return strings.Trim(code, "*#")
}

func runRFLogging(ctx context.Context, env Env, deviceID string, p Params) Result {
	action := strings.ToLower(p.Str("action"))
	if action != "start" && action != "stop" {
		return InputFailure(ModuleRFLogging, "action must be start or stop")
	}
	code := p.Str("code")
	if code == "" {
		code = defaultRFCode
	}
	keys, err := DialerKeycodes(code)
	if err != nil {
		return InputFailure(ModuleRFLogging, err.Error())
	}
	menuText := p.Str("menu_text")
	if menuText == "" {
		menuText = defaultRFMenuTxt
	}

	res := NewResult(ModuleRFLogging)
	res.Set("action", action)
	clk := env.clk()
	steps := map[string]bool{}

	steps["open_dialer"] = env.shell(ctx, deviceID, "am", "start", "-a", "android.intent.action.DIAL").Success
	if err := clk.Sleep(ctx, time.Second); err != nil {
		return Cancelled(ModuleRFLogging)
	}
	typed := env.shell(ctx, deviceID, append([]string{"input", "keyevent"}, keys...)...)
	steps["keystrokes"] = typed.Success

	// Secondary path that does not depend on the dialer intercepting the code.
	digits := secretCodeDigits(code)
	steps["secret_code_broadcast"] = env.shell(ctx, deviceID,
		"am", "broadcast", "-a", "android.provider.Telephony.SECRET_CODE",
		"-d", "android_secret_code://"+digits).Success
	if err := clk.Sleep(ctx, 2*time.Second); err != nil {
		return Cancelled(ModuleRFLogging)
	}

	ui := env.automator(deviceID)
	_, menuErr := ui.TapText(ctx, menuText)
	if ctx.Err() != nil {
		return Cancelled(ModuleRFLogging)
	}
	menuFound := menuErr == nil
	steps["menu"] = menuFound
	res.Set("menu_found", menuFound)
	if menuFound {
		toggle := "Enable"
		if action == "stop" {
			toggle = "Disable"
		}
		_, toggleErr := ui.TapText(ctx, toggle)
		steps["toggle"] = toggleErr == nil
		if toggleErr != nil {
			res.Warn(fmt.Sprintf("%q toggle not found", toggle))
		}
	} else {
		res.Warn(fmt.Sprintf("diagnostic menu %q not found", menuText))
	}
	env.shell(ctx, deviceID, "input", "keyevent", "KEYCODE_HOME")

	res.Set("steps", steps)
	for _, ok := range steps {
		if ok {
			res.Success = true
			break
		}
	}
	if !res.Success {
		res.Error = "no rf logging step succeeded"
	}
	return res
}
