package modules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/droidctl/internal/tools"
)

const (
	ModuleSMS         = "sms"
	smsSendResourceID = "send_message_button_icon"
	maxSMSBody        = 1600
)

func smsModule() Module {
	return Define(Metadata{
		ID:          ModuleSMS,
		Name:        "Send SMS",
		Description: "Compose and send an SMS through the messaging app",
		Params: []ParamSpec{
			{Name: "number", Type: "string", Required: true},
			{Name: "message", Type: "string", Required: true},
		},
	}, runSMS)
}

func runSMS(ctx context.Context, env Env, deviceID string, p Params) Result {
	number := strings.ReplaceAll(p.Str("number"), " ", "")
	message := p.Str("message")
	if number == "" || message == "" {
		return InputFailure(ModuleSMS, "number and message are required")
	}
	if !dialNumberPattern.MatchString(number) {
		return InputFailure(ModuleSMS, fmt.Sprintf("number %q is not a phone number", number))
	}
	if len(message) > maxSMSBody {
		return InputFailure(ModuleSMS, fmt.Sprintf("message longer than %d bytes", maxSMSBody))
	}

	res := NewResult(ModuleSMS)
	res.Set("number", number)
	res.Set("message_length", len(message))

	launch := env.shell(ctx, deviceID,
		"am", "start", "-a", "android.intent.action.SENDTO",
		"-d", tools.Quote("sms:"+number),
		"--es", "sms_body", tools.Quote(message),
		"--ez", "exit_on_sent", "true")
	if !launch.Success {
		res.Error = "compose intent failed: " + launch.Error
		return res
	}
	if err := env.clk().Sleep(ctx, 2*time.Second); err != nil {
		return Cancelled(ModuleSMS)
	}

	ui := env.automator(deviceID)
	method := "resource_id"
	_, err := ui.TapResourceID(ctx, smsSendResourceID)
	if err != nil && ctx.Err() == nil {
		method = "text"
		_, err = ui.TapText(ctx, "Send")
	}
	if ctx.Err() != nil {
		return Cancelled(ModuleSMS)
	}
	if err != nil {
		res.Error = "send button not found: " + err.Error()
		return res
	}
	res.Set("send_method", method)
	if err := env.clk().Sleep(ctx, 3*time.Second); err != nil {
		return Cancelled(ModuleSMS)
	}

	query := env.shell(ctx, deviceID,
		"content", "query", "--uri", "content://sms/sent",
		"--projection", "address:body", "--sort", tools.Quote("date DESC"))
	switch {
	case !query.Success || permissionDenied(query.Combined()):
		res.Success = true
		res.Set("verified", false)
		res.Warn("sent box not readable; delivery unverified")
	case strings.Contains(query.Stdout, message):
		res.Success = true
		res.Set("verified", true)
	default:
		res.Set("verified", false)
		res.Error = "message not found in sent box"
		res.Warn("send tapped but message absent from sent box")
	}
	env.shell(ctx, deviceID, "input", "keyevent", "KEYCODE_HOME")
	return res
}
