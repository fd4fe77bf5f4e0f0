package modules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/droidctl/internal/tools"
	"github.com/danmuck/droidctl/internal/uiauto"
)

const (
	ModuleAnswerCall = "answer_call"
	ModuleEndCall    = "end_call"
	ModuleUSSD       = "ussd"
)

// callKey sends one telephony keyevent and waits for the expected call state.
type callKey struct {
	id      string
	name    string
	keycode string
	want    CallState
}

func (k callKey) module() Module {
	return Define(Metadata{
		ID:          k.id,
		Name:        k.name,
		Description: "Send " + k.keycode + " and wait for the call to become " + string(k.want),
		Params: []ParamSpec{
			{Name: "timeout", Type: "seconds", Default: 5},
		},
	}, k.run)
}

func (k callKey) run(ctx context.Context, env Env, deviceID string, p Params) Result {
	timeout, err := p.Duration("timeout", 5*time.Second)
	if err != nil {
		return InputFailure(k.id, err.Error())
	}
	out := env.shell(ctx, deviceID, "input", "keyevent", k.keycode)
	if !out.Success {
		return Failure(k.id, k.keycode+" failed: "+out.Error)
	}
	reached, err := pollUntil(ctx, env.clk(), 500*time.Millisecond, timeout, func() bool {
		return readCallState(ctx, env, deviceID) == k.want
	})
	if err != nil {
		return Cancelled(k.id)
	}
	res := NewResult(k.id)
	res.Success = true
	res.Set("call_state", string(readCallState(ctx, env, deviceID)))
	res.Set("confirmed", reached)
	if !reached {
		res.Warn(fmt.Sprintf("call state did not reach %s", k.want))
	}
	return res
}

func answerCallModule() Module {
	return callKey{id: ModuleAnswerCall, name: "Answer call", keycode: "KEYCODE_CALL", want: CallConnected}.module()
}

func endCallModule() Module {
	return callKey{id: ModuleEndCall, name: "End call", keycode: "KEYCODE_ENDCALL", want: CallIdle}.module()
}

func ussdModule() Module {
	return Define(Metadata{
		ID:          ModuleUSSD,
		Name:        "USSD",
		Description: "Dial a USSD code and capture the network response dialog",
		Params: []ParamSpec{
			{Name: "code", Type: "string", Required: true, Description: "e.g. *#06# or *100#"},
			{Name: "wait", Type: "seconds", Default: 5, Description: "time to wait for the response dialog"},
		},
	}, runUSSD)
}

// USSDResponse extracts dialog text from a snapshot: the alert message when
// present, else every non-button label.
func USSDResponse(tree *uiauto.Tree) string {
	if n, ok := tree.FindResourceID("android:id/message"); ok && strings.TrimSpace(n.Text) != "" {
		return strings.TrimSpace(n.Text)
	}
	var parts []string
	for _, n := range tree.Nodes {
		if strings.Contains(n.Class, "Button") {
			continue
		}
		if t := strings.TrimSpace(n.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

func runUSSD(ctx context.Context, env Env, deviceID string, p Params) Result {
	code := strings.ReplaceAll(p.Str("code"), " ", "")
	if code == "" {
		return InputFailure(ModuleUSSD, "code is required")
	}
	if _, err := DialerKeycodes(code); err != nil {
		return InputFailure(ModuleUSSD, err.Error())
	}
	wait, err := p.Duration("wait", 5*time.Second)
	if err != nil {
		return InputFailure(ModuleUSSD, err.Error())
	}

	uri := "tel:" + strings.ReplaceAll(code, "#", "%23")
	dial := env.shell(ctx, deviceID, "am", "start", "-a", "android.intent.action.CALL", "-d", tools.Quote(uri))
	if !dial.Success {
		return Failure(ModuleUSSD, "dial failed: "+dial.Error)
	}
	if err := env.clk().Sleep(ctx, wait); err != nil {
		return Cancelled(ModuleUSSD)
	}
	ui := env.automator(deviceID)
	tree, err := ui.Snapshot(ctx)
	if ctx.Err() != nil {
		return Cancelled(ModuleUSSD)
	}
	if err != nil {
		return Failure(ModuleUSSD, "response dialog unreadable: "+err.Error())
	}
	response := USSDResponse(tree)
	if _, err := ui.TapText(ctx, "OK"); err != nil {
		env.shell(ctx, deviceID, "input", "keyevent", "KEYCODE_BACK")
	}

	res := NewResult(ModuleUSSD)
	res.Set("code", code)
	res.Set("response", response)
	res.Success = response != ""
	if !res.Success {
		res.Error = "no USSD response captured"
	}
	return res
}
