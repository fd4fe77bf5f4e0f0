package modules

import (
	"context"
	"time"
)

const (
	ModuleMobileData = "mobile_data"
	ModuleWifi       = "wifi"
)

// radioToggle is a `svc <service> enable|disable` switch verified via a global setting.
type radioToggle struct {
	id      string
	name    string
	service string
	setting string
}

func (t radioToggle) module() Module {
	return Define(Metadata{
		ID:          t.id,
		Name:        t.name,
		Description: "Turn " + t.service + " on or off with svc and confirm the setting",
		Params: []ParamSpec{
			{Name: "enabled", Type: "bool", Required: true},
			{Name: "timeout", Type: "seconds", Default: 10},
		},
	}, t.run)
}

func (t radioToggle) read(ctx context.Context, env Env, deviceID string) (bool, bool) {
	out := env.shell(ctx, deviceID, "settings", "get", "global", t.setting)
	if !out.Success {
		return false, false
	}
	switch out.Output() {
	case "1":
		return true, true
	case "0":
		return false, true
	}
	return false, false
}

func (t radioToggle) run(ctx context.Context, env Env, deviceID string, p Params) Result {
	if !p.Has("enabled") {
		return InputFailure(t.id, "enabled is required")
	}
	target, err := p.Bool("enabled", false)
	if err != nil {
		return InputFailure(t.id, err.Error())
	}
	timeout, err := p.Duration("timeout", 10*time.Second)
	if err != nil {
		return InputFailure(t.id, err.Error())
	}

	res := NewResult(t.id)
	res.Set("target_state", target)
	if current, ok := t.read(ctx, env, deviceID); ok {
		res.Set("previous_state", current)
		if current == target {
			res.Success = true
			res.Set("already_in_state", true)
			return res
		}
	}
	res.Set("already_in_state", false)

	verb := "disable"
	if target {
		verb = "enable"
	}
	out := env.shell(ctx, deviceID, "svc", t.service, verb)
	if !out.Success {
		res.Error = "svc " + t.service + " " + verb + " failed: " + out.Error
		return res
	}
	confirmed, err := pollUntil(ctx, env.clk(), time.Second, timeout, func() bool {
		v, ok := t.read(ctx, env, deviceID)
		return ok && v == target
	})
	if err != nil {
		return Cancelled(t.id)
	}
	res.Set("confirmed", confirmed)
	res.Success = true
	if !confirmed {
		res.Warn(t.setting + " did not reflect the requested state")
	}
	return res
}

func mobileDataModule() Module {
	return radioToggle{id: ModuleMobileData, name: "Mobile data", service: "data", setting: "mobile_data"}.module()
}

func wifiModule() Module {
	return radioToggle{id: ModuleWifi, name: "Wi-Fi", service: "wifi", setting: "wifi_on"}.module()
}
