package modules

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type stubModule struct {
	meta Metadata
}

func (s stubModule) Metadata() Metadata { return s.meta }

func (s stubModule) Run(context.Context, Env, string, Params) Result {
	return NewResult(s.meta.ID)
}

func TestRegistryRegisterResolveAndList(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(stubModule{meta: Metadata{ID: "zeta", Name: "Zeta", Description: "z"}}); err != nil {
		t.Fatalf("register zeta: %v", err)
	}
	if err := reg.Register(stubModule{meta: Metadata{ID: "alpha", Name: "Alpha", Description: "a"}}); err != nil {
		t.Fatalf("register alpha: %v", err)
	}

	if _, ok := reg.Resolve("alpha"); !ok {
		t.Fatalf("expected alpha to resolve")
	}
	list := reg.ListMetadata()
	if len(list) != 2 || list[0].ID != "alpha" || list[1].ID != "zeta" {
		t.Fatalf("unexpected metadata order: %+v", list)
	}
}

func TestRegistryRejectsDuplicateAndInvalid(t *testing.T) {
	reg := NewRegistry()
	mod := stubModule{meta: Metadata{ID: "call_test", Name: "Call", Description: "c"}}
	if err := reg.Register(mod); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(mod); !errors.Is(err, ErrModuleExists) {
		t.Fatalf("expected ErrModuleExists, got %v", err)
	}
	if err := reg.Register(nil); !errors.Is(err, ErrModuleNil) {
		t.Fatalf("expected ErrModuleNil, got %v", err)
	}
	for _, id := range []string{"Bad", "_lead", "trail.", "dou..ble", "sp ace"} {
		err := reg.Register(stubModule{meta: Metadata{ID: id, Name: "x", Description: "x"}})
		if !errors.Is(err, ErrInvalidMetadata) {
			t.Fatalf("expected ErrInvalidMetadata for %q, got %v", id, err)
		}
	}
}

func TestBuiltinRegistryIsComplete(t *testing.T) {
	reg, err := NewBuiltinRegistry()
	if err != nil {
		t.Fatalf("builtin registry: %v", err)
	}
	for _, id := range []string{
		ModuleCallTest, ModuleAirplaneMode, ModuleWrongAPN, ModuleRFLogging,
		ModuleRegistration, ModulePing, ModuleSMS, ModuleAppLauncher,
		ModuleMobileData, ModuleWifi, ModuleDeviceInfo, ModuleSignalStrength,
		ModuleBattery, ModuleAnswerCall, ModuleEndCall, ModuleReboot,
		ModuleLogcatClear, ModuleLogcatCapture, ModuleScreenshot, ModuleUSSD,
	} {
		if _, ok := reg.Resolve(id); !ok {
			t.Fatalf("builtin %q missing", id)
		}
	}
}

func TestBuiltinRegistryFilter(t *testing.T) {
	reg, err := NewBuiltinRegistry(ModulePing, ModuleBattery)
	if err != nil {
		t.Fatalf("filtered registry: %v", err)
	}
	if got := len(reg.ListMetadata()); got != 2 {
		t.Fatalf("expected 2 modules, got %d", got)
	}
	if _, err := NewBuiltinRegistry("nope"); !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected unknown builtin error, got %v", err)
	}
}

func TestResultJSONFlattensFields(t *testing.T) {
	res := NewResult(ModulePing)
	res.Success = true
	res.Warn("first")
	res.Warn("second")
	res.Set("packets_received", 9)

	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var flat map[string]any
	if err := json.Unmarshal(raw, &flat); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if flat["module"] != ModulePing || flat["success"] != true || flat["packets_received"] != 9.0 {
		t.Fatalf("unexpected flat json: %v", flat)
	}
	if flat["warning"] != "first; second" {
		t.Fatalf("unexpected warning: %v", flat["warning"])
	}
	if _, ok := flat["error"]; ok {
		t.Fatalf("empty error must be omitted")
	}

	var back Result
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if back.Module != ModulePing || !back.Success || back.Get("packets_received") != 9.0 {
		t.Fatalf("unexpected decoded result: %+v", back)
	}
}

func TestResultMarkers(t *testing.T) {
	if !InputFailure("x", "bad").IsInputError() {
		t.Fatalf("expected input marker")
	}
	c := Cancelled("x")
	if !c.IsCancelled() || c.Error != "cancelled" || c.Success {
		t.Fatalf("unexpected cancelled result: %+v", c)
	}
	orig := NewResult("x")
	orig.Set("k", 1)
	cl := orig.Clone()
	cl.Set("k", 2)
	if orig.Get("k") != 1 {
		t.Fatalf("clone must not share fields")
	}
}

func TestParamsAccessors(t *testing.T) {
	p := Params{
		"n":    "7",
		"f":    2.5,
		"b":    "yes",
		"d":    "1m30s",
		"ds":   45,
		"list": []any{"youtube", map[string]any{"app": "maps", "duration": 3}},
	}
	if v, err := p.Int("n", 0); err != nil || v != 7 {
		t.Fatalf("Int: %v %v", v, err)
	}
	if v, err := p.Float("f", 0); err != nil || v != 2.5 {
		t.Fatalf("Float: %v %v", v, err)
	}
	if v, err := p.Bool("b", false); err != nil || !v {
		t.Fatalf("Bool: %v %v", v, err)
	}
	if v, err := p.Duration("d", 0); err != nil || v != 90*time.Second {
		t.Fatalf("Duration string: %v %v", v, err)
	}
	if v, err := p.Duration("ds", 0); err != nil || v != 45*time.Second {
		t.Fatalf("Duration seconds: %v %v", v, err)
	}
	if v, err := p.Duration("missing", 3*time.Second); err != nil || v != 3*time.Second {
		t.Fatalf("Duration default: %v %v", v, err)
	}
	list, err := p.List("list")
	if err != nil || len(list) != 2 || list[0].Str("app") != "youtube" || list[1].Str("app") != "maps" {
		t.Fatalf("List: %v %v", list, err)
	}
	if _, err := (Params{"b": "maybe"}).Bool("b", false); err == nil {
		t.Fatalf("expected bool parse error")
	}
	if _, err := (Params{"d": -1}).Duration("d", 0); err == nil {
		t.Fatalf("expected negative duration error")
	}

	merged := Merge(Params{"a": 1, "b": 1}, Params{"b": 2})
	if merged["a"] != 1 || merged["b"] != 2 {
		t.Fatalf("Merge: %v", merged)
	}
}
