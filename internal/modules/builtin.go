package modules

import "fmt"

// Builtins returns one fresh instance of every shipped module. Modules that
// keep state (the registration cache) are not shared between registries.
func Builtins() []Module {
	return []Module{
		callTestModule(),
		airplaneModeModule(),
		wrongAPNModule(),
		rfLoggingModule(),
		newRegistrationModule(),
		pingModule(),
		smsModule(),
		appLauncherModule(),
		mobileDataModule(),
		wifiModule(),
		deviceInfoModule(),
		signalStrengthModule(),
		batteryModule(),
		answerCallModule(),
		endCallModule(),
		rebootModule(),
		logcatClearModule(),
		logcatCaptureModule(),
		screenshotModule(),
		ussdModule(),
	}
}

// NewBuiltinRegistry registers every builtin module, filtered by enabled
// when it is non-empty.
func NewBuiltinRegistry(enabled ...string) (*Registry, error) {
	allow := make(map[string]bool, len(enabled))
	for _, id := range enabled {
		allow[id] = true
	}
	reg := NewRegistry()
	for _, m := range Builtins() {
		id := m.Metadata().ID
		if len(enabled) > 0 && !allow[id] {
			continue
		}
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	for _, id := range enabled {
		if _, ok := reg.Resolve(id); !ok {
			return nil, fmt.Errorf("%w: unknown builtin %q", ErrInvalidMetadata, id)
		}
	}
	return reg, nil
}
