package modules

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/droidctl/internal/tools"
)

const (
	ModuleDeviceInfo     = "device_info"
	ModuleSignalStrength = "signal_strength"
	ModuleBattery        = "battery"
	ModuleReboot         = "reboot"
	ModuleLogcatClear    = "logcat_clear"
	ModuleLogcatCapture  = "logcat_capture"
	ModuleScreenshot     = "screenshot"

	maxLogcatLines = 5000
	unsetSignal    = 2147483647
)

var getpropLinePattern = regexp.MustCompile(`^\[([^\]]+)\]:\s*\[(.*)\]$`)

// ParseGetprop parses full `getprop` output into a map.
func ParseGetprop(out string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		if m := getpropLinePattern.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			props[m[1]] = m[2]
		}
	}
	return props
}

var deviceInfoProps = map[string]string{
	"model":           "ro.product.model",
	"manufacturer":    "ro.product.manufacturer",
	"android_version": "ro.build.version.release",
	"sdk":             "ro.build.version.sdk",
	"build_id":        "ro.build.id",
	"baseband":        "gsm.version.baseband",
	"serial":          "ro.serialno",
}

func deviceInfoModule() Module {
	return Define(Metadata{
		ID:          ModuleDeviceInfo,
		Name:        "Device info",
		Description: "Read model, manufacturer, OS version and baseband properties",
	}, func(ctx context.Context, env Env, deviceID string, _ Params) Result {
		out := env.shell(ctx, deviceID, "getprop")
		if !out.Success {
			return Failure(ModuleDeviceInfo, "getprop failed: "+out.Error)
		}
		props := ParseGetprop(out.Stdout)
		res := NewResult(ModuleDeviceInfo)
		found := 0
		for field, key := range deviceInfoProps {
			if v := props[key]; v != "" {
				res.Set(field, v)
				found++
			}
		}
		res.Success = found > 0
		if !res.Success {
			res.Error = "no device properties returned"
		}
		return res
	})
}

var signalFieldPatterns = map[string]*regexp.Regexp{
	"rsrp":  regexp.MustCompile(`\brsrp=(-?\d+)`),
	"rsrq":  regexp.MustCompile(`\brsrq=(-?\d+)`),
	"rssnr": regexp.MustCompile(`\brssnr=(-?\d+)`),
	"rssi":  regexp.MustCompile(`\brssi=(-?\d+)`),
	"level": regexp.MustCompile(`\blevel=(\d)`),
}

var signalStrengthPattern = regexp.MustCompile(`mSignalStrength=SignalStrength:\{(.*)`)

// ParseSignalStrength reads the first set value of each metric from the
// mSignalStrength line; the modem reports unset metrics as INT_MAX.
func ParseSignalStrength(out string) map[string]int {
	line := out
	if m := signalStrengthPattern.FindStringSubmatch(out); m != nil {
		line = m[1]
	}
	vals := make(map[string]int)
	for name, re := range signalFieldPatterns {
		for _, m := range re.FindAllStringSubmatch(line, -1) {
			v, err := strconv.Atoi(m[1])
			if err != nil || v == unsetSignal || v == -unsetSignal {
				continue
			}
			if name == "level" && v == 0 {
				continue
			}
			vals[name] = v
			break
		}
	}
	return vals
}

func signalStrengthModule() Module {
	return Define(Metadata{
		ID:          ModuleSignalStrength,
		Name:        "Signal strength",
		Description: "Report RSRP, RSRQ, RSSNR and bar level",
	}, func(ctx context.Context, env Env, deviceID string, _ Params) Result {
		out := env.shell(ctx, deviceID, "dumpsys", "telephony.registry")
		if !out.Success {
			return Failure(ModuleSignalStrength, "telephony.registry unavailable: "+out.Error)
		}
		vals := ParseSignalStrength(out.Stdout)
		if len(vals) == 0 {
			return Failure(ModuleSignalStrength, "no signal metrics reported")
		}
		res := NewResult(ModuleSignalStrength)
		res.Success = true
		for k, v := range vals {
			res.Set(k, v)
		}
		return res
	})
}

var batteryStatus = map[string]string{
	"1": "unknown",
	"2": "charging",
	"3": "discharging",
	"4": "not_charging",
	"5": "full",
}

// ParseBattery reads `dumpsys battery` key: value lines.
func ParseBattery(out string) map[string]string {
	vals := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		vals[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return vals
}

func batteryModule() Module {
	return Define(Metadata{
		ID:          ModuleBattery,
		Name:        "Battery",
		Description: "Report battery level, charge status and temperature",
	}, func(ctx context.Context, env Env, deviceID string, _ Params) Result {
		out := env.shell(ctx, deviceID, "dumpsys", "battery")
		if !out.Success {
			return Failure(ModuleBattery, "dumpsys battery failed: "+out.Error)
		}
		vals := ParseBattery(out.Stdout)
		level, err := strconv.Atoi(vals["level"])
		if err != nil {
			return Failure(ModuleBattery, "battery level missing")
		}
		res := NewResult(ModuleBattery)
		res.Success = true
		res.Set("level", level)
		if s, ok := batteryStatus[vals["status"]]; ok {
			res.Set("status", s)
		}
		if t, err := strconv.Atoi(vals["temperature"]); err == nil {
			res.Set("temperature_c", float64(t)/10)
		}
		res.Set("usb_powered", vals["USB powered"] == "true")
		res.Set("ac_powered", vals["AC powered"] == "true")
		return res
	})
}

func rebootModule() Module {
	return Define(Metadata{
		ID:          ModuleReboot,
		Name:        "Reboot",
		Description: "Reboot the device and wait until it has finished booting",
		Params: []ParamSpec{
			{Name: "timeout", Type: "seconds", Default: 180},
			{Name: "poll_interval", Type: "seconds", Default: 5},
		},
	}, runReboot)
}

func runReboot(ctx context.Context, env Env, deviceID string, p Params) Result {
	timeout, err := p.Duration("timeout", 180*time.Second)
	if err != nil {
		return InputFailure(ModuleReboot, err.Error())
	}
	interval, err := p.Duration("poll_interval", 5*time.Second)
	if err != nil {
		return InputFailure(ModuleReboot, err.Error())
	}
	clk := env.clk()
	start := clk.Now()
	out := env.Runner.Run(ctx, deviceID, []string{"reboot"}, env.timeout())
	if !out.Success {
		return Failure(ModuleReboot, "reboot failed: "+out.Error)
	}
	// Give the device time to drop off before polling state.
	if err := clk.Sleep(ctx, interval); err != nil {
		return Cancelled(ModuleReboot)
	}
	booted, err := pollUntil(ctx, clk, interval, timeout, func() bool {
		st := env.Runner.Run(ctx, deviceID, []string{"get-state"}, 10*time.Second)
		if !st.Success || st.Output() != "device" {
			return false
		}
		return env.shellTimeout(ctx, deviceID, 10*time.Second, "getprop", "sys.boot_completed").Output() == "1"
	})
	if err != nil {
		return Cancelled(ModuleReboot)
	}
	res := NewResult(ModuleReboot)
	res.Set("boot_seconds", seconds(clk.Now().Sub(start)))
	res.Success = booted
	if !booted {
		res.Error = "device did not finish booting within " + timeout.String()
	}
	return res
}

func logcatClearModule() Module {
	return Define(Metadata{
		ID:          ModuleLogcatClear,
		Name:        "Clear logcat",
		Description: "Clear the device log buffers",
	}, func(ctx context.Context, env Env, deviceID string, _ Params) Result {
		out := env.shell(ctx, deviceID, "logcat", "-c")
		res := NewResult(ModuleLogcatClear)
		res.Success = out.Success
		res.Error = out.Error
		return res
	})
}

func logcatCaptureModule() Module {
	return Define(Metadata{
		ID:          ModuleLogcatCapture,
		Name:        "Capture logcat",
		Description: "Dump the most recent log lines, optionally filtered by substring",
		Params: []ParamSpec{
			{Name: "lines", Type: "int", Default: 200},
			{Name: "filter", Type: "string", Description: "keep only lines containing this text"},
		},
	}, func(ctx context.Context, env Env, deviceID string, p Params) Result {
		n, err := p.Int("lines", 200)
		if err != nil {
			return InputFailure(ModuleLogcatCapture, err.Error())
		}
		if n < 1 || n > maxLogcatLines {
			return InputFailure(ModuleLogcatCapture, fmt.Sprintf("lines must be between 1 and %d", maxLogcatLines))
		}
		filter := p.Str("filter")
		out := env.shell(ctx, deviceID, "logcat", "-d", "-t", strconv.Itoa(n))
		if !out.Success {
			return Failure(ModuleLogcatCapture, "logcat failed: "+out.Error)
		}
		var lines []string
		for _, line := range strings.Split(out.Stdout, "\n") {
			line = strings.TrimRight(line, "\r")
			if line == "" || (filter != "" && !strings.Contains(line, filter)) {
				continue
			}
			lines = append(lines, line)
		}
		res := NewResult(ModuleLogcatCapture)
		res.Success = true
		res.Set("line_count", len(lines))
		res.Set("lines", lines)
		return res
	})
}

func screenshotModule() Module {
	return Define(Metadata{
		ID:          ModuleScreenshot,
		Name:        "Screenshot",
		Description: "Capture the screen and pull the PNG to a local directory",
		Params: []ParamSpec{
			{Name: "dest_dir", Type: "string", Default: ".", Description: "local directory for the PNG"},
		},
	}, func(ctx context.Context, env Env, deviceID string, p Params) Result {
		dir := p.Str("dest_dir")
		if dir == "" {
			dir = "."
		}
		name := fmt.Sprintf("screenshot-%s-%d.png", sanitizeFileToken(deviceID), env.clk().Now().Unix())
		remote := "/sdcard/" + name
		capture := env.shell(ctx, deviceID, "screencap", "-p", remote)
		if !capture.Success {
			return Failure(ModuleScreenshot, "screencap failed: "+capture.Error)
		}
		local := filepath.Join(dir, name)
		pull := env.Runner.Run(ctx, deviceID, []string{"pull", remote, local}, 60*time.Second)
		env.shell(ctx, deviceID, "rm", "-f", tools.Quote(remote))
		if !pull.Success {
			return Failure(ModuleScreenshot, "pull failed: "+pull.Error)
		}
		res := NewResult(ModuleScreenshot)
		res.Success = true
		res.Set("path", local)
		return res
	})
}

func sanitizeFileToken(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "device"
	}
	return b.String()
}
