package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/danmuck/droidctl/internal/observability"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout = 30 * time.Second

	EnvADB            = "ADB"
	EnvAndroidHome    = "ANDROID_HOME"
	EnvAndroidSDKRoot = "ANDROID_SDK_ROOT"
)

// CommandResult is the normalized outcome of one protocol invocation.
type CommandResult struct {
	Success  bool
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
	Error    string
}

// Output returns trimmed stdout.
func (r CommandResult) Output() string {
	return strings.TrimSpace(r.Stdout)
}

// Combined returns stdout and stderr joined, trimmed.
func (r CommandResult) Combined() string {
	return strings.TrimSpace(r.Stdout + "\n" + r.Stderr)
}

// Runner executes one tokenized command against one device.
type Runner interface {
	Run(ctx context.Context, deviceID string, tokens []string, timeout time.Duration) CommandResult
}

// ADBRunner resolves the adb executable and runs it through a Process.
type ADBRunner struct {
	Executable string
	Process    Process
	Limiter    *rate.Limiter
}

// NewADBRunner returns a runner for the local host using the resolved adb binary.
func NewADBRunner(executable string) *ADBRunner {
	return &ADBRunner{
		Executable: ResolveExecutable(executable),
		Process:    ExecProcess{},
	}
}

// ResolveExecutable picks the adb binary: explicit path, $ADB, SDK roots, PATH.
func ResolveExecutable(explicit string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv(EnvADB)); v != "" {
		return v
	}
	name := "adb"
	if runtime.GOOS == "windows" {
		name = "adb.exe"
	}
	for _, env := range []string{EnvAndroidHome, EnvAndroidSDKRoot} {
		root := strings.TrimSpace(os.Getenv(env))
		if root == "" {
			continue
		}
		candidate := filepath.Join(root, "platform-tools", name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	return name
}

// Invocation builds the argv for one command; -s is inserted only for a device.
func Invocation(executable, deviceID string, tokens []string) []string {
	argv := make([]string, 0, len(tokens)+3)
	argv = append(argv, executable)
	if id := strings.TrimSpace(deviceID); id != "" {
		argv = append(argv, "-s", id)
	}
	argv = append(argv, tokens...)
	return argv
}

func (r *ADBRunner) Run(ctx context.Context, deviceID string, tokens []string, timeout time.Duration) (res CommandResult) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			res = CommandResult{Error: fmt.Sprintf("command runner fault: %v", rec), ExitCode: 1}
		}
		res.Duration = time.Since(start)
		observability.RecordCommand(res.Success, res.TimedOut)
	}()

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	proc := r.Process
	if proc == nil {
		proc = ExecProcess{}
	}
	argv := Invocation(r.Executable, deviceID, tokens)

	// Only the timeout may kill a dispatched process.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if r.Limiter != nil {
		if err := r.Limiter.Wait(runCtx); err != nil {
			return CommandResult{ExitCode: 1, Error: fmt.Sprintf("spawn throttled: %v", err)}
		}
	}

	log.Debug().Str("device", deviceID).Strs("argv", argv).Msg("tools.ADBRunner.Run")
	stdout, stderr, exitCode, err := proc.Exec(runCtx, argv[0], argv[1:]...)
	res = CommandResult{
		Stdout:   string(stdout),
		Stderr:   string(stderr),
		ExitCode: int(exitCode),
	}
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.Error = fmt.Sprintf("command timed out after %s", timeout)
		if res.ExitCode == 0 {
			res.ExitCode = -1
		}
	case err != nil:
		res.Error = err.Error()
		if res.ExitCode == 0 {
			res.ExitCode = 1
		}
	default:
		res.Success = true
	}
	if !res.Success {
		log.Debug().
			Str("device", deviceID).
			Strs("tokens", tokens).
			Int("exit", res.ExitCode).
			Str("err", res.Error).
			Msg("tools.ADBRunner.Run failed")
	}
	return res
}

// Quote single-quotes value for the device-side shell, which re-splits
// everything after `adb shell`.
func Quote(value string) string {
	return shellEscape(value)
}

// Shell runs `shell args...` on deviceID.
func Shell(ctx context.Context, r Runner, deviceID string, timeout time.Duration, args ...string) CommandResult {
	tokens := make([]string, 0, len(args)+1)
	tokens = append(tokens, "shell")
	tokens = append(tokens, args...)
	return r.Run(ctx, deviceID, tokens, timeout)
}

// DeviceInfo is one row of `adb devices -l`.
type DeviceInfo struct {
	Serial string
	State  string
	Model  string
}

// ListDevices enumerates attached devices without scoping to a serial.
func ListDevices(ctx context.Context, r Runner) ([]DeviceInfo, error) {
	res := r.Run(ctx, "", []string{"devices", "-l"}, 15*time.Second)
	if !res.Success {
		return nil, fmt.Errorf("tools: adb devices failed: %s", res.Error)
	}
	return ParseDevices(res.Stdout), nil
}

// ParseDevices parses `adb devices -l` output.
func ParseDevices(out string) []DeviceInfo {
	var devices []DeviceInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		info := DeviceInfo{Serial: fields[0], State: fields[1]}
		for _, f := range fields[2:] {
			if v, ok := strings.CutPrefix(f, "model:"); ok {
				info.Model = v
			}
		}
		devices = append(devices, info)
	}
	return devices
}
