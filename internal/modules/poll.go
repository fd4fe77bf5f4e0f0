package modules

import (
	"context"
	"regexp"
	"strconv"
	"time"

	"github.com/danmuck/droidctl/internal/clock"
)

// pollUntil calls check every interval until it reports done or timeout
// elapses. The returned error is non-nil only for cancellation.
func pollUntil(ctx context.Context, clk clock.Clock, interval, timeout time.Duration, check func() bool) (bool, error) {
	if interval <= 0 {
		interval = time.Second
	}
	deadline := clk.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if check() {
			return true, nil
		}
		if !clk.Now().Before(deadline) {
			return false, nil
		}
		if err := clk.Sleep(ctx, interval); err != nil {
			return false, err
		}
	}
}

// CallState is the coarse voice call state machine.
type CallState string

const (
	CallIdle      CallState = "idle"
	CallRinging   CallState = "ringing"
	CallConnected CallState = "connected"
	CallUnknown   CallState = "unknown"
)

var (
	preciseForegroundPattern = regexp.MustCompile(`mForegroundCallState=(-?\d+)`)
	callStatePattern         = regexp.MustCompile(`mCallState=(-?\d+)`)
)

// ParseCallState reads telephony.registry output. Precise foreground state
// wins when present because the caller-side mCallState jumps straight to
// OFFHOOK while the far end is still alerting.
func ParseCallState(out string) CallState {
	if m := preciseForegroundPattern.FindStringSubmatch(out); m != nil {
		v, _ := strconv.Atoi(m[1])
		switch v {
		case 1, 2:
			return CallConnected
		case 3, 4, 5, 6:
			return CallRinging
		case 0, 7, 8:
			return CallIdle
		}
	}
	if m := callStatePattern.FindStringSubmatch(out); m != nil {
		switch m[1] {
		case "0":
			return CallIdle
		case "1":
			return CallRinging
		case "2":
			return CallConnected
		}
	}
	return CallUnknown
}

func readCallState(ctx context.Context, env Env, deviceID string) CallState {
	res := env.shell(ctx, deviceID, "dumpsys", "telephony.registry")
	if !res.Success {
		return CallUnknown
	}
	return ParseCallState(res.Stdout)
}

func seconds(d time.Duration) float64 {
	return float64(d.Milliseconds()) / 1000
}
