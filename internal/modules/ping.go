package modules

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/danmuck/droidctl/internal/tools"
)

const ModulePing = "ping"

var (
	pingSummaryPattern = regexp.MustCompile(`(\d+) packets transmitted, (\d+) (?:packets )?received(?:, \+\d+ errors)?, ([\d.]+)% packet loss`)
	pingRTTPattern     = regexp.MustCompile(`(?:rtt|round-trip) min/avg/max/(?:mdev|stddev) = ([\d.]+)/([\d.]+)/([\d.]+)/([\d.]+) ms`)
	pingHostPattern    = regexp.MustCompile(`^[A-Za-z0-9.:-]{1,253}$`)
)

// PingStats is the parsed ping summary.
type PingStats struct {
	Transmitted int
	Received    int
	LossPercent float64
	HasRTT      bool
	MinMS       float64
	AvgMS       float64
	MaxMS       float64
	MdevMS      float64
}

// ParsePing reads the summary and rtt lines of ping output.
func ParsePing(out string) (PingStats, bool) {
	var st PingStats
	m := pingSummaryPattern.FindStringSubmatch(out)
	if m == nil {
		return st, false
	}
	st.Transmitted, _ = strconv.Atoi(m[1])
	st.Received, _ = strconv.Atoi(m[2])
	st.LossPercent, _ = strconv.ParseFloat(m[3], 64)
	if r := pingRTTPattern.FindStringSubmatch(out); r != nil {
		st.HasRTT = true
		st.MinMS, _ = strconv.ParseFloat(r[1], 64)
		st.AvgMS, _ = strconv.ParseFloat(r[2], 64)
		st.MaxMS, _ = strconv.ParseFloat(r[3], 64)
		st.MdevMS, _ = strconv.ParseFloat(r[4], 64)
	}
	return st, true
}

// PingCount is max(1, round(duration/interval)).
func PingCount(duration time.Duration, interval float64) int {
	n := int(math.Round(duration.Seconds() / interval))
	return max(1, n)
}

func pingModule() Module {
	return Define(Metadata{
		ID:          ModulePing,
		Name:        "Ping",
		Description: "Ping a host from the device and report loss and round-trip times",
		Params: []ParamSpec{
			{Name: "host", Type: "string", Required: true},
			{Name: "duration", Type: "seconds", Default: 10},
			{Name: "interval", Type: "float", Default: 1.0, Description: "seconds between packets, clamped to [0.2, 5]"},
		},
	}, runPing)
}

func runPing(ctx context.Context, env Env, deviceID string, p Params) Result {
	host := p.Str("host")
	if host == "" {
		return InputFailure(ModulePing, "host is required")
	}
	if !pingHostPattern.MatchString(host) {
		return InputFailure(ModulePing, fmt.Sprintf("host %q is not a hostname or address", host))
	}
	duration, err := p.Duration("duration", 10*time.Second)
	if err != nil {
		return InputFailure(ModulePing, err.Error())
	}
	interval, err := p.Float("interval", 1.0)
	if err != nil {
		return InputFailure(ModulePing, err.Error())
	}
	interval = math.Min(5, math.Max(0.2, interval))
	count := PingCount(duration, interval)

	res := NewResult(ModulePing)
	res.Set("host", host)
	res.Set("count", count)
	res.Set("interval", interval)

	// ping itself takes count*interval; leave headroom for DNS and the deadline.
	timeout := time.Duration(float64(count)*interval*float64(time.Second)) + 15*time.Second
	out := env.shellTimeout(ctx, deviceID, timeout,
		"ping", "-c", strconv.Itoa(count), "-i", strconv.FormatFloat(interval, 'f', -1, 64), tools.Quote(host))
	if ctx.Err() != nil {
		return Cancelled(ModulePing)
	}

	stats, parsed := ParsePing(out.Stdout)
	res.Set("exit_code", out.ExitCode)
	if !parsed {
		res.Error = "ping produced no summary"
		if out.Error != "" {
			res.Error = out.Error
		}
		return res
	}
	res.Set("packets_transmitted", stats.Transmitted)
	res.Set("packets_received", stats.Received)
	res.Set("packet_loss_percent", stats.LossPercent)
	if stats.HasRTT {
		res.Set("rtt", map[string]float64{
			"min_ms":  stats.MinMS,
			"avg_ms":  stats.AvgMS,
			"max_ms":  stats.MaxMS,
			"mdev_ms": stats.MdevMS,
		})
	}

	res.Success = out.Success && stats.Received > 0 && stats.LossPercent < 100
	if !res.Success {
		switch {
		case out.TimedOut:
			res.Error = out.Error
		case stats.Received == 0:
			res.Error = "no replies received"
		default:
			res.Error = out.Error
		}
	}
	return res
}
