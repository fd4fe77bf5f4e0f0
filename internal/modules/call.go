package modules

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/danmuck/droidctl/internal/tools"
	"github.com/rs/zerolog/log"
)

const ModuleCallTest = "call_test"

const (
	TerminationCompleted = "completed"
	TerminationDropped   = "dropped"
	TerminationRejected  = "rejected"
	TerminationVoicemail = "voicemail"
	TerminationNoAnswer  = "no_answer"
	TerminationDialError = "dial_failed"
	TerminationCancelled = "cancelled"

	maxCallRepeat = 50
)

var dialNumberPattern = regexp.MustCompile(`^\+?[0-9*#]{2,24}$`)

// CallAttempt is the record of one supervised call.
type CallAttempt struct {
	Attempt          int     `json:"attempt" yaml:"attempt"`
	Answered         bool    `json:"answered" yaml:"answered"`
	VoicemailReached bool    `json:"voicemail_reached" yaml:"voicemail_reached"`
	RingDuration     float64 `json:"ring_duration" yaml:"ring_duration"`
	TalkTime         float64 `json:"talk_time" yaml:"talk_time"`
	TerminationState string  `json:"termination_state" yaml:"termination_state"`
	Error            string  `json:"error,omitempty" yaml:"error,omitempty"`
}

type callConfig struct {
	number           string
	talk             time.Duration
	repeat           int
	ringTimeout      time.Duration
	voicemailTimeout time.Duration
	minRing          time.Duration
	interCallDelay   time.Duration
	pollInterval     time.Duration
}

func callTestModule() Module {
	return Define(Metadata{
		ID:          ModuleCallTest,
		Name:        "Voice call test",
		Description: "Dial a number, supervise ring/answer/talk, hang up; repeatable",
		Params: []ParamSpec{
			{Name: "number", Type: "string", Required: true, Description: "number to dial"},
			{Name: "duration", Type: "seconds", Default: 10, Description: "talk time once connected"},
			{Name: "repeat", Type: "int", Default: 1, Description: "sequential call attempts"},
			{Name: "ring_timeout", Type: "seconds", Default: 45},
			{Name: "voicemail_timeout", Type: "seconds", Default: 30},
			{Name: "min_ring", Type: "seconds", Default: 3, Description: "idle must persist this long to end ringing"},
			{Name: "inter_call_delay", Type: "seconds", Default: 5},
			{Name: "poll_interval", Type: "seconds", Default: 1},
		},
	}, runCallTest)
}

func parseCallConfig(p Params) (callConfig, error) {
	cfg := callConfig{number: strings.ReplaceAll(p.Str("number"), " ", "")}
	if cfg.number == "" {
		return cfg, fmt.Errorf("number is required")
	}
	if !dialNumberPattern.MatchString(cfg.number) {
		return cfg, fmt.Errorf("number %q is not dialable", cfg.number)
	}
	var err error
	if cfg.talk, err = p.Duration("duration", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.repeat, err = p.Int("repeat", 1); err != nil {
		return cfg, err
	}
	if cfg.repeat < 1 || cfg.repeat > maxCallRepeat {
		return cfg, fmt.Errorf("repeat must be between 1 and %d", maxCallRepeat)
	}
	if cfg.ringTimeout, err = p.Duration("ring_timeout", 45*time.Second); err != nil {
		return cfg, err
	}
	if cfg.voicemailTimeout, err = p.Duration("voicemail_timeout", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.minRing, err = p.Duration("min_ring", 3*time.Second); err != nil {
		return cfg, err
	}
	if cfg.interCallDelay, err = p.Duration("inter_call_delay", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.pollInterval, err = p.Duration("poll_interval", time.Second); err != nil {
		return cfg, err
	}
	if cfg.pollInterval <= 0 {
		cfg.pollInterval = time.Second
	}
	return cfg, nil
}

func runCallTest(ctx context.Context, env Env, deviceID string, p Params) Result {
	cfg, err := parseCallConfig(p)
	if err != nil {
		return InputFailure(ModuleCallTest, err.Error())
	}

	res := NewResult(ModuleCallTest)
	res.Set("number", cfg.number)
	attempts := make([]CallAttempt, 0, cfg.repeat)
	answered, voicemail := 0, 0

	finish := func() Result {
		res.Set("attempts", attempts)
		res.Set("total_attempts", len(attempts))
		res.Set("answered_count", answered)
		res.Set("voicemail_count", voicemail)
		res.Set("answered", answered > 0)
		res.Set("voicemail_reached", voicemail > 0)
		res.Success = answered > 0 || voicemail > 0
		if !res.Success && len(attempts) > 0 {
			res.Error = attempts[len(attempts)-1].Error
		}
		return res
	}

	for i := 1; i <= cfg.repeat; i++ {
		if i > 1 {
			if err := env.clk().Sleep(ctx, cfg.interCallDelay); err != nil {
				return cancelWith(finish())
			}
		}
		attempt, err := superviseCall(ctx, env, deviceID, cfg, i)
		log.Debug().
			Str("device", deviceID).
			Int("attempt", i).
			Str("termination", attempt.TerminationState).
			Float64("ring_s", attempt.RingDuration).
			Msg("modules.call_test attempt")
		attempts = append(attempts, attempt)
		if attempt.Answered {
			answered++
		}
		if attempt.VoicemailReached {
			voicemail++
		}
		if err != nil {
			return cancelWith(finish())
		}
	}
	return finish()
}

func cancelWith(r Result) Result {
	r.Success = false
	r.Error = "cancelled"
	r.Set(FieldCancelled, true)
	return r
}

// superviseCall runs one dial/ring/talk/hangup cycle. The error is non-nil
// only when ctx was cancelled.
func superviseCall(ctx context.Context, env Env, deviceID string, cfg callConfig, n int) (CallAttempt, error) {
	clk := env.clk()
	att := CallAttempt{Attempt: n}
	uri := "tel:" + strings.ReplaceAll(cfg.number, "#", "%23")
	dial := env.shell(ctx, deviceID, "am", "start", "-a", "android.intent.action.CALL", "-d", tools.Quote(uri))
	if !dial.Success {
		att.TerminationState = TerminationDialError
		att.Error = "dial failed: " + dial.Error
		return att, nil
	}

	start := clk.Now()
	var idleSince time.Time
	connected, ended := false, false
	for {
		if err := ctx.Err(); err != nil {
			att.TerminationState = TerminationCancelled
			return att, err
		}
		now := clk.Now()
		switch readCallState(ctx, env, deviceID) {
		case CallConnected:
			connected = true
		case CallIdle:
			if idleSince.IsZero() {
				idleSince = now
			}
			if now.Sub(idleSince) >= cfg.minRing {
				ended = true
			}
		default:
			idleSince = time.Time{}
		}
		if connected {
			att.RingDuration = seconds(now.Sub(start))
			break
		}
		if ended {
			att.RingDuration = seconds(idleSince.Sub(start))
			break
		}
		if now.Sub(start) >= cfg.ringTimeout {
			att.RingDuration = seconds(now.Sub(start))
			break
		}
		if err := clk.Sleep(ctx, cfg.pollInterval); err != nil {
			att.TerminationState = TerminationCancelled
			return att, err
		}
	}

	if connected {
		return holdCall(ctx, env, deviceID, cfg, att)
	}

	if ended && idleSince.Sub(start) < cfg.minRing {
		att.TerminationState = TerminationRejected
		att.Error = "call rejected before ringing"
		return att, nil
	}

	settled, err := pollUntil(ctx, clk, cfg.pollInterval, cfg.voicemailTimeout, func() bool {
		return readCallState(ctx, env, deviceID) == CallIdle
	})
	if err != nil {
		att.TerminationState = TerminationCancelled
		return att, err
	}
	if settled {
		att.VoicemailReached = true
		att.TerminationState = TerminationVoicemail
		return att, nil
	}
	hangUp(ctx, env, deviceID)
	att.TerminationState = TerminationNoAnswer
	att.Error = "no answer within ring and voicemail timeouts"
	return att, nil
}

func holdCall(ctx context.Context, env Env, deviceID string, cfg callConfig, att CallAttempt) (CallAttempt, error) {
	clk := env.clk()
	att.Answered = true
	talkStart := clk.Now()
	for {
		elapsed := clk.Now().Sub(talkStart)
		if elapsed >= cfg.talk {
			break
		}
		wait := min(cfg.pollInterval, cfg.talk-elapsed)
		if err := clk.Sleep(ctx, wait); err != nil {
			att.TalkTime = seconds(clk.Now().Sub(talkStart))
			att.TerminationState = TerminationCancelled
			return att, err
		}
		if readCallState(ctx, env, deviceID) == CallIdle {
			att.TalkTime = seconds(clk.Now().Sub(talkStart))
			att.TerminationState = TerminationDropped
			att.Error = fmt.Sprintf("call dropped after %.1fs", att.TalkTime)
			return att, nil
		}
	}
	att.TalkTime = seconds(clk.Now().Sub(talkStart))
	if !hangUp(ctx, env, deviceID) {
		att.Error = "hangup command failed"
	}
	_, _ = pollUntil(ctx, clk, cfg.pollInterval, 5*time.Second, func() bool {
		return readCallState(ctx, env, deviceID) == CallIdle
	})
	att.TerminationState = TerminationCompleted
	return att, nil
}

func hangUp(ctx context.Context, env Env, deviceID string) bool {
	return env.shell(ctx, deviceID, "input", "keyevent", "KEYCODE_ENDCALL").Success
}
