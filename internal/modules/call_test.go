package modules

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/droidctl/internal/clock"
	"github.com/danmuck/droidctl/internal/testutil/fakeadb"
	"github.com/danmuck/droidctl/internal/testutil/testlog"
	"github.com/danmuck/droidctl/internal/tools"
)

// simulatedCall answers telephony.registry polls from a state function of
// elapsed virtual time. ENDCALL forces idle.
func simulatedCall(clk *clock.Virtual, state func(elapsed time.Duration) string) *fakeadb.Runner {
	start := clk.Now()
	hungUp := false
	return fakeadb.New().
		On("shell dumpsys telephony.registry", func(string, []string) tools.CommandResult {
			if hungUp {
				return fakeadb.Ok("mCallState=0")
			}
			return fakeadb.Ok("mCallState=" + state(clk.Now().Sub(start)))
		}).
		On("shell input keyevent KEYCODE_ENDCALL", func(string, []string) tools.CommandResult {
			hungUp = true
			return fakeadb.Ok("")
		})
}

func firstAttempt(t *testing.T, res Result) CallAttempt {
	t.Helper()
	attempts, ok := res.Get("attempts").([]CallAttempt)
	if !ok || len(attempts) == 0 {
		t.Fatalf("expected attempts, got %#v", res.Get("attempts"))
	}
	return attempts[0]
}

func TestCallTestAnsweredWithinRingTimeout(t *testing.T) {
	testlog.Start(t)
	clk := clock.NewVirtual(time.Unix(1_000, 0))
	dev := simulatedCall(clk, func(elapsed time.Duration) string {
		if elapsed >= 5*time.Second {
			return "2"
		}
		return "1"
	})
	env := Env{Runner: dev, Clock: clk}

	res := callTestModule().Run(context.Background(), env, "emu-1", Params{"number": "+15550100", "duration": 10})
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.Get("answered") != true || res.Get("voicemail_reached") != false {
		t.Fatalf("expected answered=true voicemail=false, got %v/%v", res.Get("answered"), res.Get("voicemail_reached"))
	}
	att := firstAttempt(t, res)
	if att.TerminationState != TerminationCompleted {
		t.Fatalf("expected completed termination, got %q", att.TerminationState)
	}
	if att.RingDuration != 5 {
		t.Fatalf("expected ring duration 5s, got %v", att.RingDuration)
	}
	if att.TalkTime != 10 {
		t.Fatalf("expected talk time 10s, got %v", att.TalkTime)
	}
	if got := dev.Count("shell am start -a android.intent.action.CALL -d 'tel:+15550100'"); got != 1 {
		t.Fatalf("expected one dial, got %d", got)
	}
	if got := dev.Count("shell input keyevent KEYCODE_ENDCALL"); got != 1 {
		t.Fatalf("expected one hangup, got %d", got)
	}
}

func TestCallTestVoicemailAfterRingTimeout(t *testing.T) {
	testlog.Start(t)
	clk := clock.NewVirtual(time.Unix(1_000, 0))
	dev := simulatedCall(clk, func(elapsed time.Duration) string {
		if elapsed >= 50*time.Second {
			return "0"
		}
		return "1"
	})
	env := Env{Runner: dev, Clock: clk}

	res := callTestModule().Run(context.Background(), env, "emu-1", Params{"number": "5550100"})
	if !res.Success {
		t.Fatalf("voicemail pickup must count as success, got error %q", res.Error)
	}
	if res.Get("answered") != false || res.Get("voicemail_reached") != true {
		t.Fatalf("expected answered=false voicemail=true, got %v/%v", res.Get("answered"), res.Get("voicemail_reached"))
	}
	att := firstAttempt(t, res)
	if att.TerminationState != TerminationVoicemail {
		t.Fatalf("expected voicemail termination, got %q", att.TerminationState)
	}
	if att.RingDuration != 45 {
		t.Fatalf("expected ring duration to stop at the ring timeout, got %v", att.RingDuration)
	}
}

func TestCallTestFastRejectIsFailure(t *testing.T) {
	testlog.Start(t)
	clk := clock.NewVirtual(time.Unix(1_000, 0))
	dev := simulatedCall(clk, func(time.Duration) string { return "0" })
	env := Env{Runner: dev, Clock: clk}

	res := callTestModule().Run(context.Background(), env, "emu-1", Params{"number": "5550100"})
	if res.Success {
		t.Fatalf("expected failure for immediate reject")
	}
	att := firstAttempt(t, res)
	if att.TerminationState != TerminationRejected {
		t.Fatalf("expected rejected, got %q", att.TerminationState)
	}
	if att.VoicemailReached || att.Answered {
		t.Fatalf("reject must not report answer or voicemail: %+v", att)
	}
}

func TestCallTestIdleAfterMinRingIsVoicemail(t *testing.T) {
	testlog.Start(t)
	clk := clock.NewVirtual(time.Unix(1_000, 0))
	dev := simulatedCall(clk, func(elapsed time.Duration) string {
		if elapsed >= 10*time.Second {
			return "0"
		}
		return "1"
	})
	env := Env{Runner: dev, Clock: clk}

	res := callTestModule().Run(context.Background(), env, "emu-1", Params{"number": "5550100"})
	if !res.Success {
		t.Fatalf("expected voicemail success, got error %q", res.Error)
	}
	att := firstAttempt(t, res)
	if att.TerminationState != TerminationVoicemail || !att.VoicemailReached {
		t.Fatalf("idle after min_ring of ringing must settle to voicemail, got %+v", att)
	}
	if att.RingDuration != 10 {
		t.Fatalf("expected ring duration to stop where idle began, got %v", att.RingDuration)
	}
}

func TestCallTestShortIdleBlipIsIgnored(t *testing.T) {
	testlog.Start(t)
	clk := clock.NewVirtual(time.Unix(1_000, 0))
	dev := simulatedCall(clk, func(elapsed time.Duration) string {
		switch {
		case elapsed >= 8*time.Second:
			return "2"
		case elapsed >= 4*time.Second && elapsed < 6*time.Second:
			return "0"
		default:
			return "1"
		}
	})
	env := Env{Runner: dev, Clock: clk}

	res := callTestModule().Run(context.Background(), env, "emu-1", Params{"number": "5550100", "duration": 2})
	if !res.Success {
		t.Fatalf("expected answered call, got error %q", res.Error)
	}
	att := firstAttempt(t, res)
	if !att.Answered || att.TerminationState != TerminationCompleted {
		t.Fatalf("idle shorter than min_ring must not end the ring phase, got %+v", att)
	}
	if att.RingDuration != 8 {
		t.Fatalf("expected ring duration 8s, got %v", att.RingDuration)
	}
}

func TestCallTestNoAnswerHangsUp(t *testing.T) {
	testlog.Start(t)
	clk := clock.NewVirtual(time.Unix(1_000, 0))
	dev := simulatedCall(clk, func(time.Duration) string { return "1" })
	env := Env{Runner: dev, Clock: clk}

	res := callTestModule().Run(context.Background(), env, "emu-1", Params{
		"number":            "5550100",
		"ring_timeout":      10,
		"voicemail_timeout": 5,
	})
	if res.Success {
		t.Fatalf("expected failure when the call never settles")
	}
	att := firstAttempt(t, res)
	if att.TerminationState != TerminationNoAnswer {
		t.Fatalf("expected no_answer, got %q", att.TerminationState)
	}
	if dev.Count("shell input keyevent KEYCODE_ENDCALL") != 1 {
		t.Fatalf("expected hangup after voicemail window")
	}
}

func TestCallTestRepeatsSequentially(t *testing.T) {
	testlog.Start(t)
	clk := clock.NewVirtual(time.Unix(1_000, 0))
	dev := fakeadb.New().
		OnOutput("shell dumpsys telephony.registry", "mCallState=2")
	env := Env{Runner: dev, Clock: clk}

	res := callTestModule().Run(context.Background(), env, "emu-1", Params{
		"number":   "5550100",
		"repeat":   3,
		"duration": 2,
	})
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
	if got := dev.Count("shell am start -a android.intent.action.CALL"); got != 3 {
		t.Fatalf("expected 3 dials, got %d", got)
	}
	if res.Get("total_attempts") != 3 || res.Get("answered_count") != 3 {
		t.Fatalf("unexpected counters: %v", res.Fields)
	}
}

func TestCallTestCancelledMidRing(t *testing.T) {
	testlog.Start(t)
	clk := clock.NewVirtual(time.Unix(1_000, 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	polls := 0
	dev := fakeadb.New().On("shell dumpsys telephony.registry", func(string, []string) tools.CommandResult {
		polls++
		if polls == 3 {
			cancel()
		}
		return fakeadb.Ok("mCallState=1")
	})
	env := Env{Runner: dev, Clock: clk}

	res := callTestModule().Run(ctx, env, "emu-1", Params{"number": "5550100"})
	if !res.IsCancelled() {
		t.Fatalf("expected cancelled result, got %+v", res)
	}
	if res.Success {
		t.Fatalf("cancelled run must not succeed")
	}
	if polls != 3 {
		t.Fatalf("expected polling to stop at cancellation, got %d polls", polls)
	}
}

func TestCallTestRejectsBadInput(t *testing.T) {
	cases := []Params{
		{},
		{"number": "abc"},
		{"number": "5550100", "repeat": 51},
		{"number": "5550100", "repeat": 0},
	}
	for _, p := range cases {
		dev := fakeadb.New()
		res := callTestModule().Run(context.Background(), Env{Runner: dev}, "emu-1", p)
		if !res.IsInputError() {
			t.Fatalf("expected input error for %v, got %+v", p, res)
		}
		if len(dev.Calls()) != 0 {
			t.Fatalf("input errors must not touch the device: %v", dev.Calls())
		}
	}
}

func TestParseCallState(t *testing.T) {
	cases := map[string]CallState{
		"mCallState=0":                          CallIdle,
		"mCallState=1":                          CallRinging,
		"mCallState=2":                          CallConnected,
		"mCallState=2\nmForegroundCallState=4":  CallRinging,
		"mForegroundCallState=1\n mCallState=2": CallConnected,
		"mForegroundCallState=0 mCallState=0":   CallIdle,
		"garbage":                               CallUnknown,
		"mCallState=9":                          CallUnknown,
	}
	for in, want := range cases {
		if got := ParseCallState(in); got != want {
			t.Fatalf("ParseCallState(%q) = %s, want %s", in, got, want)
		}
	}
}
