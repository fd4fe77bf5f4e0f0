package modules

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/droidctl/internal/clock"
	"github.com/danmuck/droidctl/internal/testutil/fakeadb"
	"github.com/danmuck/droidctl/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// airplaneDevice keeps airplane_mode_on in memory; settings put flips it.
func airplaneDevice(initial string) (*fakeadb.Runner, *string) {
	state := initial
	dev := fakeadb.New().
		On("shell settings get global airplane_mode_on", func(string, []string) tools.CommandResult {
			return fakeadb.Ok(state + "\n")
		}).
		On("shell settings put global airplane_mode_on", func(_ string, tokens []string) tools.CommandResult {
			state = tokens[len(tokens)-1]
			return fakeadb.Ok("")
		})
	return dev, &state
}

func TestAirplaneModeAlreadyInStateIssuesNoWrites(t *testing.T) {
	for _, tc := range []struct {
		initial string
		enabled bool
	}{
		{"1", true},
		{"0", false},
	} {
		dev, _ := airplaneDevice(tc.initial)
		env := Env{Runner: dev, Clock: clock.NewVirtual(time.Unix(0, 0))}

		res := airplaneModeModule().Run(context.Background(), env, "emu-1", Params{"enabled": tc.enabled})
		require.True(t, res.Success)
		assert.Equal(t, true, res.Get("already_in_state"))
		for _, line := range dev.Calls() {
			assert.False(t, strings.HasPrefix(line.Line(), "shell settings put"), "unexpected write %q", line.Line())
			assert.False(t, strings.HasPrefix(line.Line(), "shell cmd connectivity"), "unexpected toggle %q", line.Line())
			assert.False(t, strings.HasPrefix(line.Line(), "shell am broadcast"), "unexpected broadcast %q", line.Line())
		}
	}
}

func TestAirplaneModeTransitionConfirmed(t *testing.T) {
	dev, state := airplaneDevice("0")
	env := Env{Runner: dev, Clock: clock.NewVirtual(time.Unix(0, 0))}

	res := airplaneModeModule().Run(context.Background(), env, "emu-1", Params{"enabled": "on"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "1", *state)
	assert.Equal(t, false, res.Get("already_in_state"))
	assert.Equal(t, true, res.Get("confirmed"))
	assert.Equal(t, false, res.Get("previous_state"))
	assert.Equal(t, true, res.Get("final_state"))
	assert.Equal(t, 1, dev.Count("shell cmd connectivity airplane-mode enable"))
	assert.Equal(t, 1, dev.Count("shell am broadcast -a android.intent.action.AIRPLANE_MODE --ez state true"))
}

func TestAirplaneModeUnconfirmedTimesOut(t *testing.T) {
	clk := clock.NewVirtual(time.Unix(0, 0))
	dev := fakeadb.New().OnOutput("shell settings get global airplane_mode_on", "0")
	env := Env{Runner: dev, Clock: clk}

	res := airplaneModeModule().Run(context.Background(), env, "emu-1", Params{"enabled": true, "timeout": 3})
	assert.False(t, res.Success)
	assert.Equal(t, false, res.Get("confirmed"))
	assert.Contains(t, res.Error, "did not reach")
	assert.True(t, clk.Now().Equal(time.Unix(3, 0)))
}

func TestAirplaneModeReadbackUnavailable(t *testing.T) {
	dev := fakeadb.New().OnFail("shell settings get", "Security exception")
	env := Env{Runner: dev, Clock: clock.NewVirtual(time.Unix(0, 0))}

	res := airplaneModeModule().Run(context.Background(), env, "emu-1", Params{"enabled": false})
	assert.True(t, res.Success)
	assert.Equal(t, false, res.Get("confirmed"))
	assert.Contains(t, res.Warning, "could not be read back")
}

func TestAirplaneModeRequiresEnabled(t *testing.T) {
	dev := fakeadb.New()
	res := airplaneModeModule().Run(context.Background(), Env{Runner: dev}, "emu-1", Params{})
	assert.True(t, res.IsInputError())
	assert.Empty(t, dev.Calls())
}

func TestRadioToggleUsesSvc(t *testing.T) {
	state := "0"
	dev := fakeadb.New().
		On("shell settings get global mobile_data", func(string, []string) tools.CommandResult {
			return fakeadb.Ok(state)
		}).
		On("shell svc data enable", func(string, []string) tools.CommandResult {
			state = "1"
			return fakeadb.Ok("")
		})
	env := Env{Runner: dev, Clock: clock.NewVirtual(time.Unix(0, 0))}

	res := mobileDataModule().Run(context.Background(), env, "emu-1", Params{"enabled": true})
	require.True(t, res.Success)
	assert.Equal(t, true, res.Get("confirmed"))
	assert.Equal(t, 1, dev.Count("shell svc data enable"))
}
