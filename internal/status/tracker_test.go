package status

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/droidctl/internal/clock"
	"github.com/danmuck/droidctl/internal/modules"
	"github.com/danmuck/droidctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(module string) modules.Result {
	r := modules.NewResult(module)
	r.Success = true
	return r
}

func TestTrackerLifecycle(t *testing.T) {
	testlog.Start(t)
	clk := clock.NewVirtual(time.Unix(100, 0))
	tr := NewTracker(clk, 0)

	e := tr.Start("ping", []string{"a", "b"}, nil)
	assert.Equal(t, StateRunning, e.State)
	assert.Equal(t, []string{"a", "b"}, e.Pending())

	require.NoError(t, tr.Record(e.ID, "a", ok("ping")))
	clk.Advance(time.Second)
	require.NoError(t, tr.Record(e.ID, "b", ok("ping")))
	done, err := tr.Complete(e.ID, "2/2 devices succeeded", true)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, done.State)
	assert.True(t, done.Success)
	assert.Len(t, done.Results, 2)
	assert.Empty(t, done.Pending())

	err = tr.Record(e.ID, "a", ok("ping"))
	assert.True(t, errors.Is(err, ErrTerminal))
	assert.True(t, errors.Is(tr.Cancel(e.ID), ErrTerminal))
	_, err = tr.Complete(e.ID, "again", true)
	assert.True(t, errors.Is(err, ErrTerminal))

	latest, found := tr.Latest("ping")
	require.True(t, found)
	assert.Equal(t, e.ID, latest.ID)
}

func TestTrackerCancelInvokesCancelFuncAndStaysCancelled(t *testing.T) {
	tr := NewTracker(nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	e := tr.Start("call_test", []string{"a", "b"}, cancel)

	require.NoError(t, tr.Record(e.ID, "a", ok("call_test")))
	require.NoError(t, tr.Cancel(e.ID))
	assert.Error(t, ctx.Err())

	// Late worker results are still recorded.
	require.NoError(t, tr.Record(e.ID, "b", modules.Cancelled("call_test")))
	done, err := tr.Complete(e.ID, "1/2 devices succeeded", false)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, done.State)
	assert.False(t, done.Success)
	assert.Len(t, done.Results, 2)
	assert.True(t, done.Results[0].Result.Success, "finished results are untouched")
	assert.False(t, done.FinishedAt.IsZero())
}

func TestTrackerUnknownID(t *testing.T) {
	tr := NewTracker(nil, 0)
	assert.True(t, errors.Is(tr.Cancel("nope"), ErrNotFound))
	assert.True(t, errors.Is(tr.Record("nope", "a", ok("x")), ErrNotFound))
	_, found := tr.Get("nope")
	assert.False(t, found)
	_, found = tr.Latest("x")
	assert.False(t, found)
}

func TestTrackerNotifiesSubscribers(t *testing.T) {
	tr := NewTracker(nil, 0)
	var mu sync.Mutex
	var states []State
	unsubscribe := tr.Subscribe(func(e Entry) {
		mu.Lock()
		states = append(states, e.State)
		mu.Unlock()
	})
	tr.Subscribe(func(Entry) { panic("bad listener") })

	e := tr.Start("wifi", []string{"a"}, nil)
	require.NoError(t, tr.Record(e.ID, "a", ok("wifi")))
	_, err := tr.Complete(e.ID, "1/1 devices succeeded", true)
	require.NoError(t, err)

	unsubscribe()
	tr.Start("wifi", []string{"a"}, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateRunning, StateRunning, StateCompleted}, states)
}

func TestTrackerSnapshotsAreIsolated(t *testing.T) {
	tr := NewTracker(nil, 0)
	e := tr.Start("ping", []string{"a"}, nil)
	res := ok("ping")
	res.Set("packets_received", 5)
	require.NoError(t, tr.Record(e.ID, "a", res))

	got, _ := tr.Get(e.ID)
	got.Results[0].Result.Set("packets_received", 0)
	got.DeviceIDs[0] = "zzz"

	again, _ := tr.Get(e.ID)
	assert.Equal(t, 5, again.Results[0].Result.Get("packets_received"))
	assert.Equal(t, "a", again.DeviceIDs[0])
}

func TestTrackerEvictsOldestTerminal(t *testing.T) {
	clk := clock.NewVirtual(time.Unix(0, 0))
	tr := NewTracker(clk, 2)
	first := tr.Start("ping", []string{"a"}, nil)
	_, err := tr.Complete(first.ID, "done", true)
	require.NoError(t, err)
	clk.Advance(time.Second)
	running := tr.Start("ping", []string{"a"}, nil)
	clk.Advance(time.Second)
	third := tr.Start("battery", []string{"a"}, nil)

	_, found := tr.Get(first.ID)
	assert.False(t, found)
	_, found = tr.Get(running.ID)
	assert.True(t, found, "running entries are never evicted")

	list := tr.List()
	require.Len(t, list, 2)
	assert.Equal(t, third.ID, list[0].ID)
}
