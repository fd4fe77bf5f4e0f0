package uiauto

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/danmuck/droidctl/internal/clock"
	"github.com/danmuck/droidctl/internal/tools"
	"github.com/rs/zerolog/log"
)

var (
	ErrDumpFailed = errors.New("uiauto: hierarchy dump failed")
	ErrNotFound   = errors.New("uiauto: widget not found")
	ErrTapFailed  = errors.New("uiauto: tap failed")
)

// Automator is the UI seam used by modules that have no direct protocol call.
type Automator interface {
	Snapshot(ctx context.Context) (*Tree, error)
	TapText(ctx context.Context, text string) (Target, error)
	TapResourceID(ctx context.Context, id string) (Target, error)
	TapSelectedEntry(ctx context.Context) (Target, error)
}

// Factory builds an Automator scoped to one device.
type Factory func(deviceID string) Automator

const (
	DefaultDumpPath   = "/sdcard/window_dump.xml"
	DefaultRetries    = 3
	DefaultRetryDelay = 500 * time.Millisecond
	commandTimeout    = 20 * time.Second
)

// ADBAutomator drives uiautomator and input over the command runner.
type ADBAutomator struct {
	Runner     tools.Runner
	DeviceID   string
	Clock      clock.Clock
	DumpPath   string
	Retries    int
	RetryDelay time.Duration
}

// NewFactory returns a Factory producing ADBAutomators with default tuning.
func NewFactory(runner tools.Runner, clk clock.Clock) Factory {
	return func(deviceID string) Automator {
		return &ADBAutomator{Runner: runner, DeviceID: deviceID, Clock: clk}
	}
}

func (a *ADBAutomator) retries() int {
	if a.Retries <= 0 {
		return DefaultRetries
	}
	return a.Retries
}

func (a *ADBAutomator) delay() time.Duration {
	if a.RetryDelay <= 0 {
		return DefaultRetryDelay
	}
	return a.RetryDelay
}

func (a *ADBAutomator) clk() clock.Clock {
	if a.Clock == nil {
		return clock.Real{}
	}
	return a.Clock
}

// Snapshot dumps and parses the current hierarchy, retrying transient failures.
func (a *ADBAutomator) Snapshot(ctx context.Context) (*Tree, error) {
	path := a.DumpPath
	if path == "" {
		path = DefaultDumpPath
	}
	var lastErr error
	for attempt := 1; attempt <= a.retries(); attempt++ {
		if attempt > 1 {
			if err := a.clk().Sleep(ctx, a.delay()); err != nil {
				return nil, err
			}
		}
		dump := tools.Shell(ctx, a.Runner, a.DeviceID, commandTimeout, "uiautomator", "dump", path)
		if !dump.Success {
			lastErr = fmt.Errorf("%w: %s", ErrDumpFailed, dump.Error)
			continue
		}
		cat := tools.Shell(ctx, a.Runner, a.DeviceID, commandTimeout, "cat", path)
		if !cat.Success {
			lastErr = fmt.Errorf("%w: %s", ErrDumpFailed, cat.Error)
			continue
		}
		tree, err := Parse([]byte(cat.Stdout))
		if err != nil {
			lastErr = err
			continue
		}
		return tree, nil
	}
	log.Debug().Str("device", a.DeviceID).Err(lastErr).Msg("uiauto.ADBAutomator.Snapshot exhausted")
	return nil, lastErr
}

// TapText re-snapshots and retries when the label is not on screen yet.
func (a *ADBAutomator) TapText(ctx context.Context, text string) (Target, error) {
	return a.tapFound(ctx, func(t *Tree) (*Node, bool) { return t.FindText(text) }, "text "+strconv.Quote(text))
}

func (a *ADBAutomator) TapResourceID(ctx context.Context, id string) (Target, error) {
	return a.tapFound(ctx, func(t *Tree) (*Node, bool) { return t.FindResourceID(id) }, "resource-id "+strconv.Quote(id))
}

// TapSelectedEntry taps the row owning the checked/selected control.
func (a *ADBAutomator) TapSelectedEntry(ctx context.Context) (Target, error) {
	tree, err := a.Snapshot(ctx)
	if err != nil {
		return Target{}, err
	}
	target, err := tree.ResolveSelected()
	if err != nil {
		return Target{}, err
	}
	if err := a.tap(ctx, target.X, target.Y); err != nil {
		return Target{}, err
	}
	return target, nil
}

func (a *ADBAutomator) tapFound(ctx context.Context, find func(*Tree) (*Node, bool), what string) (Target, error) {
	var lastErr error
	for attempt := 1; attempt <= a.retries(); attempt++ {
		if attempt > 1 {
			if err := a.clk().Sleep(ctx, a.delay()); err != nil {
				return Target{}, err
			}
		}
		tree, err := a.Snapshot(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		node, ok := find(tree)
		if !ok || node.Bounds.Empty() {
			lastErr = fmt.Errorf("%w: %s", ErrNotFound, what)
			continue
		}
		target := Target{X: node.Bounds.CenterX(), Y: node.Bounds.CenterY(), Confidence: ConfidenceExact, Node: node}
		if err := a.tap(ctx, target.X, target.Y); err != nil {
			return Target{}, err
		}
		return target, nil
	}
	return Target{}, lastErr
}

func (a *ADBAutomator) tap(ctx context.Context, x, y int) error {
	res := tools.Shell(ctx, a.Runner, a.DeviceID, commandTimeout, "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	if !res.Success {
		return fmt.Errorf("%w: %s", ErrTapFailed, res.Error)
	}
	return nil
}
