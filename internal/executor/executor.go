// Package executor fans one module out across devices and joins the results.
//
// Ownership boundary:
// - one worker goroutine per device, bounded by Config.Workers
//
// - join with a wait deadline, tracker bookkeeping, retry hand-off
//
// - worker-boundary fault capture (panics become failed results)
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/droidctl/internal/modules"
	"github.com/danmuck/droidctl/internal/observability"
	"github.com/danmuck/droidctl/internal/status"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidInput = errors.New("executor: invalid input")
)

const (
	DefaultWorkers     = 16
	DefaultWaitTimeout = 30 * time.Minute

	timedOutWaiting = "timed out waiting for worker"
)

// Config bounds fan-out behavior.
type Config struct {
	Workers     int
	WaitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	return c
}

// Request is one multi-device module run.
type Request struct {
	ModuleID       string
	DeviceIDs      []string
	Params         modules.Params
	ParamsByDevice map[string]modules.Params
	// DisableRetry keeps failed devices out of the retry queue.
	DisableRetry bool
}

// Report is the joined outcome of a Request.
type Report struct {
	StatusID string                    `json:"status_id"`
	Success  bool                      `json:"success"`
	State    status.State              `json:"state"`
	Summary  string                    `json:"summary"`
	Results  map[string]modules.Result `json:"results"`
}

// FailedDevices lists devices whose result was not successful, in request order.
func (r Report) FailedDevices(order []string) []string {
	var out []string
	for _, id := range order {
		if res, ok := r.Results[id]; ok && !res.Success {
			out = append(out, id)
		}
	}
	return out
}

// RetryRequest hands failed devices of one run to the retry queue.
type RetryRequest struct {
	ModuleID       string
	DeviceIDs      []string
	Params         modules.Params
	ParamsByDevice map[string]modules.Params
	StatusID       string
	LastError      string
}

// Retrier accepts failed runs for later re-dispatch.
type Retrier interface {
	Enqueue(ctx context.Context, req RetryRequest) error
}

// Executor runs registry modules against devices.
type Executor struct {
	cfg      Config
	registry *modules.Registry
	env      modules.Env
	tracker  *status.Tracker
	retrier  Retrier
}

func New(cfg Config, registry *modules.Registry, env modules.Env, tracker *status.Tracker) *Executor {
	if tracker == nil {
		tracker = status.NewTracker(env.Clock, 0)
	}
	return &Executor{
		cfg:      cfg.withDefaults(),
		registry: registry,
		env:      env,
		tracker:  tracker,
	}
}

// SetRetrier installs the retry hand-off. nil disables it.
func (e *Executor) SetRetrier(r Retrier) {
	e.retrier = r
}

func (e *Executor) Tracker() *status.Tracker {
	return e.tracker
}

type outcome struct {
	deviceID string
	result   modules.Result
}

// Execute runs req.ModuleID on every device and blocks until all workers
// report or the wait deadline passes. Only an unknown module or an empty
// device list is returned as an error; everything else is in the Report.
func (e *Executor) Execute(ctx context.Context, req Request) (Report, error) {
	mod, ok := e.registry.Resolve(req.ModuleID)
	if !ok {
		return Report{}, fmt.Errorf("%w: unknown module %q", ErrInvalidInput, req.ModuleID)
	}
	moduleID := mod.Metadata().ID
	devices := normalizeDevices(req.DeviceIDs)
	if len(devices) == 0 {
		return Report{}, fmt.Errorf("%w: at least one device is required", ErrInvalidInput)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	entry := e.tracker.Start(moduleID, devices, cancel)
	log.Info().Str("status_id", entry.ID).Str("module", moduleID).Strs("devices", devices).Msg("executor.Executor.Execute dispatch")

	results := make(chan outcome, len(devices))
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	go func() {
		for _, id := range devices {
			deviceID := id
			params := modules.Merge(req.Params, req.ParamsByDevice[deviceID])
			g.Go(func() error {
				results <- outcome{deviceID: deviceID, result: e.runDevice(runCtx, mod, deviceID, params)}
				return nil
			})
		}
		_ = g.Wait()
	}()

	report := Report{StatusID: entry.ID, Results: make(map[string]modules.Result, len(devices))}
	deadline := time.NewTimer(e.cfg.WaitTimeout)
	defer deadline.Stop()

collect:
	for len(report.Results) < len(devices) {
		select {
		case out := <-results:
			e.record(entry.ID, out.deviceID, out.result)
			report.Results[out.deviceID] = out.result
		case <-deadline.C:
			log.Warn().Str("status_id", entry.ID).Int("reported", len(report.Results)).Int("devices", len(devices)).Msg("executor.Executor.Execute wait deadline")
			break collect
		}
	}
	for _, id := range devices {
		if _, done := report.Results[id]; done {
			continue
		}
		res := modules.Failure(moduleID, timedOutWaiting)
		e.record(entry.ID, id, res)
		report.Results[id] = res
	}
	// Late workers stop at their next poll point.
	cancel()

	succeeded := 0
	for _, res := range report.Results {
		if res.Success {
			succeeded++
		}
	}
	report.Summary = fmt.Sprintf("%d/%d devices succeeded", succeeded, len(devices))
	final, err := e.tracker.Complete(entry.ID, report.Summary, succeeded == len(devices))
	if err != nil {
		log.Error().Err(err).Str("status_id", entry.ID).Msg("executor.Executor.Execute complete")
		final, _ = e.tracker.Get(entry.ID)
	}
	report.State = final.State
	report.Success = final.State == status.StateCompleted && succeeded == len(devices)
	observability.RecordFanout(moduleID, string(report.State))

	if !req.DisableRetry && report.State == status.StateCompleted {
		e.enqueueRetry(ctx, req, moduleID, devices, report)
	}
	return report, nil
}

func (e *Executor) record(statusID, deviceID string, res modules.Result) {
	if err := e.tracker.Record(statusID, deviceID, res); err != nil {
		log.Error().Err(err).Str("status_id", statusID).Str("device", deviceID).Msg("executor.Executor.record")
	}
}

// runDevice is the worker boundary: whatever the module does, one Result
// comes back.
func (e *Executor) runDevice(ctx context.Context, mod modules.Module, deviceID string, params modules.Params) (res modules.Result) {
	moduleID := mod.Metadata().ID
	ctx, span := observability.Tracer().Start(ctx, "executor.device",
		trace.WithAttributes(
			attribute.String("droidctl.module", moduleID),
			attribute.String("droidctl.device", deviceID),
		))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", moduleID).Str("device", deviceID).Interface("panic", r).Msg("executor.Executor.runDevice recovered")
			res = modules.Failure(moduleID, fmt.Sprintf("internal fault: %v", r))
		}
		if res.Module == "" {
			res.Module = moduleID
		}
		if !res.Success {
			span.SetStatus(codes.Error, res.Error)
		}
		span.SetAttributes(attribute.Bool("droidctl.success", res.Success))
		span.End()
		observability.RecordModuleRun(moduleID, res.Success, time.Since(start))
		log.Debug().Str("module", moduleID).Str("device", deviceID).Bool("success", res.Success).Str("error", res.Error).Dur("elapsed", time.Since(start)).Msg("executor.Executor.runDevice done")
	}()

	if ctx.Err() != nil {
		return modules.Cancelled(moduleID)
	}
	return mod.Run(ctx, e.env, deviceID, params)
}

func (e *Executor) enqueueRetry(ctx context.Context, req Request, moduleID string, devices []string, report Report) {
	if e.retrier == nil {
		return
	}
	var failed []string
	var lastErr string
	for _, id := range devices {
		res := report.Results[id]
		if res.Success || res.IsInputError() || res.IsCancelled() {
			continue
		}
		failed = append(failed, id)
		if res.Error != "" {
			lastErr = res.Error
		}
	}
	if len(failed) == 0 {
		return
	}
	byDevice := make(map[string]modules.Params, len(failed))
	for _, id := range failed {
		if p, ok := req.ParamsByDevice[id]; ok {
			byDevice[id] = p
		}
	}
	err := e.retrier.Enqueue(context.WithoutCancel(ctx), RetryRequest{
		ModuleID:       moduleID,
		DeviceIDs:      failed,
		Params:         req.Params,
		ParamsByDevice: byDevice,
		StatusID:       report.StatusID,
		LastError:      lastErr,
	})
	if err != nil {
		log.Error().Err(err).Str("status_id", report.StatusID).Msg("executor.Executor.enqueueRetry")
	}
}

func normalizeDevices(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
