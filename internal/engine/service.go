// Package engine wires the runner, module library, executor, retry queue and
// scheduler into one service object.
//
// Ownership boundary:
// - component construction from config.Config
//
// - background loops (retry, schedule) and the ops listener
//
// - the collaborator API used by the CLI and embedding programs
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/droidctl/internal/clock"
	"github.com/danmuck/droidctl/internal/config"
	"github.com/danmuck/droidctl/internal/executor"
	"github.com/danmuck/droidctl/internal/modules"
	"github.com/danmuck/droidctl/internal/retry"
	"github.com/danmuck/droidctl/internal/schedule"
	"github.com/danmuck/droidctl/internal/status"
	"github.com/danmuck/droidctl/internal/store"
	"github.com/danmuck/droidctl/internal/tools"
	"github.com/danmuck/droidctl/internal/uiauto"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var (
	ErrAlreadyStarted = errors.New("engine: already started")
	ErrRetryDisabled  = errors.New("engine: retry queue disabled")
)

// Options overrides collaborators built from config. Zero values use config.
type Options struct {
	Runner tools.Runner
	Clock  clock.Clock
	Store  store.Store
	UI     uiauto.Factory
}

// Service is the engine facade.
type Service struct {
	cfg       config.Config
	clock     clock.Clock
	runner    tools.Runner
	registry  *modules.Registry
	tracker   *status.Tracker
	executor  *executor.Executor
	retry     *retry.Queue
	scheduler *schedule.Scheduler
	store     store.Store
	workflows schedule.StaticSource
	startedAt time.Time

	mu       sync.Mutex
	started  bool
	restored bool
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	ops      *http.Server
	opsAddr  string
}

// New builds every component. Nothing runs until Start.
func New(ctx context.Context, cfg config.Config, opts Options) (*Service, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	runner := opts.Runner
	if runner == nil {
		runner = newRunner(cfg.ADB)
	}
	registry, err := modules.NewBuiltinRegistry(cfg.Modules.Enabled...)
	if err != nil {
		return nil, fmt.Errorf("engine: module registry: %w", err)
	}
	workflows := schedule.NewStaticSource(config.Workflows(cfg.Workflows)...)
	for _, id := range workflows.IDs() {
		wf, _ := workflows.Workflow(id)
		if err := wf.Validate(registry); err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}
	st := opts.Store
	if st == nil {
		st, err = store.Open(ctx, config.Store(cfg.Store))
		if err != nil {
			return nil, fmt.Errorf("engine: open store: %w", err)
		}
	}
	ui := opts.UI
	if ui == nil {
		ui = uiauto.NewFactory(runner, clk)
	}

	s := &Service{
		cfg:       cfg,
		clock:     clk,
		runner:    runner,
		registry:  registry,
		store:     st,
		workflows: workflows,
		tracker:   status.NewTracker(clk, cfg.Executor.StatusRetention),
	}
	env := modules.Env{Runner: runner, Clock: clk, UI: ui, Timeout: cfg.ADB.CommandTimeout.Duration}
	s.executor = executor.New(executor.Config{
		Workers:     cfg.Executor.Workers,
		WaitTimeout: cfg.Executor.WaitTimeout.Duration,
	}, registry, env, s.tracker)
	if cfg.Retry.Enabled {
		s.retry = retry.NewQueue(config.RetryPolicy(cfg.Retry), st, clk, retry.DispatchFunc(s.dispatchRetry))
		s.executor.SetRetrier(s.retry)
	}
	s.scheduler = schedule.New(st, clk, workflows, schedule.StepRunnerFunc(s.runStep), cfg.Schedule.Interval.Duration)
	return s, nil
}

func newRunner(cfg config.ADBConfig) tools.Runner {
	r := &tools.ADBRunner{
		Executable: tools.ResolveExecutable(cfg.Executable),
		Process:    config.Process(cfg.SSH),
	}
	if cfg.SSH.Enabled && strings.TrimSpace(cfg.Executable) == "" {
		// The local lookup says nothing about the remote host.
		r.Executable = "adb"
	}
	if cfg.SpawnRate > 0 {
		burst := cfg.SpawnBurst
		if burst <= 0 {
			burst = 1
		}
		r.Limiter = rate.NewLimiter(rate.Limit(cfg.SpawnRate), burst)
	}
	return r
}

// Start restores persisted queues and launches the background loops and the
// ops listener. Loops stop when ctx ends or Close is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.startedAt = s.clock.Now()
	if err := s.restoreLocked(ctx); err != nil {
		return err
	}
	if addr := strings.TrimSpace(s.cfg.Ops.Addr); addr != "" {
		if err := s.startOpsLocked(addr); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if s.retry != nil {
		s.loops.Add(1)
		go func() {
			defer s.loops.Done()
			s.retry.Run(loopCtx)
		}()
	}
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		s.scheduler.Run(loopCtx)
	}()
	s.started = true
	log.Info().Str("name", s.cfg.Name).Int("modules", len(s.registry.ListMetadata())).Int("workflows", len(s.workflows)).Str("ops", s.opsAddr).Msg("engine.Service.Start")
	return nil
}

// Restore loads the persisted retry queue and schedule entries. One-shot
// commands call it before enqueueing so persisted state is not overwritten.
// Start calls it too; repeated calls are no-ops.
func (s *Service) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restoreLocked(ctx)
}

func (s *Service) restoreLocked(ctx context.Context) error {
	if s.restored {
		return nil
	}
	if s.retry != nil {
		if err := s.retry.Load(ctx); err != nil {
			return err
		}
	}
	if err := s.scheduler.Load(ctx); err != nil {
		return err
	}
	s.restored = true
	return nil
}

func (s *Service) startOpsLocked(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("engine: ops listen %s: %w", addr, err)
	}
	s.ops = &http.Server{Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	s.opsAddr = ln.Addr().String()
	go func() {
		if err := s.ops.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("engine.Service ops serve")
		}
	}()
	log.Info().Str("addr", s.opsAddr).Msg("engine.Service ops listening")
	return nil
}

// OpsAddr is the bound ops listener address, empty when disabled.
func (s *Service) OpsAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opsAddr
}

// Close stops loops, the ops listener and the store.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	ops := s.ops
	s.cancel = nil
	s.ops = nil
	s.started = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.loops.Wait()
	var errs []error
	if ops != nil {
		if err := ops.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("engine: ops shutdown: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("engine: store close: %w", err))
	}
	log.Info().Str("name", s.cfg.Name).Msg("engine.Service.Close")
	return errors.Join(errs...)
}

// Execute fans moduleID out over deviceIDs and waits for the report.
func (s *Service) Execute(ctx context.Context, moduleID string, deviceIDs []string, params modules.Params, paramsByDevice map[string]modules.Params) (executor.Report, error) {
	return s.executor.Execute(ctx, executor.Request{
		ModuleID:       moduleID,
		DeviceIDs:      deviceIDs,
		Params:         params,
		ParamsByDevice: paramsByDevice,
	})
}

// ExecuteOnce is Execute without enqueueing failed devices for retry.
func (s *Service) ExecuteOnce(ctx context.Context, moduleID string, deviceIDs []string, params modules.Params, paramsByDevice map[string]modules.Params) (executor.Report, error) {
	return s.executor.Execute(ctx, executor.Request{
		ModuleID:       moduleID,
		DeviceIDs:      deviceIDs,
		Params:         params,
		ParamsByDevice: paramsByDevice,
		DisableRetry:   true,
	})
}

func (s *Service) GetStatus(id string) (status.Entry, bool) {
	return s.tracker.Get(id)
}

func (s *Service) GetLatestStatus(moduleID string) (status.Entry, bool) {
	return s.tracker.Latest(moduleID)
}

func (s *Service) ListStatus() []status.Entry {
	return s.tracker.List()
}

// Cancel requests cancellation of a running fan-out.
func (s *Service) Cancel(id string) error {
	return s.tracker.Cancel(id)
}

// Subscribe registers fn for every status change; the returned func removes it.
func (s *Service) Subscribe(fn func(status.Entry)) func() {
	return s.tracker.Subscribe(fn)
}

func (s *Service) ScheduleWorkflow(ctx context.Context, workflowID string, deviceIDs []string, runAt time.Time) ([]schedule.Entry, error) {
	return s.scheduler.Schedule(ctx, workflowID, deviceIDs, runAt)
}

func (s *Service) ListSchedules() []schedule.Entry {
	return s.scheduler.List()
}

func (s *Service) CancelSchedule(ctx context.Context, id string) error {
	return s.scheduler.Cancel(ctx, id)
}

// ProcessDue runs due retry and schedule entries once, outside the tickers.
func (s *Service) ProcessDue(ctx context.Context) (retried, scheduled int) {
	if s.retry != nil {
		retried = s.retry.ProcessDue(ctx)
	}
	return retried, s.scheduler.ProcessDue(ctx)
}

func (s *Service) RetryEntries() ([]retry.Entry, error) {
	if s.retry == nil {
		return nil, ErrRetryDisabled
	}
	return s.retry.Entries(), nil
}

func (s *Service) AbandonedRetries() ([]retry.Entry, error) {
	if s.retry == nil {
		return nil, ErrRetryDisabled
	}
	return s.retry.Abandoned(), nil
}

func (s *Service) Modules() []modules.Metadata {
	return s.registry.ListMetadata()
}

func (s *Service) Workflows() []schedule.Workflow {
	out := make([]schedule.Workflow, 0, len(s.workflows))
	for _, id := range s.workflows.IDs() {
		wf, _ := s.workflows.Workflow(id)
		out = append(out, wf)
	}
	return out
}

// Devices lists attached devices as reported by adb.
func (s *Service) Devices(ctx context.Context) ([]tools.DeviceInfo, error) {
	return tools.ListDevices(ctx, s.runner)
}

func (s *Service) dispatchRetry(ctx context.Context, e retry.Entry) retry.Outcome {
	log.Info().Str("retry_id", e.ID).Str("module", e.ModuleID).Strs("devices", e.DeviceIDs).Int("attempt", e.Attempts+1).Msg("engine.Service.dispatchRetry")
	report, err := s.executor.Execute(ctx, executor.Request{
		ModuleID:       e.ModuleID,
		DeviceIDs:      e.DeviceIDs,
		Params:         e.Params,
		ParamsByDevice: e.ParamsByDevice,
		DisableRetry:   true,
	})
	if err != nil {
		return retry.Outcome{Error: err.Error(), FailedDevices: e.DeviceIDs}
	}
	out := retry.Outcome{Success: report.Success, FailedDevices: report.FailedDevices(e.DeviceIDs)}
	for _, id := range out.FailedDevices {
		if msg := report.Results[id].Error; msg != "" {
			out.Error = msg
			break
		}
	}
	if !out.Success && out.Error == "" {
		out.Error = report.Summary
	}
	return out
}

func (s *Service) runStep(ctx context.Context, moduleID, deviceID string, params modules.Params) (modules.Result, error) {
	report, err := s.executor.Execute(ctx, executor.Request{
		ModuleID:     moduleID,
		DeviceIDs:    []string{deviceID},
		Params:       params,
		DisableRetry: true,
	})
	if err != nil {
		return modules.Result{}, err
	}
	res, ok := report.Results[strings.TrimSpace(deviceID)]
	if !ok {
		return modules.Failure(moduleID, "no result reported"), nil
	}
	return res, nil
}
