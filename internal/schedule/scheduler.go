// Package schedule runs workflows against devices at a future time. Entries
// are persisted after every change and kept as history once finished.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/droidctl/internal/clock"
	"github.com/danmuck/droidctl/internal/observability"
	"github.com/danmuck/droidctl/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidInput    = errors.New("schedule: invalid input")
	ErrPastRunAt       = errors.New("schedule: run time is not in the future")
	ErrUnknownWorkflow = errors.New("schedule: unknown workflow")
	ErrNotFound        = errors.New("schedule: entry not found")
	ErrNotCancellable  = errors.New("schedule: entry is not cancellable")
)

// State is the lifecycle of one scheduled run.
type State string

const (
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"

	DefaultInterval = 5 * time.Second

	interruptedSummary = "interrupted by restart"
)

// Entry is one workflow run for one device.
type Entry struct {
	ID         string        `yaml:"id" json:"id"`
	WorkflowID string        `yaml:"workflow_id" json:"workflow_id"`
	DeviceID   string        `yaml:"device_id" json:"device_id"`
	RunAt      time.Time     `yaml:"run_at" json:"run_at"`
	State      State         `yaml:"state" json:"state"`
	Summary    string        `yaml:"summary,omitempty" json:"summary,omitempty"`
	Steps      []StepOutcome `yaml:"steps,omitempty" json:"steps,omitempty"`
	CreatedAt  time.Time     `yaml:"created_at" json:"created_at"`
	StartedAt  *time.Time    `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	FinishedAt *time.Time    `yaml:"finished_at,omitempty" json:"finished_at,omitempty"`
}

// Scheduler owns scheduled entries and the dispatch loop.
type Scheduler struct {
	mu         sync.Mutex
	processing sync.Mutex
	store      store.Store
	clock      clock.Clock
	source     WorkflowSource
	runner     StepRunner
	interval   time.Duration
	entries    []Entry
}

func New(st store.Store, clk clock.Clock, source WorkflowSource, runner StepRunner, interval time.Duration) *Scheduler {
	if st == nil {
		st = store.NewMemoryStore()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if source == nil {
		source = StaticSource{}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{store: st, clock: clk, source: source, runner: runner, interval: interval}
}

// Load restores persisted entries. Entries left running by a previous
// process are marked failed.
func (s *Scheduler) Load(ctx context.Context) error {
	var entries []Entry
	if _, err := s.store.Load(ctx, store.CollectionSchedules, &entries); err != nil {
		return fmt.Errorf("schedule: load: %w", err)
	}
	now := s.clock.Now()
	interrupted := 0
	for i := range entries {
		if entries[i].State == StateRunning {
			entries[i].State = StateFailed
			entries[i].Summary = interruptedSummary
			entries[i].FinishedAt = &now
			interrupted++
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
	log.Info().Int("entries", len(entries)).Int("interrupted", interrupted).Msg("schedule.Scheduler.Load")
	if interrupted > 0 {
		return s.persistLocked(ctx)
	}
	return nil
}

// Schedule creates one entry per device. Nothing is persisted when the
// request is rejected.
func (s *Scheduler) Schedule(ctx context.Context, workflowID string, deviceIDs []string, runAt time.Time) ([]Entry, error) {
	workflowID = strings.TrimSpace(workflowID)
	now := s.clock.Now()
	if !runAt.After(now) {
		return nil, fmt.Errorf("%w: %s", ErrPastRunAt, runAt.Format(time.RFC3339))
	}
	if _, ok := s.source.Workflow(workflowID); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, workflowID)
	}
	var devices []string
	seen := make(map[string]bool, len(deviceIDs))
	for _, raw := range deviceIDs {
		id := strings.TrimSpace(raw)
		if id != "" && !seen[id] {
			seen[id] = true
			devices = append(devices, id)
		}
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: at least one device is required", ErrInvalidInput)
	}

	created := make([]Entry, 0, len(devices))
	for _, dev := range devices {
		created = append(created, Entry{
			ID:         uuid.NewString(),
			WorkflowID: workflowID,
			DeviceID:   dev,
			RunAt:      runAt,
			State:      StateScheduled,
			CreatedAt:  now,
		})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, created...)
	if err := s.persistLocked(ctx); err != nil {
		s.entries = s.entries[:len(s.entries)-len(created)]
		return nil, err
	}
	log.Info().Str("workflow", workflowID).Strs("devices", devices).Time("run_at", runAt).Msg("schedule.Scheduler.Schedule")
	return cloneEntries(created), nil
}

// List returns every entry ordered by run time.
func (s *Scheduler) List() []Entry {
	s.mu.Lock()
	out := cloneEntries(s.entries)
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RunAt.Before(out[j].RunAt)
	})
	return out
}

func (s *Scheduler) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return cloneEntry(s.entries[i]), true
	}
	return Entry{}, false
}

// Cancel stops a scheduled entry before it runs.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(strings.TrimSpace(id))
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e := &s.entries[i]
	if e.State != StateScheduled {
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, e.State)
	}
	now := s.clock.Now()
	e.State = StateCancelled
	e.FinishedAt = &now
	log.Info().Str("schedule_id", id).Str("workflow", e.WorkflowID).Msg("schedule.Scheduler.Cancel")
	return s.persistLocked(ctx)
}

// ProcessDue runs due entries one at a time and returns how many ran.
func (s *Scheduler) ProcessDue(ctx context.Context) int {
	s.processing.Lock()
	defer s.processing.Unlock()
	ran := 0
	for ctx.Err() == nil {
		e, ok := s.claimDue(ctx)
		if !ok {
			break
		}
		s.execute(ctx, e)
		ran++
	}
	return ran
}

// Run processes due entries on every tick until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	log.Debug().Dur("interval", s.interval).Msg("schedule.Scheduler.Run start")
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("schedule.Scheduler.Run stop")
			return
		case <-ticker.C:
			s.ProcessDue(ctx)
		}
	}
}

func (s *Scheduler) claimDue(ctx context.Context) (Entry, bool) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	best := -1
	for i, e := range s.entries {
		if e.State != StateScheduled || e.RunAt.After(now) {
			continue
		}
		if best < 0 || e.RunAt.Before(s.entries[best].RunAt) {
			best = i
		}
	}
	if best < 0 {
		return Entry{}, false
	}
	e := &s.entries[best]
	e.State = StateRunning
	e.StartedAt = &now
	if err := s.persistLocked(ctx); err != nil {
		log.Error().Err(err).Str("schedule_id", e.ID).Msg("schedule.Scheduler.claimDue persist")
	}
	return cloneEntry(*e), true
}

func (s *Scheduler) execute(ctx context.Context, e Entry) {
	log.Info().Str("schedule_id", e.ID).Str("workflow", e.WorkflowID).Str("device", e.DeviceID).Msg("schedule.Scheduler.execute start")
	var (
		steps   []StepOutcome
		ok      bool
		summary string
	)
	wf, found := s.source.Workflow(e.WorkflowID)
	switch {
	case !found:
		summary = fmt.Sprintf("unknown workflow %q", e.WorkflowID)
	case s.runner == nil:
		summary = "no step runner configured"
	default:
		steps, ok, summary = runWorkflow(ctx, s.runner, wf, e.DeviceID)
	}

	state := StateCompleted
	if !ok {
		state = StateFailed
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(e.ID)
	if i < 0 {
		return
	}
	cur := &s.entries[i]
	cur.State = state
	cur.Summary = summary
	cur.Steps = steps
	cur.FinishedAt = &now
	observability.RecordScheduleRun(string(state))
	ev := log.Info()
	if state == StateFailed {
		ev = log.Warn()
	}
	ev.Str("schedule_id", e.ID).Str("workflow", e.WorkflowID).Str("device", e.DeviceID).Str("state", string(state)).Str("summary", summary).Msg("schedule.Scheduler.execute done")
	if err := s.persistLocked(context.WithoutCancel(ctx)); err != nil {
		log.Error().Err(err).Str("schedule_id", e.ID).Msg("schedule.Scheduler.execute persist")
	}
}

func (s *Scheduler) indexLocked(id string) int {
	for i := range s.entries {
		if s.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Scheduler) persistLocked(ctx context.Context) error {
	if err := s.store.Save(ctx, store.CollectionSchedules, s.entries); err != nil {
		return fmt.Errorf("schedule: persist: %w", err)
	}
	return nil
}

func cloneEntry(e Entry) Entry {
	out := e
	out.Steps = append([]StepOutcome(nil), e.Steps...)
	if e.StartedAt != nil {
		t := *e.StartedAt
		out.StartedAt = &t
	}
	if e.FinishedAt != nil {
		t := *e.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

func cloneEntries(in []Entry) []Entry {
	out := make([]Entry, len(in))
	for i, e := range in {
		out[i] = cloneEntry(e)
	}
	return out
}
