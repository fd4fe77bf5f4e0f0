// Package retry re-dispatches failed device runs with exponential backoff.
// The queue is persisted after every change and survives restarts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/droidctl/internal/clock"
	"github.com/danmuck/droidctl/internal/executor"
	"github.com/danmuck/droidctl/internal/modules"
	"github.com/danmuck/droidctl/internal/observability"
	"github.com/danmuck/droidctl/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidEntry = errors.New("retry: invalid entry")
)

const (
	OutcomeSucceeded = "succeeded"
	OutcomePartial   = "partial"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)

// Entry is one pending re-dispatch.
type Entry struct {
	ID             string                    `yaml:"id" json:"id"`
	ModuleID       string                    `yaml:"module_id" json:"module_id"`
	DeviceIDs      []string                  `yaml:"device_ids" json:"device_ids"`
	Params         modules.Params            `yaml:"params,omitempty" json:"params,omitempty"`
	ParamsByDevice map[string]modules.Params `yaml:"params_by_device,omitempty" json:"params_by_device,omitempty"`
	StatusID       string                    `yaml:"status_id,omitempty" json:"status_id,omitempty"`
	Attempts       int                       `yaml:"attempts" json:"attempts"`
	NextRetryAt    time.Time                 `yaml:"next_retry_at" json:"next_retry_at"`
	LastError      string                    `yaml:"last_error,omitempty" json:"last_error,omitempty"`
	CreatedAt      time.Time                 `yaml:"created_at" json:"created_at"`
}

// Outcome is the result of one re-dispatch.
type Outcome struct {
	Success       bool
	FailedDevices []string
	Error         string
}

// Dispatcher re-runs an entry, normally through the executor with retry
// enqueueing disabled.
type Dispatcher interface {
	Dispatch(ctx context.Context, e Entry) Outcome
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, e Entry) Outcome

func (f DispatchFunc) Dispatch(ctx context.Context, e Entry) Outcome { return f(ctx, e) }

// Queue owns the pending and abandoned lists.
type Queue struct {
	mu         sync.Mutex
	processing sync.Mutex
	policy     Policy
	store      store.Store
	clock      clock.Clock
	dispatcher Dispatcher
	rng        *rand.Rand
	entries    []Entry
	abandoned  []Entry
	inflight   map[string]bool
}

func NewQueue(policy Policy, st store.Store, clk clock.Clock, dispatcher Dispatcher) *Queue {
	if clk == nil {
		clk = clock.Real{}
	}
	if st == nil {
		st = store.NewMemoryStore()
	}
	return &Queue{
		policy:     policy.withDefaults(),
		store:      st,
		clock:      clk,
		dispatcher: dispatcher,
		rng:        rand.New(rand.NewSource(clk.Now().UnixNano())),
		inflight:   make(map[string]bool),
	}
}

// SetDispatcher installs the re-dispatch target.
func (q *Queue) SetDispatcher(d Dispatcher) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dispatcher = d
}

// Load replaces in-memory state with the persisted lists.
func (q *Queue) Load(ctx context.Context) error {
	var entries, abandoned []Entry
	if _, err := q.store.Load(ctx, store.CollectionRetryQueue, &entries); err != nil {
		return fmt.Errorf("retry: load queue: %w", err)
	}
	if _, err := q.store.Load(ctx, store.CollectionRetryAbandoned, &abandoned); err != nil {
		return fmt.Errorf("retry: load abandoned: %w", err)
	}
	q.mu.Lock()
	q.entries = entries
	q.abandoned = abandoned
	depth := len(q.entries)
	q.mu.Unlock()
	observability.SetRetryQueueDepth(depth)
	log.Info().Int("pending", depth).Int("abandoned", len(abandoned)).Msg("retry.Queue.Load")
	return nil
}

// Enqueue adds failed devices of one run. It satisfies executor.Retrier.
func (q *Queue) Enqueue(ctx context.Context, req executor.RetryRequest) error {
	if strings.TrimSpace(req.ModuleID) == "" || len(req.DeviceIDs) == 0 {
		return fmt.Errorf("%w: module and devices are required", ErrInvalidEntry)
	}
	now := q.clock.Now()
	q.mu.Lock()
	e := Entry{
		ID:             uuid.NewString(),
		ModuleID:       req.ModuleID,
		DeviceIDs:      append([]string(nil), req.DeviceIDs...),
		Params:         req.Params,
		ParamsByDevice: req.ParamsByDevice,
		StatusID:       req.StatusID,
		LastError:      req.LastError,
		CreatedAt:      now,
		NextRetryAt:    now.Add(q.policy.Delay(1, q.rng)),
	}
	q.entries = append(q.entries, e)
	err := q.persistLocked(ctx)
	depth := len(q.entries)
	q.mu.Unlock()

	observability.SetRetryQueueDepth(depth)
	log.Info().Str("retry_id", e.ID).Str("module", e.ModuleID).Strs("devices", e.DeviceIDs).Time("next_retry_at", e.NextRetryAt).Msg("retry.Queue.Enqueue")
	return err
}

// Entries returns pending entries ordered by next retry time.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	out := cloneEntries(q.entries)
	q.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].NextRetryAt.Before(out[j].NextRetryAt)
	})
	return out
}

// Abandoned returns entries dropped after MaxAttempts, oldest first.
func (q *Queue) Abandoned() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneEntries(q.abandoned)
}

// ProcessDue dispatches due entries one at a time and returns how many ran.
func (q *Queue) ProcessDue(ctx context.Context) int {
	q.processing.Lock()
	defer q.processing.Unlock()
	ran := 0
	for ctx.Err() == nil {
		e, ok := q.claimDue()
		if !ok {
			break
		}
		q.dispatch(ctx, e)
		ran++
	}
	return ran
}

// Run processes due entries on every tick until ctx ends.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.policy.Interval)
	defer ticker.Stop()
	log.Debug().Dur("interval", q.policy.Interval).Msg("retry.Queue.Run start")
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("retry.Queue.Run stop")
			return
		case <-ticker.C:
			q.ProcessDue(ctx)
		}
	}
}

func (q *Queue) claimDue() (Entry, bool) {
	now := q.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	best := -1
	for i, e := range q.entries {
		if q.inflight[e.ID] || e.NextRetryAt.After(now) {
			continue
		}
		if best < 0 || e.NextRetryAt.Before(q.entries[best].NextRetryAt) {
			best = i
		}
	}
	if best < 0 {
		return Entry{}, false
	}
	e := q.entries[best]
	q.inflight[e.ID] = true
	return cloneEntry(e), true
}

func (q *Queue) dispatch(ctx context.Context, e Entry) {
	q.mu.Lock()
	d := q.dispatcher
	q.mu.Unlock()

	var out Outcome
	if d == nil {
		out = Outcome{Error: "retry: no dispatcher configured", FailedDevices: e.DeviceIDs}
	} else {
		out = d.Dispatch(ctx, e)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, e.ID)
	idx := q.indexLocked(e.ID)
	if idx < 0 {
		return
	}
	cur := &q.entries[idx]
	cur.Attempts++

	outcome := OutcomeFailed
	switch {
	case out.Success:
		outcome = OutcomeSucceeded
		attempts := cur.Attempts
		q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
		log.Info().Str("retry_id", e.ID).Str("module", e.ModuleID).Int("attempts", attempts).Msg("retry.Queue.dispatch succeeded")
	case cur.Attempts >= q.policy.MaxAttempts:
		outcome = OutcomeAbandoned
		if out.Error != "" {
			cur.LastError = out.Error
		}
		dropped := *cur
		q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
		q.abandoned = append(q.abandoned, dropped)
		if over := len(q.abandoned) - q.policy.History; over > 0 {
			q.abandoned = q.abandoned[over:]
		}
		log.Error().Str("retry_id", e.ID).Str("module", e.ModuleID).Strs("devices", dropped.DeviceIDs).Int("attempts", dropped.Attempts).Str("last_error", dropped.LastError).Msg("retry.Queue.dispatch abandoned")
	default:
		if len(out.FailedDevices) > 0 && len(out.FailedDevices) < len(cur.DeviceIDs) {
			outcome = OutcomePartial
			cur.DeviceIDs = append([]string(nil), out.FailedDevices...)
			narrowed := make(map[string]modules.Params, len(cur.DeviceIDs))
			for _, id := range cur.DeviceIDs {
				if p, ok := cur.ParamsByDevice[id]; ok {
					narrowed[id] = p
				}
			}
			cur.ParamsByDevice = narrowed
		}
		if out.Error != "" {
			cur.LastError = out.Error
		}
		cur.NextRetryAt = q.clock.Now().Add(q.policy.Delay(cur.Attempts+1, q.rng))
		log.Warn().Str("retry_id", e.ID).Str("module", e.ModuleID).Int("attempts", cur.Attempts).Str("last_error", cur.LastError).Time("next_retry_at", cur.NextRetryAt).Msg("retry.Queue.dispatch rescheduled")
	}
	observability.RecordRetryOutcome(outcome)
	observability.SetRetryQueueDepth(len(q.entries))
	if err := q.persistLocked(context.WithoutCancel(ctx)); err != nil {
		log.Error().Err(err).Msg("retry.Queue.dispatch persist")
	}
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.entries {
		if q.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) persistLocked(ctx context.Context) error {
	if err := q.store.Save(ctx, store.CollectionRetryQueue, q.entries); err != nil {
		return fmt.Errorf("retry: persist queue: %w", err)
	}
	if err := q.store.Save(ctx, store.CollectionRetryAbandoned, q.abandoned); err != nil {
		return fmt.Errorf("retry: persist abandoned: %w", err)
	}
	return nil
}

func cloneEntry(e Entry) Entry {
	out := e
	out.DeviceIDs = append([]string(nil), e.DeviceIDs...)
	return out
}

func cloneEntries(in []Entry) []Entry {
	out := make([]Entry, len(in))
	for i, e := range in {
		out[i] = cloneEntry(e)
	}
	return out
}
