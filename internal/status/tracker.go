// Package status tracks multi-device runs from dispatch to a terminal state
// and notifies subscribers on every change.
package status

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/droidctl/internal/clock"
	"github.com/danmuck/droidctl/internal/modules"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound = errors.New("status: entry not found")
	ErrTerminal = errors.New("status: entry already terminal")
)

// State is the lifecycle of one run.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// DeviceResult is one worker's report.
type DeviceResult struct {
	DeviceID   string         `json:"device_id"`
	Result     modules.Result `json:"result"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Entry is the tracked state of one module run across its devices.
type Entry struct {
	ID         string         `json:"id"`
	ModuleID   string         `json:"module_id"`
	DeviceIDs  []string       `json:"device_ids"`
	Results    []DeviceResult `json:"results"`
	State      State          `json:"state"`
	Success    bool           `json:"success"`
	Summary    string         `json:"summary,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
}

func (e Entry) clone() Entry {
	out := e
	out.DeviceIDs = append([]string(nil), e.DeviceIDs...)
	out.Results = make([]DeviceResult, len(e.Results))
	for i, r := range e.Results {
		out.Results[i] = DeviceResult{DeviceID: r.DeviceID, Result: r.Result.Clone(), FinishedAt: r.FinishedAt}
	}
	return out
}

// Pending returns the devices that have not reported yet.
func (e Entry) Pending() []string {
	seen := make(map[string]bool, len(e.Results))
	for _, r := range e.Results {
		seen[r.DeviceID] = true
	}
	var out []string
	for _, id := range e.DeviceIDs {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}

// Listener receives a snapshot after every mutation.
type Listener func(Entry)

// Tracker owns every run entry. Terminal entries are kept until the
// retention limit evicts the oldest.
type Tracker struct {
	mu        sync.RWMutex
	clock     clock.Clock
	entries   map[string]*Entry
	order     []string
	latest    map[string]string
	cancels   map[string]context.CancelFunc
	listeners map[int]Listener
	nextSub   int
	retain    int
}

const DefaultRetention = 500

// NewTracker returns an empty tracker. retain <= 0 uses DefaultRetention.
func NewTracker(clk clock.Clock, retain int) *Tracker {
	if clk == nil {
		clk = clock.Real{}
	}
	if retain <= 0 {
		retain = DefaultRetention
	}
	return &Tracker{
		clock:     clk,
		entries:   make(map[string]*Entry),
		latest:    make(map[string]string),
		cancels:   make(map[string]context.CancelFunc),
		listeners: make(map[int]Listener),
		retain:    retain,
	}
}

// Start creates a running entry. cancel is invoked by Cancel.
func (t *Tracker) Start(moduleID string, deviceIDs []string, cancel context.CancelFunc) Entry {
	now := t.clock.Now()
	e := &Entry{
		ID:        uuid.NewString(),
		ModuleID:  moduleID,
		DeviceIDs: append([]string(nil), deviceIDs...),
		State:     StateRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	t.mu.Lock()
	t.entries[e.ID] = e
	t.order = append(t.order, e.ID)
	t.latest[moduleID] = e.ID
	if cancel != nil {
		t.cancels[e.ID] = cancel
	}
	t.evictLocked()
	snap := e.clone()
	t.mu.Unlock()

	log.Debug().Str("status_id", e.ID).Str("module", moduleID).Int("devices", len(deviceIDs)).Msg("status.Tracker.Start")
	t.notify(snap)
	return snap
}

// Record appends one device result. Results arriving after cancellation are
// kept; the state stays cancelled.
func (t *Tracker) Record(id, deviceID string, res modules.Result) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.State == StateCompleted {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTerminal, id)
	}
	now := t.clock.Now()
	e.Results = append(e.Results, DeviceResult{DeviceID: deviceID, Result: res.Clone(), FinishedAt: now})
	e.UpdatedAt = now
	snap := e.clone()
	t.mu.Unlock()

	t.notify(snap)
	return nil
}

// Complete marks a running entry completed. A cancelled entry keeps its state
// but gets the summary and finish time.
func (t *Tracker) Complete(id, summary string, success bool) (Entry, error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.State == StateCompleted {
		t.mu.Unlock()
		return Entry{}, fmt.Errorf("%w: %s", ErrTerminal, id)
	}
	now := t.clock.Now()
	if e.State == StateRunning {
		e.State = StateCompleted
		e.Success = success
	}
	e.Summary = summary
	e.UpdatedAt = now
	e.FinishedAt = now
	cancel := t.cancels[id]
	delete(t.cancels, id)
	snap := e.clone()
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	log.Info().Str("status_id", id).Str("module", snap.ModuleID).Str("state", string(snap.State)).Str("summary", summary).Msg("status.Tracker.Complete")
	t.notify(snap)
	return snap, nil
}

// Cancel requests cooperative cancellation of a running entry.
func (t *Tracker) Cancel(id string) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.State.Terminal() {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, e.State)
	}
	now := t.clock.Now()
	e.State = StateCancelled
	e.Success = false
	e.UpdatedAt = now
	cancel := t.cancels[id]
	snap := e.clone()
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	log.Info().Str("status_id", id).Str("module", snap.ModuleID).Int("pending", len(snap.Pending())).Msg("status.Tracker.Cancel")
	t.notify(snap)
	return nil
}

func (t *Tracker) Get(id string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[strings.TrimSpace(id)]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Latest returns the most recently started entry for moduleID.
func (t *Tracker) Latest(moduleID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.latest[moduleID]
	if !ok {
		return Entry{}, false
	}
	e, ok := t.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// List returns all retained entries, newest first.
func (t *Tracker) List() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.entries[id].clone())
	}
	t.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Subscribe registers fn for change notifications and returns its removal.
func (t *Tracker) Subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.listeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) notify(e Entry) {
	t.mu.RLock()
	ls := make([]Listener, 0, len(t.listeners))
	for _, fn := range t.listeners {
		ls = append(ls, fn)
	}
	t.mu.RUnlock()
	for _, fn := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("status_id", e.ID).Interface("panic", r).Msg("status.Tracker.notify listener panic")
				}
			}()
			fn(e.clone())
		}()
	}
}

// evictLocked drops the oldest terminal entries beyond the retention limit.
func (t *Tracker) evictLocked() {
	if len(t.order) <= t.retain {
		return
	}
	kept := t.order[:0]
	excess := len(t.order) - t.retain
	for _, id := range t.order {
		e := t.entries[id]
		if excess > 0 && e.State.Terminal() {
			delete(t.entries, id)
			if t.latest[e.ModuleID] == id {
				delete(t.latest, e.ModuleID)
			}
			excess--
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}
