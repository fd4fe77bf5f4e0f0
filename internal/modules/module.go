// Package modules owns the device action library.
//
// Ownership boundary:
// - module identity, parameter catalog and registry
//
// - one device action per module, built on tools.Runner
//
// - polling state machines (call state, airplane mode, reboot)
//
// A module never returns an error for an expected failure. Missing input,
// permission denial and verification mismatch all come back as a Result with
// Success=false. ctx is the cancellation token: polling loops check it on each
// iteration and return a cancelled Result; commands already handed to the
// runner are not killed.
package modules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/droidctl/internal/clock"
	"github.com/danmuck/droidctl/internal/tools"
	"github.com/danmuck/droidctl/internal/uiauto"
)

var (
	ErrModuleExists    = errors.New("modules: module already exists")
	ErrModuleNil       = errors.New("modules: module is nil")
	ErrInvalidMetadata = errors.New("modules: invalid module metadata")
)

// ParamSpec documents one accepted parameter.
type ParamSpec struct {
	Name        string
	Type        string
	Required    bool
	Default     any
	Description string
}

// Metadata is module identity and display data.
type Metadata struct {
	ID          string
	Name        string
	Description string
	Params      []ParamSpec
}

// Module is one self-contained device action.
type Module interface {
	Metadata() Metadata
	Run(ctx context.Context, env Env, deviceID string, params Params) Result
}

// Env carries the collaborators a module may use.
type Env struct {
	Runner  tools.Runner
	Clock   clock.Clock
	UI      uiauto.Factory
	Timeout time.Duration
}

func (e Env) clk() clock.Clock {
	if e.Clock == nil {
		return clock.Real{}
	}
	return e.Clock
}

func (e Env) timeout() time.Duration {
	if e.Timeout <= 0 {
		return tools.DefaultTimeout
	}
	return e.Timeout
}

func (e Env) shell(ctx context.Context, deviceID string, args ...string) tools.CommandResult {
	return tools.Shell(ctx, e.Runner, deviceID, e.timeout(), args...)
}

func (e Env) shellTimeout(ctx context.Context, deviceID string, timeout time.Duration, args ...string) tools.CommandResult {
	return tools.Shell(ctx, e.Runner, deviceID, timeout, args...)
}

func (e Env) automator(deviceID string) uiauto.Automator {
	if e.UI != nil {
		return e.UI(deviceID)
	}
	return &uiauto.ADBAutomator{Runner: e.Runner, DeviceID: deviceID, Clock: e.clk()}
}

// RunFunc is the body of a function-backed module.
type RunFunc func(ctx context.Context, env Env, deviceID string, params Params) Result

type funcModule struct {
	meta Metadata
	run  RunFunc
}

// Define wraps fn as a Module.
func Define(meta Metadata, fn RunFunc) Module {
	return funcModule{meta: meta, run: fn}
}

func (m funcModule) Metadata() Metadata { return m.meta }

func (m funcModule) Run(ctx context.Context, env Env, deviceID string, params Params) Result {
	return m.run(ctx, env, deviceID, params)
}

// Registry stores modules by stable identifier.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Module
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Module)}
}

// ValidateMetadata checks required metadata fields and id format.
func ValidateMetadata(meta Metadata) error {
	id := strings.TrimSpace(meta.ID)
	if id == "" || strings.TrimSpace(meta.Name) == "" || strings.TrimSpace(meta.Description) == "" {
		return fmt.Errorf("%w: id, name, and description are required", ErrInvalidMetadata)
	}
	if !isValidID(id) {
		return fmt.Errorf("%w: invalid id format %q", ErrInvalidMetadata, id)
	}
	return nil
}

func (r *Registry) Register(m Module) error {
	if m == nil {
		return ErrModuleNil
	}
	meta := m.Metadata()
	if err := ValidateMetadata(meta); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[meta.ID]; ok {
		return fmt.Errorf("%w: %s", ErrModuleExists, meta.ID)
	}
	r.items[meta.ID] = m
	return nil
}

func (r *Registry) Resolve(id string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.items[strings.TrimSpace(id)]
	return m, ok
}

// ListMetadata returns metadata ordered by id.
func (r *Registry) ListMetadata() []Metadata {
	r.mu.RLock()
	list := make([]Metadata, 0, len(r.items))
	for _, m := range r.items {
		list = append(list, m.Metadata())
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})
	return list
}

func isValidID(id string) bool {
	if id == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(id)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
