package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/droidctl/internal/modules"
)

// Step is one module invocation inside a workflow.
type Step struct {
	Module          string         `toml:"module" yaml:"module" json:"module"`
	Params          modules.Params `toml:"params" yaml:"params,omitempty" json:"params,omitempty"`
	ContinueOnError bool           `toml:"continue_on_error" yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`
}

// Workflow is an ordered list of steps run against one device.
type Workflow struct {
	ID    string `toml:"id" yaml:"id" json:"id"`
	Name  string `toml:"name" yaml:"name" json:"name"`
	Steps []Step `toml:"steps" yaml:"steps" json:"steps"`
}

// Validate checks the workflow shape against a module registry.
func (w Workflow) Validate(reg *modules.Registry) error {
	if strings.TrimSpace(w.ID) == "" {
		return fmt.Errorf("%w: workflow id is required", ErrInvalidInput)
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("%w: workflow %q has no steps", ErrInvalidInput, w.ID)
	}
	for i, s := range w.Steps {
		if strings.TrimSpace(s.Module) == "" {
			return fmt.Errorf("%w: workflow %q step %d has no module", ErrInvalidInput, w.ID, i)
		}
		if reg != nil {
			if _, ok := reg.Resolve(s.Module); !ok {
				return fmt.Errorf("%w: workflow %q step %d uses unknown module %q", ErrInvalidInput, w.ID, i, s.Module)
			}
		}
	}
	return nil
}

// WorkflowSource looks up workflow definitions by id.
type WorkflowSource interface {
	Workflow(id string) (Workflow, bool)
}

// StaticSource serves a fixed set of workflows.
type StaticSource map[string]Workflow

// NewStaticSource indexes workflows by id.
func NewStaticSource(workflows ...Workflow) StaticSource {
	src := make(StaticSource, len(workflows))
	for _, w := range workflows {
		src[w.ID] = w
	}
	return src
}

func (s StaticSource) Workflow(id string) (Workflow, bool) {
	w, ok := s[strings.TrimSpace(id)]
	return w, ok
}

// IDs lists workflow ids in order.
func (s StaticSource) IDs() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// StepRunner runs one module on one device, without retry enqueueing.
type StepRunner interface {
	RunStep(ctx context.Context, moduleID, deviceID string, params modules.Params) (modules.Result, error)
}

// StepRunnerFunc adapts a function to StepRunner.
type StepRunnerFunc func(ctx context.Context, moduleID, deviceID string, params modules.Params) (modules.Result, error)

func (f StepRunnerFunc) RunStep(ctx context.Context, moduleID, deviceID string, params modules.Params) (modules.Result, error) {
	return f(ctx, moduleID, deviceID, params)
}

// StepOutcome is the recorded result of one executed step.
type StepOutcome struct {
	Module  string `yaml:"module" json:"module"`
	Success bool   `yaml:"success" json:"success"`
	Error   string `yaml:"error,omitempty" json:"error,omitempty"`
}

// runWorkflow executes steps in order, stopping at the first failure unless
// the step allows continuing.
func runWorkflow(ctx context.Context, runner StepRunner, wf Workflow, deviceID string) ([]StepOutcome, bool, string) {
	outcomes := make([]StepOutcome, 0, len(wf.Steps))
	ok := true
	for i, step := range wf.Steps {
		if ctx.Err() != nil {
			return outcomes, false, "cancelled"
		}
		res, err := runner.RunStep(ctx, step.Module, deviceID, step.Params)
		out := StepOutcome{Module: step.Module, Success: err == nil && res.Success}
		switch {
		case err != nil:
			out.Error = err.Error()
		case !res.Success:
			out.Error = res.Error
		}
		outcomes = append(outcomes, out)
		if out.Success {
			continue
		}
		ok = false
		if !step.ContinueOnError {
			return outcomes, false, fmt.Sprintf("step %d (%s) failed: %s", i+1, step.Module, out.Error)
		}
	}
	passed := 0
	for _, o := range outcomes {
		if o.Success {
			passed++
		}
	}
	return outcomes, ok, fmt.Sprintf("%d/%d steps succeeded", passed, len(wf.Steps))
}
