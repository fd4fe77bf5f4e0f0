// Package fakeadb is a scripted tools.Runner for tests.
package fakeadb

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/droidctl/internal/tools"
)

// Handler answers one invocation.
type Handler func(deviceID string, tokens []string) tools.CommandResult

// Call records one invocation.
type Call struct {
	DeviceID string
	Tokens   []string
}

// Line is the space-joined token list.
func (c Call) Line() string {
	return strings.Join(c.Tokens, " ")
}

type rule struct {
	prefix  string
	handler Handler
}

// Runner matches the longest registered prefix of the joined tokens.
// Unmatched commands succeed with empty output.
type Runner struct {
	mu    sync.Mutex
	calls []Call
	rules []rule
}

func New() *Runner {
	return &Runner{}
}

func Ok(stdout string) tools.CommandResult {
	return tools.CommandResult{Success: true, Stdout: stdout}
}

func Fail(msg string) tools.CommandResult {
	return tools.CommandResult{ExitCode: 1, Error: msg, Stderr: msg}
}

func (r *Runner) On(prefix string, h Handler) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{prefix: prefix, handler: h})
	return r
}

func (r *Runner) OnOutput(prefix, stdout string) *Runner {
	return r.On(prefix, func(string, []string) tools.CommandResult { return Ok(stdout) })
}

func (r *Runner) OnFail(prefix, msg string) *Runner {
	return r.On(prefix, func(string, []string) tools.CommandResult { return Fail(msg) })
}

// OnSequence replays outputs in order, repeating the last one.
func (r *Runner) OnSequence(prefix string, outputs ...string) *Runner {
	var mu sync.Mutex
	i := 0
	return r.On(prefix, func(string, []string) tools.CommandResult {
		mu.Lock()
		defer mu.Unlock()
		out := outputs[len(outputs)-1]
		if i < len(outputs) {
			out = outputs[i]
			i++
		}
		return Ok(out)
	})
}

func (r *Runner) Run(_ context.Context, deviceID string, tokens []string, _ time.Duration) tools.CommandResult {
	line := strings.Join(tokens, " ")
	r.mu.Lock()
	r.calls = append(r.calls, Call{DeviceID: deviceID, Tokens: append([]string(nil), tokens...)})
	var best *rule
	for i := range r.rules {
		rl := &r.rules[i]
		if strings.HasPrefix(line, rl.prefix) && (best == nil || len(rl.prefix) >= len(best.prefix)) {
			best = rl
		}
	}
	r.mu.Unlock()
	if best == nil {
		return Ok("")
	}
	res := best.handler(deviceID, tokens)
	if res.Duration == 0 {
		res.Duration = time.Millisecond
	}
	return res
}

// Calls returns a copy of the invocation log.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Count returns how many invocations started with prefix.
func (r *Runner) Count(prefix string) int {
	n := 0
	for _, c := range r.Calls() {
		if strings.HasPrefix(c.Line(), prefix) {
			n++
		}
	}
	return n
}

// CountFor is Count restricted to one device.
func (r *Runner) CountFor(deviceID, prefix string) int {
	n := 0
	for _, c := range r.Calls() {
		if c.DeviceID == deviceID && strings.HasPrefix(c.Line(), prefix) {
			n++
		}
	}
	return n
}
