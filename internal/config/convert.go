package config

import (
	"strings"

	"github.com/danmuck/droidctl/internal/modules"
	"github.com/danmuck/droidctl/internal/retry"
	"github.com/danmuck/droidctl/internal/schedule"
	"github.com/danmuck/droidctl/internal/store"
	"github.com/danmuck/droidctl/internal/tools"
)

func Workflows(entries []WorkflowConfig) []schedule.Workflow {
	workflows := make([]schedule.Workflow, 0, len(entries))
	for _, entry := range entries {
		wf := schedule.Workflow{
			ID:    strings.TrimSpace(entry.ID),
			Name:  entry.Name,
			Steps: make([]schedule.Step, 0, len(entry.Steps)),
		}
		if wf.Name == "" {
			wf.Name = wf.ID
		}
		for _, step := range entry.Steps {
			wf.Steps = append(wf.Steps, schedule.Step{
				Module:          strings.TrimSpace(step.Module),
				Params:          modules.Params(step.Params),
				ContinueOnError: step.ContinueOnError,
			})
		}
		workflows = append(workflows, wf)
	}
	return workflows
}

func RetryPolicy(cfg RetryConfig) retry.Policy {
	return retry.Policy{
		BaseDelay:   cfg.BaseDelay.Duration,
		Multiplier:  cfg.Multiplier,
		MaxDelay:    cfg.MaxDelay.Duration,
		MaxAttempts: cfg.MaxAttempts,
		Jitter:      cfg.Jitter,
		Interval:    cfg.Interval.Duration,
		History:     cfg.History,
	}
}

func Store(cfg StoreConfig) store.Config {
	return store.Config{Driver: cfg.Driver, Path: cfg.Path, DSN: cfg.DSN}
}

// Process returns the remote process when ssh is enabled, else local exec.
func Process(cfg SSHConfig) tools.Process {
	if !cfg.Enabled {
		return tools.ExecProcess{}
	}
	return tools.SSHProcess{
		Host:                        cfg.Host,
		Port:                        cfg.Port,
		User:                        cfg.User,
		KeyPath:                     cfg.KeyPath,
		KnownHostsPath:              cfg.KnownHostsPath,
		InsecureSkipHostKeyChecking: cfg.InsecureSkipHostKeyChecking,
		DialTimeout:                 cfg.DialTimeout.Duration,
	}
}
