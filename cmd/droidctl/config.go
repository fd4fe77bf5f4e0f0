package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/droidctl/internal/config"
)

// profileFile is the flat operator profile. Only keys present in the file
// override the engine config.
type profileFile struct {
	Name           string   `toml:"name"`
	LogLevel       string   `toml:"log_level"`
	OpsAddr        string   `toml:"ops_addr"`
	OpsToken       string   `toml:"ops_token"`
	OpsTokenFile   string   `toml:"ops_token_file"`
	Workers        int      `toml:"workers"`
	WaitTimeout    string   `toml:"wait_timeout"`
	ADB            string   `toml:"adb"`
	CommandTimeout string   `toml:"command_timeout"`
	SSHHost        string   `toml:"ssh_host"`
	SSHPort        string   `toml:"ssh_port"`
	SSHUser        string   `toml:"ssh_user"`
	SSHKey         string   `toml:"ssh_key"`
	StoreDriver    string   `toml:"store_driver"`
	StorePath      string   `toml:"store_path"`
	StoreDSN       string   `toml:"store_dsn"`
	RetryEnabled   bool     `toml:"retry_enabled"`
	MaxAttempts    int      `toml:"retry_max_attempts"`
	Modules        []string `toml:"modules"`
}

type profile struct {
	raw  profileFile
	meta toml.MetaData
}

func loadProfile(path string) (*profile, error) {
	var raw profileFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("load profile: unknown keys: %s", strings.Join(keys, ", "))
	}
	return &profile{raw: raw, meta: meta}, nil
}

func (p *profile) logLevel() string {
	if p.meta.IsDefined("log_level") {
		return strings.TrimSpace(p.raw.LogLevel)
	}
	return ""
}

func (p *profile) apply(cfg *config.Config) error {
	raw := p.raw

	if p.meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}

	if p.meta.IsDefined("ops_addr") {
		cfg.Ops.Addr = strings.TrimSpace(raw.OpsAddr)
	}

	if p.meta.IsDefined("ops_token") {
		cfg.Ops.Token = strings.TrimSpace(raw.OpsToken)
	}

	if p.meta.IsDefined("ops_token_file") {
		cfg.Ops.TokenFile = strings.TrimSpace(raw.OpsTokenFile)
	}

	if p.meta.IsDefined("workers") {
		cfg.Executor.Workers = raw.Workers
	}

	if p.meta.IsDefined("wait_timeout") {
		d, err := parseProfileDuration("wait_timeout", raw.WaitTimeout)
		if err != nil {
			return err
		}
		cfg.Executor.WaitTimeout = config.Duration{Duration: d}
	}

	if p.meta.IsDefined("adb") {
		cfg.ADB.Executable = strings.TrimSpace(raw.ADB)
	}

	if p.meta.IsDefined("command_timeout") {
		d, err := parseProfileDuration("command_timeout", raw.CommandTimeout)
		if err != nil {
			return err
		}
		cfg.ADB.CommandTimeout = config.Duration{Duration: d}
	}

	if p.meta.IsDefined("ssh_host") {
		host := strings.TrimSpace(raw.SSHHost)
		cfg.ADB.SSH.Host = host
		cfg.ADB.SSH.Enabled = host != ""
	}

	if p.meta.IsDefined("ssh_port") {
		cfg.ADB.SSH.Port = strings.TrimSpace(raw.SSHPort)
	}

	if p.meta.IsDefined("ssh_user") {
		cfg.ADB.SSH.User = strings.TrimSpace(raw.SSHUser)
	}

	if p.meta.IsDefined("ssh_key") {
		cfg.ADB.SSH.KeyPath = strings.TrimSpace(raw.SSHKey)
	}

	if p.meta.IsDefined("store_driver") {
		cfg.Store.Driver = strings.TrimSpace(raw.StoreDriver)
	}

	if p.meta.IsDefined("store_path") {
		cfg.Store.Path = strings.TrimSpace(raw.StorePath)
	}

	if p.meta.IsDefined("store_dsn") {
		cfg.Store.DSN = strings.TrimSpace(raw.StoreDSN)
	}

	if p.meta.IsDefined("retry_enabled") {
		cfg.Retry.Enabled = raw.RetryEnabled
	}

	if p.meta.IsDefined("retry_max_attempts") {
		cfg.Retry.MaxAttempts = raw.MaxAttempts
	}

	if p.meta.IsDefined("modules") {
		cfg.Modules.Enabled = normalizeList(raw.Modules)
	}

	return nil
}

func parseProfileDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("parse %s: must not be negative", key)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
