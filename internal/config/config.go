package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration decodes TOML strings such as "30s" or "10m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if v < 0 {
		return fmt.Errorf("invalid duration %q: must not be negative", raw)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Dur(v time.Duration) Duration { return Duration{Duration: v} }

// Config is the droidctl engine file.
type Config struct {
	Name      string           `toml:"name"`
	ADB       ADBConfig        `toml:"adb"`
	Executor  ExecutorConfig   `toml:"executor"`
	Retry     RetryConfig      `toml:"retry"`
	Schedule  ScheduleConfig   `toml:"schedule"`
	Store     StoreConfig      `toml:"store"`
	Ops       OpsConfig        `toml:"ops"`
	Modules   ModulesConfig    `toml:"modules"`
	Workflows []WorkflowConfig `toml:"workflows"`
}

type ADBConfig struct {
	Executable     string    `toml:"executable"`
	CommandTimeout Duration  `toml:"command_timeout"`
	SpawnRate      float64   `toml:"spawn_rate"`
	SpawnBurst     int       `toml:"spawn_burst"`
	SSH            SSHConfig `toml:"ssh"`
}

// SSHConfig points the runner at a remote lab host with the devices attached.
type SSHConfig struct {
	Enabled                     bool     `toml:"enabled"`
	Host                        string   `toml:"host"`
	Port                        string   `toml:"port"`
	User                        string   `toml:"user"`
	KeyPath                     string   `toml:"key_path"`
	KnownHostsPath              string   `toml:"known_hosts_path"`
	InsecureSkipHostKeyChecking bool     `toml:"insecure_skip_host_key_checking"`
	DialTimeout                 Duration `toml:"dial_timeout"`
}

type ExecutorConfig struct {
	Workers         int      `toml:"workers"`
	WaitTimeout     Duration `toml:"wait_timeout"`
	StatusRetention int      `toml:"status_retention"`
}

type RetryConfig struct {
	Enabled     bool     `toml:"enabled"`
	BaseDelay   Duration `toml:"base_delay"`
	Multiplier  float64  `toml:"multiplier"`
	MaxDelay    Duration `toml:"max_delay"`
	MaxAttempts int      `toml:"max_attempts"`
	Jitter      bool     `toml:"jitter"`
	Interval    Duration `toml:"interval"`
	History     int      `toml:"history"`
}

type ScheduleConfig struct {
	Interval Duration `toml:"interval"`
}

type StoreConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`
}

// OpsConfig is the ops listener. A non-empty Token or TokenFile guards the
// inspection routes; health and metrics stay open. TokenFile is re-read on
// every request so the token can be rotated without a restart, and wins over
// Token.
type OpsConfig struct {
	Addr      string `toml:"addr"`
	Token     string `toml:"token"`
	TokenFile string `toml:"token_file"`
}

type ModulesConfig struct {
	Enabled []string `toml:"enabled"`
}

type WorkflowConfig struct {
	ID    string       `toml:"id"`
	Name  string       `toml:"name"`
	Steps []StepConfig `toml:"steps"`
}

type StepConfig struct {
	Module          string         `toml:"module"`
	Params          map[string]any `toml:"params"`
	ContinueOnError bool           `toml:"continue_on_error"`
}

// Default returns a config that runs against the local adb with file storage.
func Default() Config {
	return Config{
		Name: "droidctl",
		ADB: ADBConfig{
			CommandTimeout: Dur(30 * time.Second),
			SSH: SSHConfig{
				Port:        "22",
				DialTimeout: Dur(10 * time.Second),
			},
		},
		Executor: ExecutorConfig{
			Workers:         16,
			WaitTimeout:     Dur(30 * time.Minute),
			StatusRetention: 500,
		},
		Retry: RetryConfig{
			Enabled:     true,
			BaseDelay:   Dur(30 * time.Second),
			Multiplier:  2,
			MaxDelay:    Dur(10 * time.Minute),
			MaxAttempts: 5,
			Interval:    Dur(5 * time.Second),
			History:     50,
		},
		Schedule: ScheduleConfig{Interval: Dur(5 * time.Second)},
		Store:    StoreConfig{Driver: "file", Path: "var/droidctl"},
		Ops:      OpsConfig{Addr: "127.0.0.1:9470"},
	}
}

// Load reads path on top of Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := loadToml(path, &cfg); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "droidctl"
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// Encode renders cfg as TOML.
func Encode(cfg Config) ([]byte, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("config encode failed: %w", err)
	}
	return data, nil
}

func Validate(cfg Config) error {
	if err := ValidateADB(cfg.ADB); err != nil {
		return fmt.Errorf("adb config invalid: %w", err)
	}
	if cfg.Executor.Workers < 0 {
		return fmt.Errorf("executor config invalid: workers must not be negative")
	}
	if cfg.Retry.Multiplier != 0 && cfg.Retry.Multiplier < 1 {
		return fmt.Errorf("retry config invalid: multiplier must be >= 1")
	}
	if cfg.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry config invalid: max_attempts must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case "", "file", "yaml", "sqlite", "sqlite3", "memory":
	case "postgres", "pgx":
		if strings.TrimSpace(cfg.Store.DSN) == "" {
			return fmt.Errorf("store config invalid: dsn required for %s", cfg.Store.Driver)
		}
	default:
		return fmt.Errorf("store config invalid: unknown driver %q", cfg.Store.Driver)
	}
	seen := make(map[string]bool, len(cfg.Workflows))
	for i, wf := range cfg.Workflows {
		if err := ValidateWorkflow(wf); err != nil {
			return fmt.Errorf("workflow[%d] invalid: %w", i, err)
		}
		if seen[wf.ID] {
			return fmt.Errorf("workflow[%d] invalid: duplicate id %q", i, wf.ID)
		}
		seen[wf.ID] = true
	}
	return nil
}

func ValidateADB(cfg ADBConfig) error {
	if cfg.SpawnRate < 0 || cfg.SpawnBurst < 0 {
		return fmt.Errorf("spawn_rate and spawn_burst must not be negative")
	}
	if !cfg.SSH.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.SSH.Host) == "" {
		return fmt.Errorf("ssh host is required when ssh is enabled")
	}
	if strings.TrimSpace(cfg.SSH.KeyPath) == "" {
		return fmt.Errorf("ssh key_path is required when ssh is enabled")
	}
	return nil
}

func ValidateWorkflow(cfg WorkflowConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if len(cfg.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}
	for i, step := range cfg.Steps {
		if strings.TrimSpace(step.Module) == "" {
			return fmt.Errorf("step[%d] module is required", i)
		}
	}
	return nil
}
