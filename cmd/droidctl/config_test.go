package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/droidctl/internal/config"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestProfileOverridesOnlyDefinedKeys(t *testing.T) {
	path := writeFile(t, "profile.toml", `
log_level = "debug"
ops_addr = ""
workers = 3
wait_timeout = "90s"
ssh_host = "lab-7"
ssh_user = "tester"
ssh_key = "/keys/lab"
store_driver = "sqlite"
store_path = "/tmp/droidctl.db"
retry_enabled = false
modules = ["ping", " ", "wifi"]
`)
	p, err := loadProfile(path)
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}
	if p.logLevel() != "debug" {
		t.Fatalf("unexpected log level: %q", p.logLevel())
	}

	cfg := config.Default()
	if err := p.apply(&cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.Ops.Addr != "" {
		t.Fatalf("expected ops disabled, got %q", cfg.Ops.Addr)
	}
	if cfg.Executor.Workers != 3 || cfg.Executor.WaitTimeout.Duration != 90*time.Second {
		t.Fatalf("unexpected executor: %+v", cfg.Executor)
	}
	if !cfg.ADB.SSH.Enabled || cfg.ADB.SSH.Host != "lab-7" || cfg.ADB.SSH.User != "tester" || cfg.ADB.SSH.KeyPath != "/keys/lab" {
		t.Fatalf("unexpected ssh: %+v", cfg.ADB.SSH)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.Path != "/tmp/droidctl.db" {
		t.Fatalf("unexpected store: %+v", cfg.Store)
	}
	if cfg.Retry.Enabled {
		t.Fatalf("expected retry disabled")
	}
	if len(cfg.Modules.Enabled) != 2 {
		t.Fatalf("unexpected modules: %+v", cfg.Modules.Enabled)
	}
	if cfg.Name != "droidctl" || cfg.ADB.CommandTimeout != config.Default().ADB.CommandTimeout {
		t.Fatalf("undefined keys should keep defaults: %+v", cfg)
	}
}

func TestProfileRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "profile.toml", "workers = 2\nheartbeat = \"5s\"\n")
	if _, err := loadProfile(path); err == nil {
		t.Fatalf("expected unknown key error")
	}
}

func TestProfileBadDuration(t *testing.T) {
	for _, content := range []string{`wait_timeout = "soon"`, `command_timeout = "-1s"`} {
		p, err := loadProfile(writeFile(t, "profile.toml", content))
		if err != nil {
			t.Fatalf("load profile: %v", err)
		}
		cfg := config.Default()
		if err := p.apply(&cfg); err == nil {
			t.Fatalf("%s: expected parse error", content)
		}
	}
}

func TestLoadConfigResolution(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv(envConfigPath, "")

	a := newApp()
	cfg, err := a.loadConfig()
	if err != nil {
		t.Fatalf("defaults without file: %v", err)
	}
	if cfg.Name != "droidctl" {
		t.Fatalf("unexpected name: %q", cfg.Name)
	}

	a.configPath = filepath.Join(t.TempDir(), "missing.toml")
	if _, err := a.loadConfig(); err == nil {
		t.Fatalf("expected error for explicit missing config")
	}

	a.configPath = writeFile(t, "engine.toml", "name = \"bench\"\n[executor]\nworkers = 8\n")
	p, err := loadProfile(writeFile(t, "profile.toml", "workers = 2\n"))
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}
	a.profile = p
	cfg, err = a.loadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "bench" || cfg.Executor.Workers != 2 {
		t.Fatalf("profile should win over engine file: %+v", cfg)
	}

	bad, err := loadProfile(writeFile(t, "bad.toml", "store_driver = \"redis\"\n"))
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}
	a.profile = bad
	if _, err := a.loadConfig(); err == nil {
		t.Fatalf("expected validation error after profile")
	}
}
