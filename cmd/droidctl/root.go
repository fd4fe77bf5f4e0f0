package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/droidctl/internal/config"
	"github.com/danmuck/droidctl/internal/engine"
	"github.com/danmuck/droidctl/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	defaultConfigPath = "droidctl.toml"
	envConfigPath     = "DROIDCTL_CONFIG"
	envProfilePath    = "DROIDCTL_PROFILE"
)

type engineFactory func(ctx context.Context, cfg config.Config) (*engine.Service, error)

// app carries the flag state shared by every subcommand.
type app struct {
	configPath  string
	profilePath string
	logLevel    string
	jsonOutput  bool

	profile   *profile
	newEngine engineFactory
}

func newApp() *app {
	return &app{
		newEngine: func(ctx context.Context, cfg config.Config) (*engine.Service, error) {
			return engine.New(ctx, cfg, engine.Options{})
		},
	}
}

// Execute runs the CLI until completion or SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return newRootCmd(newApp()).ExecuteContext(ctx)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "droidctl",
		Short: "Telecom test automation for fleets of Android devices",
		Long: `droidctl runs radio, call, messaging and network test modules against
Android devices over adb, fans them out across many devices at once,
retries failed devices with backoff and runs scheduled workflows.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.prepare,
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "engine config file (default $"+envConfigPath+" or ./"+defaultConfigPath+")")
	flags.StringVar(&a.profilePath, "profile", "", "operator profile overriding engine config keys (default $"+envProfilePath+")")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: trace, debug, info, warn, error, off")
	flags.BoolVar(&a.jsonOutput, "json", false, "print machine-readable JSON")

	root.AddCommand(
		a.serveCmd(),
		a.runCmd(),
		a.modulesCmd(),
		a.devicesCmd(),
		a.workflowsCmd(),
		a.scheduleCmd(),
		a.retryCmd(),
		a.configCmd(),
	)
	return root
}

func (a *app) prepare(cmd *cobra.Command, _ []string) error {
	logging.ConfigureRuntime()

	path := strings.TrimSpace(a.profilePath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(envProfilePath))
	}
	if path != "" {
		p, err := loadProfile(path)
		if err != nil {
			return err
		}
		a.profile = p
	}

	level := strings.TrimSpace(a.logLevel)
	if level == "" && a.profile != nil {
		level = a.profile.logLevel()
	}
	if level != "" {
		lvl, ok := logging.ParseLevel(level)
		if !ok {
			return fmt.Errorf("unknown log level: %s", level)
		}
		zerolog.SetGlobalLevel(lvl)
	}
	return nil
}

// loadConfig resolves the engine config: defaults, then the engine file when
// present, then the operator profile.
func (a *app) loadConfig() (config.Config, error) {
	path := strings.TrimSpace(a.configPath)
	explicit := path != ""
	if !explicit {
		path = strings.TrimSpace(os.Getenv(envConfigPath))
		explicit = path != ""
	}
	if !explicit {
		path = defaultConfigPath
	}

	cfg := config.Default()
	_, statErr := os.Stat(path)
	switch {
	case statErr == nil, explicit:
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	case !errors.Is(statErr, os.ErrNotExist):
		return config.Config{}, fmt.Errorf("stat config %s: %w", path, statErr)
	}

	if a.profile != nil {
		if err := a.profile.apply(&cfg); err != nil {
			return config.Config{}, err
		}
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// openEngine builds the engine and restores persisted queues. Callers close it.
func (a *app) openEngine(ctx context.Context, restore bool) (*engine.Service, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	svc, err := a.newEngine(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if restore {
		if err := svc.Restore(ctx); err != nil {
			_ = svc.Close(context.Background())
			return nil, err
		}
	}
	return svc, nil
}
