package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/danmuck/droidctl/internal/config"
	"github.com/danmuck/droidctl/internal/modules"
	"github.com/danmuck/droidctl/internal/schedule"
	"github.com/spf13/cobra"
)

func (a *app) modulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List enabled modules and their parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			registry, err := modules.NewBuiltinRegistry(cfg.Modules.Enabled...)
			if err != nil {
				return err
			}
			list := registry.ListMetadata()
			if a.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "NAME", "PARAMS", "DESCRIPTION")
			for _, md := range list {
				names := make([]string, 0, len(md.Params))
				for _, p := range md.Params {
					names = append(names, p.Name)
				}
				row(tw, md.ID, md.Name, orDash(strings.Join(names, ",")), md.Description)
			}
			return tw.Flush()
		},
	}
}

func (a *app) devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List devices visible to adb",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer svc.Close(context.Background())
			devices, err := svc.Devices(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), devices)
			}
			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no devices attached")
				return nil
			}
			tw := newTable(cmd.OutOrStdout(), "SERIAL", "STATE", "MODEL")
			for _, d := range devices {
				row(tw, d.Serial, d.State, orDash(d.Model))
			}
			return tw.Flush()
		},
	}
}

func (a *app) workflowsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List configured workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			list := config.Workflows(cfg.Workflows)
			if a.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "NAME", "STEPS")
			for _, wf := range list {
				row(tw, wf.ID, wf.Name, describeSteps(wf.Steps))
			}
			return tw.Flush()
		},
	}
}

func describeSteps(steps []schedule.Step) string {
	parts := make([]string, 0, len(steps))
	for _, s := range steps {
		name := s.Module
		if s.ContinueOnError {
			name += "?"
		}
		parts = append(parts, name)
	}
	return strings.Join(parts, " > ")
}
