package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/droidctl/internal/retry"
	"github.com/spf13/cobra"
)

func (a *app) scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage scheduled workflow runs",
	}
	cmd.AddCommand(a.scheduleAddCmd(), a.scheduleListCmd(), a.scheduleCancelCmd())
	return cmd
}

func (a *app) scheduleAddCmd() *cobra.Command {
	var (
		devices []string
		at      string
		in      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "add <workflow>",
		Short: "Schedule a workflow on devices at a future time",
		Example: `  droidctl schedule add smoke -d R58N --in 2h
  droidctl schedule add voice-regression -d A -d B --at 2026-11-02T03:00:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runAt, err := resolveRunAt(at, in, time.Now())
			if err != nil {
				return err
			}
			svc, err := a.openEngine(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer svc.Close(context.Background())

			created, err := svc.ScheduleWorkflow(cmd.Context(), args[0], devices, runAt)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), created)
			}
			for _, e := range created {
				fmt.Fprintf(cmd.OutOrStdout(), "scheduled %s %s on %s at %s\n", e.ID, e.WorkflowID, e.DeviceID, formatTime(e.RunAt))
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&devices, "device", "d", nil, "device serial (repeatable)")
	cmd.Flags().StringVar(&at, "at", "", "run time, RFC3339")
	cmd.Flags().DurationVar(&in, "in", 0, "run after this delay")
	cmd.MarkFlagsMutuallyExclusive("at", "in")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func resolveRunAt(at string, in time.Duration, now time.Time) (time.Time, error) {
	at = strings.TrimSpace(at)
	switch {
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse --at: %w", err)
		}
		return t, nil
	case in > 0:
		return now.Add(in), nil
	default:
		return time.Time{}, errors.New("one of --at or --in is required")
	}
}

func (a *app) scheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled entries and their outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.openEngine(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer svc.Close(context.Background())

			entries := svc.ListSchedules()
			if a.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "WORKFLOW", "DEVICE", "RUN_AT", "STATE", "SUMMARY")
			for _, e := range entries {
				row(tw, e.ID, e.WorkflowID, e.DeviceID, formatTime(e.RunAt), e.State, orDash(e.Summary))
			}
			return tw.Flush()
		},
	}
}

func (a *app) scheduleCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a scheduled entry that has not started",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.openEngine(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer svc.Close(context.Background())

			if err := svc.CancelSchedule(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
}

func (a *app) retryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Inspect the persisted retry queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending and abandoned retry entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.openEngine(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer svc.Close(context.Background())

			pending, err := svc.RetryEntries()
			if err != nil {
				return err
			}
			abandoned, _ := svc.AbandonedRetries()
			if a.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string][]retry.Entry{
					"pending":   pending,
					"abandoned": abandoned,
				})
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "MODULE", "DEVICES", "ATTEMPTS", "NEXT", "STATE", "LAST_ERROR")
			for _, e := range pending {
				row(tw, e.ID, e.ModuleID, strings.Join(e.DeviceIDs, ","), e.Attempts, formatTime(e.NextRetryAt), "pending", orDash(e.LastError))
			}
			for _, e := range abandoned {
				row(tw, e.ID, e.ModuleID, strings.Join(e.DeviceIDs, ","), e.Attempts, "-", "abandoned", orDash(e.LastError))
			}
			return tw.Flush()
		},
	})
	return cmd
}
