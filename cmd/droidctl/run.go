package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/droidctl/internal/executor"
	"github.com/danmuck/droidctl/internal/modules"
	"github.com/spf13/cobra"
)

var errRunFailed = errors.New("run failed")

func (a *app) runCmd() *cobra.Command {
	var (
		devices      []string
		pairs        []string
		paramsJSON   string
		devicePairs  []string
		noRetryQueue bool
	)
	cmd := &cobra.Command{
		Use:   "run <module>",
		Short: "Run one module on one or more devices",
		Example: `  droidctl run ping -d emulator-5554 -d R58N -p host=8.8.8.8 -p duration=5
  droidctl run call_test -d R58N --params-json '{"number":"+15550100","repeat":2}'
  droidctl run wrong_apn -d A -d B --device-param 'A,apn=ims' --device-param 'B,apn=internet'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(paramsJSON, pairs)
			if err != nil {
				return err
			}
			byDevice, err := parseDeviceParams(devicePairs)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			svc, err := a.openEngine(ctx, !noRetryQueue)
			if err != nil {
				return err
			}
			defer svc.Close(context.Background())

			var report executor.Report
			if noRetryQueue {
				report, err = svc.ExecuteOnce(ctx, args[0], devices, params, byDevice)
			} else {
				report, err = svc.Execute(ctx, args[0], devices, params, byDevice)
			}
			if err != nil {
				return err
			}
			if err := a.printReport(cmd, devices, report); err != nil {
				return err
			}
			if !report.Success {
				return fmt.Errorf("%w: %s", errRunFailed, report.Summary)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&devices, "device", "d", nil, "device serial (repeatable)")
	cmd.Flags().StringArrayVarP(&pairs, "param", "p", nil, "module parameter key=value (repeatable)")
	cmd.Flags().StringVar(&paramsJSON, "params-json", "", "module parameters as a JSON object")
	cmd.Flags().StringArrayVar(&devicePairs, "device-param", nil, "per-device parameter serial,key=value (repeatable)")
	cmd.Flags().BoolVar(&noRetryQueue, "no-retry", false, "do not enqueue failed devices for retry")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func (a *app) printReport(cmd *cobra.Command, order []string, report executor.Report) error {
	out := cmd.OutOrStdout()
	if a.jsonOutput {
		return writeJSON(out, report)
	}
	fmt.Fprintf(out, "run %s %s: %s\n", report.StatusID, report.State, report.Summary)
	tw := newTable(out, "DEVICE", "SUCCESS", "ERROR", "FIELDS")
	seen := map[string]bool{}
	for _, id := range order {
		id = strings.TrimSpace(id)
		res, ok := report.Results[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		row(tw, id, res.Success, orDash(res.Error), formatFields(res.Fields))
	}
	return tw.Flush()
}

// parseParams merges a JSON object with key=value pairs; pairs win.
func parseParams(raw string, pairs []string) (modules.Params, error) {
	params := modules.Params{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return nil, fmt.Errorf("parse --params-json: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("parse --param %q: want key=value", pair)
		}
		params[key] = value
	}
	return params, nil
}

func parseDeviceParams(pairs []string) (map[string]modules.Params, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := map[string]modules.Params{}
	for _, pair := range pairs {
		device, kv, ok := strings.Cut(pair, ",")
		device = strings.TrimSpace(device)
		if !ok || device == "" {
			return nil, fmt.Errorf("parse --device-param %q: want serial,key=value", pair)
		}
		p, err := parseParams("", []string{kv})
		if err != nil {
			return nil, err
		}
		out[device] = modules.Merge(out[device], p)
	}
	return out, nil
}
