package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func (a *app) serveCmd() *cobra.Command {
	var opsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the retry and schedule loops with the ops listener until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("ops-addr") {
				cfg.Ops.Addr = opsAddr
			}
			ctx := cmd.Context()
			svc, err := a.newEngine(ctx, cfg)
			if err != nil {
				return err
			}
			if err := svc.Start(ctx); err != nil {
				_ = svc.Close(context.Background())
				return err
			}
			log.Info().Str("name", cfg.Name).Str("ops", svc.OpsAddr()).Msg("droidctl.serve ready")

			<-ctx.Done()
			log.Info().Msg("droidctl.serve shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return svc.Close(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&opsAddr, "ops-addr", "", "ops listener address; empty disables it")
	return cmd
}
