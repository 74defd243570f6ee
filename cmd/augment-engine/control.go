package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/deptz/augment-sub000/internal/control"
)

func newControlCmd(global *globalOptions) *cobra.Command {
	var sweepInterval time.Duration
	command := &cobra.Command{
		Use:   "control",
		Short: "Serve job status, cancellation and metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.Log)
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			go a.sweepEvery(cmd.Context(), sweepInterval)

			srv := control.New(a.store, a.coord, control.WithMetrics(a.metrics.Handler()), control.WithLogger(logger))
			return srv.Run(cmd.Context(), control.Listen{
				Addr:         cfg.Control.Addr,
				GRPCAddr:     cfg.Control.GRPCAddr,
				MDNS:         cfg.Control.MDNS,
				MDNSInstance: cfg.Control.MDNSInstance,
			})
		},
	}
	command.Flags().DurationVar(&sweepInterval, "sweep-interval", 10*time.Minute, "interval between orphan sweeps (0 disables)")
	return command
}
