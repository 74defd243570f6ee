package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

type sweepReport struct {
	Workspaces int `json:"workspaces_removed"`
	Containers int `json:"containers_removed"`
	Archived   int `json:"archived_results_removed"`
}

// sweep removes what crashed or abandoned jobs left behind. Each part is best
// effort; failures are logged and the remaining parts still run.
func (a *app) sweep(ctx context.Context) sweepReport {
	var report sweepReport
	report.Workspaces = a.runner.Workspaces().CleanupOrphaned(a.cfg.Workspace.MaxAge())

	if err := a.docker.Available(); err != nil {
		a.logger.Warn("container sweep skipped", "error", err)
	} else if n, err := a.orch.SweepOrphanContainers(ctx, a.cfg.Engine.ContainerMaxAge()); err != nil {
		a.logger.Warn("container sweep failed", "error", err)
	} else {
		report.Containers = n
	}

	if a.archive != nil {
		n, err := a.archive.Sweep(ctx, a.cfg.Archive.Retention())
		if err != nil {
			a.logger.Warn("archive sweep failed", "error", err)
		}
		report.Archived = n
	}
	return report
}

func (a *app) sweepEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := a.sweep(ctx)
			a.logger.Info("periodic sweep finished", "workspaces", report.Workspaces, "containers", report.Containers, "archived", report.Archived)
		}
	}
}

func newSweepCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove orphaned workspaces, containers and expired archived results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, newLogger(cmd.ErrOrStderr(), cfg.Log))
			if err != nil {
				return err
			}
			defer a.Close()
			return writeJSON(cmd.OutOrStdout(), a.sweep(cmd.Context()))
		},
	}
}
