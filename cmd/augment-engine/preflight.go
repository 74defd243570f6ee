package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/deptz/augment-sub000/internal/container"
	"github.com/deptz/augment-sub000/internal/requirements"
)

// hostTools lists what the provisioner shells out to besides docker.
var hostTools = map[string]string{"git": ">=2.20"}

func newPreflightCmd(global *globalOptions) *cobra.Command {
	var pull bool
	command := &cobra.Command{
		Use:   "preflight",
		Short: "Check docker availability and optionally pull the execution image",
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

			if reasons := requirements.Diagnose(cmd.Context(), hostTools, requirements.ExecProber); len(reasons) > 0 {
				return &exitError{Code: 1, Err: fmt.Errorf("host requirements: %s", strings.Join(reasons, "; "))}
			}
			v, err := container.Preflight(cmd.Context(), a.docker, cfg.Engine.MinDockerVersion)
			if err != nil {
				return &exitError{Code: 1, Err: fmt.Errorf("docker preflight: %w", err)}
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "docker %s ok\n", v)
			if !pull {
				return nil
			}
			if err := a.orch.EnsureImage(cmd.Context()); err != nil {
				return &exitError{Code: 1, Err: err}
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "image %s ready\n", cfg.Engine.DockerImage)
			return nil
		},
	}
	command.Flags().BoolVar(&pull, "pull", false, "also make sure the execution image is present")
	return command
}
