package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deptz/augment-sub000/internal/version"
)

type exitError struct {
	Code int
	Err  error
}

func (e *exitError) Error() string {
	if e == nil || e.Err == nil {
		return "command failed"
	}
	return e.Err.Error()
}

func (e *exitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type globalOptions struct {
	ConfigPath string
	LogLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		var coded *exitError
		if errors.As(err, &coded) {
			if coded.Err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "augment-engine: %v\n", coded.Err)
			}
			os.Exit(coded.Code)
		}
		_, _ = fmt.Fprintf(os.Stderr, "augment-engine: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "augment-engine",
		Short:         "Run repository analysis jobs in ephemeral containers",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Current(),
	}
	root.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", os.Getenv("AUGMENT_ENGINE_CONFIG"), "config file (YAML or JSONC)")
	root.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log.level")

	root.AddCommand(
		newRunCmd(opts),
		newControlCmd(opts),
		newCancelCmd(opts),
		newStatusCmd(opts),
		newSweepCmd(opts),
		newPreflightCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "augment-engine %s\n", version.Current())
			return err
		},
	}
}
