package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/deptz/augment-sub000/internal/control"
	"github.com/deptz/augment-sub000/internal/protocol"
)

func dialControl(addr string) (*control.Client, func(), error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("connect control plane %s: %w", addr, err)
	}
	return control.NewClient(conn), func() { _ = conn.Close() }, nil
}

func newCancelCmd(global *globalOptions) *cobra.Command {
	var grpcAddr string
	var kill bool
	command := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := strings.TrimSpace(args[0])
			ctx, stop := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer stop()

			if strings.TrimSpace(grpcAddr) != "" {
				client, closeConn, err := dialControl(grpcAddr)
				if err != nil {
					return err
				}
				defer closeConn()
				resp, err := client.CancelJob(ctx, jobID)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), resp)
			}

			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.Log)
			backend, coord, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer backend.Close()

			rec, ok, err := backend.GetJob(ctx, jobID)
			if err != nil {
				return err
			}
			if ok && !protocol.IsCancellableJobStatus(rec.Status) {
				return &exitError{Code: 1, Err: fmt.Errorf("job %s already %s", jobID, rec.Status)}
			}
			if err := coord.RequestCancellation(ctx, jobID); err != nil {
				return err
			}
			if kill {
				a, err := newApp(ctx, cfg, logger)
				if err != nil {
					return err
				}
				defer a.Close()
				exists, err := a.orch.ContainerExists(ctx, jobID)
				if err != nil {
					return fmt.Errorf("look up container for %s: %w", jobID, err)
				}
				if exists {
					if err := a.orch.KillContainer(ctx, jobID); err != nil {
						return fmt.Errorf("kill container for %s: %w", jobID, err)
					}
					logger.Info("container killed", "job_id", jobID)
				}
			}
			return writeJSON(cmd.OutOrStdout(), protocol.CancelJobResponse{JobID: jobID, Requested: true, Status: rec.Status})
		},
	}
	command.Flags().StringVar(&grpcAddr, "grpc-addr", "", "send the request to a control plane instead of the local store")
	command.Flags().BoolVar(&kill, "kill", false, "also force-remove the job's container")
	return command
}

func newStatusCmd(global *globalOptions) *cobra.Command {
	var grpcAddr string
	var fromArchive bool
	command := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print a job's record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := strings.TrimSpace(args[0])
			ctx, stop := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer stop()

			if strings.TrimSpace(grpcAddr) != "" {
				client, closeConn, err := dialControl(grpcAddr)
				if err != nil {
					return err
				}
				defer closeConn()
				job, err := client.GetJob(ctx, jobID)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), job)
			}

			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.Log)
			if fromArchive {
				a, err := newApp(ctx, cfg, logger)
				if err != nil {
					return err
				}
				defer a.Close()
				return printArchived(ctx, cmd, a, jobID)
			}

			backend, _, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer backend.Close()
			rec, ok, err := backend.GetJob(ctx, jobID)
			if err != nil {
				return err
			}
			if !ok {
				return &exitError{Code: 1, Err: fmt.Errorf("job %s not found", jobID)}
			}
			return writeJSON(cmd.OutOrStdout(), rec)
		},
	}
	command.Flags().StringVar(&grpcAddr, "grpc-addr", "", "query a control plane instead of the local store")
	command.Flags().BoolVar(&fromArchive, "from-archive", false, "print the archived result instead of the record")
	return command
}

func printArchived(ctx context.Context, cmd *cobra.Command, a *app, jobID string) error {
	if a.archive == nil {
		return errors.New("archive is not configured")
	}
	rec, ok, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok || rec.ArchiveKey == "" {
		return &exitError{Code: 1, Err: fmt.Errorf("no archived result for job %s", jobID)}
	}
	res, err := a.archive.LoadResult(ctx, rec.ArchiveKey)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), res)
}
