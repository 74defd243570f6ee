package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/deptz/augment-sub000/internal/archive"
	"github.com/deptz/augment-sub000/internal/cancel"
	"github.com/deptz/augment-sub000/internal/config"
	"github.com/deptz/augment-sub000/internal/container"
	"github.com/deptz/augment-sub000/internal/diag"
	"github.com/deptz/augment-sub000/internal/engine"
	"github.com/deptz/augment-sub000/internal/result"
	"github.com/deptz/augment-sub000/internal/store"
	"github.com/deptz/augment-sub000/internal/workspace"
)

func loadConfig(opts *globalOptions) (config.File, error) {
	cfg := config.Default()
	if strings.TrimSpace(opts.ConfigPath) != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if lvl := strings.TrimSpace(opts.LogLevel); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg config.Log) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// app holds the wired engine for one process.
type app struct {
	cfg     config.File
	logger  *slog.Logger
	store   store.Backend
	coord   *cancel.Coordinator
	metrics *diag.Metrics
	sink    diag.Sink
	docker  *container.Docker
	orch    *engine.Orchestrator
	runner  *engine.Runner
	archive *archive.Archiver
}

func openStore(ctx context.Context, cfg config.File, logger *slog.Logger) (store.Backend, *cancel.Coordinator, error) {
	backend, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	return backend, cancel.NewCoordinator(backend, cancel.WithLogger(logger)), nil
}

func newApp(ctx context.Context, cfg config.File, logger *slog.Logger) (*app, error) {
	backend, coord, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: backend, coord: coord}
	a.metrics = diag.NewMetrics(nil)
	a.sink = diag.Multi(diag.Logger(logger), a.metrics)

	w := cfg.Workspace
	provisioner := workspace.New(w.BaseDir,
		workspace.WithShallowClone(w.Shallow()),
		workspace.WithCloneTimeout(w.CloneTimeout()),
		workspace.WithCredentials(w.GitUsername, w.GitToken),
		workspace.WithAgentsMD(w.AgentsMDPath),
		workspace.WithLogger(logger),
		workspace.WithSink(a.sink),
	)

	e := cfg.Engine
	settle := e.SettleDelay()
	if settle == 0 {
		settle = -1
	}
	a.docker = container.NewDocker()
	a.orch = engine.NewOrchestrator(a.docker, engine.Settings{
		Image:         e.DockerImage,
		Network:       e.Network,
		MaxConcurrent: e.MaxConcurrent,
		ReadyTimeout:  e.ReadyTimeout(),
		StopTimeout:   e.StopTimeout(),
		SettleDelay:   settle,
	},
		engine.WithValidator(result.New(
			result.WithFileName(e.ResultFile),
			result.WithMaxBytes(e.MaxResultBytes()),
			result.WithLogger(logger),
		)),
		engine.WithOrchestratorLogger(logger),
		engine.WithOrchestratorSink(a.sink),
	)
	a.runner = engine.NewRunner(provisioner, a.orch,
		engine.WithMaxRepos(w.MaxReposPerJob),
		engine.WithJobTimeout(e.JobTimeout()),
		engine.WithLogger(logger),
		engine.WithSink(a.sink),
	)

	if cfg.Archive.Enabled() {
		objects, err := archive.NewMinioStore(ctx, archive.MinioConfig{
			Endpoint:  cfg.Archive.Endpoint,
			Bucket:    cfg.Archive.Bucket,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			UseSSL:    cfg.Archive.UseSSL,
		})
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		a.archive = archive.New(objects, archive.WithLogger(logger), archive.WithSink(a.sink))
	}
	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
