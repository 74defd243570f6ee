// Package control serves the engine's control plane: job status, cancellation,
// health and metrics over HTTP, the same operations over gRPC, and optional
// mDNS advertisement.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"google.golang.org/grpc"

	"github.com/deptz/augment-sub000/internal/cancel"
	"github.com/deptz/augment-sub000/internal/httpx"
	"github.com/deptz/augment-sub000/internal/protocol"
	"github.com/deptz/augment-sub000/internal/store"
	"github.com/deptz/augment-sub000/internal/version"
)

type Server struct {
	jobs    store.JobStore
	coord   *cancel.Coordinator
	metrics http.Handler
	logger  *slog.Logger
	router  http.Handler
}

type Option func(*Server)

func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(jobs store.JobStore, coord *cancel.Coordinator, opts ...Option) *Server {
	s := &Server{jobs: jobs, coord: coord, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthzHandler)
	r.Get("/api/v1/server-info", serverInfoHandler)
	r.Get("/api/v1/jobs", s.listJobsHandler)
	r.Get("/api/v1/jobs/{id}", s.getJobHandler)
	r.Post("/api/v1/jobs/{id}/cancel", s.cancelJobHandler)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func serverInfoHandler(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"name":        "augment-engine",
		"api_version": "1",
		"version":     version.Current(),
	})
}

// listJobsHandler returns the ids of jobs in one status, running by default.
func (s *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	status := protocol.NormalizeJobStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = protocol.JobStatusRunning
	}
	if !protocol.IsActiveJobStatus(status) && !protocol.IsTerminalJobStatus(status) {
		httpx.WriteError(w, http.StatusBadRequest, "unknown status "+status)
		return
	}
	ids, err := s.jobs.ListJobsByStatus(r.Context(), status)
	if err != nil {
		s.logger.Error("list jobs", "status", status, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "list jobs failed")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": status, "job_ids": ids})
}

func (s *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	rec, ok, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		s.logger.Error("load job", "job_id", id, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "load job failed")
		return
	}
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, "job not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

// cancelJobHandler sets the job's cancellation flag. Unknown jobs are still
// flagged so a cancel that races a submission is not lost; finished jobs
// answer 409.
func (s *Server) cancelJobHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		httpx.WriteError(w, http.StatusBadRequest, "job id is required")
		return
	}
	rec, ok, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		s.logger.Error("load job", "job_id", id, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "load job failed")
		return
	}
	if ok && !protocol.IsCancellableJobStatus(rec.Status) {
		httpx.WriteJSON(w, http.StatusConflict, protocol.CancelJobResponse{JobID: id, Requested: false, Status: rec.Status})
		return
	}
	if err := s.coord.RequestCancellation(r.Context(), id); err != nil {
		s.logger.Error("request cancellation", "job_id", id, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "request cancellation failed")
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, protocol.CancelJobResponse{JobID: id, Requested: true, Status: rec.Status})
}

type Listen struct {
	Addr         string
	GRPCAddr     string
	MDNS         bool
	MDNSInstance string
}

// Run serves until ctx is done, then shuts every listener down.
func (s *Server) Run(ctx context.Context, l Listen) error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("control plane started", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("serve http: %w", err)
		}
	}()

	var grpcSrv *grpc.Server
	if strings.TrimSpace(l.GRPCAddr) != "" {
		gln, err := net.Listen("tcp", l.GRPCAddr)
		if err != nil {
			_ = srv.Close()
			return fmt.Errorf("listen grpc %s: %w", l.GRPCAddr, err)
		}
		grpcSrv = grpc.NewServer()
		RegisterEngineControl(grpcSrv, NewGRPCService(s.router))
		go func() {
			s.logger.Info("control plane gRPC started", "addr", gln.Addr().String())
			if err := grpcSrv.Serve(gln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("serve grpc: %w", err)
			}
		}()
	}

	stopMDNS := func() {}
	if l.MDNS {
		stopMDNS = startMDNSAdvertiser(s.logger, l.MDNSInstance, ln.Addr().String())
	}
	defer stopMDNS()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = srv.Close()
		if grpcSrv != nil {
			grpcSrv.Stop()
		}
		return err
	}

	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	s.logger.Info("control plane stopped")
	return nil
}
