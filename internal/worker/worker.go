// Package worker runs engine jobs and records their lifecycle in the job store
// so a separate control-plane process can report and cancel them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/deptz/augment-sub000/internal/cancel"
	"github.com/deptz/augment-sub000/internal/failure"
	"github.com/deptz/augment-sub000/internal/protocol"
	"github.com/deptz/augment-sub000/internal/store"
)

// Executor runs one job to completion.
type Executor interface {
	Execute(ctx context.Context, req protocol.ExecutionRequest, tok cancel.Token) (protocol.ExecutionResult, error)
}

// Archiver keeps a copy of a validated result and returns its object key.
type Archiver interface {
	StoreResult(ctx context.Context, jobID string, jobType protocol.JobType, res protocol.ExecutionResult) (string, error)
}

var (
	ErrJobFinished = errors.New("job already finished")
	ErrJobActive   = errors.New("job already running")
)

type Worker struct {
	exec    Executor
	jobs    store.JobStore
	coord   *cancel.Coordinator
	archive Archiver
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	active map[string]struct{}
}

type Option func(*Worker)

func WithArchiver(a Archiver) Option {
	return func(w *Worker) { w.archive = a }
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func New(exec Executor, jobs store.JobStore, coord *cancel.Coordinator, opts ...Option) *Worker {
	w := &Worker{exec: exec, jobs: jobs, coord: coord, logger: slog.Default(), now: time.Now, active: map[string]struct{}{}}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Submit records req as queued. Submitting a job that is already known is a
// no-op for active jobs and an error for finished ones.
func (w *Worker) Submit(ctx context.Context, req protocol.ExecutionRequest) (protocol.JobRecord, error) {
	id := strings.TrimSpace(req.JobID)
	if id == "" {
		return protocol.JobRecord{}, fmt.Errorf("job id is required")
	}
	rec, ok, err := w.jobs.GetJob(ctx, id)
	if err != nil {
		return protocol.JobRecord{}, fmt.Errorf("load job %q: %w", id, err)
	}
	if ok {
		if protocol.IsTerminalJobStatus(rec.Status) {
			return rec, fmt.Errorf("submit %q: %w", id, ErrJobFinished)
		}
		return rec, nil
	}
	rec = protocol.JobRecord{
		ID:         id,
		JobType:    req.JobType,
		Status:     protocol.JobStatusQueued,
		CreatedUTC: w.now().UTC(),
	}
	if err := w.jobs.PutJob(ctx, rec); err != nil {
		return protocol.JobRecord{}, fmt.Errorf("record job %q: %w", id, err)
	}
	return rec, nil
}

// Run executes req and returns the final job record together with the
// engine's error. A cancel request made while the job was queued is honoured
// at the engine's first checkpoint. A job that is already running, here or in
// another process sharing the store, is refused with ErrJobActive and its
// record is left as it was.
func (w *Worker) Run(ctx context.Context, req protocol.ExecutionRequest) (protocol.JobRecord, error) {
	id := strings.TrimSpace(req.JobID)
	if !w.claim(id) {
		return protocol.JobRecord{ID: id}, fmt.Errorf("run %q: %w", id, ErrJobActive)
	}
	defer w.release(id)

	rec, err := w.Submit(ctx, req)
	if err != nil {
		return rec, err
	}
	if rec.Status == protocol.JobStatusRunning {
		return rec, fmt.Errorf("run %q: %w", rec.ID, ErrJobActive)
	}

	rec.Status = protocol.JobStatusRunning
	rec.StartedUTC = w.now().UTC()
	if err := w.jobs.PutJob(ctx, rec); err != nil {
		return rec, fmt.Errorf("record job %q: %w", rec.ID, err)
	}
	w.logger.Info("job running", "job_id", rec.ID, "job_type", rec.JobType)

	res, runErr := w.exec.Execute(ctx, req, w.coord.Token(ctx, rec.ID))

	// The record must land even when ctx is already done.
	persistCtx := context.WithoutCancel(ctx)
	rec.FinishedUTC = w.now().UTC()
	switch {
	case runErr == nil:
		rec.Status = protocol.JobStatusCompleted
		rec.Result = res
		if w.archive != nil {
			key, err := w.archive.StoreResult(persistCtx, rec.ID, rec.JobType, res)
			if err != nil {
				w.logger.Warn("archive result failed", "job_id", rec.ID, "error", err)
			} else {
				rec.ArchiveKey = key
			}
		}
	case errors.Is(runErr, failure.ErrCancelled):
		rec.Status = protocol.JobStatusCancelled
		rec.ErrorKind = string(failure.KindCancelled)
		rec.ErrorText = runErr.Error()
	default:
		rec.Status = protocol.JobStatusFailed
		rec.ErrorKind = string(failure.KindOf(runErr))
		rec.ErrorText = errorText(runErr)
	}
	if err := w.jobs.PutJob(persistCtx, rec); err != nil {
		w.logger.Error("record job outcome failed", "job_id", rec.ID, "status", rec.Status, "error", err)
	}
	if err := w.coord.ClearFlag(persistCtx, rec.ID); err != nil {
		w.logger.Warn("clear stale cancellation flag", "job_id", rec.ID, "error", err)
	}
	w.logger.Info("job finished", "job_id", rec.ID, "status", rec.Status, "duration", rec.FinishedUTC.Sub(rec.StartedUTC))
	return rec, runErr
}

func (w *Worker) claim(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.active[id]; ok {
		return false
	}
	w.active[id] = struct{}{}
	return true
}

func (w *Worker) release(id string) {
	w.mu.Lock()
	delete(w.active, id)
	w.mu.Unlock()
}

func errorText(err error) string {
	text := err.Error()
	if detail := strings.TrimSpace(failure.DetailOf(err)); detail != "" {
		text += "\n" + detail
	}
	return text
}
