// Package engine runs analysis jobs end to end: it provisions the workspace,
// drives the execution container and returns the validated result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deptz/augment-sub000/internal/cancel"
	"github.com/deptz/augment-sub000/internal/diag"
	"github.com/deptz/augment-sub000/internal/failure"
	"github.com/deptz/augment-sub000/internal/protocol"
	"github.com/deptz/augment-sub000/internal/repospec"
	"github.com/deptz/augment-sub000/internal/workspace"
)

// Runner executes requests. Between calls it holds no job state; the only
// shared resource is the orchestrator's concurrency bound.
type Runner struct {
	workspaces *workspace.Provisioner
	orch       *Orchestrator
	maxRepos   int
	jobTimeout time.Duration
	logger     *slog.Logger
	sink       diag.Sink
	now        func() time.Time
}

type RunnerOption func(*Runner)

func WithMaxRepos(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxRepos = n
		}
	}
}

// WithJobTimeout bounds the whole execution, clones included.
func WithJobTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.jobTimeout = d }
}

func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithSink(s diag.Sink) RunnerOption {
	return func(r *Runner) { r.sink = diag.OrNop(s) }
}

func NewRunner(ws *workspace.Provisioner, orch *Orchestrator, opts ...RunnerOption) *Runner {
	r := &Runner{
		workspaces: ws,
		orch:       orch,
		maxRepos:   repospec.DefaultMaxRepos,
		jobTimeout: 20 * time.Minute,
		logger:     slog.Default(),
		sink:       diag.Nop,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) Orchestrator() *Orchestrator { return r.orch }

func (r *Runner) Workspaces() *workspace.Provisioner { return r.workspaces }

// Execute runs one request and returns either the validated result or a
// *failure.Error. The workspace and container are gone when it returns.
func (r *Runner) Execute(ctx context.Context, req protocol.ExecutionRequest, tok cancel.Token) (res protocol.ExecutionResult, err error) {
	if tok == nil {
		tok = cancel.Never
	}
	start := r.now()
	r.sink.Emit(diag.Event{JobID: req.JobID, Stage: diag.StageJob, Type: diag.TypeStarted, Attrs: map[string]any{"job_type": string(req.JobType), "repos": len(req.Repos)}})
	defer func() {
		ev := diag.Event{JobID: req.JobID, Stage: diag.StageJob, Duration: r.now().Sub(start)}
		switch kind := failure.KindOf(err); {
		case err == nil:
			ev.Type = diag.TypeCompleted
			ev.Attrs = map[string]any{"outcome": "completed"}
		case kind == failure.KindCancelled:
			ev.Type = diag.TypeCancelled
			ev.Err = err
			ev.Attrs = map[string]any{"outcome": "cancelled"}
		default:
			ev.Type = diag.TypeFailed
			ev.Err = err
			ev.Attrs = map[string]any{"outcome": string(kind)}
		}
		r.sink.Emit(ev)
	}()

	repos, err := r.validate(req)
	if err != nil {
		return nil, err
	}
	if tok.Cancelled() {
		return nil, cancelledAt("before workspace")
	}

	jobCtx := ctx
	if r.jobTimeout > 0 {
		var cancelJob context.CancelFunc
		jobCtx, cancelJob = context.WithTimeout(ctx, r.jobTimeout)
		defer cancelJob()
	}

	ws, err := r.workspaces.CreateWorkspace(jobCtx, req.JobID, repos)
	if errors.Is(err, workspace.ErrWorkspaceActive) {
		// Another execution owns this job id; its workspace and container stay put.
		return nil, failure.Wrap(failure.KindContainerSpawn, "provision workspace", err)
	}
	if err != nil {
		return nil, r.finalize(ctx, jobCtx, "provision workspace", err)
	}
	defer func() {
		if cleanupErr := r.workspaces.CleanupWorkspace(req.JobID); cleanupErr != nil {
			r.logger.Error("workspace cleanup failed", "job_id", req.JobID, "error", cleanupErr)
		}
	}()

	res, err = r.orch.Execute(jobCtx, Job{
		ID:            req.JobID,
		WorkspacePath: ws.Path,
		Prompt:        req.Prompt,
		JobType:       req.JobType,
		Repos:         repos,
		LLM:           req.LLM,
	}, tok)
	if err != nil {
		return nil, r.finalize(ctx, jobCtx, "execute", err)
	}
	r.logger.Info("job completed", "job_id", req.JobID, "job_type", req.JobType, "duration", r.now().Sub(start).Round(time.Millisecond))
	return res, nil
}

func (r *Runner) validate(req protocol.ExecutionRequest) ([]protocol.RepoSpec, error) {
	const op = "validate request"
	if _, err := r.workspaces.Path(req.JobID); err != nil {
		return nil, failure.Wrap(failure.KindConfiguration, op, err)
	}
	if _, ok := protocol.ParseJobType(string(req.JobType)); !ok {
		return nil, failure.Newf(failure.KindConfiguration, op, "unknown job type %q", req.JobType)
	}
	repos, err := repospec.ValidateAll(req.Repos, r.maxRepos)
	if err != nil {
		return nil, failure.Wrap(failure.KindConfiguration, op, err)
	}
	return repos, nil
}

// finalize maps an error to the job deadline when the job context expired
// while the caller's context did not.
func (r *Runner) finalize(parent, jobCtx context.Context, op string, err error) error {
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil && failure.KindOf(err) != failure.KindCancelled {
		return failure.New(failure.KindJobTimeout, op, fmt.Sprintf("job exceeded %s", r.jobTimeout)).WithDetail(err.Error())
	}
	if parent.Err() != nil && failure.KindOf(err) != failure.KindCancelled {
		return failure.FromContext(op, parent.Err())
	}
	return failure.Classify(op, err)
}
