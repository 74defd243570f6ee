package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/deptz/augment-sub000/internal/cancel"
	"github.com/deptz/augment-sub000/internal/container"
	"github.com/deptz/augment-sub000/internal/diag"
	"github.com/deptz/augment-sub000/internal/failure"
	"github.com/deptz/augment-sub000/internal/protocol"
	"github.com/deptz/augment-sub000/internal/result"
	"github.com/deptz/augment-sub000/internal/session"
)

const logTailLines = 50

// Settings tune the orchestrator. Zero values take the defaults noted per field.
type Settings struct {
	Image         string        // config.DefaultDockerImage
	Network       string        // none
	MaxConcurrent int           // 2
	ReadyTimeout  time.Duration // 60s
	ReadyInterval time.Duration // 1s
	StopTimeout   time.Duration // 10s
	SettleDelay   time.Duration // 2s; negative disables
	HostIP        string        // 127.0.0.1
	ConfigDir     string        // os.TempDir()
	StreamRetry   session.RetryPolicy
	StreamSleep   func(context.Context, time.Duration) error
	HTTPClient    *http.Client
}

func (s Settings) withDefaults() Settings {
	if strings.TrimSpace(s.Image) == "" {
		s.Image = "ghcr.io/anomalyco/opencode"
	}
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = 2
	}
	if s.ReadyTimeout <= 0 {
		s.ReadyTimeout = 60 * time.Second
	}
	if s.ReadyInterval <= 0 {
		s.ReadyInterval = time.Second
	}
	if s.StopTimeout <= 0 {
		s.StopTimeout = 10 * time.Second
	}
	if s.SettleDelay == 0 {
		s.SettleDelay = 2 * time.Second
	}
	if s.HostIP == "" {
		s.HostIP = "127.0.0.1"
	}
	if s.ConfigDir == "" {
		s.ConfigDir = os.TempDir()
	}
	if s.StreamRetry.Attempts <= 0 {
		s.StreamRetry = session.DefaultRetryPolicy()
	}
	return s
}

// Job is one orchestrated execution against an already provisioned workspace.
type Job struct {
	ID            string
	WorkspacePath string
	Prompt        string
	JobType       protocol.JobType
	Repos         []protocol.RepoSpec
	LLM           protocol.LLMConfig
}

// Orchestrator runs jobs inside execution containers. It owns each
// container's lifetime and never touches the workspace beyond mounting it.
type Orchestrator struct {
	runtime   container.Runtime
	validator *result.Validator
	settings  Settings
	sem       *semaphore.Weighted
	logger    *slog.Logger
	sink      diag.Sink
	now       func() time.Time

	imageMu    sync.Mutex
	imageReady bool
}

type OrchestratorOption func(*Orchestrator)

func WithValidator(v *result.Validator) OrchestratorOption {
	return func(o *Orchestrator) {
		if v != nil {
			o.validator = v
		}
	}
}

func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithOrchestratorSink(s diag.Sink) OrchestratorOption {
	return func(o *Orchestrator) { o.sink = diag.OrNop(s) }
}

func NewOrchestrator(rt container.Runtime, settings Settings, opts ...OrchestratorOption) *Orchestrator {
	settings = settings.withDefaults()
	o := &Orchestrator{
		runtime:   rt,
		validator: result.New(),
		settings:  settings,
		sem:       semaphore.NewWeighted(int64(settings.MaxConcurrent)),
		logger:    slog.Default(),
		sink:      diag.Nop,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// EnsureImage makes the execution image available. It runs the runtime check
// at most once successfully per orchestrator.
func (o *Orchestrator) EnsureImage(ctx context.Context) error {
	o.imageMu.Lock()
	defer o.imageMu.Unlock()
	if o.imageReady {
		return nil
	}
	start := o.now()
	if err := o.runtime.EnsureImage(ctx, o.settings.Image); err != nil {
		o.sink.Emit(diag.Event{Stage: diag.StageImage, Type: diag.TypeFailed, Err: err, Attrs: map[string]any{"image": o.settings.Image}})
		return failure.Wrap(failure.KindImagePull, "ensure image", err)
	}
	o.imageReady = true
	o.sink.Emit(diag.Event{Stage: diag.StageImage, Type: diag.TypeCompleted, Duration: o.now().Sub(start), Attrs: map[string]any{"image": o.settings.Image}})
	return nil
}

// Execute runs job in a fresh container and returns the validated result.
// The container is stopped and removed on every return path.
func (o *Orchestrator) Execute(ctx context.Context, job Job, tok cancel.Token) (res protocol.ExecutionResult, err error) {
	if tok == nil {
		tok = cancel.Never
	}
	st := newTracker(job.ID, o.sink, o.now)
	defer func() {
		switch {
		case err == nil:
			st.enter(StateCompleted)
		case failure.KindOf(err) == failure.KindCancelled:
			st.enter(StateCancelled)
		default:
			st.enter(StateFailed)
		}
		st.enter(StateCleanedUp)
	}()

	if tok.Cancelled() {
		return nil, cancelledAt("before environment build")
	}
	env, err := BuildEnvironment(job.LLM)
	if err != nil {
		return nil, err
	}
	o.logger.Debug("container environment", "job_id", job.ID, "vars", strings.Join(env.Names(), ","))

	workspacePath, err := filepath.Abs(job.WorkspacePath)
	if err != nil {
		return nil, failure.Wrap(failure.KindInternal, "resolve workspace", err)
	}
	configPath, err := o.writeConfig(job.ID, env)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rmErr := os.Remove(configPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			o.logger.Warn("remove execution config", "job_id", job.ID, "path", configPath, "error", rmErr)
		}
	}()

	if err := o.EnsureImage(ctx); err != nil {
		return nil, err
	}
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, failure.FromContext("wait for slot", err)
	}
	defer o.sem.Release(1)

	if tok.Cancelled() {
		return nil, cancelledAt("before spawn")
	}
	st.enter(StateSpawning)
	containerID, port, spawnErr := o.spawn(ctx, job, env, workspacePath, configPath)
	if containerID != "" {
		defer o.teardown(job.ID, containerID)
	}
	if spawnErr != nil {
		return nil, o.contextual(ctx, spawnErr)
	}
	if tok.Cancelled() {
		return nil, cancelledAt("after spawn")
	}

	st.enter(StateAwaitingReady)
	client := o.client(job.ID, port, env)
	readyStart := o.now()
	if err := client.WaitReady(ctx, session.ReadyOptions{Timeout: o.settings.ReadyTimeout, Interval: o.settings.ReadyInterval}, tok); err != nil {
		if errors.Is(err, failure.ErrContainerNotReady) {
			err = o.withLogTail(ctx, containerID, err)
		}
		o.sink.Emit(diag.Event{JobID: job.ID, Stage: diag.StageReady, Type: diag.TypeFailed, Err: err})
		return nil, o.contextual(ctx, err)
	}
	o.sink.Emit(diag.Event{JobID: job.ID, Stage: diag.StageReady, Type: diag.TypeCompleted, Duration: o.now().Sub(readyStart), Attrs: map[string]any{"port": port}})

	sessionID, err := client.CreateSession(ctx)
	if err != nil {
		return nil, o.contextual(ctx, err)
	}
	st.enter(StateSessionCreated)
	if tok.Cancelled() {
		return nil, cancelledAt("before prompt")
	}

	st.enter(StateStreaming)
	streamStart := o.now()
	if err := client.SendPromptAndStream(ctx, sessionID, job.Prompt, tok); err != nil {
		o.sink.Emit(diag.Event{JobID: job.ID, Stage: diag.StageStream, Type: diag.TypeFailed, Err: err})
		return nil, o.contextual(ctx, err)
	}
	o.sink.Emit(diag.Event{JobID: job.ID, Stage: diag.StageStream, Type: diag.TypeCompleted, Duration: o.now().Sub(streamStart)})
	if tok.Cancelled() {
		return nil, cancelledAt("after streaming")
	}

	st.enter(StateReadingResult)
	if o.settings.SettleDelay > 0 {
		if err := sleep(ctx, o.settings.SettleDelay); err != nil {
			return nil, failure.FromContext("settle", err)
		}
	}
	res, err = o.validator.ReadAndValidate(workspacePath, job.JobType)
	if err != nil {
		if errors.Is(err, failure.ErrResultMissing) {
			o.logSessionMessages(ctx, client, job.ID, sessionID)
		}
		o.sink.Emit(diag.Event{JobID: job.ID, Stage: diag.StageResult, Type: diag.TypeFailed, Err: err})
		return nil, err
	}
	o.sink.Emit(diag.Event{JobID: job.ID, Stage: diag.StageResult, Type: diag.TypeCompleted, Attrs: map[string]any{"keys": len(res)}})
	return res, nil
}

func (o *Orchestrator) writeConfig(jobID string, env Environment) (string, error) {
	data, err := RenderConfig(env)
	if err != nil {
		return "", failure.Wrap(failure.KindConfiguration, "render execution config", err)
	}
	if err := os.MkdirAll(o.settings.ConfigDir, 0o755); err != nil {
		return "", failure.Wrap(failure.KindInternal, "write execution config", err)
	}
	f, err := os.CreateTemp(o.settings.ConfigDir, ContainerName(jobID)+"-*.json")
	if err != nil {
		return "", failure.Wrap(failure.KindInternal, "write execution config", err)
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", failure.Wrap(failure.KindInternal, "write execution config", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", failure.Wrap(failure.KindInternal, "write execution config", err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		_ = os.Remove(path)
		return "", failure.Wrap(failure.KindInternal, "write execution config", err)
	}
	return path, nil
}

// spawn creates and starts the job container. A non-empty reference is
// returned whenever a container may exist, even if a later step failed. When
// create itself fails without a name conflict the daemon may still have made
// the container, so the name is returned for teardown.
func (o *Orchestrator) spawn(ctx context.Context, job Job, env Environment, workspacePath, configPath string) (string, int, error) {
	const op = "spawn container"
	name := ContainerName(job.ID)
	start := o.now()
	spec := container.Spec{
		Name:          name,
		Image:         o.settings.Image,
		Command:       []string{"serve", "--hostname", "0.0.0.0", "--port", fmt.Sprint(ContainerPort)},
		Env:           env.Vars,
		Mounts:        []container.Mount{{Source: workspacePath, Target: WorkspaceMount}, {Source: configPath, Target: ConfigMount, ReadOnly: true}},
		WorkingDir:    WorkspaceMount,
		ContainerPort: ContainerPort,
		HostIP:        o.settings.HostIP,
		Network:       o.settings.Network,
		Labels:        map[string]string{"augment.job_id": job.ID, "augment.job_type": string(job.JobType)},
	}
	id, err := o.runtime.Create(ctx, spec)
	if err != nil {
		o.sink.Emit(diag.Event{JobID: job.ID, Stage: diag.StageSpawn, Type: diag.TypeFailed, Err: err})
		switch {
		case errors.Is(err, container.ErrNameConflict):
			return "", 0, failure.Newf(failure.KindContainerSpawn, op, "container %s already exists", name).WithDetail(err.Error())
		case errors.Is(err, container.ErrImageNotFound):
			return "", 0, failure.Wrap(failure.KindImagePull, op, err)
		default:
			return name, 0, failure.Wrap(failure.KindContainerSpawn, op, err)
		}
	}
	o.sink.Emit(diag.Event{JobID: job.ID, Stage: diag.StageSpawn, Type: diag.TypeCompleted, Duration: o.now().Sub(start), Attrs: map[string]any{"container": name, "container_id": shortID(id)}})

	if err := o.runtime.Start(ctx, id); err != nil {
		o.sink.Emit(diag.Event{JobID: job.ID, Stage: diag.StageSpawn, Type: diag.TypeFailed, Err: err})
		return id, 0, failure.Wrap(failure.KindContainerSpawn, op, err).WithDetail(o.logTail(ctx, id))
	}
	info, err := o.runtime.Inspect(ctx, id, ContainerPort)
	if err != nil {
		return id, 0, failure.Wrap(failure.KindContainerSpawn, op, err)
	}
	if info.HostPort == 0 {
		return id, 0, failure.Newf(failure.KindContainerSpawn, op, "no host port published for %d/tcp", ContainerPort).WithDetail(o.logTail(ctx, id))
	}
	o.logger.Info("container started", "job_id", job.ID, "container", name, "port", info.HostPort)
	return id, info.HostPort, nil
}

// teardown stops and force-removes a container. It runs detached from the
// job context so that cancellation and deadlines cannot skip it.
func (o *Orchestrator) teardown(jobID, containerID string) {
	ctx, cancelTeardown := context.WithTimeout(context.Background(), o.settings.StopTimeout+30*time.Second)
	defer cancelTeardown()
	start := o.now()
	if err := o.runtime.Stop(ctx, containerID, o.settings.StopTimeout); err != nil && !errors.Is(err, container.ErrNotFound) {
		o.logger.Warn("stop container", "job_id", jobID, "container_id", shortID(containerID), "error", err)
	}
	if err := o.runtime.Remove(ctx, containerID); err != nil {
		o.logger.Error("remove container", "job_id", jobID, "container_id", shortID(containerID), "error", err)
		o.sink.Emit(diag.Event{JobID: jobID, Stage: diag.StageTeardown, Type: diag.TypeFailed, Err: err})
		return
	}
	o.sink.Emit(diag.Event{JobID: jobID, Stage: diag.StageTeardown, Type: diag.TypeCompleted, Duration: o.now().Sub(start), Attrs: map[string]any{"container_id": shortID(containerID)}})
}

func (o *Orchestrator) client(jobID string, port int, env Environment) *session.Client {
	opts := []session.Option{
		session.WithJobID(jobID),
		session.WithCredentialName(env.Credential),
		session.WithRetryPolicy(o.settings.StreamRetry),
		session.WithLogger(o.logger),
		session.WithSink(o.sink),
	}
	if o.settings.StreamSleep != nil {
		opts = append(opts, session.WithSleep(o.settings.StreamSleep))
	}
	if o.settings.HTTPClient != nil {
		opts = append(opts, session.WithHTTPClient(o.settings.HTTPClient))
	}
	return session.ForPort(port, opts...)
}

func (o *Orchestrator) logTail(ctx context.Context, containerID string) string {
	logs, err := o.runtime.Logs(context.WithoutCancel(ctx), containerID, logTailLines)
	if err != nil {
		return ""
	}
	return logs
}

func (o *Orchestrator) withLogTail(ctx context.Context, containerID string, err error) error {
	tail := o.logTail(ctx, containerID)
	if tail == "" {
		return err
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		detail := fe.Detail
		if detail != "" {
			detail += "\n"
		}
		return &failure.Error{Kind: fe.Kind, Op: fe.Op, Msg: fe.Msg, Err: fe.Err, Detail: detail + "container logs:\n" + tail}
	}
	return err
}

func (o *Orchestrator) logSessionMessages(ctx context.Context, client *session.Client, jobID, sessionID string) {
	msgs, err := client.Messages(context.WithoutCancel(ctx), sessionID)
	if err != nil {
		o.logger.Warn("list session messages", "job_id", jobID, "error", err)
		return
	}
	o.logger.Warn("result missing after session finished", "job_id", jobID, "session_id", sessionID, "messages", len(msgs))
}

// contextual reports the job context's own error when it ended, so deadline
// and cancellation outrank whatever the interrupted call returned.
func (o *Orchestrator) contextual(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && failure.KindOf(err) != failure.KindCancelled {
		return failure.FromContext("execute", ctxErr)
	}
	return err
}

func cancelledAt(where string) error {
	return failure.New(failure.KindCancelled, "execute", "cancelled "+where)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
