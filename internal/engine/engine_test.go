package engine

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deptz/augment-sub000/internal/cancel"
	"github.com/deptz/augment-sub000/internal/diag"
	"github.com/deptz/augment-sub000/internal/failure"
	"github.com/deptz/augment-sub000/internal/protocol"
	"github.com/deptz/augment-sub000/internal/workspace"
)

func testLLM() protocol.LLMConfig {
	return protocol.LLMConfig{Provider: "openai", Model: "gpt-4o", APIKey: "sk-test"}
}

func noSleep(context.Context, time.Duration) error { return nil }

func testSettings(t *testing.T) Settings {
	t.Helper()
	return Settings{
		ReadyTimeout:  2 * time.Second,
		ReadyInterval: 5 * time.Millisecond,
		SettleDelay:   -1,
		ConfigDir:     t.TempDir(),
		StreamSleep:   noSleep,
	}
}

type harness struct {
	rt       *fakeRuntime
	mock     *mockProcess
	orch     *Orchestrator
	runner   *Runner
	rec      *diag.Recorder
	settings Settings
	baseDir  string
}

func newHarness(t *testing.T, result string, opts ...RunnerOption) *harness {
	t.Helper()
	mock := newMockProcess(t, result)
	rt := newFakeRuntime(mock.port())
	rt.onStart = mock.attach
	rec := &diag.Recorder{}
	settings := testSettings(t)
	orch := NewOrchestrator(rt, settings, WithOrchestratorSink(rec))
	baseDir := t.TempDir()
	ws := workspace.New(baseDir, workspace.WithGitRunner(fakeGit{}), workspace.WithSink(rec))
	runner := NewRunner(ws, orch, append([]RunnerOption{WithSink(rec)}, opts...)...)
	return &harness{rt: rt, mock: mock, orch: orch, runner: runner, rec: rec, settings: settings, baseDir: baseDir}
}

func coverageRequest(jobID string) protocol.ExecutionRequest {
	return protocol.ExecutionRequest{
		JobID:   jobID,
		Prompt:  "Check coverage of the story against the repository.",
		JobType: protocol.JobTypeCoverageCheck,
		Repos:   []protocol.RepoSpec{{URL: "https://bitbucket.org/org/repo.git"}},
		LLM:     testLLM(),
	}
}

func TestExecuteEndToEndCoverage(t *testing.T) {
	h := newHarness(t, `{"coverage_percentage": 82, "gaps": []}`)

	res, err := h.runner.Execute(context.Background(), coverageRequest("job-e2e"), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res["coverage_percentage"] != float64(82) {
		t.Fatalf("unexpected result %v", res)
	}
	if h.rt.live() != 0 {
		t.Fatalf("container still present after execute")
	}
	if h.runner.Workspaces().Exists("job-e2e") {
		t.Fatalf("workspace still present after execute")
	}
	entries, err := os.ReadDir(h.settings.ConfigDir)
	if err != nil {
		t.Fatalf("read config dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("generated config left behind: %v", entries)
	}
	if !h.rec.Has(diag.StageTeardown, diag.TypeCompleted) {
		t.Fatalf("expected teardown event")
	}
	var states []string
	for _, e := range h.rec.Events() {
		if e.Stage == diag.StageJob && e.Type == diag.TypeState {
			states = append(states, e.Attrs["state"].(string))
		}
	}
	want := "spawning,awaiting_ready,session_created,streaming,reading_result,completed,cleaned_up"
	if got := strings.Join(states, ","); got != want {
		t.Fatalf("unexpected state sequence %s", got)
	}
}

func TestExecutePassesEnvironmentAndMounts(t *testing.T) {
	h := newHarness(t, `{"coverage_percentage": 10}`)
	var seen atomic.Bool
	h.rt.onStart = func(spec containerSpec) {
		h.mock.attach(spec)
		if spec.Env["OPENAI_API_KEY"] != "sk-test" || spec.Env["LLM_MODEL"] != "gpt-4o" {
			t.Errorf("unexpected env %v", spec.Env)
		}
		if spec.Name != "augment-opencode-job-env" || spec.WorkingDir != WorkspaceMount {
			t.Errorf("unexpected spec %+v", spec)
		}
		if len(spec.Mounts) != 2 || !spec.Mounts[1].ReadOnly || spec.Mounts[1].Target != ConfigMount {
			t.Errorf("unexpected mounts %+v", spec.Mounts)
		}
		seen.Store(true)
	}
	if _, err := h.runner.Execute(context.Background(), coverageRequest("job-env"), nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !seen.Load() {
		t.Fatalf("container was never started")
	}
}

func TestImageEnsuredOncePerOrchestrator(t *testing.T) {
	h := newHarness(t, `{"coverage_percentage": 50}`)
	for _, id := range []string{"job-a", "job-b"} {
		if _, err := h.runner.Execute(context.Background(), coverageRequest(id), nil); err != nil {
			t.Fatalf("execute %s: %v", id, err)
		}
	}
	if h.rt.ensureCalls != 1 {
		t.Fatalf("expected one image check, got %d", h.rt.ensureCalls)
	}
}

func TestCancellationBeforeSpawnCreatesNoContainer(t *testing.T) {
	h := newHarness(t, `{"coverage_percentage": 82}`)
	flag := &cancel.Flag{}
	flag.Cancel()

	_, err := h.runner.Execute(context.Background(), coverageRequest("job-cancel"), flag)
	if !errors.Is(err, failure.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if n := h.rt.createCount(); n != 0 {
		t.Fatalf("expected no containers, got %d", n)
	}
	if h.runner.Workspaces().Exists("job-cancel") {
		t.Fatalf("workspace should not exist")
	}
}

// countdownToken reports cancellation from the (n+1)th check on.
type countdownToken struct {
	n     int32
	calls atomic.Int32
}

func (c *countdownToken) Cancelled() bool {
	return c.calls.Add(1) > c.n
}

func TestCancellationAfterSpawnTearsDown(t *testing.T) {
	h := newHarness(t, `{"coverage_percentage": 82}`)
	tok := &countdownToken{n: 2}
	job := Job{ID: "job-late", WorkspacePath: t.TempDir(), Prompt: "p", JobType: protocol.JobTypeCoverageCheck, LLM: testLLM()}

	_, err := h.orch.Execute(context.Background(), job, tok)
	if !errors.Is(err, failure.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if !strings.Contains(err.Error(), "after spawn") {
		t.Fatalf("expected cancellation after spawn, got %v", err)
	}
	if h.rt.createCount() != 1 || h.rt.live() != 0 {
		t.Fatalf("expected one container created and removed, created=%d live=%d", h.rt.createCount(), h.rt.live())
	}
}

func TestAtMostOneContainerPerJob(t *testing.T) {
	h := newHarness(t, `{"coverage_percentage": 82}`)
	h.mock.hold = make(chan struct{})
	job := Job{ID: "job-dup", WorkspacePath: t.TempDir(), Prompt: "p", JobType: protocol.JobTypeCoverageCheck, LLM: testLLM()}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = h.orch.Execute(context.Background(), job, nil)
	}()
	select {
	case <-h.mock.streaming:
	case <-time.After(5 * time.Second):
		t.Fatalf("first execution never started streaming")
	}
	_, errs[1] = h.orch.Execute(context.Background(), job, nil)
	close(h.mock.hold)
	wg.Wait()

	if errs[0] != nil {
		t.Fatalf("first execution failed: %v", errs[0])
	}
	if !errors.Is(errs[1], failure.ErrContainerSpawn) {
		t.Fatalf("expected spawn error for duplicate, got %v", errs[1])
	}
	if h.rt.createCount() != 1 || h.rt.live() != 0 {
		t.Fatalf("expected exactly one container, created=%d live=%d", h.rt.createCount(), h.rt.live())
	}
}

func TestRunnerRejectsDuplicateJobWithoutTouchingFirst(t *testing.T) {
	h := newHarness(t, `{"coverage_percentage": 82}`)
	h.mock.hold = make(chan struct{})

	var (
		wg    sync.WaitGroup
		first protocol.ExecutionResult
		errs  = make([]error, 2)
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, errs[0] = h.runner.Execute(context.Background(), coverageRequest("job-dup"), nil)
	}()
	select {
	case <-h.mock.streaming:
	case <-time.After(5 * time.Second):
		t.Fatalf("first execution never started streaming")
	}
	_, errs[1] = h.runner.Execute(context.Background(), coverageRequest("job-dup"), nil)
	if !h.runner.Workspaces().Exists("job-dup") {
		t.Fatalf("duplicate removed the running job's workspace")
	}
	close(h.mock.hold)
	wg.Wait()

	if errs[0] != nil {
		t.Fatalf("first execution failed: %v", errs[0])
	}
	if first["coverage_percentage"] != float64(82) {
		t.Fatalf("unexpected first result %v", first)
	}
	if !errors.Is(errs[1], failure.ErrContainerSpawn) || !errors.Is(errs[1], workspace.ErrWorkspaceActive) {
		t.Fatalf("expected spawn error for duplicate, got %v", errs[1])
	}
	if h.rt.createCount() != 1 || h.rt.live() != 0 {
		t.Fatalf("expected exactly one container, created=%d live=%d", h.rt.createCount(), h.rt.live())
	}
	if h.runner.Workspaces().Exists("job-dup") {
		t.Fatalf("workspace left behind after both executions")
	}
}

func TestContainerRemovedWhenCreateFailsAfterDaemonCommitted(t *testing.T) {
	h := newHarness(t, `{"coverage_percentage": 82}`)
	h.rt.createErr = context.DeadlineExceeded
	job := Job{ID: "job-lost", WorkspacePath: t.TempDir(), Prompt: "p", JobType: protocol.JobTypeCoverageCheck, LLM: testLLM()}

	_, err := h.orch.Execute(context.Background(), job, nil)
	if !errors.Is(err, failure.ErrContainerSpawn) {
		t.Fatalf("expected spawn error, got %v", err)
	}
	if h.rt.createCount() != 1 {
		t.Fatalf("expected one create, got %d", h.rt.createCount())
	}
	if h.rt.live() != 0 {
		t.Fatalf("container outlived execute")
	}
}

func TestConfigurationErrorBeforeSpawn(t *testing.T) {
	h := newHarness(t, `{"coverage_percentage": 82}`)
	req := coverageRequest("job-cfg")
	req.LLM.Model = ""
	_, err := h.runner.Execute(context.Background(), req, nil)
	if !errors.Is(err, failure.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if h.rt.createCount() != 0 || h.rt.ensureCalls != 0 {
		t.Fatalf("no runtime work expected, created=%d ensure=%d", h.rt.createCount(), h.rt.ensureCalls)
	}
	if h.runner.Workspaces().Exists("job-cfg") {
		t.Fatalf("workspace should be removed")
	}
}

func TestRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, "")
	req := coverageRequest("job-bad")
	req.Repos = []protocol.RepoSpec{{URL: "file:///etc/passwd"}}
	if _, err := h.runner.Execute(context.Background(), req, nil); !errors.Is(err, failure.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	req = coverageRequest("../escape")
	if _, err := h.runner.Execute(context.Background(), req, nil); !errors.Is(err, failure.ErrConfiguration) {
		t.Fatalf("expected configuration error for bad job id, got %v", err)
	}
	req = coverageRequest("job-type")
	req.JobType = "summarize"
	if _, err := h.runner.Execute(context.Background(), req, nil); !errors.Is(err, failure.ErrConfiguration) {
		t.Fatalf("expected configuration error for job type, got %v", err)
	}
}

func TestNotReadyCarriesLogsAndTearsDown(t *testing.T) {
	h := newHarness(t, "")
	h.mock.setReady(false)
	settings := testSettings(t)
	settings.ReadyTimeout = 40 * time.Millisecond
	orch := NewOrchestrator(h.rt, settings)
	job := Job{ID: "job-slow", WorkspacePath: t.TempDir(), Prompt: "p", JobType: protocol.JobTypeCoverageCheck, LLM: testLLM()}

	_, err := orch.Execute(context.Background(), job, nil)
	if !errors.Is(err, failure.ErrContainerNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}
	detail := failure.DetailOf(err)
	if !strings.Contains(detail, "503") || !strings.Contains(detail, "provider init failed") {
		t.Fatalf("unexpected detail %q", detail)
	}
	if h.rt.live() != 0 {
		t.Fatalf("container should be removed")
	}
}

func TestInvalidResultStillTearsDown(t *testing.T) {
	h := newHarness(t, `{"description": "short..."}`)
	req := coverageRequest("job-short")
	req.JobType = protocol.JobTypeTicketDescription
	_, err := h.runner.Execute(context.Background(), req, nil)
	if !errors.Is(err, failure.ErrResultContent) {
		t.Fatalf("expected content error, got %v", err)
	}
	if h.rt.live() != 0 || h.runner.Workspaces().Exists("job-short") {
		t.Fatalf("resources left behind")
	}
}

func TestMissingResult(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.runner.Execute(context.Background(), coverageRequest("job-none"), nil)
	if !errors.Is(err, failure.ErrResultMissing) {
		t.Fatalf("expected missing result, got %v", err)
	}
	if !strings.Contains(failure.DetailOf(err), "repo") {
		t.Fatalf("expected workspace listing in detail, got %q", failure.DetailOf(err))
	}
}

func TestJobTimeout(t *testing.T) {
	h := newHarness(t, "", WithJobTimeout(150*time.Millisecond))
	h.mock.blockPost = true
	_, err := h.runner.Execute(context.Background(), coverageRequest("job-timeout"), nil)
	if !errors.Is(err, failure.ErrJobTimeout) {
		t.Fatalf("expected job timeout, got %v", err)
	}
	if h.rt.live() != 0 || h.runner.Workspaces().Exists("job-timeout") {
		t.Fatalf("resources left behind")
	}
}

func TestImagePullFailure(t *testing.T) {
	h := newHarness(t, "")
	h.rt.ensureErr = errors.New("pull access denied")
	_, err := h.runner.Execute(context.Background(), coverageRequest("job-img"), nil)
	if !errors.Is(err, failure.ErrImagePull) {
		t.Fatalf("expected image pull error, got %v", err)
	}
	if h.rt.createCount() != 0 {
		t.Fatalf("no container expected")
	}
}

func TestSweepOrphanContainers(t *testing.T) {
	rt := newFakeRuntime(0)
	rt.containers["old"] = &fakeContainer{id: "old", spec: containerSpec{Name: ContainerName("old")}, created: time.Now().Add(-2 * time.Hour)}
	rt.containers["new"] = &fakeContainer{id: "new", spec: containerSpec{Name: ContainerName("new")}, created: time.Now()}
	rt.containers["other"] = &fakeContainer{id: "other", spec: containerSpec{Name: "postgres"}, created: time.Now().Add(-48 * time.Hour)}
	orch := NewOrchestrator(rt, testSettings(t))

	n, err := orch.SweepOrphanContainers(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one container swept, got %d", n)
	}
	if _, ok := rt.specFor(ContainerName("new")); !ok {
		t.Fatalf("fresh container removed")
	}
	if _, ok := rt.specFor("postgres"); !ok {
		t.Fatalf("foreign container removed")
	}
}

func TestKillContainer(t *testing.T) {
	rt := newFakeRuntime(0)
	rt.containers["x"] = &fakeContainer{id: "x", spec: containerSpec{Name: ContainerName("job-k")}, running: true}
	orch := NewOrchestrator(rt, testSettings(t))
	exists, err := orch.ContainerExists(context.Background(), "job-k")
	if err != nil || !exists {
		t.Fatalf("ContainerExists = %v, %v", exists, err)
	}
	if err := orch.KillContainer(context.Background(), "job-k"); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if exists, _ := orch.ContainerExists(context.Background(), "job-k"); exists {
		t.Fatalf("container still exists")
	}
}
