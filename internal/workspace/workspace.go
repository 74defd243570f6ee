// Package workspace provisions the per-job directory that execution
// containers operate on.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/deptz/augment-sub000/internal/diag"
	"github.com/deptz/augment-sub000/internal/protocol"
	"github.com/deptz/augment-sub000/internal/repospec"
)

var (
	ErrInvalidJobID = errors.New("invalid job id")
	// ErrWorkspaceActive reports that a directory for the job already exists.
	// The existing directory is left untouched.
	ErrWorkspaceActive = errors.New("workspace already active for job")
)

// Workspace is a provisioned job directory.
type Workspace struct {
	JobID string
	Path  string
	Repos []string
}

type Provisioner struct {
	baseDir      string
	shallow      bool
	cloneTimeout time.Duration
	username     string
	token        string
	agentsMD     string
	git          GitRunner
	logger       *slog.Logger
	sink         diag.Sink
	now          func() time.Time
}

type Option func(*Provisioner)

func WithShallowClone(shallow bool) Option {
	return func(p *Provisioner) { p.shallow = shallow }
}

func WithCloneTimeout(d time.Duration) Option {
	return func(p *Provisioner) {
		if d > 0 {
			p.cloneTimeout = d
		}
	}
}

// WithCredentials embeds username and token into https clone URLs.
func WithCredentials(username, token string) Option {
	return func(p *Provisioner) {
		p.username = strings.TrimSpace(username)
		p.token = strings.TrimSpace(token)
	}
}

// WithAgentsMD distributes the file at path into the workspace root and each
// cloned repository.
func WithAgentsMD(path string) Option {
	return func(p *Provisioner) { p.agentsMD = strings.TrimSpace(path) }
}

func WithGitRunner(r GitRunner) Option {
	return func(p *Provisioner) {
		if r != nil {
			p.git = r
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provisioner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithSink(s diag.Sink) Option {
	return func(p *Provisioner) { p.sink = diag.OrNop(s) }
}

func New(baseDir string, opts ...Option) *Provisioner {
	p := &Provisioner{
		baseDir:      baseDir,
		shallow:      true,
		cloneTimeout: 300 * time.Second,
		git:          ExecGit{},
		logger:       slog.Default(),
		sink:         diag.Nop,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provisioner) BaseDir() string {
	return p.baseDir
}

// Path returns the directory a job's workspace lives in.
func (p *Provisioner) Path(jobID string) (string, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" || jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) || strings.Contains(jobID, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	return filepath.Join(p.baseDir, jobID), nil
}

func (p *Provisioner) Exists(jobID string) bool {
	path, err := p.Path(jobID)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// CreateWorkspace creates the job directory and clones every repository into
// it. Any failure removes the whole directory before returning.
func (p *Provisioner) CreateWorkspace(ctx context.Context, jobID string, repos []protocol.RepoSpec) (ws Workspace, err error) {
	path, err := p.Path(jobID)
	if err != nil {
		return Workspace{}, err
	}
	start := p.now()
	p.sink.Emit(diag.Event{JobID: jobID, Stage: diag.StageWorkspace, Type: diag.TypeStarted, Attrs: map[string]any{"repos": len(repos)}})

	if err := os.MkdirAll(p.baseDir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace base directory: %w", err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			p.sink.Emit(diag.Event{JobID: jobID, Stage: diag.StageWorkspace, Type: diag.TypeFailed, Err: ErrWorkspaceActive})
			return Workspace{}, fmt.Errorf("%w: %s", ErrWorkspaceActive, jobID)
		}
		return Workspace{}, fmt.Errorf("create workspace directory: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rmErr := os.RemoveAll(path); rmErr != nil {
			p.logger.Warn("remove failed workspace", "job_id", jobID, "path", path, "error", rmErr)
		}
		p.sink.Emit(diag.Event{JobID: jobID, Stage: diag.StageWorkspace, Type: diag.TypeFailed, Err: err})
	}()

	ws = Workspace{JobID: jobID, Path: path}
	used := map[string]int{}
	for _, repo := range repos {
		name := uniqueName(repospec.Name(repo.URL), used)
		if err := p.cloneRepo(ctx, repo, filepath.Join(path, name)); err != nil {
			return Workspace{}, err
		}
		ws.Repos = append(ws.Repos, name)
	}

	if p.agentsMD != "" {
		p.distributeAgentsMD(jobID, path, ws.Repos)
	}

	p.sink.Emit(diag.Event{
		JobID:    jobID,
		Stage:    diag.StageWorkspace,
		Type:     diag.TypeCompleted,
		Duration: p.now().Sub(start),
		Attrs:    map[string]any{"path": path, "repos": strings.Join(ws.Repos, ",")},
	})
	return ws, nil
}

// CleanupWorkspace removes the job directory. Removing an absent workspace succeeds.
func (p *Provisioner) CleanupWorkspace(jobID string) error {
	path, err := p.Path(jobID)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace %q: %w", path, err)
	}
	p.sink.Emit(diag.Event{JobID: jobID, Stage: diag.StageWorkspace, Type: diag.TypeState, Attrs: map[string]any{"state": "removed"}})
	return nil
}

func uniqueName(name string, used map[string]int) string {
	used[name]++
	if n := used[name]; n > 1 {
		candidate := name + "-" + strconv.Itoa(n)
		for used[candidate] > 0 {
			n++
			candidate = name + "-" + strconv.Itoa(n)
		}
		used[candidate]++
		return candidate
	}
	return name
}
