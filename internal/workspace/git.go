package workspace

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"time"
)

// GitRunner runs one git invocation and returns its combined output.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit runs the git binary. When ctx ends the whole process group is
// killed so that helper processes spawned by git do not outlive the clone.
type ExecGit struct{}

func (ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	prepareCommandForCancellation(cmd)
	cmd.Cancel = func() error { return killCommandTree(cmd) }
	cmd.WaitDelay = 5 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}
