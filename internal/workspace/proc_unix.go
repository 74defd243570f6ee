//go:build unix

package workspace

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func prepareCommandForCancellation(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killCommandTree(cmd *exec.Cmd) error {
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		return nil
	}
	// Negative pid signals the whole process group.
	return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
}
