//go:build !unix

package workspace

import "os/exec"

func prepareCommandForCancellation(*exec.Cmd) {}

func killCommandTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
