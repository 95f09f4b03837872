//go:build windows

package process

import (
	stderrors "errors"
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// terminateGroup kills cmd outright; windows has no SIGTERM.
func terminateGroup(cmd *exec.Cmd) error { return killGroup(cmd) }

func killGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	err := cmd.Process.Kill()
	if stderrors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
