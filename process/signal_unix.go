//go:build !windows

package process

import (
	stderrors "errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup sends sig to the process group of cmd. A group that is already
// gone is not an error.
func signalGroup(cmd *exec.Cmd, sig unix.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	err := unix.Kill(-cmd.Process.Pid, sig)
	if stderrors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func terminateGroup(cmd *exec.Cmd) error { return signalGroup(cmd, unix.SIGTERM) }

func killGroup(cmd *exec.Cmd) error { return signalGroup(cmd, unix.SIGKILL) }
