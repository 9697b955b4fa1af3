//go:build !windows

package lifecycle

import (
	"errors"
	"os/exec"
	"syscall"
)

// startInGroup makes the command lead its own process group so a kill
// reaches the scripts and tools it spawns.
func startInGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup asks every process in the group led by pid to exit.
func terminateGroup(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

// killGroup force-kills every process in the group led by pid.
func killGroup(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

// signalGroup treats a group that is already gone as signalled.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
