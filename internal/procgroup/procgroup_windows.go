// SPDX-License-Identifier: MIT

//go:build windows

package procgroup

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func set(cmd *exec.Cmd) {
	// Windows has no POSIX process groups. Termination falls back to
	// killing the leader only.
}

// signal maps SIGKILL to Process.Kill. Graceful signals have no
// reliable equivalent on Windows, so anything else is dropped and the
// SIGKILL escalation in Terminate does the actual work.
func signal(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if sig != syscall.SIGKILL {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release()
	return true
}
