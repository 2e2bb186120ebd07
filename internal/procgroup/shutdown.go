// SPDX-License-Identifier: MIT

package procgroup

import (
	"os/exec"
	"syscall"
	"time"

	"github.com/llamad/llamad/internal/metrics"
)

// Terminate stops a worker's process group: SIGTERM first, SIGKILL if
// the process has not exited within grace. waitCh must carry the result
// of exactly one cmd.Wait; Terminate consumes that result and returns
// it. Safe to call with a nil command.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := signal(cmd, syscall.SIGTERM); err != nil {
		metrics.IncProcSignal("SIGTERM", "error")
	} else {
		metrics.IncProcSignal("SIGTERM", "sent")
	}

	select {
	case err := <-waitCh:
		if err == nil {
			metrics.IncProcWait("exit0")
		} else {
			metrics.IncProcWait("exit_nonzero")
		}
		return err
	case <-time.After(grace):
	}

	if err := signal(cmd, syscall.SIGKILL); err != nil {
		metrics.IncProcSignal("SIGKILL", "error")
	} else {
		metrics.IncProcSignal("SIGKILL", "sent")
	}

	// SIGKILL cannot be caught, so the pending Wait must come back.
	err := <-waitCh
	if err == nil {
		metrics.IncProcWait("forced_exit0")
	} else {
		metrics.IncProcWait("forced_error")
	}
	return err
}
