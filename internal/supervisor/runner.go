// SPDX-License-Identifier: MIT

package supervisor

import (
	"bufio"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/llamad/llamad/internal/procgroup"
)

const stderrRingLines = 256

// runner owns one worker subprocess: the command handle, the stderr
// tail and the single Wait. It is the process_handle of a WorkerInfo.
type runner struct {
	cmd  *exec.Cmd
	ring *LineRing

	// waitCh carries the one cmd.Wait result; procgroup.Terminate
	// consumes it. done closes after the result is posted so any
	// number of watchers can observe the exit.
	waitCh chan error
	done   chan struct{}

	termOnce sync.Once
	termErr  error

	mu      sync.Mutex
	exitErr error
}

// startWorkerProcess launches bin in its own process group with the
// given environment and begins draining stderr into the tail ring.
func startWorkerProcess(bin string, args, env []string) (*runner, error) {
	cmd := exec.Command(bin, args...) // #nosec G204 -- bin comes from daemon config, not request input
	cmd.Env = env
	procgroup.Set(cmd)

	r := &runner{
		cmd:    cmd,
		ring:   NewLineRing(stderrRingLines),
		waitCh: make(chan error, 1),
		done:   make(chan struct{}),
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			r.ring.Append(scanner.Text())
		}
	}()

	go func() {
		// The pipe must be fully drained before Wait closes it.
		<-drained
		err := cmd.Wait()
		r.mu.Lock()
		r.exitErr = err
		r.mu.Unlock()
		r.waitCh <- err
		close(r.done)
	}()

	return r, nil
}

func (r *runner) pid() int {
	if r.cmd == nil || r.cmd.Process == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

// exitObserved reports whether the subprocess has been reaped.
func (r *runner) exitObserved() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *runner) exitError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitErr
}

// terminate runs the SIGTERM-grace-SIGKILL sequence exactly once and
// blocks until the process is reaped. Concurrent callers share the
// first call's result.
func (r *runner) terminate(grace time.Duration) error {
	r.termOnce.Do(func() {
		r.termErr = procgroup.Terminate(r.cmd, r.waitCh, grace)
	})
	return r.termErr
}

// lastStderr returns the newest n stderr lines for diagnostics.
func (r *runner) lastStderr(n int) []string {
	return r.ring.LastN(n)
}
