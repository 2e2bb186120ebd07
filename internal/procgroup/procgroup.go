// SPDX-License-Identifier: MIT

// Package procgroup isolates worker subprocesses in their own process
// groups so termination reaps the whole tree, including any children
// the runtime forks for itself.
package procgroup

import "os/exec"

// Set configures cmd to start as the leader of a new process group.
// It must be called before cmd.Start for Terminate to reach children.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// Alive reports whether a process with the given pid still exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return alive(pid)
}
