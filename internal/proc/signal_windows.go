//go:build windows

package proc

import "os/exec"

func setProcAttr(cmd *exec.Cmd) {}

// Windows has no SIGTERM; graceful and forceful both terminate the
// process handle.
func terminate(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}

func kill(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}
