//go:build !windows

package proc

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcAttr puts the child in its own process group so signals reach
// the whole tree (dev servers fork bundlers and proxies).
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Negative pid signals the group; fall back to the single process if
	// the group is already gone.
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGTERM); err != nil {
		cmd.Process.Signal(unix.SIGTERM)
	}
}

func kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil {
		cmd.Process.Kill()
	}
}
