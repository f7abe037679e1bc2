//go:build !windows

package ports

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/atelier-dev/atelier/internal/logger"
)

// freePort kills the processes listening on port, if any. Errors are
// logged and swallowed: this is a best-effort cleanup of stale holders.
func freePort(port int) {
	out, err := exec.Command("lsof", "-ti", fmt.Sprintf("tcp:%d", port)).Output()
	if err != nil {
		// lsof exits non-zero when nothing holds the port.
		return
	}
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		logger.Info("freeing port", "port", port, "pid", pid)
		if err := unix.Kill(pid, unix.SIGKILL); err != nil {
			logger.Warn("kill stale port holder", "pid", pid, "err", err)
		}
	}
}
