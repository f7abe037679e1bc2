//go:build windows

package ports

import (
	"fmt"
	"os/exec"
)

func freePort(port int) {
	// netstat+taskkill round-trip; best effort only.
	exec.Command("cmd", "/C",
		fmt.Sprintf(`for /f "tokens=5" %%a in ('netstat -ano ^| findstr :%d') do taskkill /F /PID %%a`, port)).Run()
}
