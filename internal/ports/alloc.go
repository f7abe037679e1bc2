// Package ports assigns one stable TCP port per project and recognizes
// dev-server readiness announcements in process output.
package ports

import (
	"fmt"
	"net"

	"github.com/atelier-dev/atelier/internal/config"
	"github.com/atelier-dev/atelier/internal/logger"
)

// Allocator hands out dev-server ports. Assignments are persisted in the
// settings document and never change for a project once written.
type Allocator struct {
	Settings *config.Settings
	Base     int
	Span     int

	// probe reports whether a port is currently bindable. Overridable in
	// tests; nil means a real listen probe.
	probe func(port int) bool
}

// Assign returns the project's port, allocating and persisting one on
// first use. fallback is true when the scan window was exhausted and the
// returned port is a best-effort value that was not probed.
func (a *Allocator) Assign(project string) (port int, fallback bool, err error) {
	if p, ok := a.Settings.PortFor(project); ok {
		return p, false, nil
	}

	taken := make(map[int]bool)
	for _, p := range a.Settings.Ports() {
		taken[p] = true
	}

	for candidate := a.Base; candidate < a.Base+a.Span; candidate++ {
		if taken[candidate] {
			continue
		}
		if !a.bindable(candidate) {
			continue
		}
		if err := a.Settings.ClaimPort(project, candidate); err != nil {
			return 0, false, err
		}
		return candidate, false, nil
	}

	// Window exhausted: derive a deterministic best-effort port. Reported
	// upstream as a warning, not fatal.
	p := a.Base + len(taken)
	logger.Warn("port scan exhausted, using fallback", "project", project, "port", p)
	if err := a.Settings.ClaimPort(project, p); err != nil {
		return 0, false, err
	}
	return p, true, nil
}

func (a *Allocator) bindable(port int) bool {
	if a.probe != nil {
		return a.probe(port)
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// Release best-effort kills whatever currently holds port. A stale dev
// server from a previous daemon run may still be bound; the new one must
// get its assigned port back.
func (a *Allocator) Release(port int) {
	freePort(port)
}
