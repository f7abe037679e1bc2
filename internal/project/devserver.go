package project

import (
	"fmt"
	"strings"
	"time"

	"github.com/atelier-dev/atelier/internal/logger"
	"github.com/atelier-dev/atelier/internal/ports"
	"github.com/atelier-dev/atelier/internal/proc"
	"github.com/atelier-dev/atelier/internal/protocol"
	"github.com/atelier-dev/atelier/internal/stream"
	"github.com/atelier-dev/atelier/internal/watcher"
)

// StartDev launches the preview dev server: assign the project's stable
// port, evict any stale holder, run the dependency install step, spawn
// the server, and start the file watcher. Each failure short of the spawn
// itself is reported and tolerated.
func (p *Project) StartDev() {
	p.mu.Lock()
	if p.dev != nil || p.devStarting {
		p.broadcast(protocol.NetlifyOutput(p.name, "Dev server is already running.\n"))
		p.mu.Unlock()
		return
	}
	p.devStarting = true
	p.mu.Unlock()

	port, fallback, err := p.deps.Alloc.Assign(p.name)
	if err != nil {
		p.abortStart(fmt.Sprintf("Port assignment failed: %v\n", err))
		return
	}
	if fallback {
		p.broadcast(protocol.NetlifyOutput(p.name,
			fmt.Sprintf("Warning: port scan exhausted, using unprobed fallback port %d\n", port)))
	}
	// A previous daemon run may have left its dev server bound.
	p.deps.Alloc.Release(port)

	p.runInstall()

	p.mu.Lock()
	p.devStarting = false
	if p.devStopRequested {
		// Stopped while the install step was running: never spawn.
		p.devStopRequested = false
		p.broadcast(protocol.NetlifyOutput(p.name, "Dev server start cancelled.\n"))
		p.mu.Unlock()
		return
	}
	p.devEpoch++
	epoch := p.devEpoch
	p.devLines = &stream.LineBuffer{}
	p.devPort = port // provisional until an announcement confirms
	p.proxyPort = 0
	p.portConfirmed = false

	spec := proc.Spec{
		Command: p.deps.Dev.Command,
		Args:    p.deps.Dev.Args,
		Dir:     p.Dir(),
		Env:     []string{fmt.Sprintf("PORT=%d", port)},
		Ticks:   -1, // dev servers run until stopped
	}
	handle, err := p.deps.Spawn(spec, proc.Callbacks{
		OnStdout: func(chunk []byte) { p.devChunk(epoch, chunk) },
		OnStderr: func(chunk []byte) { p.devChunk(epoch, chunk) },
		OnExit:   func(e proc.Exit) { p.devExit(epoch, e) },
	})
	if err != nil {
		p.devLines = nil
		p.devPort = 0
		p.broadcast(protocol.NetlifyOutput(p.name,
			fmt.Sprintf("Failed to start %s: %v\n", p.deps.Dev.Command, err)))
		p.mu.Unlock()
		logger.Error("dev server spawn failed", "project", p.name, "err", err)
		return
	}
	p.dev = handle

	fw, err := watcher.New(p.Dir(), func(ev watcher.Event) {
		p.broadcast(protocol.FileChanged(p.name, ev.Kind, ev.Path))
	})
	if err != nil {
		logger.Warn("file watcher failed", "project", p.name, "err", err)
	} else {
		p.fw = fw
	}
	p.mu.Unlock()

	p.broadcast(protocol.NetlifyStarted(p.name))
	logger.Info("dev server started", "project", p.name, "pid", handle.PID(), "port", port)
}

// runInstall executes the dependency install step and waits for it. A
// non-zero exit is reported and the dev-server start continues without
// dependencies; there are no retries.
func (p *Project) runInstall() {
	install := strings.Fields(p.deps.Dev.Install)
	if len(install) == 0 {
		return
	}
	exitCh := make(chan proc.Exit, 1)
	lines := &stream.LineBuffer{}
	chunk := func(b []byte) {
		for _, line := range lines.Feed(b) {
			p.broadcast(protocol.NetlifyOutput(p.name, line+"\n"))
		}
	}
	_, err := p.deps.Spawn(proc.Spec{
		Command: install[0],
		Args:    install[1:],
		Dir:     p.Dir(),
	}, proc.Callbacks{
		OnStdout: chunk,
		OnStderr: chunk,
		OnExit:   func(e proc.Exit) { exitCh <- e },
	})
	if err != nil {
		p.broadcast(protocol.NetlifyOutput(p.name,
			fmt.Sprintf("Install step failed to start: %v, continuing without dependencies.\n", err)))
		return
	}
	e := <-exitCh
	if e.Code != 0 || e.Err != nil {
		p.broadcast(protocol.NetlifyOutput(p.name,
			fmt.Sprintf("Install step exited with code %d, continuing without dependencies.\n", e.Code)))
	}
}

// devChunk splits dev-server output into lines, broadcasts them, and
// feeds each through the port-announcement scanner.
func (p *Project) devChunk(epoch uint64, chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if epoch != p.devEpoch || p.dev == nil {
		return
	}
	for _, line := range p.devLines.Feed(chunk) {
		p.broadcast(protocol.NetlifyOutput(p.name, line+"\n"))
		if ann, ok := ports.Scan(line); ok {
			p.applyAnnouncementLocked(ann)
		}
	}
}

// applyAnnouncementLocked updates the project's ports from one scanner
// match. Proxy ports always re-announce; the dev port accepts a confirmed
// match over a provisional guess, and the first confirmed match is final.
func (p *Project) applyAnnouncementLocked(ann ports.Announcement) {
	if ann.Proxy {
		p.proxyPort = ann.Port
		p.broadcast(protocol.PreviewURL(p.name, previewURL(ann.Port)))
		return
	}
	if p.portConfirmed {
		return
	}
	if p.devPort == 0 || ann.Confirmed {
		p.devPort = ann.Port
		p.portConfirmed = ann.Confirmed
		p.broadcast(protocol.PreviewURL(p.name, previewURL(ann.Port)))
	}
}

// devExit tears down everything tied to the dev server: the watcher goes
// with it, announced ports describe a dead process and are cleared.
func (p *Project) devExit(epoch uint64, e proc.Exit) {
	p.mu.Lock()
	if epoch != p.devEpoch {
		p.mu.Unlock()
		return
	}
	if p.devLines != nil {
		for _, line := range p.devLines.Flush() {
			p.broadcast(protocol.NetlifyOutput(p.name, line+"\n"))
		}
	}
	if p.fw != nil {
		p.fw.Close()
		p.fw = nil
	}
	p.dev = nil
	p.devLines = nil
	p.devPort = 0
	p.proxyPort = 0
	p.portConfirmed = false
	p.broadcast(protocol.NetlifyStopped(p.name))
	p.mu.Unlock()
	logger.Info("dev server exited", "project", p.name, "code", e.Code)
}

// abortStart clears the starting flag and reports why the dev server will
// not come up.
func (p *Project) abortStart(notice string) {
	p.mu.Lock()
	p.devStarting = false
	p.devStopRequested = false
	p.broadcast(protocol.NetlifyOutput(p.name, notice))
	p.mu.Unlock()
}

// StopDev terminates the dev server; the exit notification does the
// actual teardown so every exit path is handled the same way. A stop that
// lands during the install step cancels the pending start instead.
func (p *Project) StopDev() {
	p.mu.Lock()
	dev := p.dev
	if dev == nil && p.devStarting {
		p.devStopRequested = true
	}
	p.mu.Unlock()
	if dev == nil {
		return
	}
	dev.Terminate()
	time.AfterFunc(killGrace, func() {
		p.mu.Lock()
		still := p.dev == dev
		p.mu.Unlock()
		if still {
			logger.Warn("dev server ignored terminate, killing", "project", p.name, "pid", dev.PID())
			dev.Kill()
		}
	})
}

func previewURL(port int) string {
	return fmt.Sprintf("http://localhost:%d", port)
}
