// Package project is the orchestration core: one ProjectState per project
// name, a FIFO command queue in front of a single agent process, and the
// dev-server + file-watcher lifecycle. All mutation goes through the
// per-project mutex; external resources (processes, watchers, ports) are
// owned by exactly one field at a time and torn down before replacement.
package project

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/atelier-dev/atelier/internal/config"
	"github.com/atelier-dev/atelier/internal/history"
	"github.com/atelier-dev/atelier/internal/ports"
	"github.com/atelier-dev/atelier/internal/proc"
	"github.com/atelier-dev/atelier/internal/protocol"
	"github.com/atelier-dev/atelier/internal/stream"
	"github.com/atelier-dev/atelier/internal/watcher"
)

// Sink carries outbound events to viewers. Broadcast fans out to every
// connection; SendTo targets one viewer and is best-effort (the viewer
// may be gone).
type Sink interface {
	Broadcast(msg protocol.Outbound)
	SendTo(client string, msg protocol.Outbound)
}

// Handle is the supervisor-owned process handle the scheduler holds.
type Handle interface {
	Write(data []byte) error
	PID() int
	Terminate()
	Kill()
}

// SpawnFunc launches a process. Tests substitute a fake.
type SpawnFunc func(spec proc.Spec, cb proc.Callbacks) (Handle, error)

func defaultSpawn(spec proc.Spec, cb proc.Callbacks) (Handle, error) {
	return proc.Start(spec, cb)
}

// Deps is everything a project needs from the outside.
type Deps struct {
	Sink     Sink
	Settings *config.Settings
	History  *history.Store // optional
	Alloc    *ports.Allocator
	Agent    config.AgentConfig
	Dev      config.DevConfig
	Spawn    SpawnFunc
}

// Registry maps project names to their runtime state. Projects are
// created on first reference and live until daemon shutdown; there is no
// removal.
type Registry struct {
	mu       sync.Mutex
	projects map[string]*Project
	deps     Deps
}

func NewRegistry(deps Deps) *Registry {
	if deps.Spawn == nil {
		deps.Spawn = defaultSpawn
	}
	return &Registry{
		projects: make(map[string]*Project),
		deps:     deps,
	}
}

// Get returns the state for name, creating it on first reference. The
// same instance is returned for the same name for the registry's
// lifetime.
func (r *Registry) Get(name string) *Project {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.projects[name]; ok {
		return p
	}
	p := &Project{name: name, deps: &r.deps}
	r.projects[name] = p
	return p
}

// Names returns all known project names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.projects))
	for name := range r.projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown tears down every live process and watcher. Used on daemon
// exit only.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	projects := make([]*Project, 0, len(r.projects))
	for _, p := range r.projects {
		projects = append(projects, p)
	}
	r.mu.Unlock()
	for _, p := range projects {
		p.StopSession()
		p.StopDev()
	}
}

// queuedCommand is one pending submit.
type queuedCommand struct {
	text  string
	files []protocol.Attachment
}

// Project is the full runtime state for one project name.
type Project struct {
	name string
	deps *Deps

	mu    sync.Mutex
	ready bool

	agent         Handle
	agentRunID    string
	agentEpoch    uint64 // distinguishes processes across restarts
	agentOut      *stream.Parser
	agentErr      *stream.Parser
	agentTail     []byte
	queue         []queuedCommand
	lastClient    string
	stopRequested bool

	dev              Handle
	devStarting      bool // install step in flight, no handle yet
	devStopRequested bool // stop arrived while devStarting
	devEpoch         uint64
	devLines         *stream.LineBuffer
	devPort          int
	proxyPort        int
	portConfirmed    bool
	fw               *watcher.Watcher
}

func (p *Project) Name() string { return p.name }

// Dir is the project's working directory under the configured projects
// path.
func (p *Project) Dir() string {
	return filepath.Join(p.deps.Settings.ProjectsPath(), p.name)
}

// State snapshots the project for gateway replay.
func (p *Project) State() protocol.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return protocol.State{
		ClaudeReady:    p.ready,
		NetlifyRunning: p.dev != nil,
		VitePort:       p.devPort,
		NetlifyPort:    p.proxyPort,
		QueueLength:    len(p.queue),
	}
}

func (p *Project) broadcast(msg protocol.Outbound) {
	if p.deps.Sink != nil {
		p.deps.Sink.Broadcast(msg)
	}
}

func (p *Project) sendTo(client string, msg protocol.Outbound) {
	if p.deps.Sink == nil {
		return
	}
	if client == "" {
		p.deps.Sink.Broadcast(msg)
		return
	}
	p.deps.Sink.SendTo(client, msg)
}
