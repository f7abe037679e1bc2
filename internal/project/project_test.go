package project

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atelier-dev/atelier/internal/config"
	"github.com/atelier-dev/atelier/internal/ports"
	"github.com/atelier-dev/atelier/internal/proc"
	"github.com/atelier-dev/atelier/internal/protocol"
)

// fakeSink records every outbound message.
type fakeSink struct {
	mu     sync.Mutex
	all    []protocol.Outbound
	direct map[string][]protocol.Outbound
}

func newFakeSink() *fakeSink {
	return &fakeSink{direct: make(map[string][]protocol.Outbound)}
}

func (s *fakeSink) Broadcast(msg protocol.Outbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all = append(s.all, msg)
}

func (s *fakeSink) SendTo(client string, msg protocol.Outbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.direct[client] = append(s.direct[client], msg)
	s.all = append(s.all, msg)
}

func (s *fakeSink) ofType(typ string) []protocol.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Outbound
	for _, m := range s.all {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// fakeProc stands in for a supervised OS process; tests drive its
// callbacks by hand.
type fakeProc struct {
	spec       proc.Spec
	cb         proc.Callbacks
	mu         sync.Mutex
	terminated bool
	killed     bool
}

func (f *fakeProc) Write(data []byte) error { return nil }
func (f *fakeProc) PID() int                { return 4242 }

func (f *fakeProc) Terminate() {
	f.mu.Lock()
	f.terminated = true
	f.mu.Unlock()
}

func (f *fakeProc) Kill() {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
}

func (f *fakeProc) exit(e proc.Exit) {
	if f.cb.OnExit != nil {
		f.cb.OnExit(e)
	}
}

// fakeRunner hands out fakeProcs. Commands listed in autoExit finish on
// their own (the install step must, or StartDev would wait forever).
type fakeRunner struct {
	mu       sync.Mutex
	procs    []*fakeProc
	autoExit map[string]proc.Exit
	failures int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{autoExit: make(map[string]proc.Exit)}
}

// failNext makes the next n spawn calls fail.
func (r *fakeRunner) failNext(n int) {
	r.mu.Lock()
	r.failures += n
	r.mu.Unlock()
}

func (r *fakeRunner) spawn(spec proc.Spec, cb proc.Callbacks) (Handle, error) {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return nil, errors.New("spawn refused")
	}
	f := &fakeProc{spec: spec, cb: cb}
	r.procs = append(r.procs, f)
	auto, ok := r.autoExit[spec.Command]
	r.mu.Unlock()
	if ok {
		go f.exit(auto)
	}
	return f, nil
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

func (r *fakeRunner) proc(i int) *fakeProc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[i]
}

// byCommand returns spawned procs for one command, in spawn order.
func (r *fakeRunner) byCommand(cmd string) []*fakeProc {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*fakeProc
	for _, f := range r.procs {
		if f.spec.Command == cmd {
			out = append(out, f)
		}
	}
	return out
}

func testRegistry(t *testing.T) (*Registry, *fakeSink, *fakeRunner) {
	t.Helper()
	settings, err := config.OpenSettings(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := settings.SetProjectsPath(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	sink := newFakeSink()
	runner := newFakeRunner()
	reg := NewRegistry(Deps{
		Sink:     sink,
		Settings: settings,
		Alloc: &ports.Allocator{
			Settings: settings, Base: 4000, Span: 10,
		},
		Agent: config.AgentConfig{Command: "claude", Args: []string{"--output-format", "stream-json"}},
		Dev:   config.DevConfig{Command: "netlify", Args: []string{"dev"}, Install: "npm install"},
		Spawn: runner.spawn,
	})
	runner.autoExit["npm"] = proc.Exit{Code: 0}
	return reg, sink, runner
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegistryGetOrCreate(t *testing.T) {
	reg, _, _ := testRegistry(t)
	a := reg.Get("demo")
	b := reg.Get("demo")
	if a != b {
		t.Error("Get returned different instances for the same name")
	}
	if reg.Get("other") == a {
		t.Error("distinct names share state")
	}
	names := reg.Names()
	if len(names) != 2 || names[0] != "demo" || names[1] != "other" {
		t.Errorf("Names = %v", names)
	}
}

func TestSubmitBeforeStartIsRejected(t *testing.T) {
	reg, sink, runner := testRegistry(t)
	p := reg.Get("demo")

	err := p.Submit("hello", nil, "viewer-1")
	if err != ErrNotReady {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	if runner.count() != 0 {
		t.Error("process spawned despite NotReady")
	}
	notices := sink.direct["viewer-1"]
	if len(notices) != 1 || !strings.Contains(notices[0].Data, "No active session") {
		t.Errorf("notices = %+v", notices)
	}
}

func TestSubmitRunsImmediatelyWhenIdle(t *testing.T) {
	reg, sink, runner := testRegistry(t)
	p := reg.Get("demo")
	p.StartSession()

	if err := p.Submit("add a navbar", nil, "viewer-1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if runner.count() != 1 {
		t.Fatalf("spawned %d processes, want 1", runner.count())
	}
	spec := runner.proc(0).spec
	if spec.Command != "claude" || spec.Args[0] != "-p" || spec.Args[1] != "add a navbar" {
		t.Errorf("spec = %+v", spec)
	}
	if got := sink.ofType(protocol.MsgClaudeStarted); len(got) != 2 {
		// one for the session, one for the command
		t.Errorf("claude-started count = %d, want 2", len(got))
	}
}

func TestQueueFIFOAndDrain(t *testing.T) {
	reg, sink, runner := testRegistry(t)
	p := reg.Get("demo")
	p.StartSession()

	p.Submit("first", nil, "v1")
	p.Submit("second", nil, "v2")
	p.Submit("third", nil, "v2")

	if runner.count() != 1 {
		t.Fatalf("spawned %d, want 1 while busy", runner.count())
	}
	updates := sink.ofType(protocol.MsgQueueUpdate)
	if len(updates) != 2 {
		t.Fatalf("queue updates = %d, want 2", len(updates))
	}
	if got := updates[1].Queue; len(got) != 2 || got[0] != "second" || got[1] != "third" {
		t.Errorf("queue snapshot = %v", got)
	}

	// First command finishes: second starts after the drain delay.
	runner.proc(0).exit(proc.Exit{Code: 0})
	waitFor(t, "second spawn", func() bool { return runner.count() == 2 })
	if args := runner.proc(1).spec.Args; args[1] != "second" {
		t.Errorf("second spawn ran %q", args[1])
	}

	runner.proc(1).exit(proc.Exit{Code: 0})
	waitFor(t, "third spawn", func() bool { return runner.count() == 3 })
	if args := runner.proc(2).spec.Args; args[1] != "third" {
		t.Errorf("third spawn ran %q", args[1])
	}

	runner.proc(2).exit(proc.Exit{Code: 0})
	waitFor(t, "empty queue", func() bool {
		return p.State().QueueLength == 0 && !stateBusy(p)
	})
}

func stateBusy(p *Project) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agent != nil
}

func TestFinishedPrecedesQueuedStart(t *testing.T) {
	reg, sink, runner := testRegistry(t)
	p := reg.Get("demo")
	p.StartSession()
	p.Submit("first", nil, "v1")
	p.Submit("second", nil, "v1")

	runner.proc(0).exit(proc.Exit{Code: 0})
	waitFor(t, "second spawn", func() bool { return runner.count() == 2 })

	// claude-stopped for the first command must appear before the
	// claude-started of the second on the broadcast path.
	sink.mu.Lock()
	defer sink.mu.Unlock()
	stopped, started := -1, -1
	for i, m := range sink.all {
		if m.Type == protocol.MsgClaudeStopped && stopped == -1 {
			stopped = i
		}
		// skip the session-start and first-command started events
		if m.Type == protocol.MsgClaudeStarted {
			started = i
		}
	}
	if stopped == -1 || started == -1 || stopped > started {
		t.Errorf("event order wrong: stopped at %d, last started at %d", stopped, started)
	}
}

func TestSpawnFailureDoesNotStrandQueue(t *testing.T) {
	reg, sink, runner := testRegistry(t)
	p := reg.Get("demo")
	p.StartSession()
	p.Submit("first", nil, "v1")
	p.Submit("second", nil, "v1")
	p.Submit("third", nil, "v1")

	// The drain for "second" fails to spawn; "third" must still run next,
	// in its submitted position.
	runner.failNext(1)
	runner.proc(0).exit(proc.Exit{Code: 0})

	waitFor(t, "next spawn after failure", func() bool { return runner.count() == 2 })
	if args := runner.proc(1).spec.Args; args[1] != "third" {
		t.Errorf("drained %q after the failed command, want third", args[1])
	}
	failed := false
	for _, m := range sink.ofType(protocol.MsgClaudeOutput) {
		if strings.Contains(m.Data, "Failed to start") {
			failed = true
		}
	}
	if !failed {
		t.Error("no spawn-failure notice for the lost command")
	}

	runner.proc(1).exit(proc.Exit{Code: 0})
	waitFor(t, "empty queue", func() bool {
		return p.State().QueueLength == 0 && !stateBusy(p)
	})

	// A fresh submit now runs immediately; nothing older is waiting.
	p.Submit("fourth", nil, "v1")
	waitFor(t, "fourth spawn", func() bool { return runner.count() == 3 })
	if args := runner.proc(2).spec.Args; args[1] != "fourth" {
		t.Errorf("ran %q, want fourth", args[1])
	}
}

func TestQueueSnapshotsBroadcastInOrder(t *testing.T) {
	reg, sink, _ := testRegistry(t)
	p := reg.Get("demo")
	p.StartSession()
	p.Submit("active", nil, "v1")

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.Submit(fmt.Sprintf("cmd-%d", i), nil, "v1")
		}(i)
	}
	wg.Wait()

	updates := sink.ofType(protocol.MsgQueueUpdate)
	if len(updates) != n {
		t.Fatalf("queue updates = %d, want %d", len(updates), n)
	}
	// Each append and its broadcast happen under the project lock, so the
	// snapshots must arrive strictly growing.
	for i, u := range updates {
		if len(u.Queue) != i+1 {
			t.Errorf("snapshot %d has %d entries, want %d", i, len(u.Queue), i+1)
		}
	}
}

func TestStopSessionDiscardsQueue(t *testing.T) {
	reg, sink, runner := testRegistry(t)
	p := reg.Get("demo")
	p.StartSession()
	p.Submit("active", nil, "v1")
	p.Submit("queued-1", nil, "v1")
	p.Submit("queued-2", nil, "v1")

	p.StopSession()

	if !runner.proc(0).terminatedState() {
		t.Error("active process not terminated")
	}
	var discard []protocol.Outbound
	for _, m := range sink.ofType(protocol.MsgClaudeOutput) {
		if strings.Contains(m.Data, "Discarded 2") {
			discard = append(discard, m)
		}
	}
	if len(discard) != 1 {
		t.Errorf("discard notices = %d, want 1", len(discard))
	}

	runner.proc(0).exit(proc.Exit{Code: -1})
	waitFor(t, "claude-stopped", func() bool {
		return len(sink.ofType(protocol.MsgClaudeStopped)) >= 1
	})

	// Nothing may spawn afterward without a new session.
	time.Sleep(2 * drainDelay)
	if runner.count() != 1 {
		t.Errorf("spawned %d processes, want 1", runner.count())
	}
	if p.Ready() {
		t.Error("project still ready after stop")
	}
}

func TestStopCurrentKeepsQueue(t *testing.T) {
	reg, _, runner := testRegistry(t)
	p := reg.Get("demo")
	p.StartSession()
	p.Submit("active", nil, "v1")
	p.Submit("queued", nil, "v1")

	p.StopCurrent()
	if !runner.proc(0).terminatedState() {
		t.Error("active process not terminated")
	}
	runner.proc(0).exit(proc.Exit{Code: -1})

	waitFor(t, "queued command starts", func() bool { return runner.count() == 2 })
	if !p.Ready() {
		t.Error("session lost readiness after stop-current")
	}
}

func TestTimeoutReported(t *testing.T) {
	reg, sink, runner := testRegistry(t)
	p := reg.Get("demo")
	p.StartSession()
	p.Submit("slow", nil, "v1")

	runner.proc(0).exit(proc.Exit{Code: -1, TimedOut: true})
	waitFor(t, "timeout notice", func() bool {
		for _, m := range sink.ofType(protocol.MsgClaudeOutput) {
			if strings.Contains(m.Data, "timed out") {
				return true
			}
		}
		return false
	})
}

func TestAgentOutputDecoded(t *testing.T) {
	reg, sink, runner := testRegistry(t)
	p := reg.Get("demo")
	p.StartSession()
	p.Submit("hi", nil, "v1")

	f := runner.proc(0)
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"hello"}]}}` + "\n"
	// Split mid-record across two chunks: the parser must reassemble.
	f.cb.OnStdout([]byte(line[:20]))
	f.cb.OnStdout([]byte(line[20:]))

	outputs := sink.ofType(protocol.MsgClaudeOutput)
	if len(outputs) != 1 || outputs[0].Data != "hello\n" {
		t.Errorf("outputs = %+v", outputs)
	}

	// Trailing content without a newline is flushed at exit.
	f.cb.OnStdout([]byte("tail without newline"))
	f.exit(proc.Exit{Code: 0})
	waitFor(t, "flushed tail", func() bool {
		for _, m := range sink.ofType(protocol.MsgClaudeOutput) {
			if m.Data == "tail without newline\n" {
				return true
			}
		}
		return false
	})
}

func (f *fakeProc) terminatedState() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}
