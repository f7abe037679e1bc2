package project

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-dev/atelier/internal/logger"
	"github.com/atelier-dev/atelier/internal/proc"
	"github.com/atelier-dev/atelier/internal/protocol"
	"github.com/atelier-dev/atelier/internal/stream"
)

const (
	// drainDelay separates the finished event of one command from the
	// started event of the next queued one on the broadcast path.
	drainDelay = 250 * time.Millisecond
	// killGrace is how long a graceful terminate gets before the forceful
	// kill on session stop.
	killGrace = 3 * time.Second
)

// ErrNotReady is returned for commands submitted before the session was
// started. The viewer gets a notice; no state changes.
var ErrNotReady = errors.New("session not started")

// StartSession marks the project ready for commands and sweeps stale
// attachment temp files.
func (p *Project) StartSession() {
	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
	sweepTemp(tempDir(p.Dir()))
	p.broadcast(protocol.ClaudeStarted(p.name))
	logger.Info("session started", "project", p.name)
}

// Ready reports whether a session is active.
func (p *Project) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Submit runs a command now if the agent slot is free, otherwise appends
// it to the FIFO queue. client identifies the issuing viewer; it becomes
// the target for queue-progress notices.
func (p *Project) Submit(text string, files []protocol.Attachment, client string) error {
	p.mu.Lock()
	if !p.ready {
		p.sendTo(client, protocol.ClaudeOutput(p.name,
			"No active session. Start Claude before sending commands.\n"))
		p.mu.Unlock()
		return ErrNotReady
	}
	if p.agent != nil {
		p.queue = append(p.queue, queuedCommand{text: text, files: files})
		p.lastClient = client
		// Emitting under the lock keeps queue snapshots in append order.
		p.sendTo(client, protocol.ClaudeOutput(p.name,
			fmt.Sprintf("Command queued (position %d)\n", len(p.queue))))
		p.broadcast(protocol.QueueUpdate(p.name, p.queueTextsLocked()))
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.execute(text, files, client)
}

// execute spawns the agent process for one command. Caller guarantees the
// agent slot is free (or tolerates re-queueing on a lost race).
func (p *Project) execute(text string, files []protocol.Attachment, client string) error {
	command, err := materialize(p.Dir(), text, files)
	if err != nil {
		p.broadcast(protocol.ClaudeOutput(p.name,
			fmt.Sprintf("Attachment error: %v, running command without attachments.\n", err)))
		command = text
	}

	runID := uuid.NewString()

	p.mu.Lock()
	if p.agent != nil {
		// Lost a race with a concurrent submit; keep FIFO order.
		p.queue = append(p.queue, queuedCommand{text: text, files: files})
		p.lastClient = client
		p.mu.Unlock()
		return nil
	}
	p.agentEpoch++
	epoch := p.agentEpoch
	p.agentOut = &stream.Parser{}
	p.agentErr = &stream.Parser{}
	p.agentTail = nil
	p.agentRunID = runID

	spec := proc.Spec{
		Command: p.deps.Agent.Command,
		Args:    append([]string{"-p", command}, p.deps.Agent.Args...),
		Dir:     p.Dir(),
	}
	handle, err := p.deps.Spawn(spec, proc.Callbacks{
		OnStdout: func(chunk []byte) { p.agentChunk(epoch, chunk, false) },
		OnStderr: func(chunk []byte) { p.agentChunk(epoch, chunk, true) },
		OnExit:   func(e proc.Exit) { p.agentExit(epoch, e) },
	})
	if err != nil {
		p.agentRunID = ""
		p.broadcast(protocol.ClaudeOutput(p.name,
			fmt.Sprintf("Failed to start %s: %v\n", p.deps.Agent.Command, err)))
		p.mu.Unlock()
		logger.Error("agent spawn failed", "project", p.name, "err", err)
		return err
	}
	p.agent = handle
	p.mu.Unlock()

	if p.deps.History != nil {
		if err := p.deps.History.BeginRun(runID, p.name, text); err != nil {
			logger.Warn("history begin", "project", p.name, "err", err)
		}
	}
	p.broadcast(protocol.ClaudeStarted(p.name))
	logger.Info("agent started", "project", p.name, "pid", handle.PID())
	return nil
}

// agentChunk feeds one raw output chunk through the stream parser and
// broadcasts the decoded events. Broadcasting under the lock keeps the
// per-project event order intact.
func (p *Project) agentChunk(epoch uint64, chunk []byte, stderr bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if epoch != p.agentEpoch || p.agent == nil {
		return
	}
	parser := p.agentOut
	if stderr {
		parser = p.agentErr
	}
	for _, text := range parser.Feed(chunk) {
		p.agentTail = append(p.agentTail, text...)
		p.agentTail = append(p.agentTail, '\n')
		p.broadcast(protocol.ClaudeOutput(p.name, text+"\n"))
	}
}

// agentExit handles the single exit notification: flush the parsers,
// record the run, free the slot, and schedule the queue drain.
func (p *Project) agentExit(epoch uint64, e proc.Exit) {
	p.mu.Lock()
	if epoch != p.agentEpoch {
		p.mu.Unlock()
		return
	}
	for _, parser := range []*stream.Parser{p.agentOut, p.agentErr} {
		if parser == nil {
			continue
		}
		for _, text := range parser.Flush() {
			p.agentTail = append(p.agentTail, text...)
			p.agentTail = append(p.agentTail, '\n')
			p.broadcast(protocol.ClaudeOutput(p.name, text+"\n"))
		}
	}

	outcome := "ok"
	switch {
	case p.stopRequested:
		outcome = "stopped"
	case e.TimedOut:
		outcome = "timeout"
		p.broadcast(protocol.ClaudeOutput(p.name,
			"Command timed out after 10 minutes, process killed.\n"))
	case e.Err != nil:
		outcome = "error"
		p.broadcast(protocol.ClaudeOutput(p.name, fmt.Sprintf("Process error: %v\n", e.Err)))
	case e.Code != 0:
		outcome = "error"
		p.broadcast(protocol.ClaudeOutput(p.name, fmt.Sprintf("Process exited with code %d\n", e.Code)))
	}
	p.stopRequested = false
	p.agent = nil
	p.agentOut = nil
	p.agentErr = nil
	runID := p.agentRunID
	p.agentRunID = ""
	tail := string(p.agentTail)
	p.agentTail = nil
	queued := len(p.queue)
	p.broadcast(protocol.ClaudeStopped(p.name))
	p.mu.Unlock()

	if p.deps.History != nil && runID != "" {
		if err := p.deps.History.FinishRun(runID, outcome, e.Code, tail); err != nil {
			logger.Warn("history finish", "project", p.name, "err", err)
		}
	}
	logger.Info("agent exited", "project", p.name, "outcome", outcome, "code", e.Code)

	if queued > 0 {
		time.AfterFunc(drainDelay, p.drainQueue)
	}
}

// drainQueue starts the head of the queue, if the slot is still free and
// the session still active by the time the delay elapses.
func (p *Project) drainQueue() {
	p.mu.Lock()
	if !p.ready || p.agent != nil || len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	head := p.queue[0]
	p.queue = p.queue[1:]
	client := p.lastClient
	p.sendTo(client, protocol.ClaudeOutput(p.name, "Starting queued command: "+head.text+"\n"))
	p.broadcast(protocol.QueueUpdate(p.name, p.queueTextsLocked()))
	p.mu.Unlock()

	if err := p.execute(head.text, head.files, client); err != nil {
		// A spawn failure is terminal for that command only; the rest of
		// the queue keeps draining in submission order.
		time.AfterFunc(drainDelay, p.drainQueue)
	}
}

// StopSession terminates the active agent process, discards the queue,
// and clears the ready flag. Discarded items are reported, never run.
func (p *Project) StopSession() {
	p.mu.Lock()
	discarded := len(p.queue)
	p.queue = nil
	p.ready = false
	agent := p.agent
	if agent != nil {
		p.stopRequested = true
	}
	if discarded > 0 {
		p.broadcast(protocol.ClaudeOutput(p.name,
			fmt.Sprintf("Discarded %d queued command(s)\n", discarded)))
		p.broadcast(protocol.QueueUpdate(p.name, nil))
	}
	if agent == nil {
		// claude-stopped otherwise follows from the exit notification.
		p.broadcast(protocol.ClaudeStopped(p.name))
	}
	p.mu.Unlock()

	if agent != nil {
		p.terminateWithGrace(agent)
	}
	logger.Info("session stopped", "project", p.name, "discarded", discarded)
}

// StopCurrent interrupts the in-flight command only. The session stays
// ready and the queue drains normally once the process exits.
func (p *Project) StopCurrent() {
	p.mu.Lock()
	agent := p.agent
	if agent != nil {
		p.stopRequested = true
	}
	p.mu.Unlock()
	if agent == nil {
		p.broadcast(protocol.ClaudeOutput(p.name, "No command is running.\n"))
		return
	}
	p.terminateWithGrace(agent)
}

// terminateWithGrace asks nicely, then kills if the same process is still
// in the slot after the grace window.
func (p *Project) terminateWithGrace(h Handle) {
	h.Terminate()
	time.AfterFunc(killGrace, func() {
		p.mu.Lock()
		still := p.agent == h
		p.mu.Unlock()
		if still {
			logger.Warn("graceful terminate ignored, killing", "project", p.name, "pid", h.PID())
			h.Kill()
		}
	})
}

func (p *Project) queueTextsLocked() []string {
	texts := make([]string, len(p.queue))
	for i, q := range p.queue {
		texts[i] = q.text
	}
	return texts
}
