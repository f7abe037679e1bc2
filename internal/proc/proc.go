// Package proc owns the lifecycle of one external OS process: spawn,
// stream delivery, watchdog timeout, and termination. Callers get each
// stream as in-order byte chunks and exactly one exit notification.
package proc

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	// watchdogTick is the supervising timer interval.
	watchdogTick = time.Second
	// watchdogCeiling is the number of ticks before a process is
	// considered hung and killed (about ten minutes).
	watchdogCeiling = 600
)

// Spec describes a process to launch.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // appended to the parent environment

	// Ticks overrides watchdogCeiling when positive; <0 disables the
	// watchdog entirely (dev servers run until stopped).
	Ticks int
}

// Exit is the single end-of-life notification for a spawned process.
type Exit struct {
	Code     int
	TimedOut bool
	Err      error // start/wait error other than a non-zero exit
}

// Callbacks receive process events. OnStdout/OnStderr are called from the
// pump goroutines with chunks that are only valid for the duration of the
// call. OnExit fires exactly once, after both streams have drained.
type Callbacks struct {
	OnStdout func(chunk []byte)
	OnStderr func(chunk []byte)
	OnExit   func(Exit)
}

// Process is a handle to one supervised OS process.
type Process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu       sync.Mutex
	timedOut bool
	stopWG   sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Start launches the process described by spec. A failure to create the
// OS process is returned immediately; after a successful start all further
// outcomes arrive through cb.OnExit.
func Start(spec Spec, cb Callbacks) (*Process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stopCh: make(chan struct{}),
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		pump(stdout, cb.OnStdout)
	}()
	go func() {
		defer pumps.Done()
		pump(stderr, cb.OnStderr)
	}()

	ticks := spec.Ticks
	if ticks == 0 {
		ticks = watchdogCeiling
	}
	if ticks > 0 {
		p.stopWG.Add(1)
		go p.watchdog(ticks)
	}

	go func() {
		pumps.Wait()
		err := cmd.Wait()
		p.stopOnce.Do(func() { close(p.stopCh) })
		p.stopWG.Wait()

		p.mu.Lock()
		timedOut := p.timedOut
		p.mu.Unlock()

		exit := Exit{TimedOut: timedOut}
		if err != nil {
			if ee, ok := err.(*exec.ExitError); ok {
				exit.Code = ee.ExitCode()
			} else {
				exit.Code = -1
				exit.Err = err
			}
		}
		if cb.OnExit != nil {
			cb.OnExit(exit)
		}
	}()

	return p, nil
}

// pump delivers reads as chunks until EOF. Chunk boundaries carry no
// meaning; line reassembly is the parser's job.
func pump(r io.Reader, deliver func([]byte)) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 && deliver != nil {
			deliver(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// watchdog ticks once per second and kills the process when the ceiling
// is reached. No retries: a timed-out process is dead.
func (p *Process) watchdog(ceiling int) {
	defer p.stopWG.Done()
	ticker := time.NewTicker(watchdogTick)
	defer ticker.Stop()
	elapsed := 0
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			elapsed++
			if elapsed >= ceiling {
				p.mu.Lock()
				p.timedOut = true
				p.mu.Unlock()
				p.Kill()
				return
			}
		}
	}
}

// Write sends data to the process stdin.
func (p *Process) Write(data []byte) error {
	_, err := p.stdin.Write(data)
	return err
}

// PID returns the OS process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Terminate asks the process (and its group, where the platform supports
// it) to exit gracefully. Callers that need a guarantee follow up with
// Kill after a grace window.
func (p *Process) Terminate() {
	terminate(p.cmd)
}

// Kill forcefully ends the process.
func (p *Process) Kill() {
	kill(p.cmd)
}
