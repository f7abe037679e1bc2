//go:build !windows

package proc

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

func waitExit(t *testing.T, ch <-chan Exit) Exit {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for exit")
		return Exit{}
	}
}

func TestStartCapturesStdout(t *testing.T) {
	var mu sync.Mutex
	var out bytes.Buffer
	exitCh := make(chan Exit, 1)

	_, err := Start(Spec{Command: "sh", Args: []string{"-c", "printf 'hello\\n'"}}, Callbacks{
		OnStdout: func(chunk []byte) {
			mu.Lock()
			out.Write(chunk)
			mu.Unlock()
		},
		OnExit: func(e Exit) { exitCh <- e },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	e := waitExit(t, exitCh)
	if e.Code != 0 || e.Err != nil {
		t.Errorf("exit = %+v, want clean", e)
	}
	mu.Lock()
	defer mu.Unlock()
	if got := out.String(); got != "hello\n" {
		t.Errorf("stdout = %q, want hello", got)
	}
}

func TestStartSeparatesStderr(t *testing.T) {
	var mu sync.Mutex
	var errOut bytes.Buffer
	exitCh := make(chan Exit, 1)

	_, err := Start(Spec{Command: "sh", Args: []string{"-c", "echo oops 1>&2; exit 3"}}, Callbacks{
		OnStderr: func(chunk []byte) {
			mu.Lock()
			errOut.Write(chunk)
			mu.Unlock()
		},
		OnExit: func(e Exit) { exitCh <- e },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	e := waitExit(t, exitCh)
	if e.Code != 3 {
		t.Errorf("exit code = %d, want 3", e.Code)
	}
	mu.Lock()
	defer mu.Unlock()
	if got := errOut.String(); got != "oops\n" {
		t.Errorf("stderr = %q, want oops", got)
	}
}

func TestStartSpawnError(t *testing.T) {
	_, err := Start(Spec{Command: "/no/such/binary-atelier"}, Callbacks{})
	if err == nil {
		t.Fatal("expected spawn error")
	}
}

func TestExitFiresExactlyOnce(t *testing.T) {
	var count int
	var mu sync.Mutex
	done := make(chan struct{})

	_, err := Start(Spec{Command: "true"}, Callbacks{
		OnExit: func(Exit) {
			mu.Lock()
			count++
			mu.Unlock()
			close(done)
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-done
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("OnExit fired %d times", count)
	}
}

func TestWatchdogKillsAtCeiling(t *testing.T) {
	exitCh := make(chan Exit, 1)
	_, err := Start(Spec{Command: "sleep", Args: []string{"60"}, Ticks: 1}, Callbacks{
		OnExit: func(e Exit) { exitCh <- e },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	e := waitExit(t, exitCh)
	if !e.TimedOut {
		t.Errorf("exit = %+v, want TimedOut", e)
	}
}

func TestTerminateEndsProcess(t *testing.T) {
	exitCh := make(chan Exit, 1)
	p, err := Start(Spec{Command: "sleep", Args: []string{"60"}, Ticks: -1}, Callbacks{
		OnExit: func(e Exit) { exitCh <- e },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Terminate()
	e := waitExit(t, exitCh)
	if e.TimedOut {
		t.Error("terminated process should not report timeout")
	}
}

func TestWriteReachesStdin(t *testing.T) {
	var mu sync.Mutex
	var out bytes.Buffer
	exitCh := make(chan Exit, 1)

	p, err := Start(Spec{Command: "cat"}, Callbacks{
		OnStdout: func(chunk []byte) {
			mu.Lock()
			out.Write(chunk)
			mu.Unlock()
		},
		OnExit: func(e Exit) { exitCh <- e },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Write([]byte("ping\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	p.stdin.Close()
	waitExit(t, exitCh)
	mu.Lock()
	defer mu.Unlock()
	if got := out.String(); got != "ping\n" {
		t.Errorf("echoed = %q", got)
	}
}
