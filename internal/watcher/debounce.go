package watcher

import (
	"sync"
	"time"
)

// debouncer is the idle → pending → fired state machine in front of the
// change callback. Every observed event resets the timer; only an
// uninterrupted quiet period fires, and it fires exactly once per burst
// with the last event seen.
type debouncer struct {
	quiet time.Duration
	fire  func(Event)

	// after schedules the quiet-period callback. Replaced in tests with a
	// fake clock.
	after func(time.Duration, func()) timerHandle

	mu      sync.Mutex
	pending timerHandle
	gen     uint64 // invalidates callbacks from superseded timers
	last    Event
	stopped bool
}

type timerHandle interface {
	Stop() bool
}

func newDebouncer(quiet time.Duration, fire func(Event)) *debouncer {
	return &debouncer{
		quiet: quiet,
		fire:  fire,
		after: func(d time.Duration, f func()) timerHandle { return time.AfterFunc(d, f) },
	}
}

func (d *debouncer) observe(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.last = ev
	if d.pending != nil {
		d.pending.Stop()
	}
	d.gen++
	gen := d.gen
	d.pending = d.after(d.quiet, func() { d.elapsed(gen) })
}

// elapsed runs when the quiet period passes. A Stop that lost the race
// with the timer firing is caught by the generation check.
func (d *debouncer) elapsed(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen || d.pending == nil {
		d.mu.Unlock()
		return
	}
	d.pending = nil
	ev := d.last
	d.mu.Unlock()
	if d.fire != nil {
		d.fire(ev)
	}
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.pending != nil {
		d.pending.Stop()
		d.pending = nil
	}
}
