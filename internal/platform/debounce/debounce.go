package debounce

import (
	"sync"
	"time"
)

// Timer is a scheduled task that can be stopped before it fires.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d has elapsed.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemScheduler schedules on the runtime timer.
type SystemScheduler struct{}

// AfterFunc implements Scheduler.
func (SystemScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Option customises a Debouncer.
type Option func(*Debouncer)

// WithScheduler overrides the scheduler, primarily for tests.
func WithScheduler(s Scheduler) Option {
	return func(d *Debouncer) {
		if s != nil {
			d.scheduler = s
		}
	}
}

// Debouncer collapses bursts of triggers into one call of fn after a quiet period. Starting a new
// window cancels the pending one.
type Debouncer struct {
	mu        sync.Mutex
	scheduler Scheduler
	delay     time.Duration
	fn        func()
	timer     Timer
	gen       uint64
	pending   bool
}

// New constructs a debouncer calling fn after delay of inactivity.
func New(delay time.Duration, fn func(), opts ...Option) *Debouncer {
	d := &Debouncer{
		scheduler: SystemScheduler{},
		delay:     delay,
		fn:        fn,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Trigger (re)starts the quiet period.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.gen++
	gen := d.gen
	d.pending = true
	d.timer = d.scheduler.AfterFunc(d.delay, func() { d.fire(gen) })
}

// Cancel drops the pending call. It reports whether a call was pending.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	was := d.pending
	d.stopLocked()
	d.gen++
	return was
}

// Flush runs the pending call immediately on the caller's goroutine. It reports whether a call
// was pending.
func (d *Debouncer) Flush() bool {
	if !d.Cancel() {
		return false
	}
	d.fn()
	return true
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.pending {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.timer = nil
	d.mu.Unlock()
	d.fn()
}

func (d *Debouncer) stopLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = false
}
