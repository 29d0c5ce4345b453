// Package timers holds the two cancellable timers a call session owns: a
// single-shot ring timeout and a one-second duration counter.
//
// Both timers tag every fire with the generation they were armed under. The
// owner re-checks the generation on its own queue, so a fire that was already
// in flight when the timer was disarmed is recognised as stale and dropped.
package timers

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the time source used by all timers.
type Clock = clockwork.Clock

// RealClock returns the wall clock.
func RealClock() Clock {
	return clockwork.NewRealClock()
}

// RingTimer is a single-shot cancellable timer.
type RingTimer struct {
	clock Clock

	mu     sync.Mutex
	timer  clockwork.Timer
	gen    uint64
	closed bool
}

// NewRingTimer creates a disarmed ring timer.
func NewRingTimer(clock Clock) *RingTimer {
	if clock == nil {
		clock = RealClock()
	}
	return &RingTimer{clock: clock}
}

// Arm replaces any outstanding timer with one that calls fire after d.
// It returns the generation passed to fire, or 0 if the timer is closed.
func (r *RingTimer) Arm(d time.Duration, fire func(gen uint64)) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0
	}
	r.stopLocked()
	r.gen++
	gen := r.gen
	r.timer = r.clock.AfterFunc(d, func() { fire(gen) })
	return gen
}

// Disarm cancels the outstanding timer, if any. Safe to call repeatedly.
func (r *RingTimer) Disarm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.stopLocked()
		r.gen++
	}
}

// Current reports whether gen is the generation of the timer still armed.
func (r *RingTimer) Current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil && gen == r.gen
}

// Consume disarms the timer if gen is current and reports whether it was.
// The owner calls it when processing a fire.
func (r *RingTimer) Consume(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer == nil || gen != r.gen {
		return false
	}
	r.timer = nil
	r.gen++
	return true
}

// Armed reports whether a timer is outstanding.
func (r *RingTimer) Armed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

// Close disarms the timer and refuses any later Arm.
func (r *RingTimer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	r.gen++
	r.closed = true
}

func (r *RingTimer) stopLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// DurationCounter fires once per interval while running. It never reads the
// clock's time: the owner counts acknowledged ticks.
type DurationCounter struct {
	clock Clock

	mu       sync.Mutex
	timer    clockwork.Timer
	interval time.Duration
	tick     func(gen uint64)
	gen      uint64
	running  bool
	closed   bool
}

// NewDurationCounter creates a stopped counter.
func NewDurationCounter(clock Clock) *DurationCounter {
	if clock == nil {
		clock = RealClock()
	}
	return &DurationCounter{clock: clock}
}

// Start (re)starts the counter. tick is invoked from the clock's goroutine
// after every interval and must hand off to the owner, which then calls
// Acknowledge to schedule the next tick.
func (d *DurationCounter) Start(interval time.Duration, tick func(gen uint64)) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0
	}
	d.stopLocked()
	d.gen++
	d.interval = interval
	d.tick = tick
	d.running = true
	d.scheduleLocked()
	return d.gen
}

// Acknowledge reports whether gen belongs to the running counter and, if so,
// schedules the next tick.
func (d *DurationCounter) Acknowledge(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || gen != d.gen {
		return false
	}
	d.scheduleLocked()
	return true
}

// Stop halts the counter. Safe to call repeatedly.
func (d *DurationCounter) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		d.stopLocked()
		d.gen++
	}
}

// Running reports whether the counter is active.
func (d *DurationCounter) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Close stops the counter and refuses any later Start.
func (d *DurationCounter) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.gen++
	d.closed = true
}

func (d *DurationCounter) scheduleLocked() {
	gen, tick := d.gen, d.tick
	d.timer = d.clock.AfterFunc(d.interval, func() { tick(gen) })
}

func (d *DurationCounter) stopLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.running = false
}
