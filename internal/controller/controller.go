// Package controller implements the call lifecycle controller: the single
// place where user commands and Call Service events merge, and where the ring
// timer and duration counter are armed and disarmed.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/dense-identity/callctl/internal/callservice"
	"github.com/dense-identity/callctl/internal/callsession"
	"github.com/dense-identity/callctl/internal/eventloop"
	"github.com/dense-identity/callctl/internal/timers"
	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultRingTimeout  = 30 * time.Second
	DefaultTickInterval = time.Second
	DefaultCallTimeout  = 10 * time.Second
)

// Options configures a Controller. Zero values select defaults.
type Options struct {
	// Queue serialises every transition. When nil the controller runs its
	// own eventloop.Loop.
	Queue        eventloop.Queue
	Clock        timers.Clock
	RingTimeout  time.Duration
	TickInterval time.Duration
	// CallTimeout bounds EndCall, toggle and answer requests to the service.
	CallTimeout  time.Duration
	Logger       *zap.Logger
	NewAttemptID func() string
}

// Warning is a non-fatal problem surfaced to the UI, such as a toggle that
// could not be forwarded to the Call Service.
type Warning struct {
	AttemptID string
	Op        string
	Err       error
}

// Controller drives one call attempt at a time through its lifecycle.
//
// All exported methods are safe for concurrent use. State is only mutated by
// jobs on the controller's queue; listeners are invoked from that queue.
type Controller struct {
	svc   callservice.Service
	queue eventloop.Queue
	loop  *eventloop.Loop
	clock timers.Clock
	log   *zap.Logger

	ringTimeout  time.Duration
	tickInterval time.Duration
	callTimeout  time.Duration
	newID        func() string

	// ctx bounds StartCall requests; cancelled on Close.
	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the queue.
	current *callsession.Session
	machine *callsession.Machine
	// early holds the latest event per session id while a start is pending.
	early map[string]callservice.Event

	ring    *timers.RingTimer
	counter *timers.DurationCounter

	unsubscribe func()
	listeners   *eventloop.Listeners[callsession.Snapshot]
	warnings    *eventloop.Listeners[Warning]

	mu       sync.RWMutex
	snapshot callsession.Snapshot

	closed core.Fuse
}

// New creates a controller bound to svc and subscribes to its event stream.
func New(svc callservice.Service, opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = timers.RealClock()
	}
	c := &Controller{
		svc:          svc,
		clock:        clock,
		log:          log.Named("controller"),
		ringTimeout:  orDefault(opts.RingTimeout, DefaultRingTimeout),
		tickInterval: orDefault(opts.TickInterval, DefaultTickInterval),
		callTimeout:  orDefault(opts.CallTimeout, DefaultCallTimeout),
		newID:        opts.NewAttemptID,
		ring:         timers.NewRingTimer(clock),
		counter:      timers.NewDurationCounter(clock),
		listeners:    eventloop.NewListeners[callsession.Snapshot](),
		warnings:     eventloop.NewListeners[Warning](),
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.queue = opts.Queue
	if c.queue == nil {
		c.loop = eventloop.NewLoop(log).Start(c.ctx)
		c.queue = c.loop
	}

	c.unsubscribe = svc.OnCallStateChange(func(ev callservice.Event) {
		c.post(func() { c.handleEvent(ev) })
	})
	return c
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// post runs job on the queue unless the controller has been closed by then.
func (c *Controller) post(job func()) bool {
	if c.closed.IsBroken() {
		return false
	}
	return c.queue.Post(func() {
		if c.closed.IsBroken() {
			return
		}
		job()
	})
}

// Queue returns the queue transitions run on, so collaborators such as the
// ring coordinator can share it.
func (c *Controller) Queue() eventloop.Queue {
	return c.queue
}

// Clock returns the controller's time source.
func (c *Controller) Clock() timers.Clock {
	return c.clock
}

// Start places an outgoing call. It is accepted only when no non-terminal
// session exists; a prior terminal session is replaced, never resumed.
func (c *Controller) Start(peer callsession.Peer, kind callsession.Kind) error {
	if err := peer.Validate(); err != nil {
		return err
	}
	if c.closed.IsBroken() {
		return callsession.ErrClosed
	}
	if c.Snapshot().Active() {
		return callsession.ErrSessionActive
	}
	if !c.post(func() { c.begin(peer, kind) }) {
		return callsession.ErrClosed
	}
	return nil
}

// Redial starts a fresh attempt to the same peer. Only valid after NoAnswer
// or Failed.
func (c *Controller) Redial() error {
	if c.closed.IsBroken() {
		return callsession.ErrClosed
	}
	snap := c.Snapshot()
	if snap.AttemptID == "" || !snap.State.Redialable() {
		return callsession.ErrNotRedialable
	}
	if !c.post(c.redial) {
		return callsession.ErrClosed
	}
	return nil
}

// AcceptIncoming binds an inbound service session in the Ringing state.
func (c *Controller) AcceptIncoming(sessionID string, peer callsession.Peer, kind callsession.Kind) error {
	if err := peer.Validate(); err != nil {
		return err
	}
	if sessionID == "" {
		return callsession.ErrNoSession
	}
	if c.closed.IsBroken() {
		return callsession.ErrClosed
	}
	if c.Snapshot().Active() {
		return callsession.ErrSessionActive
	}
	if !c.post(func() { c.bindIncoming(sessionID, peer, kind) }) {
		return callsession.ErrClosed
	}
	return nil
}

// Answer accepts the current inbound session.
func (c *Controller) Answer() error {
	if !c.post(c.answer) {
		return callsession.ErrClosed
	}
	return nil
}

// End terminates the current session. Calling it on a terminal session, or
// more than once, is a no-op.
func (c *Controller) End(reason callsession.EndReason) {
	if reason == "" {
		reason = callsession.ReasonCompleted
	}
	c.post(func() { c.end(reason) })
}

// EndSession terminates the current session only if it is bound to the
// service session sessionID.
func (c *Controller) EndSession(sessionID string, reason callsession.EndReason) {
	if reason == "" {
		reason = callsession.ReasonCompleted
	}
	c.post(func() { c.endSession(sessionID, reason) })
}

// ToggleMute flips the local mute flag and forwards it to the service.
func (c *Controller) ToggleMute() {
	c.post(func() { c.toggle(toggleMute) })
}

// ToggleSpeaker flips the local speaker flag and forwards it to the service.
func (c *Controller) ToggleSpeaker() {
	c.post(func() { c.toggle(toggleSpeaker) })
}

// ToggleVideo flips the camera flag of a video call and forwards it to the
// service. Ignored for voice calls.
func (c *Controller) ToggleVideo() {
	c.post(func() { c.toggle(toggleVideo) })
}

// OnStateChange registers listener for every snapshot the controller emits.
// The returned function unsubscribes; it is safe to call more than once.
func (c *Controller) OnStateChange(listener func(callsession.Snapshot)) func() {
	return c.listeners.Add(listener)
}

// OnWarning registers listener for non-fatal warnings.
func (c *Controller) OnWarning(listener func(Warning)) func() {
	return c.warnings.Add(listener)
}

// Snapshot returns the most recently emitted snapshot.
func (c *Controller) Snapshot() callsession.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Close cancels every outstanding timer, unsubscribes from the Call Service
// and drops all listeners. It does not end the call. Idempotent.
func (c *Controller) Close() {
	c.closed.Once(func() {
		c.ring.Close()
		c.counter.Close()
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.listeners.Clear()
		c.warnings.Clear()
		c.cancel()
		if c.loop != nil {
			c.loop.Stop()
		}
		c.log.Info("controller closed")
	})
}

func (c *Controller) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.callTimeout)
}
