// Package ringer presents an inbound call: it rings the device, arms the
// auto-decline timer and turns the first user gesture into exactly one
// controller operation.
package ringer

import (
	"sync"
	"time"

	"github.com/dense-identity/callctl/internal/callsession"
	"github.com/dense-identity/callctl/internal/eventloop"
	"github.com/dense-identity/callctl/internal/logger"
	"github.com/dense-identity/callctl/internal/timers"
	"github.com/frostbyte73/core"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const DefaultAutoDeclineTimeout = 30 * time.Second

// DefaultPattern alternates one second of vibration with one second of pause.
var DefaultPattern = []time.Duration{
	1000 * time.Millisecond, 1000 * time.Millisecond,
	1000 * time.Millisecond, 1000 * time.Millisecond,
	1000 * time.Millisecond,
}

// ErrPresenting is returned by Present while another call is being presented.
var ErrPresenting = errors.New("ringer: already presenting a call")

// DeviceEffects are the device ring signals. Stops must be safe to call
// when the effect never started.
type DeviceEffects interface {
	StartRingtone() error
	StopRingtone()
	StartVibration(pattern []time.Duration) error
	StopVibration()
}

// Reminder schedules a call-back reminder.
type Reminder interface {
	RemindLater(peer callsession.Peer)
}

// Messenger sends a quick reply instead of answering.
type Messenger interface {
	SendMessage(peer callsession.Peer, text string) error
}

// Controller is the part of the lifecycle controller the coordinator drives.
type Controller interface {
	AcceptIncoming(sessionID string, peer callsession.Peer, kind callsession.Kind) error
	Answer() error
	EndSession(sessionID string, reason callsession.EndReason)
	OnStateChange(listener func(callsession.Snapshot)) func()
	Queue() eventloop.Queue
}

type Options struct {
	Clock              timers.Clock
	AutoDeclineTimeout time.Duration
	Pattern            []time.Duration
	Reminder           Reminder
	Messenger          Messenger
	Logger             *zap.Logger
}

type presentation struct {
	sessionID string
	peer      callsession.Peer

	// committed admits one gesture; stopped guards effect teardown.
	committed core.Fuse
	stopped   core.Fuse
	// ready breaks once effects and the timer are set up; settled once the
	// controller reports the call answered or over.
	ready   core.Fuse
	settled core.Fuse

	ringtoneOn  bool
	vibrationOn bool
	unsubscribe func()
}

// Coordinator couples the controller to device effects for inbound calls.
type Coordinator struct {
	ctrl    Controller
	effects DeviceEffects
	opts    Options
	log     *zap.Logger
	timer   *timers.RingTimer

	mu      sync.Mutex
	current *presentation
}

func New(ctrl Controller, effects DeviceEffects, opts Options) *Coordinator {
	if opts.AutoDeclineTimeout <= 0 {
		opts.AutoDeclineTimeout = DefaultAutoDeclineTimeout
	}
	if len(opts.Pattern) == 0 {
		opts.Pattern = DefaultPattern
	}
	log := logger.OrNop(opts.Logger)
	return &Coordinator{
		ctrl:    ctrl,
		effects: effects,
		opts:    opts,
		log:     log.Named("ringer"),
		timer:   timers.NewRingTimer(opts.Clock),
	}
}

// Present binds the inbound session to the controller and starts ringing.
func (c *Coordinator) Present(sessionID string, peer callsession.Peer, kind callsession.Kind) error {
	p := &presentation{sessionID: sessionID, peer: peer}
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return ErrPresenting
	}
	c.current = p
	c.mu.Unlock()

	// Subscribe first: the controller may bind and end the call before
	// AcceptIncoming returns.
	p.unsubscribe = c.ctrl.OnStateChange(func(s callsession.Snapshot) {
		if s.SessionID != p.sessionID || s.Direction != callsession.DirectionIncoming {
			return
		}
		if s.State == callsession.StateConnected || s.State.IsTerminal() {
			p.committed.Break()
			p.settled.Break()
			if p.ready.IsBroken() {
				c.finish(p)
			}
		}
	})
	if err := c.ctrl.AcceptIncoming(sessionID, peer, kind); err != nil {
		p.unsubscribe()
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		return err
	}

	if err := c.effects.StartRingtone(); err != nil {
		c.log.Warn("ringtone unavailable", zap.String("session_id", sessionID), zap.Error(err))
	} else {
		p.ringtoneOn = true
	}
	if err := c.effects.StartVibration(c.opts.Pattern); err != nil {
		c.log.Warn("vibration unavailable", zap.String("session_id", sessionID), zap.Error(err))
	} else {
		p.vibrationOn = true
	}
	queue := c.ctrl.Queue()
	c.timer.Arm(c.opts.AutoDeclineTimeout, func(gen uint64) {
		queue.Post(func() { c.onAutoDecline(p, gen) })
	})

	p.ready.Break()
	if p.settled.IsBroken() {
		c.log.Info("incoming call settled during presentation", zap.String("session_id", sessionID))
		c.finish(p)
		return nil
	}
	c.log.Info("presenting incoming call", zap.String("session_id", sessionID), zap.String("from", peer.ID))
	return nil
}

// Presenting reports whether a call is being presented.
func (c *Coordinator) Presenting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// active returns the current presentation once it is fully set up.
func (c *Coordinator) active() *presentation {
	c.mu.Lock()
	p := c.current
	c.mu.Unlock()
	if p == nil || !p.ready.IsBroken() {
		return nil
	}
	return p
}

// commit runs action for the first gesture on the current presentation.
func (c *Coordinator) commit(p *presentation, gesture string, action func(p *presentation)) bool {
	if p == nil {
		return false
	}
	won := false
	p.committed.Once(func() { won = true })
	if !won {
		c.log.Debug("gesture ignored", zap.String("gesture", gesture), zap.String("session_id", p.sessionID))
		return false
	}
	c.finish(p)
	c.log.Info("gesture committed", zap.String("gesture", gesture), zap.String("session_id", p.sessionID))
	action(p)
	return true
}

// Answer accepts the call. Returns false if another gesture already won.
func (c *Coordinator) Answer() bool {
	return c.commit(c.active(), "answer", func(p *presentation) {
		if err := c.ctrl.Answer(); err != nil {
			c.log.Warn("answer failed", zap.String("session_id", p.sessionID), zap.Error(err))
		}
	})
}

// Decline rejects the call.
func (c *Coordinator) Decline() bool {
	return c.commit(c.active(), "decline", func(p *presentation) {
		c.ctrl.EndSession(p.sessionID, callsession.ReasonDeclined)
	})
}

// RemindLater declines and schedules a reminder.
func (c *Coordinator) RemindLater() bool {
	return c.commit(c.active(), "remind", func(p *presentation) {
		c.ctrl.EndSession(p.sessionID, callsession.ReasonDeclined)
		if c.opts.Reminder != nil {
			c.opts.Reminder.RemindLater(p.peer)
		}
	})
}

// Message declines and sends text to the caller.
func (c *Coordinator) Message(text string) bool {
	return c.commit(c.active(), "message", func(p *presentation) {
		c.ctrl.EndSession(p.sessionID, callsession.ReasonDeclined)
		if c.opts.Messenger == nil {
			return
		}
		if err := c.opts.Messenger.SendMessage(p.peer, text); err != nil {
			c.log.Warn("quick reply failed", zap.String("to", p.peer.ID), zap.Error(err))
		}
	})
}

// Dismiss tears the presentation down without touching the call.
func (c *Coordinator) Dismiss() {
	if p := c.active(); p != nil {
		c.finish(p)
	}
}

// Close dismisses any presentation and refuses later auto-decline arming.
func (c *Coordinator) Close() {
	c.Dismiss()
	c.timer.Close()
}

func (c *Coordinator) onAutoDecline(p *presentation, gen uint64) {
	if !c.timer.Consume(gen) {
		return
	}
	c.commit(p, "auto_decline", func(p *presentation) {
		c.ctrl.EndSession(p.sessionID, callsession.ReasonNoAnswer)
	})
}

// finish stops effects, disarms auto-decline and detaches from the
// controller. Idempotent.
func (c *Coordinator) finish(p *presentation) {
	p.stopped.Once(func() {
		c.timer.Disarm()
		if p.ringtoneOn {
			c.effects.StopRingtone()
		}
		if p.vibrationOn {
			c.effects.StopVibration()
		}
		c.mu.Lock()
		unsubscribe := p.unsubscribe
		if c.current == p {
			c.current = nil
		}
		c.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
	})
}

// LogEffects is a DeviceEffects that only logs; used where no device exists.
type LogEffects struct {
	Log *zap.Logger
}

func (l LogEffects) logger() *zap.Logger {
	if l.Log == nil {
		return zap.NewNop()
	}
	return l.Log
}

func (l LogEffects) StartRingtone() error {
	l.logger().Info("ringtone on")
	return nil
}

func (l LogEffects) StopRingtone() { l.logger().Info("ringtone off") }

func (l LogEffects) StartVibration(pattern []time.Duration) error {
	l.logger().Info("vibration on", zap.Durations("pattern", pattern))
	return nil
}

func (l LogEffects) StopVibration() { l.logger().Info("vibration off") }
