package controller

import (
	"context"

	"github.com/dense-identity/callctl/internal/callservice"
	"github.com/dense-identity/callctl/internal/callsession"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Everything in this file runs on the controller queue.

type toggleKind int

const (
	toggleMute toggleKind = iota
	toggleSpeaker
	toggleVideo
)

func (k toggleKind) String() string {
	switch k {
	case toggleMute:
		return "mute"
	case toggleSpeaker:
		return "speaker"
	default:
		return "video"
	}
}

var errNoSessionID = errors.New("call service returned no session id")

func sessionFields(s *callsession.Session) []zap.Field {
	return []zap.Field{
		zap.String("attempt_id", s.AttemptID),
		zap.String("session_id", s.ID),
		zap.String("to", s.Peer.ID),
	}
}

func (c *Controller) isCurrent(attemptID string) bool {
	return c.current != nil && c.current.AttemptID == attemptID
}

func (c *Controller) bind(sess *callsession.Session) {
	c.discardTimers()
	c.current = sess
	c.early = nil
	c.machine = callsession.NewMachine(sess, c.hooks(sess.AttemptID), c.clock.Now)
}

func (c *Controller) hooks(attemptID string) callsession.Hooks {
	return callsession.Hooks{
		DisarmRing:     c.ring.Disarm,
		ArmDuration:    func() { c.armDuration(attemptID) },
		DisarmDuration: c.counter.Stop,
		Teardown:       c.discardTimers,
	}
}

func (c *Controller) discardTimers() {
	c.ring.Disarm()
	c.counter.Stop()
}

func (c *Controller) armRing(attemptID string) {
	c.ring.Arm(c.ringTimeout, func(gen uint64) {
		c.post(func() { c.onRingTimeout(attemptID, gen) })
	})
}

func (c *Controller) armDuration(attemptID string) {
	c.counter.Start(c.tickInterval, func(gen uint64) {
		c.post(func() { c.onTick(attemptID, gen) })
	})
}

// fire applies event to the current session and publishes the result.
func (c *Controller) fire(event, trigger string) bool {
	sess := c.current
	from := sess.State
	if err := c.machine.Fire(context.Background(), event); err != nil {
		c.log.Debug("transition ignored",
			append(sessionFields(sess), zap.String("event", event), zap.Stringer("state", from), zap.Error(err))...)
		return false
	}
	c.log.Info("call state changed",
		append(sessionFields(sess),
			zap.Stringer("from", from), zap.Stringer("to_state", sess.State), zap.String("trigger", trigger))...)
	c.publish()
	return true
}

func (c *Controller) publish() {
	snap := c.current.Snapshot()
	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()
	c.listeners.Notify(snap)
}

func (c *Controller) warn(attemptID, op string, err error) {
	c.log.Warn("call service request failed",
		zap.String("attempt_id", attemptID), zap.String("op", op), zap.Error(err))
	c.post(func() { c.warnings.Notify(Warning{AttemptID: attemptID, Op: op, Err: err}) })
}

func (c *Controller) begin(peer callsession.Peer, kind callsession.Kind) {
	if c.current != nil && !c.current.State.IsTerminal() {
		c.log.Warn("start ignored", append(sessionFields(c.current), zap.Error(callsession.ErrSessionActive))...)
		return
	}
	sess := callsession.NewSession(c.newID(), peer, kind, callsession.DirectionOutgoing, c.clock.Now())
	c.bind(sess)
	c.log.Info("starting call", append(sessionFields(sess), zap.Stringer("kind", kind))...)
	c.publish()
	// Covers a start request that never resolves; re-armed once it does.
	c.armRing(sess.AttemptID)

	attemptID := sess.AttemptID
	go func() {
		rs, err := c.svc.StartCall(c.ctx, peer.ID, peer.DisplayName, kind)
		c.post(func() { c.onStarted(attemptID, rs, err) })
	}()
}

func (c *Controller) redial() {
	sess := c.current
	if sess == nil || !sess.State.Redialable() {
		c.log.Debug("redial ignored", zap.Error(callsession.ErrNotRedialable))
		return
	}
	c.begin(sess.Peer, sess.Kind)
}

func (c *Controller) onStarted(attemptID string, rs callservice.RemoteSession, err error) {
	sess := c.current
	if !c.isCurrent(attemptID) {
		c.log.Debug("stale start result dropped", zap.String("attempt_id", attemptID))
		return
	}
	if sess.State.IsTerminal() {
		// Ended while the start was pending: release the session the service
		// just created.
		if err == nil {
			c.log.Info("releasing call started after end", sessionFields(sess)...)
			c.forwardEnd(sess.AttemptID, sess.EndReason)
		}
		return
	}
	if err == nil && rs.ID == "" {
		err = errNoSessionID
	}
	if err == nil && rs.Status == callservice.StatusFailed {
		err = callservice.ErrRejected
	}
	if err != nil {
		sess.Err = &callsession.StartFailure{Cause: err}
		sess.EndReason = callsession.ReasonFailed
		c.log.Warn("call start failed", append(sessionFields(sess), zap.Error(err))...)
		c.fire(callsession.EventFail, "start_rejected")
		return
	}

	sess.ID = rs.ID
	first := callsession.EventDial
	if rs.Status == callservice.StatusRinging {
		first = callsession.EventRing
	}
	if !c.fire(first, "start_resolved") {
		return
	}
	c.armRing(attemptID)

	switch rs.Status {
	case callservice.StatusConnecting, callservice.StatusConnected, callservice.StatusEnded:
		c.applyStatus(rs.Status, "start_resolved")
	}

	held, ok := c.early[sess.ID]
	delete(c.early, sess.ID)
	for id := range c.early {
		c.log.Debug("held event for another session dropped", zap.String("event_session_id", id))
	}
	c.early = nil
	if ok && !sess.State.IsTerminal() {
		c.applyStatus(held.Status(), "service_event")
	}
}

func (c *Controller) handleEvent(ev callservice.Event) {
	sess := c.current
	if sess == nil {
		c.log.Debug("event without session dropped", zap.String("event_session_id", ev.SessionID))
		return
	}
	if sess.ID == "" {
		if sess.State == callsession.StateIdle {
			// Start still pending: the latest event per session wins once
			// the ID is known.
			if c.early == nil {
				c.early = make(map[string]callservice.Event)
			}
			c.early[ev.SessionID] = ev
			c.log.Debug("event held until start resolves", zap.String("event_session_id", ev.SessionID))
			return
		}
		c.log.Debug("event dropped", zap.String("event_session_id", ev.SessionID))
		return
	}
	if ev.SessionID != sess.ID {
		c.log.Debug("stale event dropped",
			append(sessionFields(sess), zap.String("event_session_id", ev.SessionID))...)
		return
	}
	if sess.State.IsTerminal() {
		c.log.Debug("event for terminal session dropped", sessionFields(sess)...)
		return
	}
	c.applyStatus(ev.Status(), "service_event")
}

func (c *Controller) applyStatus(status callservice.RemoteStatus, trigger string) {
	sess := c.current
	switch status {
	case callservice.StatusDialing:
		c.fire(callsession.EventDial, trigger)
	case callservice.StatusRinging:
		if sess.State != callsession.StateRinging {
			c.fire(callsession.EventRing, trigger)
		}
	case callservice.StatusConnecting:
		if sess.State != callsession.StateConnecting {
			c.fire(callsession.EventProgress, trigger)
		}
	case callservice.StatusConnected:
		if sess.State != callsession.StateConnected {
			c.fire(callsession.EventAnswer, trigger)
		}
	case callservice.StatusEnded:
		if c.machine.Can(callsession.EventHangup) {
			if sess.EndReason == "" {
				sess.EndReason = callsession.ReasonCompleted
			}
			c.fire(callsession.EventHangup, trigger)
		}
	case callservice.StatusFailed:
		if c.machine.Can(callsession.EventFail) {
			sess.EndReason = callsession.ReasonFailed
			if sess.Err == nil {
				sess.Err = callservice.ErrRejected
			}
			c.fire(callsession.EventFail, trigger)
		}
	default:
		c.log.Debug("unknown service status", zap.String("status", string(status)))
	}
}

func (c *Controller) end(reason callsession.EndReason) {
	sess := c.current
	if sess == nil || sess.State.IsTerminal() {
		c.log.Debug("end ignored")
		return
	}
	pending := sess.ID == ""
	sess.EndReason = reason
	if !c.fire(callsession.EventEnd, "user_end") {
		return
	}
	if pending {
		return
	}
	c.forwardEnd(sess.AttemptID, reason)
}

func (c *Controller) endSession(sessionID string, reason callsession.EndReason) {
	if sessionID == "" || c.current == nil || c.current.ID != sessionID {
		c.log.Debug("end for other session ignored", zap.String("session_id", sessionID))
		return
	}
	c.end(reason)
}

// forwardEnd asks the service to end its session. Timers are already
// disarmed by the terminal transition.
func (c *Controller) forwardEnd(attemptID string, reason callsession.EndReason) {
	go func() {
		ctx, cancel := c.callContext()
		defer cancel()
		if err := c.svc.EndCall(ctx, reason); err != nil {
			c.warn(attemptID, "end", err)
		}
	}()
}

func (c *Controller) onRingTimeout(attemptID string, gen uint64) {
	if !c.isCurrent(attemptID) {
		c.log.Debug("ring timeout for old attempt dropped", zap.String("attempt_id", attemptID))
		return
	}
	if !c.ring.Consume(gen) {
		c.log.Debug("ring timeout superseded", zap.String("attempt_id", attemptID), zap.Uint64("gen", gen))
		return
	}
	sess := c.current
	if !sess.State.RingTimerValid() {
		return
	}
	pending := sess.ID == ""
	sess.EndReason = callsession.ReasonNoAnswer
	if !c.fire(callsession.EventTimeout, "ring_timeout") {
		return
	}
	if !pending {
		c.forwardEnd(attemptID, callsession.ReasonNoAnswer)
	}
}

func (c *Controller) onTick(attemptID string, gen uint64) {
	if !c.isCurrent(attemptID) || c.current.State != callsession.StateConnected {
		return
	}
	if !c.counter.Acknowledge(gen) {
		return
	}
	c.current.ElapsedSeconds++
	c.publish()
}

func (c *Controller) toggle(kind toggleKind) {
	sess := c.current
	if sess == nil || sess.State.IsTerminal() {
		c.log.Debug("toggle ignored", zap.Stringer("toggle", kind))
		return
	}
	var forward func(context.Context) error
	switch kind {
	case toggleMute:
		sess.IsMuted = !sess.IsMuted
		forward = c.svc.ToggleMute
	case toggleSpeaker:
		sess.IsSpeakerOn = !sess.IsSpeakerOn
		forward = c.svc.ToggleSpeaker
	case toggleVideo:
		if sess.Kind != callsession.KindVideo {
			c.log.Debug("video toggle on voice call ignored", sessionFields(sess)...)
			return
		}
		sess.IsCameraOn = !sess.IsCameraOn
		forward = c.svc.ToggleVideo
	}
	c.publish()

	attemptID := sess.AttemptID
	go func() {
		ctx, cancel := c.callContext()
		defer cancel()
		if err := forward(ctx); err != nil {
			c.warn(attemptID, kind.String(), err)
		}
	}()
}

func (c *Controller) bindIncoming(sessionID string, peer callsession.Peer, kind callsession.Kind) {
	if c.current != nil && !c.current.State.IsTerminal() {
		c.log.Warn("incoming call ignored",
			append(sessionFields(c.current), zap.String("from", peer.ID), zap.Error(callsession.ErrSessionActive))...)
		return
	}
	sess := callsession.NewSession(c.newID(), peer, kind, callsession.DirectionIncoming, c.clock.Now())
	sess.ID = sessionID
	c.bind(sess)
	c.log.Info("incoming call", zap.String("attempt_id", sess.AttemptID), zap.String("session_id", sessionID), zap.String("from", peer.ID))
	c.fire(callsession.EventRing, "incoming")
}

func (c *Controller) answer() {
	sess := c.current
	if sess == nil || !sess.IsIncoming() || !sess.State.RingTimerValid() {
		c.log.Debug("answer ignored")
		return
	}
	attemptID, sessionID := sess.AttemptID, sess.ID
	ans, ok := c.svc.(callservice.Answerer)
	if !ok {
		c.onAnswerFailed(attemptID, callservice.ErrUnsupported)
		return
	}
	go func() {
		ctx, cancel := c.callContext()
		defer cancel()
		if err := ans.AnswerCall(ctx, sessionID); err != nil {
			c.post(func() { c.onAnswerFailed(attemptID, err) })
		}
	}()
}

func (c *Controller) onAnswerFailed(attemptID string, err error) {
	if !c.isCurrent(attemptID) || c.current.State.IsTerminal() {
		return
	}
	sess := c.current
	sess.Err = errors.Wrap(err, "answer call")
	sess.EndReason = callsession.ReasonFailed
	c.log.Warn("answer failed", append(sessionFields(sess), zap.Error(err))...)
	c.fire(callsession.EventFail, "answer_failed")
}
