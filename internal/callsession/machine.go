package callsession

import (
	"context"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
)

// Transition triggers understood by Machine.
const (
	EventDial     = "dial"     // service reports dialing
	EventRing     = "ring"     // service reports ringing
	EventProgress = "progress" // service reports connecting
	EventAnswer   = "answer"   // service reports connected
	EventTimeout  = "timeout"  // ring timer fired
	EventEnd      = "end"      // user ended the call
	EventHangup   = "hangup"   // remote side ended the call
	EventFail     = "fail"     // start rejected or service failure
)

// Hooks are the timer side effects bound to state exits and entries. Nil
// hooks are skipped.
type Hooks struct {
	DisarmRing     func()
	ArmDuration    func()
	DisarmDuration func()
	// Teardown runs on entry to any terminal state.
	Teardown func()
}

// Machine drives one Session through the transition table. Every exit from a
// state is paired with that state's cleanup in the table itself, so callers
// cannot forget to disarm a timer.
//
// Machine is not safe for concurrent use; it belongs to the owner's queue.
type Machine struct {
	session *Session
	hooks   Hooks
	now     func() time.Time
	fsm     *fsm.FSM
}

var (
	preConnect = []string{StateIdle.String(), StateDialing.String(), StateRinging.String()}
	live       = []string{
		StateIdle.String(), StateDialing.String(), StateRinging.String(),
		StateConnecting.String(), StateConnected.String(),
	}
)

// NewMachine binds a machine to s, starting from s.State.
func NewMachine(s *Session, hooks Hooks, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	m := &Machine{session: s, hooks: hooks, now: now}

	events := fsm.Events{
		{Name: EventDial, Src: []string{StateIdle.String()}, Dst: StateDialing.String()},
		{Name: EventRing, Src: []string{StateIdle.String(), StateDialing.String()}, Dst: StateRinging.String()},
		{Name: EventProgress, Src: []string{StateDialing.String(), StateRinging.String()}, Dst: StateConnecting.String()},
		{Name: EventAnswer, Src: []string{StateDialing.String(), StateRinging.String(), StateConnecting.String()}, Dst: StateConnected.String()},
		{Name: EventTimeout, Src: preConnect, Dst: StateNoAnswer.String()},
		{Name: EventEnd, Src: live, Dst: StateEnded.String()},
		{Name: EventHangup, Src: live, Dst: StateEnded.String()},
		{Name: EventFail, Src: live, Dst: StateFailed.String()},
	}

	callbacks := fsm.Callbacks{
		"enter_state": m.enter,
	}
	for _, st := range preConnect {
		callbacks["leave_"+st] = func(context.Context, *fsm.Event) { m.call(m.hooks.DisarmRing) }
	}
	callbacks["leave_"+StateConnected.String()] = func(context.Context, *fsm.Event) {
		m.call(m.hooks.DisarmDuration)
		m.session.ElapsedSeconds = 0
	}

	m.fsm = fsm.NewFSM(s.State.String(), events, callbacks)
	return m
}

func (m *Machine) enter(_ context.Context, e *fsm.Event) {
	st, err := ParseState(e.Dst)
	if err != nil {
		return
	}
	m.session.State = st
	switch {
	case st == StateConnected:
		m.session.StartedAt = m.now()
		m.session.ElapsedSeconds = 0
		m.call(m.hooks.ArmDuration)
	case st.IsTerminal():
		m.session.EndedAt = m.now()
		m.session.ElapsedSeconds = 0
		m.call(m.hooks.Teardown)
	}
}

func (m *Machine) call(fn func()) {
	if fn != nil {
		fn()
	}
}

// Can reports whether event has an edge from the current state.
func (m *Machine) Can(event string) bool {
	if m.session.State.IsTerminal() {
		return false
	}
	return m.fsm.Can(event)
}

// Fire applies event. It returns ErrTerminal once the session is terminal and
// ErrInvalidTransition when the current state has no edge for event; in both
// cases the session is left untouched.
func (m *Machine) Fire(ctx context.Context, event string) error {
	if m.session.State.IsTerminal() {
		return ErrTerminal
	}
	if !m.fsm.Can(event) {
		return errors.Wrapf(ErrInvalidTransition, "%s from %s", event, m.session.State)
	}
	if err := m.fsm.Event(ctx, event); err != nil {
		return errors.Wrapf(err, "apply %s", event)
	}
	return nil
}

// Session returns the bound session.
func (m *Machine) Session() *Session {
	return m.session
}
