package ringer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dense-identity/callctl/internal/callsession"
	"github.com/dense-identity/callctl/internal/eventloop"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	queue *eventloop.Manual

	mu        sync.Mutex
	accepted  []string
	answers   int
	ends      []callsession.EndReason
	endIDs    []string
	answerErr error
	acceptErr error
	// onAccept runs after a successful AcceptIncoming, as a controller
	// queue that wins the race would.
	onAccept  func(sessionID string)
	listeners *eventloop.Listeners[callsession.Snapshot]
}

func (f *fakeController) AcceptIncoming(sessionID string, _ callsession.Peer, _ callsession.Kind) error {
	f.mu.Lock()
	if f.acceptErr != nil {
		f.mu.Unlock()
		return f.acceptErr
	}
	f.accepted = append(f.accepted, sessionID)
	hook := f.onAccept
	f.mu.Unlock()
	if hook != nil {
		hook(sessionID)
	}
	return nil
}

func (f *fakeController) Answer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return f.answerErr
}

func (f *fakeController) EndSession(sessionID string, reason callsession.EndReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endIDs = append(f.endIDs, sessionID)
	f.ends = append(f.ends, reason)
}

func (f *fakeController) OnStateChange(l func(callsession.Snapshot)) func() {
	return f.listeners.Add(l)
}

func (f *fakeController) Queue() eventloop.Queue { return f.queue }

func (f *fakeController) endReasons() []callsession.EndReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]callsession.EndReason{}, f.ends...)
}

type fakeEffects struct {
	mu           sync.Mutex
	ringErr      error
	ringing      bool
	vibrating    bool
	ringStops    int
	vibrateStops int
	pattern      []time.Duration
}

func (e *fakeEffects) StartRingtone() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ringErr != nil {
		return e.ringErr
	}
	e.ringing = true
	return nil
}

func (e *fakeEffects) StopRingtone() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ringing = false
	e.ringStops++
}

func (e *fakeEffects) StartVibration(p []time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vibrating = true
	e.pattern = p
	return nil
}

func (e *fakeEffects) StopVibration() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vibrating = false
	e.vibrateStops++
}

func (e *fakeEffects) stops() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ringStops, e.vibrateStops
}

type reminders struct {
	mu    sync.Mutex
	peers []callsession.Peer
	texts []string
}

func (r *reminders) RemindLater(p callsession.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = append(r.peers, p)
}

func (r *reminders) SendMessage(p callsession.Peer, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = append(r.peers, p)
	r.texts = append(r.texts, text)
	return nil
}

type harness struct {
	ctrl    *fakeController
	effects *fakeEffects
	clock   clockwork.FakeClock
	sinks   *reminders
	c       *Coordinator
}

var caller = callsession.Peer{ID: "carol", DisplayName: "Carol"}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ctrl:    &fakeController{queue: eventloop.NewManual(), listeners: eventloop.NewListeners[callsession.Snapshot]()},
		effects: &fakeEffects{},
		clock:   clockwork.NewFakeClock(),
		sinks:   &reminders{},
	}
	h.c = New(h.ctrl, h.effects, Options{
		Clock:              h.clock,
		AutoDeclineTimeout: 10 * time.Second,
		Reminder:           h.sinks,
		Messenger:          h.sinks,
	})
	t.Cleanup(h.c.Close)
	return h
}

func (h *harness) present(t *testing.T) {
	t.Helper()
	require.NoError(t, h.c.Present("in-1", caller, callsession.KindVoice))
}

func TestPresentStartsEffectsAndBindsSession(t *testing.T) {
	h := newHarness(t)
	h.present(t)

	assert.Equal(t, []string{"in-1"}, h.ctrl.accepted)
	assert.True(t, h.effects.ringing)
	assert.True(t, h.effects.vibrating)
	assert.Equal(t, DefaultPattern, h.effects.pattern)
	assert.True(t, h.c.Presenting())
	assert.ErrorIs(t, h.c.Present("in-2", caller, callsession.KindVoice), ErrPresenting)
}

func TestDeclineCommitsOnce(t *testing.T) {
	h := newHarness(t)
	h.present(t)

	assert.True(t, h.c.Decline())
	assert.False(t, h.c.Decline())
	assert.False(t, h.c.Answer())

	assert.Equal(t, []callsession.EndReason{callsession.ReasonDeclined}, h.ctrl.endReasons())
	assert.Zero(t, h.ctrl.answers)
	rs, vs := h.effects.stops()
	assert.Equal(t, 1, rs)
	assert.Equal(t, 1, vs)
	assert.False(t, h.c.Presenting())

	h.clock.Advance(time.Minute)
	assert.False(t, h.ctrl.queue.Await(1, 50*time.Millisecond))
}

func TestAutoDeclineFiresOnce(t *testing.T) {
	h := newHarness(t)
	h.present(t)

	h.clock.Advance(10 * time.Second)
	require.True(t, h.ctrl.queue.Await(1, time.Second))
	h.ctrl.queue.Drain()

	assert.Equal(t, []callsession.EndReason{callsession.ReasonNoAnswer}, h.ctrl.endReasons())
	assert.False(t, h.c.Answer())
	assert.False(t, h.c.Presenting())
	rs, vs := h.effects.stops()
	assert.Equal(t, 1, rs)
	assert.Equal(t, 1, vs)
}

func TestGestureBeatsQueuedAutoDecline(t *testing.T) {
	h := newHarness(t)
	h.present(t)

	h.clock.Advance(10 * time.Second)
	require.True(t, h.ctrl.queue.Await(1, time.Second))
	assert.True(t, h.c.Answer())
	h.ctrl.queue.Drain()

	assert.Empty(t, h.ctrl.endReasons())
	assert.Equal(t, 1, h.ctrl.answers)
}

func TestAnswerFailureIsLogged(t *testing.T) {
	h := newHarness(t)
	h.ctrl.answerErr = errors.New("boom")
	h.present(t)

	assert.True(t, h.c.Answer())
	assert.Equal(t, 1, h.ctrl.answers)
	assert.False(t, h.c.Presenting())
}

func TestRingtoneFailureDoesNotBlockPresentation(t *testing.T) {
	h := newHarness(t)
	h.effects.ringErr = errors.New("no audio device")
	h.present(t)
	assert.True(t, h.effects.vibrating)

	h.c.Dismiss()
	rs, vs := h.effects.stops()
	assert.Zero(t, rs)
	assert.Equal(t, 1, vs)
	assert.Empty(t, h.ctrl.endReasons())
}

func TestRemoteCancelStopsEffects(t *testing.T) {
	h := newHarness(t)
	h.present(t)

	// Snapshots of other sessions are ignored.
	h.ctrl.listeners.Notify(callsession.Snapshot{SessionID: "other", Direction: callsession.DirectionIncoming, State: callsession.StateEnded})
	assert.True(t, h.c.Presenting())

	h.ctrl.listeners.Notify(callsession.Snapshot{SessionID: "in-1", Direction: callsession.DirectionIncoming, State: callsession.StateEnded})
	assert.False(t, h.c.Presenting())
	assert.False(t, h.c.Decline())
	assert.Empty(t, h.ctrl.endReasons())
	assert.Zero(t, h.ctrl.listeners.Len())
}

func TestConnectedStopsEffects(t *testing.T) {
	h := newHarness(t)
	h.present(t)
	assert.True(t, h.c.Answer())
	h.ctrl.listeners.Notify(callsession.Snapshot{SessionID: "in-1", Direction: callsession.DirectionIncoming, State: callsession.StateConnected})

	rs, vs := h.effects.stops()
	assert.Equal(t, 1, rs)
	assert.Equal(t, 1, vs)
}

func TestRemindAndMessageDecline(t *testing.T) {
	h := newHarness(t)
	h.present(t)
	assert.True(t, h.c.RemindLater())
	assert.Equal(t, []callsession.Peer{caller}, h.sinks.peers)

	require.NoError(t, h.c.Present("in-2", caller, callsession.KindVideo))
	assert.True(t, h.c.Message("call you back"))
	assert.False(t, h.c.Message("again"))
	assert.Equal(t, []string{"call you back"}, h.sinks.texts)

	assert.Equal(t, []callsession.EndReason{callsession.ReasonDeclined, callsession.ReasonDeclined}, h.ctrl.endReasons())
	assert.Equal(t, []string{"in-1", "in-2"}, h.ctrl.endIDs)
}

func TestConcurrentGesturesCommitOnce(t *testing.T) {
	h := newHarness(t)
	h.present(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var won bool
			if i%2 == 0 {
				won = h.c.Decline()
			} else {
				won = h.c.Answer()
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, len(h.ctrl.endReasons())+h.ctrl.answers)
}

func TestDismissLeavesCallAlone(t *testing.T) {
	h := newHarness(t)
	h.present(t)
	h.c.Dismiss()
	h.c.Dismiss()

	h.clock.Advance(time.Minute)
	assert.False(t, h.ctrl.queue.Await(1, 50*time.Millisecond))
	assert.Empty(t, h.ctrl.endReasons())
	assert.Zero(t, h.ctrl.answers)
	rs, _ := h.effects.stops()
	assert.Equal(t, 1, rs)
}

func TestCallEndedDuringAcceptStopsEffects(t *testing.T) {
	h := newHarness(t)
	h.ctrl.onAccept = func(id string) {
		h.ctrl.listeners.Notify(callsession.Snapshot{SessionID: id, Direction: callsession.DirectionIncoming, State: callsession.StateEnded})
	}
	h.present(t)

	assert.False(t, h.c.Presenting())
	assert.False(t, h.effects.ringing)
	assert.False(t, h.effects.vibrating)
	rs, vs := h.effects.stops()
	assert.Equal(t, 1, rs)
	assert.Equal(t, 1, vs)
	assert.Zero(t, h.ctrl.listeners.Len())
	assert.False(t, h.c.Decline())

	h.clock.Advance(time.Minute)
	assert.False(t, h.ctrl.queue.Await(1, 50*time.Millisecond))
	assert.Empty(t, h.ctrl.endReasons())

	require.NoError(t, h.c.Present("in-2", caller, callsession.KindVoice))
	assert.True(t, h.c.Presenting())
}

func TestAcceptFailureLeavesNothingBehind(t *testing.T) {
	h := newHarness(t)
	h.ctrl.acceptErr = callsession.ErrSessionActive

	err := h.c.Present("in-1", caller, callsession.KindVoice)
	assert.ErrorIs(t, err, callsession.ErrSessionActive)
	assert.False(t, h.c.Presenting())
	assert.Zero(t, h.ctrl.listeners.Len())
	assert.False(t, h.effects.ringing)

	h.ctrl.acceptErr = nil
	h.present(t)
	assert.True(t, h.c.Presenting())
}
