package ringer

import (
	"testing"
	"time"

	"github.com/dense-identity/callctl/internal/callservice"
	"github.com/dense-identity/callctl/internal/callservice/simulator"
	"github.com/dense-identity/callctl/internal/callsession"
	"github.com/dense-identity/callctl/internal/controller"
	"github.com/dense-identity/callctl/internal/eventloop"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// liveHarness runs the coordinator against a real controller on a manual
// queue, with the simulator as the Call Service.
type liveHarness struct {
	q       *eventloop.Manual
	clock   clockwork.FakeClock
	sim     *simulator.Service
	ctl     *controller.Controller
	effects *fakeEffects
	c       *Coordinator
}

func newLiveHarness(t *testing.T) *liveHarness {
	t.Helper()
	h := &liveHarness{
		q:       eventloop.NewManual(),
		clock:   clockwork.NewFakeClock(),
		effects: &fakeEffects{},
	}
	h.sim = simulator.New(simulator.Options{Clock: h.clock, RingAfter: time.Hour})
	h.ctl = controller.New(h.sim, controller.Options{Queue: h.q, Clock: h.clock})
	h.c = New(h.ctl, h.effects, Options{Clock: h.clock, AutoDeclineTimeout: 10 * time.Second})
	unsubscribe := h.sim.OnIncomingCall(func(in callservice.Incoming) {
		if err := h.c.Present(in.SessionID, in.Peer, in.Kind); err != nil {
			t.Errorf("present %s: %v", in.SessionID, err)
		}
	})
	t.Cleanup(func() {
		unsubscribe()
		h.c.Close()
		h.ctl.Close()
	})
	return h
}

func TestLiveRemoteHangupBeforeBindStopsEffects(t *testing.T) {
	h := newLiveHarness(t)
	_, err := h.sim.Offer(caller, callsession.KindVoice)
	require.NoError(t, err)
	assert.True(t, h.c.Presenting())

	// The hangup is queued behind the bind, before either has run.
	require.NoError(t, h.sim.HangUp())
	h.q.Drain()

	assert.Equal(t, callsession.StateEnded, h.ctl.Snapshot().State)
	assert.False(t, h.c.Presenting())
	rs, vs := h.effects.stops()
	assert.Equal(t, 1, rs)
	assert.Equal(t, 1, vs)
	assert.False(t, h.c.Decline())
}

func TestLiveDeclineEndsPresentedCall(t *testing.T) {
	h := newLiveHarness(t)
	id, err := h.sim.Offer(caller, callsession.KindVideo)
	require.NoError(t, err)
	h.q.Drain()
	require.Equal(t, callsession.StateRinging, h.ctl.Snapshot().State)
	require.Equal(t, id, h.ctl.Snapshot().SessionID)

	assert.True(t, h.c.Decline())
	h.q.Drain()

	snap := h.ctl.Snapshot()
	assert.Equal(t, callsession.StateEnded, snap.State)
	assert.Equal(t, callsession.ReasonDeclined, snap.EndReason)
	assert.Eventually(t, func() bool {
		ends := h.sim.Ends()
		return len(ends) == 1 && ends[0] == callsession.ReasonDeclined
	}, time.Second, 5*time.Millisecond)
}

func TestLiveDeclineLeavesOutgoingCallThatWonTheBind(t *testing.T) {
	h := newLiveHarness(t)
	require.NoError(t, h.ctl.Start(callsession.Peer{ID: "bob"}, callsession.KindVoice))
	require.NoError(t, h.c.Present("in-1", caller, callsession.KindVoice))

	// The outgoing start runs first, so the inbound bind is refused.
	require.Eventually(t, func() bool {
		h.q.Drain()
		return h.ctl.Snapshot().State == callsession.StateDialing
	}, time.Second, 5*time.Millisecond)

	assert.True(t, h.c.Decline())
	h.q.Drain()

	snap := h.ctl.Snapshot()
	assert.Equal(t, callsession.StateDialing, snap.State)
	assert.Equal(t, callsession.DirectionOutgoing, snap.Direction)
	assert.Empty(t, h.sim.Ends())
}
