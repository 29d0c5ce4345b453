package callsession

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hookCounts struct {
	disarmRing, armDuration, disarmDuration, teardown int
}

func newTestMachine(t *testing.T, initial State) (*Machine, *hookCounts) {
	t.Helper()
	s := NewSession("a1", Peer{ID: "+15550001", DisplayName: "Ada"}, KindVoice, DirectionOutgoing, time.Unix(100, 0))
	s.State = initial
	counts := &hookCounts{}
	now := time.Unix(200, 0)
	m := NewMachine(s, Hooks{
		DisarmRing:     func() { counts.disarmRing++ },
		ArmDuration:    func() { counts.armDuration++ },
		DisarmDuration: func() { counts.disarmDuration++ },
		Teardown:       func() { counts.teardown++ },
	}, func() time.Time { return now })
	return m, counts
}

func TestMachineTransitions(t *testing.T) {
	cases := []struct {
		from  State
		event string
		to    State
	}{
		{StateIdle, EventDial, StateDialing},
		{StateIdle, EventRing, StateRinging},
		{StateDialing, EventRing, StateRinging},
		{StateRinging, EventProgress, StateConnecting},
		{StateConnecting, EventAnswer, StateConnected},
		{StateRinging, EventAnswer, StateConnected},
		{StateIdle, EventTimeout, StateNoAnswer},
		{StateRinging, EventTimeout, StateNoAnswer},
		{StateConnected, EventEnd, StateEnded},
		{StateConnected, EventHangup, StateEnded},
		{StateDialing, EventEnd, StateEnded},
		{StateIdle, EventFail, StateFailed},
	}
	for _, tc := range cases {
		t.Run(tc.from.String()+"_"+tc.event, func(t *testing.T) {
			m, _ := newTestMachine(t, tc.from)
			require.NoError(t, m.Fire(context.Background(), tc.event))
			assert.Equal(t, tc.to, m.Session().State)
		})
	}
}

func TestMachineRejectsMissingEdges(t *testing.T) {
	m, counts := newTestMachine(t, StateConnected)

	err := m.Fire(context.Background(), EventTimeout)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StateConnected, m.Session().State)
	assert.Zero(t, counts.disarmDuration)
}

func TestMachineTerminalIsFinal(t *testing.T) {
	for _, st := range []State{StateEnded, StateNoAnswer, StateFailed} {
		m, counts := newTestMachine(t, st)
		for _, ev := range []string{EventDial, EventRing, EventAnswer, EventEnd, EventTimeout, EventFail} {
			assert.False(t, m.Can(ev))
			assert.ErrorIs(t, m.Fire(context.Background(), ev), ErrTerminal)
		}
		assert.Equal(t, st, m.Session().State)
		assert.Equal(t, hookCounts{}, *counts)
	}
}

func TestMachineLeavingRingStatesDisarmsRingTimer(t *testing.T) {
	m, counts := newTestMachine(t, StateIdle)
	ctx := context.Background()

	require.NoError(t, m.Fire(ctx, EventDial))
	require.NoError(t, m.Fire(ctx, EventRing))
	require.NoError(t, m.Fire(ctx, EventProgress))
	assert.Equal(t, 3, counts.disarmRing)
	assert.Zero(t, counts.armDuration)
}

func TestMachineConnectedArmsAndResetsDuration(t *testing.T) {
	m, counts := newTestMachine(t, StateConnecting)
	ctx := context.Background()

	require.NoError(t, m.Fire(ctx, EventAnswer))
	assert.Equal(t, 1, counts.armDuration)
	assert.Equal(t, time.Unix(200, 0), m.Session().StartedAt)

	m.Session().ElapsedSeconds = 42
	require.NoError(t, m.Fire(ctx, EventHangup))
	assert.Equal(t, 1, counts.disarmDuration)
	assert.Equal(t, 1, counts.teardown)
	assert.Zero(t, m.Session().ElapsedSeconds)
	assert.Equal(t, time.Unix(200, 0), m.Session().EndedAt)
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, StateIdle.RingTimerValid())
	assert.True(t, StateRinging.RingTimerValid())
	assert.False(t, StateConnecting.RingTimerValid())
	assert.True(t, StateNoAnswer.Redialable())
	assert.True(t, StateFailed.Redialable())
	assert.False(t, StateEnded.Redialable())

	st, err := ParseState("no_answer")
	require.NoError(t, err)
	assert.Equal(t, StateNoAnswer, st)
	_, err = ParseState("bogus")
	assert.Error(t, err)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0:00", FormatDuration(0))
	assert.Equal(t, "0:00", FormatDuration(-5))
	assert.Equal(t, "0:59", FormatDuration(59))
	assert.Equal(t, "1:05", FormatDuration(65))
	assert.Equal(t, "1:00:00", FormatDuration(3600))
	assert.Equal(t, "2:03:04", FormatDuration(7384))
}

func TestSnapshotCameraOnlyForVideo(t *testing.T) {
	s := NewSession("a1", Peer{ID: "p"}, KindVoice, DirectionOutgoing, time.Now())
	s.IsCameraOn = true
	assert.False(t, s.Snapshot().IsCameraOn)

	v := NewSession("a2", Peer{ID: "p"}, KindVideo, DirectionOutgoing, time.Now())
	assert.True(t, v.Snapshot().IsCameraOn)

	v.Err = &StartFailure{Cause: errors.New("busy")}
	assert.Equal(t, "call start failed: busy", v.Snapshot().Error)
}
