package timers

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = time.Second

func recvGen(t *testing.T, ch <-chan uint64) uint64 {
	t.Helper()
	select {
	case g := <-ch:
		return g
	case <-time.After(wait):
		t.Fatal("timer did not fire")
		return 0
	}
}

func assertNoFire(t *testing.T, ch <-chan uint64) {
	t.Helper()
	select {
	case g := <-ch:
		t.Fatalf("unexpected fire with generation %d", g)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRingTimerFiresOnceAfterBound(t *testing.T) {
	fc := clockwork.NewFakeClock()
	rt := NewRingTimer(fc)
	fired := make(chan uint64, 4)

	gen := rt.Arm(30*time.Second, func(g uint64) { fired <- g })
	require.True(t, rt.Armed())

	fc.Advance(29999 * time.Millisecond)
	assertNoFire(t, fired)

	fc.Advance(time.Millisecond)
	got := recvGen(t, fired)
	assert.Equal(t, gen, got)
	assert.True(t, rt.Current(got))
	assert.True(t, rt.Consume(got))
	assert.False(t, rt.Consume(got))
	assert.False(t, rt.Armed())
}

func TestRingTimerDisarmPreventsFire(t *testing.T) {
	fc := clockwork.NewFakeClock()
	rt := NewRingTimer(fc)
	fired := make(chan uint64, 1)

	rt.Arm(30*time.Second, func(g uint64) { fired <- g })
	rt.Disarm()
	rt.Disarm()

	fc.Advance(time.Minute)
	assertNoFire(t, fired)
	assert.False(t, rt.Armed())
}

func TestRingTimerStaleGenerationAfterRearm(t *testing.T) {
	fc := clockwork.NewFakeClock()
	rt := NewRingTimer(fc)
	fired := make(chan uint64, 2)

	first := rt.Arm(time.Second, func(g uint64) { fired <- g })
	fc.Advance(time.Second)
	stale := recvGen(t, fired)
	assert.Equal(t, first, stale)

	// The fire above is still "in flight" from the owner's point of view.
	second := rt.Arm(time.Second, func(g uint64) { fired <- g })
	assert.NotEqual(t, first, second)
	assert.False(t, rt.Consume(stale))
	assert.True(t, rt.Current(second))
}

func TestRingTimerClosedRefusesArm(t *testing.T) {
	rt := NewRingTimer(clockwork.NewFakeClock())
	rt.Close()
	assert.Zero(t, rt.Arm(time.Second, func(uint64) {}))
	assert.False(t, rt.Armed())
}

func TestDurationCounterTicksOnlyWhenAcknowledged(t *testing.T) {
	fc := clockwork.NewFakeClock()
	dc := NewDurationCounter(fc)
	ticks := make(chan uint64, 4)

	gen := dc.Start(time.Second, func(g uint64) { ticks <- g })
	require.True(t, dc.Running())

	count := 0
	for i := 0; i < 3; i++ {
		fc.Advance(time.Second)
		g := recvGen(t, ticks)
		require.Equal(t, gen, g)
		require.True(t, dc.Acknowledge(g))
		count++
	}
	assert.Equal(t, 3, count)

	dc.Stop()
	assert.False(t, dc.Running())
	fc.Advance(5 * time.Second)
	assertNoFire(t, ticks)
}

func TestDurationCounterRejectsStaleTick(t *testing.T) {
	fc := clockwork.NewFakeClock()
	dc := NewDurationCounter(fc)
	ticks := make(chan uint64, 4)

	dc.Start(time.Second, func(g uint64) { ticks <- g })
	fc.Advance(time.Second)
	stale := recvGen(t, ticks)

	dc.Stop()
	assert.False(t, dc.Acknowledge(stale))

	restarted := dc.Start(time.Second, func(g uint64) { ticks <- g })
	assert.False(t, dc.Acknowledge(stale))
	fc.Advance(time.Second)
	assert.Equal(t, restarted, recvGen(t, ticks))
}
