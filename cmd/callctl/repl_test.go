package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dense-identity/callctl/internal/callsession"
	"github.com/dense-identity/callctl/internal/config"
	"github.com/dense-identity/callctl/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testApp(t *testing.T) *app {
	t.Helper()
	cfg, err := config.New[config.Config]()
	require.NoError(t, err)
	cfg.CallService = config.ServiceSim
	cfg.SimRingAfter = time.Hour
	require.NoError(t, cfg.Validate())

	a, err := newApp(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func run(t *testing.T, a *app, line string) (string, bool) {
	t.Helper()
	var out bytes.Buffer
	quit := runCommand(context.Background(), a, &out, strings.Fields(line))
	return out.String(), quit
}

func TestReplCommands(t *testing.T) {
	a := testApp(t)
	require.NotNil(t, a.ring)

	out, _ := run(t, a, "status")
	assert.Equal(t, "no call\n", out)

	out, _ = run(t, a, "dial")
	assert.Contains(t, out, "Usage: dial")

	out, _ = run(t, a, "dial bob Bob Smith")
	assert.Empty(t, out)
	require.Eventually(t, func() bool {
		return a.ctrl.Snapshot().State == callsession.StateDialing
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Bob Smith", a.ctrl.Snapshot().Peer.DisplayName)

	out, _ = run(t, a, "dial carol")
	assert.Contains(t, out, "Dial failed")

	out, _ = run(t, a, "end bored")
	assert.Contains(t, out, "reason must be")

	_, _ = run(t, a, "end")
	require.Eventually(t, func() bool {
		return a.ctrl.Snapshot().State == callsession.StateEnded
	}, 2*time.Second, 10*time.Millisecond)

	out, _ = run(t, a, "redial")
	assert.Contains(t, out, "Redial failed")

	out, _ = run(t, a, "answer")
	assert.Equal(t, "no incoming call\n", out)

	require.Eventually(t, func() bool {
		out, _ = run(t, a, "history bob")
		return strings.Contains(out, "bob ended")
	}, 2*time.Second, 10*time.Millisecond)

	out, _ = run(t, a, "bogus")
	assert.Contains(t, out, "Unknown command")

	_, quit := run(t, a, "quit")
	assert.True(t, quit)
}

func TestPrintSnapshot(t *testing.T) {
	var out bytes.Buffer
	printSnapshot(&out, callsession.Snapshot{
		AttemptID:      "a1",
		Peer:           callsession.Peer{ID: "bob"},
		Kind:           callsession.KindVideo,
		State:          callsession.StateConnected,
		ElapsedSeconds: 65,
		IsMuted:        true,
		IsCameraOn:     true,
	})
	assert.Equal(t, "[connected] outgoing video call with bob 1:05 (muted,camera)\n", out.String())
}
