package gstream_test

import (
	"context"
	"testing"
	"time"

	"github.com/gordian-engine/gpulse/gconn"
	"github.com/gordian-engine/gpulse/gstream"
	"github.com/gordian-engine/gpulse/gwatch"
	"github.com/gordian-engine/gpulse/gwatch/gwatchtest"
	"github.com/gordian-engine/gpulse/internal/gtest"
	"github.com/stretchr/testify/require"
)

// A muted session keeps its socket open while sending nothing,
// so the client alone never notices anything is wrong.
// The watchdog must escalate through a resume reconnect,
// which lands back in the same muted session,
// up to a fresh identify that finally restores the pulse.
func TestZombieSessionRecovery(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := newStreamFixture(ctx, t, defaultServerConfig())

	c, err := gstream.NewClient(ctx, gtest.NewLogger(t), fx.WSURL)
	require.NoError(t, err)
	t.Cleanup(c.Wait)

	c.Connect(false)
	require.Eventually(t, func() bool {
		return c.Connected() && !c.Identity().IsZero()
	}, time.Duration(gtest.ScaleMs(2000)), 5*time.Millisecond)
	origID := c.Identity().SessionID

	var timer gwatchtest.MockCheckTimer

	w, err := gwatch.New(gtest.NewLogger(t), c, gwatch.Config{
		CheckInterval:                time.Duration(gtest.ScaleMs(50)),
		StaleThreshold:               time.Duration(gtest.ScaleMs(50)),
		MaxStaleBeforeFreshReconnect: 2,
	}, gwatch.WithCheckTimer(&timer))
	require.NoError(t, err)
	t.Cleanup(w.Wait)

	checkStarted := timer.CheckIntervalStartNotification()
	require.NoError(t, w.Start(ctx))
	gtest.ReceiveSoon(t, checkStarted)

	// While events flow, checks pass without touching the connection.
	checkStarted = timer.CheckIntervalStartNotification()
	require.NoError(t, timer.ElapseCheckInterval())
	gtest.ReceiveSoon(t, checkStarted)
	require.Equal(t, origID, c.Identity().SessionID)

	// Mute the session: the socket stays open but every frame
	// and every ping is suppressed from here on.
	found, ok := fx.Server.SetSessionMuted(ctx, origID, true)
	require.True(t, ok)
	require.True(t, found)

	// Wait out the staleness threshold.
	gtest.Sleep(gtest.ScaleMs(75))

	// First stale check: forced resume reconnect.
	settleStarted := timer.SettleDelayStartNotification()
	require.NoError(t, timer.ElapseCheckInterval())
	gtest.ReceiveSoon(t, settleStarted)

	checkStarted = timer.CheckIntervalStartNotification()
	require.NoError(t, timer.ElapseSettleDelay())
	gtest.ReceiveSoon(t, checkStarted)

	// The resume lands back in the same muted session,
	// and a muted session answers a resume with dead silence:
	// the connection is open again but still a zombie.
	require.Eventually(t, c.Connected, time.Duration(gtest.ScaleMs(2000)), 5*time.Millisecond)
	require.Equal(t, origID, c.Identity().SessionID)

	// Second consecutive stale check: escalate to a fresh identify.
	settleStarted = timer.SettleDelayStartNotification()
	require.NoError(t, timer.ElapseCheckInterval())
	gtest.ReceiveSoon(t, settleStarted)

	checkStarted = timer.CheckIntervalStartNotification()
	require.NoError(t, timer.ElapseSettleDelay())
	gtest.ReceiveSoon(t, checkStarted)

	// The fresh session is unmuted, so the pulse returns.
	require.Eventually(t, func() bool {
		id := c.Identity()
		return id.SessionID != "" && id.SessionID != origID
	}, time.Duration(gtest.ScaleMs(2000)), 5*time.Millisecond)
	require.Eventually(t, c.Connected, time.Duration(gtest.ScaleMs(2000)), 5*time.Millisecond)

	sigCh := make(chan gconn.Signal, 64)
	tok, err := c.SubscribeSignals(sigCh)
	require.NoError(t, err)
	gtest.ReceiveSoon(t, sigCh)
	require.NoError(t, c.UnsubscribeSignals(tok))

	// The old zombie is still registered but detached;
	// the replacement is live and unmuted.
	require.Eventually(t, func() bool {
		summaries, ok := fx.Server.Sessions(ctx)
		if !ok || len(summaries) != 2 {
			return false
		}
		for _, sum := range summaries {
			if sum.ID == origID {
				if !sum.Muted || sum.Live {
					return false
				}
			} else if sum.Muted || !sum.Live {
				return false
			}
		}
		return true
	}, time.Duration(gtest.ScaleMs(2000)), 5*time.Millisecond)

	// With traffic flowing again, the next check passes quietly.
	checkStarted = timer.CheckIntervalStartNotification()
	require.NoError(t, timer.ElapseCheckInterval())
	gtest.ReceiveSoon(t, checkStarted)

	require.NoError(t, w.Stop())
}
