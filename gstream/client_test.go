package gstream_test

import (
	"context"
	"testing"
	"time"

	"github.com/gordian-engine/gpulse/gconn"
	"github.com/gordian-engine/gpulse/gstream"
	"github.com/gordian-engine/gpulse/internal/gtest"
	"github.com/stretchr/testify/require"
)

func TestClient_urlValidation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := gstream.NewClient(ctx, gtest.NewLogger(t), "")
	require.Error(t, err)
	require.ErrorContains(t, err, "url may not be empty")
}

func TestClient_connectEstablishesSessionAndSignals(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := newStreamFixture(ctx, t, defaultServerConfig())

	c, err := gstream.NewClient(ctx, gtest.NewLogger(t), fx.WSURL)
	require.NoError(t, err)
	t.Cleanup(c.Wait)

	sigCh := make(chan gconn.Signal, 64)
	tok, err := c.SubscribeSignals(sigCh)
	require.NoError(t, err)

	require.False(t, c.Connected())
	require.True(t, c.Identity().IsZero())

	c.Connect(false)

	// The hello frame is the first signal.
	gtest.ReceiveSoon(t, sigCh)

	require.Eventually(t, c.Connected, time.Duration(gtest.ScaleMs(2000)), 5*time.Millisecond)
	require.Eventually(t, func() bool {
		id := c.Identity()
		return id.SessionID != "" && id.Sequence >= 2
	}, time.Duration(gtest.ScaleMs(2000)), 5*time.Millisecond)

	// The held identity matches the server's registry.
	summaries, ok := fx.Server.Sessions(ctx)
	require.True(t, ok)
	require.Len(t, summaries, 1)
	require.Equal(t, c.Identity().SessionID, summaries[0].ID)

	// A redundant connect request changes nothing.
	c.Connect(false)
	gtest.Sleep(gtest.ScaleMs(50))
	summaries, ok = fx.Server.Sessions(ctx)
	require.True(t, ok)
	require.Len(t, summaries, 1)

	require.NoError(t, c.UnsubscribeSignals(tok))
}

func TestClient_pingsAloneKeepSignalsFlowing(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// No events within any reasonable test window; pings are the only traffic.
	cfg := defaultServerConfig()
	cfg.EventInterval = time.Hour
	cfg.PingInterval = time.Duration(gtest.ScaleMs(15))

	fx := newStreamFixture(ctx, t, cfg)

	c, err := gstream.NewClient(ctx, gtest.NewLogger(t), fx.WSURL)
	require.NoError(t, err)
	t.Cleanup(c.Wait)

	sigCh := make(chan gconn.Signal, 64)
	_, err = c.SubscribeSignals(sigCh)
	require.NoError(t, err)

	c.Connect(false)

	// One hello, then a steady pulse of pings.
	for i := 0; i < 4; i++ {
		gtest.ReceiveSoon(t, sigCh)
	}
}

func TestClient_disconnectAndResume(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := newStreamFixture(ctx, t, defaultServerConfig())

	c, err := gstream.NewClient(ctx, gtest.NewLogger(t), fx.WSURL)
	require.NoError(t, err)
	t.Cleanup(c.Wait)

	c.Connect(false)
	require.Eventually(t, func() bool {
		return c.Connected() && c.Identity().Sequence >= 1
	}, time.Duration(gtest.ScaleMs(2000)), 5*time.Millisecond)

	id := c.Identity()
	require.NotEmpty(t, id.SessionID)

	c.Disconnect()
	require.Eventually(t, func() bool { return !c.Connected() }, time.Duration(gtest.ScaleMs(2000)), 5*time.Millisecond)

	// Disconnecting again is harmless,
	// and the session identity survives the teardown.
	c.Disconnect()
	require.Equal(t, id.SessionID, c.Identity().SessionID)

	require.Eventually(t, func() bool {
		summaries, ok := fx.Server.Sessions(ctx)
		return ok && len(summaries) == 1 && !summaries[0].Live
	}, time.Duration(gtest.ScaleMs(2000)), 5*time.Millisecond)

	sigCh := make(chan gconn.Signal, 64)
	_, err = c.SubscribeSignals(sigCh)
	require.NoError(t, err)

	c.Connect(true)

	// The resumed frame is itself inbound traffic.
	gtest.ReceiveSoon(t, sigCh)

	require.Eventually(t, c.Connected, time.Duration(gtest.ScaleMs(2000)), 5*time.Millisecond)
	require.Equal(t, id.SessionID, c.Identity().SessionID)

	// Still one session; the client resumed rather than re-identifying.
	summaries, ok := fx.Server.Sessions(ctx)
	require.True(t, ok)
	require.Len(t, summaries, 1)
}

func TestClient_redialsAfterConnectionFailure(t *testing.T) {
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

	// Dropping the session closes the socket from the server side,
	// which is an outright failure rather than a deliberate disconnect,
	// so the client redials on its own.
	// Its resume attempt names a session the server has forgotten,
	// and the server falls back to issuing a fresh one.
	found, ok := fx.Server.DropSession(ctx, origID)
	require.True(t, ok)
	require.True(t, found)

	require.Eventually(t, func() bool {
		id := c.Identity()
		return c.Connected() && id.SessionID != "" && id.SessionID != origID
	}, time.Duration(gtest.ScaleMs(2000)), 5*time.Millisecond)

	summaries, ok := fx.Server.Sessions(ctx)
	require.True(t, ok)
	require.Len(t, summaries, 1)
	require.Equal(t, c.Identity().SessionID, summaries[0].ID)
}

func TestClient_clearSessionIdentityForcesFreshSession(t *testing.T) {
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

	c.Disconnect()
	require.Eventually(t, func() bool { return !c.Connected() }, time.Duration(gtest.ScaleMs(2000)), 5*time.Millisecond)

	c.ClearSessionIdentity()
	require.True(t, c.Identity().IsZero())

	// Resume was requested, but with no identity held
	// the client identifies fresh and gets a new session.
	c.Connect(true)
	require.Eventually(t, func() bool {
		id := c.Identity()
		return id.SessionID != "" && id.SessionID != origID
	}, time.Duration(gtest.ScaleMs(2000)), 5*time.Millisecond)

	summaries, ok := fx.Server.Sessions(ctx)
	require.True(t, ok)
	require.Len(t, summaries, 2)
}

func TestClient_mutedSessionStallsWithoutDisconnect(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := newStreamFixture(ctx, t, defaultServerConfig())

	c, err := gstream.NewClient(ctx, gtest.NewLogger(t), fx.WSURL)
	require.NoError(t, err)
	t.Cleanup(c.Wait)

	c.Connect(false)
	require.Eventually(t, func() bool {
		return c.Connected() && c.Identity().Sequence >= 2
	}, time.Duration(gtest.ScaleMs(2000)), 5*time.Millisecond)

	id := c.Identity().SessionID
	found, ok := fx.Server.SetSessionMuted(ctx, id, true)
	require.True(t, ok)
	require.True(t, found)

	// Let in-flight events drain, then require the sequence to hold still
	// while the socket stays open.
	gtest.Sleep(gtest.ScaleMs(60))
	stalled := c.Identity().Sequence
	gtest.Sleep(gtest.ScaleMs(100))
	require.Equal(t, stalled, c.Identity().Sequence)
	require.True(t, c.Connected())

	// Unmuting restores the pulse on the same connection.
	found, ok = fx.Server.SetSessionMuted(ctx, id, false)
	require.True(t, ok)
	require.True(t, found)

	require.Eventually(t, func() bool {
		return c.Identity().Sequence > stalled
	}, time.Duration(gtest.ScaleMs(2000)), 5*time.Millisecond)
}
