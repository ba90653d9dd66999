package gwatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/gordian-engine/gpulse/gwatch"
	"github.com/gordian-engine/gpulse/internal/gtest"
	"github.com/stretchr/testify/require"
)

func TestStandardCheckTimer_timersElapse(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := gwatch.NewStandardCheckTimer(
		ctx,
		time.Duration(gtest.ScaleMs(5)),
		time.Duration(gtest.ScaleMs(5)),
	)

	ch, timerCancel := st.CheckIntervalTimer(ctx)
	require.NotNil(t, ch)
	gtest.ReceiveSoon(t, ch)
	timerCancel()

	// An elapsed timer must not block starting the next one.
	ch, timerCancel = st.SettleDelayTimer(ctx)
	require.NotNil(t, ch)
	gtest.ReceiveSoon(t, ch)
	timerCancel()
}

func TestStandardCheckTimer_cancelPreventsElapse(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := gwatch.NewStandardCheckTimer(
		ctx,
		time.Duration(gtest.ScaleMs(5)),
		time.Duration(gtest.ScaleMs(5)),
	)

	ch, timerCancel := st.CheckIntervalTimer(ctx)
	require.NotNil(t, ch)
	timerCancel()

	// The returned channel never closes once the timer is cancelled.
	gtest.NotSendingSoon(t, ch)

	// And a new timer can be started immediately after the cancel.
	ch, timerCancel = st.CheckIntervalTimer(ctx)
	require.NotNil(t, ch)
	gtest.ReceiveSoon(t, ch)
	timerCancel()
}

func TestStandardCheckTimer_doubleCancelIsSafe(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := gwatch.NewStandardCheckTimer(ctx, time.Hour, time.Hour)

	_, timerCancel := st.CheckIntervalTimer(ctx)
	timerCancel()
	timerCancel()

	_, timerCancel = st.SettleDelayTimer(ctx)
	timerCancel()
}

func TestStandardCheckTimer_contextCancelStopsBackground(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	st := gwatch.NewStandardCheckTimer(ctx, time.Hour, time.Hour)

	cancel()
	st.Wait()

	// Requesting a timer after shutdown reports a nil channel
	// and a usable no-op cancel.
	ch, timerCancel := st.CheckIntervalTimer(ctx)
	require.Nil(t, ch)
	require.NotNil(t, timerCancel)
	timerCancel()
}
