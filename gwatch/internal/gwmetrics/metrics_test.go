package gwmetrics_test

import (
	"context"
	"testing"

	"github.com/gordian-engine/gpulse/gwatch/internal/gwmetrics"
	"github.com/gordian-engine/gpulse/internal/gtest"
	"github.com/stretchr/testify/require"
)

func TestCollector_quietUntilFirstUpdate(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan gwmetrics.Metrics)
	c := gwmetrics.NewCollector(ctx, 4, out)
	defer c.Wait()
	defer cancel()

	// Nothing to report before the first update arrives.
	gtest.NotSendingSoon(t, out)

	c.Update(gwmetrics.Metrics{ChecksTotal: 1})

	m := gtest.ReceiveSoon(t, out)
	require.Equal(t, uint64(1), m.ChecksTotal)
}

func TestCollector_reportsLatestState(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan gwmetrics.Metrics)
	c := gwmetrics.NewCollector(ctx, 4, out)
	defer c.Wait()
	defer cancel()

	c.Update(gwmetrics.Metrics{ChecksTotal: 1})
	c.Update(gwmetrics.Metrics{ChecksTotal: 2, StaleTotal: 1})

	// Depending on interleaving, the first receive may observe
	// the intermediate state; the follow-up never regresses.
	m := gtest.ReceiveSoon(t, out)
	if m.ChecksTotal != 2 {
		m = gtest.ReceiveSoon(t, out)
	}
	require.Equal(t, uint64(2), m.ChecksTotal)
	require.Equal(t, uint64(1), m.StaleTotal)

	// With no further updates, the output stays quiet.
	gtest.NotSendingSoon(t, out)
}

func TestCollector_waitReturnsAfterContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	out := make(chan gwmetrics.Metrics)
	c := gwmetrics.NewCollector(ctx, 4, out)

	cancel()
	c.Wait()
}
