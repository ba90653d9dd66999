package gwmetrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Metrics is the set of metrics for a watchdog.
// This type is declared here, but aliased in [gwatch].
type Metrics struct {
	// Checks completed and how many of them classified the connection stale.
	ChecksTotal uint64
	StaleTotal  uint64

	// Forced reconnects, split by whether the session was resumed.
	ResumeReconnects uint64
	FreshReconnects  uint64

	// Escalation state as of the most recent check.
	ConsecutiveStaleChecks int
	SilenceAtLastCheck     time.Duration
}

func (m Metrics) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("checks", m.ChecksTotal),
		slog.Uint64("stale", m.StaleTotal),

		slog.String("reconnects_resume_fresh", fmt.Sprintf("%d/%d", m.ResumeReconnects, m.FreshReconnects)),

		slog.Int("consecutive_stale", m.ConsecutiveStaleChecks),
		slog.Duration("silence_at_last_check", m.SilenceAtLastCheck),
	)
}

type Collector struct {
	cCh chan Metrics

	outCh chan<- Metrics

	done chan struct{}
}

func NewCollector(ctx context.Context, bufSize int, outCh chan<- Metrics) *Collector {
	c := &Collector{
		cCh: make(chan Metrics, bufSize),

		outCh: outCh,

		done: make(chan struct{}),
	}
	go c.background(ctx)
	return c
}

// Update reports the metrics as of one completed check.
// If the collector's buffer is full, the update is dropped;
// the kernel must never block on metrics reporting.
func (c *Collector) Update(m Metrics) {
	select {
	case c.cCh <- m:
	default:
	}
}

func (c *Collector) Wait() {
	<-c.done
}

func (c *Collector) background(ctx context.Context) {
	defer close(c.done)

	var cur Metrics

	var got, outdated bool
	for {
		// Don't attempt to send the output until
		// at least one completed check has reported.
		var outCh chan<- Metrics
		if got && outdated {
			outCh = c.outCh
		}

		select {
		case <-ctx.Done():
			return

		case m := <-c.cCh:
			cur = m

			got = true
			outdated = true

		case outCh <- cur:
			// Okay.
			outdated = false
		}
	}
}
