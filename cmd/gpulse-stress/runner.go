package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/gordian-engine/gpulse/gstream"
	"github.com/gordian-engine/gpulse/gwatch"
)

// clientMetrics holds the latest metrics snapshot per supervised client.
type clientMetrics struct {
	mu   sync.Mutex
	last []gwatch.Metrics
}

func (cm *clientMetrics) set(i int, m gwatch.Metrics) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.last[i] = m
}

func (cm *clientMetrics) get(i int) gwatch.Metrics {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.last[i]
}

func runScenario(ctx context.Context, log *slog.Logger, out io.Writer, sc *Scenario) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln, err := net.Listen("tcp", sc.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", sc.Server.Listen, err)
	}

	wsURL := "ws://" + ln.Addr().String() + "/stream"

	srv, err := gstream.NewServer(runCtx, log.With("sys", "server"), gstream.ServerConfig{
		Listener:      ln,
		EventInterval: time.Duration(sc.Server.EventInterval),
		PingInterval:  time.Duration(sc.Server.PingInterval),
		ResumeBuffer:  sc.Server.ResumeBuffer,
		ResumeURL:     wsURL,
	})
	if err != nil {
		return fmt.Errorf("failed to start stream server: %w", err)
	}
	defer func() {
		// An early error return has not canceled runCtx yet,
		// and the server only stops on cancellation.
		cancel()
		srv.Wait()
	}()

	log.Info(
		"Scenario starting",
		"addr", ln.Addr().String(),
		"clients", sc.Clients.Count,
		"mute_interval", time.Duration(sc.Faults.MuteInterval).String(),
	)

	cm := &clientMetrics{last: make([]gwatch.Metrics, sc.Clients.Count)}

	var wg sync.WaitGroup
	watchdogs := make([]*gwatch.Watchdog, sc.Clients.Count)
	clients := make([]*gstream.Client, sc.Clients.Count)
	for i := 0; i < sc.Clients.Count; i++ {
		c, err := gstream.NewClient(runCtx, log.With("sys", "client", "idx", i), wsURL)
		if err != nil {
			return fmt.Errorf("failed to create client %d: %w", i, err)
		}
		clients[i] = c

		metricsCh := make(chan gwatch.Metrics)

		w, err := gwatch.New(
			log.With("sys", "watchdog", "idx", i),
			c,
			gwatch.Config{
				CheckInterval:                time.Duration(sc.Watchdog.CheckInterval),
				StaleThreshold:               time.Duration(sc.Watchdog.StaleThreshold),
				MaxStaleBeforeFreshReconnect: sc.Watchdog.MaxStaleBeforeFresh,
			},
			gwatch.WithMetricsChannel(metricsCh),
		)
		if err != nil {
			return fmt.Errorf("failed to create watchdog %d: %w", i, err)
		}

		if err := w.Start(runCtx); err != nil {
			return fmt.Errorf("failed to start watchdog %d: %w", i, err)
		}
		watchdogs[i] = w

		wg.Add(1)
		go func(i int, ch <-chan gwatch.Metrics) {
			defer wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case m := <-ch:
					cm.set(i, m)
				}
			}
		}(i, metricsCh)

		c.Connect(false)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		muteRandomSessions(runCtx, log, srv, time.Duration(sc.Faults.MuteInterval))
	}()

	// Run until the configured duration elapses or we are interrupted.
	if d := time.Duration(sc.Faults.Duration); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			log.Info("Received ^c")
		case <-t.C:
			log.Info("Scenario duration elapsed")
		}
	} else {
		<-ctx.Done()
		log.Info("Received ^c")
	}

	// Stop the watchdogs before reporting so the counters are settled.
	for i, w := range watchdogs {
		if err := w.Stop(); err != nil {
			log.Warn("Failed to stop watchdog cleanly", "idx", i, "err", err)
		}
	}

	// Logs go to stderr, but the scenario results go to out (stdout by default).
	for i := 0; i < sc.Clients.Count; i++ {
		m := cm.get(i)
		fmt.Fprintf(
			out,
			"client %d: checks=%d stale=%d resume_reconnects=%d fresh_reconnects=%d\n",
			i, m.ChecksTotal, m.StaleTotal, m.ResumeReconnects, m.FreshReconnects,
		)
	}

	if summaries, ok := srv.Sessions(runCtx); ok {
		var live, muted int
		for _, sum := range summaries {
			if sum.Live {
				live++
			}
			if sum.Muted {
				muted++
			}
		}
		fmt.Fprintf(out, "sessions: total=%d live=%d muted=%d\n", len(summaries), live, muted)
	}

	cancel()
	wg.Wait()
	for _, c := range clients {
		c.Wait()
	}

	return nil
}

// muteRandomSessions black-holes one random live, unmuted session
// every interval until ctx is canceled.
func muteRandomSessions(ctx context.Context, log *slog.Logger, srv *gstream.Server, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		summaries, ok := srv.Sessions(ctx)
		if !ok {
			return
		}

		var candidates []gstream.SessionSummary
		for _, sum := range summaries {
			if sum.Live && !sum.Muted {
				candidates = append(candidates, sum)
			}
		}
		if len(candidates) == 0 {
			continue
		}

		victim := candidates[rand.Intn(len(candidates))]
		if found, ok := srv.SetSessionMuted(ctx, victim.ID, true); ok && found {
			log.Info("Muted session", "session_id", victim.ID)
		}
	}
}
