package gwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordian-engine/gpulse/gconn"
	"github.com/gordian-engine/gpulse/gwatch/internal/gwmetrics"
)

// settleDelay is how long the watchdog waits between forcing a disconnect
// and issuing the corresponding reconnect,
// giving the transport time to finish tearing down the old connection.
const settleDelay = time.Second

// Watchdog supervises the liveness of a single [gconn.Conn].
//
// Once started, a kernel goroutine tracks liveness signals from the
// connection and runs a check on every check interval,
// classifying the connection with [Evaluate] and forcing a disconnect
// and reconnect when the connection has gone silent too long.
//
// The watchdog holds the connection only as a capability to observe it
// and to force reconnects; it never owns the connection's lifetime.
type Watchdog struct {
	log *slog.Logger

	conn gconn.Conn
	cfg  Config

	timer     CheckTimer
	metricsCh chan<- Metrics

	mu         sync.Mutex
	running    bool
	cancel     context.CancelCauseFunc
	kernelDone chan struct{}

	// Written by the kernel before kernelDone is closed;
	// read only after kernelDone is observed closed.
	unsubErr error
}

// New returns a Watchdog supervising conn according to cfg.
// The watchdog is inert until [*Watchdog.Start] is called.
func New(log *slog.Logger, conn gconn.Conn, cfg Config, opts ...Opt) (*Watchdog, error) {
	if conn == nil {
		return nil, errors.New("New: conn must not be nil")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("New: Config is invalid: %w", err)
	}

	w := &Watchdog{
		log: log,

		conn: conn,
		cfg:  cfg,
	}

	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, err
		}
	}

	return w, nil
}

// Start subscribes to the connection's liveness signals
// and launches the kernel goroutine.
//
// The context bounds the kernel's lifetime.
// Cancelling it stops the watchdog just as [*Watchdog.Stop] would,
// except a failure to remove the signal subscription is only logged,
// as there is no caller to return it to.
//
// Start returns [ErrAlreadyRunning] if the kernel is already running.
// A stopped watchdog may be started again.
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		select {
		case <-w.kernelDone:
			// The kernel already exited due to context cancellation,
			// and nobody called Stop to collect that fact.
			w.running = false
		default:
			return ErrAlreadyRunning
		}
	}

	// A single pending signal is enough to mark the connection live,
	// and the broker drops sends to subscribers that are not keeping up.
	sigCh := make(chan gconn.Signal, 1)
	tok, err := w.conn.SubscribeSignals(sigCh)
	if err != nil {
		return fmt.Errorf("subscribe liveness signals: %w", err)
	}

	kCtx, cancel := context.WithCancelCause(ctx)

	t := w.timer
	if t == nil {
		t = NewStandardCheckTimer(kCtx, w.cfg.CheckInterval, settleDelay)
	}

	var mc *gwmetrics.Collector
	if w.metricsCh != nil {
		mc = gwmetrics.NewCollector(kCtx, 4, w.metricsCh)
	}

	done := make(chan struct{})

	w.cancel = cancel
	w.kernelDone = done
	w.unsubErr = nil
	w.running = true

	go w.kernel(kCtx, done, t, sigCh, tok, mc)

	return nil
}

// Stop terminates the kernel and removes the watchdog's signal subscription,
// blocking until that teardown has completed.
// After Stop returns, the watchdog issues no further connection operations
// until the next call to [*Watchdog.Start].
//
// Stop is idempotent; stopping a watchdog that is not running returns nil.
// If removing the signal subscription fails, Stop returns that error,
// but the watchdog still counts as stopped.
func (w *Watchdog) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	w.cancel(errStopRequested)
	<-w.kernelDone

	w.running = false
	return w.unsubErr
}

// Wait blocks until the kernel goroutine from the most recent call to
// [*Watchdog.Start] has finished.
// It returns immediately if the watchdog was never started.
func (w *Watchdog) Wait() {
	w.mu.Lock()
	done := w.kernelDone
	w.mu.Unlock()

	if done == nil {
		return
	}
	<-done
}

func (w *Watchdog) kernel(
	ctx context.Context,
	done chan<- struct{},
	t CheckTimer,
	sigCh <-chan gconn.Signal,
	tok gconn.SignalToken,
	mc *gwmetrics.Collector,
) {
	defer close(done)

	defer func() {
		if err := w.conn.UnsubscribeSignals(tok); err != nil {
			// Logged in addition to being stored for Stop,
			// because on an abort there may never be a Stop call.
			err = fmt.Errorf("unsubscribe liveness signals: %w", err)
			w.log.Error("Failed to remove liveness signal subscription", "err", err)
			w.unsubErr = err
		}
	}()

	s := State{LastSignalAt: time.Now()}

	var m gwmetrics.Metrics

	for {
		timerCh, cancelTimer := t.CheckIntervalTimer(ctx)

		for wait := true; wait; {
			select {
			case <-ctx.Done():
				cancelTimer()
				w.log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))
				return

			case <-sigCh:
				s = RecordSignal(s, time.Now())

			case <-timerCh:
				wait = false
			}
		}

		if ctx.Err() != nil {
			w.log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))
			return
		}

		now := time.Now()
		silence := now.Sub(s.LastSignalAt)

		d, next := Evaluate(now, s, w.cfg, w.conn.Connected())
		s = next

		m.ChecksTotal++

		switch d {
		case DecisionHealthy:
			w.log.Debug("Connection healthy", "silence", silence)

		case DecisionWaitForExternalReconnect:
			m.StaleTotal++
			w.log.Info(
				"Connection stale while transport reports disconnected; leaving recovery to the transport",
				"silence", silence,
				"consecutive_stale", s.ConsecutiveStaleChecks,
			)

		case DecisionResumeReconnect:
			m.StaleTotal++
			m.ResumeReconnects++
			w.log.Warn(
				"Connection stale; forcing reconnect with session resume",
				"silence", silence,
				"consecutive_stale", s.ConsecutiveStaleChecks,
			)
			if !w.reconnect(ctx, t, sigCh, &s, true) {
				return
			}

		case DecisionFreshReconnect:
			m.StaleTotal++
			m.FreshReconnects++
			w.log.Warn(
				"Connection stale beyond resume tolerance; forcing fresh reconnect",
				"silence", silence,
				"consecutive_stale", s.ConsecutiveStaleChecks,
			)
			if !w.reconnect(ctx, t, sigCh, &s, false) {
				return
			}

		default:
			panic(fmt.Errorf("BUG: unhandled decision %d from evaluation", d))
		}

		m.ConsecutiveStaleChecks = s.ConsecutiveStaleChecks
		m.SilenceAtLastCheck = silence
		if mc != nil {
			mc.Update(m)
		}
	}
}

// reconnect forces a disconnect and reconnect of the watched connection,
// waiting out the settle delay between the two.
// A resume leaves the staleness window alone,
// so continued silence keeps escalating on the following checks;
// a completed fresh reconnect restarts escalation from scratch.
// The reported ok is false only if the context was cancelled mid-sequence,
// in which case the kernel must return immediately.
func (w *Watchdog) reconnect(
	ctx context.Context,
	t CheckTimer,
	sigCh <-chan gconn.Signal,
	s *State,
	resume bool,
) (ok bool) {
	if !resume {
		// Identity is cleared before disconnecting so that even an
		// interrupted sequence cannot resume the abandoned session.
		w.guard("clear session identity", w.conn.ClearSessionIdentity)
	}

	w.guard("disconnect", w.conn.Disconnect)

	settleCh, cancelSettle := t.SettleDelayTimer(ctx)

	for {
		select {
		case <-ctx.Done():
			cancelSettle()
			w.log.Info("Stopping during reconnect settle", "cause", context.Cause(ctx))
			return false

		case <-sigCh:
			// Signals arriving mid-settle still count.
			*s = RecordSignal(*s, time.Now())

		case <-settleCh:
			w.guard("connect", func() {
				w.conn.Connect(resume)
			})

			if !resume {
				*s = State{LastSignalAt: time.Now()}
			}

			return true
		}
	}
}

// guard invokes fn, recovering from any panic so that a misbehaving
// connection implementation cannot take down the kernel.
// A panicking operation counts as attempted.
func (w *Watchdog) guard(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Warn("Recovered from panicking connection operation", "op", op, "recovered", r)
		}
	}()

	fn()
}
