package gwatch

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CheckTimer is the interface the watchdog uses to schedule its periodic
// checks and the settle delay between a forced disconnect and reconnect.
// While using a [time.Timer] directly would be simpler,
// that would pose difficulty in fine-grained management of timers during tests.
// So instead, the CheckTimer offers a pair of methods that return a channel that will close upon a timeout,
// and an associated cancel function that must be called to release resources.
// It is safe to call the cancel function multiple times, and concurrently, if needed.
//
// Note that calling the cancel function will not close the returned channel,
// as to avoid spuriously indicating a timer has elapsed.
//
// The context argument is used only for communicating with any coordination goroutines;
// it has no bearing on when the returned channel is closed.
// If the context is cancelled while attempting to get a timer,
// the returned channel is nil and the returned cancel function is a no-op non-nil function.
type CheckTimer interface {
	CheckIntervalTimer(ctx context.Context) (ch <-chan struct{}, cancel func())
	SettleDelayTimer(ctx context.Context) (ch <-chan struct{}, cancel func())
}

// StandardCheckTimer is the default implementation of [CheckTimer],
// backed by an actual [time.Timer].
// Its background goroutine exits when the context given to
// [NewStandardCheckTimer] is cancelled,
// so an idle timer never keeps the process alive.
type StandardCheckTimer struct {
	checkInterval time.Duration
	settleDelay   time.Duration

	startTimerRequests chan startTimerRequest

	bgDone chan struct{}
}

type startTimerRequest struct {
	Dur  time.Duration
	Resp chan startTimerResponse
}

type startTimerResponse struct {
	Elapsed <-chan struct{}
	Cancel  func()
}

func NewStandardCheckTimer(ctx context.Context, checkInterval, settleDelay time.Duration) *StandardCheckTimer {
	t := &StandardCheckTimer{
		checkInterval: checkInterval,
		settleDelay:   settleDelay,

		startTimerRequests: make(chan startTimerRequest),

		bgDone: make(chan struct{}),
	}

	go t.background(ctx)

	return t
}

func (t *StandardCheckTimer) Wait() {
	<-t.bgDone
}

func (t *StandardCheckTimer) background(ctx context.Context) {
	defer close(t.bgDone)

	// One timer for the main loop.
	timer := time.NewTimer(time.Hour) // Long enough that it should be impossible to hit within one goroutine.
	defer timer.Stop()                // Unconditional defer in case we hit an early return.

	// And an unconditional stop call,
	// because the first start timer request requires that the timer is stopped upon entry.
	if !timer.Stop() {
		select {
		case <-timer.C:
			// Okay.
		case <-ctx.Done():
			return
		}
	}

	var timerElapsed, cancelTimer chan struct{}

	for {
		// Wait for signal to start timer.
		select {
		case <-ctx.Done():
			return

		case req := <-t.startTimerRequests:
			// We assume the timer is always stopped by the time we receive a valid start timer request.
			// If the timer is stopped, then we are safe to reset.
			timer.Reset(req.Dur)

			timerElapsed = make(chan struct{})
			cancelTimer = make(chan struct{})
			// Local reference so the returned cancel function
			// doesn't have a closure over the outer variable.
			localCancel := cancelTimer
			var cancelOnce sync.Once
			// The caller should be blocking on the receive here,
			// so we should be safe to do a blocking send.
			req.Resp <- startTimerResponse{
				Elapsed: timerElapsed,
				Cancel: func() {
					cancelOnce.Do(func() {
						close(localCancel)
					})
				},
			}
		}

		// The timer is running.
		select {
		case <-ctx.Done():
			return

		case <-timer.C:
			// The timer elapsed.
			close(timerElapsed)
			timerElapsed = nil
			cancelTimer = nil

		case <-cancelTimer:
			// We need to stop the timer, to avoid leaking resources.
			if !timer.Stop() {
				select {
				case <-timer.C:
					// Okay.
				case <-ctx.Done():
					return
				}
			}

			// Don't close the channel on cancel.
			// Closing it would allow a read to indicate an elapse,
			// which we should assume is undesired.
			timerElapsed = nil
			cancelTimer = nil

		case <-t.startTimerRequests:
			panic(errors.New(
				"BUG: new timer requested before previous timer elapsed or was cancelled",
			))
		}
	}
}

func (t *StandardCheckTimer) getTimer(ctx context.Context, dur time.Duration) (<-chan struct{}, func()) {
	respCh := make(chan startTimerResponse)
	req := startTimerRequest{
		Dur:  dur,
		Resp: respCh,
	}

	select {
	case t.startTimerRequests <- req:
		// Okay.
	case <-ctx.Done():
		return nil, func() {}
	}

	select {
	case resp := <-respCh:
		return resp.Elapsed, resp.Cancel
	case <-ctx.Done():
		return nil, func() {}
	}
}

func (t *StandardCheckTimer) CheckIntervalTimer(ctx context.Context) (<-chan struct{}, func()) {
	return t.getTimer(ctx, t.checkInterval)
}

func (t *StandardCheckTimer) SettleDelayTimer(ctx context.Context) (<-chan struct{}, func()) {
	return t.getTimer(ctx, t.settleDelay)
}
