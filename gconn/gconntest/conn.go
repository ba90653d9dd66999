// Package gconntest provides a recording [gconn.Conn] implementation
// for exercising liveness watchdogs without a real transport.
package gconntest

import (
	"errors"
	"sync"

	"github.com/gordian-engine/gpulse/gconn"
)

// Operation names recorded in [Call] values.
const (
	OpConnect              = "connect"
	OpDisconnect           = "disconnect"
	OpClearSessionIdentity = "clear_session_identity"
)

// Call records one operation invoked on a [FakeConn].
type Call struct {
	Op string

	// Resume is only meaningful when Op is [OpConnect].
	Resume bool
}

// FakeConn is a [gconn.Conn] that records every mutating operation.
// Reads of connected status are not recorded.
//
// All methods are safe for concurrent use,
// and the mutating operations are idempotent,
// matching the tolerance the Conn contract demands of real transports.
type FakeConn struct {
	mu        sync.Mutex
	connected bool
	identity  gconn.SessionIdentity

	subscribeErr   error
	unsubscribeErr error

	panicNextConnect string

	calls  []Call
	callCh chan Call

	sigs gconn.SignalBroker
}

// NewFakeConn returns a FakeConn that reports connected.
func NewFakeConn() *FakeConn {
	return &FakeConn{
		connected: true,

		// Generously buffered so recorded operations never block the caller,
		// regardless of whether the test consumes the channel.
		callCh: make(chan Call, 128),
	}
}

func (c *FakeConn) record(call Call) {
	c.calls = append(c.calls, call)
	c.callCh <- call
}

// CallCh streams every recorded operation in order.
func (c *FakeConn) CallCh() <-chan Call {
	return c.callCh
}

// Calls returns a copy of the full operation history.
func (c *FakeConn) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *FakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

// SetConnected overrides the reported connected status,
// for driving the disconnected-check path.
func (c *FakeConn) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = connected
}

func (c *FakeConn) Connect(resume bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.record(Call{Op: OpConnect, Resume: resume})

	if c.panicNextConnect != "" {
		msg := c.panicNextConnect
		c.panicNextConnect = ""
		panic(errors.New(msg))
	}

	c.connected = true
}

func (c *FakeConn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.record(Call{Op: OpDisconnect})
	c.connected = false
}

func (c *FakeConn) ClearSessionIdentity() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.record(Call{Op: OpClearSessionIdentity})
	c.identity = gconn.SessionIdentity{}
}

// Identity returns the currently held session identity.
func (c *FakeConn) Identity() gconn.SessionIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.identity
}

// SetIdentity seeds the held session identity.
// FakeConn never assigns identity on its own;
// only ClearSessionIdentity and SetIdentity change it.
func (c *FakeConn) SetIdentity(id gconn.SessionIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.identity = id
}

// PanicOnNextConnect arranges for the next Connect call
// to panic with the given message, after recording the call.
// The panic is one-shot; subsequent connects behave normally.
func (c *FakeConn) PanicOnNextConnect(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.panicNextConnect = msg
}

// SetSubscribeError scripts SubscribeSignals to fail.
func (c *FakeConn) SetSubscribeError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subscribeErr = err
}

// SetUnsubscribeError scripts UnsubscribeSignals to fail.
// While the error is set, the subscription is left in place,
// simulating a teardown that could not complete.
func (c *FakeConn) SetUnsubscribeError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.unsubscribeErr = err
}

func (c *FakeConn) SubscribeSignals(ch chan<- gconn.Signal) (gconn.SignalToken, error) {
	c.mu.Lock()
	err := c.subscribeErr
	c.mu.Unlock()

	if err != nil {
		return 0, err
	}

	return c.sigs.Subscribe(ch), nil
}

func (c *FakeConn) UnsubscribeSignals(tok gconn.SignalToken) error {
	c.mu.Lock()
	err := c.unsubscribeErr
	c.mu.Unlock()

	if err != nil {
		return err
	}

	return c.sigs.Unsubscribe(tok)
}

// EmitSignal delivers a liveness signal to all subscribers.
func (c *FakeConn) EmitSignal(sig gconn.Signal) {
	c.sigs.Emit(sig)
}

// NumSignalSubscribers reports the count of live signal subscriptions.
func (c *FakeConn) NumSignalSubscribers() int {
	return c.sigs.NumSubscribers()
}
