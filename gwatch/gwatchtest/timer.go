// Package gwatchtest contains utilities for testing
// code that depends on the gwatch package.
package gwatchtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

const (
	checkIntervalTimerName = "CheckIntervalTimer"
	settleDelayTimerName   = "SettleDelayTimer"
)

// MockCheckTimer is a [gwatch.CheckTimer] whose timers only elapse
// when the test says so, keeping watchdog tests independent of the clock.
// The zero value is ready to use.
type MockCheckTimer struct {
	mu sync.Mutex

	notifications map[string]chan struct{}

	ch     chan struct{}
	cancel func()

	activeName string
}

func (t *MockCheckTimer) CheckIntervalTimer(_ context.Context) (<-chan struct{}, func()) {
	return t.makeTimer(checkIntervalTimerName)
}

func (t *MockCheckTimer) SettleDelayTimer(_ context.Context) (<-chan struct{}, func()) {
	return t.makeTimer(settleDelayTimerName)
}

func (t *MockCheckTimer) makeTimer(name string) (<-chan struct{}, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ch != nil {
		panic(fmt.Errorf(
			"BUG: cannot create %s before previous timer elapses or is cancelled",
			name,
		))
	}

	var ch = make(chan struct{})
	t.ch = ch
	t.cancel = func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		if t.ch != ch {
			// Guard against late/deferred cancel affecting anything else.
			return
		}

		t.ch = nil
		t.cancel = nil

		t.activeName = ""
	}

	t.activeName = name

	if nCh, ok := t.notifications[name]; ok {
		close(nCh)
		delete(t.notifications, name)
	}

	return t.ch, t.cancel
}

// ActiveTimer reports the name of the currently active timer,
// or an empty string if no timer is active.
func (t *MockCheckTimer) ActiveTimer() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.activeName
}

// ElapseCheckInterval elapses the active check interval timer,
// returning an error if some other timer, or no timer, was active.
func (t *MockCheckTimer) ElapseCheckInterval() error {
	return t.elapse(checkIntervalTimerName)
}

// ElapseSettleDelay elapses the active settle delay timer,
// returning an error if some other timer, or no timer, was active.
func (t *MockCheckTimer) ElapseSettleDelay() error {
	return t.elapse(settleDelayTimerName)
}

func (t *MockCheckTimer) elapse(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.activeName != name {
		if t.activeName == "" {
			return fmt.Errorf("requested to elapse timer %q, but no timer active", name)
		}
		return fmt.Errorf("requested to elapse timer %q when %q active", name, t.activeName)
	}

	close(t.ch)
	t.ch = nil
	t.cancel = nil

	t.activeName = ""

	return nil
}

// CheckIntervalStartNotification returns a channel that closes
// the next time a check interval timer starts.
func (t *MockCheckTimer) CheckIntervalStartNotification() <-chan struct{} {
	return t.startNotification(checkIntervalTimerName)
}

// SettleDelayStartNotification returns a channel that closes
// the next time a settle delay timer starts.
func (t *MockCheckTimer) SettleDelayStartNotification() <-chan struct{} {
	return t.startNotification(settleDelayTimerName)
}

func (t *MockCheckTimer) startNotification(name string) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.notifications == nil {
		t.notifications = make(map[string]chan struct{})
	}

	if _, ok := t.notifications[name]; ok {
		panic(fmt.Errorf("notification already created for %q", name))
	}

	ch := make(chan struct{})
	t.notifications[name] = ch
	return ch
}

func (t *MockCheckTimer) RequireNoActiveTimer(tt *testing.T) {
	tt.Helper()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.activeName != "" {
		tt.Fatalf("expected no active timer, but got %s", t.activeName)
	}
}

func (t *MockCheckTimer) RequireActiveCheckIntervalTimer(tt *testing.T) {
	tt.Helper()

	t.requireActiveTimer(tt, checkIntervalTimerName)
}

func (t *MockCheckTimer) RequireActiveSettleDelayTimer(tt *testing.T) {
	tt.Helper()

	t.requireActiveTimer(tt, settleDelayTimerName)
}

func (t *MockCheckTimer) requireActiveTimer(tt *testing.T, name string) {
	tt.Helper()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.activeName == "" {
		tt.Fatalf("expected active %s, but no timer was active", name)
	}
	if t.activeName != name {
		tt.Fatalf("expected active %s, but got %s", name, t.activeName)
	}
}
